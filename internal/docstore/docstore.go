// Package docstore persists whole JSON documents with atomic replace.
//
// A Document is bound to one relative path under a pathscope.Scope. Reads
// return a default value when the file is absent and fail with
// ir.ErrValidation when it is present but malformed. Writes go to a
// temporary file in the same directory which is fsynced and renamed over
// the target, so a reader never observes a partial document and a crash
// mid-write leaves the previous committed value in place.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/pathscope"
)

// Validator checks a serialized document before decode and before write.
// *schema.Schema implements it.
type Validator interface {
	Validate(data []byte) error
}

// renameFile is swapped in tests to simulate a crash before rename.
var renameFile = os.Rename

// Option configures a Document.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for recovered validation failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Document is a typed handle to one JSON file.
//
// Thread-safety: Read and Write are safe for concurrent use. Update holds a
// per-handle mutex across its read-modify-write, so concurrent Updates on
// the same handle do not lose writes. Two handles bound to the same path
// are NOT coordinated.
type Document[T any] struct {
	scope       *pathscope.Scope
	rel         string
	defaultJSON []byte
	schema      Validator
	logger      *slog.Logger

	mu sync.Mutex
}

// New binds a Document to rel. defaultValue is returned (as a fresh copy)
// whenever the file does not exist. schema may be nil, in which case only
// strict JSON decoding is applied.
func New[T any](scope *pathscope.Scope, rel string, defaultValue T, schema Validator, opts ...Option) (*Document[T], error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	def, err := encode(defaultValue)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode default for %s: %w", rel, err)
	}

	return &Document[T]{
		scope:       scope,
		rel:         rel,
		defaultJSON: def,
		schema:      schema,
		logger:      o.logger,
	}, nil
}

// Path returns the document's relative path.
func (d *Document[T]) Path() string {
	return d.rel
}

// Read loads and validates the document.
// Returns the default if the file is absent.
func (d *Document[T]) Read(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	abs, err := d.scope.Resolve(d.rel)
	if err != nil {
		return zero, err
	}

	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return d.Default(), nil
	}
	if err != nil {
		return zero, fmt.Errorf("docstore read %s: %w", d.rel, err)
	}

	return d.decode(data)
}

// ReadOrDefault is Read with whole-document recovery: a document that fails
// validation is logged and replaced by the default in memory. The file on
// disk is left untouched until the next Write.
func (d *Document[T]) ReadOrDefault(ctx context.Context) (T, error) {
	v, err := d.Read(ctx)
	if err != nil && ir.IsValidation(err) {
		d.logger.Warn("document failed validation, using default",
			"path", d.rel,
			"error", err,
		)
		return d.Default(), nil
	}
	return v, err
}

// Default returns a fresh copy of the default value.
func (d *Document[T]) Default() T {
	var v T
	// defaultJSON was produced by encode, so decode cannot fail.
	_ = json.Unmarshal(d.defaultJSON, &v)
	return v
}

// Write serializes v and atomically replaces the document.
func (d *Document[T]) Write(ctx context.Context, v T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	abs, err := d.scope.Resolve(d.rel)
	if err != nil {
		return err
	}

	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("docstore write %s: %w", d.rel, err)
	}
	if d.schema != nil {
		if err := d.schema.Validate(data); err != nil {
			return ir.NewError(ir.ErrCodeValidation, "docstore.write", d.rel, err)
		}
	}

	if err := writeAtomic(abs, data); err != nil {
		return fmt.Errorf("docstore write %s: %w", d.rel, err)
	}
	return nil
}

// Update performs read-modify-write. fn receives the current value (or the
// default, also when the stored document fails validation, as with
// ReadOrDefault) and returns the value to persist. If fn returns an error
// nothing is written.
//
// Update is not a transaction: it serialises callers of this handle only.
func (d *Document[T]) Update(ctx context.Context, fn func(T) (T, error)) (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var zero T
	cur, err := d.ReadOrDefault(ctx)
	if err != nil {
		return zero, err
	}

	next, err := fn(cur)
	if err != nil {
		return zero, err
	}

	if err := d.Write(ctx, next); err != nil {
		return zero, err
	}
	return next, nil
}

func (d *Document[T]) decode(data []byte) (T, error) {
	var v T
	if d.schema != nil {
		if err := d.schema.Validate(data); err != nil {
			return v, ir.NewError(ir.ErrCodeValidation, "docstore.read", d.rel, err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, ir.NewError(ir.ErrCodeValidation, "docstore.read", d.rel, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return v, ir.NewError(ir.ErrCodeValidation, "docstore.read", d.rel, errors.New("trailing data after document"))
	}
	return v, nil
}

// encode produces deterministic output: struct field order, sorted map keys,
// no HTML escaping, two-space indent, trailing newline.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFileAtomic writes data to a temp file beside path, fsyncs it, renames
// it over path, and fsyncs the directory. The temp file is removed on
// failure. Callers are responsible for scoping path.
func WriteFileAtomic(path string, data []byte) error {
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = renameFile(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	syncDir(dir)
	return nil
}

// syncDir flushes the directory entry for the rename. Not every platform
// supports fsync on directories, so failures are ignored.
func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = f.Sync()
	_ = f.Close()
}
