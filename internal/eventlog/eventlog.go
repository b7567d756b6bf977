// Package eventlog implements the per-thread append-only event log.
//
// Each log is a JSONL file: one ir.Event per line, appended with O_APPEND
// and fsynced before Append returns. Lines are never rewritten; edits and
// deletions are new events with the same ID (see conversation.Reduce).
package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/pathscope"
)

// Validator checks one serialized event line.
type Validator interface {
	Validate(data []byte) error
}

// appendLocks serialises writers per absolute path within this process.
// Logs opened twice for the same file share a lock.
var appendLocks sync.Map // map[string]*sync.Mutex

func lockFor(abs string) *sync.Mutex {
	mu, _ := appendLocks.LoadOrStore(abs, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Log is a handle to one event log file.
type Log struct {
	scope  *pathscope.Scope
	rel    string
	schema Validator
}

// Open binds a Log to rel. The file need not exist. schema may be nil.
func Open(scope *pathscope.Scope, rel string, schema Validator) (*Log, error) {
	if _, err := scope.Resolve(rel); err != nil {
		return nil, err
	}
	return &Log{scope: scope, rel: rel, schema: schema}, nil
}

// Path returns the log's relative path.
func (l *Log) Path() string {
	return l.rel
}

// Append writes e as a single line and fsyncs.
func (l *Log) Append(ctx context.Context, e ir.Event) error {
	return l.AppendBatch(ctx, []ir.Event{e})
}

// AppendBatch writes events with a single write call so the batch lands
// contiguously. Nothing is written if any event fails validation.
func (l *Log) AppendBatch(ctx context.Context, events []ir.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	abs, err := l.scope.Resolve(l.rel)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, e := range events {
		line, err := l.encode(e)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	mu := lockFor(abs)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("eventlog append %s: create directory: %w", l.rel, err)
	}

	f, err := os.OpenFile(abs, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog append %s: %w", l.rel, err)
	}
	defer f.Close()

	// An unterminated tail was never acknowledged. Appending after it would
	// fuse it with the new line.
	if _, err := trimTornTail(f); err != nil {
		return fmt.Errorf("eventlog append %s: %w", l.rel, err)
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("eventlog append %s: %w", l.rel, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("eventlog append %s: sync: %w", l.rel, err)
	}
	return nil
}

func (l *Log) encode(e ir.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("eventlog append %s: %w", l.rel, err)
	}
	line := bytes.TrimRight(buf.Bytes(), "\n")
	if l.schema != nil {
		if err := l.schema.Validate(line); err != nil {
			return nil, ir.NewError(ir.ErrCodeValidation, "eventlog.append", l.rel, err)
		}
	}
	return line, nil
}

// Read returns every event in append order. An absent log is empty.
//
// A malformed or schema-invalid line fails the whole read with an *ir.Error
// carrying the 1-based line number. Blank lines at the end of the file are
// tolerated; a blank line followed by more data is not.
func (l *Log) Read(ctx context.Context) ([]ir.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	abs, err := l.scope.Resolve(l.rel)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return []ir.Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog read %s: %w", l.rel, err)
	}
	defer f.Close()

	events := []ir.Event{}
	r := bufio.NewReader(f)
	lineNo := 0
	blankAt := 0
	for {
		raw, readErr := r.ReadBytes('\n')
		if len(raw) > 0 {
			lineNo++
			line := bytes.TrimRight(raw, "\r\n")
			if len(bytes.TrimSpace(line)) == 0 {
				if blankAt == 0 {
					blankAt = lineNo
				}
			} else {
				if blankAt != 0 {
					return nil, l.lineError(blankAt, errors.New("blank line inside log"))
				}
				e, err := l.decodeLine(line)
				if err != nil {
					return nil, l.lineError(lineNo, err)
				}
				events = append(events, e)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("eventlog read %s: %w", l.rel, readErr)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (l *Log) decodeLine(line []byte) (ir.Event, error) {
	var e ir.Event
	if l.schema != nil {
		if err := l.schema.Validate(line); err != nil {
			return e, err
		}
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		return e, err
	}
	if dec.More() {
		return e, errors.New("multiple values on one line")
	}
	return e, nil
}

func (l *Log) lineError(line int, err error) error {
	return &ir.Error{
		Code: ir.ErrCodeValidation,
		Op:   "eventlog.read",
		Path: l.rel,
		Line: line,
		Err:  err,
	}
}

// Delete removes the log file. Deleting an absent log is not an error.
func (l *Log) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	abs, err := l.scope.Resolve(l.rel)
	if err != nil {
		return err
	}

	mu := lockFor(abs)
	mu.Lock()
	defer mu.Unlock()

	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("eventlog delete %s: %w", l.rel, err)
	}
	return nil
}

// DropTornTail truncates the log after its last newline, removing a final
// line left incomplete by a crash mid-append. It returns the number of
// bytes removed. Complete lines are never touched, so a log whose corruption
// is elsewhere still fails Read afterwards. Append does the same before
// writing, so this only matters for logs nobody has appended to since.
func (l *Log) DropTornTail(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	abs, err := l.scope.Resolve(l.rel)
	if err != nil {
		return 0, err
	}

	mu := lockFor(abs)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(abs, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("eventlog repair %s: %w", l.rel, err)
	}
	defer f.Close()

	n, err := trimTornTail(f)
	if err != nil {
		return 0, fmt.Errorf("eventlog repair %s: %w", l.rel, err)
	}
	if n > 0 {
		if err := f.Sync(); err != nil {
			return 0, fmt.Errorf("eventlog repair %s: sync: %w", l.rel, err)
		}
	}
	return n, nil
}

const tailChunk = 4096

// trimTornTail truncates f after its last '\n' and returns the number of
// bytes removed. f must be open for reading and writing.
func trimTornTail(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return 0, err
	}
	if last[0] == '\n' {
		return 0, nil
	}

	keep := int64(0)
	for end := size; end > 0; {
		start := max(0, end-tailChunk)
		buf := make([]byte, end-start)
		if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
			keep = start + int64(i) + 1
			break
		}
		end = start
	}
	if err := f.Truncate(keep); err != nil {
		return 0, err
	}
	return size - keep, nil
}
