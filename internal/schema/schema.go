// Package schema validates on-disk JSON records against CUE definitions.
//
// The definitions live in convo.cue and are compiled once per Schema. A
// record is unified with its closed definition and must be concrete, so
// unknown fields, wrong types, and missing required fields are all rejected.
package schema

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
)

//go:embed convo.cue
var convoCUE string

// Definition names in convo.cue.
const (
	DefEvent       = "#Event"
	DefThreadIndex = "#ThreadIndex"
	DefUIState     = "#UIState"
)

// Schema validates JSON documents against one CUE definition.
//
// Thread-safety: a cue.Context is not safe for concurrent use, so Validate
// serialises callers with a mutex.
type Schema struct {
	mu   sync.Mutex
	ctx  *cue.Context
	def  cue.Value
	name string
}

// Compile builds a Schema from CUE source and a definition path.
func Compile(src, definition string) (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %s", formatCUEError(err))
	}

	def := v.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return nil, fmt.Errorf("compile schema: definition %s not found", definition)
	}
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("compile schema %s: %s", definition, formatCUEError(err))
	}

	return &Schema{ctx: ctx, def: def, name: definition}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src, definition string) *Schema {
	s, err := Compile(src, definition)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the definition name, e.g. "#Event".
func (s *Schema) Name() string {
	return s.name
}

// Validate checks that data is a JSON value satisfying the definition.
func (s *Schema) Validate(data []byte) error {
	expr, err := cuejson.Extract(s.name, data)
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.ctx.BuildExpr(expr)
	if err := v.Err(); err != nil {
		return fmt.Errorf("invalid JSON: %s", formatCUEError(err))
	}

	u := s.def.Unify(v)
	if err := u.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s: %s", s.name, formatCUEError(err))
	}
	return nil
}

// formatCUEError flattens a CUE error list into one line.
func formatCUEError(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	msg := errs[0].Error()
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, len(errs)-1)
	}
	return msg
}

var (
	eventOnce sync.Once
	event     *Schema
	indexOnce sync.Once
	index     *Schema
	uiOnce    sync.Once
	ui        *Schema
)

// Event returns the shared schema for event log lines.
func Event() *Schema {
	eventOnce.Do(func() { event = MustCompile(convoCUE, DefEvent) })
	return event
}

// ThreadIndex returns the shared schema for the thread index document.
func ThreadIndex() *Schema {
	indexOnce.Do(func() { index = MustCompile(convoCUE, DefThreadIndex) })
	return index
}

// UIState returns the shared schema for the UI state document.
func UIState() *Schema {
	uiOnce.Do(func() { ui = MustCompile(convoCUE, DefUIState) })
	return ui
}
