package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/convo/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s thread=%s", ev.Seq, ev.Op, ev.Thread)
			if ev.Error != "" {
				fmt.Fprintf(&buf, " error=%s", ev.Error)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(ctx context.Context, h *Harness, result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(ctx, h, result, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func evaluate(ctx context.Context, h *Harness, result *Result, a Assertion) error {
	switch a.Type {
	case AssertPath:
		return assertPath(h, result, a)
	case AssertBranches:
		return assertBranches(h, result, a)
	case AssertEventCount:
		events, err := h.ws.Events(ctx, h.resolve(a.Thread))
		if err != nil {
			return err
		}
		if len(events) != a.Count {
			return &AssertionError{
				Type:     AssertEventCount,
				Expected: fmt.Sprintf("%d events in %s", a.Count, a.Thread),
				Actual:   fmt.Sprintf("%d events", len(events)),
				Trace:    result.Trace,
			}
		}
	case AssertTitle:
		t, err := h.ws.Thread(ctx, h.resolve(a.Thread))
		if err != nil {
			return err
		}
		if t.Title != a.Title {
			return &AssertionError{
				Type:     AssertTitle,
				Expected: fmt.Sprintf("title %q", a.Title),
				Actual:   fmt.Sprintf("title %q", t.Title),
			}
		}
	case AssertThreadCount:
		x, err := h.ws.Threads(ctx)
		if err != nil {
			return err
		}
		if len(x.Threads) != a.Count {
			return &AssertionError{
				Type:     AssertThreadCount,
				Expected: fmt.Sprintf("%d threads", a.Count),
				Actual:   fmt.Sprintf("%d threads", len(x.Threads)),
			}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func assertPath(h *Harness, result *Result, a Assertion) error {
	view, ok := result.Views[a.Thread]
	if !ok {
		return fmt.Errorf("no view for thread %q", a.Thread)
	}

	if a.Contents != nil {
		got := make([]string, len(view.Messages))
		for i, m := range view.Messages {
			got[i] = m.Content
		}
		if !slices.Equal(got, a.Contents) {
			return &AssertionError{
				Type:     AssertPath,
				Expected: fmt.Sprintf("contents %q", a.Contents),
				Actual:   fmt.Sprintf("contents %q", got),
				Trace:    result.Trace,
			}
		}
	}

	if a.Messages != nil {
		want := make([]string, len(a.Messages))
		for i, m := range a.Messages {
			want[i] = h.resolve(m)
		}
		got := make([]string, len(view.Messages))
		for i, m := range view.Messages {
			got[i] = m.ID
		}
		if !slices.Equal(got, want) {
			return &AssertionError{
				Type:     AssertPath,
				Expected: fmt.Sprintf("messages %v", want),
				Actual:   fmt.Sprintf("messages %v", got),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

func assertBranches(h *Harness, result *Result, a Assertion) error {
	view, ok := result.Views[a.Thread]
	if !ok {
		return fmt.Errorf("no view for thread %q", a.Thread)
	}

	parent := h.resolve(a.Parent)
	b, ok := view.Branch(parent)
	if !ok {
		b = ir.BranchInfo{ParentID: parent}
	}
	if len(b.Branches) != a.Count {
		return &AssertionError{
			Type:     AssertBranches,
			Expected: fmt.Sprintf("%d branches at %q", a.Count, a.Parent),
			Actual:   fmt.Sprintf("%d branches", len(b.Branches)),
			Trace:    result.Trace,
		}
	}
	if a.Current != nil && (len(b.Branches) == 0 || b.CurrentIndex != *a.Current) {
		return &AssertionError{
			Type:     AssertBranches,
			Expected: fmt.Sprintf("current index %d at %q", *a.Current, a.Parent),
			Actual:   fmt.Sprintf("current index %d", b.CurrentIndex),
			Trace:    result.Trace,
		}
	}
	return nil
}
