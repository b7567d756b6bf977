package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/convo/internal/conversation"
	"github.com/roach88/convo/internal/ir"
)

// Snapshot renders a result as canonical JSON for golden comparison.
//
// Views are projected to IDs, roles, content and parents; timestamps are
// left out so golden files survive changes to how often the clock is read.
func Snapshot(scenario *Scenario, result *Result) ([]byte, error) {
	threads := make(map[string]any, len(result.Views))
	for alias, view := range result.Views {
		threads[alias] = projectView(view)
	}
	return ir.MarshalCanonical(map[string]any{
		"scenario_name": scenario.Name,
		"trace":         result.Trace,
		"threads":       threads,
	})
}

func projectView(v conversation.View) map[string]any {
	msgs := make([]any, len(v.Messages))
	for i, m := range v.Messages {
		msgs[i] = map[string]any{
			"id":        m.ID,
			"role":      m.Role,
			"content":   m.Content,
			"parent_id": m.ParentID,
		}
	}
	return map[string]any{
		"messages":      msgs,
		"branch_points": v.BranchPoints,
	}
}

// RunWithGolden executes a scenario, fails the test if it does not pass, and
// compares the snapshot against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if !result.Pass {
		for _, e := range result.Errors {
			t.Error(e)
		}
	}
	return result, AssertGolden(t, scenario, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenario, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return nil
}
