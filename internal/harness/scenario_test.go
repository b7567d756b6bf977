package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/regenerate_branch.yaml")
	require.NoError(t, err)
	assert.Equal(t, "regenerate_branch", s.Name)
	require.Len(t, s.Replies, 2)
	assert.Equal(t, []string{"Hel", "lo"}, s.Replies[0].Deltas)
	require.Len(t, s.Steps, 4)
	assert.Equal(t, OpSend, s.Steps[1].Op)
	assert.Equal(t, "a1", s.Steps[1].ReplyAs)
	require.NotNil(t, s.Assertions[2].Current)
	assert.Equal(t, 0, *s.Assertions[2].Current)
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenarioRejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: x
description: y
steps:
  - op: create_thread
assertion:
  - type: thread_count
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenarioValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "description: d\nsteps: [{op: create_thread}]\nassertions: [{type: thread_count}]",
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: "name: n\nsteps: [{op: create_thread}]\nassertions: [{type: thread_count}]",
			want: "description is required",
		},
		{
			name: "no steps",
			yaml: "name: n\ndescription: d\nassertions: [{type: thread_count}]",
			want: "steps list is required",
		},
		{
			name: "no assertions",
			yaml: "name: n\ndescription: d\nsteps: [{op: create_thread}]",
			want: "assertions list is required",
		},
		{
			name: "unknown op",
			yaml: "name: n\ndescription: d\nsteps: [{op: explode}]\nassertions: [{type: thread_count}]",
			want: `unknown op "explode"`,
		},
		{
			name: "missing thread",
			yaml: "name: n\ndescription: d\nsteps: [{op: send, content: hi}]\nassertions: [{type: thread_count}]",
			want: "thread is required for send",
		},
		{
			name: "bad role",
			yaml: "name: n\ndescription: d\nsteps: [{op: append, thread: t, role: robot}]\nassertions: [{type: thread_count}]",
			want: `invalid role "robot"`,
		},
		{
			name: "regenerate without parent",
			yaml: "name: n\ndescription: d\nsteps: [{op: regenerate, thread: t}]\nassertions: [{type: thread_count}]",
			want: "parent is required for regenerate",
		},
		{
			name: "reply_as on append",
			yaml: "name: n\ndescription: d\nsteps: [{op: append, thread: t, role: user, reply_as: r}]\nassertions: [{type: thread_count}]",
			want: "reply_as only applies",
		},
		{
			name: "unknown error code",
			yaml: "name: n\ndescription: d\nsteps: [{op: create_thread, expect: {error: BOOM}}]\nassertions: [{type: thread_count}]",
			want: `unknown error code "BOOM"`,
		},
		{
			name: "path without expectations",
			yaml: "name: n\ndescription: d\nsteps: [{op: create_thread}]\nassertions: [{type: path, thread: t}]",
			want: "contents or messages is required",
		},
		{
			name: "unknown assertion",
			yaml: "name: n\ndescription: d\nsteps: [{op: create_thread}]\nassertions: [{type: vibes}]",
			want: `unknown assertion type "vibes"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestScenarioFilesAreValid(t *testing.T) {
	entries, err := os.ReadDir("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		_, err := LoadScenario(filepath.Join("testdata/scenarios", e.Name()))
		assert.NoError(t, err, e.Name())
	}
}
