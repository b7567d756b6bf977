package cli

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convo/internal/app"
	"github.com/roach88/convo/internal/conversation"
	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/provider"
	"github.com/roach88/convo/internal/registry"
)

func TestMessageCommands(t *testing.T) {
	dir := t.TempDir()
	th := runJSON[ir.Thread](t, dir, "thread", "create")

	u := runJSON[ir.Event](t, dir, "message", "add", th.ID, "Hello there")
	assert.Equal(t, ir.RoleUser, u.Role)
	assert.True(t, u.IsRoot())

	a := runJSON[ir.Event](t, dir, "message", "add", th.ID, "Hi!", "--role", "assistant", "--parent", u.ID)
	assert.Equal(t, u.ID, a.Parent())

	out, err := runCLI(t, dir, nil, "show", th.ID)
	require.NoError(t, err)
	assert.Equal(t, "user  "+u.ID+"\nHello there\n\nassistant  "+a.ID+"\nHi!\n", out)

	edited := runJSON[ir.Event](t, dir, "message", "edit", th.ID, a.ID, "Hey!")
	assert.Equal(t, "Hey!", edited.Content)
	assert.Equal(t, a.CreatedAt, edited.CreatedAt)

	runJSON[map[string]string](t, dir, "message", "delete", th.ID, a.ID)
	view := runJSON[conversation.View](t, dir, "show", th.ID)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, u.ID, view.Messages[0].ID)

	titled := runJSON[ir.Thread](t, dir, "thread", "rename", th.ID, "Greetings")
	assert.Equal(t, "Greetings", titled.Title)
}

func TestMessageAddValidation(t *testing.T) {
	dir := t.TempDir()
	th := runJSON[ir.Thread](t, dir, "thread", "create")

	_, err := runCLI(t, dir, nil, "message", "add", th.ID, "x", "--role", "robot")
	require.Error(t, err)
	assert.ErrorIs(t, err, ir.ErrValidation)

	_, err = runCLI(t, dir, nil, "message", "add", th.ID, "x", "--parent", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMessageAttachment(t *testing.T) {
	dir := t.TempDir()
	th := runJSON[ir.Thread](t, dir, "thread", "create")
	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("remember the milk"), 0o644))

	e := runJSON[ir.Event](t, dir, "message", "add", th.ID, "see attached", "--attach", src)
	require.Len(t, e.Attachments, 1)
	assert.Equal(t, "file", e.Attachments[0].Type)

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(e.Attachments[0].Path)))
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", string(data))

	out, err := runCLI(t, dir, nil, "show", th.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "attachment: notes.txt")
}

func TestChatStreamsEchoReply(t *testing.T) {
	dir := t.TempDir()
	th := runJSON[ir.Thread](t, dir, "thread", "create")

	out, err := runCLI(t, dir, nil, "chat", "--thread", th.ID, "hello big world")
	require.NoError(t, err)
	assert.Equal(t, "hello big world\n", out)

	view := runJSON[conversation.View](t, dir, "show", th.ID)
	require.Len(t, view.Messages, 2)
	assert.Equal(t, "hello big world", view.Messages[1].Content)
	assert.Equal(t, app.DefaultModelID, view.Messages[1].ModelID)

	threads := runJSON[ir.ThreadIndex](t, dir, "thread", "list")
	assert.Equal(t, "hello big world", threads.Threads[th.ID].Title)
}

func TestChatCreatesThread(t *testing.T) {
	dir := t.TempDir()
	res := runJSON[ChatResult](t, dir, "chat", "one two")
	require.NotNil(t, res.Message)
	require.NotNil(t, res.Reply)
	assert.Equal(t, "one two", res.Reply.Content)
	assert.Equal(t, res.Message.ID, res.Reply.Parent())

	threads := runJSON[ir.ThreadIndex](t, dir, "thread", "list")
	assert.Equal(t, []string{res.ThreadID}, threads.Roots)
}

func TestChatReadsStdin(t *testing.T) {
	dir := t.TempDir()
	opts := &RootOptions{Getenv: func(string) string { return "" }}
	cmd := newRootCommand(opts)
	out := &strings.Builder{}
	cmd.SetOut(out)
	cmd.SetErr(&strings.Builder{})
	cmd.SetIn(strings.NewReader("  from stdin\n"))
	cmd.SetArgs([]string{"--data-dir", dir, "chat"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "from stdin\n", out.String())
}

func TestChatEmptyStdin(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), nil, "chat")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "message is empty")
}

func TestChatProviderError(t *testing.T) {
	dir := t.TempDir()
	failing := &provider.Scripted{Steps: []provider.Step{
		{Inc: provider.Content("partial")},
		{Err: errors.New("rate limited")},
	}}
	extra := []app.Option{app.WithProviderFactory(func(registry.Provider) (provider.Provider, error) {
		return failing, nil
	})}

	out, err := runCLI(t, dir, extra, "chat", "hi")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "rate limited")
	assert.Equal(t, "partial\n", out)
}

func TestChatUnknownModel(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), nil, "chat", "--model", "nope", "hi")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, ir.ErrNotFound)
}

func TestRegenerateAndSelect(t *testing.T) {
	dir := t.TempDir()
	first := runJSON[ChatResult](t, dir, "chat", "alpha beta")
	second := runJSON[ChatResult](t, dir, "regenerate", first.ThreadID, first.Message.ID)
	require.NotNil(t, second.Reply)
	assert.Equal(t, first.Message.ID, second.Reply.Parent())

	view := runJSON[conversation.View](t, dir, "show", first.ThreadID)
	require.Len(t, view.BranchPoints, 1)
	assert.Equal(t, []string{first.Reply.ID, second.Reply.ID}, view.BranchPoints[0].Branches)
	assert.Equal(t, 1, view.BranchPoints[0].CurrentIndex)

	out, err := runCLI(t, dir, nil, "show", first.ThreadID)
	require.NoError(t, err)
	assert.Contains(t, out, "assistant  "+second.Reply.ID+"  [2/2]")

	view = runJSON[conversation.View](t, dir, "select", first.ThreadID, first.Message.ID, "0")
	assert.Equal(t, 0, view.BranchPoints[0].CurrentIndex)
	assert.Equal(t, first.Reply.ID, view.Messages[1].ID)

	_, err = runCLI(t, dir, nil, "select", first.ThreadID, first.Message.ID, "7")
	require.Error(t, err)
	assert.ErrorIs(t, err, ir.ErrValidation)

	_, err = runCLI(t, dir, nil, "select", first.ThreadID, first.Message.ID, "x")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
