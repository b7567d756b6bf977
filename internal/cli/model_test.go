package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convo/internal/app"
	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/provider"
	"github.com/roach88/convo/internal/registry"
)

func TestProviderAndModelCommands(t *testing.T) {
	dir := t.TempDir()

	p := runJSON[registry.Provider](t, dir, "provider", "add", "local", "--type", "openai", "--base-url", "http://localhost:11434/v1", "--api-key", "secret")
	assert.Equal(t, provider.TypeOpenAI, p.Type)
	assert.Equal(t, "local", p.Name)
	assert.Empty(t, p.APIKey, "api key must not be echoed")

	m := runJSON[registry.Model](t, dir, "model", "add", "llama", "--provider", "local", "--name", "llama3.1", "--max-tokens", "2048")
	assert.Equal(t, "llama3.1", m.Name)
	assert.Equal(t, 2048, m.MaxTokens)

	models := runJSON[[]registry.Model](t, dir, "model", "list", "--provider", "local")
	require.Len(t, models, 1)
	assert.Equal(t, "llama", models[0].ID)

	providers := runJSON[[]registry.Provider](t, dir, "provider", "list")
	var ids []string
	for _, p := range providers {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{string(provider.TypeEcho), "local"}, ids)

	out, err := runCLI(t, dir, nil, "model", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "llama3.1")
	assert.Contains(t, out, app.DefaultModelID)

	runJSON[map[string]string](t, dir, "model", "remove", "llama")
	models = runJSON[[]registry.Model](t, dir, "model", "list", "--provider", "local")
	assert.Empty(t, models)
}

func TestProviderAddRejectsUnknownType(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), nil, "provider", "add", "x", "--type", "carrier-pigeon")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, ir.ErrValidation)
}

func TestModelAddUnknownProvider(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), nil, "model", "add", "m", "--provider", "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, ir.ErrNotFound)
}

func TestModelAddRequiresProvider(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), nil, "model", "add", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestModelLoad(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`providers:
  - id: claude
    name: Anthropic
    type: anthropic
models:
  - id: sonnet
    provider_id: claude
    name: claude-3-5-sonnet-latest
    max_tokens: 8192
`), 0o644))

	summary := runJSON[map[string]int](t, dir, "model", "load", file)
	assert.Equal(t, map[string]int{"providers": 1, "models": 1}, summary)

	models := runJSON[[]registry.Model](t, dir, "model", "list", "--provider", "claude")
	require.Len(t, models, 1)
	assert.Equal(t, 8192, models[0].MaxTokens)
}

func TestModelLoadRejectsUnknownFields(t *testing.T) {
	file := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(file, []byte("providers:\n  - id: a\n    kind: openai\n"), 0o644))

	_, err := runCLI(t, t.TempDir(), nil, "model", "load", file)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "kind")
}
