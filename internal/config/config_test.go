package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load("", env(map[string]string{EnvDataDir: dir}))
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "127.0.0.1:7878", cfg.Listen)
}

func TestLoadFileFromDataDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("log_level: debug\ndefault_model: gpt-4o\n"), 0o644))

	cfg, err := Load("", env(map[string]string{EnvDataDir: dir}))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "gpt-4o", cfg.DefaultModel)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_format: json\nopenai_api_key: from-file\n"), 0o644))

	cfg, err := Load(path, env(map[string]string{
		EnvDataDir:   dir,
		EnvOpenAIKey: "from-env",
	}))
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "from-env", cfg.OpenAIAPIKey)
	assert.Equal(t, "from-env", cfg.APIKey("openai"))
	assert.Empty(t, cfg.APIKey("echo"))
}

func TestConfigEnvPointsAtFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "elsewhere.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: 0.0.0.0:9000\n"), 0o644))

	cfg, err := Load("", env(map[string]string{EnvDataDir: dir, EnvConfig: path}))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
}

func TestExplicitMissingFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	assert.Error(t, err)
}

func TestUnknownFieldRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log-level: debug\n"), 0o644))

	_, err := Load(path, env(map[string]string{EnvDataDir: dir}))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.LogFormat = "xml"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.DataDir = ""
	assert.Error(t, cfg.Validate())
}
