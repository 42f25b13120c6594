package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "titian.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Load(filepath.Join(dir, "does-not-exist.json"))
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Bridge.TimeoutSeconds)
	assert.Equal(t, "claude-3-5-sonnet-20241022", cfg.Loop.Model)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Logging.File)
	assert.NotEmpty(t, cfg.Usage.Path)
}

func TestLoader_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, `{
		"server": {"script": "/srv/tools/server.py"},
		"bridge": {"timeout_seconds": 5},
		"loop": {"model": "claude-3-5-sonnet-20241022", "max_tokens": 2000, "max_rounds": 4, "narrate_tool_calls": false},
		"data_dir": "`+dir+`"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/tools/server.py", cfg.Server.Script)
	assert.Equal(t, 5, cfg.Bridge.TimeoutSeconds)
	assert.Equal(t, 2000, cfg.Loop.MaxTokens)
	assert.Equal(t, 4, cfg.Loop.MaxRounds)
	assert.False(t, cfg.Loop.NarrateToolCalls)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "titian.log"), cfg.Logging.File)
	assert.Equal(t, filepath.Join(dir, "usage.db"), cfg.Usage.Path)
}

func TestLoader_ProfilesFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env-key")
	t.Setenv("OPENAI_API_KEY", "sk-env-key")

	cfg, err := Load(writeConfigFile(t, dir, `{"data_dir": "`+dir+`"}`))
	require.NoError(t, err)

	require.Len(t, cfg.AI.Profiles, 2)
	assert.Equal(t, "anthropic", cfg.AI.Profiles[0].Provider)
	assert.Equal(t, "sk-ant-env-key", cfg.AI.Profiles[0].APIKey)
	assert.Equal(t, 0, cfg.AI.Profiles[0].Priority)
	assert.Equal(t, "openai", cfg.AI.Profiles[1].Provider)
	assert.Equal(t, 1, cfg.AI.Profiles[1].Priority)
}

func TestLoader_ConfiguredProfilesWinOverEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env-key")

	cfg, err := Load(writeConfigFile(t, dir, `{
		"ai": {"profiles": [{"id": "main", "provider": "openai", "api_key": "sk-file-key"}]},
		"data_dir": "`+dir+`"
	}`))
	require.NoError(t, err)

	require.Len(t, cfg.AI.Profiles, 1)
	assert.Equal(t, "main", cfg.AI.Profiles[0].ID)
	assert.Equal(t, "sk-file-key", cfg.AI.Profiles[0].APIKey)
}

func TestLoader_SaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "titian.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Server.Script = "/srv/tools/server.py"
	cfg.DataDir = dir
	cfg.AI.Profiles = []AIProfile{{ID: "main", Provider: "anthropic", APIKey: "sk-ant-test"}}

	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "/srv/tools/server.py", loaded.Server.Script)
	require.Len(t, loaded.AI.Profiles, 1)
	assert.Equal(t, "main", loaded.AI.Profiles[0].ID)
}

func TestLoader_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, `{"server": `)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestGetConfigPath_Explicit(t *testing.T) {
	loader := NewLoader("/etc/titian/titian.json")
	assert.Equal(t, "/etc/titian/titian.json", loader.GetConfigPath())
}
