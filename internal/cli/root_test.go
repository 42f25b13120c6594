package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/harida/titian/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}

	for _, want := range []string{"chat", "ask", "tools", "resources", "serve", "usage"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestRootCommand_Version(t *testing.T) {
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"--version"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "titian dev\n", buf.String())
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "titian.json")
	body := `{
		"data_dir": "` + dir + `",
		"server": {"script": "configured.py"},
		"logging": {"level": "info"},
		"ai": {"profiles": [{"id": "p", "provider": "anthropic", "api_key": "k"}]}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfgPath = path
	logLevel = "debug"
	defer func() { cfgPath, logLevel = "", "" }()

	t.Run("argument wins over configured script", func(t *testing.T) {
		cfg, err := loadConfig("weather.py")
		require.NoError(t, err)
		assert.Equal(t, "weather.py", cfg.Server.Script)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("configured script kept without argument", func(t *testing.T) {
		cfg, err := loadConfig("")
		require.NoError(t, err)
		assert.Equal(t, "configured.py", cfg.Server.Script)
	})

	t.Run("unsupported script extension rejected", func(t *testing.T) {
		_, err := loadConfig("server.rb")
		assert.Error(t, err)
	})
}

func TestAuthProfiles(t *testing.T) {
	cfgPath = ""
	cfg, err := loadConfigForProfiles(t)
	require.NoError(t, err)

	profiles := authProfiles(cfg)
	require.Len(t, profiles, 2)
	assert.Equal(t, "primary", profiles[0].ID)
	assert.Equal(t, "anthropic", profiles[0].Provider)
	assert.Equal(t, 0, profiles[0].Priority)
	assert.Equal(t, "fallback", profiles[1].ID)
	assert.Equal(t, "openai", profiles[1].Provider)
}

func loadConfigForProfiles(t *testing.T) (*config.Config, error) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "titian.json")
	body := `{
		"data_dir": "` + dir + `",
		"ai": {"profiles": [
			{"id": "primary", "provider": "anthropic", "api_key": "k1", "priority": 0},
			{"id": "fallback", "provider": "openai", "api_key": "k2", "priority": 1}
		]}
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		return nil, err
	}

	cfgPath = path
	t.Cleanup(func() { cfgPath = "" })
	return loadConfig("")
}
