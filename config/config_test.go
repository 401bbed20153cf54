package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval)
	assert.NotEmpty(t, cfg.Relay.BaseURL)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Relay.BaseURL, cfg.Relay.BaseURL)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
relay:
  baseUrl: https://relay.example.net
  requestTimeout: 5s
heartbeat:
  interval: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.net", cfg.Relay.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Relay.RequestTimeout)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Interval)
	// Unset fields keep defaults
	assert.Equal(t, Default().Relay.PollTimeout, cfg.Relay.PollTimeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  baseUrl: https://file.example.net\n"), 0o600))
	t.Setenv("PEERLINK_RELAY_URL", "https://env.example.net")
	t.Setenv("PEERLINK_HEARTBEAT_INTERVAL", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.net", cfg.Relay.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.Heartbeat.Interval)
}

func TestLoad_Rejections(t *testing.T) {
	dir := t.TempDir()

	badYAML := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badYAML, []byte(":\n  - not yaml"), 0o600))
	_, err := Load(badYAML)
	assert.Error(t, err, "unparseable file must be rejected")

	badURL := filepath.Join(dir, "url.yaml")
	require.NoError(t, os.WriteFile(badURL, []byte("relay:\n  baseUrl: ftp://nope\n"), 0o600))
	_, err = Load(badURL)
	assert.Error(t, err, "non-http relay URL must be rejected")

	badLevel := filepath.Join(dir, "level.yaml")
	require.NoError(t, os.WriteFile(badLevel, []byte("log:\n  level: loud\n"), 0o600))
	_, err = Load(badLevel)
	assert.Error(t, err, "unknown log level must be rejected")
}
