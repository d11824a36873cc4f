package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entrywatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range backendURLEnv {
		t.Setenv(key, "")
	}
}

func TestLoad_Valid(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
backend_url: "https://access.example.edu"
realtime:
  transport: websocket
  read_timeout: 90s
  send_buffer: 32
  retry:
    initial_delay: 2s
    max_delay: 30s
    multiplier: 1.5
    jitter: 0.2
    max_attempts: 8
session:
  token_file: /var/lib/entrywatch/token.json
log:
  level: debug
  pretty: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://access.example.edu", cfg.BackendURL)
	assert.Equal(t, 90*time.Second, cfg.Realtime.ReadTimeout)
	assert.Equal(t, DefaultWriteTimeout, cfg.Realtime.WriteTimeout)
	assert.Equal(t, 32, cfg.Realtime.SendBuffer)
	assert.Equal(t, "/var/lib/entrywatch/token.json", cfg.Session.TokenFile)
	assert.Equal(t, DefaultEmailRetries, cfg.Notify.EmailRetries)
	assert.True(t, cfg.Log.Pretty)

	policy := cfg.Realtime.Retry.Policy()
	assert.Equal(t, 2*time.Second, policy.InitialDelay)
	assert.Equal(t, 30*time.Second, policy.MaxDelay)
	assert.Equal(t, 1.5, policy.Multiplier)
	assert.Equal(t, 8, policy.MaxAttempts)

	endpoint, err := cfg.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "wss://access.example.edu/ws", endpoint)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultBackendURL, cfg.BackendURL)
	assert.Equal(t, "websocket", cfg.Realtime.Transport)
	assert.Equal(t, 5*time.Second, cfg.Realtime.Retry.InitialDelay)
	assert.Equal(t, time.Minute, cfg.Realtime.Retry.MaxDelay)
	assert.Equal(t, DefaultTokenFile, cfg.Session.TokenFile)
}

func TestLoad_EnvOverridesBackendURL(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `backend_url: "http://from-file:8000"`)

	t.Setenv("BACKEND_URL", "http://fallback:8000")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://fallback:8000", cfg.BackendURL)

	t.Setenv("ENTRYWATCH_BACKEND_URL", "http://preferred:8000")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://preferred:8000", cfg.BackendURL)
}

func TestLoad_EventSourceEndpoint(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
backend_url: "http://localhost:8000"
realtime:
  transport: eventsource
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	endpoint, err := cfg.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/events", endpoint)
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"bad transport": "realtime:\n  transport: carrier-pigeon\n",
		"bad jitter":    "realtime:\n  retry:\n    jitter: 2\n",
		"bad level":     "log:\n  level: loud\n",
		"no url":        "backend_url: \"\"\n",
		"no token file": "session:\n  token_file: \"\"\n",
		"bad yaml":      "realtime: [unclosed\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `backend_url: "http://before:8000"`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	go Watch(ctx, path, func(cfg *Config) { reloaded <- cfg })

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`backend_url: "http://after:8000"`), 0o600))

	// Truncate and write may arrive as separate events.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if cfg.BackendURL == "http://after:8000" {
				return
			}
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}
}
