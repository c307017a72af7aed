package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "CHF", cfg.Policy.Currency)
	assert.True(t, cfg.Scheduler.Enabled)

	fee, err := cfg.Policy.Fee()
	require.NoError(t, err)
	assert.Equal(t, "2.5", fee.String())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
log:
  level: debug
  format: json
storage:
  driver: memory
policy:
  currency: EUR
  processing_fee: "1.75"
scheduler:
  interval: 30s
`), 0o600))
	t.Setenv("POLICY_CURRENCY", "GBP")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "GBP", cfg.Policy.Currency)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)

	var buf bytes.Buffer
	cfg.Log.NewLogger(&buf).Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"unknown driver":       {"STORAGE_DRIVER": "mongo"},
		"postgres without dsn": {"STORAGE_DRIVER": "postgres"},
		"bad fee":              {"POLICY_PROCESSING_FEE": "lots"},
		"negative fee":         {"POLICY_PROCESSING_FEE": "-1"},
		"lowercase currency":   {"POLICY_CURRENCY": "chf"},
		"bad log level":        {"LOG_LEVEL": "trace"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}
