package coordinator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, ":8080", config.Server.API.Address)
	assert.Equal(t, "tcp://*:5555", config.Server.ZMQ.Address)
	assert.Equal(t, "expo.db", config.Database.Path)
	assert.Equal(t, 5, config.Dispatch.TargetRequestsPerMinute)
	assert.Equal(t, 10, config.Dispatch.TenantRequestsPerMinute)
	assert.Equal(t, 5*time.Minute, config.GetIdempotencyTTL())
	assert.Equal(t, 60*time.Second, config.GetStaleThreshold())
	assert.Equal(t, 15*time.Second, config.GetCheckInterval())
	assert.Equal(t, "info", config.Logging.Level)

	require.NoError(t, config.validate())
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	content := `
server:
  api:
    address: ":9090"
dispatch:
  target_requests_per_minute: 20
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", config.Server.API.Address)
	assert.Equal(t, 20, config.Dispatch.TargetRequestsPerMinute)
	// Unset fields fall back to defaults.
	assert.Equal(t, "tcp://*:5555", config.Server.ZMQ.Address)
	assert.Equal(t, 10, config.Dispatch.TenantRequestsPerMinute)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad logging level", "logging:\n  level: loud\n"},
		{"bad idempotency ttl", "dispatch:\n  idempotency_ttl: soon\n"},
		{"short jwt secret", "security:\n  jwt:\n    secret_key: short\n"},
		{"negative target limit", "dispatch:\n  target_requests_per_minute: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveAndReloadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")

	original := NewDefaultConfig()
	original.Server.API.Address = ":7000"
	require.NoError(t, SaveConfig(original, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", loaded.Server.API.Address)
	assert.Equal(t, original.Dispatch, loaded.Dispatch)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
