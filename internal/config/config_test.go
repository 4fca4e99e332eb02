package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewConfig(t *testing.T) {
	const key = "c29tZV9zZWNyZXQ="

	tcases := []struct {
		name     string
		settings map[string]any
		err      bool
	}{
		{
			name:     "valid config",
			settings: map[string]any{"signing_key": key},
			err:      false,
		},
		{
			name:     "empty address",
			settings: map[string]any{"signing_key": key, "server_addr": ""},
			err:      true,
		},
		{
			name:     "empty signing key",
			settings: map[string]any{},
			err:      true,
		},
		{
			name:     "invalid signing key",
			settings: map[string]any{"signing_key": "invalid_base64"},
			err:      true,
		},
		{
			name:     "zero max participants",
			settings: map[string]any{"signing_key": key, "max_participants": 0},
			err:      true,
		},
		{
			name:     "zero heartbeat",
			settings: map[string]any{"signing_key": key, "heartbeat_interval": "0s"},
			err:      true,
		},
		{
			name:     "zero idle timeout",
			settings: map[string]any{"signing_key": key, "idle_room_timeout": "0s"},
			err:      true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			v := newViper()
			for k, val := range tc.settings {
				v.Set(k, val)
			}

			cfg, err := NewConfig(v)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)
			assert.Equal(t, "localhost:8000", cfg.ServerAddr, "expected default server address")
			assert.Equal(t, []byte("some_secret"), cfg.SigningKey, "expected signing key to be decoded")
			assert.Equal(t, 50, cfg.MaxParticipants, "expected default max participants")
			assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval, "expected default heartbeat interval")
			assert.Equal(t, 30*time.Second, cfg.IdleRoomTimeout, "expected default idle room timeout")
			assert.Equal(t, []string{"http://localhost:8000"}, cfg.AllowedOrigins, "expected default allowed origins")
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gojam.yaml")
		err := os.WriteFile(path, []byte(
			"server_addr: \":9000\"\n"+
				"signing_key: c29tZV9zZWNyZXQ=\n"+
				"max_participants: 8\n"+
				"heartbeat_interval: 2s\n"), 0o600)
		assert.NoError(t, err)

		cfg, err := Load(path)
		assert.NoError(t, err)
		assert.Equal(t, ":9000", cfg.ServerAddr)
		assert.Equal(t, 8, cfg.MaxParticipants)
		assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("GOJAM_SIGNING_KEY", "c29tZV9zZWNyZXQ=")
		t.Setenv("GOJAM_ALLOWED_ORIGINS", "http://a.example, http://b.example")

		cfg, err := Load("")
		assert.NoError(t, err)
		assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func Test_decodeSigningSecret(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
			expectError:  false,
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectError:  true,
		},
		{
			name:         "empty base64 secret",
			base64Secret: "",
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}
