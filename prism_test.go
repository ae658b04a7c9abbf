package prism

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{
		"transport": "ws",
		"plugin_dir": "/opt/plugins",
		"limits": {
			"max_frame_bytes": 1048576,
			"max_in_flight_per_kind": 32,
			"max_in_flight_total": 256,
			"request_timeout": "45s",
			"reconnect_backoff_max": "30s"
		},
		"logging": {"level": "debug"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "ws", cfg.Transport)
	assert.Equal(t, "/opt/plugins", cfg.PluginDir)
	assert.Equal(t, 1048576, cfg.Limits.MaxFrameBytes)
	assert.Equal(t, 45*time.Second, cfg.Limits.RequestTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ParseConfig([]byte(`{"transprot": "stdio"}`))
	assert.Error(t, err)

	_, err = ParseConfig([]byte(`not json`))
	assert.Error(t, err)
}
