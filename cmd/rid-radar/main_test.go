package main

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hervehildenbrand/rid-radar/pkg/config"
)

func TestFlagsBindToConfigKeys(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := rootCommand()
	for flag := range flagKeys {
		assert.NotNil(t, cmd.Flags().Lookup(flag), flag)
	}

	require.NoError(t, cmd.Flags().Set("mode", "zmq"))
	require.NoError(t, cmd.Flags().Set("telemetry-port", "5000"))
	assert.Equal(t, "zmq", viper.GetString("listener.mode"))
	assert.Equal(t, 5000, viper.GetInt("listener.telemetry_port"))

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "zmq", cfg.Listener.Mode)
	assert.Equal(t, 5000, cfg.Listener.TelemetryPort)
}

func TestBuildSinks(t *testing.T) {
	cfg, err := config.LoadWith(viper.New(), "")
	require.NoError(t, err)

	cfg.Sinks.Webhook.Enabled = true
	cfg.Sinks.Webhook.URL = "http://127.0.0.1:1/hook"
	cfg.Sinks.Redis.Enabled = true
	cfg.Sinks.Redis.URL = "not a url"

	targets, feed := buildSinks(zap.NewNop(), cfg)
	require.NotNil(t, feed)

	names := make([]string, len(targets))
	for i, s := range targets {
		names[i] = s.Name()
	}
	assert.ElementsMatch(t, []string{"webhook", "livefeed"}, names)
	for _, s := range targets {
		assert.NoError(t, s.Close())
	}
}
