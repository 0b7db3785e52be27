package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/config"
	"caseline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Simulation.Enabled)
	assert.Equal(t, 8*time.Second, cfg.Simulation.StageDuration(domain.Stage1ID))
	assert.Equal(t, 22*time.Second, cfg.Simulation.StageDuration(domain.Stage3ID))
	assert.Equal(t, 250*time.Millisecond, cfg.Simulation.Tick())
}

func TestSpeedScalesDurations(t *testing.T) {
	cfg := config.Default()
	cfg.Simulation.Speed = 4
	assert.Equal(t, 2*time.Second, cfg.Simulation.StageDuration(domain.Stage1ID))
	assert.Equal(t, 150*time.Millisecond, cfg.Simulation.QueueDelay())
	assert.Equal(t, 62500*time.Microsecond, cfg.Simulation.Tick())
}

func TestDisabledSimulationHasNoLatency(t *testing.T) {
	cfg := config.Default()
	cfg.Simulation.Enabled = false
	assert.Zero(t, cfg.Simulation.APILatency())
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("simulation:\n  speed: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.Simulation.Speed)
	assert.Equal(t, 250, cfg.Simulation.TickMS)
	assert.Equal(t, "2025-03-03T09:00:00Z", cfg.Seed.BaseDate)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"zero speed":        "simulation:\n  speed: 0\n",
		"durations order":   "simulation:\n  stage_durations_seconds:\n    stage1: 30\n",
		"bad base date":     "seed:\n  base_date: yesterday\n",
		"negative latency":  "simulation:\n  api_latency_ms: -1\n",
		"unknown hook type": "webhooks:\n  - url: http://example.test\n    events: [NOPE]\n",
		"empty hook url":    "webhooks:\n  - events: [STAGE1_MODEL_DONE]\n",
	}
	for name, raw := range cases {
		_, err := config.FromYAML([]byte(raw))
		assert.Error(t, err, name)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault()), 0o644))
	cfg, err = config.LoadOptional(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 1.0, cfg.Simulation.Speed)

	_, err = config.Load(t.TempDir())
	assert.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	v := viper.New()
	v.Set("speed", 10.0)
	v.Set("simulation", false)
	cfg := config.Default()
	require.NoError(t, cfg.ApplyOverrides(v))
	assert.Equal(t, 10.0, cfg.Simulation.Speed)
	assert.False(t, cfg.Simulation.Enabled)

	v.Set("speed", -1.0)
	assert.Error(t, cfg.ApplyOverrides(v))
}
