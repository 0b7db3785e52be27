package app_test

import (
	"context"
	"os"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/app"
	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/seed"
)

func TestResolveConfigDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	cfg, err := app.ResolveConfig(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	require.NoError(t, os.WriteFile(config.Path(dir), []byte("simulation:\n  speed: 2\n"), 0o644))
	v := viper.New()
	v.Set("simulation", false)
	cfg, err = app.ResolveConfig(dir, v)
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.Simulation.Speed)
	assert.False(t, cfg.Simulation.Enabled)
}

func TestOpenPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := config.Default()
	cfg.Simulation.Enabled = false

	a, err := app.Open(ctx, app.Options{Workspace: dir, Config: cfg})
	require.NoError(t, err)
	_, err = a.Engine.RunStage1Model(ctx, seed.HeroCaseID)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := app.Open(ctx, app.Options{Workspace: dir, Config: cfg})
	require.NoError(t, err)
	defer b.Close()
	detail, err := b.Engine.GetCaseDetail(ctx, seed.HeroCaseID)
	require.NoError(t, err)
	assert.Equal(t, domain.Stage1Done, detail.Case.Stage1.Status)
	require.Len(t, detail.Jobs, 1)
	assert.Len(t, detail.Timeline, 2)
}

func TestOpenInMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Simulation.Enabled = false
	a, err := app.Open(context.Background(), app.Options{Config: cfg, Memory: true})
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.DB)
	cases, err := a.Engine.ListCases(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, cases, 9)
}
