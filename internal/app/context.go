package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/engine"
	"caseline/internal/jobs"
	"caseline/internal/metrics"
	"caseline/internal/migrate"
	"caseline/internal/repo"
	"caseline/internal/seed"
	"caseline/internal/store"
)

// ResolveConfig loads caseline.yml from the workspace, falling back to the
// defaults when the file is absent, and applies env and flag overrides.
func ResolveConfig(workspace string, v *viper.Viper) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.ApplyOverrides(v); err != nil {
		return nil, err
	}
	return cfg, nil
}

type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	Clock     clock.WithDelayedExecution
	// Memory keeps state in process only; no database is opened.
	Memory bool
}

// App is the wired process: database, store, job runtime and engine.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Repo      repo.Repo
	Store     *store.Store
	Runtime   *jobs.Runtime
	Engine    *engine.Engine
	Metrics   *metrics.Metrics
	Log       *zap.Logger
}

// Open wires every component and resumes jobs left active by a previous run.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	base, err := cfg.Seed.Base()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	a := &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		Metrics:   metrics.New(),
		Log:       logger,
	}

	var persister store.Persister
	if !opts.Memory {
		conn, err := db.Open(db.Config{Workspace: opts.Workspace})
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		applied, err := migrate.Migrate(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("applied migrations", zap.Strings("names", applied))
		}
		a.DB = conn
		a.Repo = repo.Repo{DB: conn, Now: clk.Now}
		persister = a.Repo
	}

	a.Store = store.New(persister, seed.Func(base),
		store.WithLogger(logger.Named("store")),
		store.WithMetrics(a.Metrics),
		store.WithNow(clk.Now))
	if _, err := a.Store.Load(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	a.Runtime = jobs.New(a.Store, cfg.Simulation,
		jobs.WithClock(clk),
		jobs.WithLogger(logger.Named("jobs")),
		jobs.WithMetrics(a.Metrics))
	a.Engine = engine.New(a.Store, a.Runtime, cfg,
		engine.WithClock(clk),
		engine.WithLogger(logger.Named("engine")))
	if _, err := a.Engine.Resume(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close stops all job timers and closes the database.
func (a *App) Close() error {
	if a.Runtime != nil {
		a.Runtime.CancelAll()
	}
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
