package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"caseline/internal/app"
	"caseline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var memory bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serve exposes the case API with OpenAPI at <base-path>/openapi.json, Swagger UI at /docs and Prometheus metrics at /metrics. Configured webhooks receive every new timeline event.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.ResolveConfig(workspace, viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := app.Open(cmd.Context(), app.Options{
				Workspace: workspace,
				Config:    cfg,
				Logger:    logger,
				Memory:    memory,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Metrics:  a.Metrics,
				Log:      logger,
				BasePath: basePath,
			})
			if err != nil {
				return err
			}
			opts := []server.DispatcherOption{
				server.WithDispatchLogger(logger.Named("webhooks")),
				server.WithDispatchMetrics(a.Metrics),
			}
			if a.DB != nil {
				opts = append(opts, server.WithCursorStore(a.Repo))
			}
			dispatcher := server.NewDispatcher(a.Store, cfg.Webhooks, opts...)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				logger.Info("serving caseline API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Bool("simulation", cfg.Simulation.Enabled),
					zap.Float64("speed", cfg.Simulation.Speed))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				if dispatcher.Len() > 0 {
					logger.Info("dispatching timeline webhooks", zap.Int("webhooks", dispatcher.Len()))
				}
				return dispatcher.Run(ctx)
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&memory, "memory", false, "keep state in memory only")
	return cmd
}
