// courtd runs the court moderation core behind a small JSON API.
//
// Usage:
//
//	courtd serve   [--config court.yaml] [--skip-migrate]
//	courtd migrate [--config court.yaml]
//	courtd version
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"courtbot/config"
	"courtbot/db"
)

var version = "dev"

const shutdownGrace = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "courtd",
		Short:         "Community court: file cases, collect votes, deliver verdicts",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("COURT_CONFIG"), "path to a YAML config file")

	load := func() (config.Config, *slog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, nil, err
		}
		logger, err := cfg.NewLogger(logOut)
		if err != nil {
			return config.Config{}, nil, err
		}
		slog.SetDefault(logger)
		return cfg, logger, nil
	}

	var skipMigrate bool
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, case timers and notification delivery",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger, !skipMigrate)
		},
	}
	serve.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply the Postgres schema on start")

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded Postgres schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if cfg.Backend != config.BackendPostgres {
				return fmt.Errorf("migrate: backend %q migrates itself on open", cfg.Backend)
			}
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.MigratePostgres(cmd.Context(), pool); err != nil {
				return err
			}
			logger.Info("schema applied", "event", "migrate_done", "module", "courtd", "layer", "cli")
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(serve, migrate, versionCmd)
	root.RunE = serve.RunE
	return root
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, migrate bool) error {
	a, err := buildApp(ctx, cfg, logger, migrate)
	if err != nil {
		return err
	}

	report, err := a.sched.Resume(ctx)
	if err != nil {
		_ = a.close(context.Background())
		return fmt.Errorf("resume open cases: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.server().routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening",
			"event", "http_listen",
			"module", "courtd",
			"layer", "http",
			"addr", cfg.HTTPAddr,
			"backend", cfg.Backend,
			"resumed_armed", report.Armed,
			"resumed_closed", report.Closed,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return a.limiter.run(gctx) })
	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(gctx, cfg.OutboxInterval) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		return errors.Join(err, a.close(shutdownCtx))
	})

	err = g.Wait()
	logger.Info("courtd stopped", "event", "shutdown", "module", "courtd", "layer", "cli")
	return err
}
