package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-media/pkg/simplemedia/api"
)

const shutdownTimeout = 10 * time.Second

func NewServeCommand(env *Env) *cobra.Command {
	var noCleanup, noVariants bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, the cleanup scheduler and the variant worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, env, !noCleanup, !noVariants)
		},
	}

	cmd.Flags().BoolVar(&noCleanup, "no-cleanup", false, "do not start the cleanup scheduler")
	cmd.Flags().BoolVar(&noVariants, "no-variants", false, "do not start the variant worker")
	return cmd
}

func serve(ctx context.Context, env *Env, runCleanup, runVariants bool) error {
	logger := slog.Default()

	cfg, err := loadConfig(env)
	if err != nil {
		return err
	}
	p, err := cfg.Build(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Error("failed to close pipeline", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(p.RouterConfig(logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if runCleanup {
		p.Cleanup.Start(ctx)
		defer p.Cleanup.Stop()
	}
	if runVariants {
		p.Variants.Start(ctx)
		defer p.Variants.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("media server starting",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"database", cfg.DatabaseType,
			"storage", cfg.Storage.Type,
			"rate_limit", cfg.RateLimit.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server exiting")
	return nil
}
