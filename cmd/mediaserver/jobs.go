package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-media/pkg/simplemedia/cleanup"
	"github.com/tendant/simple-media/pkg/simplemedia/config"
	repopg "github.com/tendant/simple-media/pkg/simplemedia/repo/postgres"
	"github.com/tendant/simple-media/pkg/simplemedia/variants"
)

func NewCleanupCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one cleanup pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), env, func(ctx context.Context, p *config.Pipeline) error {
				report, err := p.Cleanup.RunOnce(ctx)
				if report != nil {
					printCleanupReport(cmd.OutOrStdout(), report)
				}
				return err
			})
		},
	}
}

func NewBackfillCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Generate missing variants for every image asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd.Context(), env, func(ctx context.Context, p *config.Pipeline) error {
				report, err := p.Variants.Run(ctx)
				if report != nil {
					printBackfillReport(cmd.OutOrStdout(), report)
				}
				return err
			})
		},
	}
}

func NewMigrateCommand(env *Env) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(env)
			if err != nil {
				return err
			}
			if cfg.DatabaseType != "postgres" {
				return fmt.Errorf("migrate requires a postgres DATABASE_URL, got database type %q", cfg.DatabaseType)
			}
			if err := config.PingPostgres(cmd.Context(), cfg.DatabaseURL, cfg.DBSchema); err != nil {
				return err
			}

			if down {
				err = repopg.MigrateDown(cfg.DatabaseURL)
			} else {
				err = repopg.Migrate(cfg.DatabaseURL)
			}
			if err != nil {
				return err
			}

			version, dirty, err := repopg.SchemaVersion(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to read schema version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %t)\n", version, dirty)
			return nil
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "roll back every migration")
	return cmd
}

func withPipeline(ctx context.Context, env *Env, fn func(context.Context, *config.Pipeline) error) error {
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

	return fn(ctx, p)
}

func printCleanupReport(w io.Writer, r *cleanup.Report) {
	fmt.Fprintf(w, "orphaned: %d\n", r.Orphaned)
	fmt.Fprintf(w, "deleted: %d\n", r.Deleted)
	fmt.Fprintf(w, "delete failed: %d\n", r.DeleteFailed)
	fmt.Fprintf(w, "pruned: %d\n", r.Pruned)
	for _, status := range slices.Sorted(maps.Keys(r.Tally)) {
		fmt.Fprintf(w, "%s: %d\n", status, r.Tally[status])
	}
}

func printBackfillReport(w io.Writer, r *variants.RunReport) {
	fmt.Fprintf(w, "scanned: %d\n", r.Scanned)
	fmt.Fprintf(w, "processed: %d\n", r.Processed)
	fmt.Fprintf(w, "partial: %d\n", r.PartialVariants)
	fmt.Fprintf(w, "skipped: %d\n", r.Skipped)
	fmt.Fprintf(w, "failed: %d\n", r.Failed)
}
