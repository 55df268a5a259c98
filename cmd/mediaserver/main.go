package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tendant/simple-media/pkg/simplemedia/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Env is the process-level configuration. Pipeline settings are read by
// config.WithEnv using EnvPrefix.
type Env struct {
	LogLevel  string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"LOG_FORMAT" env-default:"text"`
	EnvPrefix string `env:"ENV_PREFIX" env-default:""`
}

func main() {
	_ = godotenv.Load()

	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	var env Env

	rootCmd := &cobra.Command{
		Use:   "mediaserver",
		Short: "Media asset pipeline",
		Long: `Media asset pipeline server and maintenance jobs.

Accepts form uploads, issues presigned batch upload URLs, backfills
image variants and reclaims uploads that were never attached.

Configuration is read from the environment (and .env when present).`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cleanenv.ReadEnv(&env); err != nil {
				return fmt.Errorf("failed to read environment: %w", err)
			}
			slog.SetDefault(newLogger(env, cmd.ErrOrStderr()))
			return nil
		},
	}

	rootCmd.AddCommand(NewServeCommand(&env))
	rootCmd.AddCommand(NewCleanupCommand(&env))
	rootCmd.AddCommand(NewBackfillCommand(&env))
	rootCmd.AddCommand(NewMigrateCommand(&env))

	return rootCmd
}

func newLogger(env Env, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(env.LogLevel)}
	if strings.EqualFold(env.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// loadConfig reads the pipeline configuration from the environment.
func loadConfig(env *Env) (*config.ServerConfig, error) {
	cfg, err := config.Load(config.WithEnv(env.EnvPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
