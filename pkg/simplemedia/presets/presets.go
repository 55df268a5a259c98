// Package presets builds ready-to-use pipelines for common environments.
package presets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/tendant/simple-media/pkg/simplemedia/config"
)

// NewDevelopment builds a pipeline for local development.
//
// Features:
//   - In-memory metadata (instant startup, no setup required)
//   - Filesystem storage at ./dev-data/ with signed delegated uploads
//   - Per-requester rate limiting held in memory
//   - Lifecycle events logged
//
// The returned cleanup function closes the pipeline and removes the
// storage directory.
//
// Example:
//
//	p, cleanup, err := presets.NewDevelopment()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cleanup()
func NewDevelopment(opts ...DevelopmentOption) (*config.Pipeline, func(), error) {
	cfg := &devConfig{
		storageDir: "./dev-data",
		port:       "8080",
		secret:     "dev-signature-secret",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	serverConfig, err := config.Load(
		config.WithPort(cfg.port),
		config.WithEnvironment("development"),
		config.WithFilesystemStorage(cfg.storageDir, "", cfg.secret),
		config.WithAllowedOrigins("*"),
		config.WithEventLogging(true),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load development config: %w", err)
	}

	p, err := serverConfig.Build(context.Background(), cfg.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build development pipeline: %w", err)
	}

	cleanup := func() {
		if err := p.Close(); err != nil {
			cfg.logger.Warn("failed to close development pipeline", "error", err)
		}
		os.RemoveAll(cfg.storageDir)
	}
	return p, cleanup, nil
}

// NewTesting builds an isolated pipeline for unit and integration tests.
//
// Metadata and objects live in memory, the rate limit is disabled and
// events are discarded. The pipeline is closed when the test completes.
func NewTesting(t testing.TB, opts ...TestingOption) *config.Pipeline {
	t.Helper()

	cfg := &testConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	options := []config.Option{
		config.WithEnvironment("testing"),
		config.WithMemoryStorage(),
		config.WithRateLimit("none", 0, 0),
		config.WithEventLogging(false),
	}
	options = append(options, cfg.options...)

	serverConfig, err := config.Load(options...)
	if err != nil {
		t.Fatalf("failed to load test config: %v", err)
	}
	p, err := serverConfig.Build(context.Background(), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("failed to build test pipeline: %v", err)
	}

	t.Cleanup(func() {
		_ = p.Close()
	})
	return p
}

// NewProduction builds a pipeline from the environment and refuses
// configurations that lose data on restart.
//
// Required Environment Variables:
//   - DATABASE_URL: PostgreSQL connection string
//   - STORAGE_URL: file://, s3:// or minio:// location
//
// Every other variable read by config.WithEnv is honored.
func NewProduction(opts ...ProductionOption) (*config.Pipeline, error) {
	cfg := &prodConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	serverConfig, err := config.Load(config.WithEnv(cfg.envPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to load production config: %w", err)
	}
	if err := validateProduction(serverConfig); err != nil {
		return nil, err
	}

	p, err := serverConfig.Build(context.Background(), cfg.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build production pipeline: %w", err)
	}
	return p, nil
}

// ErrNotDurable is returned by NewProduction for in-memory backends.
var ErrNotDurable = errors.New("production requires durable backends")

func validateProduction(c *config.ServerConfig) error {
	if c.DatabaseType != "postgres" {
		return fmt.Errorf("%w: DATABASE_URL must point to postgres", ErrNotDurable)
	}
	if c.Storage.Type == "memory" {
		return fmt.Errorf("%w: STORAGE_URL must be file://, s3:// or minio://", ErrNotDurable)
	}
	if c.RateLimit.Backend == "none" {
		return fmt.Errorf("%w: the upload rate limit cannot be disabled", ErrNotDurable)
	}
	return nil
}

type devConfig struct {
	storageDir string
	port       string
	secret     string
	logger     *slog.Logger
}

type testConfig struct {
	options []config.Option
}

type prodConfig struct {
	envPrefix string
	logger    *slog.Logger
}

// DevelopmentOption is a functional option for NewDevelopment
type DevelopmentOption func(*devConfig)

// WithDevStorage sets the development storage directory
func WithDevStorage(dir string) DevelopmentOption {
	return func(cfg *devConfig) {
		cfg.storageDir = dir
	}
}

// WithDevPort sets the server port
func WithDevPort(port string) DevelopmentOption {
	return func(cfg *devConfig) {
		cfg.port = port
	}
}

// WithDevLogger sets the pipeline logger
func WithDevLogger(logger *slog.Logger) DevelopmentOption {
	return func(cfg *devConfig) {
		cfg.logger = logger
	}
}

// TestingOption is a functional option for NewTesting
type TestingOption func(*testConfig)

// WithTestConfig applies extra configuration options on top of the testing defaults.
func WithTestConfig(opts ...config.Option) TestingOption {
	return func(cfg *testConfig) {
		cfg.options = append(cfg.options, opts...)
	}
}

// ProductionOption is a functional option for NewProduction
type ProductionOption func(*prodConfig)

// WithProdEnvPrefix sets the prefix of the environment variables
func WithProdEnvPrefix(prefix string) ProductionOption {
	return func(cfg *prodConfig) {
		cfg.envPrefix = prefix
	}
}

// WithProdLogger sets the pipeline logger
func WithProdLogger(logger *slog.Logger) ProductionOption {
	return func(cfg *prodConfig) {
		cfg.logger = logger
	}
}
