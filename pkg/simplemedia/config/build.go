package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/api"
	"github.com/tendant/simple-media/pkg/simplemedia/cleanup"
	natsevents "github.com/tendant/simple-media/pkg/simplemedia/events/nats"
	"github.com/tendant/simple-media/pkg/simplemedia/intake"
	"github.com/tendant/simple-media/pkg/simplemedia/presigned"
	"github.com/tendant/simple-media/pkg/simplemedia/ratelimit"
	memoryrepo "github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
	repopg "github.com/tendant/simple-media/pkg/simplemedia/repo/postgres"
	fsstorage "github.com/tendant/simple-media/pkg/simplemedia/storage/fs"
	memorystorage "github.com/tendant/simple-media/pkg/simplemedia/storage/memory"
	miniostorage "github.com/tendant/simple-media/pkg/simplemedia/storage/minio"
	s3storage "github.com/tendant/simple-media/pkg/simplemedia/storage/s3"
	"github.com/tendant/simple-media/pkg/simplemedia/transform"
	"github.com/tendant/simple-media/pkg/simplemedia/variants"
)

// Pipeline holds every wired component of the media pipeline.
type Pipeline struct {
	Config     *ServerConfig
	Repository simplemedia.Repository
	Store      simplemedia.BlobStore
	Events     simplemedia.EventSink
	Intake     *intake.Service
	Variants   *variants.Worker
	Cleanup    *cleanup.Scheduler

	// Signer and UploadHandler are set when the store relies on signed
	// delegated uploads served by this process.
	Signer        *presigned.Signer
	UploadHandler *presigned.UploadHandler

	checks  []func(ctx context.Context) error
	closers []func() error
}

// Build connects to the configured backends and wires the pipeline.
// The caller must Close the returned pipeline.
func (c *ServerConfig) Build(ctx context.Context, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{Config: c}
	if err := c.wire(ctx, p, logger); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (c *ServerConfig) wire(ctx context.Context, p *Pipeline, logger *slog.Logger) error {
	var err error
	if p.Repository, err = c.buildRepository(ctx, p); err != nil {
		return fmt.Errorf("failed to build repository: %w", err)
	}
	if p.Store, err = c.buildStore(ctx, p, logger); err != nil {
		return fmt.Errorf("failed to build storage backend %s: %w", c.Storage.Type, err)
	}
	if p.Events, err = c.buildEvents(p, logger); err != nil {
		return fmt.Errorf("failed to build event sink: %w", err)
	}
	limiter, err := c.buildLimiter(ctx, p, logger)
	if err != nil {
		return fmt.Errorf("failed to build rate limiter: %w", err)
	}

	p.Intake = intake.New(p.Store, p.Repository,
		intake.WithFieldConfigs(c.FieldConfigs),
		intake.WithRateLimiter(limiter),
		intake.WithEventSink(p.Events),
		intake.WithCDNBaseURL(c.CDNBaseURL),
		intake.WithLogger(logger),
	)
	p.Variants = variants.New(p.Repository, p.Store,
		variants.WithEngine(transform.New(
			transform.WithJPEGQuality(c.Variants.JPEGQuality),
			transform.WithMaxPixels(c.Variants.MaxPixels),
		)),
		variants.WithInterval(c.Variants.Interval),
		variants.WithMaxSourceBytes(c.Variants.MaxSourceBytes),
		variants.WithConcurrency(c.Variants.Concurrency),
		variants.WithPageSize(c.Variants.PageSize),
		variants.WithFetchTimeout(c.Variants.FetchTimeout),
		variants.WithWebPWidth(c.Variants.WebPWidth),
		variants.WithEventSink(p.Events),
		variants.WithLogger(logger),
	)
	p.Cleanup = cleanup.New(p.Repository, p.Store,
		cleanup.WithPolicy(c.Cleanup),
		cleanup.WithEventSink(p.Events),
		cleanup.WithLogger(logger),
	)
	if p.Signer != nil {
		p.UploadHandler = presigned.NewUploadHandler(p.Signer, p.Store, 0, logger)
	}
	return nil
}

// RouterConfig returns the HTTP wiring of the pipeline.
func (p *Pipeline) RouterConfig(logger *slog.Logger) api.RouterConfig {
	cfg := api.RouterConfig{
		Intake:         p.Intake,
		UploadHandler:  p.UploadHandler,
		Health:         p.Health,
		AllowedOrigins: p.Config.AllowedOrigins,
		Logger:         logger,
	}
	if p.Config.EnableAdminAPI {
		cfg.Admin = api.NewAdminHandler(p.Repository, logger)
	}
	return cfg
}

// Health pings every external dependency.
func (p *Pipeline) Health(ctx context.Context) error {
	for _, check := range p.checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases connections in reverse order of creation.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// buildRepository creates a Repository based on the configuration
func (c *ServerConfig) buildRepository(ctx context.Context, p *Pipeline) (simplemedia.Repository, error) {
	switch c.DatabaseType {
	case "memory":
		return memoryrepo.New(), nil
	case "postgres":
		pool, err := newPool(ctx, c.DatabaseURL, c.DBSchema)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, func() error { pool.Close(); return nil })
		p.checks = append(p.checks, pool.Ping)
		return repopg.NewWithPool(pool), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

func newPool(ctx context.Context, databaseURL, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	return pool, nil
}

// PingPostgres verifies connectivity to Postgres and that the schema, when
// provided, can be selected.
func PingPostgres(ctx context.Context, databaseURL, schema string) error {
	if databaseURL == "" {
		return errors.New("database_url is required")
	}
	pool, err := newPool(ctx, databaseURL, schema)
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// buildStore creates the BlobStore based on the storage configuration
func (c *ServerConfig) buildStore(ctx context.Context, p *Pipeline, logger *slog.Logger) (simplemedia.BlobStore, error) {
	cfg := c.Storage.Config
	switch c.Storage.Type {
	case "memory":
		return memorystorage.New(), nil

	case "fs":
		if c.SignatureSecret != "" {
			p.Signer = presigned.New(presigned.WithSecretKey(c.SignatureSecret))
		}
		return fsstorage.New(fsstorage.Config{
			BaseDir:   getString(cfg, "base_dir", "./data/storage"),
			URLPrefix: getString(cfg, "url_prefix", ""),
			Signer:    p.Signer,
		})

	case "s3":
		return s3storage.New(s3storage.Config{
			Region:                 getString(cfg, "region", "us-east-1"),
			Bucket:                 getString(cfg, "bucket", ""),
			AccessKeyID:            getString(cfg, "access_key_id", ""),
			SecretAccessKey:        getString(cfg, "secret_access_key", ""),
			Endpoint:               getString(cfg, "endpoint", ""),
			UsePathStyle:           getBool(cfg, "use_path_style", false),
			PublicBaseURL:          getString(cfg, "public_base_url", ""),
			UseAccelerate:          getBool(cfg, "use_accelerate", false),
			EnableSSE:              getBool(cfg, "enable_sse", false),
			SSEAlgorithm:           getString(cfg, "sse_algorithm", "AES256"),
			SSEKMSKeyID:            getString(cfg, "sse_kms_key_id", ""),
			CreateBucketIfNotExist: getBool(cfg, "create_bucket_if_not_exist", false),
		})

	case "minio":
		return miniostorage.New(ctx, miniostorage.Config{
			Endpoint:      getString(cfg, "endpoint", ""),
			AccessKey:     getString(cfg, "access_key", ""),
			SecretKey:     getString(cfg, "secret_key", ""),
			Bucket:        getString(cfg, "bucket", ""),
			UseSSL:        getBool(cfg, "use_ssl", true),
			Region:        getString(cfg, "region", ""),
			PublicBaseURL: getString(cfg, "public_base_url", ""),
			CreateBucket:  getBool(cfg, "create_bucket", true),
		}, logger)

	default:
		return nil, fmt.Errorf("unsupported storage backend type: %s", c.Storage.Type)
	}
}

func (c *ServerConfig) buildEvents(p *Pipeline, logger *slog.Logger) (simplemedia.EventSink, error) {
	if c.NATSURL != "" {
		sink, err := natsevents.Connect(natsevents.Config{
			URL:           c.NATSURL,
			SubjectPrefix: c.NATSSubjectPrefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, sink.Close)
		return sink, nil
	}
	if c.EnableEventLogging {
		return simplemedia.NewLogEventSink(logger), nil
	}
	return simplemedia.NewNoopEventSink(), nil
}

func (c *ServerConfig) buildLimiter(ctx context.Context, p *Pipeline, logger *slog.Logger) (ratelimit.Limiter, error) {
	switch c.RateLimit.Backend {
	case "none":
		return ratelimit.Unlimited{}, nil
	case "memory":
		return ratelimit.NewMemory(c.RateLimit.Limit, c.RateLimit.Window), nil
	case "redis":
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		p.closers = append(p.closers, client.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		p.checks = append(p.checks, func(ctx context.Context) error { return client.Ping(ctx).Err() })
		return ratelimit.NewRedis(client, c.RateLimit.Limit, c.RateLimit.Window, logger), nil
	default:
		return nil, fmt.Errorf("unsupported rate limit backend: %s", c.RateLimit.Backend)
	}
}
