// Package variants backfills resized renditions for committed image assets.
package variants

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/objectkey"
	"github.com/tendant/simple-media/pkg/simplemedia/transform"
)

// Worker defaults.
const (
	DefaultConcurrency    = 10
	DefaultPageSize       = 100
	DefaultWebPWidth      = 1920
	DefaultInterval       = time.Hour
	DefaultFetchTimeout   = 30 * time.Second
	DefaultWriteTimeout   = 30 * time.Second
	DefaultMaxSourceBytes = 100 << 20
)

// ErrSourceTooLarge is returned when a source object exceeds the fetch limit.
var ErrSourceTooLarge = errors.New("source object exceeds size limit")

// RunReport summarizes one pass.
type RunReport struct {
	// Scanned counts assets the repository reported as missing variants.
	Scanned int
	// Processed counts assets that now carry every required variant.
	Processed int
	// Skipped counts assets whose source could not be fetched or decoded,
	// including sources over the size or pixel limits.
	Skipped int
	// PartialVariants counts assets updated with some variants missing.
	PartialVariants int
	// Failed counts assets whose update could not be written.
	Failed int
}

// Worker generates the variants of every eligible asset.
type Worker struct {
	repo           simplemedia.AssetRepository
	store          simplemedia.BlobStore
	engine         *transform.Engine
	profiles       []transform.Profile
	webpWidth      int
	concurrency    int
	pageSize       int
	interval       time.Duration
	fetchTimeout   time.Duration
	writeTimeout   time.Duration
	maxSourceBytes int64
	events         simplemedia.EventSink
	logger         *slog.Logger
	running        atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a worker with the default profiles.
func New(repo simplemedia.AssetRepository, store simplemedia.BlobStore, opts ...Option) *Worker {
	w := &Worker{
		repo:         repo,
		store:        store,
		engine:       transform.New(),
		profiles:     transform.DefaultProfiles,
		webpWidth:      DefaultWebPWidth,
		concurrency:    DefaultConcurrency,
		pageSize:       DefaultPageSize,
		interval:       DefaultInterval,
		fetchTimeout:   DefaultFetchTimeout,
		writeTimeout:   DefaultWriteTimeout,
		maxSourceBytes: DefaultMaxSourceBytes,
		events:         simplemedia.NewNoopEventSink(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "variants")
	return w
}

// Required returns the variant names every processed asset carries.
func (w *Worker) Required() []string {
	names := make([]string, 0, len(w.profiles)+1)
	for _, p := range w.profiles {
		names = append(names, p.Name)
	}
	return append(names, simplemedia.VariantWebP)
}

// Interval returns the time between scheduled passes.
func (w *Worker) Interval() time.Duration {
	return w.interval
}

// Start runs one pass immediately and then one per interval until ctx is
// canceled or Stop is called. It returns without waiting for the first pass.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		w.tick(ctx)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.tick(ctx)
			}
		}
	}()
	w.logger.Info("variant worker started", "interval", w.interval)
}

// Stop cancels the loop and waits for an in-flight pass to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.logger.Info("variant worker stopped")
}

func (w *Worker) tick(ctx context.Context) {
	_, err := w.Run(ctx)
	switch {
	case errors.Is(err, simplemedia.ErrRunInProgress):
		w.logger.WarnContext(ctx, "skipping variant tick, previous pass still active")
	case err != nil && ctx.Err() == nil:
		w.logger.ErrorContext(ctx, "variant pass failed", "error", err)
	}
}

// Run walks every eligible asset once, by ascending ID, and generates its
// missing variants. Per-asset failures are counted and logged; Run only
// returns an error when the repository cannot be queried or ctx ends. It
// returns ErrRunInProgress without doing anything when another pass of the
// same worker is active.
func (w *Worker) Run(ctx context.Context) (*RunReport, error) {
	if !w.running.CompareAndSwap(false, true) {
		return nil, simplemedia.ErrRunInProgress
	}
	defer w.running.Store(false)

	start := time.Now()
	report := &RunReport{}
	var mu sync.Mutex
	required := w.Required()

	after := uuid.Nil
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		page, err := w.repo.ListAssetsMissingVariants(ctx, simplemedia.AssetFilter{
			Required:   required,
			Extensions: transform.SupportedExtensions,
			After:      after,
			Limit:      w.pageSize,
		})
		if err != nil {
			return report, fmt.Errorf("failed to list assets missing variants: %w", err)
		}
		if len(page) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(w.concurrency)
		for _, asset := range page {
			g.Go(func() error {
				o := w.processSafe(ctx, asset, required)
				mu.Lock()
				report.add(o)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		report.Scanned += len(page)
		after = page[len(page)-1].ID
		if len(page) < w.pageSize {
			break
		}
	}

	w.logger.InfoContext(ctx, "variant pass complete",
		"scanned", report.Scanned,
		"processed", report.Processed,
		"partial", report.PartialVariants,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration", time.Since(start))
	return report, nil
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomePartial
	outcomeSkipped
	outcomeFailed
)

func (r *RunReport) add(o outcome) {
	switch o {
	case outcomeProcessed:
		r.Processed++
	case outcomePartial:
		r.PartialVariants++
	case outcomeSkipped:
		r.Skipped++
	case outcomeFailed:
		r.Failed++
	}
}

func (w *Worker) processSafe(ctx context.Context, asset *simplemedia.Asset, required []string) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(ctx, "panic while generating variants", "asset_id", asset.ID, "panic", r)
			o = outcomeFailed
		}
	}()
	return w.process(ctx, asset, required)
}

func (w *Worker) process(ctx context.Context, asset *simplemedia.Asset, required []string) outcome {
	logger := w.logger.With("asset_id", asset.ID, "key", asset.SourceKey())

	data, err := w.fetch(ctx, asset.SourceKey())
	if err != nil {
		logger.WarnContext(ctx, "skipping asset, source fetch failed", "error", err)
		return outcomeSkipped
	}

	src, info, err := w.engine.Decode(data)
	if errors.Is(err, transform.ErrTooManyPixels) {
		logger.WarnContext(ctx, "skipping asset, source exceeds pixel limit",
			"width", info.Width, "height", info.Height, "max_pixels", w.engine.MaxPixels())
		return outcomeSkipped
	}
	if err != nil {
		logger.WarnContext(ctx, "skipping asset, source decode failed", "error", err)
		return outcomeSkipped
	}

	ext := strings.ToLower(asset.Extension)
	if !transform.IsSupportedExtension(ext) {
		ext = info.Format.Extension()
	}

	missing := asset.MissingVariants(required)
	generated := make(map[string]string, len(missing))
	for _, name := range missing {
		key, err := w.generate(ctx, asset, src, info, ext, name)
		if err != nil {
			logger.WarnContext(ctx, "variant generation failed", "variant", name, "error", err)
			continue
		}
		generated[name] = key
	}

	update := simplemedia.VariantUpdate{
		Width:    info.Width,
		Height:   info.Height,
		Size:     info.Size,
		MimeType: info.MimeType,
		Variants: generated,
	}
	if err := w.repo.UpdateAssetVariants(ctx, asset.ID, update); err != nil {
		logger.ErrorContext(ctx, "failed to record variants", "error", &simplemedia.AssetError{AssetID: asset.ID, Op: "update_variants", Err: err})
		return outcomeFailed
	}

	merged := make(map[string]string, len(asset.Variants)+len(generated))
	maps.Copy(merged, asset.Variants)
	maps.Copy(merged, generated)
	updated := *asset
	updated.Width, updated.Height = &update.Width, &update.Height
	updated.Size, updated.MimeType = update.Size, update.MimeType
	updated.Variants = merged
	if err := w.events.VariantsGenerated(ctx, &updated); err != nil {
		logger.WarnContext(ctx, "failed to publish variants event", "error", err)
	}

	if len(generated) < len(missing) {
		logger.WarnContext(ctx, "asset has partial variants", "generated", len(generated), "missing", len(missing))
		return outcomePartial
	}
	logger.DebugContext(ctx, "variants generated", "count", len(generated))
	return outcomeProcessed
}

func (w *Worker) fetch(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
	defer cancel()

	rc, err := w.store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, w.maxSourceBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > w.maxSourceBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrSourceTooLarge, w.maxSourceBytes)
	}
	return data, nil
}

func (w *Worker) generate(ctx context.Context, asset *simplemedia.Asset, src image.Image, info transform.Info, ext, name string) (string, error) {
	var (
		data     []byte
		key      string
		mimeType string
		err      error
	)
	if name == simplemedia.VariantWebP {
		data, err = w.engine.RenderWebP(src, w.webpWidth)
		key = objectkey.VariantKey(name, asset.StorageKey, transform.FormatWebP.Extension())
		mimeType = transform.FormatWebP.MimeType()
	} else {
		profile, ok := w.profile(name)
		if !ok {
			return "", fmt.Errorf("unknown variant profile %q", name)
		}
		data, err = w.engine.Render(src, profile, info.Format)
		key = objectkey.VariantKey(name, asset.StorageKey, ext)
		mimeType = info.MimeType
	}
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()
	err = w.store.UploadWithParams(ctx, bytes.NewReader(data), simplemedia.UploadParams{
		ObjectKey: key,
		MimeType:  mimeType,
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (w *Worker) profile(name string) (transform.Profile, bool) {
	for _, p := range w.profiles {
		if p.Name == name {
			return p, true
		}
	}
	return transform.Profile{}, false
}
