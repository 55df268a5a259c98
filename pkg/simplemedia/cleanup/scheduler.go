// Package cleanup reclaims provisional uploads that were never attached.
//
// A run has three independent phases:
//
//	A. PENDING uploads older than the orphan threshold become ORPHAN.
//	B. ORPHAN uploads past the retention period lose their object, then their row.
//	C. USED rows older than the audit retention are pruned.
//
// A failing phase is logged and does not stop the following ones.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// Policy defaults.
const (
	DefaultInterval        = 6 * time.Hour
	DefaultOrphanAfter     = 24 * time.Hour
	DefaultOrphanRetention = 7 * 24 * time.Hour
	DefaultUsedRetention   = 30 * 24 * time.Hour
	DefaultDeleteTimeout   = 30 * time.Second
)

// Policy holds the scheduler's thresholds.
type Policy struct {
	Interval        time.Duration
	OrphanAfter     time.Duration
	OrphanRetention time.Duration
	UsedRetention   time.Duration
	DeleteTimeout   time.Duration
}

// DefaultPolicy returns the default thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Interval:        DefaultInterval,
		OrphanAfter:     DefaultOrphanAfter,
		OrphanRetention: DefaultOrphanRetention,
		UsedRetention:   DefaultUsedRetention,
		DeleteTimeout:   DefaultDeleteTimeout,
	}
}

// Report summarizes one run.
type Report struct {
	StartedAt    time.Time
	Orphaned     int
	Deleted      int
	DeleteFailed int
	Pruned       int64
	Tally        map[simplemedia.UploadStatus]int64
	Errors       []error
}

// Err joins the phase errors of the run.
func (r *Report) Err() error {
	return errors.Join(r.Errors...)
}

// Scheduler runs cleanup passes on an interval.
type Scheduler struct {
	repo    simplemedia.UploadRepository
	store   simplemedia.BlobStore
	policy  Policy
	events  simplemedia.EventSink
	logger  *slog.Logger
	now     func() time.Time
	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithPolicy overrides the thresholds. Zero fields keep their defaults.
func WithPolicy(p Policy) Option {
	return func(s *Scheduler) {
		if p.Interval > 0 {
			s.policy.Interval = p.Interval
		}
		if p.OrphanAfter > 0 {
			s.policy.OrphanAfter = p.OrphanAfter
		}
		if p.OrphanRetention > 0 {
			s.policy.OrphanRetention = p.OrphanRetention
		}
		if p.UsedRetention > 0 {
			s.policy.UsedRetention = p.UsedRetention
		}
		if p.DeleteTimeout > 0 {
			s.policy.DeleteTimeout = p.DeleteTimeout
		}
	}
}

// WithEventSink sets the lifecycle event sink
func WithEventSink(e simplemedia.EventSink) Option {
	return func(s *Scheduler) {
		s.events = e
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a scheduler
func New(repo simplemedia.UploadRepository, store simplemedia.BlobStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:   repo,
		store:  store,
		policy: DefaultPolicy(),
		events: simplemedia.NewNoopEventSink(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cleanup")
	return s
}

// Policy returns the effective thresholds.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// Start runs one pass immediately and then one per interval until ctx is
// canceled or Stop is called. It returns without waiting for the first pass.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.tick(ctx)

		ticker := time.NewTicker(s.policy.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
	s.logger.Info("cleanup scheduler started", "interval", s.policy.Interval)
}

// Stop cancels the loop and waits for an in-flight pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("cleanup scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunOnce(ctx); errors.Is(err, simplemedia.ErrRunInProgress) {
		s.logger.WarnContext(ctx, "skipping cleanup tick, previous run still active")
	}
}

// RunOnce performs one full pass. It returns ErrRunInProgress without doing
// anything when another pass is active. Phase failures are collected in the
// report; the returned error joins them.
func (s *Scheduler) RunOnce(ctx context.Context) (report *Report, err error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, simplemedia.ErrRunInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	now := s.now().UTC()
	report = &Report{StartedAt: now}
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "panic during cleanup run", "panic", r)
			report.Errors = append(report.Errors, fmt.Errorf("cleanup run panicked: %v", r))
			err = report.Err()
		}
	}()

	s.orphanStale(ctx, now, report)
	s.deleteOrphans(ctx, now, report)
	s.pruneUsed(ctx, now, report)

	tally, tallyErr := s.repo.CountUploadsByStatus(ctx)
	if tallyErr != nil {
		s.logger.ErrorContext(ctx, "failed to tally uploads", "error", tallyErr)
		report.Errors = append(report.Errors, fmt.Errorf("tally: %w", tallyErr))
	}
	report.Tally = tally

	s.logger.InfoContext(ctx, "cleanup run complete",
		"orphaned", report.Orphaned,
		"deleted", report.Deleted,
		"delete_failed", report.DeleteFailed,
		"pruned", report.Pruned,
		"pending", tally[simplemedia.UploadStatusPending],
		"used", tally[simplemedia.UploadStatusUsed],
		"orphan", tally[simplemedia.UploadStatusOrphan],
		"duration", time.Since(start))
	return report, report.Err()
}

// Phase A
func (s *Scheduler) orphanStale(ctx context.Context, now time.Time, report *Report) {
	ids, err := s.repo.MarkOrphaned(ctx, now.Add(-s.policy.OrphanAfter), now)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mark stale uploads orphaned", "error", err)
		report.Errors = append(report.Errors, fmt.Errorf("mark orphaned: %w", err))
		return
	}
	report.Orphaned = len(ids)
	s.logger.InfoContext(ctx, "marked stale uploads orphaned", "count", len(ids))
	if len(ids) > 0 {
		if err := s.events.UploadsOrphaned(ctx, ids); err != nil {
			s.logger.WarnContext(ctx, "failed to publish orphan event", "error", err)
		}
	}
}

// Phase B
func (s *Scheduler) deleteOrphans(ctx context.Context, now time.Time, report *Report) {
	orphans, err := s.repo.ListOrphanedBefore(ctx, now.Add(-s.policy.OrphanRetention))
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list expired orphans", "error", err)
		report.Errors = append(report.Errors, fmt.Errorf("list orphans: %w", err))
		return
	}

	for _, upload := range orphans {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, ctx.Err())
			return
		}
		if err := s.deleteOrphan(ctx, upload); err != nil {
			report.DeleteFailed++
			s.logger.WarnContext(ctx, "failed to delete orphan, will retry next run",
				"upload_id", upload.ID, "url", upload.StorageURL, "error", err)
			continue
		}
		report.Deleted++
	}
	s.logger.InfoContext(ctx, "deleted expired orphans", "count", report.Deleted, "failed", report.DeleteFailed)
}

// deleteOrphan removes the object first; the row is only removed once the
// object is gone, so a failure leaves the orphan for the next run. An object
// that no longer exists counts as deleted.
func (s *Scheduler) deleteOrphan(ctx context.Context, upload *simplemedia.ProvisionalUpload) error {
	key := upload.ObjectKey
	if key == "" {
		var err error
		key, err = s.store.KeyFromURL(upload.StorageURL)
		if err != nil {
			return fmt.Errorf("resolve object key: %w", err)
		}
	}

	delCtx, cancel := context.WithTimeout(ctx, s.policy.DeleteTimeout)
	defer cancel()
	_, err := s.store.GetObjectMeta(delCtx, key)
	switch {
	case errors.Is(err, simplemedia.ErrObjectNotFound):
		s.logger.DebugContext(ctx, "orphan object already gone", "upload_id", upload.ID, "key", key)
	case err != nil:
		return fmt.Errorf("stat object: %w", err)
	default:
		if err := s.store.Delete(delCtx, key); err != nil && !errors.Is(err, simplemedia.ErrObjectNotFound) {
			return fmt.Errorf("delete object: %w", err)
		}
	}

	if err := s.repo.DeleteOrphan(ctx, upload.ID); err != nil {
		return fmt.Errorf("delete row: %w", err)
	}
	if err := s.events.UploadDeleted(ctx, upload); err != nil {
		s.logger.WarnContext(ctx, "failed to publish delete event", "upload_id", upload.ID, "error", err)
	}
	return nil
}

// Phase C
func (s *Scheduler) pruneUsed(ctx context.Context, now time.Time, report *Report) {
	n, err := s.repo.DeleteUsedBefore(ctx, now.Add(-s.policy.UsedRetention))
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to prune used uploads", "error", err)
		report.Errors = append(report.Errors, fmt.Errorf("prune used: %w", err))
		return
	}
	report.Pruned = n
	s.logger.InfoContext(ctx, "pruned used uploads", "count", n)
}
