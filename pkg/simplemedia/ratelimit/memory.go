package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int64
	resetAt time.Time
}

// Memory is a process-local fixed-window limiter.
type Memory struct {
	mu      sync.Mutex
	limit   int64
	period  time.Duration
	now     func() time.Time
	windows map[string]*window
}

// MemoryOption configures a Memory limiter
type MemoryOption func(*Memory)

// WithClock overrides the time source, used by tests
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates a limiter allowing limit requests per period.
// Non-positive arguments fall back to DefaultLimit and DefaultWindow.
func NewMemory(limit int, period time.Duration, opts ...MemoryOption) *Memory {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if period <= 0 {
		period = DefaultWindow
	}
	m := &Memory{
		limit:   int64(limit),
		period:  period,
		now:     time.Now,
		windows: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Allow counts a request against key. Rejected requests are not counted.
func (m *Memory) Allow(ctx context.Context, key string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(m.period)}
		m.windows[key] = w
	}

	if w.count >= m.limit {
		return Result{
			Allowed:    false,
			Count:      w.count,
			Limit:      m.limit,
			RetryAfter: w.resetAt.Sub(now),
		}, nil
	}

	w.count++
	return Result{Allowed: true, Count: w.count, Limit: m.limit}, nil
}
