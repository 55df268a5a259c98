// Package ratelimit counts accepted uploads per requester in fixed windows.
//
// A counter is created by the first request of a window and reset lazily by
// the first request after the window has elapsed; expired counters are
// never swept. Memory keeps counters in-process and is only correct for a
// single intake instance. Redis keeps them in a shared store with an atomic
// increment-and-expire script.
package ratelimit

import (
	"context"
	"time"
)

// Default policy: 10 accepted uploads per hour per requester.
const (
	DefaultLimit  = 10
	DefaultWindow = time.Hour
)

// Result contains the result of a rate limit check
type Result struct {
	Allowed    bool          // Whether the request is allowed
	Count      int64         // Requests counted in the current window, this one included
	Limit      int64         // The limit that was checked
	RetryAfter time.Duration // Time until the window resets (0 if allowed)
}

// Limiter checks and counts one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// Unlimited allows every request.
type Unlimited struct{}

func (Unlimited) Allow(ctx context.Context, key string) (Result, error) {
	return Result{Allowed: true}, nil
}
