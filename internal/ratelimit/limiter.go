// Package ratelimit keeps the engine polite towards the proximity backend.
//
// The Governor tracks the throttling the backend has asked for (429 responses)
// and gates job submissions while it lasts. The Pacer is a client-side token
// bucket applied before submissions so bursts of anchors do not trip the
// backend's limits in the first place. Middleware exposes the Governor's state
// to facade clients as response headers.
package ratelimit

import (
	"context"
	"time"
)

// Pacer defines the submission pacing contract. Implementations must be safe
// for concurrent use.
type Pacer interface {
	// Allow reports whether a submission for key may go out right now,
	// without waiting.
	Allow(key string) (allowed bool, info Info)

	// Wait blocks until a submission for key may go out or ctx is done.
	Wait(ctx context.Context, key string) error

	// Close stops background goroutines and releases resources.
	Close()
}

// Info contains pacing state for one key.
type Info struct {
	Limit      int           // Submissions per minute
	Remaining  int           // Approximate tokens remaining
	ResetAt    time.Time     // When the bucket will be full again
	RetryAfter time.Duration // How long to wait (meaningful only when denied)
}

// Unlimited never delays a submission.
type Unlimited struct{}

func (Unlimited) Allow(string) (bool, Info) { return true, Info{} }

func (Unlimited) Wait(ctx context.Context, _ string) error { return ctx.Err() }

func (Unlimited) Close() {}
