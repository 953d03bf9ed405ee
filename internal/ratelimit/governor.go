package ratelimit

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"proximity/internal/models"
)

// DefaultRetryAfter is used when the backend throttles without saying for how long.
const DefaultRetryAfter = 2 * time.Second

// Governor records backend throttling. While it reports throttled, no new
// job submissions may be issued; cached data is served instead. A Governor is
// shared by every job client and orchestrator of one engine and is safe for
// concurrent use.
type Governor struct {
	defaultRetry time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu       sync.Mutex
	active   bool
	until    time.Time
	severity models.Severity
	// generation counts recorded throttles.
	generation uint64
}

type GovernorOption func(*Governor)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) GovernorOption {
	return func(g *Governor) { g.now = now }
}

func WithLogger(logger *slog.Logger) GovernorOption {
	return func(g *Governor) { g.logger = logger }
}

func NewGovernor(defaultRetryAfter time.Duration, opts ...GovernorOption) *Governor {
	if defaultRetryAfter <= 0 {
		defaultRetryAfter = DefaultRetryAfter
	}
	g := &Governor{
		defaultRetry: defaultRetryAfter,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsThrottled reports whether submissions are currently suppressed. The
// throttle clears itself once the clock passes the recorded deadline.
func (g *Governor) IsThrottled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeLocked()
}

func (g *Governor) activeLocked() bool {
	if g.active && g.now().After(g.until) {
		g.active = false
		g.severity = models.SeverityNone
		g.logger.Info("Backend throttle window elapsed")
	}
	return g.active
}

// RecordThrottle starts (or extends) a throttle window of retryAfter. A zero
// or negative retryAfter uses the default. An existing later deadline is
// never shortened.
func (g *Governor) RecordThrottle(retryAfter time.Duration, severity models.Severity) {
	if retryAfter <= 0 {
		retryAfter = g.defaultRetry
	}
	if severity == models.SeverityNone {
		severity = models.SeveritySlowDown
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	until := g.now().Add(retryAfter)
	if g.activeLocked() && g.until.After(until) {
		until = g.until
	}
	g.active = true
	g.until = until
	g.severity = severity
	g.generation++

	g.logger.Warn("Backend throttling recorded",
		"retry_after", retryAfter.String(),
		"until", until,
		"severity", string(severity),
	)
}

// Generation returns a counter that advances on every RecordThrottle. Read it
// before issuing a request and hand it to RecordSuccessSince afterwards.
func (g *Governor) Generation() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

// RecordSuccess clears the throttle after a successful, non-throttled response.
func (g *Governor) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearLocked()
}

// RecordSuccessSince clears the throttle only if no throttle was recorded
// after gen was read. A response to a request issued before a sibling's 429
// says nothing about the backend's current limits.
func (g *Governor) RecordSuccessSince(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.generation != gen {
		return
	}
	g.clearLocked()
}

func (g *Governor) clearLocked() {
	if g.active {
		g.logger.Info("Backend throttle cleared by successful response")
	}
	g.active = false
	g.until = time.Time{}
	g.severity = models.SeverityNone
}

// State returns a snapshot for the rendering layer.
func (g *Governor) State() models.RateLimitState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.activeLocked() {
		return models.RateLimitState{}
	}
	return models.RateLimitState{
		Active:            true,
		RetryAfterSeconds: int(math.Ceil(g.until.Sub(g.now()).Seconds())),
		Until:             g.until,
		Severity:          g.severity,
	}
}
