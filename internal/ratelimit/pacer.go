package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry holds a token bucket and its last access time for cleanup.
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryPacer is an in-memory Pacer backed by golang.org/x/time/rate. Each key
// (the engine uses the backend host, or the anchor kind) gets its own bucket.
// A background goroutine evicts buckets idle for 2x the cleanup interval.
type MemoryPacer struct {
	rate            rate.Limit
	burst           int
	limit           int
	cleanupInterval time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	done    chan struct{}
	closed  bool
}

// NewPacer returns a MemoryPacer for submissionsPerMinute with the given
// burst, or Unlimited when submissionsPerMinute is zero.
func NewPacer(submissionsPerMinute, burst int, cleanupInterval time.Duration) Pacer {
	if submissionsPerMinute <= 0 {
		return Unlimited{}
	}
	return NewMemoryPacer(submissionsPerMinute, burst, cleanupInterval)
}

func NewMemoryPacer(submissionsPerMinute, burst int, cleanupInterval time.Duration) *MemoryPacer {
	if burst < 1 {
		burst = 1
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	m := &MemoryPacer{
		rate:            rate.Every(time.Minute / time.Duration(submissionsPerMinute)),
		burst:           burst,
		limit:           submissionsPerMinute,
		cleanupInterval: cleanupInterval,
		entries:         make(map[string]*entry),
		done:            make(chan struct{}),
	}
	go m.cleanup()
	return m
}

func (m *MemoryPacer) bucket(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.entries[key]
	if !exists {
		e = &entry{limiter: rate.NewLimiter(m.rate, m.burst)}
		m.entries[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

func (m *MemoryPacer) Allow(key string) (bool, Info) {
	limiter := m.bucket(key)
	allowed := limiter.Allow()

	now := time.Now()
	tokens := limiter.TokensAt(now)
	info := Info{
		Limit:     m.limit,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		ResetAt:   now,
	}
	if missing := float64(m.burst) - tokens; missing > 0 {
		info.ResetAt = now.Add(time.Duration(missing / float64(m.rate) * float64(time.Second)))
	}

	if !allowed {
		reservation := limiter.Reserve()
		info.RetryAfter = reservation.Delay()
		reservation.Cancel()
	}
	return allowed, info
}

// Wait is a suspension point: it honors ctx cancellation.
func (m *MemoryPacer) Wait(ctx context.Context, key string) error {
	return m.bucket(key).Wait(ctx)
}

// Close stops the background cleanup goroutine.
func (m *MemoryPacer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
}

func (m *MemoryPacer) cleanup() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryPacer) evictStale() {
	cutoff := time.Now().Add(-2 * m.cleanupInterval)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if e.lastSeen.Before(cutoff) {
			delete(m.entries, key)
		}
	}
}
