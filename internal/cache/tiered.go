package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"proximity/internal/models"
	"proximity/internal/storage"
)

// Config tunes both tiers.
type Config struct {
	MemoryTTL       time.Duration
	MaxEntries      int           // 0 means unbounded
	StaleRetention  time.Duration // how long stale memory entries stay servable; 0 keeps them until evicted for space
	CleanupInterval time.Duration // 0 disables the background sweeper

	PersistentTTL    time.Duration
	MaxPayloadBytes  int
	SchemaVersion    string
	OperationTimeout time.Duration
	WriteQueue       int

	Logger *slog.Logger
	Now    func() time.Time
}

// ConfigFrom maps the engine configuration onto a cache Config.
func ConfigFrom(cfg models.CacheConfig, logger *slog.Logger) Config {
	return Config{
		MemoryTTL:        cfg.Memory.TTL,
		MaxEntries:       cfg.Memory.MaxEntries,
		StaleRetention:   cfg.Memory.StaleRetention,
		CleanupInterval:  cfg.Memory.CleanupInterval,
		PersistentTTL:    cfg.Persistent.TTL,
		MaxPayloadBytes:  cfg.Persistent.MaxPayloadBytes,
		SchemaVersion:    cfg.Persistent.SchemaVersion,
		OperationTimeout: cfg.Persistent.OperationTimeout,
		Logger:           logger,
	}
}

// Entry is a cache hit.
type Entry[T any] struct {
	Value     T
	FetchedAt time.Time
	Stale     bool
	Tier      models.Source
}

type memEntry[T any] struct {
	value      T
	fetchedAt  time.Time
	freshUntil time.Time
	lastAccess time.Time
}

type writeReq struct {
	rec   *storage.Record
	flush chan struct{}
}

// Tiered is the two-tier cache. It is safe for concurrent use.
type Tiered[T any] struct {
	cfg       Config
	store     storage.Store
	namespace string
	clone     func(T) T
	logger    *slog.Logger
	now       func() time.Time
	lookups   metric.Int64Counter
	dropped   metric.Int64Counter

	mu      sync.Mutex
	entries map[string]*memEntry[T]

	writeMu sync.RWMutex
	writes  chan writeReq
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a cache. store may be nil, which disables the persistent tier.
// clone, when set, is applied to values going in and out of the memory tier
// so callers never share mutable state with the cache.
func New[T any](store storage.Store, cfg Config, clone func(T) T) (*Tiered[T], error) {
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = 5 * time.Minute
	}
	if cfg.PersistentTTL <= 0 {
		cfg.PersistentTTL = 15 * time.Minute
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 4 << 20
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 2 * time.Second
	}
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = 256
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = "1.0.0"
	}
	schema, err := semver.NewVersion(cfg.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid cache schema version %q: %w", cfg.SchemaVersion, err)
	}
	if clone == nil {
		clone = func(v T) T { return v }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	meter := otel.Meter("proximity/cache")
	lookups, err := meter.Int64Counter("proximity.cache.lookups",
		metric.WithDescription("Cache lookups by serving tier"))
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup counter: %w", err)
	}
	dropped, err := meter.Int64Counter("proximity.cache.dropped_writes",
		metric.WithDescription("Persistent writes skipped for size, queue pressure or errors"))
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped write counter: %w", err)
	}

	c := &Tiered[T]{
		cfg:       cfg,
		store:     store,
		namespace: "v" + schema.String() + "/",
		clone:     clone,
		logger:    logger,
		now:       now,
		lookups:   lookups,
		dropped:   dropped,
		entries:   make(map[string]*memEntry[T]),
		done:      make(chan struct{}),
	}
	if store != nil {
		c.writes = make(chan writeReq, cfg.WriteQueue)
		c.wg.Add(1)
		go c.writer()
	}
	if cfg.CleanupInterval > 0 {
		c.wg.Add(1)
		go c.cleanup()
	}
	return c, nil
}

// Namespace is the schema tag prefixed to persistent keys.
func (c *Tiered[T]) Namespace() string {
	return c.namespace
}

// Persistent reports whether a persistent tier is attached.
func (c *Tiered[T]) Persistent() bool {
	return c.store != nil
}

// Get returns the cached value for key. Memory hits win over persistent
// ones. Stale memory entries are returned with Stale set; persistent records
// past their expiry are misses.
func (c *Tiered[T]) Get(ctx context.Context, key Key) (Entry[T], bool) {
	path := key.Path()
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[path]; ok {
		if c.retained(e, now) {
			e.lastAccess = now
			hit := Entry[T]{
				Value:     c.clone(e.value),
				FetchedAt: e.fetchedAt,
				Stale:     now.After(e.freshUntil),
				Tier:      models.SourceMemory,
			}
			c.mu.Unlock()
			c.count(ctx, "memory")
			return hit, true
		}
		delete(c.entries, path)
	}
	c.mu.Unlock()

	if c.store == nil {
		c.count(ctx, "miss")
		return Entry[T]{}, false
	}

	rec, err := c.readPersistent(ctx, path)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("Persistent cache read failed", "key", key.String(), "error", err)
		}
		c.count(ctx, "miss")
		return Entry[T]{}, false
	}
	if rec.Expired(now) {
		c.count(ctx, "miss")
		return Entry[T]{}, false
	}
	var value T
	if err := json.Unmarshal(rec.Payload, &value); err != nil {
		c.logger.Warn("Discarding undecodable persistent cache entry", "key", key.String(), "error", err)
		c.count(ctx, "miss")
		return Entry[T]{}, false
	}

	freshUntil := now.Add(c.cfg.MemoryTTL)
	if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(freshUntil) {
		freshUntil = rec.ExpiresAt
	}
	c.putMemory(path, value, rec.StoredAt, freshUntil, now)
	c.count(ctx, "persistent")
	return Entry[T]{Value: c.clone(value), FetchedAt: rec.StoredAt, Tier: models.SourcePersistent}, true
}

// Set stores value in the memory tier with ttl (the memory default when zero)
// and queues a best-effort write to the persistent tier. Persistent failures
// are logged, never returned.
func (c *Tiered[T]) Set(ctx context.Context, key Key, value T, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.MemoryTTL
	}
	path := key.Path()
	now := c.now()
	c.putMemory(path, c.clone(value), now, now.Add(ttl), now)

	if c.store == nil {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("Skipping persistent cache write: encode failed", "key", key.String(), "error", err)
		c.drop(ctx, "encode")
		return
	}
	if len(payload) > c.cfg.MaxPayloadBytes {
		c.logger.Debug("Skipping persistent cache write: payload too large",
			"key", key.String(), "bytes", len(payload), "limit", c.cfg.MaxPayloadBytes)
		c.drop(ctx, "size")
		return
	}
	c.enqueue(ctx, &storage.Record{
		Key:       c.namespace + path,
		Payload:   payload,
		StoredAt:  now,
		ExpiresAt: now.Add(c.cfg.PersistentTTL),
	})
}

// Invalidate removes every entry whose Path starts with prefix from both
// tiers and returns how many entries were removed. Pending persistent writes
// are flushed first so they cannot resurrect invalidated entries.
func (c *Tiered[T]) Invalidate(ctx context.Context, prefix string) (int, error) {
	c.mu.Lock()
	removed := 0
	for path := range c.entries {
		if strings.HasPrefix(path, prefix) {
			delete(c.entries, path)
			removed++
		}
	}
	c.mu.Unlock()

	if c.store == nil {
		return removed, nil
	}
	c.Flush()
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()
	n, err := c.store.DeletePrefix(opCtx, c.namespace+prefix)
	if err != nil {
		return removed, fmt.Errorf("failed to invalidate persistent tier: %w", err)
	}
	return removed + n, nil
}

// Len returns the number of memory-tier entries.
func (c *Tiered[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Ping checks the persistent tier.
func (c *Tiered[T]) Ping(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()
	return c.store.Ping(opCtx)
}

// Flush blocks until every queued persistent write has been attempted.
func (c *Tiered[T]) Flush() {
	c.writeMu.RLock()
	if c.closed || c.writes == nil {
		c.writeMu.RUnlock()
		return
	}
	done := make(chan struct{})
	c.writes <- writeReq{flush: done}
	c.writeMu.RUnlock()
	<-done
}

// Close drains pending writes and stops background goroutines. The store
// itself is owned by the caller.
func (c *Tiered[T]) Close() {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return
	}
	c.closed = true
	if c.writes != nil {
		close(c.writes)
	}
	close(c.done)
	c.writeMu.Unlock()
	c.wg.Wait()
}

func (c *Tiered[T]) retained(e *memEntry[T], now time.Time) bool {
	if c.cfg.StaleRetention <= 0 {
		return true
	}
	return !now.After(e.freshUntil.Add(c.cfg.StaleRetention))
}

func (c *Tiered[T]) putMemory(path string, value T, fetchedAt, freshUntil, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[path]; !exists && c.cfg.MaxEntries > 0 && len(c.entries) >= c.cfg.MaxEntries {
		c.evictLocked()
	}
	c.entries[path] = &memEntry[T]{
		value:      value,
		fetchedAt:  fetchedAt,
		freshUntil: freshUntil,
		lastAccess: now,
	}
}

// evictLocked drops the least recently used entry.
func (c *Tiered[T]) evictLocked() {
	var (
		victim string
		oldest time.Time
	)
	for path, e := range c.entries {
		if victim == "" || e.lastAccess.Before(oldest) {
			victim, oldest = path, e.lastAccess
		}
	}
	delete(c.entries, victim)
}

func (c *Tiered[T]) readPersistent(ctx context.Context, path string) (*storage.Record, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()
	return c.store.Get(opCtx, c.namespace+path)
}

func (c *Tiered[T]) enqueue(ctx context.Context, rec *storage.Record) {
	c.writeMu.RLock()
	defer c.writeMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.writes <- writeReq{rec: rec}:
	default:
		c.logger.Warn("Persistent cache write queue full, dropping write", "key", rec.Key)
		c.drop(ctx, "queue")
	}
}

func (c *Tiered[T]) writer() {
	defer c.wg.Done()
	for req := range c.writes {
		if req.flush != nil {
			close(req.flush)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OperationTimeout)
		if err := c.store.Put(ctx, req.rec); err != nil {
			c.logger.Warn("Persistent cache write failed", "key", req.rec.Key, "error", err)
			c.drop(ctx, "error")
		}
		cancel()
	}
}

func (c *Tiered[T]) cleanup() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep evicts memory entries past their stale retention and purges expired
// persistent records.
func (c *Tiered[T]) sweep() {
	now := c.now()
	c.mu.Lock()
	evicted := 0
	for path, e := range c.entries {
		if !c.retained(e, now) {
			delete(c.entries, path)
			evicted++
		}
	}
	c.mu.Unlock()

	purged := 0
	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OperationTimeout)
		n, err := c.store.PurgeExpired(ctx, now)
		cancel()
		if err != nil {
			c.logger.Warn("Persistent cache purge failed", "error", err)
		}
		purged = n
	}
	if evicted > 0 || purged > 0 {
		c.logger.Debug("Cache sweep", "evicted", evicted, "purged", purged)
	}
}

func (c *Tiered[T]) count(ctx context.Context, tier string) {
	c.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

func (c *Tiered[T]) drop(ctx context.Context, reason string) {
	c.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
