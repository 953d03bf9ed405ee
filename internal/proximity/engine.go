package proximity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"proximity/internal/backend"
	"proximity/internal/cache"
	"proximity/internal/intent"
	"proximity/internal/isochrone"
	"proximity/internal/models"
	"proximity/internal/ratelimit"
	"proximity/internal/relation"
	"proximity/internal/storage"
)

// Deps wires an Engine. Store may be nil, which leaves only the memory tier.
type Deps struct {
	Backend backend.Client
	Store   storage.Store
	Config  *models.Config
	Logger  *slog.Logger

	// Now and Sleep replace the wall clock and poll delays in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine is the entry point of the discovery engine.
type Engine struct {
	cfg          *models.Config
	backend      backend.Client
	jobs         *JobClient
	orchestrator *Orchestrator
	jobCache     *cache.Tiered[*models.Job]
	aggregates   *cache.Tiered[models.AggregateOutcome]
	governor     *ratelimit.Governor
	pacer        ratelimit.Pacer
	intents      *intent.Tracker
	logger       *slog.Logger
	now          func() time.Time
}

func New(deps Deps) (*Engine, error) {
	if deps.Backend == nil {
		return nil, errors.New("backend client is required")
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = models.NewDefaultConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	cacheCfg := cache.ConfigFrom(cfg.Cache, logger.With("component", "cache"))
	cacheCfg.Now = now
	jobCache, err := cache.New(deps.Store, cacheCfg, (*models.Job).Clone)
	if err != nil {
		return nil, fmt.Errorf("failed to create job cache: %w", err)
	}
	aggregates, err := cache.New(deps.Store, cacheCfg, cloneAggregate)
	if err != nil {
		jobCache.Close()
		return nil, fmt.Errorf("failed to create aggregate cache: %w", err)
	}

	governor := ratelimit.NewGovernor(cfg.Engine.DefaultRetryAfter,
		ratelimit.WithClock(now),
		ratelimit.WithLogger(logger.With("component", "governor")))
	pacer := ratelimit.NewPacer(cfg.Engine.SubmitsPerMinute, cfg.Engine.SubmitBurst, 5*time.Minute)

	jobs := NewJobClient(deps.Backend, jobCache, governor, pacer, JobOptions{
		DefaultLimit: cfg.Backend.DefaultLimit,
		PollAttempts: cfg.Engine.PollAttempts,
		PollDelay:    cfg.Engine.PollDelay,
		Sleep:        deps.Sleep,
		Now:          now,
		Logger:       logger.With("component", "jobs"),
	})

	return &Engine{
		cfg:          cfg,
		backend:      deps.Backend,
		jobs:         jobs,
		orchestrator: NewOrchestrator(jobs, cfg.Backend.DefaultLimit, logger.With("component", "orchestrator")),
		jobCache:     jobCache,
		aggregates:   aggregates,
		governor:     governor,
		pacer:        pacer,
		intents:      intent.NewTracker(),
		logger:       logger,
		now:          now,
	}, nil
}

// Governor exposes the shared throttle state, for response headers.
func (e *Engine) Governor() *ratelimit.Governor {
	return e.governor
}

// RequestNearby starts a nearby query for anchor and supersedes any earlier
// one. It returns at once with whatever is cached (stale entries included),
// or a loading outcome on a cold miss. When more data is expected, fresh
// outcomes arrive on the channel until the job settles; the channel is closed
// when the query finishes or is superseded. A limit of zero uses the
// configured default.
func (e *Engine) RequestNearby(ctx context.Context, anchor models.Anchor, limit int) (models.Outcome, <-chan models.Outcome) {
	tok, ictx := e.intents.Begin(ctx, intent.ClassNearby)
	updates := make(chan models.Outcome, e.jobs.opts.PollAttempts+1)

	initial, hit := e.jobs.Cached(ictx, anchor)
	switch {
	case hit && !initial.Stale && settled(initial):
		e.intents.Finish(tok)
		close(updates)
		return initial, updates
	case e.jobs.Unauthorized() || e.governor.IsThrottled() || anchor.Validate() != nil:
		// No backend call can happen; the job client answers from cache.
		out := e.jobs.FetchNearby(ictx, anchor, limit)
		e.intents.Finish(tok)
		close(updates)
		return out, updates
	case !hit:
		initial = models.EmptyOutcome(anchor)
		initial.Status = models.JobPending
		initial.RateLimit = e.governor.State()
	}

	go func() {
		defer close(updates)
		defer e.intents.Finish(tok)
		e.jobs.poll(ictx, anchor, limit, func(o models.Outcome) {
			if !e.intents.Current(tok) {
				return
			}
			select {
			case updates <- o:
			case <-ictx.Done():
			}
		})
	}()
	return initial, updates
}

// FetchNearby resolves anchor synchronously, polling until the job settles.
func (e *Engine) FetchNearby(ctx context.Context, anchor models.Anchor, limit int) models.Outcome {
	return e.jobs.FetchNearbySettled(ctx, anchor, limit)
}

// RequestIsochrone returns anchor's outcome with its isochrone relabelled for
// speedKmh (the configured walking speed when zero). A request superseded by
// a newer one comes back cancelled and without data.
func (e *Engine) RequestIsochrone(ctx context.Context, anchor models.Anchor, speedKmh float64) models.Outcome {
	tok, ictx := e.intents.Begin(ctx, intent.ClassIsochrone)
	defer e.intents.Finish(tok)

	if speedKmh <= 0 {
		speedKmh = e.cfg.Engine.WalkingSpeedKmh
	}
	out := e.jobs.FetchNearbySettled(ictx, anchor, 0)
	if !e.intents.Current(tok) {
		discarded := models.EmptyOutcome(anchor)
		discarded.ErrorKind = models.ErrorKindCancelled
		return discarded
	}
	if out.Isochrone == nil {
		return out
	}
	iso, err := isochrone.Rescale(out.Isochrone, speedKmh)
	if err != nil {
		e.logger.Warn("Failed to rescale isochrone", "anchor", anchor.String(), "speed_kmh", speedKmh, "error", err)
		out.Isochrone = nil
		if out.ErrorKind == models.ErrorKindNone {
			out.ErrorKind = models.ErrorKindMalformed
		}
		return out
	}
	out.Isochrone = iso
	return out
}

// RequestAggregate fetches the seed dataset for filter, discovers everything
// near each seed and returns the relation-merged union. Results are cached
// by filter signature; a superseded request returns cancelled and caches
// nothing.
func (e *Engine) RequestAggregate(ctx context.Context, filter models.FilterFlags, concurrency int) models.AggregateOutcome {
	tok, ictx := e.intents.Begin(ctx, intent.ClassAggregate)
	defer e.intents.Finish(tok)

	if concurrency < 1 {
		concurrency = e.cfg.Engine.Concurrency
	}
	key := aggregateKey(filter)
	entry, hit := e.aggregates.Get(ictx, key)
	var cached *cache.Entry[models.AggregateOutcome]
	if hit {
		cached = &entry
		if !entry.Stale {
			return e.aggregateFromEntry(cached, models.ErrorKindNone)
		}
	}

	if e.jobs.Unauthorized() {
		return e.aggregateFallback(filter, cached, models.ErrorKindUnauthorized)
	}
	if e.governor.IsThrottled() {
		return e.aggregateFallback(filter, cached, models.ErrorKindRateLimited)
	}

	gen := e.governor.Generation()
	seeds, err := e.backend.Aggregate(ictx, filter)
	if err != nil {
		kind := backend.KindOf(err)
		if ictx.Err() != nil {
			kind = models.ErrorKindCancelled
		}
		if kind == models.ErrorKindRateLimited {
			retryAfter, severity, _ := backend.RateLimitOf(err)
			e.governor.RecordThrottle(retryAfter, severity)
		}
		e.logger.Info("Aggregate seed fetch failed", "filter", filter.Signature(), "error_kind", string(kind), "error", err)
		return e.aggregateFallback(filter, cached, kind)
	}
	e.governor.RecordSuccessSince(gen)

	anchors := make([]models.Anchor, 0, len(seeds))
	for _, seed := range seeds {
		if a, ok := seed.AsAnchor(); ok {
			anchors = append(anchors, a)
		}
	}
	discovered, report := e.orchestrator.ComputeAggregate(ictx, anchors, concurrency)

	if !e.intents.Current(tok) || ictx.Err() != nil {
		return e.aggregateFallback(filter, cached, models.ErrorKindCancelled)
	}

	result := models.AggregateOutcome{
		Filter:    filter,
		Items:     relation.Merge(seeds, discovered),
		Report:    report,
		Source:    models.SourceBackend,
		FetchedAt: e.now(),
	}
	if report.Cancelled == 0 {
		e.aggregates.Set(ictx, key, result, 0)
	}
	if len(result.Items) == 0 && report.RateLimited > 0 {
		result.ErrorKind = models.ErrorKindRateLimited
	}
	result.RateLimit = e.governor.State()
	return result
}

// InvalidateCache drops every cached payload whose key path starts with
// prefix, in both tiers. An empty prefix clears everything.
func (e *Engine) InvalidateCache(ctx context.Context, prefix string) (int, error) {
	jobs, errJobs := e.jobCache.Invalidate(ctx, prefix)
	aggs, errAggs := e.aggregates.Invalidate(ctx, prefix)
	return jobs + aggs, errors.Join(errJobs, errAggs)
}

// RateLimitStatus is the current throttle snapshot.
func (e *Engine) RateLimitStatus() models.RateLimitState {
	return e.governor.State()
}

// Ping checks the persistent tier.
func (e *Engine) Ping(ctx context.Context) error {
	return e.jobCache.Ping(ctx)
}

// Close cancels in-flight intents and flushes the caches. The store itself
// belongs to the caller.
func (e *Engine) Close() {
	for _, class := range []intent.Class{intent.ClassNearby, intent.ClassIsochrone, intent.ClassAggregate} {
		e.intents.Cancel(class)
	}
	e.jobCache.Close()
	e.aggregates.Close()
	e.pacer.Close()
}

func (e *Engine) aggregateFromEntry(entry *cache.Entry[models.AggregateOutcome], kind models.ErrorKind) models.AggregateOutcome {
	out := entry.Value
	out.Stale = entry.Stale
	out.Source = entry.Tier
	out.FetchedAt = entry.FetchedAt
	out.ErrorKind = kind
	out.RateLimit = e.governor.State()
	return out
}

func (e *Engine) aggregateFallback(filter models.FilterFlags, cached *cache.Entry[models.AggregateOutcome], kind models.ErrorKind) models.AggregateOutcome {
	if cached != nil {
		switch kind {
		case models.ErrorKindRateLimited, models.ErrorKindNetwork:
			kind = models.ErrorKindNone
		}
		return e.aggregateFromEntry(cached, kind)
	}
	return models.AggregateOutcome{
		Filter:    filter,
		Items:     []models.ProximityItem{},
		Source:    models.SourceNone,
		ErrorKind: kind,
		RateLimit: e.governor.State(),
	}
}

func aggregateKey(filter models.FilterFlags) cache.Key {
	return cache.Key{Scope: cache.ScopeAggregate, Filter: filter.Signature(), ID: "limit-" + strconv.Itoa(filter.Limit)}
}

func cloneAggregate(a models.AggregateOutcome) models.AggregateOutcome {
	a.Items = models.CloneItems(a.Items)
	return a
}

func settled(o models.Outcome) bool {
	return o.Status == models.JobFailed || (o.Status == models.JobCompleted && !o.Partial)
}
