// Package proximity is the discovery engine: the job client that fetches one
// anchor's nearby items, the orchestrator that fans out over many anchors,
// and the Engine facade the rendering layer talks to.
//
// Nothing in this package returns raw errors to the rendering layer. Every
// failure is folded into a models.Outcome whose ErrorKind says what went
// wrong, next to whatever cached data could still be served.
package proximity

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"proximity/internal/backend"
	"proximity/internal/cache"
	"proximity/internal/models"
	"proximity/internal/ratelimit"
	"proximity/internal/retry"
)

// Fetcher fetches one anchor's proximity outcome.
type Fetcher interface {
	FetchNearby(ctx context.Context, anchor models.Anchor, limit int) models.Outcome
}

// JobOptions tunes a JobClient.
type JobOptions struct {
	DefaultLimit int
	CacheTTL     time.Duration // memory-tier TTL for job payloads; zero uses the cache default
	PollAttempts int
	PollDelay    time.Duration
	Sleep        func(ctx context.Context, d time.Duration) error
	Now          func() time.Time
	Logger       *slog.Logger
}

// JobClient resolves one anchor at a time: cache, then status query, then
// token plus submission. Calls for one anchor are strictly sequential.
type JobClient struct {
	backend  backend.Client
	cache    *cache.Tiered[*models.Job]
	governor *ratelimit.Governor
	pacer    ratelimit.Pacer
	opts     JobOptions
	logger   *slog.Logger
	outcomes metric.Int64Counter

	// unauthorized is set once the backend refuses this session's
	// submissions; from then on the client only serves cached data.
	unauthorized atomic.Bool
}

func NewJobClient(client backend.Client, jobs *cache.Tiered[*models.Job], governor *ratelimit.Governor, pacer ratelimit.Pacer, opts JobOptions) *JobClient {
	if pacer == nil {
		pacer = ratelimit.Unlimited{}
	}
	if opts.PollAttempts < 1 {
		opts.PollAttempts = 4
	}
	if opts.PollDelay < 0 {
		opts.PollDelay = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	outcomes, err := otel.Meter("proximity/jobs").Int64Counter("proximity.jobs.outcomes",
		metric.WithDescription("Job client outcomes by source and error kind"))
	if err != nil {
		logger.Warn("Failed to create job outcome counter", "error", err)
	}
	return &JobClient{
		backend:  client,
		cache:    jobs,
		governor: governor,
		pacer:    pacer,
		opts:     opts,
		logger:   logger,
		outcomes: outcomes,
	}
}

// Unauthorized reports whether the session lost its submission rights.
func (c *JobClient) Unauthorized() bool {
	return c.unauthorized.Load()
}

// Cached returns the cached outcome for anchor without touching the backend.
func (c *JobClient) Cached(ctx context.Context, anchor models.Anchor) (models.Outcome, bool) {
	entry, ok := c.cache.Get(ctx, cache.NearbyKey(anchor))
	if !ok {
		return models.Outcome{}, false
	}
	out := models.OutcomeFromJob(entry.Value, entry.Tier, entry.FetchedAt, entry.Stale)
	out.Anchor = anchor
	out.RateLimit = c.governor.State()
	return out, true
}

// FetchNearby returns the best available outcome for anchor:
//
//  1. a fresh, settled cache entry is returned as is;
//  2. while the backend throttles us (or refused this session), cached or
//     empty data is returned without any backend call;
//  3. a status query returning completed items is cached and returned;
//  4. otherwise a token is acquired and a submission made, once the pacer
//     allows it; cached data is served instead of queueing for the pacer.
//
// Whatever job steps 3 or 4 produce is cached under the anchor's key.
func (c *JobClient) FetchNearby(ctx context.Context, anchor models.Anchor, limit int) models.Outcome {
	out := c.fetch(ctx, anchor, limit)
	out.RateLimit = c.governor.State()
	c.record(ctx, out)
	return out
}

func (c *JobClient) fetch(ctx context.Context, anchor models.Anchor, limit int) models.Outcome {
	if limit <= 0 {
		limit = c.opts.DefaultLimit
	}
	logger := c.logger.With("anchor_id", anchor.ID, "anchor_kind", string(anchor.Kind))
	key := cache.NearbyKey(anchor)

	if err := anchor.Validate(); err != nil {
		logger.Warn("Rejecting invalid anchor", "error", err)
		out := models.EmptyOutcome(anchor)
		out.ErrorKind = models.ErrorKindMalformed
		return out
	}
	if ctx.Err() != nil {
		return c.fallback(anchor, nil, models.ErrorKindCancelled)
	}

	entry, hit := c.cache.Get(ctx, key)
	var cached *cache.Entry[*models.Job]
	if hit {
		cached = &entry
		if !entry.Stale && entry.Value.Settled() {
			return c.fromEntry(anchor, cached)
		}
	}

	if c.unauthorized.Load() {
		return c.fallback(anchor, cached, models.ErrorKindUnauthorized)
	}
	if c.governor.IsThrottled() {
		logger.Debug("Backend throttled, serving cached data")
		return c.fallback(anchor, cached, models.ErrorKindRateLimited)
	}

	gen := c.governor.Generation()
	job, err := c.backend.Status(ctx, anchor, limit)
	if err != nil {
		return c.handleError(ctx, logger, anchor, cached, "status", err)
	}
	c.governor.RecordSuccessSince(gen)
	if job.Ready() {
		return c.store(ctx, anchor, key, job)
	}

	if !c.paced(ctx, logger, anchor, cached) {
		if cached == nil || ctx.Err() != nil {
			return c.fallback(anchor, cached, models.ErrorKindCancelled)
		}
		return c.fromEntry(anchor, cached)
	}
	// A sibling may have been throttled while this anchor was in flight.
	if c.governor.IsThrottled() {
		logger.Debug("Backend throttled before submission, serving cached data")
		return c.fallback(anchor, cached, models.ErrorKindRateLimited)
	}
	gen = c.governor.Generation()
	token, err := c.backend.Token(ctx, anchor)
	if err != nil {
		return c.handleError(ctx, logger, anchor, cached, "token", err)
	}
	if c.governor.IsThrottled() {
		logger.Debug("Backend throttled before submission, serving cached data")
		return c.fallback(anchor, cached, models.ErrorKindRateLimited)
	}
	job, err = c.backend.Submit(ctx, anchor, token, limit)
	if err != nil {
		return c.handleError(ctx, logger, anchor, cached, "submit", err)
	}
	c.governor.RecordSuccessSince(gen)
	return c.store(ctx, anchor, key, job)
}

// paced takes a submission token from the pacer. With cached data to show it
// does not queue behind other submissions and reports false when the bucket
// is empty; without, it waits and reports false only when ctx ends first.
func (c *JobClient) paced(ctx context.Context, logger *slog.Logger, anchor models.Anchor, cached *cache.Entry[*models.Job]) bool {
	key := string(anchor.Kind)
	if cached == nil {
		return c.pacer.Wait(ctx, key) == nil
	}
	allowed, info := c.pacer.Allow(key)
	if !allowed {
		logger.Debug("Submission paced, serving cached data",
			"retry_after", info.RetryAfter.String(),
			"reset_at", info.ResetAt,
		)
	}
	return allowed
}

// FetchNearbySettled polls FetchNearby while the job is still running, or
// while an isolated network failure left nothing to show, for up to
// PollAttempts attempts PollDelay apart. It stops at once on a terminal
// state, throttling, or cancellation.
func (c *JobClient) FetchNearbySettled(ctx context.Context, anchor models.Anchor, limit int) models.Outcome {
	return c.poll(ctx, anchor, limit, nil)
}

// poll runs the settle policy, handing every intermediate outcome to observe.
func (c *JobClient) poll(ctx context.Context, anchor models.Anchor, limit int, observe func(models.Outcome)) models.Outcome {
	policy := retry.Policy[models.Outcome]{
		MaxAttempts: c.opts.PollAttempts,
		Delay:       c.opts.PollDelay,
		Continue:    keepPolling,
		Sleep:       c.opts.Sleep,
	}
	out, err := policy.Do(ctx, func(ctx context.Context, attempt int) (models.Outcome, error) {
		o := c.FetchNearby(ctx, anchor, limit)
		if observe != nil {
			observe(o)
		}
		return o, nil
	})
	if err != nil && out.ErrorKind == models.ErrorKindNone {
		out.ErrorKind = models.ErrorKindCancelled
	}
	return out
}

func keepPolling(o models.Outcome, _ error) bool {
	if o.RateLimit.Active {
		return false
	}
	switch o.ErrorKind {
	case models.ErrorKindNone:
		return o.Running()
	case models.ErrorKindNetwork:
		return true
	default:
		return false
	}
}

func (c *JobClient) handleError(ctx context.Context, logger *slog.Logger, anchor models.Anchor, cached *cache.Entry[*models.Job], op string, err error) models.Outcome {
	kind := backend.KindOf(err)
	if ctx.Err() != nil {
		kind = models.ErrorKindCancelled
	}
	switch kind {
	case models.ErrorKindUnauthorized:
		if !c.unauthorized.Swap(true) {
			logger.Warn("Backend refused submission, serving cached data for the rest of the session", "op", op)
		}
	case models.ErrorKindRateLimited:
		retryAfter, severity, _ := backend.RateLimitOf(err)
		c.governor.RecordThrottle(retryAfter, severity)
	case models.ErrorKindMalformed:
		logger.Warn("Malformed backend response, treating as empty", "op", op, "error", err)
	case models.ErrorKindNetwork:
		logger.Info("Backend call failed", "op", op, "error", err)
	case models.ErrorKindCancelled:
		logger.Debug("Backend call abandoned", "op", op)
	}
	return c.fallback(anchor, cached, kind)
}

// fallback serves cached data after a failed or suppressed call. Throttling
// and network failures only surface as an error kind when there is nothing
// cached to show.
func (c *JobClient) fallback(anchor models.Anchor, cached *cache.Entry[*models.Job], kind models.ErrorKind) models.Outcome {
	if cached == nil {
		out := models.EmptyOutcome(anchor)
		out.ErrorKind = kind
		return out
	}
	out := c.fromEntry(anchor, cached)
	switch kind {
	case models.ErrorKindRateLimited, models.ErrorKindNetwork:
	default:
		out.ErrorKind = kind
	}
	return out
}

func (c *JobClient) fromEntry(anchor models.Anchor, e *cache.Entry[*models.Job]) models.Outcome {
	out := models.OutcomeFromJob(e.Value, e.Tier, e.FetchedAt, e.Stale)
	out.Anchor = anchor
	return out
}

func (c *JobClient) store(ctx context.Context, anchor models.Anchor, key cache.Key, job *models.Job) models.Outcome {
	if job.Anchor.ID == "" {
		job.Anchor = anchor
	}
	c.cache.Set(ctx, key, job, c.opts.CacheTTL)
	out := models.OutcomeFromJob(job, models.SourceBackend, c.opts.Now(), false)
	out.Anchor = anchor
	return out
}

func (c *JobClient) record(ctx context.Context, out models.Outcome) {
	if c.outcomes == nil {
		return
	}
	kind := string(out.ErrorKind)
	if kind == "" {
		kind = "none"
	}
	c.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", string(out.Source)),
		attribute.String("error_kind", kind),
	))
}
