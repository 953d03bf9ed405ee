package proximity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"proximity/internal/models"
	"proximity/internal/relation"
)

// DefaultConcurrency is the worker count used when none is configured.
const DefaultConcurrency = 4

// Orchestrator fans FetchNearby out over many anchors with a bounded worker
// pool and folds the results into one relation-merged item set.
type Orchestrator struct {
	jobs   Fetcher
	limit  int
	logger *slog.Logger
}

func NewOrchestrator(jobs Fetcher, limit int, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{jobs: jobs, limit: limit, logger: logger}
}

// ComputeAggregate fetches every anchor with at most concurrency requests in
// flight. Chargers are processed first. The POI pass then covers the POI
// anchors given plus every POI the charger pass discovered, so an item
// reachable from both passes ends up as one merged entry. A failed or
// cancelled anchor is counted and skipped; it never stops its siblings.
// Cancelling ctx makes the remaining anchors count as cancelled.
func (o *Orchestrator) ComputeAggregate(ctx context.Context, anchors []models.Anchor, concurrency int) ([]models.ProximityItem, models.AggregateReport) {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	merger := relation.NewMerger()
	tally := &tally{}

	chargers, pois := models.PartitionAnchors(anchors)
	found := o.pass(ctx, chargers, concurrency, merger, tally)
	if ctx.Err() == nil {
		pois = withDiscovered(pois, found, models.KindPOI)
	}
	o.pass(ctx, pois, concurrency, merger, tally)

	report := tally.report()
	o.logger.Info("Aggregate computed",
		"anchors", report.Anchors,
		"items", merger.Len(),
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"stale", report.Stale,
		"rate_limited", report.RateLimited,
		"cancelled", report.Cancelled,
	)
	return merger.Items(), report
}

// pass fetches anchors into merger and returns every item the pass produced.
func (o *Orchestrator) pass(ctx context.Context, anchors []models.Anchor, concurrency int, merger *relation.Merger, t *tally) []models.ProximityItem {
	if len(anchors) == 0 {
		return nil
	}
	queue := make(chan models.Anchor, len(anchors))
	for _, a := range anchors {
		queue <- a
	}
	close(queue)

	var (
		mu    sync.Mutex
		found []models.ProximityItem
	)
	workers := min(concurrency, len(anchors))
	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			for anchor := range queue {
				if ctx.Err() != nil {
					t.add(models.Outcome{ErrorKind: models.ErrorKindCancelled})
					continue
				}
				out := o.fetch(ctx, anchor)
				t.add(out)
				merger.Add(out.Items)
				mu.Lock()
				found = append(found, out.Items...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return found
}

// withDiscovered appends the items of kind that are usable as anchors to
// anchors, dropping duplicates. Given anchors keep their order and come first.
func withDiscovered(anchors []models.Anchor, items []models.ProximityItem, kind models.Kind) []models.Anchor {
	combined := append([]models.Anchor(nil), anchors...)
	for _, it := range items {
		if it.Kind != kind {
			continue
		}
		if a, ok := it.AsAnchor(); ok {
			combined = append(combined, a)
		}
	}
	chargers, pois := models.PartitionAnchors(combined)
	if kind == models.KindCharger {
		return chargers
	}
	return pois
}

// fetch isolates a single anchor so that a panic in one fetch is logged and
// counted as a failure instead of taking down the pool.
func (o *Orchestrator) fetch(ctx context.Context, anchor models.Anchor) (out models.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Anchor fetch panicked", "anchor", anchor.String(), "panic", fmt.Sprint(r))
			out = models.EmptyOutcome(anchor)
			out.ErrorKind = models.ErrorKindMalformed
		}
	}()
	out = o.jobs.FetchNearby(ctx, anchor, o.limit)
	switch out.ErrorKind {
	case models.ErrorKindNone:
	case models.ErrorKindCancelled:
		o.logger.Debug("Anchor cancelled", "anchor", anchor.String())
	default:
		o.logger.Warn("Anchor degraded", "anchor", anchor.String(), "error_kind", string(out.ErrorKind))
	}
	return out
}

type tally struct {
	mu sync.Mutex
	r  models.AggregateReport
}

func (t *tally) add(out models.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.r.Anchors++
	if out.Stale {
		t.r.Stale++
	}
	switch out.ErrorKind {
	case models.ErrorKindNone:
		t.r.Succeeded++
	case models.ErrorKindRateLimited:
		t.r.RateLimited++
	case models.ErrorKindCancelled:
		t.r.Cancelled++
	default:
		t.r.Failed++
	}
}

func (t *tally) report() models.AggregateReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.r
}
