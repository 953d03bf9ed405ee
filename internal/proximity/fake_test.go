package proximity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proximity/internal/backend"
	"proximity/internal/cache"
	"proximity/internal/models"
	"proximity/internal/ratelimit"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeBackend scripts backend responses per operation. Call numbers passed
// to the hooks count calls of that operation for that anchor, starting at 1.
type fakeBackend struct {
	mu    sync.Mutex
	calls map[string]int

	status    func(a models.Anchor, call int) (*models.Job, error)
	token     func(a models.Anchor, call int) (string, error)
	submit    func(a models.Anchor, call int) (*models.Job, error)
	aggregate func(f models.FilterFlags) ([]models.ProximityItem, error)

	delay       time.Duration
	inflight    int
	maxInflight int
	lastLimit   int
}

var _ backend.Client = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: make(map[string]int)}
}

func (f *fakeBackend) enter(op string, a models.Anchor) int {
	f.mu.Lock()
	f.calls[op]++
	key := op + ":" + a.Key()
	f.calls[key]++
	n := f.calls[key]
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return n
}

func (f *fakeBackend) leave() {
	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
}

func (f *fakeBackend) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) LastLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastLimit
}

func (f *fakeBackend) MaxInflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}

func (f *fakeBackend) Status(ctx context.Context, a models.Anchor, limit int) (*models.Job, error) {
	n := f.enter("status", a)
	defer f.leave()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.status != nil {
		return f.status(a, n)
	}
	return &models.Job{Anchor: a, Items: []models.ProximityItem{}}, nil
}

func (f *fakeBackend) Token(ctx context.Context, a models.Anchor) (string, error) {
	n := f.enter("token", a)
	defer f.leave()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.token != nil {
		return f.token(a, n)
	}
	return fmt.Sprintf("tok-%s-%d", a.ID, n), nil
}

func (f *fakeBackend) Submit(ctx context.Context, a models.Anchor, token string, limit int) (*models.Job, error) {
	n := f.enter("submit", a)
	defer f.leave()
	f.mu.Lock()
	f.lastLimit = limit
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.submit != nil {
		return f.submit(a, n)
	}
	return completedJob(a, "near-"+a.ID), nil
}

func (f *fakeBackend) Aggregate(ctx context.Context, filter models.FilterFlags) ([]models.ProximityItem, error) {
	f.enter("aggregate", models.Anchor{})
	defer f.leave()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.aggregate != nil {
		return f.aggregate(filter)
	}
	return []models.ProximityItem{}, nil
}

func opposite(k models.Kind) models.Kind {
	if k == models.KindCharger {
		return models.KindPOI
	}
	return models.KindCharger
}

func item(id string, kind models.Kind, anchors ...string) models.ProximityItem {
	return models.ProximityItem{ID: id, Kind: kind, Title: id, NearAnchors: models.NewAnchorSet(anchors...)}
}

func completedJob(a models.Anchor, ids ...string) *models.Job {
	job := &models.Job{Anchor: a, Status: models.JobCompleted, Items: []models.ProximityItem{}}
	for _, id := range ids {
		job.Items = append(job.Items, item(id, opposite(a.Kind), a.ID))
	}
	return job
}

func processingJob(a models.Anchor, ids ...string) *models.Job {
	job := completedJob(a, ids...)
	job.Status = models.JobProcessing
	job.Partial = true
	return job
}

func rateLimited(retryAfter time.Duration) error {
	return &backend.Error{Kind: backend.ErrRateLimited, Op: "submit", StatusCode: 429, RetryAfter: retryAfter, Severity: models.SeveritySlowDown}
}

func unauthorized() error {
	return &backend.Error{Kind: backend.ErrUnauthorized, Op: "submit", StatusCode: 401}
}

func networkFailure() error {
	return &backend.Error{Kind: backend.ErrNetwork, Op: "status", Err: fmt.Errorf("connection refused")}
}

func malformed() error {
	return &backend.Error{Kind: backend.ErrMalformed, Op: "status", Err: fmt.Errorf("unexpected token")}
}

type jobHarness struct {
	client   *JobClient
	backend  *fakeBackend
	cache    *cache.Tiered[*models.Job]
	governor *ratelimit.Governor
	clock    *fakeClock
	sleeps   []time.Duration
}

func newJobHarness(t *testing.T, fb *fakeBackend) *jobHarness {
	t.Helper()
	h := &jobHarness{backend: fb, clock: newFakeClock()}

	jobs, err := cache.New(nil, cache.Config{MemoryTTL: 5 * time.Minute, Now: h.clock.Now}, (*models.Job).Clone)
	require.NoError(t, err)
	t.Cleanup(jobs.Close)
	h.cache = jobs

	h.governor = ratelimit.NewGovernor(2*time.Second, ratelimit.WithClock(h.clock.Now))
	h.client = NewJobClient(fb, jobs, h.governor, nil, JobOptions{
		DefaultLimit: 25,
		PollAttempts: 4,
		PollDelay:    2 * time.Second,
		Now:          h.clock.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			h.clock.Advance(d)
			return ctx.Err()
		},
	})
	return h
}

// seed caches job for its anchor and then lets age pass.
func (h *jobHarness) seed(job *models.Job, age time.Duration) {
	h.cache.Set(context.Background(), cache.NearbyKey(job.Anchor), job, 0)
	h.clock.Advance(age)
}
