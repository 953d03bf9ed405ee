package proximity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximity/internal/models"
	"proximity/internal/ratelimit"
)

var charger = models.NewAnchor("C1", models.KindCharger)

func TestFetchNearby_FreshSettledHitSkipsBackend(t *testing.T) {
	h := newJobHarness(t, newFakeBackend())
	h.seed(completedJob(charger, "P1"), time.Minute)

	out := h.client.FetchNearby(context.Background(), charger, 0)

	assert.Equal(t, models.SourceMemory, out.Source)
	assert.False(t, out.Stale)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "P1", out.Items[0].ID)
	assert.Zero(t, h.backend.Calls("status"))
	assert.Zero(t, h.backend.Calls("submit"))
}

func TestFetchNearby_ReadyStatusShortCircuitsSubmission(t *testing.T) {
	fb := newFakeBackend()
	fb.status = func(a models.Anchor, _ int) (*models.Job, error) {
		return completedJob(a, "P1", "P2"), nil
	}
	h := newJobHarness(t, fb)

	out := h.client.FetchNearby(context.Background(), charger, 0)
	assert.Equal(t, models.SourceBackend, out.Source)
	assert.Len(t, out.Items, 2)
	assert.Equal(t, charger, out.Anchor)
	assert.Equal(t, 1, fb.Calls("status"))
	assert.Zero(t, fb.Calls("token"))
	assert.Zero(t, fb.Calls("submit"))

	again := h.client.FetchNearby(context.Background(), charger, 0)
	assert.Equal(t, models.SourceMemory, again.Source)
	assert.Equal(t, 1, fb.Calls("status"))
}

func TestFetchNearby_EmptyStatusSubmits(t *testing.T) {
	fb := newFakeBackend()
	h := newJobHarness(t, fb)

	out := h.client.FetchNearby(context.Background(), charger, 0)

	assert.Equal(t, 1, fb.Calls("status"))
	assert.Equal(t, 1, fb.Calls("token"))
	assert.Equal(t, 1, fb.Calls("submit"))
	assert.Equal(t, models.JobCompleted, out.Status)
	assert.Equal(t, models.StateReady, out.State())
}

func TestFetchNearby_CompletedWithoutItemsStillSubmits(t *testing.T) {
	fb := newFakeBackend()
	fb.status = func(a models.Anchor, _ int) (*models.Job, error) {
		return completedJob(a), nil
	}
	h := newJobHarness(t, fb)

	h.client.FetchNearby(context.Background(), charger, 0)
	assert.Equal(t, 1, fb.Calls("submit"))
}

func TestFetchNearby_RunningCacheEntryIsNotFresh(t *testing.T) {
	fb := newFakeBackend()
	h := newJobHarness(t, fb)
	h.seed(processingJob(charger, "P1"), 0)

	out := h.client.FetchNearby(context.Background(), charger, 0)

	assert.Equal(t, 1, fb.Calls("status"))
	assert.Equal(t, models.SourceBackend, out.Source)
	assert.False(t, out.Partial)
}

func TestFetchNearby_RateLimitedFallsBackToStaleCache(t *testing.T) {
	fb := newFakeBackend()
	fb.submit = func(models.Anchor, int) (*models.Job, error) {
		return nil, rateLimited(5 * time.Second)
	}
	h := newJobHarness(t, fb)
	h.seed(completedJob(charger, "P1"), 10*time.Minute)

	out := h.client.FetchNearby(context.Background(), charger, 0)

	assert.Equal(t, models.ErrorKindNone, out.ErrorKind)
	assert.True(t, out.Stale)
	assert.Equal(t, models.SourceMemory, out.Source)
	assert.Len(t, out.Items, 1)
	assert.True(t, out.RateLimit.Active)
	assert.Equal(t, 5, out.RateLimit.RetryAfterSeconds)
	assert.Equal(t, models.SeveritySlowDown, out.RateLimit.Severity)

	// While throttled nothing reaches the backend.
	h.clock.Advance(3 * time.Second)
	h.client.FetchNearby(context.Background(), charger, 0)
	assert.Equal(t, 1, fb.Calls("submit"))
	assert.Equal(t, 1, fb.Calls("status"))

	// Once the window passes, calls resume.
	h.clock.Advance(3 * time.Second)
	h.client.FetchNearby(context.Background(), charger, 0)
	assert.Equal(t, 2, fb.Calls("submit"))
}

func TestFetchNearby_RateLimitedColdMiss(t *testing.T) {
	fb := newFakeBackend()
	fb.token = func(models.Anchor, int) (string, error) {
		return "", rateLimited(0)
	}
	h := newJobHarness(t, fb)

	out := h.client.FetchNearby(context.Background(), charger, 0)

	assert.Equal(t, models.ErrorKindRateLimited, out.ErrorKind)
	assert.Equal(t, models.StateRateLimited, out.State())
	assert.Empty(t, out.Items)
	assert.Equal(t, models.SourceNone, out.Source)
	assert.Equal(t, 2, out.RateLimit.RetryAfterSeconds)
	assert.True(t, h.governor.IsThrottled())
}

func TestFetchNearby_ThrottleDuringStatusBlocksSubmission(t *testing.T) {
	fb := newFakeBackend()
	var h *jobHarness
	fb.status = func(a models.Anchor, _ int) (*models.Job, error) {
		// a sibling anchor gets throttled while this status call is in flight
		h.governor.RecordThrottle(5*time.Second, models.SeveritySlowDown)
		return &models.Job{Anchor: a, Items: []models.ProximityItem{}}, nil
	}
	h = newJobHarness(t, fb)

	out := h.client.FetchNearby(context.Background(), charger, 0)

	assert.Equal(t, models.ErrorKindRateLimited, out.ErrorKind)
	assert.Zero(t, fb.Calls("token"))
	assert.Zero(t, fb.Calls("submit"))
	assert.True(t, h.governor.IsThrottled(), "the status success predates the throttle")
}

func TestFetchNearby_EmptyPacerBucketServesCache(t *testing.T) {
	fb := newFakeBackend()
	h := newJobHarness(t, fb)
	pacer := ratelimit.NewMemoryPacer(1, 1, time.Minute)
	t.Cleanup(pacer.Close)
	h.client.pacer = pacer

	c2 := models.NewAnchor("C2", models.KindCharger)
	h.seed(completedJob(charger, "P1"), 0)
	h.seed(completedJob(c2, "P2"), 10*time.Minute)

	first := h.client.FetchNearby(context.Background(), charger, 0)
	assert.Equal(t, models.SourceBackend, first.Source)
	assert.Equal(t, 1, fb.Calls("submit"))

	// the charger bucket is empty now; C2 keeps its stale data
	second := h.client.FetchNearby(context.Background(), c2, 0)
	assert.Equal(t, models.ErrorKindNone, second.ErrorKind)
	assert.True(t, second.Stale)
	require.Len(t, second.Items, 1)
	assert.Equal(t, "P2", second.Items[0].ID)
	assert.Equal(t, 1, fb.Calls("submit"))
	assert.Zero(t, fb.Calls("token:"+c2.Key()))
}

func TestFetchNearby_UnauthorizedServesCacheForSession(t *testing.T) {
	fb := newFakeBackend()
	fb.submit = func(models.Anchor, int) (*models.Job, error) {
		return nil, unauthorized()
	}
	h := newJobHarness(t, fb)

	out := h.client.FetchNearby(context.Background(), charger, 0)
	assert.Equal(t, models.ErrorKindUnauthorized, out.ErrorKind)
	assert.True(t, h.client.Unauthorized())

	other := models.NewAnchor("P9", models.KindPOI)
	h.seed(completedJob(other, "C7"), 10*time.Minute)
	out = h.client.FetchNearby(context.Background(), other, 0)

	assert.Equal(t, 1, fb.Calls("status"))
	assert.Equal(t, 1, fb.Calls("submit"))
	assert.Len(t, out.Items, 1)
	assert.Equal(t, models.StateReady, out.State())
}

func TestFetchNearby_NetworkFailure(t *testing.T) {
	fb := newFakeBackend()
	fb.status = func(models.Anchor, int) (*models.Job, error) {
		return nil, networkFailure()
	}
	h := newJobHarness(t, fb)

	cold := h.client.FetchNearby(context.Background(), charger, 0)
	assert.Equal(t, models.ErrorKindNetwork, cold.ErrorKind)
	assert.Equal(t, models.StateError, cold.State())

	h.seed(completedJob(charger, "P1"), 10*time.Minute)
	warm := h.client.FetchNearby(context.Background(), charger, 0)
	assert.Equal(t, models.ErrorKindNone, warm.ErrorKind)
	assert.True(t, warm.Stale)
	assert.Len(t, warm.Items, 1)
	assert.False(t, h.governor.IsThrottled())
}

func TestFetchNearby_MalformedIsEmpty(t *testing.T) {
	fb := newFakeBackend()
	fb.status = func(models.Anchor, int) (*models.Job, error) {
		return nil, malformed()
	}
	h := newJobHarness(t, fb)

	out := h.client.FetchNearby(context.Background(), charger, 0)

	assert.Equal(t, models.ErrorKindMalformed, out.ErrorKind)
	assert.Empty(t, out.Items)
	assert.Zero(t, fb.Calls("submit"))
}

func TestFetchNearby_Cancelled(t *testing.T) {
	fb := newFakeBackend()
	h := newJobHarness(t, fb)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.client.FetchNearby(ctx, charger, 0)

	assert.Equal(t, models.ErrorKindCancelled, out.ErrorKind)
	assert.Zero(t, fb.Calls("status"))
}

func TestFetchNearby_InvalidAnchor(t *testing.T) {
	fb := newFakeBackend()
	h := newJobHarness(t, fb)

	out := h.client.FetchNearby(context.Background(), models.Anchor{Kind: models.KindCharger}, 0)

	assert.Equal(t, models.ErrorKindMalformed, out.ErrorKind)
	assert.Zero(t, fb.Calls("status"))
}

func TestFetchNearbySettled_PollsUntilComplete(t *testing.T) {
	fb := newFakeBackend()
	fb.submit = func(a models.Anchor, call int) (*models.Job, error) {
		if call < 3 {
			return processingJob(a, "P1"), nil
		}
		return completedJob(a, "P1", "P2"), nil
	}
	h := newJobHarness(t, fb)

	out := h.client.FetchNearbySettled(context.Background(), charger, 0)

	assert.Equal(t, models.JobCompleted, out.Status)
	assert.False(t, out.Partial)
	assert.Len(t, out.Items, 2)
	assert.Equal(t, 3, fb.Calls("submit"))
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.sleeps)
}

func TestFetchNearbySettled_GivesUpAfterMaxAttempts(t *testing.T) {
	fb := newFakeBackend()
	fb.submit = func(a models.Anchor, _ int) (*models.Job, error) {
		return processingJob(a, "P1"), nil
	}
	h := newJobHarness(t, fb)

	out := h.client.FetchNearbySettled(context.Background(), charger, 0)

	assert.True(t, out.Running())
	assert.Equal(t, 4, fb.Calls("submit"))
	assert.Len(t, h.sleeps, 3)
}

func TestFetchNearbySettled_StopsWhenThrottled(t *testing.T) {
	fb := newFakeBackend()
	fb.submit = func(models.Anchor, int) (*models.Job, error) {
		return nil, rateLimited(time.Minute)
	}
	h := newJobHarness(t, fb)

	out := h.client.FetchNearbySettled(context.Background(), charger, 0)

	assert.Equal(t, models.ErrorKindRateLimited, out.ErrorKind)
	assert.Equal(t, 1, fb.Calls("submit"))
	assert.Empty(t, h.sleeps)
}

func TestFetchNearbySettled_StopsWhenThrottledWithRunningCache(t *testing.T) {
	fb := newFakeBackend()
	fb.submit = func(models.Anchor, int) (*models.Job, error) {
		return nil, rateLimited(time.Minute)
	}
	h := newJobHarness(t, fb)
	h.seed(processingJob(charger, "P1"), time.Second)

	out := h.client.FetchNearbySettled(context.Background(), charger, 0)

	assert.Equal(t, models.ErrorKindNone, out.ErrorKind, "cached data hides the throttle")
	assert.True(t, out.RateLimit.Active)
	assert.Len(t, out.Items, 1)
	assert.Equal(t, 1, fb.Calls("submit"))
	assert.Empty(t, h.sleeps)
}

func TestFetchNearbySettled_RetriesIsolatedNetworkFailure(t *testing.T) {
	fb := newFakeBackend()
	fb.status = func(a models.Anchor, call int) (*models.Job, error) {
		if call == 1 {
			return nil, networkFailure()
		}
		return completedJob(a, "P1"), nil
	}
	h := newJobHarness(t, fb)

	out := h.client.FetchNearbySettled(context.Background(), charger, 0)

	assert.Equal(t, models.ErrorKindNone, out.ErrorKind)
	assert.Len(t, out.Items, 1)
	assert.Equal(t, 2, fb.Calls("status"))
}
