package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"proximity/internal/models"
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

func TestGovernor_ThrottleWindow(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(2*time.Second, WithClock(clock.Now))

	assert.False(t, g.IsThrottled())

	g.RecordThrottle(5*time.Second, models.SeverityWarmingUp)
	for _, step := range []time.Duration{0, time.Second, 3 * time.Second, time.Second} {
		clock.Advance(step)
		assert.True(t, g.IsThrottled(), "still inside the window")
	}

	state := g.State()
	assert.True(t, state.Active)
	assert.Equal(t, 0, state.RetryAfterSeconds)
	assert.Equal(t, models.SeverityWarmingUp, state.Severity)

	clock.Advance(time.Millisecond)
	assert.False(t, g.IsThrottled())
	assert.Equal(t, models.RateLimitState{}, g.State())
}

func TestGovernor_DefaultRetryAfterAndSeverity(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(0, WithClock(clock.Now))

	g.RecordThrottle(0, models.SeverityNone)

	state := g.State()
	assert.Equal(t, 2, state.RetryAfterSeconds)
	assert.Equal(t, models.SeveritySlowDown, state.Severity)
	assert.Equal(t, clock.Now().Add(DefaultRetryAfter), state.Until)
}

func TestGovernor_NeverShortensWindow(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(time.Second, WithClock(clock.Now))

	g.RecordThrottle(10*time.Second, models.SeveritySlowDown)
	g.RecordThrottle(time.Second, models.SeveritySlowDown)

	clock.Advance(5 * time.Second)
	assert.True(t, g.IsThrottled())
	assert.Equal(t, 5, g.State().RetryAfterSeconds)
}

func TestGovernor_RecordSuccessClears(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(time.Second, WithClock(clock.Now))

	g.RecordThrottle(time.Minute, models.SeveritySlowDown)
	g.RecordSuccess()

	assert.False(t, g.IsThrottled())
	assert.False(t, g.State().Active)
}

func TestGovernor_RecordSuccessSince(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(time.Second, WithClock(clock.Now))

	// a request issued before the throttle must not clear it
	before := g.Generation()
	g.RecordThrottle(5*time.Second, models.SeveritySlowDown)
	g.RecordSuccessSince(before)
	assert.True(t, g.IsThrottled())

	// a request issued after the throttle may
	after := g.Generation()
	assert.NotEqual(t, before, after)
	g.RecordSuccessSince(after)
	assert.False(t, g.IsThrottled())
}

func TestGovernor_ConcurrentAccess(t *testing.T) {
	g := NewGovernor(time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				g.RecordThrottle(time.Second, models.SeveritySlowDown)
			} else {
				g.RecordSuccess()
			}
			g.IsThrottled()
			g.State()
		}(i)
	}
	wg.Wait()
}
