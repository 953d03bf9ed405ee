package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPacer_ZeroRateIsUnlimited(t *testing.T) {
	p := NewPacer(0, 1, time.Minute)
	defer p.Close()

	_, ok := p.(Unlimited)
	assert.True(t, ok)
	for i := 0; i < 100; i++ {
		allowed, _ := p.Allow("backend")
		require.True(t, allowed)
	}
	assert.NoError(t, p.Wait(context.Background(), "backend"))
}

func TestMemoryPacer_Allow_ExceedsBurst(t *testing.T) {
	pacer := NewMemoryPacer(60, 3, 5*time.Minute)
	defer pacer.Close()

	for i := 0; i < 3; i++ {
		allowed, info := pacer.Allow("backend")
		assert.True(t, allowed, "submission %d should be allowed", i+1)
		assert.Equal(t, 60, info.Limit)
	}

	allowed, info := pacer.Allow("backend")
	assert.False(t, allowed)
	assert.True(t, info.RetryAfter > 0)
	assert.False(t, info.ResetAt.IsZero())
}

func TestMemoryPacer_KeysAreIndependent(t *testing.T) {
	pacer := NewMemoryPacer(60, 1, 5*time.Minute)
	defer pacer.Close()

	pacer.Allow("charger")
	denied, _ := pacer.Allow("charger")
	assert.False(t, denied)

	allowed, _ := pacer.Allow("poi")
	assert.True(t, allowed)
}

func TestMemoryPacer_WaitHonorsCancellation(t *testing.T) {
	pacer := NewMemoryPacer(1, 1, 5*time.Minute)
	defer pacer.Close()

	require.NoError(t, pacer.Wait(context.Background(), "backend"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, pacer.Wait(ctx, "backend"))
}

func TestMemoryPacer_ConcurrentAccess(t *testing.T) {
	pacer := NewMemoryPacer(1000, 100, 5*time.Minute)
	defer pacer.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("kind-%d", id%5)
			for j := 0; j < 20; j++ {
				pacer.Allow(key)
			}
		}(i)
	}
	wg.Wait()
}

func TestMemoryPacer_Close(t *testing.T) {
	pacer := NewMemoryPacer(60, 10, 100*time.Millisecond)
	pacer.Close()
	pacer.Close()
}

func TestMemoryPacer_Cleanup(t *testing.T) {
	pacer := NewMemoryPacer(60, 10, 50*time.Millisecond)
	defer pacer.Close()

	pacer.Allow("ephemeral")

	pacer.mu.Lock()
	_, exists := pacer.entries["ephemeral"]
	pacer.mu.Unlock()
	require.True(t, exists)

	time.Sleep(200 * time.Millisecond)

	pacer.mu.Lock()
	_, exists = pacer.entries["ephemeral"]
	pacer.mu.Unlock()
	assert.False(t, exists, "idle bucket should be evicted")
}
