package intent

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_BeginSupersedesPrevious(t *testing.T) {
	tr := NewTracker()

	first, firstCtx := tr.Begin(context.Background(), ClassIsochrone)
	assert.True(t, tr.Current(first))
	require.NoError(t, firstCtx.Err())

	second, secondCtx := tr.Begin(context.Background(), ClassIsochrone)

	assert.False(t, tr.Current(first))
	assert.True(t, tr.Current(second))
	assert.ErrorIs(t, firstCtx.Err(), context.Canceled)
	assert.NoError(t, secondCtx.Err())
	assert.Equal(t, uint64(2), tr.Epoch(ClassIsochrone))
}

func TestTracker_ClassesAreIndependent(t *testing.T) {
	tr := NewTracker()

	nearby, nearbyCtx := tr.Begin(context.Background(), ClassNearby)
	_, _ = tr.Begin(context.Background(), ClassIsochrone)

	assert.True(t, tr.Current(nearby))
	assert.NoError(t, nearbyCtx.Err())
	assert.Equal(t, uint64(0), tr.Epoch(ClassAggregate))
}

func TestTracker_FinishKeepsTokenCurrent(t *testing.T) {
	tr := NewTracker()

	tok, ctx := tr.Begin(context.Background(), ClassNearby)
	tr.Finish(tok)

	assert.True(t, tr.Current(tok))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	// finishing a stale token leaves the newer intent alone
	newer, newerCtx := tr.Begin(context.Background(), ClassNearby)
	tr.Finish(tok)
	assert.True(t, tr.Current(newer))
	assert.NoError(t, newerCtx.Err())
}

func TestTracker_Cancel(t *testing.T) {
	tr := NewTracker()

	tok, ctx := tr.Begin(context.Background(), ClassNearby)
	tr.Cancel(ClassNearby)

	assert.False(t, tr.Current(tok))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	tr.Cancel(ClassAggregate)
	assert.Equal(t, uint64(0), tr.Epoch(ClassAggregate))
}

func TestTracker_ConcurrentBegin(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Begin(context.Background(), ClassNearby)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(50), tr.Epoch(ClassNearby))
}
