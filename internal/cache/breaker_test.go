package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosarica/marketplace-service/internal/metrics"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker("test", cfg, zerolog.Nop(), nil)
	b.now = clock.now
	return b, clock
}

var errDown = errors.New("redis down")

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 3, ResetTimeout: time.Second, HalfOpenMaxCalls: 1})

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.Failure(errDown)
	}
	assert.Equal(t, BreakerClosed, b.State())

	b.Success()
	b.Failure(errDown)
	b.Failure(errDown)
	assert.Equal(t, BreakerClosed, b.State(), "success resets the failure count")

	b.Failure(errDown)
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 2})

	b.Failure(errDown)
	require.Equal(t, BreakerOpen, b.State())

	clock.advance(time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "probe limit reached")

	b.Success()
	assert.Equal(t, BreakerHalfOpen, b.State())
	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 2})

	b.Failure(errDown)
	clock.advance(time.Second)
	require.True(t, b.Allow())
	b.Failure(errDown)
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	b.Reset()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_Defaults(t *testing.T) {
	b := NewBreaker("defaults", BreakerConfig{}, zerolog.Nop(), nil)
	assert.Equal(t, DefaultBreakerConfig(), b.cfg)
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}

type fakeStore struct {
	entries       map[int64][]int64
	gen           int64
	failGet       bool
	failSet       bool
	failFlush     bool
	gets, flushes int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[int64][]int64{}}
}

func (f *fakeStore) GetDescendants(_ context.Context, id int64) ([]int64, bool, error) {
	f.gets++
	if f.failGet {
		return nil, false, errDown
	}
	ids, ok := f.entries[id]
	return ids, ok, nil
}

func (f *fakeStore) Generation(context.Context) (int64, error) {
	return f.gen, nil
}

func (f *fakeStore) SetDescendants(_ context.Context, gen, id int64, ids []int64) (bool, error) {
	if f.failSet {
		return false, errDown
	}
	if gen != f.gen {
		return false, nil
	}
	f.entries[id] = ids
	return true, nil
}

func (f *fakeStore) Invalidate(context.Context) error {
	f.flushes++
	if f.failFlush {
		return errDown
	}
	f.entries = map[int64][]int64{}
	f.gen++
	return nil
}

// setCurrent stores ids under the generation read through g
func setCurrent(t *testing.T, g *GuardedSubtree, id int64, ids []int64) {
	t.Helper()
	ctx := context.Background()
	gen, err := g.Generation(ctx)
	require.NoError(t, err)
	stored, err := g.SetDescendants(ctx, gen, id, ids)
	require.NoError(t, err)
	require.True(t, stored)
}

func TestGuardedSubtree_ReadErrorsBecomeMisses(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, HalfOpenMaxCalls: 1})
	g := NewGuardedSubtree(store, b)

	setCurrent(t, g, 1, []int64{2, 3})
	ids, ok, err := g.GetDescendants(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int64{2, 3}, ids)

	store.failGet = true
	for i := 0; i < 2; i++ {
		_, ok, err = g.GetDescendants(ctx, 1)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, BreakerOpen, b.State())

	store.failGet = false
	gets := store.gets
	_, ok, err = g.GetDescendants(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, gets, store.gets, "open circuit skips the store")

	_, err = g.Generation(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	stored, err := g.SetDescendants(ctx, store.gen, 4, []int64{5})
	require.NoError(t, err)
	assert.False(t, stored)
	assert.NotContains(t, store.entries, int64(4), "open circuit drops writes")
}

func TestGuardedSubtree_FailedInvalidateFlushesFirst(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 5, ResetTimeout: time.Minute, HalfOpenMaxCalls: 1})
	g := NewGuardedSubtree(store, b)

	setCurrent(t, g, 1, []int64{2})

	store.failFlush = true
	require.Error(t, g.Invalidate(ctx))
	assert.True(t, g.Pending())

	// the stale entry is never served while the flush is pending
	_, ok, err := g.GetDescendants(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = g.Generation(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	stored, err := g.SetDescendants(ctx, store.gen, 1, []int64{2, 9})
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Equal(t, []int64{2}, store.entries[1])

	store.failFlush = false
	_, ok, err = g.GetDescendants(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok, "stale entry flushed before the read")
	assert.False(t, g.Pending())
	assert.Equal(t, 3, store.flushes)
}

func TestGuardedSubtree_WriteFromOlderGenerationDropped(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	b, _ := newTestBreaker(DefaultBreakerConfig())
	g := NewGuardedSubtree(store, b)

	// a reader misses and loads the tree, then a mutation invalidates before
	// the reader writes its result back
	_, ok, err := g.GetDescendants(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)
	gen, err := g.Generation(ctx)
	require.NoError(t, err)

	require.NoError(t, g.Invalidate(ctx))

	stored, err := g.SetDescendants(ctx, gen, 1, []int64{2, 3})
	require.NoError(t, err)
	assert.False(t, stored)

	_, ok, err = g.GetDescendants(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok, "pre-invalidation subtree is not served")
}

func TestGuardedSubtree_InvalidateIgnoresOpenCircuit(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	b, _ := newTestBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMaxCalls: 1})
	g := NewGuardedSubtree(store, b)

	b.Failure(errDown)
	require.Equal(t, BreakerOpen, b.State())

	require.NoError(t, g.Invalidate(ctx))
	assert.Equal(t, 1, store.flushes)
}

func TestBreaker_WithRecorder(t *testing.T) {
	b := NewBreaker("breaker_test", BreakerConfig{MaxFailures: 1}, zerolog.Nop(), metrics.NewRecorder())
	b.Failure(errDown)
	assert.Equal(t, BreakerOpen, b.State())
	b.Reset()
	assert.Equal(t, BreakerClosed, b.State())
}
