package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, max int, window time.Duration) (*Limiter, *fakeClock) {
	t.Helper()
	l := New(max, window)
	t.Cleanup(l.Stop)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l.now = clock.now
	return l, clock
}

func TestAllow(t *testing.T) {
	l, _ := newTestLimiter(t, 5, time.Minute)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("192.168.1.1"), "request %d should be allowed", i+1)
	}
	assert.False(t, l.Allow("192.168.1.1"))
}

func TestAllowPerKey(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("a"))
		assert.True(t, l.Allow("b"))
	}
	assert.False(t, l.Allow("a"))
	assert.False(t, l.Allow("b"))
}

func TestSlidingWindow(t *testing.T) {
	l, clock := newTestLimiter(t, 2, time.Minute)

	require.True(t, l.Allow("k"))
	clock.advance(30 * time.Second)
	require.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
	assert.Equal(t, 30*time.Second, l.RetryAfter("k"))

	clock.advance(30 * time.Second)
	assert.Zero(t, l.RetryAfter("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestCleanup(t *testing.T) {
	l, clock := newTestLimiter(t, 1, time.Minute)
	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 2, l.Keys())

	clock.advance(2 * time.Minute)
	l.cleanup()
	assert.Zero(t, l.Keys())
}

func TestWait(t *testing.T) {
	l := New(1, 30*time.Millisecond)
	defer l.Stop()

	require.NoError(t, l.Wait(context.Background(), "k"))
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "k"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx, "k"), context.Canceled)
}
