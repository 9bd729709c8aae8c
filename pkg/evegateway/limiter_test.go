package evegateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives a limiter without real sleeping. Sleeping advances the
// clock so pause loops terminate.
type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) install(l *ErrorLimiter) {
	l.now = func() time.Time { return c.now }
	l.sleep = func(_ context.Context, d time.Duration) error {
		c.slept = append(c.slept, d)
		c.now = c.now.Add(d)
		return nil
	}
}

func TestLimiterDelayCurve(t *testing.T) {
	cases := []struct {
		remain int
		want   time.Duration
	}{
		{100, 0},
		{51, 0},
		{50, 100 * time.Millisecond},
		{26, 100 * time.Millisecond},
		{25, 500 * time.Millisecond},
		{11, 500 * time.Millisecond},
		{10, time.Second},
		{6, time.Second},
		{5, 2 * time.Second},
		{3, 2 * time.Second},
		{2, 5 * time.Second},
	}

	for _, tc := range cases {
		l := NewErrorLimiter()
		clock := newFakeClock()
		clock.install(l)
		l.remain = tc.remain

		require.NoError(t, l.Wait(context.Background()))
		if tc.want == 0 {
			assert.Empty(t, clock.slept, "remain=%d", tc.remain)
		} else {
			require.Len(t, clock.slept, 1, "remain=%d", tc.remain)
			assert.Equal(t, tc.want, clock.slept[0], "remain=%d", tc.remain)
		}
	}
}

func TestLimiterExhaustedWaitsForReset(t *testing.T) {
	l := NewErrorLimiter()
	clock := newFakeClock()
	clock.install(l)

	l.remain = 1
	l.reset = clock.now.Add(30 * time.Second)

	require.NoError(t, l.Wait(context.Background()))
	require.Len(t, clock.slept, 1)
	assert.Equal(t, 30*time.Second, clock.slept[0])
}

func TestLimiterBudgetRestoredAfterReset(t *testing.T) {
	l := NewErrorLimiter()
	clock := newFakeClock()
	clock.install(l)

	l.remain = 4
	l.reset = clock.now.Add(10 * time.Second)

	clock.now = clock.now.Add(11 * time.Second)
	require.NoError(t, l.Wait(context.Background()))
	assert.Empty(t, clock.slept)

	remain, _, _ := l.Snapshot()
	assert.Equal(t, errorBudgetDefault, remain)
}

func TestLimiterUpdateFromHeaders(t *testing.T) {
	l := NewErrorLimiter()
	clock := newFakeClock()
	clock.install(l)

	h := http.Header{}
	h.Set("X-ESI-Error-Limit-Remain", "42")
	h.Set("X-ESI-Error-Limit-Reset", "25")
	l.UpdateFromHeaders(h)

	remain, reset, paused := l.Snapshot()
	assert.Equal(t, 42, remain)
	assert.Equal(t, clock.now.Add(25*time.Second), reset)
	assert.False(t, paused)
}

func TestLimiterIgnoresMalformedHeaders(t *testing.T) {
	l := NewErrorLimiter()
	clock := newFakeClock()
	clock.install(l)

	h := http.Header{}
	h.Set("X-ESI-Error-Limit-Remain", "banana")
	h.Set("X-ESI-Error-Limit-Reset", "soon")
	l.UpdateFromHeaders(h)

	remain, reset, _ := l.Snapshot()
	assert.Equal(t, errorBudgetDefault, remain)
	assert.True(t, reset.IsZero())
}

func TestLimiterPausesWhenBudgetExhausted(t *testing.T) {
	l := NewErrorLimiter()
	clock := newFakeClock()
	clock.install(l)

	h := http.Header{}
	h.Set("X-ESI-Error-Limit-Remain", "1")
	h.Set("X-ESI-Error-Limit-Reset", "40")
	l.UpdateFromHeaders(h)

	_, _, paused := l.Snapshot()
	assert.True(t, paused)

	require.NoError(t, l.Wait(context.Background()))
	require.NotEmpty(t, clock.slept)
	assert.Equal(t, 40*time.Second, clock.slept[0])
}

func TestLimiterPauseForKeepsLongestPause(t *testing.T) {
	l := NewErrorLimiter()
	clock := newFakeClock()
	clock.install(l)

	l.PauseFor(20 * time.Second)
	l.PauseFor(5 * time.Second)

	require.NoError(t, l.Wait(context.Background()))
	require.NotEmpty(t, clock.slept)
	assert.Equal(t, 20*time.Second, clock.slept[0])
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	l := NewErrorLimiter()
	l.remain = 2

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, l.Wait(ctx), context.Canceled)
}
