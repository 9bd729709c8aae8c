package evegateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// errorBudgetDefault is the number of tolerated error responses per window
// when no header has been observed yet.
const errorBudgetDefault = 100

// ErrorLimiter tracks the upstream error budget reported through the
// X-ESI-Error-Limit-Remain / X-ESI-Error-Limit-Reset headers and gates
// outgoing requests. There is a single limiter per process; every category
// client shares it.
type ErrorLimiter struct {
	mu          sync.Mutex
	remain      int
	reset       time.Time
	pausedUntil time.Time

	// overridable in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewErrorLimiter() *ErrorLimiter {
	return &ErrorLimiter{
		remain: errorBudgetDefault,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Wait blocks until the rate-limit gate opens. The delay follows a
// progressive curve on the remaining error budget and honours any active
// pause (outage or budget exhaustion).
func (l *ErrorLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		paused := l.pausedUntil.After(l.now())
		d := l.delayLocked()
		l.mu.Unlock()

		if d <= 0 {
			return nil
		}

		if d > time.Second {
			slog.Warn("Upstream error budget low, delaying request", "delay", d.String())
		}
		if err := l.sleep(ctx, d); err != nil {
			return err
		}
		// A curve delay is paid once per request; only an active pause is
		// re-checked after sleeping.
		if !paused {
			return nil
		}
	}
}

// delayLocked computes the current gate delay. Callers hold l.mu.
func (l *ErrorLimiter) delayLocked() time.Duration {
	now := l.now()

	if l.pausedUntil.After(now) {
		return l.pausedUntil.Sub(now)
	}

	// A passed reset instant restores the full budget.
	if !l.reset.IsZero() && now.After(l.reset) {
		l.remain = errorBudgetDefault
		l.reset = time.Time{}
	}

	switch {
	case l.remain > 50:
		return 0
	case l.remain > 25:
		return 100 * time.Millisecond
	case l.remain > 10:
		return 500 * time.Millisecond
	case l.remain > 5:
		return time.Second
	case l.remain > 2:
		return 2 * time.Second
	case l.remain > 1:
		return 5 * time.Second
	default:
		if l.reset.After(now) {
			return l.reset.Sub(now)
		}
		return 0
	}
}

// UpdateFromHeaders replaces the tracked budget with the header values.
// The reset header carries seconds until the window resets. A budget of
// one or less pauses the gate until the reset instant.
func (l *ErrorLimiter) UpdateFromHeaders(headers http.Header) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if remainStr := headers.Get("X-ESI-Error-Limit-Remain"); remainStr != "" {
		if remain, err := strconv.Atoi(remainStr); err == nil {
			l.remain = remain
			if remain <= 10 {
				slog.Error("Upstream error budget nearly exhausted",
					"remain", remain,
					"reset", l.reset.Format(time.RFC3339))
			}
		}
	}

	if resetStr := headers.Get("X-ESI-Error-Limit-Reset"); resetStr != "" {
		if seconds, err := strconv.Atoi(resetStr); err == nil {
			l.reset = now.Add(time.Duration(seconds) * time.Second)
		}
	}

	if l.remain <= 1 && l.reset.After(now) {
		l.pausedUntil = l.reset
	}
}

// PauseFor suspends the gate for at least d from now. Used on 5xx outages.
func (l *ErrorLimiter) PauseFor(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	until := l.now().Add(d)
	if until.After(l.pausedUntil) {
		l.pausedUntil = until
	}
}

// Snapshot returns the current budget state for status reporting
func (l *ErrorLimiter) Snapshot() (remain int, reset time.Time, paused bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remain, l.reset, l.pausedUntil.After(l.now())
}
