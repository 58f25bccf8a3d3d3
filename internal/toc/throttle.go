package toc

import (
	"context"
	"sync"
	"time"
)

// Throttle keeps outbound messages at least window apart. It holds a
// single timestamp; callers block in Do until the window has passed.
type Throttle struct {
	mu     sync.Mutex
	window time.Duration
	last   time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewThrottle returns a Throttle whose first send is not delayed.
func NewThrottle(window time.Duration) *Throttle {
	return &Throttle{
		window: window,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Remaining returns how long the next send would have to wait.
func (t *Throttle) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining()
}

func (t *Throttle) remaining() time.Duration {
	if t.last.IsZero() {
		return 0
	}
	return t.window - t.now().Sub(t.last)
}

// Wait blocks until the window since the last send has passed, without
// claiming the slot.
func (t *Throttle) Wait(ctx context.Context) (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wait(ctx)
}

func (t *Throttle) wait(ctx context.Context) (time.Duration, error) {
	remaining := t.remaining()
	if remaining <= 0 {
		return 0, nil
	}
	return remaining, t.sleep(ctx, remaining)
}

// Do waits for the window, runs send, and records the send time only if
// send succeeded. Concurrent callers are served one at a time.
func (t *Throttle) Do(ctx context.Context, send func() error) (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	waited, err := t.wait(ctx)
	if err != nil {
		return waited, err
	}
	if err := send(); err != nil {
		return waited, err
	}
	t.last = t.now()
	return waited, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
