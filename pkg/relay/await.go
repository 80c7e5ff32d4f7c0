package relay

import (
	"context"
	"time"
)

// Clock is the time source of bounded waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Wait is a bounded wait policy.
type Wait struct {
	Poll    time.Duration
	Timeout time.Duration
}

var DefaultWait = Wait{Poll: 500 * time.Millisecond, Timeout: 5 * time.Second}

// Await blocks until cond holds or the wait times out.
// The condition is checked whenever the registry changes and on every poll tick.
// It returns false on timeout or when ctx is done.
func (r *Registry) Await(ctx context.Context, clock Clock, w Wait, cond func() bool) bool {
	deadline := clock.After(w.Timeout)
	for {
		changed := r.Changed()
		if cond() {
			return true
		}
		select {
		case <-changed:
		case <-clock.After(w.Poll):
		case <-deadline:
			return cond()
		case <-ctx.Done():
			return false
		}
	}
}
