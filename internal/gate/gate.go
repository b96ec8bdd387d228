// Package gate turns a platform event that arrives on some other goroutine
// into a value a caller can block on.
//
// A Gate moves Idle -> Armed -> Signaled -> Idle. The caller arms it before
// kicking off the platform request, the event callback signals it, and the
// caller collects the result with Await. Signals that arrive while the gate
// is Idle are dropped.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrAlreadyArmed is returned by Arm while an operation is still pending.
	ErrAlreadyArmed = errors.New("gate: already armed")

	// ErrNotArmed is returned by Await when there is nothing to wait for.
	ErrNotArmed = errors.New("gate: not armed")

	// ErrTimeout is returned by Await when the deadline passes before a signal.
	ErrTimeout = errors.New("gate: timed out waiting for event")
)

// State is the lifecycle state of a Gate.
type State int

const (
	Idle State = iota
	Armed
	Signaled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Signaled:
		return "signaled"
	}
	return "unknown"
}

// Gate is a single-slot, re-armable completion. The zero value is Idle and
// ready to use. A Gate must not be copied after first use.
type Gate[T any] struct {
	mu     sync.Mutex
	state  State
	result T
	done   chan struct{}

	// abandoned is set when the last Await timed out. The gate stays Armed so
	// the late signal has somewhere to land, but a new Arm may take it over.
	abandoned bool
}

// Arm prepares the gate for one signal and clears any previous result.
func (g *Gate[T]) Arm() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != Idle && !g.abandoned {
		return ErrAlreadyArmed
	}
	var zero T
	g.result = zero
	g.state = Armed
	g.abandoned = false
	g.done = make(chan struct{})
	return nil
}

// Signal delivers v to the pending Await. It reports whether v was accepted;
// signals while Idle, after Signaled, or for an abandoned wait are dropped.
func (g *Gate[T]) Signal(v T) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != Armed {
		return false
	}
	if g.abandoned {
		g.state = Idle
		g.abandoned = false
		return false
	}
	g.result = v
	g.state = Signaled
	close(g.done)
	return true
}

// Await blocks until the gate is signaled, the timeout elapses, or ctx is
// done. A timeout of zero or less waits on ctx alone. On success the gate
// returns to Idle. On timeout it stays Armed.
func (g *Gate[T]) Await(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	g.mu.Lock()
	if g.state == Idle {
		g.mu.Unlock()
		return zero, ErrNotArmed
	}
	done := g.done
	g.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var waitErr error
	select {
	case <-done:
	case <-expired:
		waitErr = ErrTimeout
	case <-ctx.Done():
		waitErr = ctx.Err()
		if errors.Is(waitErr, context.DeadlineExceeded) {
			waitErr = ErrTimeout
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.done != done {
		// Re-armed underneath us by a newer operation.
		if waitErr != nil {
			return zero, waitErr
		}
		return zero, ErrNotArmed
	}
	switch g.state {
	case Signaled:
		// A signal that raced the deadline still wins.
		v := g.result
		g.result = zero
		g.state = Idle
		return v, nil
	case Armed:
		g.abandoned = true
		return zero, waitErr
	}
	return zero, ErrNotArmed
}

// State reports the current state.
func (g *Gate[T]) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Disarm returns an Armed gate to Idle without delivering anything. Use it
// when the request that would have produced the signal never started.
func (g *Gate[T]) Disarm() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != Armed {
		return
	}
	g.state = Idle
	g.abandoned = false
	close(g.done)
}
