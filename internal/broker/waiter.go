package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome describes how a waiter left the pending state.
type Outcome int

const (
	// Pending is reported by a waiter that has not been released yet.
	Pending Outcome = iota
	// Fulfilled means a publish delivered a payload.
	Fulfilled
	// Cancelled means the waiter was retired without a payload.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Fulfilled:
		return "fulfilled"
	case Cancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// Waiter is a single pending subscription. It is released at most once.
type Waiter struct {
	id    string
	since time.Time

	once    sync.Once
	done    chan struct{}
	outcome Outcome
	payload []byte
}

// NewWaiter returns a pending waiter with a fresh ID.
func NewWaiter() *Waiter {
	return &Waiter{
		id:    uuid.NewString(),
		since: time.Now().UTC(),
		done:  make(chan struct{}),
	}
}

// ID returns the waiter's identifier.
func (w *Waiter) ID() string { return w.id }

// Since returns when the waiter was created.
func (w *Waiter) Since() time.Time { return w.since }

// Done is closed once the waiter has been released.
func (w *Waiter) Done() <-chan struct{} { return w.done }

// Result reports the outcome and payload. Before release it returns Pending.
func (w *Waiter) Result() (Outcome, []byte) {
	select {
	case <-w.done:
		return w.outcome, w.payload
	default:
		return Pending, nil
	}
}

// Wait blocks until the waiter is released or ctx is done. A release that
// already happened wins over a cancelled context.
func (w *Waiter) Wait(ctx context.Context) (Outcome, []byte, error) {
	select {
	case <-w.done:
		return w.outcome, w.payload, nil
	default:
	}
	select {
	case <-w.done:
		return w.outcome, w.payload, nil
	case <-ctx.Done():
		return Pending, nil, ctx.Err()
	}
}

// release stores the result before closing done so readers that observe the
// closed channel also observe the result.
func (w *Waiter) release(outcome Outcome, payload []byte) bool {
	released := false
	w.once.Do(func() {
		w.outcome = outcome
		w.payload = payload
		close(w.done)
		released = true
	})
	return released
}
