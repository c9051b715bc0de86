// Package broker pairs publishers and long-polling subscribers by key.
//
// Each key holds at most one pending waiter. A publish releases that waiter
// with the payload; a cancel releases it empty-handed. Publishes for keys with
// no waiter are dropped.
package broker

import (
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/signing-broker/internal/loggingutil"
)

// ErrKeyBusy is returned by Claim when a waiter is already pending for the key.
var ErrKeyBusy = errors.New("broker: key already has a pending waiter")

// Observer receives broker lifecycle events. Implementations must not block.
type Observer interface {
	WaiterRegistered()
	WaiterReleased(outcome Outcome)
	WaiterEvicted()
	PublishDropped()
}

// WaiterInfo is the non-sensitive metadata exposed by Snapshot.
type WaiterInfo struct {
	ID    string    `json:"id"`
	Since time.Time `json:"since"`
}

// Broker owns the key to waiter table.
type Broker struct {
	mu      sync.Mutex
	waiters map[string]*Waiter

	logger   pslog.Logger
	observer Observer
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker logger.
func WithLogger(logger pslog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(b *Broker) {
		b.observer = o
	}
}

// New builds an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{waiters: map[string]*Waiter{}}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = loggingutil.WithSubsystem(loggingutil.EnsureLogger(b.logger), "broker")
	if b.observer == nil {
		b.observer = nopObserver{}
	}
	return b
}

// Register stores w under key. A waiter already pending for key is replaced
// and never released.
func (b *Broker) Register(key string, w *Waiter) {
	b.mu.Lock()
	prev := b.waiters[key]
	b.waiters[key] = w
	b.mu.Unlock()

	if prev == w {
		return
	}
	b.observer.WaiterRegistered()
	if prev != nil {
		b.observer.WaiterEvicted()
		b.logger.Warn("broker.register.evicted", "key", key, "evicted", prev.id, "waiter", w.id)
		return
	}
	b.logger.Debug("broker.register", "key", key, "waiter", w.id)
}

// Claim stores w under key only if no waiter is pending for it. Claiming a
// key w already holds is a no-op.
func (b *Broker) Claim(key string, w *Waiter) error {
	b.mu.Lock()
	if prev, ok := b.waiters[key]; ok {
		b.mu.Unlock()
		if prev == w {
			return nil
		}
		b.logger.Debug("broker.claim.busy", "key", key, "pending", prev.id)
		return ErrKeyBusy
	}
	b.waiters[key] = w
	b.mu.Unlock()

	b.observer.WaiterRegistered()
	b.logger.Debug("broker.claim", "key", key, "waiter", w.id)
	return nil
}

// Cancel removes the waiter for key and releases it as Cancelled. It is a
// no-op when no waiter is pending.
func (b *Broker) Cancel(key string) {
	b.mu.Lock()
	w, ok := b.waiters[key]
	if ok {
		delete(b.waiters, key)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if w.release(Cancelled, nil) {
		b.observer.WaiterReleased(Cancelled)
	}
	b.logger.Debug("broker.cancel", "key", key, "waiter", w.id)
}

// Withdraw retires w on behalf of its owner. The table entry for key is
// removed only while it still refers to w, so a waiter that was replaced
// cannot cancel its replacement. Reports whether w was still pending and
// Withdraw released it; false means a publish or cancel released it first and
// w.Result holds their outcome.
func (b *Broker) Withdraw(key string, w *Waiter) bool {
	b.mu.Lock()
	removed := b.waiters[key] == w
	if removed {
		delete(b.waiters, key)
	}
	b.mu.Unlock()

	released := w.release(Cancelled, nil)
	// A replaced waiter already left the table when it was evicted.
	if released && removed {
		b.observer.WaiterReleased(Cancelled)
	}
	b.logger.Debug("broker.withdraw", "key", key, "waiter", w.id, "removed", removed, "released", released)
	return released
}

// Publish releases the waiter for key with payload. Without a waiter the
// publish is dropped. Reports whether a waiter received the payload.
func (b *Broker) Publish(key string, payload []byte) bool {
	b.mu.Lock()
	w, ok := b.waiters[key]
	if ok {
		delete(b.waiters, key)
	}
	b.mu.Unlock()

	if !ok {
		b.observer.PublishDropped()
		b.logger.Debug("broker.publish.dropped", "key", key)
		return false
	}
	if !w.release(Fulfilled, payload) {
		return false
	}
	b.observer.WaiterReleased(Fulfilled)
	b.logger.Debug("broker.publish.delivered", "key", key, "waiter", w.id)
	return true
}

// Snapshot returns a copy of the pending waiters keyed by key.
func (b *Broker) Snapshot() map[string]WaiterInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]WaiterInfo, len(b.waiters))
	for key, w := range b.waiters {
		out[key] = WaiterInfo{ID: w.id, Since: w.since}
	}
	return out
}

// Len returns the number of pending waiters.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

type nopObserver struct{}

func (nopObserver) WaiterRegistered()      {}
func (nopObserver) WaiterReleased(Outcome) {}
func (nopObserver) WaiterEvicted()         {}
func (nopObserver) PublishDropped()        {}
