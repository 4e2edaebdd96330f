// Package listenerbus holds the manager's registered event listeners.
// It uses snapshot-on-iterate semantics (spec §9 "Listener fan-out"):
// mutation builds a new immutable slice and swaps it in under the
// lock, so iteration during concurrent Add/Remove never needs to hold
// the lock and always sees a consistent view.
package listenerbus

import (
	"log/slog"
	"sync"

	"github.com/nugget/oslobridge/internal/event"
)

// Listener receives every dispatched event. Implementations must be
// safe for concurrent and re-entrant invocation: different events may
// be delivered from different broker goroutines at the same time.
type Listener interface {
	OnEvent(e event.OpenStackEvent)
}

// ListenerFunc adapts a plain function to the Listener interface.
type ListenerFunc func(e event.OpenStackEvent)

func (f ListenerFunc) OnEvent(e event.OpenStackEvent) { f(e) }

// Subscription identifies one registered listener for Remove. Listener
// implementations are frequently closures (ListenerFunc), which are not
// comparable, so Add hands back an opaque token rather than asking
// Remove to compare the listener value itself.
type Subscription uint64

type entry struct {
	id Subscription
	l  Listener
}

// Bus is an ordered, mutation-safe registry of listeners. The zero
// value is an empty Bus ready for use; New returns a pointer to one.
type Bus struct {
	mu        sync.Mutex
	nextID    Subscription
	listeners []entry
}

// New returns a ready-to-use, empty Bus.
func New() *Bus {
	return &Bus{}
}

// Add registers a listener, appended after any existing ones, and
// returns a token that Remove uses to unregister it later. Dispatch
// order for any one event follows registration order.
func (b *Bus) Add(l Listener) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	next := make([]entry, len(b.listeners)+1)
	copy(next, b.listeners)
	next[len(b.listeners)] = entry{id: id, l: l}
	b.listeners = next
	return id
}

// Remove unregisters the listener Add returned sub for. No-op if sub
// was never issued or already removed; safe to call concurrently with
// Dispatch.
func (b *Bus) Remove(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make([]entry, 0, len(b.listeners))
	for _, existing := range b.listeners {
		if existing.id != sub {
			next = append(next, existing)
		}
	}
	b.listeners = next
}

// Count returns the number of currently registered listeners.
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Dispatch delivers e to every listener in registration order. Each
// listener's panic is recovered and logged independently — one bad
// listener never prevents the others from receiving the event, and
// delivery is considered handled regardless (spec §7 ListenerError).
// onPanic, if non-nil, is called once per recovered panic so a caller
// can feed it into its own metrics without this package depending on
// any particular metrics interface.
func (b *Bus) Dispatch(e event.OpenStackEvent, log *slog.Logger, onPanic func(event.OpenStackEvent)) {
	b.mu.Lock()
	snapshot := b.listeners
	b.mu.Unlock()

	for _, existing := range snapshot {
		invoke(existing.l, e, log, onPanic)
	}
}

func invoke(l Listener, e event.OpenStackEvent, log *slog.Logger, onPanic func(event.OpenStackEvent)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("listener panicked", "cluster", e.ClusterID, "service", e.Service, "panic", r)
			if onPanic != nil {
				onPanic(e)
			}
		}
	}()
	l.OnEvent(e)
}
