package marketdata

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Listener receives bus events. Listeners run synchronously on the
// goroutine that published the event, so they must return quickly.
type Listener func(Event)

type registration struct {
	id int64
	fn Listener
}

// Bus is an in-process publish/subscribe hub for state-change events.
// Delivery is synchronous and in registration order. Each listener is
// invoked inside its own recover boundary: a panicking listener is logged
// and skipped, and never prevents delivery to the listeners after it.
//
// The listener list is copy-on-write, so listeners may be added or removed
// concurrently with an in-flight Publish.
type Bus struct {
	logger *slog.Logger
	nextID atomic.Int64

	mu        sync.Mutex // guards writes to listeners
	listeners atomic.Pointer[[]registration]
}

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	b := &Bus{logger: logger}
	empty := make([]registration, 0)
	b.listeners.Store(&empty)
	return b
}

// AddListener registers fn and returns a token for RemoveListener.
func (b *Bus) AddListener(fn Listener) int64 {
	id := b.nextID.Add(1)

	b.mu.Lock()
	old := *b.listeners.Load()
	next := make([]registration, len(old), len(old)+1)
	copy(next, old)
	next = append(next, registration{id: id, fn: fn})
	b.listeners.Store(&next)
	b.mu.Unlock()

	return id
}

// RemoveListener deregisters the listener identified by id. Removing an
// unknown id is a no-op.
func (b *Bus) RemoveListener(id int64) {
	b.mu.Lock()
	old := *b.listeners.Load()
	next := make([]registration, 0, len(old))
	for _, reg := range old {
		if reg.id != id {
			next = append(next, reg)
		}
	}
	b.listeners.Store(&next)
	b.mu.Unlock()
}

// Publish delivers ev to every registered listener, in registration order,
// on the calling goroutine.
func (b *Bus) Publish(ev Event) {
	for _, reg := range *b.listeners.Load() {
		b.deliver(reg, ev)
	}
}

func (b *Bus) deliver(reg registration, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus listener panicked",
				"listener", reg.id, "kind", ev.Kind, "panic", r)
		}
	}()
	reg.fn(ev)
}
