package marketdata

import "sync"

// QuoteHandler receives the subset of a subscriber's symbols present in a
// poll result.
type QuoteHandler func(quotes map[string]Quote)

// ErrorHandler receives upstream fetch failures. Optional.
type ErrorHandler func(err error)

// subscription is one logical subscriber: its symbol set and callbacks.
type subscription struct {
	id      string
	symbols map[string]struct{}
	onData  QuoteHandler
	onError ErrorHandler
}

// Registry tracks which subscribers want which symbols. A symbol is
// "active" while at least one live subscription references it; the active
// set is maintained incrementally via per-symbol reference counts rather
// than recomputed on each change.
type Registry struct {
	mu       sync.RWMutex
	subs     map[string]*subscription
	refcount map[string]int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:     make(map[string]*subscription),
		refcount: make(map[string]int),
	}
}

// Subscribe adds symbols to the subscriber's set, creating the subscription
// on first use. Symbols the subscriber already holds are not double-counted.
// It returns the number of symbols that became newly active.
func (r *Registry) Subscribe(id string, symbols []string, onData QuoteHandler, onError ErrorHandler) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		sub = &subscription{
			id:      id,
			symbols: make(map[string]struct{}, len(symbols)),
			onData:  onData,
			onError: onError,
		}
		r.subs[id] = sub
	}

	activated := 0
	for _, sym := range symbols {
		if _, held := sub.symbols[sym]; held {
			continue
		}
		sub.symbols[sym] = struct{}{}
		r.refcount[sym]++
		if r.refcount[sym] == 1 {
			activated++
		}
	}
	return activated
}

// Extend adds symbols to an existing subscription, keeping its callbacks.
// It reports whether the subscription exists and how many symbols became
// newly active.
func (r *Registry) Extend(id string, symbols []string) (activated int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, found := r.subs[id]
	if !found {
		return 0, false
	}
	for _, sym := range symbols {
		if _, held := sub.symbols[sym]; held {
			continue
		}
		sub.symbols[sym] = struct{}{}
		r.refcount[sym]++
		if r.refcount[sym] == 1 {
			activated++
		}
	}
	return activated, true
}

// Unsubscribe removes the subscriber entirely, decrementing the reference
// count of every symbol it held. It returns the number of symbols that
// became inactive.
func (r *Registry) Unsubscribe(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return 0
	}
	delete(r.subs, id)

	deactivated := 0
	for sym := range sub.symbols {
		r.refcount[sym]--
		if r.refcount[sym] <= 0 {
			delete(r.refcount, sym)
			deactivated++
		}
	}
	return deactivated
}

// SymbolsOf returns a copy of the given subscriber's symbol set, nil when
// the subscription does not exist.
func (r *Registry) SymbolsOf(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(sub.symbols))
	for sym := range sub.symbols {
		out = append(out, sym)
	}
	return out
}

// ActiveSymbols returns the set of symbols with at least one subscriber.
func (r *Registry) ActiveSymbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.refcount))
	for sym := range r.refcount {
		out = append(out, sym)
	}
	return out
}

// SubscriberCount returns how many live subscriptions reference symbol.
func (r *Registry) SubscriberCount(symbol string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refcount[symbol]
}

// ActiveCount returns the size of the active-symbol set.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.refcount)
}

// Clear drops every subscription and reference count.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.subs = make(map[string]*subscription)
	r.refcount = make(map[string]int)
	r.mu.Unlock()
}

// fanoutTarget is a point-in-time copy of one subscription, detached from
// the registry so delivery can proceed without holding the lock.
type fanoutTarget struct {
	id      string
	symbols []string
	onData  QuoteHandler
	onError ErrorHandler
}

// snapshotSubs copies the live subscriptions so a poll cycle can fan out
// without holding the registry lock through callbacks. A subscriber removed
// after the snapshot simply receives one final delivery.
func (r *Registry) snapshotSubs() []fanoutTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]fanoutTarget, 0, len(r.subs))
	for _, sub := range r.subs {
		symbols := make([]string, 0, len(sub.symbols))
		for sym := range sub.symbols {
			symbols = append(symbols, sym)
		}
		out = append(out, fanoutTarget{
			id:      sub.id,
			symbols: symbols,
			onData:  sub.onData,
			onError: sub.onError,
		})
	}
	return out
}
