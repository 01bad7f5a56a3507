package marketdata

import (
	"sort"
	"sync"
	"time"
)

// Book is the order book for one binary-outcome instrument: two ladders of
// resting bids, yes and no, keyed by price in cents. Only bids are
// transmitted; the ask for a side is synthesized from the opposite side's
// best bid so that price + complementary price = fullValueCents.
//
// Snapshots replace the whole book; deltas mutate one level and must be
// applied in receipt order. The transport guarantees in-order, gapless
// delivery per instrument; there is no sequence tracking here.
type Book struct {
	mu      sync.RWMutex
	yes     map[int]int // price (cents) → quantity
	no      map[int]int
	updated time.Time

	nowFunc func() time.Time
}

// NewBook creates an empty Book.
func NewBook() *Book {
	return &Book{
		yes:     make(map[int]int),
		no:      make(map[int]int),
		nowFunc: time.Now,
	}
}

// ApplySnapshot replaces both ladders. Levels with quantity <= 0 are
// dropped silently. This is a full replace, not a merge: any state from
// earlier deltas is discarded.
func (b *Book) ApplySnapshot(yes, no []PriceLevel) {
	newYes := make(map[int]int, len(yes))
	for _, lvl := range yes {
		if lvl.Quantity > 0 {
			newYes[lvl.Price] = lvl.Quantity
		}
	}
	newNo := make(map[int]int, len(no))
	for _, lvl := range no {
		if lvl.Quantity > 0 {
			newNo[lvl.Price] = lvl.Quantity
		}
	}

	b.mu.Lock()
	b.yes = newYes
	b.no = newNo
	b.updated = b.nowFunc()
	b.mu.Unlock()
}

// ApplyDelta adjusts the quantity at one price level. A level whose new
// quantity is <= 0 is removed; quantities never go negative in the ladder.
func (b *Book) ApplyDelta(side Side, price, delta int) {
	b.mu.Lock()
	ladder := b.ladder(side)
	newQty := ladder[price] + delta
	if newQty <= 0 {
		delete(ladder, price)
	} else {
		ladder[price] = newQty
	}
	b.updated = b.nowFunc()
	b.mu.Unlock()
}

// ladder returns the map for side. Caller holds b.mu.
func (b *Book) ladder(side Side) map[int]int {
	if side == SideNo {
		return b.no
	}
	return b.yes
}

// BestBid returns the highest resting bid on side, or (0, false) when the
// ladder is empty.
func (b *Book) BestBid(side Side) (price int, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestOf(b.ladder(side))
}

// BestAsk returns the synthesized ask for side: fullValueCents minus the
// opposite side's best bid. Returns (0, false) when the opposite ladder is
// empty.
func (b *Book) BestAsk(side Side) (price int, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	opp, ok := bestOf(b.ladder(side.Opposite()))
	if !ok {
		return 0, false
	}
	return fullValueCents - opp, true
}

// QuantityAt returns the resting quantity at price on side, zero if absent.
func (b *Book) QuantityAt(side Side, price int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ladder(side)[price]
}

// Depth returns the total resting quantity on side.
func (b *Book) Depth(side Side) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, qty := range b.ladder(side) {
		total += qty
	}
	return total
}

// LevelCount returns the number of populated price levels on side.
func (b *Book) LevelCount(side Side) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ladder(side))
}

// Levels returns side's ladder sorted by price descending (best bid first).
func (b *Book) Levels(side Side) []PriceLevel {
	b.mu.RLock()
	ladder := b.ladder(side)
	out := make([]PriceLevel, 0, len(ladder))
	for price, qty := range ladder {
		out = append(out, PriceLevel{Price: price, Quantity: qty})
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	return out
}

// LastUpdated returns when the book last changed, zero if never.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// bestOf scans a ladder for its highest price. Ladders hold at most
// fullValueCents entries, so a linear scan beats maintaining order.
func bestOf(ladder map[int]int) (int, bool) {
	if len(ladder) == 0 {
		return 0, false
	}
	best := 0
	for price := range ladder {
		if price > best {
			best = price
		}
	}
	return best, true
}
