package marketdata

import (
	"sync"
	"testing"
)

func TestBookApplySnapshot(t *testing.T) {
	b := NewBook()
	b.ApplySnapshot(
		[]PriceLevel{{Price: 55, Quantity: 100}, {Price: 54, Quantity: 50}},
		[]PriceLevel{{Price: 40, Quantity: 200}},
	)

	if bid, ok := b.BestBid(SideYes); !ok || bid != 55 {
		t.Fatalf("expected best yes bid 55, got %d (ok=%v)", bid, ok)
	}
	if bid, ok := b.BestBid(SideNo); !ok || bid != 40 {
		t.Fatalf("expected best no bid 40, got %d (ok=%v)", bid, ok)
	}
	if b.LevelCount(SideYes) != 2 {
		t.Fatalf("expected 2 yes levels, got %d", b.LevelCount(SideYes))
	}
	if b.Depth(SideYes) != 150 {
		t.Fatalf("expected yes depth 150, got %d", b.Depth(SideYes))
	}
}

func TestBookSnapshotDropsNonPositiveLevels(t *testing.T) {
	b := NewBook()
	b.ApplySnapshot(
		[]PriceLevel{{Price: 55, Quantity: 0}, {Price: 54, Quantity: -5}, {Price: 53, Quantity: 10}},
		nil,
	)

	if b.LevelCount(SideYes) != 1 {
		t.Fatalf("expected 1 yes level, got %d", b.LevelCount(SideYes))
	}
	if q := b.QuantityAt(SideYes, 55); q != 0 {
		t.Fatalf("zero-quantity level must be absent, got %d", q)
	}
	if q := b.QuantityAt(SideYes, 54); q != 0 {
		t.Fatalf("negative-quantity level must be absent, got %d", q)
	}
}

func TestBookSnapshotReplacesNotMerges(t *testing.T) {
	b := NewBook()
	b.ApplySnapshot([]PriceLevel{{Price: 55, Quantity: 100}}, nil)
	b.ApplySnapshot([]PriceLevel{{Price: 60, Quantity: 20}}, nil)

	if q := b.QuantityAt(SideYes, 55); q != 0 {
		t.Fatalf("old level 55 should be gone after re-snapshot, got qty %d", q)
	}
	if bid, _ := b.BestBid(SideYes); bid != 60 {
		t.Fatalf("expected best bid 60, got %d", bid)
	}
}

func TestBookDeltaRemovesEmptiedLevel(t *testing.T) {
	b := NewBook()
	b.ApplySnapshot(
		[]PriceLevel{{Price: 55, Quantity: 100}, {Price: 54, Quantity: 50}},
		nil,
	)

	b.ApplyDelta(SideYes, 55, -100)

	if q := b.QuantityAt(SideYes, 55); q != 0 {
		t.Fatalf("level 55 should be removed, got qty %d", q)
	}
	if bid, _ := b.BestBid(SideYes); bid != 54 {
		t.Fatalf("expected best bid to fall to 54, got %d", bid)
	}
}

func TestBookDeltaNeverStoresNegativeQuantity(t *testing.T) {
	b := NewBook()
	b.ApplySnapshot([]PriceLevel{{Price: 55, Quantity: 10}}, nil)

	b.ApplyDelta(SideYes, 55, -25)
	if q := b.QuantityAt(SideYes, 55); q != 0 {
		t.Fatalf("over-withdrawn level must be removed, got qty %d", q)
	}

	// A further negative delta on an absent level stays absent.
	b.ApplyDelta(SideYes, 55, -5)
	if q := b.QuantityAt(SideYes, 55); q != 0 {
		t.Fatalf("negative delta on absent level must not create it, got qty %d", q)
	}
}

func TestBookDeltaCreatesLevel(t *testing.T) {
	b := NewBook()
	b.ApplyDelta(SideNo, 42, 30)

	if q := b.QuantityAt(SideNo, 42); q != 30 {
		t.Fatalf("expected qty 30 at 42, got %d", q)
	}
	b.ApplyDelta(SideNo, 42, 15)
	if q := b.QuantityAt(SideNo, 42); q != 45 {
		t.Fatalf("expected qty 45 after second delta, got %d", q)
	}
}

func TestBookSynthesizedAsk(t *testing.T) {
	b := NewBook()
	b.ApplySnapshot(
		[]PriceLevel{{Price: 55, Quantity: 100}},
		[]PriceLevel{{Price: 40, Quantity: 50}},
	)

	// The ask for yes comes from the best no bid: 100 - 40 = 60.
	if ask, ok := b.BestAsk(SideYes); !ok || ask != 60 {
		t.Fatalf("expected yes ask 60, got %d (ok=%v)", ask, ok)
	}
	// And vice versa: 100 - 55 = 45.
	if ask, ok := b.BestAsk(SideNo); !ok || ask != 45 {
		t.Fatalf("expected no ask 45, got %d (ok=%v)", ask, ok)
	}
}

func TestBookBestAskAbsentWhenOppositeEmpty(t *testing.T) {
	b := NewBook()
	b.ApplySnapshot([]PriceLevel{{Price: 55, Quantity: 100}}, nil)

	if _, ok := b.BestAsk(SideYes); ok {
		t.Fatal("yes ask should be absent with an empty no ladder")
	}
}

func TestBookLevelsSortedDescending(t *testing.T) {
	b := NewBook()
	b.ApplySnapshot(
		[]PriceLevel{{Price: 50, Quantity: 1}, {Price: 55, Quantity: 2}, {Price: 52, Quantity: 3}},
		nil,
	)

	levels := b.Levels(SideYes)
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(levels))
	}
	for i := 1; i < len(levels); i++ {
		if levels[i].Price > levels[i-1].Price {
			t.Fatalf("levels not sorted descending: %v", levels)
		}
	}
	if levels[0].Price != 55 {
		t.Fatalf("expected best level first, got %d", levels[0].Price)
	}
}

func TestBookConcurrentDeltasAndReads(t *testing.T) {
	b := NewBook()
	b.ApplySnapshot([]PriceLevel{{Price: 50, Quantity: 1000}}, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			b.ApplyDelta(SideYes, 50, 1)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			b.BestBid(SideYes)
			b.Depth(SideYes)
		}
	}()
	wg.Wait()

	if q := b.QuantityAt(SideYes, 50); q != 1500 {
		t.Fatalf("expected qty 1500 after 500 unit deltas, got %d", q)
	}
}
