package marketdata

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SimTransport is a deterministic-ish poll transport that walks each
// symbol's price randomly around its starting point. Used for local runs
// and demos where no brokerage credentials exist.
type SimTransport struct {
	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]decimal.Decimal
}

// NewSimTransport creates a SimTransport seeded for reproducible runs.
func NewSimTransport(seed int64) *SimTransport {
	return &SimTransport{
		rng:    rand.New(rand.NewSource(seed)),
		prices: make(map[string]decimal.Decimal),
	}
}

// Fetch returns a quote for every requested symbol.
func (st *SimTransport) Fetch(_ context.Context, symbols []string) (map[string]Quote, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	out := make(map[string]Quote, len(symbols))
	for _, sym := range symbols {
		price, ok := st.prices[sym]
		if !ok {
			// Seed each symbol off its name so runs are stable.
			base := 50 + len(sym)*7%100
			price = decimal.NewFromInt(int64(base))
		}
		// Walk by up to ±0.5.
		step := decimal.NewFromFloat((st.rng.Float64() - 0.5))
		price = price.Add(step)
		if price.LessThan(decimal.NewFromInt(1)) {
			price = decimal.NewFromInt(1)
		}
		st.prices[sym] = price

		spread := decimal.NewFromFloat(0.02)
		out[sym] = Quote{
			Symbol:    sym,
			Bid:       price.Sub(spread),
			Ask:       price.Add(spread),
			Last:      price,
			Volume:    int64(st.rng.Intn(10_000)),
			Timestamp: now,
		}
	}
	return out, nil
}
