// Package marketdata implements the consolidation core: subscription
// tracking, poll fan-out, order book state, change notification, and
// best-quote persistence. Transports (REST pollers, WebSocket streams)
// plug in from the outside; UI and order execution live elsewhere.
package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies the upstream source of market data.
type Provider string

const (
	ProviderEtrade Provider = "etrade"
	ProviderKalshi Provider = "kalshi"
	ProviderSim    Provider = "sim"
)

// Side selects one half of a binary-outcome order book.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// fullValueCents is the settlement value of a binary contract. A resting
// yes bid at price p implies an offer of the no side at fullValueCents-p,
// which is how asks are synthesized when only bids are transmitted.
const fullValueCents = 100

// PriceLevel is one rung of a book ladder. Quantity is always positive
// while the level is present; levels reaching zero are removed.
type PriceLevel struct {
	Price    int // cents
	Quantity int
}

// Quote is a consolidated polled quote for a single symbol.
type Quote struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	Volume    int64
	Timestamp time.Time
}

// Instrument is static reference data for a tradable instrument, cached
// with a long TTL and allowed to go stale independently of the book.
type Instrument struct {
	Ticker    string
	Title     string
	EventKey  string
	CloseTime time.Time
}

// PollTransport fetches current data for a set of symbols in one upstream
// call. Fetch blocks for the duration of the network round trip and returns
// results keyed by symbol; symbols the upstream does not know are simply
// absent from the map.
type PollTransport interface {
	Fetch(ctx context.Context, symbols []string) (map[string]Quote, error)
}

// InstrumentFetcher loads static reference data for one instrument.
type InstrumentFetcher interface {
	FetchInstrument(ctx context.Context, ticker string) (Instrument, error)
}

// EventKind classifies bus notifications.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventUpdated      EventKind = "updated"
	EventError        EventKind = "error"
	EventDisconnected EventKind = "disconnected"
)

// Event is a state-change notification delivered synchronously to bus
// listeners on the goroutine that produced the change.
type Event struct {
	Kind       EventKind
	Provider   Provider
	Instrument string
	BestBid    int // cents, 0 when unknown
	BestAsk    int // cents, 0 when unknown
	Err        error
	Timestamp  time.Time
}
