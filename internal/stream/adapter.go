package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/marketmux/marketmux/internal/marketdata"
)

// command is the subscription command envelope sent to the exchange.
type command struct {
	ID     int           `json:"id"`
	Cmd    string        `json:"cmd"`
	Params commandParams `json:"params"`
}

type commandParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

// --- Raw wire types ---

type rawEnvelope struct {
	Type string `json:"type"`
}

type rawSnapshot struct {
	Type string `json:"type"`
	SID  int    `json:"sid"`
	Seq  int    `json:"seq"`
	Msg  struct {
		MarketTicker string   `json:"market_ticker"`
		Yes          [][2]int `json:"yes"`
		No           [][2]int `json:"no"`
	} `json:"msg"`
}

type rawDelta struct {
	Type string `json:"type"`
	SID  int    `json:"sid"`
	Seq  int    `json:"seq"`
	Msg  struct {
		MarketTicker string `json:"market_ticker"`
		Price        int    `json:"price"`
		Delta        int    `json:"delta"`
		Side         string `json:"side"`
		Ts           string `json:"ts"`
	} `json:"msg"`
}

type rawError struct {
	Type string `json:"type"`
	Msg  struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"msg"`
}

// Sender is the part of WSClient the adapter needs: enqueueing outbound
// commands. Narrowed to an interface so tests can capture sent frames.
type Sender interface {
	Send(data []byte)
}

// BookAdapter decodes orderbook_snapshot / orderbook_delta envelopes from a
// WebSocket stream and forwards them, in arrival order, to a BookSink. It
// keeps no book state of its own; the sink owns the ladders.
//
// BookAdapter implements marketdata.StreamTransport: Subscribe and
// Unsubscribe send the corresponding commands upstream.
type BookAdapter struct {
	sender Sender
	raw    <-chan []byte
	sink   marketdata.BookSink
	logger *slog.Logger

	cmdID atomic.Int64

	mu      sync.Mutex
	tickers map[string]struct{} // re-subscribe set for reconnects
}

// NewBookAdapter creates a BookAdapter reading from ws. It registers for
// the WSClient fan-out immediately so no messages are missed, and wires the
// connection state into the sink's connected/disconnected callbacks.
func NewBookAdapter(ws *WSClient, sink marketdata.BookSink, logger *slog.Logger) *BookAdapter {
	ba := &BookAdapter{
		sender:  ws,
		raw:     ws.Subscribe(),
		sink:    sink,
		logger:  logger,
		tickers: make(map[string]struct{}),
	}
	ws.OnStateChange(func(connected bool) {
		if connected {
			sink.OnConnected()
			ba.resubscribe()
		} else {
			sink.OnDisconnected(0, "connection lost")
		}
	})
	return ba
}

// Subscribe sends an orderbook_delta subscription for the given tickers and
// remembers them for replay after a reconnect.
func (ba *BookAdapter) Subscribe(tickers []string) error {
	if len(tickers) == 0 {
		return nil
	}
	ba.mu.Lock()
	for _, t := range tickers {
		ba.tickers[t] = struct{}{}
	}
	ba.mu.Unlock()

	return ba.sendCommand("subscribe", tickers)
}

// Unsubscribe stops delivery for the given tickers.
func (ba *BookAdapter) Unsubscribe(tickers []string) error {
	if len(tickers) == 0 {
		return nil
	}
	ba.mu.Lock()
	for _, t := range tickers {
		delete(ba.tickers, t)
	}
	ba.mu.Unlock()

	return ba.sendCommand("unsubscribe", tickers)
}

// resubscribe replays the current ticker set after a reconnect; the
// exchange answers with fresh snapshots that replace any stale book state.
func (ba *BookAdapter) resubscribe() {
	ba.mu.Lock()
	tickers := make([]string, 0, len(ba.tickers))
	for t := range ba.tickers {
		tickers = append(tickers, t)
	}
	ba.mu.Unlock()

	if len(tickers) == 0 {
		return
	}
	if err := ba.sendCommand("subscribe", tickers); err != nil {
		ba.logger.Warn("resubscribe failed", "err", err)
	}
}

func (ba *BookAdapter) sendCommand(cmd string, tickers []string) error {
	msg, err := json.Marshal(command{
		ID:  int(ba.cmdID.Add(1)),
		Cmd: cmd,
		Params: commandParams{
			Channels:      []string{"orderbook_delta"},
			MarketTickers: tickers,
		},
	})
	if err != nil {
		return fmt.Errorf("stream: marshal %s command: %w", cmd, err)
	}
	ba.sender.Send(msg)
	return nil
}

// Run consumes the raw message stream until ctx is cancelled or the stream
// closes. Messages are handled strictly in arrival order; the book
// invariants depend on it.
func (ba *BookAdapter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ba.raw:
			if !ok {
				return
			}
			ba.handleMessage(raw)
		}
	}
}

func (ba *BookAdapter) handleMessage(raw []byte) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		ba.logger.Warn("stream: invalid JSON", "err", err)
		return
	}

	switch env.Type {
	case "orderbook_snapshot":
		ba.handleSnapshot(raw)
	case "orderbook_delta":
		ba.handleDelta(raw)
	case "error":
		ba.handleError(raw)
	default:
		// Other message types ignored.
	}
}

func (ba *BookAdapter) handleSnapshot(raw []byte) {
	var snap rawSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		ba.logger.Warn("stream: bad snapshot", "err", err)
		ba.sink.OnError(fmt.Errorf("stream: parse snapshot: %w", err))
		return
	}
	ba.sink.OnSnapshot(snap.Msg.MarketTicker, toLevels(snap.Msg.Yes), toLevels(snap.Msg.No))
}

func (ba *BookAdapter) handleDelta(raw []byte) {
	var delta rawDelta
	if err := json.Unmarshal(raw, &delta); err != nil {
		ba.logger.Warn("stream: bad delta", "err", err)
		ba.sink.OnError(fmt.Errorf("stream: parse delta: %w", err))
		return
	}
	side := marketdata.SideYes
	if delta.Msg.Side == "no" {
		side = marketdata.SideNo
	}
	ba.sink.OnDelta(delta.Msg.MarketTicker, side, delta.Msg.Price, delta.Msg.Delta)
}

func (ba *BookAdapter) handleError(raw []byte) {
	var e rawError
	if err := json.Unmarshal(raw, &e); err != nil {
		ba.sink.OnError(fmt.Errorf("stream: exchange error: %s", raw))
		return
	}
	ba.sink.OnError(fmt.Errorf("stream: exchange error %d: %s", e.Msg.Code, e.Msg.Msg))
}

// toLevels converts wire [price, quantity] pairs into PriceLevels.
func toLevels(pairs [][2]int) []marketdata.PriceLevel {
	out := make([]marketdata.PriceLevel, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, marketdata.PriceLevel{Price: p[0], Quantity: p[1]})
	}
	return out
}
