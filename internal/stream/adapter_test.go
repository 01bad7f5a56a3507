package stream

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/marketmux/marketmux/internal/logging"
	"github.com/marketmux/marketmux/internal/marketdata"
)

// fakeSender captures frames the adapter would send upstream.
type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (fs *fakeSender) Send(data []byte) {
	fs.mu.Lock()
	fs.frames = append(fs.frames, data)
	fs.mu.Unlock()
}

func (fs *fakeSender) sent() [][]byte {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([][]byte(nil), fs.frames...)
}

// recordingSink records every BookSink call in arrival order.
type recordingSink struct {
	mu        sync.Mutex
	snapshots []string
	deltas    []struct {
		ticker string
		side   marketdata.Side
		price  int
		delta  int
	}
	errs         []error
	connects     int
	disconnects  int
	lastSnapshot struct {
		yes, no []marketdata.PriceLevel
	}
}

func (rs *recordingSink) OnConnected() {
	rs.mu.Lock()
	rs.connects++
	rs.mu.Unlock()
}

func (rs *recordingSink) OnSnapshot(ticker string, yes, no []marketdata.PriceLevel) {
	rs.mu.Lock()
	rs.snapshots = append(rs.snapshots, ticker)
	rs.lastSnapshot.yes = yes
	rs.lastSnapshot.no = no
	rs.mu.Unlock()
}

func (rs *recordingSink) OnDelta(ticker string, side marketdata.Side, price, delta int) {
	rs.mu.Lock()
	rs.deltas = append(rs.deltas, struct {
		ticker string
		side   marketdata.Side
		price  int
		delta  int
	}{ticker, side, price, delta})
	rs.mu.Unlock()
}

func (rs *recordingSink) OnDisconnected(code int, reason string) {
	rs.mu.Lock()
	rs.disconnects++
	rs.mu.Unlock()
}

func (rs *recordingSink) OnError(err error) {
	rs.mu.Lock()
	rs.errs = append(rs.errs, err)
	rs.mu.Unlock()
}

func newTestAdapter(sink marketdata.BookSink) (*BookAdapter, *fakeSender, chan []byte) {
	sender := &fakeSender{}
	raw := make(chan []byte, 16)
	ba := &BookAdapter{
		sender:  sender,
		raw:     raw,
		sink:    sink,
		logger:  logging.NewNop(),
		tickers: make(map[string]struct{}),
	}
	return ba, sender, raw
}

func decodeCommand(t *testing.T, frame []byte) command {
	t.Helper()
	var cmd command
	if err := json.Unmarshal(frame, &cmd); err != nil {
		t.Fatalf("unmarshal command: %v", err)
	}
	return cmd
}

func TestBookAdapter_SubscribeCommand(t *testing.T) {
	ba, sender, _ := newTestAdapter(&recordingSink{})

	if err := ba.Subscribe([]string{"FED-25DEC", "BTC-100K"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	frames := sender.sent()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	cmd := decodeCommand(t, frames[0])
	if cmd.Cmd != "subscribe" {
		t.Fatalf("cmd = %q, want subscribe", cmd.Cmd)
	}
	if len(cmd.Params.Channels) != 1 || cmd.Params.Channels[0] != "orderbook_delta" {
		t.Fatalf("channels = %v, want [orderbook_delta]", cmd.Params.Channels)
	}
	got := append([]string(nil), cmd.Params.MarketTickers...)
	sort.Strings(got)
	if got[0] != "BTC-100K" || got[1] != "FED-25DEC" {
		t.Fatalf("tickers = %v", got)
	}
}

func TestBookAdapter_UnsubscribeCommand(t *testing.T) {
	ba, sender, _ := newTestAdapter(&recordingSink{})

	if err := ba.Subscribe([]string{"FED-25DEC"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := ba.Unsubscribe([]string{"FED-25DEC"}); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	frames := sender.sent()
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	cmd := decodeCommand(t, frames[1])
	if cmd.Cmd != "unsubscribe" {
		t.Fatalf("cmd = %q, want unsubscribe", cmd.Cmd)
	}
	if cmd.ID <= decodeCommand(t, frames[0]).ID {
		t.Fatal("command ids must increase")
	}
}

func TestBookAdapter_ResubscribeReplaysTickers(t *testing.T) {
	ba, sender, _ := newTestAdapter(&recordingSink{})

	ba.Subscribe([]string{"FED-25DEC", "BTC-100K"})
	ba.Unsubscribe([]string{"BTC-100K"})
	ba.resubscribe()

	frames := sender.sent()
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	cmd := decodeCommand(t, frames[2])
	if cmd.Cmd != "subscribe" {
		t.Fatalf("cmd = %q, want subscribe", cmd.Cmd)
	}
	if len(cmd.Params.MarketTickers) != 1 || cmd.Params.MarketTickers[0] != "FED-25DEC" {
		t.Fatalf("replayed tickers = %v, want [FED-25DEC]", cmd.Params.MarketTickers)
	}
}

func TestBookAdapter_HandlesSnapshot(t *testing.T) {
	sink := &recordingSink{}
	ba, _, _ := newTestAdapter(sink)

	ba.handleMessage([]byte(`{
		"type": "orderbook_snapshot",
		"sid": 1, "seq": 10,
		"msg": {
			"market_ticker": "FED-25DEC",
			"yes": [[55, 100], [54, 250]],
			"no": [[40, 50]]
		}
	}`))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.snapshots) != 1 || sink.snapshots[0] != "FED-25DEC" {
		t.Fatalf("snapshots = %v", sink.snapshots)
	}
	if len(sink.lastSnapshot.yes) != 2 || sink.lastSnapshot.yes[0] != (marketdata.PriceLevel{Price: 55, Quantity: 100}) {
		t.Fatalf("yes levels = %v", sink.lastSnapshot.yes)
	}
	if len(sink.lastSnapshot.no) != 1 || sink.lastSnapshot.no[0] != (marketdata.PriceLevel{Price: 40, Quantity: 50}) {
		t.Fatalf("no levels = %v", sink.lastSnapshot.no)
	}
}

func TestBookAdapter_HandlesDelta(t *testing.T) {
	sink := &recordingSink{}
	ba, _, _ := newTestAdapter(sink)

	ba.handleMessage([]byte(`{
		"type": "orderbook_delta",
		"sid": 1, "seq": 11,
		"msg": {"market_ticker": "FED-25DEC", "price": 55, "delta": -100, "side": "no", "ts": "2026-08-26T00:00:00Z"}
	}`))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.deltas) != 1 {
		t.Fatalf("deltas = %v", sink.deltas)
	}
	d := sink.deltas[0]
	if d.ticker != "FED-25DEC" || d.side != marketdata.SideNo || d.price != 55 || d.delta != -100 {
		t.Fatalf("delta = %+v", d)
	}
}

func TestBookAdapter_HandlesErrorAndJunk(t *testing.T) {
	sink := &recordingSink{}
	ba, _, _ := newTestAdapter(sink)

	ba.handleMessage([]byte(`{"type": "error", "msg": {"code": 6, "msg": "unknown market"}}`))
	ba.handleMessage([]byte(`not json at all`))
	ba.handleMessage([]byte(`{"type": "ticker", "msg": {}}`)) // unknown type, ignored

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errs) != 1 {
		t.Fatalf("errors = %v", sink.errs)
	}
	if len(sink.snapshots) != 0 || len(sink.deltas) != 0 {
		t.Fatal("junk must not reach the sink as book data")
	}
}

func TestBookAdapter_RunConsumesInOrder(t *testing.T) {
	sink := &recordingSink{}
	ba, _, raw := newTestAdapter(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ba.Run(ctx)
		close(done)
	}()

	raw <- []byte(`{"type":"orderbook_snapshot","msg":{"market_ticker":"FED-25DEC","yes":[[55,100]],"no":[]}}`)
	raw <- []byte(`{"type":"orderbook_delta","msg":{"market_ticker":"FED-25DEC","price":55,"delta":-100,"side":"yes"}}`)
	raw <- []byte(`{"type":"orderbook_delta","msg":{"market_ticker":"FED-25DEC","price":54,"delta":250,"side":"yes"}}`)

	deadline := time.Now().Add(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.deltas)
		sink.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, got %d deltas", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	sink.mu.Lock()
	if sink.deltas[0].price != 55 || sink.deltas[1].price != 54 {
		t.Fatalf("deltas out of order: %+v", sink.deltas)
	}
	sink.mu.Unlock()

	// Closing the raw stream stops Run.
	close(raw)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stream close")
	}
}
