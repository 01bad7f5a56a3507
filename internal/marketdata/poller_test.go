package marketdata

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/marketmux/marketmux/internal/logging"
)

// fakeTransport records every fetch and serves canned results. When gate is
// set, each fetch signals started and then parks until the gate closes.
type fakeTransport struct {
	mu      sync.Mutex
	calls   [][]string
	results map[string]Quote
	err     error
	started chan struct{}
	gate    chan struct{}
}

func newFakeTransport(symbols ...string) *fakeTransport {
	ft := &fakeTransport{results: make(map[string]Quote)}
	for _, sym := range symbols {
		ft.results[sym] = Quote{
			Symbol:    sym,
			Last:      decimal.NewFromInt(100),
			Timestamp: time.Now(),
		}
	}
	return ft
}

func (ft *fakeTransport) Fetch(_ context.Context, symbols []string) (map[string]Quote, error) {
	ft.mu.Lock()
	recorded := append([]string(nil), symbols...)
	sort.Strings(recorded)
	ft.calls = append(ft.calls, recorded)

	err := ft.err
	started := ft.started
	gate := ft.gate
	out := make(map[string]Quote)
	for _, sym := range symbols {
		if q, ok := ft.results[sym]; ok {
			out[sym] = q
		}
	}
	ft.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (ft *fakeTransport) fetchCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.calls)
}

func (ft *fakeTransport) lastCall() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.calls) == 0 {
		return nil
	}
	return ft.calls[len(ft.calls)-1]
}

func (ft *fakeTransport) setErr(err error) {
	ft.mu.Lock()
	ft.err = err
	ft.mu.Unlock()
}

// newTestPoller builds a fast poller and a channel that signals when each
// cycle completes.
func newTestPoller(t *testing.T, ft *fakeTransport) (*Poller, chan struct{}) {
	t.Helper()
	p := NewPoller(PollerConfig{
		Interval:     10 * time.Millisecond,
		FetchTimeout: time.Second,
	}, ft, logging.NewNop())

	cycles := make(chan struct{}, 64)
	p.onCycle = func() {
		select {
		case cycles <- struct{}{}:
		default:
		}
	}
	t.Cleanup(func() { p.Shutdown() })
	return p, cycles
}

func waitCycles(t *testing.T, cycles <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-cycles:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for poll cycle %d/%d", i+1, n)
		}
	}
}

// collector accumulates fan-out deliveries for one subscriber.
type collector struct {
	mu     sync.Mutex
	quotes []map[string]Quote
	errs   []error
}

func (c *collector) onData(quotes map[string]Quote) {
	c.mu.Lock()
	c.quotes = append(c.quotes, quotes)
	c.mu.Unlock()
}

func (c *collector) onError(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

func (c *collector) symbolsSeen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := make(map[string]struct{})
	for _, batch := range c.quotes {
		for sym := range batch {
			set[sym] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (c *collector) errCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs)
}

func TestPollerConsolidatesOverlappingSubscribers(t *testing.T) {
	ft := newFakeTransport("AAPL", "MSFT", "GOOGL")
	p, cycles := newTestPoller(t, ft)

	a := &collector{}
	b := &collector{}

	idA, err := p.Subscribe([]string{"AAPL", "MSFT"}, a.onData, a.onError)
	require.NoError(t, err)
	_, err = p.Subscribe([]string{"MSFT", "GOOGL"}, b.onData, b.onError)
	require.NoError(t, err)

	require.Equal(t, []string{"AAPL", "GOOGL", "MSFT"}, sorted(p.ActiveSymbols()))

	waitCycles(t, cycles, 2)

	// One upstream call per cycle, covering the whole active set.
	require.Equal(t, []string{"AAPL", "GOOGL", "MSFT"}, ft.lastCall())

	// Each subscriber sees exactly its own symbols.
	require.Equal(t, []string{"AAPL", "MSFT"}, a.symbolsSeen())
	require.Equal(t, []string{"GOOGL", "MSFT"}, b.symbolsSeen())

	// After A unsubscribes, later fetches cover only B's symbols.
	p.Unsubscribe(idA)
	require.Equal(t, []string{"GOOGL", "MSFT"}, sorted(p.ActiveSymbols()))

	waitCycles(t, cycles, 2)
	require.Equal(t, []string{"GOOGL", "MSFT"}, ft.lastCall())
}

func TestPollerUnsubscribeDuringFetchDropsDelivery(t *testing.T) {
	ft := newFakeTransport("AAPL")
	ft.started = make(chan struct{}, 1)
	ft.gate = make(chan struct{})
	p, cycles := newTestPoller(t, ft)

	leaver := &collector{}
	stayer := &collector{}

	idLeaver, err := p.Subscribe([]string{"AAPL"}, leaver.onData, nil)
	require.NoError(t, err)
	_, err = p.Subscribe([]string{"AAPL"}, stayer.onData, nil)
	require.NoError(t, err)

	// Wait until a fetch is parked inside the transport, then drop the
	// first subscriber while it is still in flight.
	select {
	case <-ft.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fetch to start")
	}
	p.Unsubscribe(idLeaver)
	close(ft.gate)

	waitCycles(t, cycles, 1)

	// The fetch was not cancelled and its results still reached the
	// surviving subscriber; the departed one got nothing.
	require.Equal(t, []string{"AAPL"}, stayer.symbolsSeen())
	leaver.mu.Lock()
	defer leaver.mu.Unlock()
	require.Empty(t, leaver.quotes, "subscriber removed mid-fetch must receive nothing")
}

func TestPollerAddSymbolsExtendsSubscription(t *testing.T) {
	ft := newFakeTransport("AAPL", "MSFT")
	p, cycles := newTestPoller(t, ft)

	c := &collector{}
	id, err := p.Subscribe([]string{"AAPL"}, c.onData, nil)
	require.NoError(t, err)

	waitCycles(t, cycles, 2)
	require.Equal(t, []string{"AAPL"}, ft.lastCall())

	p.AddSymbols(id, []string{"MSFT"})
	require.Equal(t, []string{"AAPL", "MSFT"}, sorted(p.ActiveSymbols()))

	waitCycles(t, cycles, 2)
	require.Equal(t, []string{"AAPL", "MSFT"}, ft.lastCall(),
		"an added symbol must join the consolidated fetch")
	require.Equal(t, []string{"AAPL", "MSFT"}, c.symbolsSeen())
}

func TestPollerLazyStartAndStop(t *testing.T) {
	ft := newFakeTransport("AAPL")
	p, cycles := newTestPoller(t, ft)

	// No subscriptions: no upstream calls.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, ft.fetchCount())

	c := &collector{}
	id, err := p.Subscribe([]string{"AAPL"}, c.onData, nil)
	require.NoError(t, err)

	waitCycles(t, cycles, 1)
	require.Greater(t, ft.fetchCount(), 0)

	p.Unsubscribe(id)
	// Drain any cycle already in flight, then verify the loop is idle.
	time.Sleep(30 * time.Millisecond)
	settled := ft.fetchCount()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, settled, ft.fetchCount(), "poll loop must stop once the active set empties")
}

func TestPollerRoutesFetchErrorsToAllSubscribers(t *testing.T) {
	ft := newFakeTransport("AAPL", "MSFT")
	p, cycles := newTestPoller(t, ft)

	a := &collector{}
	b := &collector{}
	_, err := p.Subscribe([]string{"AAPL"}, a.onData, a.onError)
	require.NoError(t, err)
	_, err = p.Subscribe([]string{"MSFT"}, b.onData, b.onError)
	require.NoError(t, err)

	ft.setErr(errors.New("upstream outage"))
	waitCycles(t, cycles, 2)

	require.Greater(t, a.errCount(), 0, "subscriber A must hear about the outage")
	require.Greater(t, b.errCount(), 0, "subscriber B must hear about the outage")

	// The loop survives the failure: recovery resumes data delivery.
	ft.setErr(nil)
	waitCycles(t, cycles, 2)
	require.Equal(t, []string{"AAPL"}, a.symbolsSeen())
}

func TestPollerIsolatesPanickingCallback(t *testing.T) {
	ft := newFakeTransport("AAPL", "MSFT")
	p, cycles := newTestPoller(t, ft)

	healthy := &collector{}
	_, err := p.Subscribe([]string{"AAPL"}, func(map[string]Quote) {
		panic("subscriber bug")
	}, nil)
	require.NoError(t, err)
	_, err = p.Subscribe([]string{"MSFT"}, healthy.onData, nil)
	require.NoError(t, err)

	waitCycles(t, cycles, 2)

	require.Equal(t, []string{"MSFT"}, healthy.symbolsSeen(),
		"a panicking callback must not block delivery to others")
}

func TestPollerSkipsSubscribersWithNoMatchingSymbols(t *testing.T) {
	ft := newFakeTransport("AAPL") // MSFT missing from upstream results
	p, cycles := newTestPoller(t, ft)

	c := &collector{}
	_, err := p.Subscribe([]string{"MSFT"}, c.onData, nil)
	require.NoError(t, err)

	waitCycles(t, cycles, 2)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Empty(t, c.quotes, "callback must not fire with an empty subset")
}

func TestPollerSubscribeValidation(t *testing.T) {
	ft := newFakeTransport()
	p, _ := newTestPoller(t, ft)

	_, err := p.Subscribe(nil, func(map[string]Quote) {}, nil)
	require.Error(t, err)

	_, err = p.Subscribe([]string{"AAPL"}, nil, nil)
	require.Error(t, err)
}

func TestPollerDoubleShutdown(t *testing.T) {
	ft := newFakeTransport()
	p := NewPoller(DefaultPollerConfig(), ft, logging.NewNop())

	require.NoError(t, p.Shutdown())
	require.Error(t, p.Shutdown())

	_, err := p.Subscribe([]string{"AAPL"}, func(map[string]Quote) {}, nil)
	require.Error(t, err, "subscribe after shutdown must fail fast")
}
