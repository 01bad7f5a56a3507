package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// PollerConfig holds tunable parameters for a Poller.
type PollerConfig struct {
	// Interval between consolidated upstream fetches. Default: 5s.
	Interval time.Duration

	// FetchTimeout bounds a single upstream call. Default: 10s.
	FetchTimeout time.Duration

	// RateLimit caps upstream fetches per second across poll cycles.
	// Zero disables the limiter.
	RateLimit rate.Limit
}

// DefaultPollerConfig returns the defaults used by the reference system.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:     5 * time.Second,
		FetchTimeout: 10 * time.Second,
	}
}

// Poller consolidates polling across subscribers: one upstream fetch per
// interval covering the union of all subscribed symbols, fanned back out so
// each subscriber sees only the symbols it asked for.
//
// The poll loop starts lazily when the active-symbol set becomes non-empty
// and stops when it empties again, so an idle Poller makes no upstream
// calls at all.
type Poller struct {
	cfg       PollerConfig
	transport PollTransport
	registry  *Registry
	logger    *slog.Logger
	limiter   *rate.Limiter

	nextSubID atomic.Int64

	mu       sync.Mutex // guards loop lifecycle
	loopStop chan struct{}
	loopDone chan struct{}
	shutdown bool

	// onCycle, when set, is called after each completed poll cycle
	// (testing hook).
	onCycle func()
}

// NewPoller creates a Poller reading from transport. The loop is not
// started; it begins with the first Subscribe.
func NewPoller(cfg PollerConfig, transport PollTransport, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	p := &Poller{
		cfg:       cfg,
		transport: transport,
		registry:  NewRegistry(),
		logger:    logger,
	}
	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(cfg.RateLimit, 1)
	}
	return p
}

// Subscribe registers interest in symbols and returns an opaque
// subscription id for Unsubscribe. onData receives, once per poll cycle,
// the subset of symbols present in the upstream result; it is never called
// with an empty map. onError is optional.
func (p *Poller) Subscribe(symbols []string, onData QuoteHandler, onError ErrorHandler) (string, error) {
	if onData == nil {
		return "", fmt.Errorf("poller: nil data handler")
	}
	if len(symbols) == 0 {
		return "", fmt.Errorf("poller: empty symbol set")
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return "", fmt.Errorf("poller: already shut down")
	}
	id := fmt.Sprintf("sub-%d", p.nextSubID.Add(1))
	p.registry.Subscribe(id, symbols, onData, onError)
	p.startLoopLocked()
	p.mu.Unlock()

	return id, nil
}

// AddSymbols extends an existing subscription's symbol set. Unknown ids
// are ignored.
func (p *Poller) AddSymbols(id string, symbols []string) {
	p.registry.Extend(id, symbols)
}

// Unsubscribe removes a subscription. An in-flight fetch is not cancelled;
// its results for now-unwanted symbols are dropped at delivery time.
func (p *Poller) Unsubscribe(id string) {
	p.registry.Unsubscribe(id)

	p.mu.Lock()
	if p.registry.ActiveCount() == 0 {
		p.stopLoopLocked()
	}
	p.mu.Unlock()
}

// ActiveSymbols exposes the current consolidated interest set.
func (p *Poller) ActiveSymbols() []string { return p.registry.ActiveSymbols() }

// SubscriberCount returns how many subscriptions reference symbol.
func (p *Poller) SubscriberCount(symbol string) int { return p.registry.SubscriberCount(symbol) }

// Shutdown stops the poll loop and drops every subscription. Calling it
// twice returns an error.
func (p *Poller) Shutdown() error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return fmt.Errorf("poller: already shut down")
	}
	p.shutdown = true
	p.stopLoopLocked()
	done := p.loopDone
	p.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(p.cfg.FetchTimeout + p.cfg.Interval):
			p.logger.Warn("poller loop did not stop within deadline")
		}
	}
	p.registry.Clear()
	return nil
}

// startLoopLocked launches the poll loop if it is not running. Caller holds p.mu.
func (p *Poller) startLoopLocked() {
	if p.loopStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	p.loopStop = stop
	p.loopDone = done
	go p.loop(stop, done)
}

// stopLoopLocked signals the loop to exit. Caller holds p.mu.
func (p *Poller) stopLoopLocked() {
	if p.loopStop == nil {
		return
	}
	close(p.loopStop)
	p.loopStop = nil
}

func (p *Poller) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

// pollOnce runs a single consolidated fetch and fan-out. Any failure is
// reported to subscriber error callbacks and logged; nothing escapes this
// method, so a bad cycle can never kill the loop.
func (p *Poller) pollOnce() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poll cycle panicked", "panic", r)
		}
		if p.onCycle != nil {
			p.onCycle()
		}
	}()

	symbols := p.registry.ActiveSymbols()
	if len(symbols) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FetchTimeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.logger.Warn("rate limiter wait aborted", "err", err)
			return
		}
	}

	results, err := p.transport.Fetch(ctx, symbols)
	if err != nil {
		p.logger.Warn("consolidated fetch failed", "symbols", len(symbols), "err", err)
		p.reportError(err)
		return
	}

	p.fanOut(results)
}

// reportError routes an upstream failure to every subscriber that supplied
// an error callback. Each callback runs in its own recover boundary.
func (p *Poller) reportError(err error) {
	for _, target := range p.registry.snapshotSubs() {
		if target.onError == nil {
			continue
		}
		p.safeError(target, err)
	}
}

// fanOut delivers to each live subscriber the intersection of its symbols
// with the fetch result. The subscriber set is re-read here, at delivery
// time, so a subscriber removed mid-fetch naturally drops out.
func (p *Poller) fanOut(results map[string]Quote) {
	for _, target := range p.registry.snapshotSubs() {
		subset := make(map[string]Quote, len(target.symbols))
		for _, sym := range target.symbols {
			if q, ok := results[sym]; ok {
				subset[sym] = q
			}
		}
		if len(subset) == 0 {
			continue
		}
		p.safeDeliver(target, subset)
	}
}

func (p *Poller) safeDeliver(target fanoutTarget, quotes map[string]Quote) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("subscriber data callback panicked", "subscriber", target.id, "panic", r)
		}
	}()
	target.onData(quotes)
}

func (p *Poller) safeError(target fanoutTarget, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("subscriber error callback panicked", "subscriber", target.id, "panic", r)
		}
	}()
	target.onError(err)
}
