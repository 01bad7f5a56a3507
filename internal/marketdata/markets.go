package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketmux/marketmux/internal/cache"
)

// StreamTransport is a push-based transport for order-book data. Subscribe
// starts snapshot+delta delivery for the given tickers through the sink the
// transport was wired to; Unsubscribe stops it.
type StreamTransport interface {
	Subscribe(tickers []string) error
	Unsubscribe(tickers []string) error
}

// BookSink receives decoded stream messages. MarketManager implements it;
// stream adapters call it from their read goroutine, in arrival order.
type BookSink interface {
	OnConnected()
	OnSnapshot(ticker string, yes, no []PriceLevel)
	OnDelta(ticker string, side Side, price, delta int)
	OnDisconnected(code int, reason string)
	OnError(err error)
}

// managedMarket is the per-instrument state owned by a MarketManager: the
// live book plus a separately-timestamped metadata fetch.
type managedMarket struct {
	ticker     string
	book       *Book
	metaLoaded atomic.Int64 // unix nanos of last metadata fetch, 0 if never
}

// MarketManagerConfig holds tunable parameters for a MarketManager.
type MarketManagerConfig struct {
	Provider Provider

	// MetadataTTL bounds how long cached instrument reference data is
	// served before a refetch. Default: 10m.
	MetadataTTL time.Duration

	// LoadWorkers sizes the background pool for metadata loads. Default: 3.
	LoadWorkers int
}

// DefaultMarketManagerConfig returns production defaults.
func DefaultMarketManagerConfig(provider Provider) MarketManagerConfig {
	return MarketManagerConfig{
		Provider:    provider,
		MetadataTTL: 10 * time.Minute,
		LoadWorkers: 3,
	}
}

// MarketManager maintains incrementally-updated order books for every
// instrument at least one subscriber cares about. Books are created on
// first subscribe and dropped when the last subscriber leaves. Metadata is
// fetched once per instrument through the Loader and cached with a TTL,
// independent of book freshness.
//
// Every snapshot or delta produces an Updated event on the bus, carrying
// the instrument's current best bid/ask.
type MarketManager struct {
	cfg       MarketManagerConfig
	transport StreamTransport
	fetcher   InstrumentFetcher
	bus       *Bus
	logger    *slog.Logger

	registry *Registry
	loader   *Loader
	metadata *cache.Cache[string, Instrument]

	nextSubID atomic.Int64

	mu       sync.RWMutex
	markets  map[string]*managedMarket
	shutdown bool
}

// NewMarketManager wires a MarketManager. The transport must deliver its
// messages to this manager (see BookSink); fetcher may be nil when no
// reference data source exists. transport may be nil at construction and
// installed later with SetTransport, since the stream adapter needs this
// manager as its sink before it can exist.
func NewMarketManager(cfg MarketManagerConfig, transport StreamTransport, fetcher InstrumentFetcher, bus *Bus, logger *slog.Logger) *MarketManager {
	if cfg.MetadataTTL <= 0 {
		cfg.MetadataTTL = 10 * time.Minute
	}
	if cfg.LoadWorkers <= 0 {
		cfg.LoadWorkers = 3
	}
	return &MarketManager{
		cfg:       cfg,
		transport: transport,
		fetcher:   fetcher,
		bus:       bus,
		logger:    logger,
		registry:  NewRegistry(),
		loader:    NewLoader(cfg.LoadWorkers, logger),
		metadata:  cache.New[string, Instrument](cfg.MetadataTTL),
		markets:   make(map[string]*managedMarket),
	}
}

// SetTransport installs the stream transport. Must be called before the
// first Subscribe when the manager was constructed without one.
func (m *MarketManager) SetTransport(transport StreamTransport) {
	m.mu.Lock()
	m.transport = transport
	m.mu.Unlock()
}

// streamTransport returns the installed transport, nil when absent.
func (m *MarketManager) streamTransport() StreamTransport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transport
}

// Subscribe registers interest in tickers and returns an opaque id.
// Tickers gaining their first subscriber get a fresh book, a stream
// subscription, and a background metadata load.
func (m *MarketManager) Subscribe(tickers []string) (string, error) {
	if len(tickers) == 0 {
		return "", fmt.Errorf("marketmanager: empty ticker set")
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return "", fmt.Errorf("marketmanager: already shut down")
	}
	id := fmt.Sprintf("mkt-%d", m.nextSubID.Add(1))

	fresh := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if m.registry.SubscriberCount(t) == 0 {
			fresh = append(fresh, t)
		}
	}
	m.registry.Subscribe(id, tickers, nil, nil)
	for _, t := range fresh {
		if _, exists := m.markets[t]; !exists {
			m.markets[t] = &managedMarket{ticker: t, book: NewBook()}
		}
	}
	m.mu.Unlock()

	if len(fresh) > 0 {
		if transport := m.streamTransport(); transport != nil {
			if err := transport.Subscribe(fresh); err != nil {
				m.logger.Warn("stream subscribe failed", "tickers", fresh, "err", err)
				m.publishError(err)
			}
		}
		for _, t := range fresh {
			m.loadMetadata(t)
		}
	}
	return id, nil
}

// Unsubscribe removes a subscription. Tickers whose subscriber count drops
// to zero lose their book and are unsubscribed from the stream.
func (m *MarketManager) Unsubscribe(id string) {
	m.mu.Lock()
	held := m.registry.SymbolsOf(id)
	m.registry.Unsubscribe(id)

	orphaned := make([]string, 0, len(held))
	for _, t := range held {
		if m.registry.SubscriberCount(t) == 0 {
			delete(m.markets, t)
			orphaned = append(orphaned, t)
		}
	}
	m.mu.Unlock()

	if len(orphaned) > 0 {
		if transport := m.streamTransport(); transport != nil {
			if err := transport.Unsubscribe(orphaned); err != nil {
				m.logger.Warn("stream unsubscribe failed", "tickers", orphaned, "err", err)
			}
		}
	}
}

// ActiveTickers returns the tickers with at least one subscriber.
func (m *MarketManager) ActiveTickers() []string { return m.registry.ActiveSymbols() }

// book returns the managed market for ticker, nil when not managed.
func (m *MarketManager) market(ticker string) *managedMarket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.markets[ticker]
}

// BestBid returns the best resting bid for side on ticker.
func (m *MarketManager) BestBid(ticker string, side Side) (int, bool) {
	mkt := m.market(ticker)
	if mkt == nil {
		return 0, false
	}
	return mkt.book.BestBid(side)
}

// BestAsk returns the synthesized ask for side on ticker.
func (m *MarketManager) BestAsk(ticker string, side Side) (int, bool) {
	mkt := m.market(ticker)
	if mkt == nil {
		return 0, false
	}
	return mkt.book.BestAsk(side)
}

// Depth returns total resting quantity for side on ticker.
func (m *MarketManager) Depth(ticker string, side Side) int {
	mkt := m.market(ticker)
	if mkt == nil {
		return 0
	}
	return mkt.book.Depth(side)
}

// Levels returns side's ladder for ticker, best bid first.
func (m *MarketManager) Levels(ticker string, side Side) []PriceLevel {
	mkt := m.market(ticker)
	if mkt == nil {
		return nil
	}
	return mkt.book.Levels(side)
}

// BookUpdatedAt returns when ticker's book last changed.
func (m *MarketManager) BookUpdatedAt(ticker string) (time.Time, bool) {
	mkt := m.market(ticker)
	if mkt == nil {
		return time.Time{}, false
	}
	return mkt.book.LastUpdated(), true
}

// Instrument returns cached reference data for ticker. The second return
// is false when nothing live is cached; a background refetch may be in
// flight.
func (m *MarketManager) Instrument(ticker string) (Instrument, bool) {
	return m.metadata.Get(ticker)
}

// MetadataUpdatedAt returns when ticker's reference data was last fetched,
// independent of the book's update clock. Zero when never fetched.
func (m *MarketManager) MetadataUpdatedAt(ticker string) (time.Time, bool) {
	mkt := m.market(ticker)
	if mkt == nil {
		return time.Time{}, false
	}
	nanos := mkt.metaLoaded.Load()
	if nanos == 0 {
		return time.Time{}, true
	}
	return time.Unix(0, nanos), true
}

// loadMetadata schedules a deduplicated background fetch of ticker's
// reference data. Concurrent subscribers to the same ticker trigger one
// fetch.
func (m *MarketManager) loadMetadata(ticker string) {
	if m.fetcher == nil {
		return
	}
	m.loader.Load(ticker, func(ctx context.Context, key string, emit func(any)) (int, error) {
		inst, err := m.fetcher.FetchInstrument(ctx, key)
		if err != nil {
			return 0, err
		}
		m.metadata.Put(key, inst)
		if mkt := m.market(key); mkt != nil {
			mkt.metaLoaded.Store(time.Now().UnixNano())
		}
		emit(inst)
		return 1, nil
	})
}

// Shutdown unsubscribes everything, stops the loader pool with a bounded
// wait, clears caches, and emits a final disconnected event.
func (m *MarketManager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return fmt.Errorf("marketmanager: already shut down")
	}
	m.shutdown = true
	active := make([]string, 0, len(m.markets))
	for t := range m.markets {
		active = append(active, t)
	}
	m.markets = make(map[string]*managedMarket)
	m.mu.Unlock()

	if len(active) > 0 {
		if transport := m.streamTransport(); transport != nil {
			if err := transport.Unsubscribe(active); err != nil {
				m.logger.Warn("stream unsubscribe on shutdown failed", "err", err)
			}
		}
	}
	m.registry.Clear()
	m.metadata.InvalidateAll()

	if err := m.loader.Shutdown(5 * time.Second); err != nil {
		m.logger.Warn("loader shutdown", "err", err)
	}

	m.bus.Publish(Event{
		Kind:      EventDisconnected,
		Provider:  m.cfg.Provider,
		Timestamp: time.Now(),
	})
	return nil
}

// --- BookSink ---

// OnConnected publishes a connected event.
func (m *MarketManager) OnConnected() {
	m.bus.Publish(Event{Kind: EventConnected, Provider: m.cfg.Provider, Timestamp: time.Now()})
}

// OnSnapshot replaces ticker's book. Snapshots for unmanaged tickers (for
// example, delivered after an unsubscribe raced the stream) are dropped.
func (m *MarketManager) OnSnapshot(ticker string, yes, no []PriceLevel) {
	mkt := m.market(ticker)
	if mkt == nil {
		return
	}
	mkt.book.ApplySnapshot(yes, no)
	m.publishUpdated(ticker, mkt.book)
}

// OnDelta applies one incremental change in arrival order.
func (m *MarketManager) OnDelta(ticker string, side Side, price, delta int) {
	mkt := m.market(ticker)
	if mkt == nil {
		return
	}
	mkt.book.ApplyDelta(side, price, delta)
	m.publishUpdated(ticker, mkt.book)
}

// OnDisconnected publishes a disconnected event. Books are kept; the
// stream re-snapshots on reconnect.
func (m *MarketManager) OnDisconnected(code int, reason string) {
	m.logger.Warn("stream disconnected", "code", code, "reason", reason)
	m.bus.Publish(Event{
		Kind:      EventDisconnected,
		Provider:  m.cfg.Provider,
		Err:       fmt.Errorf("disconnected (%d): %s", code, reason),
		Timestamp: time.Now(),
	})
}

// OnError publishes a transport error event.
func (m *MarketManager) OnError(err error) {
	m.logger.Warn("stream error", "err", err)
	m.publishError(err)
}

func (m *MarketManager) publishUpdated(ticker string, book *Book) {
	bid, _ := book.BestBid(SideYes)
	ask, _ := book.BestAsk(SideYes)
	m.bus.Publish(Event{
		Kind:       EventUpdated,
		Provider:   m.cfg.Provider,
		Instrument: ticker,
		BestBid:    bid,
		BestAsk:    ask,
		Timestamp:  time.Now(),
	})
}

func (m *MarketManager) publishError(err error) {
	m.bus.Publish(Event{Kind: EventError, Provider: m.cfg.Provider, Err: err, Timestamp: time.Now()})
}
