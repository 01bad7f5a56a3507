package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
)

// RedisClient abstracts the Redis operations used by QuoteWriter. In
// production this is satisfied by *redis.Client; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// bestQuote holds the last-written best bid/ask for an instrument so
// duplicate writes can be skipped.
type bestQuote struct {
	Bid string
	Ask string
}

// QuoteWriter persists the best bid/ask for every updated instrument into
// Redis using the schema:
//
//	Key:    book:{provider}:{instrument}
//	Fields: bid, ask, ts
//
// It listens on the bus; events are buffered in an internal channel and
// flushed by a dedicated goroutine, so a slow Redis never blocks the
// notifier. Updates whose prices did not change are suppressed.
type QuoteWriter struct {
	client RedisClient
	logger *slog.Logger

	buf chan Event

	mu   sync.Mutex
	last map[string]bestQuote // keyed by Redis key
}

// NewQuoteWriter creates a QuoteWriter and registers it on the bus.
func NewQuoteWriter(client RedisClient, bus *Bus, logger *slog.Logger) *QuoteWriter {
	qw := &QuoteWriter{
		client: client,
		logger: logger,
		buf:    make(chan Event, 1024),
		last:   make(map[string]bestQuote),
	}
	bus.AddListener(qw.onEvent)
	return qw
}

// onEvent enqueues updated events without blocking the bus.
func (qw *QuoteWriter) onEvent(ev Event) {
	if ev.Kind != EventUpdated {
		return
	}
	select {
	case qw.buf <- ev:
	default:
		// Buffer full: drop rather than stall delivery.
	}
}

// Run flushes buffered updates to Redis until ctx is cancelled.
func (qw *QuoteWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-qw.buf:
			qw.write(ctx, ev)
		}
	}
}

// write checks for duplicates and issues an HSET.
func (qw *QuoteWriter) write(ctx context.Context, ev Event) {
	bid := strconv.Itoa(ev.BestBid)
	ask := strconv.Itoa(ev.BestAsk)
	key := fmt.Sprintf("book:%s:%s", ev.Provider, ev.Instrument)

	qw.mu.Lock()
	prev, exists := qw.last[key]
	if exists && prev.Bid == bid && prev.Ask == ask {
		qw.mu.Unlock()
		return
	}
	qw.last[key] = bestQuote{Bid: bid, Ask: ask}
	qw.mu.Unlock()

	ts := strconv.FormatInt(ev.Timestamp.UnixMilli(), 10)
	if err := qw.client.HSet(ctx, key, "bid", bid, "ask", ask, "ts", ts); err != nil {
		qw.logger.Warn("redis write failed", "key", key, "err", err)
	}
}
