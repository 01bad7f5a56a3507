package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/marketmux/marketmux/internal/cache"
	"github.com/marketmux/marketmux/internal/config"
	"github.com/marketmux/marketmux/internal/logging"
	"github.com/marketmux/marketmux/internal/marketdata"
	"github.com/marketmux/marketmux/internal/storage"
	"github.com/marketmux/marketmux/internal/stream"
)

// redisHSet adapts *redis.Client to the marketdata.RedisClient interface.
type redisHSet struct{ client *redis.Client }

func (r redisHSet) HSet(ctx context.Context, key string, values ...any) error {
	return r.client.HSet(ctx, key, values...).Err()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.File)
	logger.Info("marketmux starting", "env", cfg.Env, "provider", cfg.Poll.Provider)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Provider registry: explicit object, no global state. Real brokerage
	// transports register here alongside the simulator.
	providers := marketdata.NewProviderRegistry()
	providers.Register(marketdata.ProviderSim, func() (marketdata.PollTransport, error) {
		return marketdata.NewSimTransport(time.Now().UnixNano()), nil
	})

	transport, err := providers.New(marketdata.Provider(cfg.Poll.Provider))
	if err != nil {
		logger.Error("unknown poll provider", "err", err)
		os.Exit(1)
	}

	bus := marketdata.NewBus(logger)
	freshness := marketdata.NewFreshnessMonitor(marketdata.FreshnessConfig{
		StaleThreshold: time.Duration(cfg.Stream.StaleThresholdMs) * time.Millisecond,
		CoolOff:        time.Duration(cfg.Stream.CoolOffSec) * time.Second,
	}, bus)

	pollerCfg := marketdata.PollerConfig{
		Interval:     cfg.Poll.Interval(),
		FetchTimeout: cfg.Poll.FetchTimeout(),
	}
	if cfg.Poll.RateLimitPerMin > 0 {
		pollerCfg.RateLimit = rateLimit(cfg.Poll.RateLimitPerMin)
	}
	poller := marketdata.NewPoller(pollerCfg, transport, logger)

	var store *storage.Store
	if cfg.Storage.Enabled {
		store, err = storage.Open(cfg.Storage.Path)
		if err != nil {
			logger.Error("failed to open history store", "err", err)
			os.Exit(1)
		}
		bus.AddListener(func(ev marketdata.Event) {
			if err := store.SaveBookEvent(ev); err != nil {
				logger.Warn("history write failed", "err", err)
			}
		})
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					cutoff := time.Now().AddDate(0, 0, -cfg.Storage.KeepDays)
					if err := store.Prune(cutoff); err != nil {
						logger.Warn("history prune failed", "err", err)
					}
				}
			}
		}()
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		writer := marketdata.NewQuoteWriter(redisHSet{client: client}, bus, logger)
		go writer.Run(ctx)
	}

	sessions := stream.NewSessionManager(logger)
	defer sessions.CloseAll()

	// Order-book stream: only when instruments are configured.
	var books *marketdata.MarketManager
	if len(cfg.Stream.Tickers) > 0 {
		books = marketdata.NewMarketManager(
			marketdata.MarketManagerConfig{
				Provider:    marketdata.ProviderKalshi,
				MetadataTTL: time.Duration(cfg.Cache.ReferenceTTLMin) * time.Minute,
				LoadWorkers: cfg.Stream.LoadWorkers,
			},
			nil, // transport installed below, once the session is open
			nil,
			bus,
			logger,
		)

		wsCfg := stream.DefaultWSConfig(cfg.Stream.URL)
		wsCfg.HeartbeatTimeout = time.Duration(cfg.Stream.HeartbeatSec) * time.Second
		wsCfg.BackoffInitial = time.Duration(cfg.Stream.BackoffInitialMs) * time.Millisecond
		wsCfg.BackoffMax = time.Duration(cfg.Stream.BackoffMaxSec) * time.Second

		session, err := sessions.Open(ctx, marketdata.ProviderKalshi, wsCfg, nil, nil, books)
		if err != nil {
			logger.Error("stream session failed", "err", err)
			os.Exit(1)
		}
		books.SetTransport(session.Adapter)

		if _, err := books.Subscribe(cfg.Stream.Tickers); err != nil {
			logger.Error("book subscribe failed", "err", err)
			os.Exit(1)
		}

		// Periodic top-of-book report, gated on data freshness.
		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					for _, t := range books.ActiveTickers() {
						if !freshness.IsFresh(t) {
							continue
						}
						bid, _ := books.BestBid(t, marketdata.SideYes)
						ask, _ := books.BestAsk(t, marketdata.SideYes)
						logger.Info("top of book", "ticker", t, "bid", bid, "ask", ask)
					}
				}
			}
		}()
	}

	// Quotes land in a TTL cache so consumers read recent data without
	// waiting on the next poll cycle.
	quoteCache := cache.New[string, marketdata.Quote](time.Duration(cfg.Cache.QuoteTTLSec) * time.Second)
	quoteCache.StartJanitor(ctx, time.Duration(cfg.Cache.JanitorPeriodSec)*time.Second)

	// Demo subscription: watch a few symbols through the consolidated
	// poller and archive what comes back.
	demoSymbols := []string{"AAPL", "MSFT", "GOOGL"}
	subID, err := poller.Subscribe(demoSymbols,
		func(quotes map[string]marketdata.Quote) {
			for _, q := range quotes {
				quoteCache.Put(q.Symbol, q)
				logger.Info("quote", "symbol", q.Symbol, "bid", q.Bid, "ask", q.Ask)
			}
			if store != nil {
				if err := store.SaveQuotes(quotes); err != nil {
					logger.Warn("quote archive failed", "err", err)
				}
			}
		},
		func(err error) {
			logger.Warn("poll error", "err", err)
		},
	)
	if err != nil {
		logger.Error("subscribe failed", "err", err)
		os.Exit(1)
	}
	logger.Info("polling started", "subscription", subID, "symbols", demoSymbols)

	<-ctx.Done()
	logger.Info("marketmux shutting down")

	if err := poller.Shutdown(); err != nil {
		logger.Warn("poller shutdown", "err", err)
	}
	if books != nil {
		if err := books.Shutdown(); err != nil {
			logger.Warn("market manager shutdown", "err", err)
		}
	}
}

// rateLimit converts a per-minute cap into a rate.Limit.
func rateLimit(perMin int) rate.Limit {
	return rate.Limit(float64(perMin) / 60)
}
