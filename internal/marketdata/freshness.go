package marketdata

import (
	"sync"
	"time"
)

// FreshnessConfig holds tunable parameters for the FreshnessMonitor.
type FreshnessConfig struct {
	// StaleThreshold is the maximum age of the last update before an
	// instrument is considered stale. Default: 1s.
	StaleThreshold time.Duration

	// CoolOff is the duration of continuous healthy data required after a
	// recovery before IsFresh returns true again. Default: 2s.
	CoolOff time.Duration
}

// DefaultFreshnessConfig returns production-tuned defaults.
func DefaultFreshnessConfig() FreshnessConfig {
	return FreshnessConfig{
		StaleThreshold: time.Second,
		CoolOff:        2 * time.Second,
	}
}

// instrumentHealth tracks freshness for a single instrument.
type instrumentHealth struct {
	lastUpdate  time.Time
	recoveredAt time.Time
	healthy     bool
}

// FreshnessMonitor watches bus events and answers "is this instrument's
// data trustworthy right now". It enforces a staleness threshold, a
// cool-off period after recovery, and a manual halt switch. Consumers gate
// decisions (display, strategy evaluation) behind IsFresh.
type FreshnessMonitor struct {
	cfg FreshnessConfig

	mu          sync.RWMutex
	instruments map[string]*instrumentHealth

	haltMu sync.RWMutex
	halted bool

	nowFunc func() time.Time // injectable clock for testing
}

// NewFreshnessMonitor creates a monitor and registers it on the bus.
func NewFreshnessMonitor(cfg FreshnessConfig, bus *Bus) *FreshnessMonitor {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = time.Second
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = 2 * time.Second
	}
	fm := &FreshnessMonitor{
		cfg:         cfg,
		instruments: make(map[string]*instrumentHealth),
		nowFunc:     time.Now,
	}
	if bus != nil {
		bus.AddListener(fm.onEvent)
	}
	return fm
}

// Halt forces IsFresh to return false for every instrument until Resume.
func (fm *FreshnessMonitor) Halt() {
	fm.haltMu.Lock()
	fm.halted = true
	fm.haltMu.Unlock()
}

// Resume clears the manual halt. Instruments still need fresh data and an
// elapsed cool-off before IsFresh returns true.
func (fm *FreshnessMonitor) Resume() {
	fm.haltMu.Lock()
	fm.halted = false
	fm.haltMu.Unlock()
}

// IsFresh returns true only when no halt is active, the instrument has
// received data within StaleThreshold, and the cool-off since its last
// recovery has elapsed.
func (fm *FreshnessMonitor) IsFresh(instrument string) bool {
	fm.haltMu.RLock()
	if fm.halted {
		fm.haltMu.RUnlock()
		return false
	}
	fm.haltMu.RUnlock()

	now := fm.nowFunc()

	fm.mu.RLock()
	ih, exists := fm.instruments[instrument]
	fm.mu.RUnlock()

	if !exists {
		return false // no data received yet
	}
	if now.Sub(ih.lastUpdate) > fm.cfg.StaleThreshold {
		return false
	}
	if !ih.recoveredAt.IsZero() && now.Sub(ih.recoveredAt) < fm.cfg.CoolOff {
		return false
	}
	return true
}

// MarkStale forces an instrument unhealthy; the next update starts a
// cool-off.
func (fm *FreshnessMonitor) MarkStale(instrument string) {
	fm.mu.Lock()
	if ih, exists := fm.instruments[instrument]; exists {
		ih.healthy = false
	}
	fm.mu.Unlock()
}

// onEvent consumes bus traffic. Updates refresh the instrument's clock;
// disconnects mark every instrument unhealthy so reconnection triggers a
// cool-off.
func (fm *FreshnessMonitor) onEvent(ev Event) {
	switch ev.Kind {
	case EventUpdated:
		fm.recordUpdate(ev.Instrument)
	case EventDisconnected:
		fm.mu.Lock()
		for _, ih := range fm.instruments {
			ih.healthy = false
		}
		fm.mu.Unlock()
	}
}

func (fm *FreshnessMonitor) recordUpdate(instrument string) {
	if instrument == "" {
		return
	}
	now := fm.nowFunc()

	fm.mu.Lock()
	ih, exists := fm.instruments[instrument]
	if !exists {
		ih = &instrumentHealth{}
		fm.instruments[instrument] = ih
	}

	wasHealthy := ih.healthy
	ih.lastUpdate = now
	ih.healthy = true
	if !wasHealthy {
		ih.recoveredAt = now
	}
	fm.mu.Unlock()
}
