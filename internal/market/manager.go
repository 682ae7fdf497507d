// Package market discovers and tracks binary market windows, advances their
// lifecycle against the wall clock, and serves the current tradable window
// with its latest order-book snapshot.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/snipe/internal/fairvalue"
	"github.com/betbot/snipe/internal/venue"
)

var log = logrus.WithField("component", "market")

// ErrNotAccepting is returned for order attempts against a window that is not
// in the Open state.
var ErrNotAccepting = errors.New("market window not accepting orders")

// ManagerConfig controls discovery and lifecycle behavior.
type ManagerConfig struct {
	Timeframe        string
	StopBeforeExpiry time.Duration // Expiring cutoff before close
	BookFreshness    time.Duration // snapshots older than this are unusable
}

// Manager owns the set of tracked windows for all instruments.
type Manager struct {
	cfg ManagerConfig
	api venue.API

	mu      sync.RWMutex
	windows map[string]*Window    // by market ID
	current map[string]string     // instrument -> market ID of tracked window
	startup map[string]string     // instrument -> market ID active at boot, never traded
	books   map[string]*venue.Book
}

// NewManager creates a lifecycle manager backed by the venue API.
func NewManager(api venue.API, cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:     cfg,
		api:     api,
		windows: make(map[string]*Window),
		current: make(map[string]string),
		startup: make(map[string]string),
		books:   make(map[string]*venue.Book),
	}
}

// Scan discovers listed windows for one instrument and updates tracking. The
// first window ever seen for an instrument is remembered as the startup
// window: positions from a previous run may exist on it, so it is excluded
// from trading.
func (m *Manager) Scan(ctx context.Context, instrument string) error {
	markets, err := m.api.DiscoverMarkets(ctx, instrument, m.cfg.Timeframe)
	if err != nil {
		return errors.Wrapf(err, "discover %s/%s", instrument, m.cfg.Timeframe)
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mkt := range markets {
		if _, ok := m.windows[mkt.ID]; ok {
			continue
		}
		w := &Window{
			ID:           mkt.ID,
			Slug:         mkt.Slug,
			Instrument:   mkt.Instrument,
			Timeframe:    mkt.Timeframe,
			OpenTime:     mkt.OpenTime,
			CloseTime:    mkt.CloseTime,
			Status:       StatusPending,
			StrikeSource: StrikeSourceUnknown,
			TokenIDs:     mkt.TokenIDs,
		}
		if mkt.Strike > 0 {
			w.Strike = mkt.Strike
			w.StrikeSource = StrikeSourceVenue
		}
		w.advance(now, m.cfg.StopBeforeExpiry)
		m.windows[mkt.ID] = w
		log.Infof("discovered %s window %s close=%s strike=%.2f[%s]",
			instrument, mkt.ID, mkt.CloseTime.Format(time.RFC3339), w.Strike, w.StrikeSource)
	}

	m.electCurrentLocked(instrument, now)
	return nil
}

// electCurrentLocked picks the tracked window for an instrument. When the
// venue briefly lists two simultaneously open windows, the one closer to
// expiry wins.
func (m *Manager) electCurrentLocked(instrument string, now time.Time) {
	var best *Window
	for _, w := range m.windows {
		if w.Instrument != instrument {
			continue
		}
		w.advance(now, m.cfg.StopBeforeExpiry)
		if w.Status == StatusClosed || w.Status == StatusSettled {
			continue
		}
		if best == nil || w.CloseTime.Before(best.CloseTime) {
			best = w
		}
	}
	if best == nil {
		return
	}

	prev := m.current[instrument]
	if prev == best.ID {
		return
	}
	m.current[instrument] = best.ID

	if prev == "" {
		// First window seen for this instrument: startup skip.
		m.startup[instrument] = best.ID
		log.Infof("%s startup window %s, skipping until next cycle", instrument, best.ID)
	} else {
		log.Infof("%s window rotated %s -> %s", instrument, prev, best.ID)
	}
}

// Refresh advances every tracked window against the clock and re-elects
// current windows. Returns the windows that just left the accepting state.
func (m *Manager) Refresh(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.windows {
		if w.advance(now, m.cfg.StopBeforeExpiry) {
			log.Debugf("%s window %s -> %s", w.Instrument, w.ID, w.Status)
		}
	}
	for instrument := range m.current {
		m.electCurrentLocked(instrument, now)
	}
}

// Current returns the tracked window for an instrument.
func (m *Manager) Current(instrument string) (*Window, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.current[instrument]
	if !ok {
		return nil, false
	}
	w, ok := m.windows[id]
	if !ok {
		return nil, false
	}
	cp := *w
	return &cp, true
}

// Get returns a tracked window by market ID.
func (m *Manager) Get(marketID string) (*Window, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.windows[marketID]
	if !ok {
		return nil, false
	}
	cp := *w
	return &cp, true
}

// IsStartup reports whether the window was the one active at boot.
func (m *Manager) IsStartup(marketID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.startup {
		if id == marketID {
			return true
		}
	}
	return false
}

// CheckAccepting validates that an order may be placed against the window.
func (m *Manager) CheckAccepting(marketID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.windows[marketID]
	if !ok {
		return errors.Wrapf(ErrNotAccepting, "unknown market %s", marketID)
	}
	if !w.Accepting() {
		return errors.Wrapf(ErrNotAccepting, "market %s status %s", marketID, w.Status)
	}
	return nil
}

// UpdateBook fetches a fresh order-book snapshot for the instrument's current
// window.
func (m *Manager) UpdateBook(ctx context.Context, instrument string) error {
	w, ok := m.Current(instrument)
	if !ok {
		return nil
	}
	book, err := m.api.GetOrderBook(ctx, w.ID)
	if err != nil {
		return errors.Wrapf(err, "order book %s", w.ID)
	}
	m.mu.Lock()
	m.books[w.ID] = book
	m.mu.Unlock()
	return nil
}

// Book returns the latest snapshot for a market, ok=false when missing or
// older than the freshness threshold.
func (m *Manager) Book(marketID string, now time.Time) (*venue.Book, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[marketID]
	if !ok {
		return nil, false
	}
	if m.cfg.BookFreshness > 0 && b.Age(now) > m.cfg.BookFreshness {
		return nil, false
	}
	return b, true
}

// EnsureStrike fills in a window's strike through the source chain: venue
// published value, feed spot shortly after open, then back-solving from the
// market's own mid price.
func (m *Manager) EnsureStrike(marketID string, spot, upMid, vol float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[marketID]
	if !ok || w.Strike > 0 {
		return
	}

	if spot > 0 && now.Sub(w.OpenTime) < time.Minute {
		w.Strike = spot
		w.StrikeSource = StrikeSourceSpot
		log.Infof("%s strike %.4f from spot (%s into window)", w.ID, w.Strike, now.Sub(w.OpenTime).Round(time.Second))
		return
	}

	if solved := fairvalue.BackSolveStrike(spot, upMid, w.TimeToExpiry(now), vol); solved > 0 {
		w.Strike = solved
		w.StrikeSource = StrikeSourceBackSolve
		log.Infof("%s strike %.4f back-solved from mid=%.2f", w.ID, w.Strike, upMid)
		return
	}

	if spot > 0 {
		w.Strike = spot
		w.StrikeSource = StrikeSourceSpot
	}
}

// MarkSettled records the oracle confirmation for a window.
func (m *Manager) MarkSettled(marketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[marketID]; ok {
		w.markSettled()
	}
}

// Evict removes a settled window from tracking. Called only after settlement
// is confirmed and any redemption completed.
func (m *Manager) Evict(marketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[marketID]
	if !ok {
		return
	}
	if w.Status != StatusSettled {
		log.Warnf("refusing to evict %s in status %s", marketID, w.Status)
		return
	}
	delete(m.windows, marketID)
	delete(m.books, marketID)
}

// Instruments returns the instruments with a current window.
func (m *Manager) Instruments() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.current))
	for in := range m.current {
		out = append(out, in)
	}
	return out
}
