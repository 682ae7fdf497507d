// Package feed maintains a real-time reference price stream per instrument:
// latest tick, rolling realized volatility and short-horizon momentum. A feed
// that stops updating turns stale instead of silently serving old prices.
package feed

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "feed")

// SecondsPerYear annualizes realized volatility.
const SecondsPerYear = 365.25 * 24 * 3600

// ErrStaleFeed is returned when no tick arrived within the staleness
// threshold. Consumers treat it as "no signal", never as zero volatility.
var ErrStaleFeed = errors.New("price feed is stale")

// ErrUnknownInstrument is returned for instruments the feed does not track.
var ErrUnknownInstrument = errors.New("unknown instrument")

// Tick is one normalized price observation. Immutable once created.
type Tick struct {
	Instrument string
	Price      float64
	At         time.Time
	Source     string
}

// Config controls the feed connection and derived statistics.
type Config struct {
	URL           string
	Instruments   []string
	VolWindow     time.Duration // rolling window for realized vol
	StaleAfter    time.Duration
	ReconnectWait time.Duration
	Source        string // tag recorded on every tick
}

type instrumentState struct {
	ticks    []Tick // time-ordered, trimmed to VolWindow
	lastTick Tick
	hasTick  bool

	cachedVol   float64
	volCachedAt time.Time
}

// Feed is the streaming price feed. Start launches the listener goroutine;
// readers use Latest / RealizedVolatility / Momentum concurrently.
type Feed struct {
	cfg Config

	mu    sync.RWMutex
	state map[string]*instrumentState

	dial func(ctx context.Context, url string) (wsConn, error)
}

// wsConn is the subset of *websocket.Conn the reader loop needs; tests
// substitute a fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// New creates a feed for the configured instruments.
func New(cfg Config) *Feed {
	if cfg.VolWindow <= 0 {
		cfg.VolWindow = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	f := &Feed{
		cfg:   cfg,
		state: make(map[string]*instrumentState),
		dial: func(ctx context.Context, url string) (wsConn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
	for _, in := range cfg.Instruments {
		f.state[in] = &instrumentState{}
	}
	return f
}

type wireTick struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Timestamp  int64   `json:"timestamp"` // ms
}

// Run connects and consumes the stream until ctx is cancelled, reconnecting
// with backoff on any error.
func (f *Feed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := f.consume(ctx); err != nil && ctx.Err() == nil {
			log.Warnf("feed disconnected: %v, reconnecting in %v", err, f.cfg.ReconnectWait)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.cfg.ReconnectWait):
		}
	}
}

func (f *Feed) consume(ctx context.Context) error {
	conn, err := f.dial(ctx, f.cfg.URL)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()

	// ReadMessage blocks; closing the conn from a ctx watcher is the only way
	// to unblock it when the run is cancelled.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readDone:
		}
	}()

	sub := map[string]interface{}{
		"action":      "subscribe",
		"instruments": f.cfg.Instruments,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return errors.Wrap(err, "subscribe")
	}
	log.Infof("feed connected: %d instruments", len(f.cfg.Instruments))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read")
		}
		var wt wireTick
		if err := json.Unmarshal(data, &wt); err != nil {
			continue // ignore non-tick frames
		}
		if wt.Instrument == "" || wt.Price <= 0 {
			continue
		}
		f.Record(Tick{
			Instrument: wt.Instrument,
			Price:      wt.Price,
			At:         time.UnixMilli(wt.Timestamp),
			Source:     f.cfg.Source,
		})
	}
}

// Record appends one tick. Out-of-order and duplicate timestamps per
// instrument are dropped so the buffer stays strictly monotonic.
func (f *Feed) Record(t Tick) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.state[t.Instrument]
	if !ok {
		return
	}
	if st.hasTick && !t.At.After(st.lastTick.At) {
		return
	}
	if st.hasTick {
		if gap := t.At.Sub(st.lastTick.At); gap > f.cfg.StaleAfter {
			log.Warnf("%s tick gap of %v detected", t.Instrument, gap)
		}
	}

	st.lastTick = t
	st.hasTick = true
	st.ticks = append(st.ticks, t)

	cutoff := t.At.Add(-f.cfg.VolWindow)
	i := 0
	for ; i < len(st.ticks); i++ {
		if !st.ticks[i].At.Before(cutoff) {
			break
		}
	}
	if i > 0 {
		st.ticks = st.ticks[i:]
	}
}

// Latest returns the newest tick for an instrument, or ErrStaleFeed when the
// feed has not updated within the staleness threshold.
func (f *Feed) Latest(instrument string) (Tick, error) {
	return f.latestAt(instrument, time.Now())
}

func (f *Feed) latestAt(instrument string, now time.Time) (Tick, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st, ok := f.state[instrument]
	if !ok {
		return Tick{}, ErrUnknownInstrument
	}
	if !st.hasTick {
		return Tick{}, ErrStaleFeed
	}
	if now.Sub(st.lastTick.At) > f.cfg.StaleAfter {
		return Tick{}, errors.Wrapf(ErrStaleFeed, "%s last tick %v old", instrument, now.Sub(st.lastTick.At))
	}
	return st.lastTick, nil
}

// RealizedVolatility computes annualized stddev of log returns over the
// rolling window. Returns 0 with ok=false when there is not enough data.
func (f *Feed) RealizedVolatility(instrument string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.state[instrument]
	if !ok {
		return 0, false
	}

	// Cached briefly: vol moves slowly relative to tick rate.
	if !st.volCachedAt.IsZero() && time.Since(st.volCachedAt) < 10*time.Second {
		return st.cachedVol, st.cachedVol > 0
	}

	vol, ok := realizedVol(st.ticks)
	if ok {
		st.cachedVol = vol
		st.volCachedAt = time.Now()
	}
	return vol, ok
}

func realizedVol(ticks []Tick) (float64, bool) {
	if len(ticks) < 5 {
		return 0, false
	}

	var returns []float64
	var dts []float64
	for i := 1; i < len(ticks); i++ {
		dt := ticks[i].At.Sub(ticks[i-1].At).Seconds()
		if dt <= 0 || ticks[i-1].Price <= 0 {
			continue
		}
		returns = append(returns, math.Log(ticks[i].Price/ticks[i-1].Price))
		dts = append(dts, dt)
	}
	if len(returns) < 4 {
		return 0, false
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	var avgDt float64
	for _, dt := range dts {
		avgDt += dt
	}
	avgDt /= float64(len(dts))
	if avgDt <= 0 {
		return 0, false
	}

	// Scale per-sample variance to annual.
	annualized := math.Sqrt(variance * SecondsPerYear / avgDt)
	return annualized, true
}

// Momentum returns the signed fractional price change over the lookback
// period, e.g. 0.001 = +0.1%. ok=false when the window has no usable base.
func (f *Feed) Momentum(instrument string, lookback time.Duration) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st, ok := f.state[instrument]
	if !ok || !st.hasTick || lookback <= 0 {
		return 0, false
	}

	// Clock base: lookback measured from the latest tick, not wall clock, so
	// a briefly quiet stream does not bias the base tick selection.
	cutoff := st.lastTick.At.Add(-lookback)
	var base *Tick
	for i := range st.ticks {
		if !st.ticks[i].At.Before(cutoff) {
			base = &st.ticks[i]
			break
		}
	}
	if base == nil || base.Price <= 0 {
		return 0, false
	}
	return (st.lastTick.Price - base.Price) / base.Price, true
}
