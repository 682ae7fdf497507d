// Package signal turns a fair-value estimate and an order-book snapshot into
// at most one trade decision per evaluation cycle. The filter chain is
// conjunctive: every enabled filter must pass.
package signal

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/snipe/internal/domain"
	"github.com/betbot/snipe/internal/fairvalue"
	"github.com/betbot/snipe/internal/venue"
)

var log = logrus.WithField("component", "signal")

// Config is the filter configuration. Zero values disable optional filters.
type Config struct {
	MinEdge       float64
	StrongEdge    float64
	MinEntryPrice float64
	MaxEntryPrice float64

	MaxVol       float64 // 0 disables the volatility cap
	MinMomentum  float64 // 0 disables momentum confirmation
	MinFairValue float64 // 0.50 or less effectively disables

	BlockHours    []int // UTC hours with no entries
	BlockWeekends bool

	SideFilter string // "both" (default), "up", "down"

	MinWindowElapsed time.Duration // 0 disables
	MaxWindowElapsed time.Duration // 0 disables

	// ConfirmTicks is how many consecutive evaluations must elect the same
	// side before a signal is emitted. A single passing cycle can be book
	// flicker; persistence is what separates a move from noise. <=1 emits
	// immediately.
	ConfirmTicks int

	Timeframe string
}

// Input is everything one evaluation cycle looks at.
type Input struct {
	MarketID   string
	Instrument string

	Book *venue.Book
	Est  fairvalue.Estimate

	Vol          float64
	Displacement float64 // (spot - strike) / strike

	Elapsed  time.Duration // time since window open
	TimeLeft time.Duration

	HasUp, HasDown           bool // existing positions this window
	CooldownUp, CooldownDown bool // recent failed order on the side

	Now time.Time
}

// Evaluator applies the filter chain.
type Evaluator struct {
	cfg Config

	mu      sync.Mutex
	streaks map[string]*confirmStreak // marketID -> consecutive elections
}

// confirmStreak counts consecutive cycles electing the same side.
type confirmStreak struct {
	side  domain.Side
	count int
}

func NewEvaluator(cfg Config) *Evaluator {
	if cfg.ConfirmTicks <= 0 {
		cfg.ConfirmTicks = 1
	}
	return &Evaluator{
		cfg:     cfg,
		streaks: make(map[string]*confirmStreak),
	}
}

type candidate struct {
	side    domain.Side
	ask     float64
	edge    float64
	fair    float64
	strong  bool
	filters []string
}

// Evaluate returns a Signal or nil with the reason the cycle was skipped.
// When both sides pass every filter, the larger edge wins.
func (e *Evaluator) Evaluate(in Input) (*domain.Signal, string) {
	if reason := e.globalBlocks(in); reason != "" {
		e.resetStreak(in.MarketID)
		return nil, reason
	}

	var best *candidate
	for _, side := range e.sides() {
		c, reason := e.evaluateSide(in, side)
		if c == nil {
			log.Debugf("%s %s: %s", in.MarketID, side, reason)
			continue
		}
		if best == nil || c.edge > best.edge {
			best = c
		}
	}
	if best == nil {
		e.resetStreak(in.MarketID)
		return nil, "no side passed filters"
	}

	if n := e.extendStreak(in.MarketID, best.side); n < e.cfg.ConfirmTicks {
		return nil, fmt.Sprintf("awaiting confirmation %d/%d", n, e.cfg.ConfirmTicks)
	}
	e.resetStreak(in.MarketID)

	return &domain.Signal{
		MarketID:      in.MarketID,
		Instrument:    in.Instrument,
		Side:          best.side,
		Edge:          best.edge,
		FairValue:     best.fair,
		AskPrice:      best.ask,
		Strong:        best.strong,
		FiltersPassed: best.filters,
		At:            in.Now,
	}, ""
}

// extendStreak counts another cycle electing side; a side flip restarts the
// count.
func (e *Evaluator) extendStreak(marketID string, side domain.Side) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.streaks[marketID]
	if !ok || st.side != side {
		e.streaks[marketID] = &confirmStreak{side: side, count: 1}
		return 1
	}
	st.count++
	return st.count
}

func (e *Evaluator) resetStreak(marketID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.streaks, marketID)
}

func (e *Evaluator) globalBlocks(in Input) string {
	utc := in.Now.UTC()
	for _, h := range e.cfg.BlockHours {
		if utc.Hour() == h {
			return "blocked hour"
		}
	}
	if e.cfg.BlockWeekends {
		if wd := utc.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return "weekend blocked"
		}
	}
	if e.cfg.MinWindowElapsed > 0 && in.Elapsed < e.cfg.MinWindowElapsed {
		return "window too young"
	}
	if e.cfg.MaxWindowElapsed > 0 && in.Elapsed > e.cfg.MaxWindowElapsed {
		return "window entry cutoff passed"
	}
	if e.cfg.MaxVol > 0 && in.Vol > e.cfg.MaxVol {
		return "volatility above cap"
	}
	if in.Book == nil {
		return "no order book"
	}
	return ""
}

func (e *Evaluator) sides() []domain.Side {
	switch strings.ToLower(e.cfg.SideFilter) {
	case "up":
		return []domain.Side{domain.SideUp}
	case "down":
		return []domain.Side{domain.SideDown}
	default:
		return []domain.Side{domain.SideUp, domain.SideDown}
	}
}

func (e *Evaluator) evaluateSide(in Input, side domain.Side) (*candidate, string) {
	// One entry per side per window, and never both sides: token counts from
	// independent Kelly sizing differ, so holding both is not an arb.
	if side == domain.SideUp && (in.HasUp || in.HasDown) {
		return nil, "position exists"
	}
	if side == domain.SideDown && (in.HasDown || in.HasUp) {
		return nil, "position exists"
	}
	if (side == domain.SideUp && in.CooldownUp) || (side == domain.SideDown && in.CooldownDown) {
		return nil, "cooldown after failed order"
	}

	ask := in.Book.BestAsk(side)
	if ask.Price <= 0 || ask.Price >= 1 {
		return nil, "no usable ask"
	}

	var passed []string

	if ask.Price < e.cfg.MinEntryPrice || ask.Price > e.cfg.MaxEntryPrice {
		return nil, "ask outside entry price bounds"
	}
	passed = append(passed, "entry_price")

	fair := in.Est.Prob(side == domain.SideUp)
	fee := TakerFeePerToken(ask.Price, e.cfg.Timeframe)
	edge := fair - ask.Price - fee
	if edge < e.cfg.MinEdge {
		return nil, "edge below minimum"
	}
	passed = append(passed, "edge")

	if e.cfg.MinFairValue > 0 && fair < e.cfg.MinFairValue {
		return nil, "fair value below confidence floor"
	}
	passed = append(passed, "fair_value")

	// Momentum confirmation: spot must have displaced from the strike in the
	// direction of the bet.
	if e.cfg.MinMomentum > 0 {
		if side == domain.SideUp && in.Displacement < e.cfg.MinMomentum {
			return nil, "momentum against up entry"
		}
		if side == domain.SideDown && in.Displacement > -e.cfg.MinMomentum {
			return nil, "momentum against down entry"
		}
		passed = append(passed, "momentum")
	}

	if e.cfg.MaxVol > 0 {
		passed = append(passed, "volatility")
	}

	return &candidate{
		side:    side,
		ask:     ask.Price,
		edge:    edge,
		fair:    fair,
		strong:  e.cfg.StrongEdge > 0 && edge >= e.cfg.StrongEdge,
		filters: passed,
	}, ""
}
