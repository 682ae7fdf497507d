// Package sizing converts a signal's edge and the current bankroll into a
// concrete order size via fractional Kelly with floors and caps.
package sizing

import (
	"math"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "sizing")

// Config controls sizing behavior.
type Config struct {
	KellyFraction  float64 // e.g. 0.5 for half-Kelly
	KellyStrong    float64 // applied when the signal cleared the strong threshold
	MaxBetFraction float64 // cap as a fraction of available bankroll, 0 disables
	MaxBetUSDC     float64 // absolute cap per trade, 0 disables
	MinOrderTokens float64 // venue minimum order size in tokens
	MinOrderUSDC   float64 // venue minimum order notional

	// MinSizeMode always orders the venue minimum, ignoring Kelly. Used for
	// data-collection phases. Instruments listed in KellyInstruments are
	// exempt and sized by Kelly anyway.
	MinSizeMode      bool
	KellyInstruments []string
}

// Order is a concrete sized order: whole tokens at a price, with the USDC
// cost to reserve.
type Order struct {
	Tokens float64
	Cost   decimal.Decimal
}

// Sizer computes order sizes.
type Sizer struct {
	cfg Config
}

func NewSizer(cfg Config) *Sizer {
	return &Sizer{cfg: cfg}
}

// KellyFraction returns the raw Kelly fraction for a binary payoff bought at
// price with win probability fair: f* = (p*b - q)/b with b = 1/price - 1,
// which reduces to (fair - price) / (1 - price). Non-positive when there is
// no edge.
func KellyFraction(fair, price float64) float64 {
	if price <= 0.01 || price >= 0.99 || fair <= 0 {
		return 0
	}
	b := 1/price - 1
	if b <= 0 {
		return 0
	}
	return (fair*b - (1 - fair)) / b
}

// Size computes the order for one signal against the available (uncommitted)
// bankroll snapshot. Returns ok=false when no order should be placed. The
// result never exceeds available.
func (s *Sizer) Size(instrument string, fair, askPrice float64, strong bool, available decimal.Decimal) (Order, bool) {
	avail, _ := available.Float64()
	if avail < s.cfg.MinOrderUSDC {
		return Order{}, false
	}

	if s.useMinSize(instrument) {
		return s.minSizeOrder(askPrice, avail)
	}

	kelly := KellyFraction(fair, askPrice)
	if kelly <= 0 {
		return Order{}, false
	}

	fraction := s.cfg.KellyFraction
	if strong && s.cfg.KellyStrong > fraction {
		fraction = s.cfg.KellyStrong
	}
	betFraction := kelly * fraction

	// Kelly can ask for huge fractions near expiry when fair approaches 1.
	// The max-bet cap keeps any single trade from dominating the bankroll.
	if s.cfg.MaxBetFraction > 0 && betFraction > s.cfg.MaxBetFraction {
		betFraction = s.cfg.MaxBetFraction
	}

	usdc := betFraction * avail
	if s.cfg.MaxBetUSDC > 0 && usdc > s.cfg.MaxBetUSDC {
		usdc = s.cfg.MaxBetUSDC
	}
	if usdc < s.cfg.MinOrderUSDC {
		usdc = s.cfg.MinOrderUSDC
	}
	if usdc > avail {
		usdc = avail
	}

	// Whole tokens: a 2dp price times an integer count keeps cost at 2dp.
	tokens := math.Floor(usdc / askPrice)
	if tokens < s.cfg.MinOrderTokens {
		return Order{}, false
	}

	cost := decimal.NewFromFloat(askPrice).Mul(decimal.NewFromFloat(tokens))
	if cost.GreaterThan(available) {
		return Order{}, false
	}

	log.Debugf("%s kelly=%.3f fraction=%.2f -> %0.f tokens ($%s)", instrument, kelly, fraction, tokens, cost)
	return Order{Tokens: tokens, Cost: cost}, true
}

// MinOrder returns the venue-minimum order at the given price, used for the
// FOK fallback retry on thin books.
func (s *Sizer) MinOrder(askPrice float64, available decimal.Decimal) (Order, bool) {
	avail, _ := available.Float64()
	return s.minSizeOrder(askPrice, avail)
}

func (s *Sizer) minSizeOrder(askPrice, avail float64) (Order, bool) {
	tokens := s.cfg.MinOrderTokens
	cost := decimal.NewFromFloat(askPrice).Mul(decimal.NewFromFloat(tokens))
	c, _ := cost.Float64()
	if c < s.cfg.MinOrderUSDC || c > avail {
		return Order{}, false
	}
	return Order{Tokens: tokens, Cost: cost}, true
}

func (s *Sizer) useMinSize(instrument string) bool {
	if !s.cfg.MinSizeMode {
		return false
	}
	for _, in := range s.cfg.KellyInstruments {
		if in == instrument {
			return false
		}
	}
	return true
}
