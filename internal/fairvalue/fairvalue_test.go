package fairvalue

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateAboveStrike(t *testing.T) {
	en := NewEngine()
	est := en.Estimate(Inputs{
		Spot:         101000,
		Strike:       100000,
		TimeToExpiry: 10 * time.Minute,
		Volatility:   0.5,
	})

	assert.Greater(t, est.ProbUp, 0.5)
	assert.InDelta(t, 1.0, est.ProbUp+est.ProbDown, 0.021)
	assert.Greater(t, est.D, 0.0)
}

func TestEstimateBelowStrike(t *testing.T) {
	en := NewEngine()
	est := en.Estimate(Inputs{
		Spot:         99000,
		Strike:       100000,
		TimeToExpiry: 10 * time.Minute,
		Volatility:   0.5,
	})
	assert.Less(t, est.ProbUp, 0.5)
}

func TestEstimateClampedToTradableRange(t *testing.T) {
	en := NewEngine()

	// Deep in the money with almost no time left.
	est := en.Estimate(Inputs{
		Spot:         110000,
		Strike:       100000,
		TimeToExpiry: time.Second,
		Volatility:   0.2,
	})
	assert.Equal(t, MaxPrice, est.ProbUp)
	assert.Equal(t, MinPrice, est.ProbDown)
}

func TestEstimateNeverNaN(t *testing.T) {
	en := NewEngine()
	cases := []Inputs{
		{Spot: 0, Strike: 100, TimeToExpiry: time.Minute, Volatility: 0.5},
		{Spot: 100, Strike: 0, TimeToExpiry: time.Minute, Volatility: 0.5},
		{Spot: 100, Strike: 100, TimeToExpiry: time.Minute, Volatility: 0},
		{Spot: 100, Strike: 100, TimeToExpiry: -time.Minute, Volatility: 0.5},
	}
	for _, in := range cases {
		est := en.Estimate(in)
		assert.False(t, math.IsNaN(est.ProbUp), "inputs %+v", in)
		assert.False(t, math.IsNaN(est.ProbDown), "inputs %+v", in)
	}
}

func TestExpiryBoundary(t *testing.T) {
	en := NewEngine()

	up := en.Estimate(Inputs{Spot: 101, Strike: 100, TimeToExpiry: 0})
	assert.Equal(t, 1.0, up.ProbUp)

	down := en.Estimate(Inputs{Spot: 99, Strike: 100, TimeToExpiry: 0})
	assert.Equal(t, 0.0, down.ProbUp)
}

func TestExpiryTieBreaksOnMomentum(t *testing.T) {
	en := NewEngine()

	rising := en.Estimate(Inputs{Spot: 100, Strike: 100, TimeToExpiry: 0, Momentum: 0.001})
	assert.Equal(t, 1.0, rising.ProbUp)

	falling := en.Estimate(Inputs{Spot: 100, Strike: 100, TimeToExpiry: 0, Momentum: -0.001})
	assert.Equal(t, 0.0, falling.ProbUp)

	flat := en.Estimate(Inputs{Spot: 100, Strike: 100, TimeToExpiry: 0})
	assert.Equal(t, 0.5, flat.ProbUp)
}

func TestVolatilityClamped(t *testing.T) {
	en := NewEngine()

	low := en.Estimate(Inputs{Spot: 100, Strike: 100, TimeToExpiry: time.Minute, Volatility: 0.001})
	assert.Equal(t, en.MinVol, low.Volatility)

	high := en.Estimate(Inputs{Spot: 100, Strike: 100, TimeToExpiry: time.Minute, Volatility: 50})
	assert.Equal(t, en.MaxVol, high.Volatility)
}

func TestNormalCDF(t *testing.T) {
	assert.InDelta(t, 0.5, NormalCDF(0), 1e-12)
	assert.InDelta(t, 0.8413, NormalCDF(1), 1e-4)
	assert.InDelta(t, 0.0228, NormalCDF(-2), 1e-4)
}

func TestInverseNormalCDFRoundTrip(t *testing.T) {
	for _, p := range []float64{0.2, 0.35, 0.5, 0.65, 0.8} {
		x := InverseNormalCDF(p)
		// A&S 26.2.23 carries ~4.5e-4 absolute error.
		assert.InDelta(t, p, NormalCDF(x), 1e-3, "p=%v", p)
	}
}

func TestBackSolveStrikeRecoversInput(t *testing.T) {
	en := NewEngine()
	const (
		spot   = 100000.0
		strike = 100050.0
		vol    = 0.6
	)
	ttl := 8 * time.Minute

	est := en.Estimate(Inputs{Spot: spot, Strike: strike, TimeToExpiry: ttl, Volatility: vol})
	require.Greater(t, est.ProbUp, 0.1)
	require.Less(t, est.ProbUp, 0.9)

	solved := BackSolveStrike(spot, est.ProbUp, ttl, vol)
	assert.InDelta(t, strike, solved, strike*0.001)
}

func TestBackSolveStrikeRejectsBadInputs(t *testing.T) {
	assert.Zero(t, BackSolveStrike(0, 0.5, time.Minute, 0.5))
	assert.Zero(t, BackSolveStrike(100, 0.95, time.Minute, 0.5))
	assert.Zero(t, BackSolveStrike(100, 0.5, 10*time.Second, 0.5))
	assert.Zero(t, BackSolveStrike(100, 0.5, time.Minute, 0))
}

func TestRequiredMove(t *testing.T) {
	move := RequiredMove(10*time.Minute, 0.5, 0.8)
	assert.Greater(t, move, 0.0)

	// Longer horizon needs a larger move for the same probability.
	longer := RequiredMove(time.Hour, 0.5, 0.8)
	assert.Greater(t, longer, move)
}
