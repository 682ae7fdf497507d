package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/snipe/internal/domain"
	"github.com/betbot/snipe/internal/fairvalue"
	"github.com/betbot/snipe/internal/venue"
)

func testConfig() Config {
	return Config{
		MinEdge:       0.05,
		StrongEdge:    0.10,
		MinEntryPrice: 0.02,
		MaxEntryPrice: 0.85,
		MaxVol:        0.50,
		MinMomentum:   0.0005,
		MinFairValue:  0.50,
		SideFilter:    "both",
		Timeframe:     "1h", // zero taker fee
	}
}

// weekday returns a Tuesday noon UTC timestamp.
func weekday() time.Time {
	return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
}

func baseInput() Input {
	return Input{
		MarketID:   "mkt-1",
		Instrument: "BTC",
		Book: &venue.Book{
			UpAsk:   venue.Quote{Price: 0.60, Size: 100},
			DownAsk: venue.Quote{Price: 0.38, Size: 100},
			UpBid:   venue.Quote{Price: 0.58, Size: 100},
			DownBid: venue.Quote{Price: 0.36, Size: 100},
		},
		Est:          fairvalue.Estimate{ProbUp: 0.70, ProbDown: 0.30},
		Vol:          0.30,
		Displacement: 0.001,
		Elapsed:      5 * time.Minute,
		TimeLeft:     10 * time.Minute,
		Now:          weekday(),
	}
}

func TestEvaluatePassesOnEdge(t *testing.T) {
	ev := NewEvaluator(testConfig())
	sig, reason := ev.Evaluate(baseInput())

	require.NotNil(t, sig, reason)
	assert.Equal(t, domain.SideUp, sig.Side)
	assert.InDelta(t, 0.10, sig.Edge, 1e-9)
	assert.True(t, sig.Strong)
	assert.Contains(t, sig.FiltersPassed, "edge")
	assert.Contains(t, sig.FiltersPassed, "momentum")
}

func TestEvaluateRequiresConfirmation(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmTicks = 2
	ev := NewEvaluator(cfg)

	sig, reason := ev.Evaluate(baseInput())
	assert.Nil(t, sig, "first passing cycle must wait for confirmation")
	assert.Contains(t, reason, "confirmation")

	sig, reason = ev.Evaluate(baseInput())
	require.NotNil(t, sig, reason)
	assert.Equal(t, domain.SideUp, sig.Side)
}

func TestEvaluateConfirmationResetsOnFailedCycle(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmTicks = 2
	ev := NewEvaluator(cfg)

	sig, _ := ev.Evaluate(baseInput())
	assert.Nil(t, sig)

	// An intervening cycle with no edge breaks the streak.
	thin := baseInput()
	thin.Est = fairvalue.Estimate{ProbUp: 0.62, ProbDown: 0.38}
	sig, _ = ev.Evaluate(thin)
	assert.Nil(t, sig)

	sig, reason := ev.Evaluate(baseInput())
	assert.Nil(t, sig, "streak restarted, still awaiting confirmation")
	assert.Contains(t, reason, "confirmation")

	sig, reason = ev.Evaluate(baseInput())
	assert.NotNil(t, sig, reason)
}

func TestEvaluateRejectsThinEdge(t *testing.T) {
	ev := NewEvaluator(testConfig())
	in := baseInput()
	in.Est = fairvalue.Estimate{ProbUp: 0.62, ProbDown: 0.38}

	sig, _ := ev.Evaluate(in)
	assert.Nil(t, sig, "2c of edge is below the 5c minimum")
}

func TestEvaluateFeeErodesEdge(t *testing.T) {
	cfg := testConfig()
	cfg.Timeframe = "15m" // 0.0624 taker rate
	ev := NewEvaluator(cfg)

	in := baseInput()
	// Gross edge 6c; 15m fee at 60c is 0.6*0.4*0.0624 ~ 1.5c, net under 5c.
	in.Est = fairvalue.Estimate{ProbUp: 0.66, ProbDown: 0.34}

	sig, _ := ev.Evaluate(in)
	assert.Nil(t, sig)

	// Same book priced by the fee-free evaluator passes.
	sig, reason := NewEvaluator(testConfig()).Evaluate(in)
	assert.NotNil(t, sig, reason)
}

func TestEvaluateEntryPriceBounds(t *testing.T) {
	ev := NewEvaluator(testConfig())

	in := baseInput()
	in.Book.UpAsk.Price = 0.90 // above MaxEntryPrice
	in.Est = fairvalue.Estimate{ProbUp: 0.99, ProbDown: 0.01}
	sig, _ := ev.Evaluate(in)
	assert.Nil(t, sig)

	in = baseInput()
	in.Book.UpAsk.Price = 0.01 // below MinEntryPrice
	sig, _ = ev.Evaluate(in)
	assert.Nil(t, sig)
}

func TestEvaluateMomentumMustConfirmDirection(t *testing.T) {
	ev := NewEvaluator(testConfig())

	in := baseInput()
	in.Displacement = -0.001 // spot moved below strike, up bet disagrees
	sig, _ := ev.Evaluate(in)
	assert.Nil(t, sig)

	// Down signal with downward displacement passes.
	in.Est = fairvalue.Estimate{ProbUp: 0.30, ProbDown: 0.70}
	in.Book.DownAsk.Price = 0.60
	sig, reason := ev.Evaluate(in)
	require.NotNil(t, sig, reason)
	assert.Equal(t, domain.SideDown, sig.Side)
}

func TestEvaluateExistingPositionBlocksBothSides(t *testing.T) {
	ev := NewEvaluator(testConfig())

	in := baseInput()
	in.HasUp = true
	sig, _ := ev.Evaluate(in)
	assert.Nil(t, sig)

	in = baseInput()
	in.HasDown = true
	sig, _ = ev.Evaluate(in)
	assert.Nil(t, sig, "opposite-side position also blocks entry")
}

func TestEvaluateCooldown(t *testing.T) {
	ev := NewEvaluator(testConfig())
	in := baseInput()
	in.CooldownUp = true

	sig, _ := ev.Evaluate(in)
	assert.Nil(t, sig)
}

func TestEvaluateVolCap(t *testing.T) {
	ev := NewEvaluator(testConfig())
	in := baseInput()
	in.Vol = 0.80

	sig, reason := ev.Evaluate(in)
	assert.Nil(t, sig)
	assert.Equal(t, "volatility above cap", reason)
}

func TestEvaluateBlockedHour(t *testing.T) {
	cfg := testConfig()
	cfg.BlockHours = []int{12}
	ev := NewEvaluator(cfg)

	sig, reason := ev.Evaluate(baseInput())
	assert.Nil(t, sig)
	assert.Equal(t, "blocked hour", reason)
}

func TestEvaluateBlockedWeekend(t *testing.T) {
	cfg := testConfig()
	cfg.BlockWeekends = true
	ev := NewEvaluator(cfg)

	in := baseInput()
	in.Now = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) // Saturday
	sig, reason := ev.Evaluate(in)
	assert.Nil(t, sig)
	assert.Equal(t, "weekend blocked", reason)
}

func TestEvaluateWindowElapsedBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MinWindowElapsed = 2 * time.Minute
	cfg.MaxWindowElapsed = 10 * time.Minute
	ev := NewEvaluator(cfg)

	in := baseInput()
	in.Elapsed = time.Minute
	sig, _ := ev.Evaluate(in)
	assert.Nil(t, sig)

	in.Elapsed = 12 * time.Minute
	sig, _ = ev.Evaluate(in)
	assert.Nil(t, sig)
}

func TestEvaluateMissingBook(t *testing.T) {
	ev := NewEvaluator(testConfig())
	in := baseInput()
	in.Book = nil

	sig, reason := ev.Evaluate(in)
	assert.Nil(t, sig)
	assert.Equal(t, "no order book", reason)
}

func TestEvaluateSideFilter(t *testing.T) {
	cfg := testConfig()
	cfg.SideFilter = "down"
	ev := NewEvaluator(cfg)

	// Up has the edge, but only down is allowed.
	sig, _ := ev.Evaluate(baseInput())
	assert.Nil(t, sig)
}

func TestEvaluatePicksLargerEdge(t *testing.T) {
	cfg := testConfig()
	cfg.MinMomentum = 0    // disable direction confirmation
	cfg.MinFairValue = 0   // both sides eligible
	ev := NewEvaluator(cfg)

	in := baseInput()
	// Up edge: 0.70-0.60 = 0.10; down edge: 0.30-0.18 = 0.12.
	in.Book.DownAsk.Price = 0.18
	sig, reason := ev.Evaluate(in)
	require.NotNil(t, sig, reason)
	assert.Equal(t, domain.SideDown, sig.Side)
}

func TestTakerFeePerToken(t *testing.T) {
	assert.InDelta(t, 0.5*0.5*0.0176, TakerFeePerToken(0.50, "5m"), 1e-12)
	assert.InDelta(t, 0.6*0.4*0.0624, TakerFeePerToken(0.60, "15m"), 1e-12)
	assert.Zero(t, TakerFeePerToken(0.50, "1h"))
	assert.Zero(t, TakerFeePerToken(0.50, "unknown"))

	// Fee peaks at the midpoint.
	assert.Greater(t, TakerFeePerToken(0.50, "15m"), TakerFeePerToken(0.90, "15m"))
}
