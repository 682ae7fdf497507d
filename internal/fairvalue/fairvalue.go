// Package fairvalue prices binary up/down markets. For a contract paying $1
// when S(T) > K under zero-drift log-normal diffusion:
//
//	P(up) = Phi( ln(S/K) / (sigma * sqrt(T)) )
//
// Spot comes from the reference feed, K is the window's opening reference
// price, sigma is annualized realized volatility.
package fairvalue

import (
	"math"
	"time"

	"github.com/betbot/snipe/internal/feed"
)

const (
	// MinPrice/MaxPrice clamp estimates to the tradable range. The model's
	// tails are its least trustworthy region; downstream entry-price filters
	// provide the real defense, this just keeps quotes on the board.
	MinPrice = 0.01
	MaxPrice = 0.99

	defaultMinVol = 0.10
	defaultMaxVol = 2.0
)

// Inputs is one pricing request.
type Inputs struct {
	Spot         float64
	Strike       float64
	TimeToExpiry time.Duration
	Volatility   float64 // annualized
	// Momentum breaks the tie when the window expires with spot exactly at
	// the strike: positive picks up, negative picks down, zero gives 0.5.
	Momentum float64
}

// Estimate is a point-in-time fair value with its input snapshot.
type Estimate struct {
	ProbUp     float64
	ProbDown   float64
	D          float64 // moneyness in vol units
	Spot       float64
	Strike     float64
	TimeLeft   time.Duration
	Volatility float64
	ComputedAt time.Time
}

// Prob returns the probability for one side.
func (e Estimate) Prob(up bool) float64 {
	if up {
		return e.ProbUp
	}
	return e.ProbDown
}

// Engine prices binary options with clamped volatility input.
type Engine struct {
	MinVol float64
	MaxVol float64
}

// NewEngine returns an engine with the default volatility clamps.
func NewEngine() *Engine {
	return &Engine{MinVol: defaultMinVol, MaxVol: defaultMaxVol}
}

// Estimate prices one side pair. It always returns a usable number: bad
// inputs degrade to deterministic boundary values, never to NaN or an error.
func (en *Engine) Estimate(in Inputs) Estimate {
	vol := in.Volatility
	if vol < en.MinVol {
		vol = en.MinVol
	}
	if vol > en.MaxVol {
		vol = en.MaxVol
	}

	est := Estimate{
		Spot:       in.Spot,
		Strike:     in.Strike,
		TimeLeft:   in.TimeToExpiry,
		Volatility: vol,
		ComputedAt: time.Now(),
	}

	if in.TimeToExpiry <= 0 {
		up := boundaryProb(in.Spot, in.Strike, in.Momentum)
		est.ProbUp, est.ProbDown = up, 1-up
		switch {
		case up > 0.5:
			est.D = math.Inf(1)
		case up < 0.5:
			est.D = math.Inf(-1)
		}
		return est
	}

	if in.Spot <= 0 || in.Strike <= 0 {
		est.ProbUp, est.ProbDown = 0.5, 0.5
		return est
	}

	t := in.TimeToExpiry.Seconds() / feed.SecondsPerYear
	sigmaSqrtT := vol * math.Sqrt(t)

	var probUp float64
	if sigmaSqrtT < 1e-10 {
		probUp = boundaryProb(in.Spot, in.Strike, in.Momentum)
	} else {
		est.D = math.Log(in.Spot/in.Strike) / sigmaSqrtT
		probUp = NormalCDF(est.D)
	}

	est.ProbUp = clamp(probUp, MinPrice, MaxPrice)
	est.ProbDown = clamp(1-est.ProbUp, MinPrice, MaxPrice)
	return est
}

// boundaryProb resolves the deterministic expiry outcome. Spot exactly at the
// strike falls back to the sign of recent momentum.
func boundaryProb(spot, strike, momentum float64) float64 {
	switch {
	case spot > strike:
		return 1.0
	case spot < strike:
		return 0.0
	case momentum > 0:
		return 1.0
	case momentum < 0:
		return 0.0
	default:
		return 0.5
	}
}

// NormalCDF is the standard normal CDF via the error function.
func NormalCDF(x float64) float64 {
	return 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
}

// InverseNormalCDF approximates Phi^-1 (Abramowitz & Stegun 26.2.23).
func InverseNormalCDF(p float64) float64 {
	if p <= 0 || p >= 1 {
		return 0
	}
	if p < 0.5 {
		return -InverseNormalCDF(1 - p)
	}
	t := math.Sqrt(-2 * math.Log(1-p))
	const (
		c0, c1, c2 = 2.515517, 0.802853, 0.010328
		d1, d2, d3 = 1.432788, 0.189269, 0.001308
	)
	return t - (c0+c1*t+c2*t*t)/(1+d1*t+d2*t*t+d3*t*t*t)
}

// BackSolveStrike recovers the strike implied by the market's current up-side
// mid price. Used when a window is discovered too late to observe the strike
// directly. Returns 0 when the inputs cannot support a solution.
func BackSolveStrike(spot, upMid float64, timeToExpiry time.Duration, vol float64) float64 {
	if spot <= 0 || upMid <= 0.1 || upMid >= 0.9 || timeToExpiry <= 30*time.Second || vol <= 0 {
		return 0
	}
	t := timeToExpiry.Seconds() / feed.SecondsPerYear
	sigmaSqrtT := vol * math.Sqrt(t)
	d := InverseNormalCDF(upMid)
	return spot * math.Exp(-d*sigmaSqrtT)
}

// RequiredMove reports the fractional spot move needed to push P(up) to
// targetProb at the given horizon and vol. Sensitivity diagnostic only.
func RequiredMove(timeToExpiry time.Duration, vol, targetProb float64) float64 {
	if timeToExpiry <= 0 || vol <= 0 || targetProb <= 0 || targetProb >= 1 {
		return 0
	}
	t := timeToExpiry.Seconds() / feed.SecondsPerYear
	return math.Exp(InverseNormalCDF(targetProb)*vol*math.Sqrt(t)) - 1
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
