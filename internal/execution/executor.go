// Package execution submits fill-or-abort orders and verifies fills against
// the venue before any position is recorded. A submission acknowledgment is
// never treated as proof of execution: the historically observed failure mode
// is an "accepted" order left resting on the book that fills minutes later,
// unobserved.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/snipe/internal/domain"
	"github.com/betbot/snipe/internal/venue"
)

var log = logrus.WithField("component", "execution")

// ErrVerifyAmbiguous marks a fill whose status could not be resolved within
// the retry budget. The reservation stays held and an operator alert fires;
// the engine must not size against that capital until resolved.
var ErrVerifyAmbiguous = errors.New("fill verification ambiguous")

// ResultKind classifies one submission attempt.
type ResultKind int

const (
	ResultFilled ResultKind = iota
	ResultRejected
	ResultUnknown
)

func (k ResultKind) String() string {
	switch k {
	case ResultFilled:
		return "filled"
	case ResultRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result is the outcome of Submit.
type Result struct {
	Kind     ResultKind
	Position *domain.Position // set when Kind == ResultFilled
	OrderID  string
	Reason   string
}

// Candidate is a sized order ready for submission.
type Candidate struct {
	MarketID   string
	Instrument string
	TokenID    string
	Side       domain.Side
	Price      float64
	Tokens     float64
	Cost       decimal.Decimal
	AskDepth   float64 // best-ask size at decision time, for observe mode
}

// AlertFunc surfaces operator-visible conditions.
type AlertFunc func(kind, message string)

// Config controls verification behavior.
type Config struct {
	VerifyRetries int
	VerifyBackoff time.Duration
	ObserveMode   bool // simulate fills instead of submitting real orders
}

// Executor submits and verifies orders.
type Executor struct {
	api   venue.API
	cfg   Config
	alert AlertFunc

	mu       sync.Mutex
	verified map[string]string // orderID -> position ID, re-verification guard
}

func NewExecutor(api venue.API, cfg Config, alert AlertFunc) *Executor {
	if cfg.VerifyRetries <= 0 {
		cfg.VerifyRetries = 5
	}
	if cfg.VerifyBackoff <= 0 {
		cfg.VerifyBackoff = 500 * time.Millisecond
	}
	if alert == nil {
		alert = func(kind, message string) {}
	}
	return &Executor{
		api:      api,
		cfg:      cfg,
		alert:    alert,
		verified: make(map[string]string),
	}
}

// Submit places one fill-or-abort order and confirms its terminal state.
// Sequential per candidate: no speculative concurrent resubmission.
func (e *Executor) Submit(ctx context.Context, cand Candidate) Result {
	if e.cfg.ObserveMode {
		return e.simulate(cand)
	}

	res, err := e.api.SubmitOrder(ctx, venue.SubmitRequest{
		MarketID: cand.MarketID,
		TokenID:  cand.TokenID,
		Side:     cand.Side,
		Price:    cand.Price,
		Size:     cand.Tokens,
		Type:     venue.OrderTypeFOK,
	})
	if err != nil {
		return Result{Kind: ResultRejected, Reason: "submit failed: " + err.Error()}
	}
	if !res.Accepted {
		return Result{Kind: ResultRejected, Reason: "venue rejected: " + res.Message}
	}

	// Accepted is not filled. Verify against the venue.
	return e.verify(ctx, cand, res.OrderID)
}

// verify queries the order's terminal status, retrying transient failures.
func (e *Executor) verify(ctx context.Context, cand Candidate, orderID string) Result {
	var lastErr error
	for attempt := 0; attempt < e.cfg.VerifyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return e.ambiguous(cand, orderID, ctx.Err())
			case <-time.After(e.cfg.VerifyBackoff * time.Duration(attempt)):
			}
		}

		status, err := e.api.GetOrderStatus(ctx, orderID)
		if err != nil {
			// Never assume success on a timed-out verification query.
			lastErr = err
			continue
		}

		switch {
		case status.State.IsFilled():
			return e.recordFill(cand, orderID, status)

		case status.State.IsResting():
			// FOK should make this impossible, but the venue has left FOK
			// orders on the book before. Cancel and walk away; no position.
			log.Warnf("order %s accepted but resting (state=%s), cancelling phantom", orderID, status.State)
			if err := e.api.CancelOrder(ctx, orderID); err != nil {
				log.Errorf("cancel of resting order %s failed: %v", orderID, err)
				return e.ambiguous(cand, orderID, err)
			}
			return Result{Kind: ResultRejected, OrderID: orderID, Reason: "accepted but not filled"}

		default:
			// CANCELED / UNMATCHED: clean FOK abort.
			return Result{Kind: ResultRejected, OrderID: orderID, Reason: "order " + string(status.State)}
		}
	}
	return e.ambiguous(cand, orderID, lastErr)
}

func (e *Executor) recordFill(cand Candidate, orderID string, status *venue.OrderStatus) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Re-querying an already verified order must not mint a second position.
	if posID, ok := e.verified[orderID]; ok {
		return Result{Kind: ResultFilled, OrderID: orderID, Reason: "already verified as " + posID}
	}

	price := cand.Price
	if status.AvgPrice > 0 {
		price = status.AvgPrice
	}
	size := cand.Tokens
	if status.FilledSize > 0 {
		size = status.FilledSize
	}
	cost := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(size))

	pos := domain.NewPosition(cand.MarketID, cand.Instrument, cand.Side, price, size, cost, time.Now())
	e.verified[orderID] = pos.ID

	log.Infof("fill verified: %s order=%s", pos, orderID)
	return Result{Kind: ResultFilled, Position: pos, OrderID: orderID}
}

func (e *Executor) ambiguous(cand Candidate, orderID string, cause error) Result {
	msg := fmt.Sprintf("order %s status unresolved after %d attempts", orderID, e.cfg.VerifyRetries)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	log.Errorf("verification ambiguity: %s %s %s", cand.MarketID, cand.Side, msg)
	e.alert("verify_ambiguous", msg)
	return Result{Kind: ResultUnknown, OrderID: orderID, Reason: msg}
}

// Resolve re-queries an ambiguous order. Used by the engine's retry loop
// until the order reaches a terminal state.
func (e *Executor) Resolve(ctx context.Context, cand Candidate, orderID string) Result {
	return e.verify(ctx, cand, orderID)
}

// simulate applies the fill-verification discipline to observe mode: a FOK
// is killed when the visible depth cannot cover it, mirroring the live path.
func (e *Executor) simulate(cand Candidate) Result {
	if cand.AskDepth > 0 && cand.AskDepth < cand.Tokens {
		return Result{
			Kind:   ResultRejected,
			Reason: "simulated FOK killed: insufficient depth",
		}
	}
	pos := domain.NewPosition(cand.MarketID, cand.Instrument, cand.Side, cand.Price, cand.Tokens, cand.Cost, time.Now())
	log.Infof("[observe] simulated fill: %s", pos)
	return Result{Kind: ResultFilled, Position: pos, OrderID: "sim-" + pos.ID}
}
