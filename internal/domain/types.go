// Package domain holds the shared types of the trading core: market sides,
// position lifecycle, and the decision records flowing through the pipeline.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is one leg of a binary market.
type Side string

const (
	SideUp   Side = "up"
	SideDown Side = "down"
)

// Opposite returns the other leg.
func (s Side) Opposite() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

func (s Side) Valid() bool {
	return s == SideUp || s == SideDown
}

// PositionStatus tracks a position from submission to archive.
//
// Submitted -> Verified | Rejected  (execution, venue fill check)
// Verified  -> Open                 (ledger recorded the committed cost)
// Open      -> Settled              (oracle resolved the market)
// Settled   -> Redeemed             (winning claim recovered to balance)
type PositionStatus string

const (
	PositionSubmitted PositionStatus = "submitted"
	PositionVerified  PositionStatus = "verified"
	PositionRejected  PositionStatus = "rejected"
	PositionOpen      PositionStatus = "open"
	PositionSettled   PositionStatus = "settled"
	PositionRedeemed  PositionStatus = "redeemed"
)

var positionRank = map[PositionStatus]int{
	PositionSubmitted: 0,
	PositionVerified:  1,
	PositionRejected:  1,
	PositionOpen:      2,
	PositionSettled:   3,
	PositionRedeemed:  4,
}

// CanAdvance reports whether moving from to next is a forward transition.
// Position status never moves backwards.
func (s PositionStatus) CanAdvance(next PositionStatus) bool {
	return positionRank[next] > positionRank[s]
}

// Position is a venue-verified holding in one market side. A Position only
// comes into existence after the venue confirmed the fill; nothing here is
// created from a bare order acknowledgment.
type Position struct {
	ID         string
	MarketID   string
	Instrument string
	Side       Side
	EntryPrice float64
	Size       float64 // tokens
	Cost       decimal.Decimal
	Status     PositionStatus
	Won        bool
	Payout     decimal.Decimal
	OpenedAt   time.Time
	SettledAt  time.Time
}

// NewPosition builds a verified position for a confirmed fill.
func NewPosition(marketID, instrument string, side Side, entryPrice, size float64, cost decimal.Decimal, at time.Time) *Position {
	return &Position{
		ID:         uuid.NewString(),
		MarketID:   marketID,
		Instrument: instrument,
		Side:       side,
		EntryPrice: entryPrice,
		Size:       size,
		Cost:       cost,
		Status:     PositionVerified,
		OpenedAt:   at,
	}
}

// PnL is payout minus cost; meaningful once the position settled.
func (p *Position) PnL() decimal.Decimal {
	return p.Payout.Sub(p.Cost)
}

func (p *Position) String() string {
	return fmt.Sprintf("%s %s %s x%.0f @ %.2f [%s]", p.Instrument, p.MarketID, p.Side, p.Size, p.EntryPrice, p.Status)
}

// Signal is a trade decision produced by the evaluator. Ephemeral: it lives
// for one evaluation cycle unless it turns into an order.
type Signal struct {
	MarketID      string
	Instrument    string
	Side          Side
	Edge          float64 // fair value minus ask, net of taker fee
	FairValue     float64
	AskPrice      float64
	Strong        bool // edge cleared the strong-signal threshold
	FiltersPassed []string
	At            time.Time
}

// Outcome is a resolved settlement event from the oracle source.
type Outcome struct {
	MarketID string
	Resolved bool
	Winner   Side
}
