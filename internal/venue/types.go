package venue

import (
	"time"

	"github.com/betbot/snipe/internal/domain"
)

// OrderType is the execution style requested from the venue. The engine only
// ever uses FOK: fill in full immediately or cancel, never rest on the book.
type OrderType string

const (
	OrderTypeFOK OrderType = "FOK"
	OrderTypeGTC OrderType = "GTC" // quoting variant only
)

// OrderState is the venue-reported terminal/non-terminal status of an order.
type OrderState string

const (
	OrderStateMatched   OrderState = "MATCHED"
	OrderStateFilled    OrderState = "FILLED"
	OrderStateLive      OrderState = "LIVE" // accepted but resting, not filled
	OrderStateOpen      OrderState = "OPEN"
	OrderStateCanceled  OrderState = "CANCELED"
	OrderStateUnmatched OrderState = "UNMATCHED"
)

// IsFilled reports a venue-confirmed fill.
func (s OrderState) IsFilled() bool {
	return s == OrderStateMatched || s == OrderStateFilled
}

// IsResting reports the accepted-but-unfilled state that must never be
// treated as a fill.
func (s OrderState) IsResting() bool {
	return s == OrderStateLive || s == OrderStateOpen
}

// Market is a binary window as listed by the venue.
type Market struct {
	ID         string            `json:"id"`
	Slug       string            `json:"slug"`
	Instrument string            `json:"instrument"`
	Timeframe  string            `json:"timeframe"`
	OpenTime   time.Time         `json:"openTime"`
	CloseTime  time.Time         `json:"closeTime"`
	Strike     float64           `json:"strike"` // 0 when the venue does not publish it
	TokenIDs   map[string]string `json:"tokenIds"`
}

// TokenID returns the venue token identifier for a side.
func (m *Market) TokenID(side domain.Side) string {
	return m.TokenIDs[string(side)]
}

// Quote is one price level.
type Quote struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Book is a top-of-book snapshot for both sides of one market.
type Book struct {
	MarketID  string
	UpBid     Quote
	UpAsk     Quote
	DownBid   Quote
	DownAsk   Quote
	FetchedAt time.Time
}

// BestAsk returns the ask quote for a side.
func (b *Book) BestAsk(side domain.Side) Quote {
	if side == domain.SideUp {
		return b.UpAsk
	}
	return b.DownAsk
}

// BestBid returns the bid quote for a side.
func (b *Book) BestBid(side domain.Side) Quote {
	if side == domain.SideUp {
		return b.UpBid
	}
	return b.DownBid
}

// Mid returns the side's midpoint, 0 if either level is missing.
func (b *Book) Mid(side domain.Side) float64 {
	bid, ask := b.BestBid(side), b.BestAsk(side)
	if bid.Price <= 0 || ask.Price <= 0 {
		return 0
	}
	return (bid.Price + ask.Price) / 2
}

// Age reports how stale the snapshot is.
func (b *Book) Age(now time.Time) time.Duration {
	return now.Sub(b.FetchedAt)
}

// SubmitRequest is one order submission.
type SubmitRequest struct {
	MarketID string      `json:"marketId"`
	TokenID  string      `json:"tokenId"`
	Side     domain.Side `json:"side"`
	Price    float64     `json:"price"`
	Size     float64     `json:"size"` // tokens
	Type     OrderType   `json:"type"`
}

// SubmitResult is the venue's acknowledgment. Accepted means the venue took
// the order; it says nothing about execution. Callers must confirm the fill
// through GetOrderStatus before recording anything.
type SubmitResult struct {
	Accepted bool       `json:"accepted"`
	OrderID  string     `json:"orderId"`
	Status   OrderState `json:"status"`
	Message  string     `json:"message"`
}

// OrderStatus is the venue's answer to a status query.
type OrderStatus struct {
	OrderID    string     `json:"orderId"`
	State      OrderState `json:"state"`
	FilledSize float64    `json:"filledSize"`
	AvgPrice   float64    `json:"avgPrice"`
}

// Balance is the authoritative wallet balance. The engine's ledger is a cache
// of this, never the other way around.
type Balance struct {
	Available float64 `json:"available"`
	Committed float64 `json:"committed"`
}

// Total is available plus committed.
func (b Balance) Total() float64 {
	return b.Available + b.Committed
}

// OutcomeResponse is the settlement oracle's answer for one market.
type OutcomeResponse struct {
	MarketID    string `json:"marketId"`
	Resolved    bool   `json:"resolved"`
	WinningSide string `json:"winningSide"`
}

// RedeemResult reports a redemption of winning claims.
type RedeemResult struct {
	MarketID string  `json:"marketId"`
	Amount   float64 `json:"amount"`
	TxHash   string  `json:"txHash"`
}
