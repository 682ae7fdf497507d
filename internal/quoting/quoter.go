// Package quoting implements the passive two-sided variant: instead of taking
// displayed asks, it rests GTC bids around fair value on both legs and earns
// the spread, within inventory bounds. Quotes are pulled before expiry and
// whenever fair value moves away from them.
package quoting

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/snipe/internal/domain"
	"github.com/betbot/snipe/internal/venue"
)

var log = logrus.WithField("component", "quoting")

// Config controls quote placement.
type Config struct {
	HalfSpread       float64       // distance from fair value to each quote
	QuoteTokens      float64       // size per quote
	MaxInventory     float64       // max net tokens held per side
	RequoteThreshold float64       // fair move that forces a cancel/replace
	ExpiryCutoff     time.Duration // pull all quotes this close to expiry
	ObserveMode      bool
}

// liveQuote is one resting order we placed.
type liveQuote struct {
	orderID string
	side    domain.Side
	price   float64
	tokens  float64
	fairAt  float64 // fair value when placed
}

// Quoter maintains resting quotes for one market window at a time.
type Quoter struct {
	cfg Config
	api venue.API

	mu        sync.Mutex
	marketID  string
	quotes    map[string]*liveQuote // by order ID
	inventory map[domain.Side]float64
}

func NewQuoter(api venue.API, cfg Config) *Quoter {
	if cfg.HalfSpread <= 0 {
		cfg.HalfSpread = 0.02
	}
	if cfg.RequoteThreshold <= 0 {
		cfg.RequoteThreshold = 0.01
	}
	if cfg.ExpiryCutoff <= 0 {
		cfg.ExpiryCutoff = 2 * time.Minute
	}
	return &Quoter{
		cfg:       cfg,
		api:       api,
		quotes:    make(map[string]*liveQuote),
		inventory: map[domain.Side]float64{domain.SideUp: 0, domain.SideDown: 0},
	}
}

// Update reprices quotes for the market given the latest fair value. Called
// once per evaluation cycle by the engine when running in maker mode.
func (q *Quoter) Update(ctx context.Context, mkt *venue.Market, fairUp float64, timeLeft time.Duration) {
	q.mu.Lock()
	if q.marketID != mkt.ID {
		// Window rotated: quotes on the old market die with it, inventory
		// resolves through settlement.
		q.quotes = make(map[string]*liveQuote)
		q.inventory = map[domain.Side]float64{domain.SideUp: 0, domain.SideDown: 0}
		q.marketID = mkt.ID
	}
	q.mu.Unlock()

	if timeLeft <= q.cfg.ExpiryCutoff {
		q.CancelAll(ctx)
		return
	}

	for _, side := range []domain.Side{domain.SideUp, domain.SideDown} {
		fair := fairUp
		if side == domain.SideDown {
			fair = 1 - fairUp
		}
		q.quoteSide(ctx, mkt, side, fair)
	}
}

func (q *Quoter) quoteSide(ctx context.Context, mkt *venue.Market, side domain.Side, fair float64) {
	bid := roundPrice(fair - q.cfg.HalfSpread)
	if bid <= 0.01 || bid >= 0.99 {
		q.cancelSide(ctx, side)
		return
	}

	q.mu.Lock()
	existing := q.quoteForSideLocked(side)
	inv := q.inventory[side]
	q.mu.Unlock()

	if q.cfg.MaxInventory > 0 && inv >= q.cfg.MaxInventory {
		if existing != nil {
			q.cancelOrder(ctx, existing.orderID)
		}
		return
	}

	if existing != nil {
		if math.Abs(existing.fairAt-fair) < q.cfg.RequoteThreshold {
			return
		}
		q.cancelOrder(ctx, existing.orderID)
	}

	tokens := q.cfg.QuoteTokens
	if q.cfg.MaxInventory > 0 && inv+tokens > q.cfg.MaxInventory {
		tokens = math.Floor(q.cfg.MaxInventory - inv)
		if tokens < 1 {
			return
		}
	}

	if q.cfg.ObserveMode {
		q.track("sim-"+mkt.ID+"-"+string(side), side, bid, tokens, fair)
		return
	}

	res, err := q.api.SubmitOrder(ctx, venue.SubmitRequest{
		MarketID: mkt.ID,
		TokenID:  mkt.TokenID(side),
		Side:     side,
		Price:    bid,
		Size:     tokens,
		Type:     venue.OrderTypeGTC,
	})
	if err != nil || !res.Accepted {
		log.Warnf("quote %s %s @ %.2f rejected: %v", mkt.ID, side, bid, err)
		return
	}
	q.track(res.OrderID, side, bid, tokens, fair)
	log.Debugf("quoted %s %s x%.0f @ %.2f (fair %.3f)", mkt.ID, side, tokens, bid, fair)
}

func (q *Quoter) track(orderID string, side domain.Side, price, tokens, fair float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.quotes[orderID] = &liveQuote{orderID: orderID, side: side, price: price, tokens: tokens, fairAt: fair}
}

func (q *Quoter) quoteForSideLocked(side domain.Side) *liveQuote {
	for _, lq := range q.quotes {
		if lq.side == side {
			return lq
		}
	}
	return nil
}

// Sync polls our resting orders and converts fills into positions. Returns
// newly filled positions for the engine to commit to the ledger.
func (q *Quoter) Sync(ctx context.Context, instrument string) []*domain.Position {
	q.mu.Lock()
	ids := make([]string, 0, len(q.quotes))
	for id := range q.quotes {
		ids = append(ids, id)
	}
	marketID := q.marketID
	q.mu.Unlock()

	var filled []*domain.Position
	for _, id := range ids {
		if q.cfg.ObserveMode {
			continue
		}
		status, err := q.api.GetOrderStatus(ctx, id)
		if err != nil {
			continue
		}
		switch {
		case status.State.IsFilled():
			q.mu.Lock()
			lq := q.quotes[id]
			delete(q.quotes, id)
			if lq != nil {
				q.inventory[lq.side] += status.FilledSize
			}
			q.mu.Unlock()
			if lq == nil {
				continue
			}
			price := lq.price
			if status.AvgPrice > 0 {
				price = status.AvgPrice
			}
			cost := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(status.FilledSize))
			pos := domain.NewPosition(marketID, instrument, lq.side, price, status.FilledSize, cost, time.Now())
			filled = append(filled, pos)
			log.Infof("quote filled: %s", pos)
		case status.State == venue.OrderStateCanceled, status.State == venue.OrderStateUnmatched:
			q.mu.Lock()
			delete(q.quotes, id)
			q.mu.Unlock()
		}
	}
	return filled
}

// SimulateFill models observe-mode executions: a resting bid fills when the
// market's displayed ask crosses down through it.
func (q *Quoter) SimulateFill(book *venue.Book, instrument string) []*domain.Position {
	if !q.cfg.ObserveMode || book == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var filled []*domain.Position
	for id, lq := range q.quotes {
		ask := book.BestAsk(lq.side)
		if ask.Price <= 0 || ask.Price > lq.price {
			continue
		}
		delete(q.quotes, id)
		q.inventory[lq.side] += lq.tokens
		cost := decimal.NewFromFloat(lq.price).Mul(decimal.NewFromFloat(lq.tokens))
		pos := domain.NewPosition(q.marketID, instrument, lq.side, lq.price, lq.tokens, cost, time.Now())
		filled = append(filled, pos)
		log.Infof("[observe] quote filled: %s", pos)
	}
	return filled
}

// CancelAll pulls every resting quote.
func (q *Quoter) CancelAll(ctx context.Context) {
	q.mu.Lock()
	ids := make([]string, 0, len(q.quotes))
	for id := range q.quotes {
		ids = append(ids, id)
	}
	q.mu.Unlock()
	for _, id := range ids {
		q.cancelOrder(ctx, id)
	}
}

func (q *Quoter) cancelSide(ctx context.Context, side domain.Side) {
	q.mu.Lock()
	lq := q.quoteForSideLocked(side)
	q.mu.Unlock()
	if lq != nil {
		q.cancelOrder(ctx, lq.orderID)
	}
}

func (q *Quoter) cancelOrder(ctx context.Context, orderID string) {
	q.mu.Lock()
	delete(q.quotes, orderID)
	sim := q.cfg.ObserveMode
	q.mu.Unlock()
	if sim {
		return
	}
	if err := q.api.CancelOrder(ctx, orderID); err != nil {
		log.Warnf("cancel quote %s: %v", orderID, err)
	}
}

// Inventory returns current net tokens per side.
func (q *Quoter) Inventory() map[domain.Side]float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[domain.Side]float64{
		domain.SideUp:   q.inventory[domain.SideUp],
		domain.SideDown: q.inventory[domain.SideDown],
	}
}

// roundPrice snaps to the venue's cent tick.
func roundPrice(p float64) float64 {
	return math.Round(p*100) / 100
}
