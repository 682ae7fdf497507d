// Package ledger owns the wallet's bankroll state and the set of open
// positions. It is the single coordination point for wallet mutations:
// sizing reservations, fill commits, redemptions and reconciliation all pass
// through one mutex. Everything else reads snapshots.
package ledger

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/snipe/internal/domain"
)

var log = logrus.WithField("component", "ledger")

var (
	// ErrInsufficient is returned when a reservation exceeds available funds.
	ErrInsufficient = errors.New("insufficient available balance")
	// ErrLedgerFault blocks new reservations while internal bookkeeping
	// disagrees with the venue's authoritative balance.
	ErrLedgerFault = errors.New("ledger integrity fault")
)

// State is a point-in-time snapshot of the bankroll.
type State struct {
	Available        decimal.Decimal
	Committed        decimal.Decimal
	Reserved         decimal.Decimal // sized but not yet verified
	LastReconciledAt time.Time
	Faulted          bool
	FaultReason      string
}

// Total is available + committed; must match the venue within one
// reconciliation cycle.
func (s State) Total() decimal.Decimal {
	return s.Available.Add(s.Committed)
}

// Ledger is the single-writer wallet ledger.
type Ledger struct {
	mu sync.Mutex

	available decimal.Decimal
	committed decimal.Decimal
	reserved  decimal.Decimal

	lastReconciledAt time.Time
	faulted          bool
	faultReason      string

	positions map[string]*domain.Position // by position ID, open only
	archived  []*domain.Position
}

// New creates a ledger seeded with the starting available balance.
func New(available decimal.Decimal) *Ledger {
	return &Ledger{
		available: available,
		positions: make(map[string]*domain.Position),
	}
}

// Snapshot returns the current state.
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Available:        l.available,
		Committed:        l.committed,
		Reserved:         l.reserved,
		LastReconciledAt: l.lastReconciledAt,
		Faulted:          l.faulted,
		FaultReason:      l.faultReason,
	}
}

// Reserve earmarks funds for an order about to be submitted. Fails when the
// ledger is faulted or funds are short. Must be paired with Release or
// CommitFill.
func (l *Ledger) Reserve(amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.faulted {
		return errors.Wrap(ErrLedgerFault, l.faultReason)
	}
	if amount.GreaterThan(l.available) {
		return errors.Wrapf(ErrInsufficient, "want %s, have %s", amount, l.available)
	}
	l.available = l.available.Sub(amount)
	l.reserved = l.reserved.Add(amount)
	return nil
}

// Release returns a reservation to available after a rejected or failed
// order.
func (l *Ledger) Release(amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserved = l.reserved.Sub(amount)
	l.available = l.available.Add(amount)
}

// CommitFill converts a reservation into committed cost and registers the
// verified position as open. The position must carry a venue-confirmed fill;
// execution guarantees this.
func (l *Ledger) CommitFill(pos *domain.Position, reserved decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reserved = l.reserved.Sub(reserved)
	// The actual cost can undershoot the reservation (price improvement or a
	// fallback to minimum size); the difference goes back to available.
	if diff := reserved.Sub(pos.Cost); diff.IsPositive() {
		l.available = l.available.Add(diff)
	}
	l.committed = l.committed.Add(pos.Cost)

	pos.Status = domain.PositionOpen
	l.positions[pos.ID] = pos
	log.Infof("position open: %s cost=%s committed=%s available=%s",
		pos, pos.Cost, l.committed, l.available)
}

// OpenPositions returns copies of all open positions.
func (l *Ledger) OpenPositions() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	return out
}

// Settle applies an oracle outcome to one open position: committed cost is
// consumed, a win books its payout for redemption. Idempotent: settling an
// already settled or unknown position is a no-op returning false.
func (l *Ledger) Settle(positionID string, won bool, payout decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[positionID]
	if !ok || pos.Status != domain.PositionOpen {
		return false
	}

	l.committed = l.committed.Sub(pos.Cost)
	pos.Status = domain.PositionSettled
	pos.Won = won
	pos.SettledAt = time.Now()
	if won {
		pos.Payout = payout
	} else {
		pos.Payout = decimal.Zero
		// Loss: nothing to redeem, archive immediately.
		delete(l.positions, pos.ID)
		l.archived = append(l.archived, pos)
	}
	return true
}

// Redeem credits a settled winning position's payout to available balance
// and archives it. Idempotent via the status gate.
func (l *Ledger) Redeem(positionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[positionID]
	if !ok || pos.Status != domain.PositionSettled || !pos.Won {
		return false
	}
	l.available = l.available.Add(pos.Payout)
	pos.Status = domain.PositionRedeemed
	delete(l.positions, pos.ID)
	l.archived = append(l.archived, pos)
	log.Infof("redeemed %s payout=%s available=%s", pos.ID, pos.Payout, l.available)
	return true
}

// Credit adds externally arrived funds to available, such as the payout of
// an orphan position redeemed after the bankroll seed was taken. Without the
// credit the next reconciliation would read the payout as drift.
func (l *Ledger) Credit(amount decimal.Decimal, reason string) {
	if !amount.IsPositive() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.available = l.available.Add(amount)
	log.Infof("credited %s (%s), available=%s", amount, reason, l.available)
}

// ForceCommit registers a venue-confirmed fill that bypassed Reserve, such as
// a resting quote filled while the ledger was faulted. Available may go
// negative; reconciliation surfaces any real shortfall.
func (l *Ledger) ForceCommit(pos *domain.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.available = l.available.Sub(pos.Cost)
	l.committed = l.committed.Add(pos.Cost)
	pos.Status = domain.PositionOpen
	l.positions[pos.ID] = pos
	log.Warnf("position force-committed: %s cost=%s available=%s", pos, pos.Cost, l.available)
}

// Archived returns terminal positions recorded since startup.
func (l *Ledger) Archived() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Position, 0, len(l.archived))
	for _, p := range l.archived {
		out = append(out, *p)
	}
	return out
}

// Reconcile compares internal available+committed+reserved against the
// venue's authoritative balance. Within tolerance the internal available is
// snapped to the venue's number (the venue is ground truth, the ledger is a
// cache). Beyond tolerance the ledger faults and blocks new reservations
// until AcknowledgeFault. In-flight reservations count toward the internal
// total: the venue still holds those funds, so they are not drift.
func (l *Ledger) Reconcile(venueTotal, tolerance decimal.Decimal) (drift decimal.Decimal, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	internal := l.available.Add(l.committed).Add(l.reserved)
	drift = venueTotal.Sub(internal)
	l.lastReconciledAt = time.Now()

	if drift.Abs().GreaterThan(tolerance) {
		l.faulted = true
		l.faultReason = "reconciliation drift " + drift.String() + " USDC"
		log.Errorf("ledger fault: internal=%s venue=%s drift=%s", internal, venueTotal, drift)
		return drift, errors.Wrap(ErrLedgerFault, l.faultReason)
	}

	// Snap to ground truth.
	l.available = l.available.Add(drift)
	return drift, nil
}

// Faulted reports whether new order sizing is blocked.
func (l *Ledger) Faulted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.faulted
}

// AcknowledgeFault clears the fault after operator review.
func (l *Ledger) AcknowledgeFault() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.faulted {
		log.Warnf("ledger fault acknowledged by operator: %s", l.faultReason)
	}
	l.faulted = false
	l.faultReason = ""
}
