// Package settlement drives open positions to their terminal state: it polls
// the oracle for outcomes, applies them to the ledger exactly once, redeems
// winning claims and periodically reconciles the ledger against the venue's
// authoritative balance.
package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/snipe/internal/domain"
	"github.com/betbot/snipe/internal/ledger"
	"github.com/betbot/snipe/internal/market"
	"github.com/betbot/snipe/internal/tradelog"
	"github.com/betbot/snipe/internal/venue"
)

var log = logrus.WithField("component", "settlement")

// Config controls polling and reconciliation.
type Config struct {
	PollInterval       time.Duration
	RedeemInterval     time.Duration // retry cadence for settled-unredeemed claims
	ReconcileInterval  time.Duration
	ReconcileTolerance decimal.Decimal // max accepted drift in USDC
	ObserveMode        bool            // no venue redemption calls
}

// Settler owns the settlement and reconciliation loops.
type Settler struct {
	cfg     Config
	api     venue.API
	ledger  *ledger.Ledger
	markets *market.Manager
	journal *tradelog.Store
}

func NewSettler(api venue.API, led *ledger.Ledger, mkts *market.Manager, journal *tradelog.Store, cfg Config) *Settler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.RedeemInterval <= 0 {
		cfg.RedeemInterval = time.Minute
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}
	if cfg.ReconcileTolerance.IsZero() {
		cfg.ReconcileTolerance = decimal.NewFromFloat(0.05)
	}
	return &Settler{cfg: cfg, api: api, ledger: led, markets: mkts, journal: journal}
}

// Run blocks until ctx cancels, polling settlement and reconciling on their
// intervals.
func (s *Settler) Run(ctx context.Context) {
	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	redeem := time.NewTicker(s.cfg.RedeemInterval)
	defer redeem.Stop()
	reconcile := time.NewTicker(s.cfg.ReconcileInterval)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			s.Poll(ctx)
		case <-redeem.C:
			s.RetryRedemptions(ctx)
		case <-reconcile.C:
			s.Reconcile(ctx)
		}
	}
}

// Poll checks every market with open positions against the oracle and settles
// resolved ones. Safe to call repeatedly; settlement is idempotent in the
// ledger and the journal.
func (s *Settler) Poll(ctx context.Context) {
	byMarket := make(map[string][]domain.Position)
	for _, pos := range s.ledger.OpenPositions() {
		byMarket[pos.MarketID] = append(byMarket[pos.MarketID], pos)
	}

	for marketID, positions := range byMarket {
		resp, err := s.api.GetMarketOutcome(ctx, marketID)
		if err != nil {
			log.Warnf("outcome query %s: %v", marketID, err)
			continue
		}
		outcome := venue.WinnerFromOutcome(resp)
		if !outcome.Resolved {
			continue
		}
		s.applyOutcome(ctx, marketID, outcome, positions)
	}
}

func (s *Settler) applyOutcome(ctx context.Context, marketID string, outcome domain.Outcome, positions []domain.Position) {
	s.markets.MarkSettled(marketID)

	anyWin := false
	for _, pos := range positions {
		if pos.Status != domain.PositionOpen {
			continue
		}
		won := pos.Side == outcome.Winner
		// A winning token redeems at 1 USDC.
		payout := decimal.Zero
		if won {
			payout = decimal.NewFromFloat(pos.Size)
			anyWin = true
		}
		if !s.ledger.Settle(pos.ID, won, payout) {
			continue
		}
		settled, ok := s.settledCopy(pos, won, payout)
		if ok {
			if err := s.journal.RecordSettled(&settled); err != nil {
				log.Errorf("journal settle %s: %v", pos.ID, err)
			}
		}
		log.Infof("settled %s %s won=%v payout=%s", pos.Instrument, pos.ID, won, payout)
	}

	if anyWin {
		s.redeem(ctx, marketID)
	}
	s.evictIfDone(marketID)
}

func (s *Settler) settledCopy(pos domain.Position, won bool, payout decimal.Decimal) (domain.Position, bool) {
	pos.Status = domain.PositionSettled
	pos.Won = won
	pos.Payout = payout
	pos.SettledAt = time.Now()
	return pos, true
}

// redeem converts the market's winning claims to balance, then credits the
// payouts in the ledger. Observe mode skips the venue call but still credits
// the simulated payout.
func (s *Settler) redeem(ctx context.Context, marketID string) {
	if !s.cfg.ObserveMode {
		res, err := s.api.Redeem(ctx, marketID)
		if err != nil {
			// Leave the positions settled-unredeemed; RetryRedemptions picks
			// them up on its own ticker.
			log.Errorf("redeem %s: %v", marketID, err)
			return
		}
		log.Infof("redeemed market %s amount=%.2f tx=%s", marketID, res.Amount, res.TxHash)
	}

	for _, pos := range s.ledger.OpenPositions() {
		if pos.MarketID != marketID || pos.Status != domain.PositionSettled || !pos.Won {
			continue
		}
		if s.ledger.Redeem(pos.ID) {
			if err := s.journal.RecordRedeemed(pos.ID); err != nil {
				log.Errorf("journal redeem %s: %v", pos.ID, err)
			}
		}
	}
}

// RetryRedemptions re-attempts redemption for markets holding settled winning
// claims whose earlier redeem call failed.
func (s *Settler) RetryRedemptions(ctx context.Context) {
	pending := make(map[string]bool)
	for _, pos := range s.ledger.OpenPositions() {
		if pos.Status == domain.PositionSettled && pos.Won {
			pending[pos.MarketID] = true
		}
	}
	for marketID := range pending {
		s.redeem(ctx, marketID)
		s.evictIfDone(marketID)
	}
}

func (s *Settler) evictIfDone(marketID string) {
	for _, pos := range s.ledger.OpenPositions() {
		if pos.MarketID == marketID {
			return
		}
	}
	s.markets.Evict(marketID)
}

// Reconcile compares the ledger against the venue balance. On drift beyond
// tolerance the ledger faults and blocks sizing until an operator acks.
func (s *Settler) Reconcile(ctx context.Context) {
	bal, err := s.api.GetBalance(ctx)
	if err != nil {
		log.Warnf("balance query: %v", err)
		return
	}
	drift, err := s.ledger.Reconcile(decimal.NewFromFloat(bal.Total()), s.cfg.ReconcileTolerance)
	if err != nil {
		log.Errorf("reconciliation failed, sizing halted: %v", err)
		return
	}
	if !drift.IsZero() {
		log.Debugf("reconciled, drift %s absorbed", drift)
	}
}

// ResolveOrphans drives journaled positions from a previous run to terminal
// state. Runs once at startup, before trading begins. The ledger is seeded
// from the venue balance, which already reflects these positions' cost, so
// orphans settle against the venue and the journal; a winning redemption
// credits the ledger directly, because the payout arrived after the seed was
// taken and would otherwise read as reconciliation drift.
func (s *Settler) ResolveOrphans(ctx context.Context) {
	orphans, err := s.journal.OpenPositions()
	if err != nil {
		log.Errorf("load orphans: %v", err)
		return
	}
	if len(orphans) == 0 {
		return
	}
	log.Infof("resolving %d orphan position(s) from previous run", len(orphans))

	redeemed := make(map[string]bool)
	for _, pos := range orphans {
		resp, err := s.api.GetMarketOutcome(ctx, pos.MarketID)
		if err != nil {
			log.Warnf("orphan %s outcome: %v", pos.ID, err)
			continue
		}
		outcome := venue.WinnerFromOutcome(resp)
		if !outcome.Resolved {
			log.Infof("orphan %s market %s unresolved, will retry next run", pos.ID, pos.MarketID)
			continue
		}

		won := pos.Side == outcome.Winner
		if pos.Status == domain.PositionOpen {
			pos.Won = won
			pos.Status = domain.PositionSettled
			pos.SettledAt = time.Now()
			if won {
				pos.Payout = decimal.NewFromFloat(pos.Size)
			}
			if err := s.journal.RecordSettled(&pos); err != nil {
				log.Errorf("journal orphan settle %s: %v", pos.ID, err)
				continue
			}
		}
		if won {
			if !s.cfg.ObserveMode {
				if !redeemed[pos.MarketID] {
					if _, err := s.api.Redeem(ctx, pos.MarketID); err != nil {
						log.Errorf("orphan redeem %s: %v", pos.MarketID, err)
						continue
					}
					redeemed[pos.MarketID] = true
				}
				s.ledger.Credit(pos.Payout, "orphan redemption "+pos.ID)
			}
			if err := s.journal.RecordRedeemed(pos.ID); err != nil {
				log.Errorf("journal orphan redeem %s: %v", pos.ID, err)
			}
		}
		log.Infof("orphan %s resolved won=%v", pos.ID, won)
	}
}
