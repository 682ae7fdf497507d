// Package engine wires the trading pipeline together and owns its goroutines:
// feed listener, market scanner, the per-instrument evaluation loop, and the
// settlement/reconciliation loops. One engine process trades one timeframe.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/snipe/internal/domain"
	"github.com/betbot/snipe/internal/execution"
	"github.com/betbot/snipe/internal/fairvalue"
	"github.com/betbot/snipe/internal/feed"
	"github.com/betbot/snipe/internal/ledger"
	"github.com/betbot/snipe/internal/market"
	"github.com/betbot/snipe/internal/quoting"
	"github.com/betbot/snipe/internal/settlement"
	"github.com/betbot/snipe/internal/signal"
	"github.com/betbot/snipe/internal/sizing"
	"github.com/betbot/snipe/internal/tradelog"
	"github.com/betbot/snipe/internal/venue"
)

var log = logrus.WithField("component", "engine")

// Mode selects the trading style.
type Mode string

const (
	ModeSniper  Mode = "sniper"  // take displayed asks on edge
	ModeMaker   Mode = "maker"   // rest two-sided quotes around fair
	ModeObserve Mode = "observe" // full pipeline, simulated fills
)

// Config carries the engine's own knobs; component configs live with their
// packages.
type Config struct {
	Mode           Mode
	Instruments    []string
	ScanInterval   time.Duration
	EvalInterval   time.Duration
	FixedVol       float64 // >0 overrides realized volatility
	MomentumLook   time.Duration
	FailCooldown   time.Duration
	MaxLossWindows int // consecutive losing windows before halting, 0 = off
}

// ambiguousOrder is a submission whose fill state is unresolved. Its
// reservation stays held until the venue gives a terminal answer.
type ambiguousOrder struct {
	cand     execution.Candidate
	orderID  string
	reserved decimal.Decimal
}

// Engine is the top-level orchestrator.
type Engine struct {
	cfg Config

	feed    *feed.Feed
	markets *market.Manager
	pricer  *fairvalue.Engine
	eval    *signal.Evaluator
	sizer   *sizing.Sizer
	exec    *execution.Executor
	ledger  *ledger.Ledger
	settler *settlement.Settler
	quoter  *quoting.Quoter
	journal *tradelog.Store

	mu        sync.Mutex
	cooldowns map[string]time.Time // marketID+side -> cooldown end
	ambiguous []ambiguousOrder
	seen      map[string]bool // terminal position IDs already counted
	lossRun   int
	halted    bool
	startedAt time.Time
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Feed    *feed.Feed
	Markets *market.Manager
	Pricer  *fairvalue.Engine
	Eval    *signal.Evaluator
	Sizer   *sizing.Sizer
	Exec    *execution.Executor
	Ledger  *ledger.Ledger
	Settler *settlement.Settler
	Quoter  *quoting.Quoter
	Journal *tradelog.Store
}

func New(cfg Config, d Deps) *Engine {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = time.Second
	}
	if cfg.MomentumLook <= 0 {
		cfg.MomentumLook = 30 * time.Second
	}
	if cfg.FailCooldown <= 0 {
		cfg.FailCooldown = time.Minute
	}
	return &Engine{
		cfg:       cfg,
		feed:      d.Feed,
		markets:   d.Markets,
		pricer:    d.Pricer,
		eval:      d.Eval,
		sizer:     d.Sizer,
		exec:      d.Exec,
		ledger:    d.Ledger,
		settler:   d.Settler,
		quoter:    d.Quoter,
		journal:   d.Journal,
		cooldowns: make(map[string]time.Time),
		seen:      make(map[string]bool),
	}
}

// Run starts all loops and blocks until ctx cancels.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()

	log.Infof("engine starting: mode=%s instruments=%v", e.cfg.Mode, e.cfg.Instruments)

	// Orders and orphans from a previous run resolve before any new exposure.
	e.recoverPending(ctx)
	e.settler.ResolveOrphans(ctx)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.feed.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.settler.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.scanLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.evalLoop(ctx)
	}()

	<-ctx.Done()
	log.Info("engine stopping")
	wg.Wait()

	// In-flight verifications finish on a detached context: the venue may
	// still fill an order the run context no longer covers. Whatever stays
	// unresolved is persisted for the next run's recovery.
	e.shutdownDrain()

	if e.cfg.Mode == ModeMaker {
		// Best-effort quote pull on a fresh context: the run context is gone.
		pullCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.quoter.CancelAll(pullCtx)
	}
}

func (e *Engine) scanLoop(ctx context.Context) {
	// Immediate first scan so the eval loop has windows to work with.
	e.scan(ctx)

	t := time.NewTicker(e.cfg.ScanInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.scan(ctx)
		}
	}
}

func (e *Engine) scan(ctx context.Context) {
	for _, instrument := range e.cfg.Instruments {
		if err := e.markets.Scan(ctx, instrument); err != nil {
			log.Warnf("scan %s: %v", instrument, err)
		}
	}
}

func (e *Engine) evalLoop(ctx context.Context) {
	t := time.NewTicker(e.cfg.EvalInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := time.Now()
			e.markets.Refresh(now)
			e.updateLossStreak()
			e.resolveAmbiguous(ctx)
			for _, instrument := range e.cfg.Instruments {
				e.evalInstrument(ctx, instrument, now)
			}
		}
	}
}

// evalInstrument runs one evaluation cycle for one instrument.
func (e *Engine) evalInstrument(ctx context.Context, instrument string, now time.Time) {
	w, ok := e.markets.Current(instrument)
	if !ok {
		return
	}

	tick, err := e.feed.Latest(instrument)
	if err != nil {
		// Stale feed means no pricing, not pricing at the last known spot.
		log.Debugf("%s: %v", instrument, err)
		return
	}

	vol := e.cfg.FixedVol
	if vol <= 0 {
		vol, _ = e.feed.RealizedVolatility(instrument)
	}

	if err := e.markets.UpdateBook(ctx, instrument); err != nil {
		log.Debugf("%s book: %v", instrument, err)
	}
	book, bookOK := e.markets.Book(w.ID, now)

	if w.Strike <= 0 {
		upMid := 0.0
		if bookOK {
			upMid = book.Mid(domain.SideUp)
		}
		e.markets.EnsureStrike(w.ID, tick.Price, upMid, vol, now)
		w, ok = e.markets.Current(instrument)
		if !ok || w.Strike <= 0 {
			return
		}
	}

	momentum, _ := e.feed.Momentum(instrument, e.cfg.MomentumLook)
	est := e.pricer.Estimate(fairvalue.Inputs{
		Spot:         tick.Price,
		Strike:       w.Strike,
		TimeToExpiry: w.TimeToExpiry(now),
		Volatility:   vol,
		Momentum:     momentum,
	})

	if e.cfg.Mode == ModeMaker {
		e.makerCycle(ctx, w, est, book, instrument, now)
		return
	}

	e.sniperCycle(ctx, w, est, book, tick, vol, instrument, now)
}

func (e *Engine) sniperCycle(ctx context.Context, w *market.Window, est fairvalue.Estimate, book *venue.Book, tick feed.Tick, vol float64, instrument string, now time.Time) {
	if e.markets.IsStartup(w.ID) {
		return
	}
	if err := e.markets.CheckAccepting(w.ID); err != nil {
		return
	}
	if e.isHalted() {
		return
	}
	if e.ledger.Faulted() {
		return
	}

	hasUp, hasDown := e.positionsFor(w.ID)

	sig, reason := e.eval.Evaluate(signal.Input{
		MarketID:     w.ID,
		Instrument:   instrument,
		Book:         book,
		Est:          est,
		Vol:          vol,
		Displacement: (tick.Price - w.Strike) / w.Strike,
		Elapsed:      w.Elapsed(now),
		TimeLeft:     w.TimeToExpiry(now),
		HasUp:        hasUp,
		HasDown:      hasDown,
		CooldownUp:   e.onCooldown(w.ID, domain.SideUp, now),
		CooldownDown: e.onCooldown(w.ID, domain.SideDown, now),
		Now:          now,
	})
	if sig == nil {
		if reason != "" {
			log.Debugf("%s %s: %s", instrument, w.ID, reason)
		}
		return
	}

	e.placeOrder(ctx, w, sig, book)
}

// placeOrder sizes, reserves and submits one signal, with a venue-minimum
// fallback when the Kelly size gets killed on a thin book.
func (e *Engine) placeOrder(ctx context.Context, w *market.Window, sig *domain.Signal, book *venue.Book) {
	avail := e.ledger.Snapshot().Available
	order, ok := e.sizer.Size(sig.Instrument, sig.FairValue, sig.AskPrice, sig.Strong, avail)
	if !ok {
		return
	}

	cand := execution.Candidate{
		MarketID:   w.ID,
		Instrument: sig.Instrument,
		TokenID:    w.TokenID(string(sig.Side)),
		Side:       sig.Side,
		Price:      sig.AskPrice,
		Tokens:     order.Tokens,
		Cost:       order.Cost,
		AskDepth:   book.BestAsk(sig.Side).Size,
	}

	res := e.submitReserved(ctx, cand, order.Cost)
	if res.Kind == execution.ResultRejected {
		// Thin book: retry once at the venue minimum before giving up.
		if min, ok := e.sizer.MinOrder(sig.AskPrice, e.ledger.Snapshot().Available); ok && min.Tokens < order.Tokens {
			cand.Tokens = min.Tokens
			cand.Cost = min.Cost
			res = e.submitReserved(ctx, cand, min.Cost)
		}
	}
	if res.Kind == execution.ResultRejected {
		e.setCooldown(w.ID, sig.Side)
	}
}

// submitReserved runs the reserve/submit/commit sequence for one candidate.
func (e *Engine) submitReserved(ctx context.Context, cand execution.Candidate, cost decimal.Decimal) execution.Result {
	if err := e.ledger.Reserve(cost); err != nil {
		log.Warnf("reserve %s: %v", cost, err)
		return execution.Result{Kind: execution.ResultRejected, Reason: err.Error()}
	}

	res := e.exec.Submit(ctx, cand)
	switch res.Kind {
	case execution.ResultFilled:
		e.commitFill(res.Position, cost)
	case execution.ResultRejected:
		e.ledger.Release(cost)
		log.Infof("order rejected: %s %s: %s", cand.MarketID, cand.Side, res.Reason)
	case execution.ResultUnknown:
		// Reservation stays held until the order resolves. Persisted so a
		// crash or shutdown cannot lose track of a possibly filled order.
		e.mu.Lock()
		e.ambiguous = append(e.ambiguous, ambiguousOrder{cand: cand, orderID: res.OrderID, reserved: cost})
		e.mu.Unlock()
		if err := e.journal.RecordPending(&tradelog.PendingOrder{
			OrderID:    res.OrderID,
			MarketID:   cand.MarketID,
			Instrument: cand.Instrument,
			TokenID:    cand.TokenID,
			Side:       cand.Side,
			Price:      cand.Price,
			Tokens:     cand.Tokens,
			Cost:       cand.Cost,
			CreatedAt:  time.Now(),
		}); err != nil {
			log.Errorf("journal pending %s: %v", res.OrderID, err)
		}
	}
	return res
}

func (e *Engine) commitFill(pos *domain.Position, reserved decimal.Decimal) {
	e.ledger.CommitFill(pos, reserved)
	if err := e.journal.RecordOpen(pos); err != nil {
		log.Errorf("journal open %s: %v", pos.ID, err)
	}
}

// resolveAmbiguous retries unresolved submissions until the venue answers.
func (e *Engine) resolveAmbiguous(ctx context.Context) {
	e.mu.Lock()
	pending := e.ambiguous
	e.ambiguous = nil
	e.mu.Unlock()

	for _, amb := range pending {
		res := e.exec.Resolve(ctx, amb.cand, amb.orderID)
		switch res.Kind {
		case execution.ResultFilled:
			if res.Position != nil {
				e.commitFill(res.Position, amb.reserved)
			}
			e.dropPending(amb.orderID)
		case execution.ResultRejected:
			e.ledger.Release(amb.reserved)
			e.setCooldown(amb.cand.MarketID, amb.cand.Side)
			e.dropPending(amb.orderID)
			log.Infof("ambiguous order %s resolved rejected", amb.orderID)
		case execution.ResultUnknown:
			e.mu.Lock()
			e.ambiguous = append(e.ambiguous, amb)
			e.mu.Unlock()
		}
	}
}

func (e *Engine) dropPending(orderID string) {
	if err := e.journal.DeletePending(orderID); err != nil {
		log.Errorf("drop pending %s: %v", orderID, err)
	}
}

// shutdownDrain gives outstanding verifications one last pass on a context
// that outlives the run context.
func (e *Engine) shutdownDrain() {
	e.mu.Lock()
	n := len(e.ambiguous)
	e.mu.Unlock()
	if n == 0 {
		return
	}
	log.Warnf("draining %d unresolved order(s) before exit", n)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e.resolveAmbiguous(ctx)
}

// recoverPending finishes verification of orders a previous process submitted
// but never confirmed. A confirmed fill is journaled as an open position; the
// bankroll seed already carries its cost, so the ledger is left alone and the
// position settles through orphan resolution.
func (e *Engine) recoverPending(ctx context.Context) {
	pending, err := e.journal.PendingOrders()
	if err != nil {
		log.Errorf("load pending orders: %v", err)
		return
	}
	for _, po := range pending {
		cand := execution.Candidate{
			MarketID:   po.MarketID,
			Instrument: po.Instrument,
			TokenID:    po.TokenID,
			Side:       po.Side,
			Price:      po.Price,
			Tokens:     po.Tokens,
			Cost:       po.Cost,
		}
		res := e.exec.Resolve(ctx, cand, po.OrderID)
		switch res.Kind {
		case execution.ResultFilled:
			if res.Position != nil {
				res.Position.Status = domain.PositionOpen
				if err := e.journal.RecordOpen(res.Position); err != nil {
					log.Errorf("journal recovered fill %s: %v", po.OrderID, err)
					continue
				}
			}
			e.dropPending(po.OrderID)
			log.Infof("order %s from previous run confirmed filled", po.OrderID)
		case execution.ResultRejected:
			e.dropPending(po.OrderID)
			log.Infof("order %s from previous run was killed", po.OrderID)
		case execution.ResultUnknown:
			log.Warnf("order %s from previous run still unresolved", po.OrderID)
		}
	}
}

func (e *Engine) makerCycle(ctx context.Context, w *market.Window, est fairvalue.Estimate, book *venue.Book, instrument string, now time.Time) {
	// Fills already on the venue are recorded before any gating.
	filled := e.quoter.Sync(ctx, instrument)
	filled = append(filled, e.quoter.SimulateFill(book, instrument)...)
	e.commitMakerFills(filled)

	// A ledger fault or tripped breaker is fatal to new order submission:
	// stop quoting and pull whatever rests.
	if e.ledger.Faulted() || e.isHalted() {
		e.quoter.CancelAll(ctx)
		return
	}

	mkt := &venue.Market{ID: w.ID, Instrument: w.Instrument, TokenIDs: w.TokenIDs}
	e.quoter.Update(ctx, mkt, est.ProbUp, w.TimeToExpiry(now))
}

func (e *Engine) commitMakerFills(filled []*domain.Position) {
	for _, pos := range filled {
		// Quoted fills bypass Reserve: the cost is known only at fill time.
		if err := e.ledger.Reserve(pos.Cost); err != nil {
			// The venue filled it regardless; track the position and let
			// reconciliation surface any real shortfall.
			log.Errorf("maker fill %s without reservation: %v", pos.ID, err)
			e.ledger.ForceCommit(pos)
			if err := e.journal.RecordOpen(pos); err != nil {
				log.Errorf("journal open %s: %v", pos.ID, err)
			}
			continue
		}
		e.commitFill(pos, pos.Cost)
	}
}

// updateLossStreak counts consecutive losing terminal positions and trips the
// circuit breaker at the configured run length.
func (e *Engine) updateLossStreak() {
	if e.cfg.MaxLossWindows <= 0 {
		return
	}

	archived := e.ledger.Archived()
	sort.Slice(archived, func(i, j int) bool {
		return archived[i].SettledAt.Before(archived[j].SettledAt)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pos := range archived {
		if e.seen[pos.ID] {
			continue
		}
		e.seen[pos.ID] = true
		if pos.Won {
			e.lossRun = 0
		} else {
			e.lossRun++
		}
	}
	if !e.halted && e.lossRun >= e.cfg.MaxLossWindows {
		e.halted = true
		log.Errorf("circuit breaker: %d consecutive losing windows, entries halted", e.lossRun)
	}
}

func (e *Engine) isHalted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// ResumeEntries clears the circuit breaker after operator review.
func (e *Engine) ResumeEntries() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted {
		log.Warn("circuit breaker cleared by operator")
	}
	e.halted = false
	e.lossRun = 0
}

func (e *Engine) positionsFor(marketID string) (hasUp, hasDown bool) {
	for _, pos := range e.ledger.OpenPositions() {
		if pos.MarketID != marketID {
			continue
		}
		if pos.Side == domain.SideUp {
			hasUp = true
		} else {
			hasDown = true
		}
	}
	return
}

func (e *Engine) onCooldown(marketID string, side domain.Side, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.cooldowns[marketID+"/"+string(side)]
	return ok && now.Before(until)
}

func (e *Engine) setCooldown(marketID string, side domain.Side) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns[marketID+"/"+string(side)] = time.Now().Add(e.cfg.FailCooldown)
}

// Status reports the runtime view for the ops surface.
func (e *Engine) Status() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]interface{}{
		"mode":        string(e.cfg.Mode),
		"instruments": e.cfg.Instruments,
		"startedAt":   e.startedAt,
		"halted":      e.halted,
		"lossRun":     e.lossRun,
		"ambiguous":   len(e.ambiguous),
	}
}
