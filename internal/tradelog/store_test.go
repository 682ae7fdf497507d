package tradelog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/snipe/internal/domain"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openPos(marketID string, won bool) *domain.Position {
	pos := domain.NewPosition(marketID, "BTC", domain.SideUp, 0.60, 50, decimal.NewFromInt(30), time.Now())
	pos.Status = domain.PositionOpen
	pos.Won = won
	return pos
}

func TestRecordAndRecoverOpenPositions(t *testing.T) {
	s := openStore(t)
	pos := openPos("mkt-1", false)
	require.NoError(t, s.RecordOpen(pos))

	recovered, err := s.OpenPositions()
	require.NoError(t, err)
	require.Len(t, recovered, 1)

	got := recovered[0]
	assert.Equal(t, pos.ID, got.ID)
	assert.Equal(t, "mkt-1", got.MarketID)
	assert.Equal(t, domain.SideUp, got.Side)
	assert.Equal(t, domain.PositionOpen, got.Status)
	assert.True(t, got.Cost.Equal(decimal.NewFromInt(30)))
}

func TestRecordOpenIsIdempotent(t *testing.T) {
	s := openStore(t)
	pos := openPos("mkt-1", false)
	require.NoError(t, s.RecordOpen(pos))
	require.NoError(t, s.RecordOpen(pos))

	recovered, err := s.OpenPositions()
	require.NoError(t, err)
	assert.Len(t, recovered, 1)
}

func TestSettledRowIsAppendOnce(t *testing.T) {
	s := openStore(t)
	pos := openPos("mkt-1", true)
	require.NoError(t, s.RecordOpen(pos))

	pos.Status = domain.PositionSettled
	pos.Payout = decimal.NewFromInt(50)
	pos.SettledAt = time.Now()
	require.NoError(t, s.RecordSettled(pos))

	// A replayed settlement with a different result must not rewrite the row.
	replay := *pos
	replay.Won = false
	replay.Payout = decimal.Zero
	require.NoError(t, s.RecordSettled(&replay))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Trades)
	assert.Equal(t, 1, stats.Wins)
	assert.True(t, stats.TotalPnL.Equal(decimal.NewFromInt(20)))
}

func TestRedeemedLeavesOpenSet(t *testing.T) {
	s := openStore(t)
	pos := openPos("mkt-1", true)
	require.NoError(t, s.RecordOpen(pos))

	pos.Status = domain.PositionSettled
	pos.Payout = decimal.NewFromInt(50)
	pos.SettledAt = time.Now()
	require.NoError(t, s.RecordSettled(pos))

	// Settled winners stay recoverable until redeemed.
	recovered, err := s.OpenPositions()
	require.NoError(t, err)
	require.Len(t, recovered, 1)

	require.NoError(t, s.RecordRedeemed(pos.ID))
	recovered, err = s.OpenPositions()
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestStatsAggregatesWinsAndLosses(t *testing.T) {
	s := openStore(t)

	win := openPos("mkt-1", true)
	require.NoError(t, s.RecordOpen(win))
	win.Status = domain.PositionSettled
	win.Payout = decimal.NewFromInt(50)
	win.SettledAt = time.Now()
	require.NoError(t, s.RecordSettled(win))

	loss := openPos("mkt-2", false)
	require.NoError(t, s.RecordOpen(loss))
	loss.Status = domain.PositionSettled
	loss.SettledAt = time.Now()
	require.NoError(t, s.RecordSettled(loss))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Trades)
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	// +20 on the win, -30 on the loss.
	assert.True(t, stats.TotalPnL.Equal(decimal.NewFromInt(-10)), "pnl %s", stats.TotalPnL)
}

func TestPendingOrderRoundTrip(t *testing.T) {
	s := openStore(t)

	po := &PendingOrder{
		OrderID:    "ord-1",
		MarketID:   "mkt-1",
		Instrument: "BTC",
		TokenID:    "tok-up",
		Side:       domain.SideUp,
		Price:      0.60,
		Tokens:     50,
		Cost:       decimal.NewFromInt(30),
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.RecordPending(po))
	// Duplicate persistence of the same order is a no-op.
	require.NoError(t, s.RecordPending(po))

	pending, err := s.PendingOrders()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	got := pending[0]
	assert.Equal(t, "ord-1", got.OrderID)
	assert.Equal(t, domain.SideUp, got.Side)
	assert.True(t, got.Cost.Equal(decimal.NewFromInt(30)))

	require.NoError(t, s.DeletePending("ord-1"))
	pending, err = s.PendingOrders()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
