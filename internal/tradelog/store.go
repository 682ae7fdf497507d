// Package tradelog persists the position journal to SQLite. Open positions
// are recorded as soon as the ledger commits them and updated through
// settlement, so a restart can recover positions the in-memory ledger lost.
// Terminal rows are append-once: settled results are never rewritten.
package tradelog

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/snipe/internal/domain"
)

var log = logrus.WithField("component", "tradelog")

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id          TEXT PRIMARY KEY,
	market_id   TEXT NOT NULL,
	instrument  TEXT NOT NULL,
	side        TEXT NOT NULL,
	entry_price REAL NOT NULL,
	size        REAL NOT NULL,
	cost        TEXT NOT NULL,
	status      TEXT NOT NULL,
	won         INTEGER NOT NULL DEFAULT 0,
	payout      TEXT NOT NULL DEFAULT '0',
	opened_at   INTEGER NOT NULL, -- unix seconds
	settled_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_market ON positions(market_id);
CREATE TABLE IF NOT EXISTS pending_orders (
	order_id   TEXT PRIMARY KEY,
	market_id  TEXT NOT NULL,
	instrument TEXT NOT NULL,
	token_id   TEXT NOT NULL,
	side       TEXT NOT NULL,
	price      REAL NOT NULL,
	tokens     REAL NOT NULL,
	cost       TEXT NOT NULL,
	created_at INTEGER NOT NULL -- unix seconds
);
`

// Store is the SQLite-backed journal.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open tradelog %s", path)
	}
	// SQLite allows one writer; the journal is written from several loops.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "tradelog schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordOpen journals a newly committed position.
func (s *Store) RecordOpen(pos *domain.Position) error {
	_, err := s.db.Exec(`
		INSERT INTO positions (id, market_id, instrument, side, entry_price, size, cost, status, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		pos.ID, pos.MarketID, pos.Instrument, string(pos.Side),
		pos.EntryPrice, pos.Size, pos.Cost.String(), string(pos.Status), pos.OpenedAt.Unix())
	return errors.Wrapf(err, "record open %s", pos.ID)
}

// RecordSettled updates the journal with the oracle outcome. The status gate
// keeps a replayed settlement from rewriting a terminal row.
func (s *Store) RecordSettled(pos *domain.Position) error {
	res, err := s.db.Exec(`
		UPDATE positions SET status = ?, won = ?, payout = ?, settled_at = ?
		WHERE id = ? AND status = ?`,
		string(pos.Status), boolInt(pos.Won), pos.Payout.String(), pos.SettledAt.Unix(),
		pos.ID, string(domain.PositionOpen))
	if err != nil {
		return errors.Wrapf(err, "record settled %s", pos.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Debugf("settlement for %s already journaled", pos.ID)
	}
	return nil
}

// RecordRedeemed marks a settled winner as redeemed.
func (s *Store) RecordRedeemed(positionID string) error {
	_, err := s.db.Exec(`
		UPDATE positions SET status = ? WHERE id = ? AND status = ?`,
		string(domain.PositionRedeemed), positionID, string(domain.PositionSettled))
	return errors.Wrapf(err, "record redeemed %s", positionID)
}

// OpenPositions returns journaled positions that never reached a terminal
// state. At startup these are orphans from a previous run and must be driven
// through settlement before their markets are forgotten.
func (s *Store) OpenPositions() ([]domain.Position, error) {
	rows, err := s.db.Query(`
		SELECT id, market_id, instrument, side, entry_price, size, cost, status, won, payout, opened_at
		FROM positions
		WHERE status IN (?, ?)
		ORDER BY opened_at`,
		string(domain.PositionOpen), string(domain.PositionSettled))
	if err != nil {
		return nil, errors.Wrap(err, "query open positions")
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var (
			p            domain.Position
			side, status string
			cost, payout string
			won          int
			openedAt     int64
		)
		if err := rows.Scan(&p.ID, &p.MarketID, &p.Instrument, &side,
			&p.EntryPrice, &p.Size, &cost, &status, &won, &payout, &openedAt); err != nil {
			return nil, errors.Wrap(err, "scan position")
		}
		p.Side = domain.Side(side)
		p.Status = domain.PositionStatus(status)
		p.Won = won != 0
		p.Cost, _ = decimal.NewFromString(cost)
		p.Payout, _ = decimal.NewFromString(payout)
		p.OpenedAt = time.Unix(openedAt, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PendingOrder is a submitted order whose fill state was never confirmed.
// Persisted so a restart can finish the verification the previous process
// could not.
type PendingOrder struct {
	OrderID    string
	MarketID   string
	Instrument string
	TokenID    string
	Side       domain.Side
	Price      float64
	Tokens     float64
	Cost       decimal.Decimal
	CreatedAt  time.Time
}

// RecordPending journals an order stuck in verification.
func (s *Store) RecordPending(po *PendingOrder) error {
	_, err := s.db.Exec(`
		INSERT INTO pending_orders (order_id, market_id, instrument, token_id, side, price, tokens, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO NOTHING`,
		po.OrderID, po.MarketID, po.Instrument, po.TokenID, string(po.Side),
		po.Price, po.Tokens, po.Cost.String(), po.CreatedAt.Unix())
	return errors.Wrapf(err, "record pending %s", po.OrderID)
}

// DeletePending removes an order that reached a terminal state.
func (s *Store) DeletePending(orderID string) error {
	_, err := s.db.Exec(`DELETE FROM pending_orders WHERE order_id = ?`, orderID)
	return errors.Wrapf(err, "delete pending %s", orderID)
}

// PendingOrders returns every order still awaiting verification.
func (s *Store) PendingOrders() ([]PendingOrder, error) {
	rows, err := s.db.Query(`
		SELECT order_id, market_id, instrument, token_id, side, price, tokens, cost, created_at
		FROM pending_orders ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "query pending orders")
	}
	defer rows.Close()

	var out []PendingOrder
	for rows.Next() {
		var (
			po        PendingOrder
			side      string
			cost      string
			createdAt int64
		)
		if err := rows.Scan(&po.OrderID, &po.MarketID, &po.Instrument, &po.TokenID,
			&side, &po.Price, &po.Tokens, &cost, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan pending order")
		}
		po.Side = domain.Side(side)
		po.Cost, _ = decimal.NewFromString(cost)
		po.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, po)
	}
	return out, rows.Err()
}

// Stats summarizes the journal for the ops surface.
type Stats struct {
	Trades   int             `json:"trades"`
	Wins     int             `json:"wins"`
	Losses   int             `json:"losses"`
	TotalPnL decimal.Decimal `json:"totalPnl"`
}

// Stats aggregates terminal rows.
func (s *Store) Stats() (Stats, error) {
	rows, err := s.db.Query(`
		SELECT won, cost, payout FROM positions WHERE status IN (?, ?)`,
		string(domain.PositionSettled), string(domain.PositionRedeemed))
	if err != nil {
		return Stats{}, errors.Wrap(err, "query stats")
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var (
			won          int
			cost, payout string
		)
		if err := rows.Scan(&won, &cost, &payout); err != nil {
			return Stats{}, errors.Wrap(err, "scan stats")
		}
		c, _ := decimal.NewFromString(cost)
		p, _ := decimal.NewFromString(payout)
		st.Trades++
		if won != 0 {
			st.Wins++
		} else {
			st.Losses++
		}
		st.TotalPnL = st.TotalPnL.Add(p.Sub(c))
	}
	return st, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
