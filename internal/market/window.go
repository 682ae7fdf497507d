package market

import (
	"time"
)

// Status is the lifecycle stage of one market window. Transitions only move
// forward: Pending -> Open -> Expiring -> Closed -> Settled.
type Status string

const (
	StatusPending  Status = "pending"
	StatusOpen     Status = "open"
	StatusExpiring Status = "expiring"
	StatusClosed   Status = "closed"
	StatusSettled  Status = "settled"
)

var statusRank = map[Status]int{
	StatusPending:  0,
	StatusOpen:     1,
	StatusExpiring: 2,
	StatusClosed:   3,
	StatusSettled:  4,
}

// After reports whether s is strictly later in the lifecycle than other.
func (s Status) After(other Status) bool {
	return statusRank[s] > statusRank[other]
}

// StrikeSource records where a window's reference strike came from, in
// decreasing order of trust.
type StrikeSource string

const (
	StrikeSourceVenue     StrikeSource = "venue"     // venue-published opening price
	StrikeSourceSpot      StrikeSource = "spot"      // feed spot observed at window open
	StrikeSourceBackSolve StrikeSource = "backsolve" // implied from market mid
	StrikeSourceUnknown   StrikeSource = "unknown"
)

// Window is one tracked binary market window.
type Window struct {
	ID           string
	Slug         string
	Instrument   string
	Timeframe    string
	OpenTime     time.Time
	CloseTime    time.Time
	Strike       float64
	StrikeSource StrikeSource
	Status       Status
	TokenIDs     map[string]string // side -> venue token ID
}

// TokenID returns the venue token identifier for a side name.
func (w *Window) TokenID(side string) string {
	return w.TokenIDs[side]
}

// TimeToExpiry is the remaining trading time.
func (w *Window) TimeToExpiry(now time.Time) time.Duration {
	d := w.CloseTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Elapsed is the time since the window opened.
func (w *Window) Elapsed(now time.Time) time.Duration {
	return now.Sub(w.OpenTime)
}

// clockStatus derives the stage implied by the wall clock alone. Settled is
// never implied by the clock; it requires an oracle event.
func (w *Window) clockStatus(now time.Time, stopBeforeExpiry time.Duration) Status {
	switch {
	case now.Before(w.OpenTime):
		return StatusPending
	case !now.Before(w.CloseTime):
		return StatusClosed
	case stopBeforeExpiry > 0 && !now.Before(w.CloseTime.Add(-stopBeforeExpiry)):
		return StatusExpiring
	default:
		return StatusOpen
	}
}

// advance moves the window to the clock-implied stage, forward only.
func (w *Window) advance(now time.Time, stopBeforeExpiry time.Duration) bool {
	next := w.clockStatus(now, stopBeforeExpiry)
	if next.After(w.Status) {
		w.Status = next
		return true
	}
	return false
}

// markSettled records the oracle confirmation.
func (w *Window) markSettled() bool {
	if StatusSettled.After(w.Status) {
		w.Status = StatusSettled
		return true
	}
	return w.Status == StatusSettled
}

// Accepting reports whether new entries are allowed: Open only. Expiring,
// Closed and Settled windows never take new exposure.
func (w *Window) Accepting() bool {
	return w.Status == StatusOpen
}
