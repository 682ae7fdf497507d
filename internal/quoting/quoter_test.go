package quoting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/snipe/internal/domain"
	"github.com/betbot/snipe/internal/venue"
)

type fakeVenue struct {
	venue.API

	submitted []venue.SubmitRequest
	canceled  []string
	nextID    int
}

func (f *fakeVenue) SubmitOrder(ctx context.Context, req venue.SubmitRequest) (*venue.SubmitResult, error) {
	f.submitted = append(f.submitted, req)
	f.nextID++
	return &venue.SubmitResult{Accepted: true, OrderID: string(rune('a' + f.nextID))}, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, orderID string) error {
	f.canceled = append(f.canceled, orderID)
	return nil
}

func testConfig() Config {
	return Config{
		HalfSpread:       0.03,
		QuoteTokens:      10,
		MaxInventory:     25,
		RequoteThreshold: 0.01,
		ExpiryCutoff:     2 * time.Minute,
	}
}

func testMarket() *venue.Market {
	return &venue.Market{
		ID:         "mkt-1",
		Instrument: "BTC",
		TokenIDs:   map[string]string{"up": "tok-u", "down": "tok-d"},
	}
}

func TestUpdateQuotesBothSides(t *testing.T) {
	fake := &fakeVenue{}
	q := NewQuoter(fake, testConfig())

	q.Update(context.Background(), testMarket(), 0.60, 10*time.Minute)

	require.Len(t, fake.submitted, 2)
	bySide := map[domain.Side]venue.SubmitRequest{}
	for _, req := range fake.submitted {
		assert.Equal(t, venue.OrderTypeGTC, req.Type)
		bySide[req.Side] = req
	}
	// Up fair 0.60 -> bid 0.57; down fair 0.40 -> bid 0.37.
	assert.InDelta(t, 0.57, bySide[domain.SideUp].Price, 1e-9)
	assert.InDelta(t, 0.37, bySide[domain.SideDown].Price, 1e-9)
}

func TestUpdateHoldsQuoteWithinThreshold(t *testing.T) {
	fake := &fakeVenue{}
	q := NewQuoter(fake, testConfig())
	mkt := testMarket()

	q.Update(context.Background(), mkt, 0.60, 10*time.Minute)
	placed := len(fake.submitted)

	// Fair barely moved: keep the resting quotes.
	q.Update(context.Background(), mkt, 0.605, 10*time.Minute)
	assert.Len(t, fake.submitted, placed)
	assert.Empty(t, fake.canceled)

	// Fair moved past the threshold: cancel and replace.
	q.Update(context.Background(), mkt, 0.65, 10*time.Minute)
	assert.Greater(t, len(fake.submitted), placed)
	assert.NotEmpty(t, fake.canceled)
}

func TestExpiryCutoffPullsQuotes(t *testing.T) {
	fake := &fakeVenue{}
	q := NewQuoter(fake, testConfig())
	mkt := testMarket()

	q.Update(context.Background(), mkt, 0.60, 10*time.Minute)
	require.Len(t, fake.submitted, 2)

	q.Update(context.Background(), mkt, 0.60, 90*time.Second)
	assert.Len(t, fake.canceled, 2, "all quotes pulled inside the cutoff")
	assert.Len(t, fake.submitted, 2, "no new quotes this close to expiry")
}

func TestInventoryBound(t *testing.T) {
	cfg := testConfig()
	cfg.ObserveMode = true
	q := NewQuoter(&fakeVenue{}, cfg)
	mkt := testMarket()

	// Fill simulated quotes until the cap stops new ones.
	for i := 0; i < 5; i++ {
		q.Update(context.Background(), mkt, 0.60, 10*time.Minute)
		book := &venue.Book{
			UpAsk:   venue.Quote{Price: 0.10, Size: 100},
			DownAsk: venue.Quote{Price: 0.10, Size: 100},
		}
		q.SimulateFill(book, "BTC")
	}

	inv := q.Inventory()
	assert.LessOrEqual(t, inv[domain.SideUp], cfg.MaxInventory)
	assert.LessOrEqual(t, inv[domain.SideDown], cfg.MaxInventory)
	assert.Greater(t, inv[domain.SideUp], 0.0)
}

func TestSimulateFillOnCross(t *testing.T) {
	cfg := testConfig()
	cfg.ObserveMode = true
	q := NewQuoter(&fakeVenue{}, cfg)
	mkt := testMarket()

	q.Update(context.Background(), mkt, 0.60, 10*time.Minute)

	// Ask above our up bid of 0.57: no fill.
	noCross := &venue.Book{
		UpAsk:   venue.Quote{Price: 0.60, Size: 100},
		DownAsk: venue.Quote{Price: 0.40, Size: 100},
	}
	assert.Empty(t, q.SimulateFill(noCross, "BTC"))

	// Up ask drops through the bid: fill at our quote price.
	cross := &venue.Book{
		UpAsk:   venue.Quote{Price: 0.55, Size: 100},
		DownAsk: venue.Quote{Price: 0.40, Size: 100},
	}
	fills := q.SimulateFill(cross, "BTC")
	require.Len(t, fills, 1)
	assert.Equal(t, domain.SideUp, fills[0].Side)
	assert.InDelta(t, 0.57, fills[0].EntryPrice, 1e-9)
	assert.Equal(t, 10.0, fills[0].Size)
}

func TestWindowRotationResetsInventory(t *testing.T) {
	cfg := testConfig()
	cfg.ObserveMode = true
	q := NewQuoter(&fakeVenue{}, cfg)

	q.Update(context.Background(), testMarket(), 0.60, 10*time.Minute)
	book := &venue.Book{UpAsk: venue.Quote{Price: 0.10, Size: 100}}
	q.SimulateFill(book, "BTC")
	require.Greater(t, q.Inventory()[domain.SideUp], 0.0)

	next := testMarket()
	next.ID = "mkt-2"
	q.Update(context.Background(), next, 0.60, 10*time.Minute)
	assert.Zero(t, q.Inventory()[domain.SideUp])
}

func TestExtremeFairSkipsSide(t *testing.T) {
	fake := &fakeVenue{}
	q := NewQuoter(fake, testConfig())

	// Up fair 0.98: up bid would be 0.95 (fine) but down bid would be
	// 0.02 - 0.03 < 0.01, so only one side quotes.
	q.Update(context.Background(), testMarket(), 0.98, 10*time.Minute)
	require.Len(t, fake.submitted, 1)
	assert.Equal(t, domain.SideUp, fake.submitted[0].Side)
}
