package feed

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFeed() *Feed {
	return New(Config{
		Instruments: []string{"BTC"},
		VolWindow:   5 * time.Minute,
		StaleAfter:  10 * time.Second,
	})
}

func tickAt(price float64, at time.Time) Tick {
	return Tick{Instrument: "BTC", Price: price, At: at}
}

func TestLatestReturnsNewestTick(t *testing.T) {
	f := testFeed()
	now := time.Now()
	f.Record(tickAt(100, now.Add(-2*time.Second)))
	f.Record(tickAt(101, now.Add(-time.Second)))

	tk, err := f.latestAt("BTC", now)
	require.NoError(t, err)
	assert.Equal(t, 101.0, tk.Price)
}

func TestLatestStaleAfterThreshold(t *testing.T) {
	f := testFeed()
	now := time.Now()
	f.Record(tickAt(100, now.Add(-30*time.Second)))

	_, err := f.latestAt("BTC", now)
	assert.ErrorIs(t, err, ErrStaleFeed)
}

func TestLatestUnknownInstrument(t *testing.T) {
	f := testFeed()
	_, err := f.Latest("DOGE")
	assert.ErrorIs(t, err, ErrUnknownInstrument)
}

func TestRecordDropsOutOfOrderTicks(t *testing.T) {
	f := testFeed()
	now := time.Now()
	f.Record(tickAt(101, now))
	f.Record(tickAt(100, now.Add(-time.Second))) // late arrival
	f.Record(tickAt(101, now))                   // duplicate timestamp

	tk, err := f.latestAt("BTC", now)
	require.NoError(t, err)
	assert.Equal(t, 101.0, tk.Price)
	assert.Equal(t, now, tk.At)
}

func TestMomentum(t *testing.T) {
	f := testFeed()
	now := time.Now()
	f.Record(tickAt(100, now.Add(-30*time.Second)))
	f.Record(tickAt(100.2, now))

	m, ok := f.Momentum("BTC", 30*time.Second)
	require.True(t, ok)
	assert.InDelta(t, 0.002, m, 1e-9)
}

func TestMomentumSignedDown(t *testing.T) {
	f := testFeed()
	now := time.Now()
	f.Record(tickAt(100, now.Add(-30*time.Second)))
	f.Record(tickAt(99.9, now))

	m, ok := f.Momentum("BTC", 30*time.Second)
	require.True(t, ok)
	assert.Less(t, m, 0.0)
}

func TestMomentumInsufficientHistory(t *testing.T) {
	f := testFeed()
	_, ok := f.Momentum("BTC", 30*time.Second)
	assert.False(t, ok)
}

func TestRealizedVolatilityNeedsSamples(t *testing.T) {
	f := testFeed()
	now := time.Now()
	f.Record(tickAt(100, now.Add(-2*time.Second)))
	f.Record(tickAt(100.1, now.Add(-time.Second)))

	_, ok := f.RealizedVolatility("BTC")
	assert.False(t, ok, "too few ticks for a variance estimate")
}

func TestRealizedVolatilityScalesWithNoise(t *testing.T) {
	calm := testFeed()
	wild := testFeed()
	now := time.Now()

	for i := 0; i < 60; i++ {
		at := now.Add(time.Duration(i-60) * time.Second)
		calmPrice := 100 + 0.01*math.Sin(float64(i))
		wildPrice := 100 + 1.0*math.Sin(float64(i))
		calm.Record(tickAt(calmPrice, at))
		wild.Record(tickAt(wildPrice, at))
	}

	calmVol, ok := calm.RealizedVolatility("BTC")
	require.True(t, ok)
	wildVol, ok := wild.RealizedVolatility("BTC")
	require.True(t, ok)

	assert.Greater(t, wildVol, calmVol)
	assert.Greater(t, calmVol, 0.0)
}

// fakeConn feeds scripted frames into the consume loop.
type fakeConn struct {
	frames    [][]byte
	subscribe interface{}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	if len(c.frames) == 0 {
		return 0, nil, io.EOF
	}
	f := c.frames[0]
	c.frames = c.frames[1:]
	return 1, f, nil
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.subscribe = v
	return nil
}

func (c *fakeConn) Close() error { return nil }

func frame(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestConsumeParsesStream(t *testing.T) {
	now := time.Now()
	conn := &fakeConn{frames: [][]byte{
		frame(t, map[string]interface{}{"type": "welcome"}), // non-tick frame
		frame(t, wireTick{Instrument: "BTC", Price: 100.5, Timestamp: now.UnixMilli()}),
		frame(t, wireTick{Instrument: "BTC", Price: 0, Timestamp: now.UnixMilli()}), // invalid
	}}

	f := testFeed()
	f.dial = func(ctx context.Context, url string) (wsConn, error) {
		return conn, nil
	}

	err := f.consume(context.Background())
	require.Error(t, err, "stream ends with EOF")

	assert.NotNil(t, conn.subscribe, "subscription sent on connect")
	tk, err := f.latestAt("BTC", now)
	require.NoError(t, err)
	assert.Equal(t, 100.5, tk.Price)
}

// blockingConn models a connected but silent stream: reads block until the
// conn is closed.
type blockingConn struct {
	once   sync.Once
	closed chan struct{}
}

func newBlockingConn() *blockingConn {
	return &blockingConn{closed: make(chan struct{})}
}

func (c *blockingConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *blockingConn) WriteJSON(v interface{}) error { return nil }

func (c *blockingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestConsumeUnblocksOnContextCancel(t *testing.T) {
	f := testFeed()
	f.dial = func(ctx context.Context, url string) (wsConn, error) {
		return newBlockingConn(), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.consume(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not return after cancel")
	}
}

func TestVolWindowTrimsOldTicks(t *testing.T) {
	f := testFeed()
	now := time.Now()

	// Old spike far outside the 5 minute window.
	f.Record(tickAt(50, now.Add(-time.Hour)))
	for i := 0; i < 30; i++ {
		f.Record(tickAt(100+0.01*float64(i%3), now.Add(time.Duration(i-30)*time.Second)))
	}

	vol, ok := f.RealizedVolatility("BTC")
	require.True(t, ok)
	// Were the hour-old 50 still in the window the log return jump would blow
	// the estimate out by orders of magnitude.
	assert.Less(t, vol, 10.0)
}
