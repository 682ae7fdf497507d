package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowConsumesBurst(t *testing.T) {
	tb := NewTokenBucket(3, 1)

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow(), "burst exhausted")
	assert.Equal(t, 0, tb.Remaining())
}

func TestWaitSucceedsImmediatelyWithTokens(t *testing.T) {
	tb := NewTokenBucket(1, 1)
	require.NoError(t, tb.Wait(context.Background()))
}

func TestWaitHonorsContext(t *testing.T) {
	tb := NewTokenBucket(1, 1)
	require.True(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := tb.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRefill(t *testing.T) {
	tb := NewTokenBucket(5, 100)
	for i := 0; i < 5; i++ {
		require.True(t, tb.Allow())
	}
	require.False(t, tb.Allow())

	time.Sleep(1100 * time.Millisecond)
	assert.True(t, tb.Allow(), "tokens refill over time")
	assert.LessOrEqual(t, tb.Remaining(), 5, "never exceeds capacity")
}
