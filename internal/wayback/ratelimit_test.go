package wayback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitersDefaultIsUnboundedWithoutSetDefault(t *testing.T) {
	limits := NewLimiters()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, limits.Wait(ctx, "unbounded"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimitersEnforcesNamedGroupRate(t *testing.T) {
	limits := NewLimiters()
	limits.SetDefault("slow", 20) // ~50ms between admits

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limits.Wait(ctx, "slow"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestLimitersGroupsAreIndependent(t *testing.T) {
	limits := NewLimiters()
	limits.SetDefault("a", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, limits.Wait(ctx, "b"))
}
