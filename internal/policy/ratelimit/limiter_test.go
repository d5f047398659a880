package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterSpacesSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{MinDelay: 100 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://nbs.gov.so/statistics"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://nbs.gov.so/publications"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterHostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{MinDelay: time.Second})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example.com/"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example.com/"))
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLimiterGlobalScopeSharesBucket(t *testing.T) {
	t.Parallel()

	l := New(Config{MinDelay: 100 * time.Millisecond, Scope: ScopeGlobal})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example.com/"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example.com/"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterWaitCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{MinDelay: time.Hour})
	require.NoError(t, l.Wait(context.Background(), "https://nbs.gov.so"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://nbs.gov.so"))
}

func TestLimiterZeroDelayNeverBlocks(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://nbs.gov.so"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}
