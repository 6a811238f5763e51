package ratelimit

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/dbcompliance/internal/auditerr"
)

func TestLocalBudgetExhaustion(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBudget(3)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Take(ctx, "sbp_token"))
	}

	err := b.Take(ctx, "sbp_token")
	assert.ErrorIs(t, err, auditerr.ErrRateLimited)

	remaining, err := b.Remaining(ctx, "sbp_token")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestLocalBudgetIsPerCredential(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBudget(1)

	require.NoError(t, b.Take(ctx, "a"))
	assert.ErrorIs(t, b.Take(ctx, "a"), auditerr.ErrRateLimited)
	assert.NoError(t, b.Take(ctx, "b"))
}

func TestLocalBudgetHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, NewLocalBudget(10).Take(ctx, "a"), context.Canceled)
}

func TestFingerprintHidesToken(t *testing.T) {
	fp := fingerprint("sbp_secret")
	assert.NotContains(t, fp, "secret")
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, fingerprint("sbp_secret"))
}

func skipIfNoTestRedis(t *testing.T) *RedisBudget {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping redis tests")
	}

	b, err := NewRedisBudget(RedisConfig{Addr: addr, PerMinute: 2})
	if err != nil {
		t.Skipf("Could not connect to test redis: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRedisBudget(t *testing.T) {
	b := skipIfNoTestRedis(t)
	ctx := context.Background()
	cred := "redis-test-" + t.Name()

	b.client.Del(ctx, b.windowKey(cred))

	require.NoError(t, b.Take(ctx, cred))
	remaining, err := b.Remaining(ctx, cred)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	require.NoError(t, b.Take(ctx, cred))
	assert.ErrorIs(t, b.Take(ctx, cred), auditerr.ErrRateLimited)
}
