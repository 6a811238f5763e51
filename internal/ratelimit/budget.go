// Package ratelimit tracks the per-credential request budget of the
// management API (about 60 requests a minute).
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/qualys/dbcompliance/internal/auditerr"
)

const DefaultPerMinute = 60

// Budget hands out request slots per credential. Take never blocks: an
// exhausted budget returns auditerr.ErrRateLimited so callers can back off.
type Budget interface {
	Take(ctx context.Context, credential string) error
	Remaining(ctx context.Context, credential string) (int, error)
}

// LocalBudget is a process-local token bucket per credential.
type LocalBudget struct {
	perMinute int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalBudget(perMinute int) *LocalBudget {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	return &LocalBudget{
		perMinute: perMinute,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (b *LocalBudget) limiter(credential string) *rate.Limiter {
	key := fingerprint(credential)

	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(b.perMinute)), b.perMinute)
		b.limiters[key] = l
	}
	return l
}

func (b *LocalBudget) Take(ctx context.Context, credential string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.limiter(credential).Allow() {
		return auditerr.ErrRateLimited
	}
	return nil
}

func (b *LocalBudget) Remaining(_ context.Context, credential string) (int, error) {
	tokens := b.limiter(credential).Tokens()
	if tokens < 0 {
		return 0, nil
	}
	return int(tokens), nil
}

// Unlimited never runs out. Used when no budget is configured.
type Unlimited struct{}

func (Unlimited) Take(ctx context.Context, _ string) error { return ctx.Err() }

func (Unlimited) Remaining(context.Context, string) (int, error) { return DefaultPerMinute, nil }

// fingerprint keeps raw tokens out of map keys and redis keys.
func fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}
