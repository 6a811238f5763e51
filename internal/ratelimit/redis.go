package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qualys/dbcompliance/internal/auditerr"
)

const keyPrefix = "dbaudit:ratelimit:"

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	PerMinute int
}

// RedisBudget shares a fixed one-minute window per credential between
// processes using the same redis.
type RedisBudget struct {
	client    *redis.Client
	perMinute int
	now       func() time.Time
}

func NewRedisBudget(cfg RedisConfig) (*RedisBudget, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	perMinute := cfg.PerMinute
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}

	return &RedisBudget{client: client, perMinute: perMinute, now: time.Now}, nil
}

func (b *RedisBudget) Close() error {
	return b.client.Close()
}

func (b *RedisBudget) windowKey(credential string) string {
	window := b.now().Unix() / 60
	return fmt.Sprintf("%s%s:%d", keyPrefix, fingerprint(credential), window)
}

func (b *RedisBudget) Take(ctx context.Context, credential string) error {
	key := b.windowKey(credential)

	pipe := b.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tracking request budget: %w", err)
	}

	if incr.Val() > int64(b.perMinute) {
		return auditerr.ErrRateLimited
	}
	return nil
}

func (b *RedisBudget) Remaining(ctx context.Context, credential string) (int, error) {
	used, err := b.client.Get(ctx, b.windowKey(credential)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return b.perMinute, nil
		}
		return 0, fmt.Errorf("reading request budget: %w", err)
	}
	if used >= b.perMinute {
		return 0, nil
	}
	return b.perMinute - used, nil
}
