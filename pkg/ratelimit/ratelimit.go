package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps how many debits a user may request per minute. It is a thin
// wrapper around github.com/vnmchuo/ratelimiter keyed by user id.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, perMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(perMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(userID string) string {
	return fmt.Sprintf("ratelimit:debit:%s", userID)
}

// Allow consumes one debit slot for userID. A nil Limiter allows everything.
func (l *Limiter) Allow(ctx context.Context, userID string) (bool, error) {
	if l == nil {
		return true, nil
	}
	res, err := l.store.AllowN(ctx, key(userID), 1)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
