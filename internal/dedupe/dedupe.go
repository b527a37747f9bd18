// Package dedupe short-circuits redelivered push notifications using a
// Redis set-if-absent lock keyed on the delivery id. Reconciliation is
// idempotent without it; the deduper only saves the redundant round trips.
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Deduper struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func New(addr, password string, db int, ttl time.Duration, log *zap.Logger) *Deduper {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Deduper{rdb: rdb, ttl: ttl, log: log}
}

// FirstDelivery reports whether this delivery id has not been seen within
// the TTL window. When Redis is unreachable it reports true, so processing
// continues and correctness falls back to the idempotent pipeline.
func (d *Deduper) FirstDelivery(ctx context.Context, deliveryID string) bool {
	if deliveryID == "" {
		return true
	}
	key := fmt.Sprintf("mailwarden:delivery:%s", deliveryID)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		d.log.Warn("dedupe unavailable, processing anyway", zap.Error(err))
		return true
	}
	return ok
}

func (d *Deduper) Close() error {
	return d.rdb.Close()
}
