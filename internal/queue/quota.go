package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var takeQuotaScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

var refundQuotaScript = redis.NewScript(`
local c = tonumber(redis.call("GET", KEYS[1]) or "0")
if c > 0 then
  return redis.call("DECR", KEYS[1])
end
return 0
`)

// QuotaStatus reports one hourly window of a notebook's turn budget.
type QuotaStatus struct {
	Allowed bool
	Used    int64
	ResetAt time.Time
}

// TurnQuota caps how many questions a notebook may start per hour. Questions
// that never became a turn are refunded to the window they were taken from.
type TurnQuota struct {
	redis *redis.Client
	limit int64
}

func NewTurnQuota(rdb *redis.Client, limit int64) *TurnQuota {
	return &TurnQuota{redis: rdb, limit: limit}
}

func (q *TurnQuota) key(notebookID string, windowStart time.Time) string {
	return fmt.Sprintf("notebot:quota:%s:%s", notebookID, windowStart.Format("2006010215"))
}

// Take counts one question against the window containing now. A limit of
// zero or less disables the quota.
func (q *TurnQuota) Take(ctx context.Context, notebookID string, now time.Time) (QuotaStatus, error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	if q.limit <= 0 {
		return QuotaStatus{Allowed: true, ResetAt: windowEnd}, nil
	}
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	used, err := takeQuotaScript.Run(ctx, q.redis, []string{q.key(notebookID, windowStart)}, ttl).Int64()
	if err != nil {
		return QuotaStatus{}, fmt.Errorf("take turn quota: %w", err)
	}
	return QuotaStatus{Allowed: used <= q.limit, Used: used, ResetAt: windowEnd}, nil
}

// Refund returns one question to the window containing takenAt. Refunding an
// expired or empty window is a no-op.
func (q *TurnQuota) Refund(ctx context.Context, notebookID string, takenAt time.Time) error {
	if q.limit <= 0 {
		return nil
	}
	key := q.key(notebookID, takenAt.UTC().Truncate(time.Hour))
	if err := refundQuotaScript.Run(ctx, q.redis, []string{key}).Err(); err != nil {
		return fmt.Errorf("refund turn quota: %w", err)
	}
	return nil
}

type UpdateDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewUpdateDeduplicator(rdb *redis.Client, ttl time.Duration) *UpdateDeduplicator {
	return &UpdateDeduplicator{redis: rdb, ttl: ttl}
}

func (d *UpdateDeduplicator) MarkFirst(ctx context.Context, updateID int64) (bool, error) {
	key := fmt.Sprintf("notebot:update:%d", updateID)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
