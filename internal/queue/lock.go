package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"notebot/internal/turn"
)

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// TurnLock keeps one turn per notebook across worker processes. The key is
// refreshed while held so turns waiting on a human do not lose it.
type TurnLock struct {
	redis *redis.Client
	ttl   time.Duration
	log   zerolog.Logger
}

var _ turn.Guard = (*TurnLock)(nil)

func NewTurnLock(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *TurnLock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &TurnLock{redis: rdb, ttl: ttl, log: log}
}

func (l *TurnLock) key(notebookID string) string {
	return "notebot:turnlock:" + notebookID
}

func (l *TurnLock) Acquire(ctx context.Context, notebookID string) (func(), error) {
	key := l.key(notebookID)
	token := uuid.NewString()
	ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("turn lock setnx: %w", err)
	}
	if !ok {
		return nil, turn.ErrTurnInProgress
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(l.ttl / 3)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				n, err := extendLockScript.Run(context.Background(), l.redis, []string{key}, token, l.ttl.Milliseconds()).Int64()
				if err != nil {
					l.log.Warn().Err(err).Str("notebook_id", notebookID).Msg("extend turn lock failed")
					continue
				}
				if n == 0 {
					l.log.Warn().Str("notebook_id", notebookID).Msg("turn lock lost")
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			if err := releaseLockScript.Run(context.Background(), l.redis, []string{key}, token).Err(); err != nil {
				l.log.Warn().Err(err).Str("notebook_id", notebookID).Msg("release turn lock failed")
			}
		})
	}, nil
}
