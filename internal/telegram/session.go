package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"notebot/internal/permissions"
)

// chatSessions tracks the current approval session of each chat. A session
// lives until /new_session or until it sits idle for ttl.
type chatSessions struct {
	redis *redis.Client
	ttl   time.Duration
}

func newChatSessions(rdb *redis.Client, ttl time.Duration) *chatSessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &chatSessions{redis: rdb, ttl: ttl}
}

func (c *chatSessions) key(chatID int64) string {
	return fmt.Sprintf("notebot:chat:%d:session", chatID)
}

// Current returns the chat's session, starting one if there is none.
func (c *chatSessions) Current(ctx context.Context, chatID int64) (permissions.Session, error) {
	key := c.key(chatID)
	id := uuid.NewString()
	created, err := c.redis.SetNX(ctx, key, id, c.ttl).Result()
	if err != nil {
		return permissions.Session{}, fmt.Errorf("start chat session: %w", err)
	}
	if created {
		return permissions.Session{ID: id}, nil
	}
	existing, err := c.redis.GetEx(ctx, key, c.ttl).Result()
	if err != nil {
		return permissions.Session{}, fmt.Errorf("load chat session: %w", err)
	}
	return permissions.Session{ID: existing}, nil
}

// Rotate replaces the chat's session and returns the old one.
func (c *chatSessions) Rotate(ctx context.Context, chatID int64) (old, next permissions.Session, err error) {
	id := uuid.NewString()
	prev, err := c.redis.SetArgs(ctx, c.key(chatID), id, redis.SetArgs{Get: true, TTL: c.ttl}).Result()
	if err != nil && err != redis.Nil {
		return permissions.Session{}, permissions.Session{}, fmt.Errorf("rotate chat session: %w", err)
	}
	return permissions.Session{ID: prev}, permissions.Session{ID: id}, nil
}
