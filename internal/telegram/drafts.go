package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// sourceDraft is a /source_add started with a title only; the user's next
// plain message in the chat becomes the source text.
type sourceDraft struct {
	NotebookID string    `json:"notebook_id"`
	Title      string    `json:"title"`
	StartedAt  time.Time `json:"started_at"`
}

type draftStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newDraftStore(rdb *redis.Client, ttl time.Duration) *draftStore {
	return &draftStore{redis: rdb, ttl: ttl}
}

func (w *draftStore) key(chatID, userID int64) string {
	return fmt.Sprintf("notebot:draft:%d:%d", chatID, userID)
}

func (w *draftStore) Set(ctx context.Context, chatID, userID int64, d sourceDraft) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return w.redis.Set(ctx, w.key(chatID, userID), string(b), w.ttl).Err()
}

func (w *draftStore) Get(ctx context.Context, chatID, userID int64) (*sourceDraft, error) {
	raw, err := w.redis.Get(ctx, w.key(chatID, userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d sourceDraft
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (w *draftStore) Clear(ctx context.Context, chatID, userID int64) error {
	return w.redis.Del(ctx, w.key(chatID, userID)).Err()
}
