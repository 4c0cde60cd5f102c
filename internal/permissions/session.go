package permissions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNoSession = errors.New("no session")

// Session identifies one conversation session. Session-scoped approvals are
// keyed by ID; an empty ID has no session approvals.
type Session struct {
	ID string
}

type SessionStore interface {
	Add(ctx context.Context, sessionID, toolName string) error
	Has(ctx context.Context, sessionID, toolName string) (bool, error)
	List(ctx context.Context, sessionID string) ([]string, error)
	Clear(ctx context.Context, sessionID string) error
}

var (
	_ SessionStore = (*RedisSessionStore)(nil)
	_ SessionStore = (*MemorySessionStore)(nil)
)

// RedisSessionStore keeps one set per session. Each Add refreshes the TTL,
// so an idle session expires on its own.
type RedisSessionStore struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSessionStore(rdb *redis.Client, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSessionStore{redis: rdb, prefix: "notebot:session:", ttl: ttl}
}

func (s *RedisSessionStore) key(sessionID string) string {
	return s.prefix + sessionID + ":approved"
}

func (s *RedisSessionStore) Add(ctx context.Context, sessionID, toolName string) error {
	if sessionID == "" {
		return ErrNoSession
	}
	key := s.key(sessionID)
	pipe := s.redis.TxPipeline()
	pipe.SAdd(ctx, key, toolName)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add session approval: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Has(ctx context.Context, sessionID, toolName string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	ok, err := s.redis.SIsMember(ctx, s.key(sessionID), toolName).Result()
	if err != nil {
		return false, fmt.Errorf("check session approval: %w", err)
	}
	return ok, nil
}

func (s *RedisSessionStore) List(ctx context.Context, sessionID string) ([]string, error) {
	if sessionID == "" {
		return nil, nil
	}
	names, err := s.redis.SMembers(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list session approvals: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisSessionStore) Clear(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := s.redis.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear session approvals: %w", err)
	}
	return nil
}

type MemorySessionStore struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sets: make(map[string]map[string]struct{})}
}

func (m *MemorySessionStore) Add(_ context.Context, sessionID, toolName string) error {
	if sessionID == "" {
		return ErrNoSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[sessionID]
	if !ok {
		set = make(map[string]struct{})
		m.sets[sessionID] = set
	}
	set[toolName] = struct{}{}
	return nil
}

func (m *MemorySessionStore) Has(_ context.Context, sessionID, toolName string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sets[sessionID][toolName]
	return ok, nil
}

func (m *MemorySessionStore) List(_ context.Context, sessionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sets[sessionID]))
	for name := range m.sets[sessionID] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemorySessionStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, sessionID)
	return nil
}
