package responsecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"notebot/internal/metrics"
	"notebot/internal/storage"
)

const (
	keyPrefix          = "rc1:"
	invalidateChannel  = "notebot:response_cache:invalidate"
	invalidateAllToken = "*"
)

// MakeKey fingerprints a query against the set of sources it was asked over.
// The query is trimmed, inner whitespace collapsed and lowercased; source ids
// are trimmed, deduplicated and sorted, so their order never matters.
func MakeKey(query string, sourceIDs []string) string {
	q := strings.ToLower(strings.Join(strings.Fields(query), " "))

	seen := make(map[string]struct{}, len(sourceIDs))
	ids := make([]string, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	h.Write([]byte(q))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(ids, "\x1f")))
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

type Store interface {
	GetCachedResponse(ctx context.Context, key string) (storage.CachedResponse, error)
	PutCachedResponse(ctx context.Context, r storage.CachedResponse) error
	DeleteCachedResponses(ctx context.Context, notebookID string) (int64, error)
}

var _ Store = (*storage.Store)(nil)

type Entry struct {
	NotebookID string
	Query      string
	SourceIDs  []string
	Response   string
	Citations  []storage.Citation
}

// Config.L1TTL enables an in-process layer in front of Store; zero disables it.
// Redis, when set, carries invalidations between processes sharing one Store.
type Config struct {
	Store  Store
	L1TTL  time.Duration
	Redis  *redis.Client
	Logger zerolog.Logger
	Now    func() time.Time
}

// Cache is the fallback answer store. Store is authoritative and read first;
// the in-process layer only answers while Store is failing.
type Cache struct {
	store Store
	l1    *gocache.Cache
	redis *redis.Client
	log   zerolog.Logger
	now   func() time.Time
}

func New(cfg Config) *Cache {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Cache{store: cfg.Store, redis: cfg.Redis, log: cfg.Logger, now: cfg.Now}
	if cfg.L1TTL > 0 {
		c.l1 = gocache.New(cfg.L1TTL, 2*cfg.L1TTL)
	}
	return c
}

func (c *Cache) Get(ctx context.Context, key string) (storage.CachedResponse, bool, error) {
	r, err := c.store.GetCachedResponse(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		if c.l1 != nil {
			c.l1.Delete(key)
		}
		metrics.Global().CacheLookups.WithLabelValues("miss").Inc()
		return storage.CachedResponse{}, false, nil
	}
	if err != nil {
		if c.l1 != nil {
			if v, ok := c.l1.Get(key); ok {
				c.log.Warn().Err(err).Str("cache_key", key).Msg("response cache store unavailable, serving in-process copy")
				metrics.Global().CacheLookups.WithLabelValues("hit_l1").Inc()
				return cloneResponse(v.(storage.CachedResponse)), true, nil
			}
		}
		metrics.Global().CacheLookups.WithLabelValues("error").Inc()
		return storage.CachedResponse{}, false, fmt.Errorf("read response cache: %w", err)
	}
	metrics.Global().CacheLookups.WithLabelValues("hit").Inc()
	if c.l1 != nil {
		c.l1.SetDefault(key, cloneResponse(r))
	}
	return r, true, nil
}

// Put upserts; the last write for a key wins.
func (c *Cache) Put(ctx context.Context, key string, e Entry) error {
	r := storage.CachedResponse{
		CacheKey:   key,
		NotebookID: e.NotebookID,
		Query:      e.Query,
		SourceIDs:  append([]string(nil), e.SourceIDs...),
		Response:   e.Response,
		Citations:  append([]storage.Citation(nil), e.Citations...),
		CreatedAt:  c.now().UTC(),
	}
	if c.l1 != nil {
		// invalidate before the durable write
		c.l1.Delete(key)
	}
	if err := c.store.PutCachedResponse(ctx, r); err != nil {
		return fmt.Errorf("write response cache: %w", err)
	}
	if c.l1 != nil {
		c.l1.SetDefault(key, cloneResponse(r))
	}
	c.publish(ctx, key)
	c.log.Debug().Str("cache_key", key).Str("notebook_id", e.NotebookID).Msg("response cached")
	return nil
}

func (c *Cache) ClearNotebook(ctx context.Context, notebookID string) (int64, error) {
	n, err := c.store.DeleteCachedResponses(ctx, notebookID)
	if err != nil {
		return 0, fmt.Errorf("clear response cache: %w", err)
	}
	if c.l1 != nil {
		// L1 is keyed by fingerprint only
		c.l1.Flush()
	}
	c.publish(ctx, invalidateAllToken)
	return n, nil
}

func (c *Cache) publish(ctx context.Context, key string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Publish(ctx, invalidateChannel, key).Err(); err != nil {
		c.log.Warn().Err(err).Str("cache_key", key).Msg("publish cache invalidation failed")
	}
}

// Listen drops in-process entries written or cleared by other processes until
// ctx is done. Messages from this process are applied twice, which is harmless.
func (c *Cache) Listen(ctx context.Context) error {
	if c.redis == nil || c.l1 == nil {
		return nil
	}
	ps := c.redis.Subscribe(ctx, invalidateChannel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe cache invalidations: %w", err)
	}
	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			c.invalidate(msg.Payload)
		}
	}
}

func (c *Cache) invalidate(key string) {
	if key == invalidateAllToken {
		c.l1.Flush()
		return
	}
	c.l1.Delete(key)
}

func cloneResponse(r storage.CachedResponse) storage.CachedResponse {
	r.SourceIDs = append([]string(nil), r.SourceIDs...)
	r.Citations = append([]storage.Citation(nil), r.Citations...)
	return r
}
