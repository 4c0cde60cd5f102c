package responsecache

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"notebot/internal/storage"
)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), "sqlite", "file:"+filepath.Join(t.TempDir(), "cache.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestMakeKeyNormalization(t *testing.T) {
	a := MakeKey("What is X", []string{"s1", "s2"})
	b := MakeKey("  what   is x ", []string{"s2", "s1", "s1", " "})
	if a != b {
		t.Fatalf("expected equal keys, got %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "rc1:") {
		t.Fatalf("expected versioned prefix, got %s", a)
	}
	if a == MakeKey("What is X", []string{"s1"}) {
		t.Fatalf("different source sets must not collide")
	}
	if a == MakeKey("What is Y", []string{"s1", "s2"}) {
		t.Fatalf("different queries must not collide")
	}
	if MakeKey("ab", []string{"c"}) == MakeKey("a", []string{"bc"}) {
		t.Fatalf("query/source boundary must be unambiguous")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for _, l1 := range []bool{false, true} {
		cfg := Config{Store: openStore(t), Logger: zerolog.Nop()}
		if l1 {
			cfg.L1TTL = time.Minute
		}
		c := New(cfg)
		ctx := context.Background()
		key := MakeKey("What is X", []string{"s1", "s2"})

		if _, ok, err := c.Get(ctx, key); err != nil || ok {
			t.Fatalf("expected miss on empty cache, ok=%v err=%v", ok, err)
		}

		cites := []storage.Citation{{SourceID: "s1", SourceTitle: "T1", Excerpt: "a"}}
		if err := c.Put(ctx, key, Entry{NotebookID: "nb", Query: "What is X", SourceIDs: []string{"s1", "s2"}, Response: "answer", Citations: cites}); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, ok, err := c.Get(ctx, key)
		if err != nil || !ok {
			t.Fatalf("expected hit, ok=%v err=%v", ok, err)
		}
		if got.Response != "answer" || len(got.Citations) != 1 || got.Citations[0] != cites[0] {
			t.Fatalf("round trip mismatch (l1=%v): %#v", l1, got)
		}

		if err := c.Put(ctx, key, Entry{NotebookID: "nb", Response: "fresher"}); err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		got, _, _ = c.Get(ctx, key)
		if got.Response != "fresher" || len(got.Citations) != 0 {
			t.Fatalf("last write must win (l1=%v), got %#v", l1, got)
		}
	}
}

func TestClearNotebook(t *testing.T) {
	c := New(Config{Store: openStore(t), L1TTL: time.Minute, Logger: zerolog.Nop()})
	ctx := context.Background()
	k1 := MakeKey("q", []string{"s1"})
	k2 := MakeKey("q", []string{"s2"})

	_ = c.Put(ctx, k1, Entry{NotebookID: "nb1", Response: "one"})
	_ = c.Put(ctx, k2, Entry{NotebookID: "nb2", Response: "two"})

	n, err := c.ClearNotebook(ctx, "nb1")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if _, ok, _ := c.Get(ctx, k1); ok {
		t.Fatalf("cleared entry must be gone")
	}
	if _, ok, _ := c.Get(ctx, k2); !ok {
		t.Fatalf("other notebook entry must survive")
	}
}

type failingStore struct{ Store }

func (failingStore) PutCachedResponse(context.Context, storage.CachedResponse) error {
	return errors.New("disk full")
}

func TestPutFailureDoesNotLeaveStaleL1(t *testing.T) {
	st := openStore(t)
	c := New(Config{Store: st, L1TTL: time.Minute, Logger: zerolog.Nop()})
	ctx := context.Background()
	key := MakeKey("q", nil)
	if err := c.Put(ctx, key, Entry{Response: "old"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := c.Get(ctx, key); err != nil {
		t.Fatalf("warm: %v", err)
	}

	c.store = failingStore{Store: st}
	if err := c.Put(ctx, key, Entry{Response: "new"}); err == nil {
		t.Fatalf("expected put error")
	}
	got, hit, err := c.Get(ctx, key)
	if err != nil || !hit {
		t.Fatalf("expected durable hit, hit=%v err=%v", hit, err)
	}
	if got.Response != "old" {
		t.Fatalf("expected durable value after failed write, got %q", got.Response)
	}
}

func TestCachesSharingStoreSeeLatestWrite(t *testing.T) {
	st := openStore(t)
	a := New(Config{Store: st, L1TTL: 10 * time.Minute, Logger: zerolog.Nop()})
	b := New(Config{Store: st, L1TTL: 10 * time.Minute, Logger: zerolog.Nop()})
	ctx := context.Background()
	key := MakeKey("q", []string{"s1"})

	if err := a.Put(ctx, key, Entry{NotebookID: "nb", Response: "old"}); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := b.Put(ctx, key, Entry{NotebookID: "nb", Response: "fresh"}); err != nil {
		t.Fatalf("put b: %v", err)
	}
	got, ok, err := a.Get(ctx, key)
	if err != nil || !ok || got.Response != "fresh" {
		t.Fatalf("expected fresh write from other cache, got %q ok=%v err=%v", got.Response, ok, err)
	}

	if _, err := b.ClearNotebook(ctx, "nb"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got, ok, _ := a.Get(ctx, key); ok {
		t.Fatalf("cleared entry served: %q", got.Response)
	}
}

type unreadableStore struct{ Store }

func (unreadableStore) GetCachedResponse(context.Context, string) (storage.CachedResponse, error) {
	return storage.CachedResponse{}, errors.New("database is locked")
}

func TestGetFallsBackToL1WhenStoreFails(t *testing.T) {
	st := openStore(t)
	c := New(Config{Store: st, L1TTL: time.Minute, Logger: zerolog.Nop()})
	ctx := context.Background()
	key := MakeKey("q", nil)
	if err := c.Put(ctx, key, Entry{Response: "kept"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	c.store = unreadableStore{Store: st}
	got, ok, err := c.Get(ctx, key)
	if err != nil || !ok || got.Response != "kept" {
		t.Fatalf("expected in-process copy, got %q ok=%v err=%v", got.Response, ok, err)
	}
	if _, _, err := c.Get(ctx, MakeKey("other", nil)); err == nil {
		t.Fatalf("expected store error for uncached key")
	}
}

func TestListenDropsEntriesClearedElsewhere(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	st := openStore(t)
	a := New(Config{Store: st, L1TTL: time.Minute, Redis: rdb, Logger: zerolog.Nop()})
	b := New(Config{Store: st, L1TTL: time.Minute, Redis: rdb, Logger: zerolog.Nop()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = a.Listen(ctx) }()

	key := MakeKey("q", nil)
	if err := a.Put(ctx, key, Entry{NotebookID: "nb", Response: "answer"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	// wait for the subscription, then re-warm after our own invalidation
	time.Sleep(50 * time.Millisecond)
	if _, ok, _ := a.Get(ctx, key); !ok {
		t.Fatalf("expected hit")
	}
	if a.l1.ItemCount() != 1 {
		t.Fatalf("expected warm in-process layer")
	}

	if _, err := b.ClearNotebook(ctx, "nb"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for a.l1.ItemCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("in-process entry survived a clear from another process")
		}
		time.Sleep(10 * time.Millisecond)
	}

	a.store = unreadableStore{Store: st}
	if _, ok, _ := a.Get(ctx, key); ok {
		t.Fatalf("cleared entry served while the store is failing")
	}
}
