package permissions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"notebot/internal/storage"
)

type memConfigStore struct {
	mu     sync.Mutex
	raw    []byte
	writes int
}

func (m *memConfigStore) GetToolPermissions(context.Context) (storage.ToolPermissionsConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.raw == nil {
		return storage.ToolPermissionsConfig{}, storage.ErrNotFound
	}
	var cfg storage.ToolPermissionsConfig
	err := json.Unmarshal(m.raw, &cfg)
	return cfg, err
}

func (m *memConfigStore) PutToolPermissions(_ context.Context, cfg storage.ToolPermissionsConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.SessionApprovals = nil
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	m.raw = b
	m.writes++
	return nil
}

func (m *memConfigStore) DeleteToolPermissions(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = nil
	return nil
}

func newRedisRegistry(t *testing.T) (*Registry, *memConfigStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := &memConfigStore{}
	reg := New(Config{
		Store:    store,
		Sessions: NewRedisSessionStore(rdb, time.Hour),
		Logger:   zerolog.Nop(),
	})
	return reg, store, mr
}

func boolPtr(v bool) *bool { return &v }

func TestDefaultConfig(t *testing.T) {
	reg, _, _ := newRedisRegistry(t)
	ctx := context.Background()

	cfg, err := reg.GetConfig(ctx, Session{ID: "s1"})
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	lt := cfg.Permissions["listTabs"]
	if !lt.Visible || !lt.RequiresApproval || lt.AutoApproved {
		t.Fatalf("unexpected listTabs default: %#v", lt)
	}
	ls := cfg.Permissions["listSources"]
	if !ls.Visible || ls.RequiresApproval || !ls.AutoApproved {
		t.Fatalf("unexpected listSources default: %#v", ls)
	}

	names, err := reg.ListVisibleToolNames(ctx)
	if err != nil {
		t.Fatalf("list visible: %v", err)
	}
	if len(names) != len(SourceTools)+len(BrowserTools) {
		t.Fatalf("expected all default tools visible, got %v", names)
	}
}

func TestSetPermissionMergesIntoBaseline(t *testing.T) {
	reg, store, _ := newRedisRegistry(t)
	ctx := context.Background()

	p, err := reg.SetPermission(ctx, "fetchUrl", PermissionPatch{AutoApproved: boolPtr(true)})
	if err != nil {
		t.Fatalf("set permission: %v", err)
	}
	if !p.Visible || !p.RequiresApproval || !p.AutoApproved {
		t.Fatalf("expected baseline merged with patch, got %#v", p)
	}
	if store.writes != 1 {
		t.Fatalf("expected exactly one write-back, got %d", store.writes)
	}

	cfg, err := reg.GetConfig(ctx, Session{})
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if cfg.LastModified.IsZero() {
		t.Fatalf("expected last modified to be set")
	}
	if _, ok := cfg.Permissions["listTabs"]; !ok {
		t.Fatalf("defaults must be kept when the first write happens")
	}
}

func TestHiddenToolNeverRequiresApproval(t *testing.T) {
	reg, _, _ := newRedisRegistry(t)
	ctx := context.Background()
	session := Session{ID: "s1"}

	if _, err := reg.SetPermission(ctx, "listTabs", PermissionPatch{Visible: boolPtr(false)}); err != nil {
		t.Fatalf("hide listTabs: %v", err)
	}
	if err := reg.ApproveForSession(ctx, session, "listTabs"); err != nil {
		t.Fatalf("approve for session: %v", err)
	}

	req, err := reg.RequiresApproval(ctx, "listTabs")
	if err != nil {
		t.Fatalf("requires approval: %v", err)
	}
	if req {
		t.Fatalf("hidden tool must not require approval")
	}
	auto, err := reg.IsAutoApproved(ctx, session, "listTabs")
	if err != nil {
		t.Fatalf("is auto approved: %v", err)
	}
	if auto {
		t.Fatalf("hidden tool must not be auto approved")
	}
	d, err := reg.Decide(ctx, session, "listTabs")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d != DecisionSkip {
		t.Fatalf("expected skip, got %s", d)
	}

	names, err := reg.ListVisibleToolNames(ctx)
	if err != nil {
		t.Fatalf("list visible: %v", err)
	}
	for _, n := range names {
		if n == "listTabs" {
			t.Fatalf("hidden tool listed as visible")
		}
	}
}

func TestUnknownToolRequiresNoApprovalButIsAsked(t *testing.T) {
	reg, _, _ := newRedisRegistry(t)
	ctx := context.Background()

	req, err := reg.RequiresApproval(ctx, "mystery")
	if err != nil {
		t.Fatalf("requires approval: %v", err)
	}
	if req {
		t.Fatalf("unknown tool must report requiresApproval=false")
	}
	d, err := reg.Decide(ctx, Session{ID: "s1"}, "mystery")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d != DecisionAsk {
		t.Fatalf("expected ask for unknown tool, got %s", d)
	}
}

func TestSessionApprovalClears(t *testing.T) {
	reg, _, _ := newRedisRegistry(t)
	ctx := context.Background()
	session := Session{ID: "s1"}
	other := Session{ID: "s2"}

	before, err := reg.IsAutoApproved(ctx, session, "searchHistory")
	if err != nil {
		t.Fatalf("before: %v", err)
	}
	if before {
		t.Fatalf("searchHistory must not start approved")
	}

	if err := reg.ApproveForSession(ctx, session, "searchHistory"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	during, err := reg.IsAutoApproved(ctx, session, "searchHistory")
	if err != nil {
		t.Fatalf("during: %v", err)
	}
	if !during {
		t.Fatalf("expected session approval to apply")
	}
	if d, _ := reg.Decide(ctx, session, "searchHistory"); d != DecisionExecute {
		t.Fatalf("expected execute within session, got %s", d)
	}
	if ok, _ := reg.IsAutoApproved(ctx, other, "searchHistory"); ok {
		t.Fatalf("session approval leaked into another session")
	}

	if err := reg.ClearSessionApprovals(ctx, session); err != nil {
		t.Fatalf("clear: %v", err)
	}
	after, err := reg.IsAutoApproved(ctx, session, "searchHistory")
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if after != before {
		t.Fatalf("expected approval to revert to %v, got %v", before, after)
	}
}

func TestRedisSessionExpires(t *testing.T) {
	reg, _, mr := newRedisRegistry(t)
	ctx := context.Background()
	session := Session{ID: "s1"}

	if err := reg.ApproveForSession(ctx, session, "listTabs"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	mr.FastForward(2 * time.Hour)

	ok, err := reg.IsAutoApproved(ctx, session, "listTabs")
	if err != nil {
		t.Fatalf("is auto approved: %v", err)
	}
	if ok {
		t.Fatalf("expected session approval to expire with the session ttl")
	}
}

func TestApproveForeverAndReset(t *testing.T) {
	reg, _, _ := newRedisRegistry(t)
	ctx := context.Background()

	if err := reg.ApproveForever(ctx, "readPageContent"); err != nil {
		t.Fatalf("approve forever: %v", err)
	}
	ok, err := reg.IsAutoApproved(ctx, Session{}, "readPageContent")
	if err != nil {
		t.Fatalf("is auto approved: %v", err)
	}
	if !ok {
		t.Fatalf("expected permanent approval without a session")
	}
	if req, _ := reg.RequiresApproval(ctx, "readPageContent"); req {
		t.Fatalf("auto approved tool must not require approval")
	}

	if err := reg.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ok, _ := reg.IsAutoApproved(ctx, Session{}, "readPageContent"); ok {
		t.Fatalf("reset must restore defaults")
	}
}

func TestMemorySessionStore(t *testing.T) {
	m := NewMemorySessionStore()
	ctx := context.Background()

	if err := m.Add(ctx, "", "x"); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	_ = m.Add(ctx, "a", "listTabs")
	_ = m.Add(ctx, "a", "searchHistory")
	names, _ := m.List(ctx, "a")
	if len(names) != 2 || names[0] != "listTabs" {
		t.Fatalf("unexpected names %v", names)
	}
	_ = m.Clear(ctx, "a")
	if ok, _ := m.Has(ctx, "a", "listTabs"); ok {
		t.Fatalf("expected cleared set")
	}
}
