package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "notebot.db")
	st, err := Open(context.Background(), "sqlite", dsn, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestEventsRoundTripInOrder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []ChatEvent{
		{ID: "e1", NotebookID: "nb", Timestamp: now, Payload: UserMessage{Content: "hi"}},
		{ID: "e2", NotebookID: "nb", Timestamp: now, Payload: ToolResult{ToolCallID: "c1", ToolName: "listTabs", Result: json.RawMessage(`{"tabs":[]}`)}},
		{ID: "e3", NotebookID: "nb", Timestamp: now, Payload: AssistantMessage{Content: "hello", Citations: []Citation{{SourceID: "s1", Excerpt: "x"}}}},
		{ID: "e4", NotebookID: "other", Timestamp: now, Payload: UserMessage{Content: "elsewhere"}},
	}
	for _, e := range events {
		if err := st.AppendEvent(ctx, e); err != nil {
			t.Fatalf("append %s: %v", e.ID, err)
		}
	}

	got, err := st.ListEvents(ctx, "nb", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].ID != "e1" || got[1].ID != "e2" || got[2].ID != "e3" {
		t.Fatalf("unexpected order: %s %s %s", got[0].ID, got[1].ID, got[2].ID)
	}
	tr, ok := got[1].Payload.(ToolResult)
	if !ok || tr.ToolName != "listTabs" {
		t.Fatalf("expected tool result payload, got %#v", got[1].Payload)
	}
	am, ok := got[2].Payload.(AssistantMessage)
	if !ok || len(am.Citations) != 1 || am.Citations[0].SourceID != "s1" {
		t.Fatalf("expected assistant payload with citation, got %#v", got[2].Payload)
	}
	if !got[0].Timestamp.Equal(now) {
		t.Fatalf("timestamp mismatch: %v", got[0].Timestamp)
	}

	last, err := st.ListEvents(ctx, "nb", 2)
	if err != nil {
		t.Fatalf("list events with limit: %v", err)
	}
	if len(last) != 2 || last[0].ID != "e2" || last[1].ID != "e3" {
		t.Fatalf("expected newest two oldest first, got %#v", last)
	}

	n, err := st.DeleteEvents(ctx, "nb")
	if err != nil {
		t.Fatalf("delete events: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted, got %d", n)
	}
	cnt, err := st.CountEvents(ctx, "other", EventUser)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if cnt != 1 {
		t.Fatalf("other notebook must be untouched, got %d", cnt)
	}
}

func TestToolPermissionsSetting(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.GetToolPermissions(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty settings, got %v", err)
	}

	cfg := ToolPermissionsConfig{
		Permissions: map[string]ToolPermission{
			"listTabs": {ToolName: "listTabs", Visible: true, RequiresApproval: true},
		},
		SessionApprovals: []string{"listTabs"},
		LastModified:     time.Now(),
	}
	if err := st.PutToolPermissions(ctx, cfg); err != nil {
		t.Fatalf("put: %v", err)
	}
	cfg.Permissions["listTabs"] = ToolPermission{ToolName: "listTabs", Visible: false}
	if err := st.PutToolPermissions(ctx, cfg); err != nil {
		t.Fatalf("put again: %v", err)
	}

	got, err := st.GetToolPermissions(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Permissions["listTabs"].Visible {
		t.Fatalf("expected upsert to overwrite visible flag")
	}
	if len(got.SessionApprovals) != 0 {
		t.Fatalf("session approvals must not be persisted, got %v", got.SessionApprovals)
	}

	if err := st.DeleteToolPermissions(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetToolPermissions(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestResolveApprovalIsOneWay(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"r1", "r2"} {
		err := st.CreateApproval(ctx, ApprovalRequest{ID: id, NotebookID: "nb", ToolName: "listTabs", Timestamp: now})
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := st.CreateApproval(ctx, ApprovalRequest{ID: "r3", NotebookID: "nb2", ToolName: "searchHistory", Timestamp: now}); err != nil {
		t.Fatalf("create r3: %v", err)
	}

	pending, err := st.ListPendingApprovals(ctx, "nb")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "r1" {
		t.Fatalf("unexpected pending set: %#v", pending)
	}

	if err := st.ResolveApproval(ctx, "r1", ApprovalApproved, "", now); err != nil {
		t.Fatalf("approve r1: %v", err)
	}
	if err := st.ResolveApproval(ctx, "r1", ApprovalRejected, "late", now); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if err := st.ResolveApproval(ctx, "nope", ApprovalApproved, "", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := st.GetApproval(ctx, "r1")
	if err != nil {
		t.Fatalf("get r1: %v", err)
	}
	if got.Status != ApprovalApproved || got.RespondedAt == nil {
		t.Fatalf("expected approved with responded_at, got %#v", got)
	}

	all, err := st.ListPendingApprovals(ctx, "")
	if err != nil {
		t.Fatalf("list all pending: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 pending across notebooks, got %d", len(all))
	}

	n, err := st.PruneResolvedApprovals(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
}

func TestCachedResponseUpsertAndClear(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	r := CachedResponse{
		CacheKey:   "rc1:abc",
		NotebookID: "nb",
		Query:      "what",
		SourceIDs:  []string{"s1", "s2"},
		Response:   "first",
	}
	if err := st.PutCachedResponse(ctx, r); err != nil {
		t.Fatalf("put: %v", err)
	}
	r.Response = "second"
	r.Citations = []Citation{{SourceID: "s1", SourceTitle: "Doc", Excerpt: "q"}}
	if err := st.PutCachedResponse(ctx, r); err != nil {
		t.Fatalf("put again: %v", err)
	}

	got, err := st.GetCachedResponse(ctx, "rc1:abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Response != "second" || len(got.Citations) != 1 || len(got.SourceIDs) != 2 {
		t.Fatalf("unexpected cached response: %#v", got)
	}

	if _, err := st.DeleteCachedResponses(ctx, "nb"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := st.GetCachedResponse(ctx, "rc1:abc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after clear, got %v", err)
	}
}

func TestSources(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	a, err := st.AddSource(ctx, Source{NotebookID: "nb", Title: "A", Content: "alpha", CreatedAt: base})
	if err != nil {
		t.Fatalf("add a: %v", err)
	}
	if len(a.ID) != 9 || a.ID[0] != 's' {
		t.Fatalf("unexpected source id %q", a.ID)
	}
	if _, err := st.AddSource(ctx, Source{NotebookID: "nb", Title: "B", Content: "beta", CreatedAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("add b: %v", err)
	}
	if _, err := st.AddSource(ctx, Source{NotebookID: "nb", Content: "  "}); err == nil {
		t.Fatalf("expected error for empty content")
	}

	list, err := st.ListSources(ctx, "nb")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Title != "A" {
		t.Fatalf("unexpected sources: %#v", list)
	}

	if err := st.DeleteSource(ctx, "nb", a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetSource(ctx, "nb", a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.DeleteSource(ctx, "nb", a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestLogAction(t *testing.T) {
	st := openTestStore(t)
	if err := st.LogAction(context.Background(), AuditEntry{NotebookID: "nb", UserID: 7, Action: "tool.update", MetaJSON: "not json"}); err != nil {
		t.Fatalf("log action: %v", err)
	}
	var meta string
	if err := st.DB().QueryRow("SELECT meta_json FROM audit_log").Scan(&meta); err != nil {
		t.Fatalf("read audit row: %v", err)
	}
	if meta != "{}" {
		t.Fatalf("expected invalid meta to be replaced, got %q", meta)
	}
}

type brokenResult struct{}

func (brokenResult) LastInsertId() (int64, error) { return 0, nil }
func (brokenResult) RowsAffected() (int64, error) {
	return 0, errors.New("driver does not report rows")
}

func TestAffectedReportsDriverError(t *testing.T) {
	if _, err := affected(brokenResult{}, "resolve approval"); err == nil {
		t.Fatalf("expected rows affected error to surface")
	}
}
