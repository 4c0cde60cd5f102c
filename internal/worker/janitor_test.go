package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"notebot/internal/storage"
)

func TestJanitorSweep(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	now := time.Now().UTC()

	old := storage.ApprovalRequest{ID: "old", NotebookID: "nb", ToolName: "readSource", Timestamp: now.Add(-72 * time.Hour), Status: storage.ApprovalPending}
	fresh := storage.ApprovalRequest{ID: "fresh", NotebookID: "nb", ToolName: "readSource", Timestamp: now, Status: storage.ApprovalPending}
	waiting := storage.ApprovalRequest{ID: "waiting", NotebookID: "nb", ToolName: "readSource", Timestamp: now.Add(-72 * time.Hour), Status: storage.ApprovalPending}
	for _, a := range []storage.ApprovalRequest{old, fresh, waiting} {
		if err := st.CreateApproval(ctx, a); err != nil {
			t.Fatalf("create approval: %v", err)
		}
	}
	if err := st.ResolveApproval(ctx, "old", storage.ApprovalApproved, "", now.Add(-48*time.Hour)); err != nil {
		t.Fatalf("resolve old: %v", err)
	}
	if err := st.ResolveApproval(ctx, "fresh", storage.ApprovalRejected, "", now); err != nil {
		t.Fatalf("resolve fresh: %v", err)
	}

	j := &Janitor{Store: st, ApprovalRetention: 24 * time.Hour, Logger: zerolog.Nop(), Now: func() time.Time { return now }}
	j.Sweep(ctx)

	if _, err := st.GetApproval(ctx, "old"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected old approval pruned, got %v", err)
	}
	if _, err := st.GetApproval(ctx, "fresh"); err != nil {
		t.Fatalf("fresh approval should stay: %v", err)
	}
	if got, err := st.GetApproval(ctx, "waiting"); err != nil || got.Status != storage.ApprovalPending {
		t.Fatalf("pending approval should stay: %+v %v", got, err)
	}
}

func TestJanitorZeroRetentionKeepsCache(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	if err := st.PutCachedResponse(ctx, storage.CachedResponse{
		CacheKey:   "k",
		NotebookID: "nb",
		Query:      "q",
		Response:   "a",
		CreatedAt:  time.Now().Add(-365 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("put cached: %v", err)
	}

	j := &Janitor{Store: st, Logger: zerolog.Nop()}
	j.Sweep(ctx)

	if _, err := st.GetCachedResponse(ctx, "k"); err != nil {
		t.Fatalf("cache entry should stay without retention: %v", err)
	}

	j.CacheRetention = time.Hour
	j.Sweep(ctx)
	if _, err := st.GetCachedResponse(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected cache entry pruned, got %v", err)
	}
}
