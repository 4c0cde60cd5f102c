package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"notebot/internal/metrics"
	"notebot/internal/permissions"
	"notebot/internal/storage"
)

var ErrInvalidScope = errors.New("invalid approval scope")

type Scope string

const (
	ScopeOnce    Scope = "once"
	ScopeSession Scope = "session"
	ScopeForever Scope = "forever"
)

func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeOnce:
		return ScopeOnce, nil
	case ScopeSession:
		return ScopeSession, nil
	case ScopeForever:
		return ScopeForever, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
}

type Store interface {
	CreateApproval(ctx context.Context, a storage.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (storage.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, id string, status storage.ApprovalStatus, reason string, at time.Time) error
	ListPendingApprovals(ctx context.Context, notebookID string) ([]storage.ApprovalRequest, error)
}

// ScopeApplier turns a granted scope into policy.
type ScopeApplier interface {
	ApproveForSession(ctx context.Context, session permissions.Session, toolName string) error
	ApproveForever(ctx context.Context, toolName string) error
}

var (
	_ Store        = (*storage.Store)(nil)
	_ ScopeApplier = (*permissions.Registry)(nil)
)

type Config struct {
	Store    Store
	Policy   ScopeApplier
	Notifier Notifier
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Manager struct {
	store    Store
	policy   ScopeApplier
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time
}

func New(cfg Config) *Manager {
	if cfg.Notifier == nil {
		cfg.Notifier = NewLocalNotifier()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:    cfg.Store,
		policy:   cfg.Policy,
		notifier: cfg.Notifier,
		log:      cfg.Logger,
		now:      cfg.Now,
	}
}

type NewRequest struct {
	NotebookID string
	SessionID  string
	ToolCallID string
	ToolName   string
	Args       json.RawMessage
	Reason     string
}

type Response struct {
	RequestID string
	Approved  bool
	Timestamp time.Time
	Reason    string
}

func (m *Manager) CreateRequest(ctx context.Context, in NewRequest) (storage.ApprovalRequest, error) {
	if strings.TrimSpace(in.ToolName) == "" {
		return storage.ApprovalRequest{}, fmt.Errorf("create approval request: tool name is empty")
	}
	req := storage.ApprovalRequest{
		ID:         uuid.NewString(),
		NotebookID: in.NotebookID,
		SessionID:  in.SessionID,
		ToolCallID: in.ToolCallID,
		ToolName:   in.ToolName,
		Args:       in.Args,
		Reason:     in.Reason,
		Timestamp:  m.now().UTC(),
		Status:     storage.ApprovalPending,
	}
	if err := m.store.CreateApproval(ctx, req); err != nil {
		return storage.ApprovalRequest{}, err
	}
	metrics.Global().Approvals.WithLabelValues(string(storage.ApprovalPending)).Inc()
	m.log.Info().
		Str("request_id", req.ID).
		Str("notebook_id", req.NotebookID).
		Str("tool", req.ToolName).
		Msg("approval requested")
	return req, nil
}

func (m *Manager) Get(ctx context.Context, id string) (storage.ApprovalRequest, error) {
	return m.store.GetApproval(ctx, id)
}

// ListPending returns every pending request, oldest first.
func (m *Manager) ListPending(ctx context.Context) ([]storage.ApprovalRequest, error) {
	return m.store.ListPendingApprovals(ctx, "")
}

func (m *Manager) ListPendingFor(ctx context.Context, notebookID string) ([]storage.ApprovalRequest, error) {
	return m.store.ListPendingApprovals(ctx, notebookID)
}

// Respond records the decision and wakes anyone waiting on it. It does not
// touch policy; see AddApproval.
func (m *Manager) Respond(ctx context.Context, r Response) (storage.ApprovalRequest, error) {
	status := storage.ApprovalRejected
	if r.Approved {
		status = storage.ApprovalApproved
	}
	at := r.Timestamp
	if at.IsZero() {
		at = m.now()
	}
	if err := m.store.ResolveApproval(ctx, r.RequestID, status, r.Reason, at.UTC()); err != nil {
		return storage.ApprovalRequest{}, err
	}

	req, err := m.store.GetApproval(ctx, r.RequestID)
	if err != nil {
		return storage.ApprovalRequest{}, err
	}
	metrics.Global().Approvals.WithLabelValues(string(status)).Inc()
	m.log.Info().
		Str("request_id", req.ID).
		Str("tool", req.ToolName).
		Str("status", string(status)).
		Msg("approval resolved")

	if err := m.notifier.Publish(ctx, req); err != nil {
		m.log.Error().Err(err).Str("request_id", req.ID).Msg("notify approval waiters failed")
	}
	return req, nil
}

func (m *Manager) ApproveAll(ctx context.Context, notebookID string) ([]storage.ApprovalRequest, error) {
	return m.resolveAll(ctx, notebookID, true)
}

func (m *Manager) RejectAll(ctx context.Context, notebookID string) ([]storage.ApprovalRequest, error) {
	return m.resolveAll(ctx, notebookID, false)
}

// resolveAll works on the pending set as it was when called. Requests created
// afterwards are left alone; requests answered concurrently are skipped.
func (m *Manager) resolveAll(ctx context.Context, notebookID string, approved bool) ([]storage.ApprovalRequest, error) {
	snapshot, err := m.store.ListPendingApprovals(ctx, notebookID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]storage.ApprovalRequest, 0, len(snapshot))
	for _, p := range snapshot {
		req, err := m.Respond(ctx, Response{RequestID: p.ID, Approved: approved, Timestamp: now})
		if errors.Is(err, storage.ErrAlreadyResolved) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("resolve %s: %w", p.ID, err)
		}
		out = append(out, req)
	}
	return out, nil
}

// AddApproval applies the scope of a granted request.
func (m *Manager) AddApproval(ctx context.Context, session permissions.Session, toolName string, scope Scope) error {
	switch scope {
	case ScopeOnce:
		return nil
	case ScopeSession:
		return m.policy.ApproveForSession(ctx, session, toolName)
	case ScopeForever:
		return m.policy.ApproveForever(ctx, toolName)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
}

// Wait blocks until the request leaves pending or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (storage.ApprovalRequest, error) {
	notices, cancel, err := m.notifier.Subscribe(ctx, id)
	if err != nil {
		return storage.ApprovalRequest{}, err
	}
	defer cancel()

	req, err := m.store.GetApproval(ctx, id)
	if err != nil {
		return storage.ApprovalRequest{}, err
	}
	if req.Status != storage.ApprovalPending {
		return req, nil
	}

	select {
	case <-ctx.Done():
		return storage.ApprovalRequest{}, ctx.Err()
	case <-notices:
	}
	return m.store.GetApproval(ctx, id)
}

// ReasonExpired is the rejection reason Expire records.
const ReasonExpired = "expired"

// Expire rejects a request that is still pending. Already answered requests
// report ErrAlreadyResolved.
func (m *Manager) Expire(ctx context.Context, id string) (storage.ApprovalRequest, error) {
	return m.Respond(ctx, Response{RequestID: id, Approved: false, Reason: ReasonExpired})
}
