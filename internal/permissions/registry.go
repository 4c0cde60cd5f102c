package permissions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"notebot/internal/storage"
)

// ConfigStore persists the whole permissions config as one value.
type ConfigStore interface {
	GetToolPermissions(ctx context.Context) (storage.ToolPermissionsConfig, error)
	PutToolPermissions(ctx context.Context, cfg storage.ToolPermissionsConfig) error
	DeleteToolPermissions(ctx context.Context) error
}

var _ ConfigStore = (*storage.Store)(nil)

type Decision int

const (
	DecisionAsk Decision = iota
	DecisionExecute
	DecisionSkip
)

func (d Decision) String() string {
	switch d {
	case DecisionAsk:
		return "ask"
	case DecisionExecute:
		return "execute"
	case DecisionSkip:
		return "skip"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// PermissionPatch carries the fields to change; nil fields keep their value.
type PermissionPatch struct {
	Visible          *bool
	RequiresApproval *bool
	AutoApproved     *bool
}

type Config struct {
	Store    ConfigStore
	Sessions SessionStore
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Registry struct {
	store    ConfigStore
	sessions SessionStore
	log      zerolog.Logger
	now      func() time.Time

	// serializes read-modify-write within this process
	mu sync.Mutex
}

func New(cfg Config) *Registry {
	if cfg.Sessions == nil {
		cfg.Sessions = NewMemorySessionStore()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		log:      cfg.Logger,
		now:      cfg.Now,
	}
}

func (r *Registry) load(ctx context.Context) (storage.ToolPermissionsConfig, error) {
	cfg, err := r.store.GetToolPermissions(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return storage.ToolPermissionsConfig{}, fmt.Errorf("load tool permissions: %w", err)
	}
	if cfg.Permissions == nil {
		cfg.Permissions = map[string]storage.ToolPermission{}
	}
	return cfg, nil
}

// GetConfig returns the persisted policy (or the defaults) together with the
// tools approved for this session.
func (r *Registry) GetConfig(ctx context.Context, session Session) (storage.ToolPermissionsConfig, error) {
	cfg, err := r.load(ctx)
	if err != nil {
		return storage.ToolPermissionsConfig{}, err
	}
	approved, err := r.sessions.List(ctx, session.ID)
	if err != nil {
		return storage.ToolPermissionsConfig{}, err
	}
	cfg.SessionApprovals = approved
	return cfg, nil
}

func (r *Registry) Permission(ctx context.Context, toolName string) (storage.ToolPermission, bool, error) {
	cfg, err := r.load(ctx)
	if err != nil {
		return storage.ToolPermission{}, false, err
	}
	p, ok := cfg.Permissions[toolName]
	return p, ok, nil
}

func (r *Registry) SetPermission(ctx context.Context, toolName string, patch PermissionPatch) (storage.ToolPermission, error) {
	toolName = strings.TrimSpace(toolName)
	if toolName == "" {
		return storage.ToolPermission{}, fmt.Errorf("set permission: tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := r.load(ctx)
	if err != nil {
		return storage.ToolPermission{}, err
	}
	p, ok := cfg.Permissions[toolName]
	if !ok {
		p = baseline(toolName)
	}
	if patch.Visible != nil {
		p.Visible = *patch.Visible
	}
	if patch.RequiresApproval != nil {
		p.RequiresApproval = *patch.RequiresApproval
	}
	if patch.AutoApproved != nil {
		p.AutoApproved = *patch.AutoApproved
	}
	cfg.Permissions[toolName] = p
	cfg.LastModified = r.now().UTC()

	if err := r.store.PutToolPermissions(ctx, cfg); err != nil {
		return storage.ToolPermission{}, fmt.Errorf("save tool permissions: %w", err)
	}
	r.log.Info().
		Str("tool", toolName).
		Bool("visible", p.Visible).
		Bool("requires_approval", p.RequiresApproval).
		Bool("auto_approved", p.AutoApproved).
		Msg("tool permission updated")
	return p, nil
}

// IsAutoApproved is false for hidden tools; otherwise true when the tool is
// permanently approved or approved for this session. Unknown tools count as visible.
func (r *Registry) IsAutoApproved(ctx context.Context, session Session, toolName string) (bool, error) {
	p, ok, err := r.Permission(ctx, toolName)
	if err != nil {
		return false, err
	}
	if !ok {
		p = baseline(toolName)
	}
	if !p.Visible {
		return false, nil
	}
	if p.AutoApproved {
		return true, nil
	}
	return r.sessions.Has(ctx, session.ID, toolName)
}

// RequiresApproval is false for hidden or unknown tools.
func (r *Registry) RequiresApproval(ctx context.Context, toolName string) (bool, error) {
	p, ok, err := r.Permission(ctx, toolName)
	if err != nil {
		return false, err
	}
	if !ok || !p.Visible {
		return false, nil
	}
	return p.RequiresApproval && !p.AutoApproved, nil
}

func (r *Registry) ListVisibleToolNames(ctx context.Context) ([]string, error) {
	cfg, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(cfg.Permissions))
	for name, p := range cfg.Permissions {
		if p.Visible {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Registry) ApproveForSession(ctx context.Context, session Session, toolName string) error {
	if err := r.sessions.Add(ctx, session.ID, toolName); err != nil {
		return err
	}
	r.log.Info().Str("session_id", session.ID).Str("tool", toolName).Msg("tool approved for session")
	return nil
}

func (r *Registry) ApproveForever(ctx context.Context, toolName string) error {
	yes := true
	_, err := r.SetPermission(ctx, toolName, PermissionPatch{AutoApproved: &yes})
	return err
}

func (r *Registry) ClearSessionApprovals(ctx context.Context, session Session) error {
	return r.sessions.Clear(ctx, session.ID)
}

// Reset drops the whole persisted config; the defaults apply again afterwards.
func (r *Registry) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.DeleteToolPermissions(ctx); err != nil {
		return fmt.Errorf("reset tool permissions: %w", err)
	}
	r.log.Info().Msg("tool permissions reset to defaults")
	return nil
}

// Decide maps a requested tool call onto what the turn should do with it.
// A known hidden tool is skipped without ever being asked about.
func (r *Registry) Decide(ctx context.Context, session Session, toolName string) (Decision, error) {
	p, known, err := r.Permission(ctx, toolName)
	if err != nil {
		return DecisionAsk, err
	}
	if known && !p.Visible {
		return DecisionSkip, nil
	}
	auto, err := r.IsAutoApproved(ctx, session, toolName)
	if err != nil {
		return DecisionAsk, err
	}
	if auto {
		return DecisionExecute, nil
	}
	if known && !p.RequiresApproval {
		return DecisionExecute, nil
	}
	return DecisionAsk, nil
}
