package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"notebot/internal/providers"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrUnavailable = errors.New("tool unavailable")
)

// Invocation is one approved call to run.
type Invocation struct {
	NotebookID string
	ToolCallID string
	Name       string
	Args       json.RawMessage
}

type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Call(ctx context.Context, inv Invocation) (any, error)
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	log   zerolog.Logger
}

func NewRegistry(log zerolog.Logger, tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool), log: log}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Spec(name string) (providers.ToolSpec, bool) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return providers.ToolSpec{}, false
	}
	return providers.ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()}, true
}

// Execute runs the named tool and returns its result as JSON.
func (r *Registry) Execute(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	r.mu.RLock()
	t, ok := r.tools[inv.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, inv.Name)
	}
	if len(inv.Args) == 0 {
		inv.Args = json.RawMessage(`{}`)
	}

	started := time.Now()
	res, err := t.Call(ctx, inv)
	log := r.log.With().
		Str("tool", inv.Name).
		Str("notebook_id", inv.NotebookID).
		Dur("took", time.Since(started)).
		Logger()
	if err != nil {
		log.Warn().Err(err).Msg("tool call failed")
		return nil, err
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal %s result: %w", inv.Name, err)
	}
	log.Debug().Int("bytes", len(b)).Msg("tool call done")
	return b, nil
}

func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
