package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"notebot/internal/approval"
	"notebot/internal/citations"
	"notebot/internal/metrics"
	"notebot/internal/permissions"
	"notebot/internal/providers"
	"notebot/internal/responsecache"
	"notebot/internal/storage"
	"notebot/internal/tools"
)

type EventStore interface {
	AppendEvent(ctx context.Context, e storage.ChatEvent) error
}

type Policy interface {
	Decide(ctx context.Context, session permissions.Session, toolName string) (permissions.Decision, error)
	ListVisibleToolNames(ctx context.Context) ([]string, error)
}

type Approvals interface {
	CreateRequest(ctx context.Context, in approval.NewRequest) (storage.ApprovalRequest, error)
	Get(ctx context.Context, id string) (storage.ApprovalRequest, error)
	Respond(ctx context.Context, r approval.Response) (storage.ApprovalRequest, error)
	Wait(ctx context.Context, id string) (storage.ApprovalRequest, error)
	Expire(ctx context.Context, id string) (storage.ApprovalRequest, error)
}

type Cache interface {
	Get(ctx context.Context, key string) (storage.CachedResponse, bool, error)
	Put(ctx context.Context, key string, e responsecache.Entry) error
}

type Executor interface {
	Spec(name string) (providers.ToolSpec, bool)
	Execute(ctx context.Context, inv tools.Invocation) (json.RawMessage, error)
}

// Connectivity answers whether the model endpoint should be considered
// unreachable before trying it.
type Connectivity interface {
	Offline(ctx context.Context) bool
}

var (
	_ EventStore = (*storage.Store)(nil)
	_ Policy     = (*permissions.Registry)(nil)
	_ Approvals  = (*approval.Manager)(nil)
	_ Cache      = (*responsecache.Cache)(nil)
	_ Executor   = (*tools.Registry)(nil)
)

type Config struct {
	Events       EventStore
	Provider     providers.Provider
	Policy       Policy
	Approvals    Approvals
	Cache        Cache
	Tools        Executor
	Connectivity Connectivity
	Guard        Guard
	Observer     Observer

	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	// MaxSteps bounds model rounds per turn; tool results of the last round
	// are stored but not sent back.
	MaxSteps int
	// ApprovalTimeout expires unanswered approval requests; zero waits until
	// the turn is cancelled.
	ApprovalTimeout time.Duration

	Logger zerolog.Logger
	Now    func() time.Time
	NewID  func() string
}

type Orchestrator struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config) *Orchestrator {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 6
	}
	if cfg.Guard == nil {
		cfg.Guard = NewLocalGuard()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Connectivity == nil {
		cfg.Connectivity = alwaysOnline{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Orchestrator{cfg: cfg, log: cfg.Logger}
}

type alwaysOnline struct{}

func (alwaysOnline) Offline(context.Context) bool { return false }

type Request struct {
	NotebookID  string
	Session     permissions.Session
	Query       string
	History     []providers.Message
	Sources     []storage.Source
	ContextMode providers.ContextMode
	// Observer overrides Config.Observer for this turn.
	Observer Observer
}

type Result struct {
	UserEvent      storage.ChatEvent
	AssistantEvent storage.ChatEvent
	ToolEvents     []storage.ChatEvent
	Groups         []citations.Group
	FromCache      bool
	Failed         bool
	Partial        bool
	// Degraded is set when something could not be stored; Errors says what.
	Degraded bool
	Errors   []error
}

// SubmitQuery runs one turn to completion. The returned error covers only
// refusals to start (empty query, overlapping turn); everything after that
// ends in an assistant event and a nil error.
func (o *Orchestrator) SubmitQuery(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return Result{}, ErrEmptyQuery
	}
	if req.ContextMode == "" {
		req.ContextMode = providers.ContextFull
	}
	release, err := o.cfg.Guard.Acquire(ctx, req.NotebookID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	obs := req.Observer
	if obs == nil {
		obs = o.cfg.Observer
	}
	t := &turn{
		o:    o,
		req:  req,
		obs:  obs,
		seen: make(map[string]struct{}),
		log: o.log.With().
			Str("notebook_id", req.NotebookID).
			Str("session_id", req.Session.ID).
			Logger(),
	}
	t.run(ctx)
	return t.res, nil
}

type turn struct {
	o   *Orchestrator
	req Request
	obs Observer
	log zerolog.Logger

	mu    sync.Mutex
	state State
	res   Result

	started      time.Time
	cacheKey     string
	calls        []storage.ToolCall
	seen         map[string]struct{}
	contents     []string
	cites        []storage.Citation
	continuation []providers.Message
}

func (t *turn) run(ctx context.Context) {
	m := metrics.Global()
	m.ActiveTurns.Inc()
	defer m.ActiveTurns.Dec()
	t.started = t.o.cfg.Now()

	t.setState(Submitted)
	t.res.UserEvent = t.persist(ctx, storage.UserMessage{Content: t.req.Query})

	ids := make([]string, 0, len(t.req.Sources))
	for _, s := range t.req.Sources {
		ids = append(ids, s.ID)
	}
	t.cacheKey = responsecache.MakeKey(t.req.Query, ids)

	if t.o.cfg.Connectivity.Offline(ctx) {
		if hit, ok := t.cached(ctx); ok {
			t.log.Info().Msg("offline, answering from response cache")
			t.finish(ctx, storage.AssistantMessage{
				Content:   hit.Response,
				Citations: hit.Citations,
				FromCache: true,
			}, "cache_offline")
			return
		}
		t.log.Info().Msg("offline with no cached answer, trying the model anyway")
	}

	specs := t.toolSpecs(ctx)
	for step := 0; step < t.o.cfg.MaxSteps; step++ {
		if ctx.Err() != nil {
			t.cancelled(ctx, "")
			return
		}
		out := t.round(ctx, specs, step)
		if out.cancelled {
			t.cancelled(ctx, out.partial)
			return
		}
		if out.err != nil {
			t.fail(ctx, out.err)
			return
		}
		if out.calls == 0 {
			break
		}
		if step == t.o.cfg.MaxSteps-1 {
			t.log.Warn().Int("max_steps", t.o.cfg.MaxSteps).Msg("tool rounds exhausted, finishing without a final model answer")
		}
	}

	t.setState(Finalizing)
	content := strings.Join(t.contents, "\n\n")
	if content == "" && len(t.calls) > 0 {
		content = fmt.Sprintf("I used %d tool call(s) but did not reach a final answer. Try asking again more specifically.", len(t.calls))
	}
	msg := t.assemble(storage.AssistantMessage{
		Content:   content,
		Citations: t.cites,
		ToolCalls: t.calls,
	})
	t.res.AssistantEvent = t.persist(ctx, msg)

	if len(t.contents) > 0 {
		err := t.o.cfg.Cache.Put(context.WithoutCancel(ctx), t.cacheKey, responsecache.Entry{
			NotebookID: t.req.NotebookID,
			Query:      t.req.Query,
			SourceIDs:  ids,
			Response:   msg.Content,
			Citations:  msg.Citations,
		})
		if err != nil {
			t.degrade(&PersistenceError{Op: "response cache", Err: err})
		}
	}
	t.done("ok")
}

func (t *turn) toolSpecs(ctx context.Context) []providers.ToolSpec {
	if t.o.cfg.Tools == nil {
		return nil
	}
	names, err := t.o.cfg.Policy.ListVisibleToolNames(ctx)
	if err != nil {
		t.log.Warn().Err(err).Msg("list visible tools failed, offering none")
		return nil
	}
	specs := make([]providers.ToolSpec, 0, len(names))
	for _, n := range names {
		if s, ok := t.o.cfg.Tools.Spec(n); ok {
			specs = append(specs, s)
		}
	}
	return specs
}

// cancelled stores what was streamed so far and ends the turn.
func (t *turn) cancelled(ctx context.Context, partial string) {
	contents := t.contents
	if partial != "" {
		contents = append(contents, partial)
	}
	msg := t.assemble(storage.AssistantMessage{
		Content:   strings.Join(contents, "\n\n"),
		Citations: t.cites,
		ToolCalls: t.calls,
		Partial:   true,
	})
	t.res.AssistantEvent = t.persist(ctx, msg)
	t.log.Info().Int("partial_len", len(msg.Content)).Msg("turn cancelled")
	t.done("cancelled")
}

// fail answers from the response cache when the model is unreachable, or
// with an error message when nothing is cached.
func (t *turn) fail(ctx context.Context, err error) {
	t.setState(Failed)
	t.mu.Lock()
	t.res.Errors = append(t.res.Errors, err)
	t.mu.Unlock()
	t.log.Warn().Err(err).Msg("model call failed")

	if inv, ok := t.o.cfg.Connectivity.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}

	if hit, ok := t.cached(ctx); ok {
		t.finish(ctx, storage.AssistantMessage{
			Content:   hit.Response,
			Citations: hit.Citations,
			ToolCalls: t.calls,
			FromCache: true,
		}, "cache_fallback")
		return
	}
	t.finish(ctx, storage.AssistantMessage{
		Content:   FormatFailure(err),
		ToolCalls: t.calls,
		Failed:    true,
	}, "failed")
}

// FormatFailure is the assistant text stored when a turn could not reach the
// model and had nothing cached.
func FormatFailure(err error) string {
	return "I couldn't reach the language model and have no saved answer for this question.\n\nDetails: " + err.Error()
}

func (t *turn) cached(ctx context.Context) (storage.CachedResponse, bool) {
	hit, ok, err := t.o.cfg.Cache.Get(context.WithoutCancel(ctx), t.cacheKey)
	if err != nil {
		t.degrade(&PersistenceError{Op: "read response cache", Err: err})
		return storage.CachedResponse{}, false
	}
	return hit, ok
}

// assemble groups citations and records the grouping on the result; the
// stored message carries them flattened in group order.
func (t *turn) assemble(msg storage.AssistantMessage) storage.AssistantMessage {
	groups := citations.Grouped(msg.Citations)
	msg.Citations = citations.Flatten(groups)
	t.res.Groups = groups
	t.res.FromCache = msg.FromCache
	t.res.Failed = msg.Failed
	t.res.Partial = msg.Partial
	return msg
}

func (t *turn) finish(ctx context.Context, msg storage.AssistantMessage, outcome string) {
	t.res.AssistantEvent = t.persist(ctx, t.assemble(msg))
	t.done(outcome)
}

func (t *turn) done(outcome string) {
	t.setState(Done)
	m := metrics.Global()
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(t.o.cfg.Now().Sub(t.started).Seconds())
	t.log.Info().
		Str("outcome", outcome).
		Int("tool_calls", len(t.calls)).
		Bool("degraded", t.res.Degraded).
		Msg("turn finished")
}

// persist appends an event even when ctx is already cancelled.
func (t *turn) persist(ctx context.Context, payload storage.EventPayload) storage.ChatEvent {
	ev := storage.ChatEvent{
		ID:         t.o.cfg.NewID(),
		NotebookID: t.req.NotebookID,
		Timestamp:  t.o.cfg.Now().UTC(),
		Payload:    payload,
	}
	if err := t.o.cfg.Events.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		t.degrade(&PersistenceError{Op: string(ev.Type()) + " event", Err: err})
	}
	return ev
}

func (t *turn) degrade(err error) {
	t.mu.Lock()
	t.res.Degraded = true
	t.res.Errors = append(t.res.Errors, err)
	t.mu.Unlock()
	t.log.Error().Err(err).Msg("turn degraded")
}

func (t *turn) setState(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	t.log.Debug().Str("state", s.String()).Msg("turn state")
	t.obs.StateChanged(t.req.NotebookID, s)
}

var errNoTools = errors.New("no tool executor configured")
