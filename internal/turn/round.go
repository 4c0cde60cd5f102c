package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"notebot/internal/approval"
	"notebot/internal/metrics"
	"notebot/internal/permissions"
	"notebot/internal/providers"
	"notebot/internal/storage"
	"notebot/internal/tools"
)

type roundOutcome struct {
	calls     int
	err       error
	cancelled bool
	partial   string
}

type recvResult struct {
	ev  providers.Event
	err error
}

type toolOutcome struct {
	call       storage.ToolCall
	approvalID string
	result     json.RawMessage
	err        error
	duration   time.Duration
	skipped    bool
	rejected   bool
}

// round runs one model call. The stream is read on its own goroutine so this
// loop can take tool outcomes while the model is still talking.
func (t *turn) round(ctx context.Context, specs []providers.ToolSpec, step int) roundOutcome {
	t.setState(Streaming)
	req := providers.ChatRequest{
		Model:        t.o.cfg.Model,
		SystemPrompt: t.o.cfg.SystemPrompt,
		Sources:      t.req.Sources,
		Query:        t.req.Query,
		History:      t.req.History,
		Continuation: append([]providers.Message(nil), t.continuation...),
		Tools:        specs,
		ContextMode:  t.req.ContextMode,
		MaxTokens:    t.o.cfg.MaxTokens,
		Temperature:  t.o.cfg.Temperature,
		OnStatus:     func(msg string) { t.obs.Status(t.req.NotebookID, msg) },
	}
	stream, err := t.o.cfg.Provider.StreamChat(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return roundOutcome{cancelled: true}
		}
		return roundOutcome{err: &ProviderError{Op: "open stream", Err: err}}
	}
	defer stream.Close()

	events := make(chan recvResult)
	stop := make(chan struct{})
	defer close(stop)
	go pump(stream, events, stop)

	toolCtx, cancelTools := context.WithCancel(ctx)
	defer cancelTools()
	outcomes := make(chan toolOutcome)
	var g errgroup.Group

	var (
		text      strings.Builder
		calls     []storage.ToolCall
		results   = make(map[string]toolOutcome)
		pending   = make(map[string]struct{})
		roundSeen = make(map[string]struct{})
		inflight  int
		failure   error
		cancelled bool
	)
	abort := func(reason string) {
		cancelTools()
		t.rejectOpen(ctx, pending, reason)
	}

	recv := (<-chan recvResult)(events)
	done := ctx.Done()
	for recv != nil || inflight > 0 {
		select {
		case r, ok := <-recv:
			if !ok {
				recv = nil
				continue
			}
			if r.err != nil {
				recv = nil
				if ctx.Err() != nil {
					cancelled = true
					abort("turn cancelled")
				} else {
					failure = &ProviderError{Op: "read stream", Err: r.err}
					abort("model call failed")
				}
				continue
			}
			switch ev := r.ev.(type) {
			case providers.TextDelta:
				text.WriteString(ev.Text)
			case providers.ToolCallEvent:
				call, ok := t.admit(ev.Call, step, roundSeen)
				if !ok {
					continue
				}
				calls = append(calls, call)
				if out, async := t.dispatch(ctx, toolCtx, call, &g, outcomes, pending); async {
					inflight++
				} else {
					results[call.ID] = out
					t.record(ctx, out)
				}
			case providers.ToolResultEvent:
				t.log.Debug().Str("tool_call_id", ev.ToolCallID).Msg("provider reported its own tool result")
			}
		case out := <-outcomes:
			inflight--
			delete(pending, out.approvalID)
			results[out.call.ID] = out
			t.record(ctx, out)
			if recv != nil {
				t.setState(Streaming)
			}
		case <-done:
			done = nil
			recv = nil
			cancelled = true
			abort("turn cancelled")
		}
	}
	_ = g.Wait()

	if cancelled {
		clean, _ := providers.ExtractCitations(text.String(), t.req.Sources)
		return roundOutcome{cancelled: true, partial: strings.TrimSpace(clean)}
	}
	if failure != nil {
		return roundOutcome{err: failure}
	}

	final := stream.Completion()
	if c := strings.TrimSpace(final.Content); c != "" {
		t.contents = append(t.contents, c)
	}
	t.cites = append(t.cites, final.Citations...)

	if len(calls) > 0 {
		t.continuation = append(t.continuation, providers.Message{
			Role:      providers.RoleAssistant,
			Content:   final.Content,
			ToolCalls: calls,
		})
		for _, c := range calls {
			t.continuation = append(t.continuation, providers.Message{
				Role:       providers.RoleTool,
				ToolCallID: c.ID,
				Content:    continuationContent(results[c.ID]),
			})
		}
	}
	return roundOutcome{calls: len(calls)}
}

func pump(s providers.Stream, out chan<- recvResult, stop <-chan struct{}) {
	defer close(out)
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		select {
		case out <- recvResult{ev: ev, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// admit drops repeated call ids within a round and renames ids reused from
// an earlier round, so every tool call of the turn has a distinct id.
func (t *turn) admit(call storage.ToolCall, step int, roundSeen map[string]struct{}) (storage.ToolCall, bool) {
	if call.ID == "" {
		call.ID = fmt.Sprintf("call_r%d_%d", step, len(roundSeen))
	}
	if _, dup := roundSeen[call.ID]; dup {
		t.log.Debug().Str("tool_call_id", call.ID).Msg("duplicate tool call in round, ignored")
		return call, false
	}
	roundSeen[call.ID] = struct{}{}
	if _, reused := t.seen[call.ID]; reused {
		call.ID = fmt.Sprintf("%s_r%d", call.ID, step)
	}
	t.seen[call.ID] = struct{}{}
	if len(call.Args) == 0 {
		call.Args = json.RawMessage(`{}`)
	}
	t.calls = append(t.calls, call)
	return call, true
}

// dispatch applies the tool policy to one call. Skipped calls resolve
// immediately; the rest finish on a goroutine that reports to outcomes.
func (t *turn) dispatch(
	ctx, toolCtx context.Context,
	call storage.ToolCall,
	g *errgroup.Group,
	outcomes chan<- toolOutcome,
	pending map[string]struct{},
) (toolOutcome, bool) {
	t.setState(ToolCallPending)
	log := t.log.With().Str("tool", call.Name).Str("tool_call_id", call.ID).Logger()

	decision, err := t.o.cfg.Policy.Decide(ctx, t.req.Session, call.Name)
	if err != nil {
		log.Warn().Err(err).Msg("tool policy lookup failed, asking the user")
		decision = permissions.DecisionAsk
	}
	metrics.Global().ToolCalls.WithLabelValues(decision.String()).Inc()

	switch decision {
	case permissions.DecisionSkip:
		log.Info().Msg("tool hidden by policy, skipped")
		return toolOutcome{call: call, skipped: true, err: &PolicyViolation{Tool: call.Name}}, false
	case permissions.DecisionExecute:
		g.Go(func() error {
			outcomes <- t.execute(toolCtx, call)
			return nil
		})
		return toolOutcome{}, true
	}

	req, err := t.o.cfg.Approvals.CreateRequest(ctx, approval.NewRequest{
		NotebookID: t.req.NotebookID,
		SessionID:  t.req.Session.ID,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Args:       call.Args,
		Reason:     fmt.Sprintf("The assistant wants to run %s.", call.Name),
	})
	if err != nil {
		t.degrade(&PersistenceError{Op: "approval request", Err: err})
		return toolOutcome{call: call, rejected: true, err: fmt.Errorf("approval could not be requested: %w", err)}, false
	}
	t.setState(AwaitingApproval)
	pending[req.ID] = struct{}{}
	log.Info().Str("request_id", req.ID).Msg("awaiting tool approval")
	t.obs.ApprovalRequested(ctx, req)

	g.Go(func() error {
		outcomes <- t.awaitAndExecute(toolCtx, call, req.ID)
		return nil
	})
	return toolOutcome{}, true
}

func (t *turn) awaitAndExecute(ctx context.Context, call storage.ToolCall, requestID string) toolOutcome {
	out := toolOutcome{call: call, approvalID: requestID}

	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if t.o.cfg.ApprovalTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, t.o.cfg.ApprovalTimeout)
	}
	resolved, err := t.o.cfg.Approvals.Wait(waitCtx, requestID)
	cancel()
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		resolved, err = t.o.cfg.Approvals.Expire(context.WithoutCancel(ctx), requestID)
		if errors.Is(err, storage.ErrAlreadyResolved) {
			resolved, err = t.o.cfg.Approvals.Get(context.WithoutCancel(ctx), requestID)
		}
	}
	if err != nil {
		out.rejected = true
		if ctx.Err() != nil {
			out.err = fmt.Errorf("turn ended before approval: %w", ctx.Err())
		} else {
			out.err = fmt.Errorf("await approval: %w", err)
		}
		return out
	}
	if resolved.Status != storage.ApprovalApproved {
		out.rejected = true
		out.err = errRejected
		if resolved.Reason == approval.ReasonExpired {
			out.err = errExpired
		}
		return out
	}

	exec := t.execute(ctx, call)
	exec.approvalID = requestID
	return exec
}

func (t *turn) execute(ctx context.Context, call storage.ToolCall) toolOutcome {
	out := toolOutcome{call: call}
	if t.o.cfg.Tools == nil {
		out.err = &ToolExecutionError{Tool: call.Name, Err: errNoTools}
		return out
	}
	t.setState(ToolExecuting)
	start := t.o.cfg.Now()
	res, err := t.o.cfg.Tools.Execute(ctx, tools.Invocation{
		NotebookID: t.req.NotebookID,
		ToolCallID: call.ID,
		Name:       call.Name,
		Args:       call.Args,
	})
	out.duration = t.o.cfg.Now().Sub(start)
	if err != nil {
		out.err = &ToolExecutionError{Tool: call.Name, Err: err}
		return out
	}
	out.result = res
	return out
}

// record stores the tool-result event for one finished call.
func (t *turn) record(ctx context.Context, out toolOutcome) {
	payload := storage.ToolResult{
		ToolCallID:    out.call.ID,
		ToolName:      out.call.Name,
		Result:        out.result,
		Duration:      out.duration,
		PolicySkipped: out.skipped,
		Rejected:      out.rejected,
	}
	if out.err != nil {
		payload.Error = out.err.Error()
	}
	ev := t.persist(ctx, payload)
	t.res.ToolEvents = append(t.res.ToolEvents, ev)
}

// rejectOpen resolves approval requests the turn will no longer wait for.
func (t *turn) rejectOpen(ctx context.Context, pending map[string]struct{}, reason string) {
	bg := context.WithoutCancel(ctx)
	for id := range pending {
		_, err := t.o.cfg.Approvals.Respond(bg, approval.Response{RequestID: id, Approved: false, Reason: reason})
		if err != nil && !errors.Is(err, storage.ErrAlreadyResolved) {
			t.log.Warn().Err(err).Str("request_id", id).Msg("reject open approval failed")
		}
	}
}

func continuationContent(out toolOutcome) string {
	if out.err != nil {
		return "Error: " + out.err.Error()
	}
	if len(out.result) == 0 {
		return "null"
	}
	return string(out.result)
}
