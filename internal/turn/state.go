package turn

import (
	"context"
	"fmt"

	"notebot/internal/storage"
)

type State int

const (
	Idle State = iota
	Submitted
	Streaming
	ToolCallPending
	AwaitingApproval
	ToolExecuting
	Finalizing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitted:
		return "submitted"
	case Streaming:
		return "streaming"
	case ToolCallPending:
		return "tool_call_pending"
	case AwaitingApproval:
		return "awaiting_approval"
	case ToolExecuting:
		return "tool_executing"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Observer receives progress of a turn. Calls come from the turn's goroutines
// and must not block for long.
type Observer interface {
	StateChanged(notebookID string, s State)
	ApprovalRequested(ctx context.Context, req storage.ApprovalRequest)
	Status(notebookID, msg string)
}

type NopObserver struct{}

func (NopObserver) StateChanged(string, State)                                {}
func (NopObserver) ApprovalRequested(context.Context, storage.ApprovalRequest) {}
func (NopObserver) Status(string, string)                                     {}

var _ Observer = NopObserver{}
