package providers

import (
	"context"
	"encoding/json"
	"io"

	"notebot/internal/storage"
)

type ContextMode string

const (
	// ContextFull hands every source to the model in the prompt.
	ContextFull ContextMode = "full"
	// ContextTools hands only the source list; content is reached through source tools.
	ContextTools ContextMode = "tools"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one prior conversation turn or one tool exchange fed back to the model.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []storage.ToolCall
	ToolCallID string
}

type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

type ChatRequest struct {
	Model        string
	SystemPrompt string
	Sources      []storage.Source
	Query        string
	History      []Message
	// Continuation carries the assistant tool calls and tool results of earlier rounds.
	Continuation []Message
	Tools        []ToolSpec
	ContextMode  ContextMode
	MaxTokens    int
	Temperature  float64
	OnStatus     func(msg string)
}

// Status reports adapter progress to the caller, if it asked for it.
func (r ChatRequest) Status(msg string) {
	if r.OnStatus != nil {
		r.OnStatus(msg)
	}
}

// Event is one streamed unit: TextDelta, ToolCallEvent or ToolResultEvent.
type Event interface {
	streamEvent()
}

type TextDelta struct {
	Text string
}

type ToolCallEvent struct {
	Call storage.ToolCall
}

// ToolResultEvent is a result the provider produced itself for one of its tool calls.
type ToolResultEvent struct {
	ToolCallID string
	Result     json.RawMessage
}

func (TextDelta) streamEvent()       {}
func (ToolCallEvent) streamEvent()   {}
func (ToolResultEvent) streamEvent() {}

type Completion struct {
	Content   string
	Citations []storage.Citation
}

// Stream is consumed by calling Recv until it returns io.EOF; Completion is
// valid only after that.
type Stream interface {
	Recv() (Event, error)
	Completion() Completion
	Close() error
}

type Provider interface {
	StreamChat(ctx context.Context, req ChatRequest) (Stream, error)
}

// SliceStream replays a fixed list of events.
type SliceStream struct {
	events []Event
	final  Completion
	pos    int
}

func NewSliceStream(events []Event, final Completion) *SliceStream {
	return &SliceStream{events: events, final: final}
}

func (s *SliceStream) Recv() (Event, error) {
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *SliceStream) Completion() Completion { return s.final }

func (s *SliceStream) Close() error { return nil }

var _ Stream = (*SliceStream)(nil)
