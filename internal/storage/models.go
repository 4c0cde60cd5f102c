package storage

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventUser       EventType = "user"
	EventAssistant  EventType = "assistant"
	EventToolResult EventType = "tool-result"
)

// ChatEvent is one persisted happening in a notebook conversation.
// Payload is one of UserMessage, AssistantMessage or ToolResult.
type ChatEvent struct {
	ID         string
	NotebookID string
	Timestamp  time.Time
	Payload    EventPayload
}

func (e ChatEvent) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.eventType()
}

// EventPayload is sealed: only the variants in this file implement it.
type EventPayload interface {
	eventType() EventType
}

type UserMessage struct {
	Content string `json:"content"`
}

type AssistantMessage struct {
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	FromCache bool       `json:"from_cache,omitempty"`
	Failed    bool       `json:"failed,omitempty"`
	Partial   bool       `json:"partial,omitempty"`
}

type ToolResult struct {
	ToolCallID    string          `json:"tool_call_id"`
	ToolName      string          `json:"tool_name"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Duration      time.Duration   `json:"duration,omitempty"`
	PolicySkipped bool            `json:"policy_skipped,omitempty"`
	Rejected      bool            `json:"rejected,omitempty"`
}

func (UserMessage) eventType() EventType      { return EventUser }
func (AssistantMessage) eventType() EventType { return EventAssistant }
func (ToolResult) eventType() EventType       { return EventToolResult }

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type Citation struct {
	SourceID    string `json:"source_id"`
	SourceTitle string `json:"source_title"`
	Excerpt     string `json:"excerpt"`
}

type ToolPermission struct {
	ToolName         string `json:"tool_name"`
	Visible          bool   `json:"visible"`
	RequiresApproval bool   `json:"requires_approval"`
	AutoApproved     bool   `json:"auto_approved"`
}

type ToolPermissionsConfig struct {
	Permissions      map[string]ToolPermission `json:"permissions"`
	SessionApprovals []string                  `json:"session_approvals,omitempty"`
	LastModified     time.Time                 `json:"last_modified"`
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type ApprovalRequest struct {
	ID          string
	NotebookID  string
	SessionID   string
	ToolCallID  string
	ToolName    string
	Args        json.RawMessage
	Reason      string
	Timestamp   time.Time
	Status      ApprovalStatus
	RespondedAt *time.Time
}

type CachedResponse struct {
	CacheKey   string
	NotebookID string
	Query      string
	SourceIDs  []string
	Response   string
	Citations  []Citation
	CreatedAt  time.Time
}

type Source struct {
	ID         string
	NotebookID string
	Title      string
	Content    string
	CreatedAt  time.Time
}

type AuditEntry struct {
	NotebookID string
	UserID     int64
	Action     string
	MetaJSON   string
}
