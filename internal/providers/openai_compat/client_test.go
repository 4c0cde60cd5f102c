package openai_compat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"notebot/internal/providers"
	"notebot/internal/storage"
)

func TestBuildPayloadChatCompletions(t *testing.T) {
	c := New(Config{BaseURL: "https://api.x.ai/v1"})

	body, endpoint, err := c.buildPayload(providers.ChatRequest{
		Model:        "grok-beta",
		SystemPrompt: "You are concise",
		Query:        "hello",
		History:      []providers.Message{{Role: providers.RoleUser, Content: "earlier"}, {Role: providers.RoleTool, Content: "ignored"}},
		Continuation: []providers.Message{
			{Role: providers.RoleAssistant, ToolCalls: []storage.ToolCall{{ID: "c1", Name: "listTabs", Args: json.RawMessage(`{}`)}}},
			{Role: providers.RoleTool, ToolCallID: "c1", Content: `{"tabs":[]}`},
		},
		Tools:       []providers.ToolSpec{{Name: "listTabs", Description: "List open tabs"}},
		MaxTokens:   123,
		Temperature: 0.4,
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.x.ai/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload struct {
		Model    string           `json:"model"`
		Stream   bool             `json:"stream"`
		Messages []map[string]any `json:"messages"`
		Tools    []map[string]any `json:"tools"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Model != "grok-beta" || !payload.Stream {
		t.Fatalf("unexpected model/stream: %q %v", payload.Model, payload.Stream)
	}
	// system, earlier user, query, assistant tool call, tool result
	if len(payload.Messages) != 5 {
		t.Fatalf("expected 5 messages, got %d: %#v", len(payload.Messages), payload.Messages)
	}
	if payload.Messages[3]["tool_calls"] == nil || payload.Messages[4]["tool_call_id"] != "c1" {
		t.Fatalf("continuation not encoded: %#v", payload.Messages[3:])
	}
	if len(payload.Tools) != 1 {
		t.Fatalf("expected one tool definition, got %d", len(payload.Tools))
	}
}

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(t *testing.T, s providers.Stream) []providers.Event {
	t.Helper()
	var out []providers.Event
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		out = append(out, ev)
	}
}

func TestStreamTextAndCitations(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"delta":{"content":"Hello "}}]}`,
		`{"choices":[{"delta":{"content":"world.<citations>[{\"source_id\":\"s1\",\"excerpt\":\"q\"}]</citations>"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	)
	c := New(Config{BaseURL: srv.URL})

	st, err := c.StreamChat(context.Background(), providers.ChatRequest{Query: "hi", Sources: []storage.Source{{ID: "s1", Title: "Doc"}}})
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}
	defer st.Close()

	events := drain(t, st)
	if len(events) != 2 {
		t.Fatalf("expected 2 text deltas, got %#v", events)
	}
	if d, ok := events[0].(providers.TextDelta); !ok || d.Text != "Hello " {
		t.Fatalf("unexpected first event %#v", events[0])
	}
	final := st.Completion()
	if final.Content != "Hello world." {
		t.Fatalf("unexpected final content %q", final.Content)
	}
	if len(final.Citations) != 1 || final.Citations[0].SourceTitle != "Doc" {
		t.Fatalf("unexpected citations %#v", final.Citations)
	}
}

func TestStreamToolCallDeltas(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"listTabs","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"win"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"dow\":1}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"searchHistory","arguments":"not json"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	)
	c := New(Config{BaseURL: srv.URL})

	st, err := c.StreamChat(context.Background(), providers.ChatRequest{Query: "tabs?"})
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}
	defer st.Close()

	events := drain(t, st)
	if len(events) != 2 {
		t.Fatalf("expected 2 tool calls, got %#v", events)
	}
	first := events[0].(providers.ToolCallEvent).Call
	if first.ID != "call_a" || first.Name != "listTabs" || string(first.Args) != `{"window":1}` {
		t.Fatalf("unexpected first call %#v (args %s)", first, first.Args)
	}
	second := events[1].(providers.ToolCallEvent).Call
	if second.ID != "call_b" || string(second.Args) != `"not json"` {
		t.Fatalf("unexpected second call %#v (args %s)", second, second.Args)
	}
}

func TestStreamRetriesOnTemporaryStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	var statuses []string
	c := New(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: time.Millisecond})
	st, err := c.StreamChat(context.Background(), providers.ChatRequest{Query: "x", OnStatus: func(m string) { statuses = append(statuses, m) }})
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}
	defer st.Close()
	drain(t, st)

	if st.Completion().Content != "ok" {
		t.Fatalf("unexpected content %q", st.Completion().Content)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", hits.Load())
	}
	if len(statuses) != 1 {
		t.Fatalf("expected one retry status, got %v", statuses)
	}
}

func TestStreamDoesNotRetryClientError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 3, BackoffBase: time.Millisecond})
	if _, err := c.StreamChat(context.Background(), providers.ChatRequest{Query: "x"}); err == nil {
		t.Fatalf("expected error")
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", hits.Load())
	}
}

func TestOneShotJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"plain","tool_calls":[{"id":"c9","type":"function","function":{"name":"readSource","arguments":"{\"id\":\"s1\"}"}}]}}]}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	st, err := c.StreamChat(context.Background(), providers.ChatRequest{Query: "x"})
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}
	defer st.Close()

	events := drain(t, st)
	if len(events) != 2 {
		t.Fatalf("expected text and tool call, got %#v", events)
	}
	if call := events[1].(providers.ToolCallEvent).Call; call.Name != "readSource" {
		t.Fatalf("unexpected call %#v", call)
	}
	if st.Completion().Content != "plain" {
		t.Fatalf("unexpected content %q", st.Completion().Content)
	}
}

func TestStreamErrorChunk(t *testing.T) {
	srv := sseServer(t, `{"error":{"message":"overloaded"}}`)
	c := New(Config{BaseURL: srv.URL})
	st, err := c.StreamChat(context.Background(), providers.ChatRequest{Query: "x"})
	if err != nil {
		t.Fatalf("stream chat: %v", err)
	}
	defer st.Close()
	if _, err := st.Recv(); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected provider stream error, got %v", err)
	}
}
