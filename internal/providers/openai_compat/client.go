package openai_compat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"notebot/internal/providers"
	"notebot/internal/storage"
)

type Config struct {
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ResponseHeaderTimeout = 60 * time.Second
		// no overall timeout: a stream lives as long as its context
		cfg.HTTPClient = &http.Client{Transport: tr}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

// StreamChat opens a streamed chat completion. Opening is retried with
// exponential backoff; once bytes flow, errors surface from Recv.
func (c *Client) StreamChat(ctx context.Context, req providers.ChatRequest) (providers.Stream, error) {
	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, retry, err := c.openOnce(ctx, endpointURL, body)
		if err == nil {
			return newStream(resp, req.Sources), nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		req.Status(fmt.Sprintf("model busy, retrying (%d/%d)", attempt+1, c.cfg.MaxRetries))
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, lastErr
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (c *Client) buildPayload(req providers.ChatRequest) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}

	messages := []map[string]any{
		{"role": "system", "content": providers.BuildSystemPrompt(req)},
	}
	for _, m := range req.History {
		if m.Role == providers.RoleUser || m.Role == providers.RoleAssistant {
			messages = append(messages, map[string]any{"role": string(m.Role), "content": m.Content})
		}
	}
	messages = append(messages, map[string]any{"role": "user", "content": req.Query})
	for _, m := range req.Continuation {
		switch m.Role {
		case providers.RoleAssistant:
			calls := make([]wireToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				w := wireToolCall{ID: tc.ID, Type: "function"}
				w.Function.Name = tc.Name
				w.Function.Arguments = string(tc.Args)
				calls = append(calls, w)
			}
			msg := map[string]any{"role": "assistant", "content": m.Content}
			if len(calls) > 0 {
				msg["tool_calls"] = calls
			}
			messages = append(messages, msg)
		case providers.RoleTool:
			messages = append(messages, map[string]any{"role": "tool", "tool_call_id": m.ToolCallID, "content": m.Content})
		}
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   true,
	}
	if len(req.Tools) > 0 {
		defs := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			params := t.Parameters
			if len(params) == 0 {
				params = json.RawMessage(`{"type":"object","properties":{}}`)
			}
			defs = append(defs, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  params,
				},
			})
		}
		payload["tools"] = defs
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) openOnce(ctx context.Context, endpointURL string, body []byte) (resp *http.Response, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err = c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp, false, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, fmt.Errorf("provider temporary status %d", resp.StatusCode)
	}
	return nil, false, fmt.Errorf("provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") {
		return base, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/chat/completions"
	return u.String(), nil
}

type callBuilder struct {
	id   string
	name string
	args strings.Builder
}

// stream decodes server-sent chat completion chunks. Servers that ignore
// "stream" and answer with one JSON body are handled as a single chunk.
type stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	sources []storage.Source
	oneShot bool

	pending []providers.Event
	calls   map[int]*callBuilder
	text    strings.Builder
	done    bool
	final   providers.Completion
}

func newStream(resp *http.Response, sources []storage.Source) *stream {
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	return &stream{
		body:    resp.Body,
		scanner: sc,
		sources: sources,
		oneShot: strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"),
		calls:   make(map[int]*callBuilder),
	}
}

var _ providers.Stream = (*stream)(nil)

func (s *stream) Recv() (providers.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}
		if s.oneShot {
			if err := s.readOneShot(); err != nil {
				return nil, err
			}
			continue
		}

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("read stream: %w", err)
			}
			s.finish()
			continue
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.finish()
			continue
		}
		if err := s.handleChunk([]byte(data)); err != nil {
			return nil, err
		}
	}
}

type chunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (s *stream) handleChunk(data []byte) error {
	var ch chunk
	if err := json.Unmarshal(data, &ch); err != nil {
		return fmt.Errorf("decode stream chunk: %w", err)
	}
	if ch.Error != nil {
		return fmt.Errorf("provider stream error: %s", ch.Error.Message)
	}
	if len(ch.Choices) == 0 {
		return nil
	}
	c0 := ch.Choices[0]
	if c0.Delta.Content != "" {
		s.text.WriteString(c0.Delta.Content)
		s.pending = append(s.pending, providers.TextDelta{Text: c0.Delta.Content})
	}
	for _, tc := range c0.Delta.ToolCalls {
		// a new index means every lower one is complete
		s.flushCalls(func(i int) bool { return i < tc.Index })
		b, ok := s.calls[tc.Index]
		if !ok {
			b = &callBuilder{}
			s.calls[tc.Index] = b
		}
		if tc.ID != "" {
			b.id = tc.ID
		}
		if tc.Function.Name != "" {
			b.name = tc.Function.Name
		}
		b.args.WriteString(tc.Function.Arguments)
	}
	if c0.FinishReason != "" {
		s.flushCalls(func(int) bool { return true })
	}
	return nil
}

func (s *stream) readOneShot() error {
	raw, err := io.ReadAll(io.LimitReader(s.body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content   any            `json:"content"`
				ToolCalls []wireToolCall `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("empty choices in chat completion response")
	}
	msg := resp.Choices[0].Message
	if text := anyToText(msg.Content); text != "" {
		s.text.WriteString(text)
		s.pending = append(s.pending, providers.TextDelta{Text: text})
	}
	for i, tc := range msg.ToolCalls {
		b := &callBuilder{id: tc.ID, name: tc.Function.Name}
		b.args.WriteString(tc.Function.Arguments)
		s.calls[i] = b
	}
	s.finish()
	return nil
}

func (s *stream) flushCalls(ready func(int) bool) {
	idx := make([]int, 0, len(s.calls))
	for i := range s.calls {
		if ready(i) {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		b := s.calls[i]
		delete(s.calls, i)
		if b.name == "" {
			continue
		}
		id := b.id
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		s.pending = append(s.pending, providers.ToolCallEvent{Call: storage.ToolCall{ID: id, Name: b.name, Args: normalizeArgs(b.args.String())}})
	}
}

func (s *stream) finish() {
	s.flushCalls(func(int) bool { return true })
	content, cites := providers.ExtractCitations(s.text.String(), s.sources)
	s.final = providers.Completion{Content: content, Citations: cites}
	s.done = true
}

func (s *stream) Completion() providers.Completion { return s.final }

func (s *stream) Close() error { return s.body.Close() }

// normalizeArgs keeps valid JSON as is; anything else is carried as a JSON string.
func normalizeArgs(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	b, _ := json.Marshal(raw)
	return b
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
