package custom_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"notebot/internal/providers"
)

type Config struct {
	URL          string
	APIKey       string
	Model        string
	Headers      map[string]string
	BodyTemplate string
	Method       string
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
}

// Client calls a plain request/response HTTP endpoint and presents the answer
// as a one-delta stream. It never emits tool calls.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 90 * time.Second}
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

func (c *Client) StreamChat(ctx context.Context, req providers.ChatRequest) (providers.Stream, error) {
	body, err := c.renderBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		text, retry, err := c.callOnce(ctx, body)
		if err == nil {
			content, cites := providers.ExtractCitations(text, req.Sources)
			events := []providers.Event{providers.TextDelta{Text: text}}
			return providers.NewSliceStream(events, providers.Completion{Content: content, Citations: cites}), nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		req.Status(fmt.Sprintf("endpoint busy, retrying (%d/%d)", attempt+1, c.cfg.MaxRetries))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.BackoffBase * (1 << attempt)):
		}
	}

	return nil, lastErr
}

func (c *Client) renderBody(req providers.ChatRequest) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	systemPrompt := providers.BuildSystemPrompt(req)
	userPrompt := providers.FlattenConversation(req)

	if strings.TrimSpace(c.cfg.BodyTemplate) == "" {
		payload := map[string]any{
			"model":         model,
			"system_prompt": systemPrompt,
			"prompt":        userPrompt,
			"max_tokens":    req.MaxTokens,
			"temperature":   req.Temperature,
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal custom payload: %w", err)
		}
		return b, nil
	}

	tpl, err := template.New("custom_http_body").Option("missingkey=zero").Funcs(template.FuncMap{
		"json": func(v any) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}).Parse(c.cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, map[string]any{
		"Model":        model,
		"SystemPrompt": systemPrompt,
		"UserPrompt":   userPrompt,
		"Query":        req.Query,
		"MaxTokens":    req.MaxTokens,
		"Temperature":  req.Temperature,
		"APIKey":       c.cfg.APIKey,
	}); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Client) callOnce(ctx context.Context, body []byte) (text string, retry bool, err error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return "", false, fmt.Errorf("custom http url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("build custom request: %w", err)
	}
	if len(c.cfg.Headers) == 0 {
		req.Header.Set("Content-Type", "application/json")
	} else {
		for k, v := range c.cfg.Headers {
			req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
		}
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", true, fmt.Errorf("custom request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", false, fmt.Errorf("read custom response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", true, fmt.Errorf("custom provider temporary status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", false, fmt.Errorf("custom provider status %d", resp.StatusCode)
	}

	text, err = extractText(b)
	if err != nil {
		return "", false, err
	}
	return text, false, nil
}

func extractText(body []byte) (string, error) {
	var simple map[string]any
	if err := json.Unmarshal(body, &simple); err != nil {
		trimmed := strings.TrimSpace(string(body))
		if trimmed != "" {
			return trimmed, nil
		}
		return "", fmt.Errorf("decode custom response: %w", err)
	}

	for _, key := range []string{"text", "response", "answer", "output_text"} {
		if v, ok := simple[key].(string); ok && strings.TrimSpace(v) != "" {
			return v, nil
		}
	}

	if choices, ok := simple["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			if msg, ok := c0["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok && strings.TrimSpace(content) != "" {
					return content, nil
				}
			}
			if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
				return text, nil
			}
		}
	}

	return "", fmt.Errorf("custom response does not contain text field")
}
