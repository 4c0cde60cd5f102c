package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"notebot/internal/storage"
)

type SourceStore interface {
	ListSources(ctx context.Context, notebookID string) ([]storage.Source, error)
	GetSource(ctx context.Context, notebookID, id string) (storage.Source, error)
}

var _ SourceStore = (*storage.Store)(nil)

// SourceTools returns listSources, readSource and searchSources bound to store.
func SourceTools(store SourceStore) []Tool {
	return []Tool{
		&listSourcesTool{store: store},
		&readSourceTool{store: store},
		&searchSourcesTool{store: store},
	}
}

type sourceInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Chars int    `json:"chars"`
}

type listSourcesTool struct{ store SourceStore }

func (t *listSourcesTool) Name() string        { return "listSources" }
func (t *listSourcesTool) Description() string { return "List the sources in this notebook." }
func (t *listSourcesTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *listSourcesTool) Call(ctx context.Context, inv Invocation) (any, error) {
	srcs, err := t.store.ListSources(ctx, inv.NotebookID)
	if err != nil {
		return nil, err
	}
	out := make([]sourceInfo, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, sourceInfo{ID: s.ID, Title: s.Title, Chars: len([]rune(s.Content))})
	}
	return map[string]any{"sources": out}, nil
}

type readSourceTool struct{ store SourceStore }

func (t *readSourceTool) Name() string { return "readSource" }
func (t *readSourceTool) Description() string {
	return "Read the text of one notebook source, optionally a window of it."
}
func (t *readSourceTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"id":{"type":"string","description":"Source id"},"offset":{"type":"integer","description":"Start character"},"max_chars":{"type":"integer","description":"Characters to return, default 4000"}},"required":["id"]}`)
}

func (t *readSourceTool) Call(ctx context.Context, inv Invocation) (any, error) {
	var args struct {
		ID       string `json:"id"`
		Offset   int    `json:"offset"`
		MaxChars int    `json:"max_chars"`
	}
	if err := decodeArgs(inv.Args, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.ID) == "" {
		return nil, fmt.Errorf("invalid arguments: id is required")
	}
	if args.MaxChars <= 0 || args.MaxChars > 20000 {
		args.MaxChars = 4000
	}

	src, err := t.store.GetSource(ctx, inv.NotebookID, args.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("source %s not found", args.ID)
	}
	if err != nil {
		return nil, err
	}

	runes := []rune(src.Content)
	start := min(max(args.Offset, 0), len(runes))
	end := min(start+args.MaxChars, len(runes))
	return map[string]any{
		"id":        src.ID,
		"title":     src.Title,
		"offset":    start,
		"text":      string(runes[start:end]),
		"truncated": end < len(runes),
	}, nil
}

type searchSourcesTool struct{ store SourceStore }

func (t *searchSourcesTool) Name() string { return "searchSources" }
func (t *searchSourcesTool) Description() string {
	return "Search notebook sources for words and return matching snippets."
}
func (t *searchSourcesTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer","description":"Max hits, default 5"}},"required":["query"]}`)
}

type searchHit struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Score   int    `json:"score"`
	Snippet string `json:"snippet"`
}

func (t *searchSourcesTool) Call(ctx context.Context, inv Invocation) (any, error) {
	var args struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := decodeArgs(inv.Args, &args); err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(args.Query))
	if len(terms) == 0 {
		return nil, fmt.Errorf("invalid arguments: query is required")
	}
	if args.Limit <= 0 || args.Limit > 20 {
		args.Limit = 5
	}

	srcs, err := t.store.ListSources(ctx, inv.NotebookID)
	if err != nil {
		return nil, err
	}
	hits := make([]searchHit, 0)
	for _, s := range srcs {
		lower := strings.ToLower(s.Content)
		score, first := 0, -1
		for _, term := range terms {
			n := strings.Count(lower, term)
			score += n
			if n > 0 {
				if i := strings.Index(lower, term); first < 0 || i < first {
					first = i
				}
			}
		}
		if score == 0 {
			continue
		}
		hits = append(hits, searchHit{ID: s.ID, Title: s.Title, Score: score, Snippet: snippet(s.Content, first, 160)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > args.Limit {
		hits = hits[:args.Limit]
	}
	return map[string]any{"hits": hits}, nil
}

// snippet cuts roughly width bytes around byte offset at, on rune boundaries.
func snippet(text string, at, width int) string {
	start := max(at-width/2, 0)
	end := min(start+width, len(text))
	for start > 0 && !isRuneStart(text[start]) {
		start--
	}
	for end < len(text) && !isRuneStart(text[end]) {
		end++
	}
	out := strings.TrimSpace(text[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out += "…"
	}
	return out
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
