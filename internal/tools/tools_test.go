package tools

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"notebot/internal/storage"
)

func newSourceRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := storage.Open(context.Background(), "sqlite", "file:"+filepath.Join(t.TempDir(), "tools.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := []storage.Source{
		{ID: "s1", NotebookID: "nb", Title: "Gardening", Content: "Tomatoes need sun. Tomatoes also need water.", CreatedAt: base},
		{ID: "s2", NotebookID: "nb", Title: "Cooking", Content: "Slice the tomatoes thinly.", CreatedAt: base.Add(time.Second)},
		{ID: "s3", NotebookID: "other", Title: "Hidden", Content: "tomatoes everywhere", CreatedAt: base},
	}
	for _, s := range seed {
		if _, err := st.AddSource(context.Background(), s); err != nil {
			t.Fatalf("seed %s: %v", s.ID, err)
		}
	}
	return NewRegistry(zerolog.Nop(), append(SourceTools(st), BrowserTools()...)...)
}

func TestListSources(t *testing.T) {
	r := newSourceRegistry(t)
	out, err := r.Execute(context.Background(), Invocation{NotebookID: "nb", Name: "listSources"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var res struct {
		Sources []sourceInfo `json:"sources"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Sources) != 2 || res.Sources[0].ID != "s1" {
		t.Fatalf("unexpected sources %#v", res.Sources)
	}
}

func TestReadSourceWindow(t *testing.T) {
	r := newSourceRegistry(t)
	out, err := r.Execute(context.Background(), Invocation{NotebookID: "nb", Name: "readSource", Args: json.RawMessage(`{"id":"s1","offset":9,"max_chars":8}`)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var res struct {
		Text      string `json:"text"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Text != "need sun" || !res.Truncated {
		t.Fatalf("unexpected window %#v", res)
	}

	if _, err := r.Execute(context.Background(), Invocation{NotebookID: "nb", Name: "readSource", Args: json.RawMessage(`{"id":"s3"}`)}); err == nil {
		t.Fatalf("sources from another notebook must not be readable")
	}
	if _, err := r.Execute(context.Background(), Invocation{NotebookID: "nb", Name: "readSource", Args: json.RawMessage(`{`)}); err == nil {
		t.Fatalf("expected invalid arguments error")
	}
}

func TestSearchSourcesRanksByScore(t *testing.T) {
	r := newSourceRegistry(t)
	out, err := r.Execute(context.Background(), Invocation{NotebookID: "nb", Name: "searchSources", Args: json.RawMessage(`{"query":"Tomatoes"}`)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var res struct {
		Hits []searchHit `json:"hits"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Hits) != 2 || res.Hits[0].ID != "s1" || res.Hits[0].Score != 2 {
		t.Fatalf("unexpected hits %#v", res.Hits)
	}
	if !strings.Contains(strings.ToLower(res.Hits[1].Snippet), "tomatoes") {
		t.Fatalf("snippet should contain the match, got %q", res.Hits[1].Snippet)
	}
}

func TestBrowserToolsUnavailable(t *testing.T) {
	r := newSourceRegistry(t)
	_, err := r.Execute(context.Background(), Invocation{NotebookID: "nb", Name: "listTabs"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, ok := r.Spec("searchHistory"); !ok {
		t.Fatalf("browser tools must still be described to the model")
	}
}

func TestUnknownTool(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	if _, err := r.Execute(context.Background(), Invocation{Name: "nope"}); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestSnippetRuneBoundaries(t *testing.T) {
	text := strings.Repeat("é", 100)
	s := snippet(text, 100, 21)
	if !strings.HasPrefix(s, "…") || !strings.HasSuffix(s, "…") {
		t.Fatalf("expected ellipses on both sides, got %q", s)
	}
	for _, r := range strings.Trim(s, "…") {
		if r != 'é' {
			t.Fatalf("snippet split a rune: %q", s)
		}
	}
}
