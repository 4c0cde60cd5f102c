package providers

import (
	"strings"
	"testing"

	"notebot/internal/storage"
)

func TestExtractCitations(t *testing.T) {
	sources := []storage.Source{
		{ID: "s1", Title: "Paper"},
		{ID: "s2"},
	}
	content := "Answer text.\n\n<citations>[{\"source_id\":\"s1\",\"excerpt\":\" quote one \"},{\"source_id\":\"zz\",\"excerpt\":\"ghost\"},{\"source_id\":\"s2\",\"excerpt\":\"two\"}]</citations>"

	clean, cites := ExtractCitations(content, sources)
	if clean != "Answer text." {
		t.Fatalf("unexpected clean content %q", clean)
	}
	if len(cites) != 2 {
		t.Fatalf("expected 2 citations, got %#v", cites)
	}
	if cites[0].SourceTitle != "Paper" || cites[0].Excerpt != "quote one" {
		t.Fatalf("unexpected first citation %#v", cites[0])
	}
	if cites[1].SourceTitle != "s2" {
		t.Fatalf("untitled source should fall back to its id, got %#v", cites[1])
	}
}

func TestExtractCitationsWithoutBlock(t *testing.T) {
	clean, cites := ExtractCitations("plain", nil)
	if clean != "plain" || cites != nil {
		t.Fatalf("unexpected result %q %#v", clean, cites)
	}
}

func TestExtractCitationsTruncatedBlock(t *testing.T) {
	clean, cites := ExtractCitations("text <citations>[{\"source_id\":", []storage.Source{{ID: "s1"}})
	if clean != "text" || len(cites) != 0 {
		t.Fatalf("unexpected result %q %#v", clean, cites)
	}
}

func TestBuildSystemPromptModes(t *testing.T) {
	req := ChatRequest{
		SystemPrompt: "Be brief.",
		Sources:      []storage.Source{{ID: "s1", Title: "Doc", Content: "secret body"}},
	}
	full := BuildSystemPrompt(req)
	if !strings.HasPrefix(full, "Be brief.") || !strings.Contains(full, "secret body") || !strings.Contains(full, citationsOpen) {
		t.Fatalf("full prompt missing parts: %q", full)
	}

	req.ContextMode = ContextTools
	tools := BuildSystemPrompt(req)
	if strings.Contains(tools, "secret body") || !strings.Contains(tools, "[s1] Doc") {
		t.Fatalf("tools prompt should list sources without content: %q", tools)
	}
}

func TestFlattenConversation(t *testing.T) {
	got := FlattenConversation(ChatRequest{
		History: []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}},
		Query:   "next",
	})
	want := "user: hi\nassistant: hello\nuser: next"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if FlattenConversation(ChatRequest{Query: "only"}) != "only" {
		t.Fatalf("bare query should pass through")
	}
}
