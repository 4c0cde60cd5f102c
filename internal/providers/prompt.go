package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"notebot/internal/storage"
)

const (
	citationsOpen  = "<citations>"
	citationsClose = "</citations>"

	// per-source cap in ContextFull mode
	maxSourceChars = 12000
)

const citationInstructions = `When you use information from a source, finish your answer with a single block
` + citationsOpen + `[{"source_id":"<id>","excerpt":"<short verbatim quote>"}]` + citationsClose + `
listing every quote you relied on. Use only source ids given above. Omit the block if you cited nothing.`

// BuildSystemPrompt combines the configured prompt with the notebook sources
// and the citation format the answer must follow.
func BuildSystemPrompt(req ChatRequest) string {
	var b strings.Builder
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}

	if len(req.Sources) == 0 {
		b.WriteString("The notebook has no sources. Answer from general knowledge and say so.")
		return b.String()
	}

	switch req.ContextMode {
	case ContextTools:
		b.WriteString("Notebook sources (read them with the source tools):\n")
		for _, src := range req.Sources {
			fmt.Fprintf(&b, "- [%s] %s\n", src.ID, titleOr(src))
		}
	default:
		b.WriteString("Notebook sources:\n")
		for _, src := range req.Sources {
			content := src.Content
			if len(content) > maxSourceChars {
				content = content[:maxSourceChars] + "…"
			}
			fmt.Fprintf(&b, "\n### [%s] %s\n%s\n", src.ID, titleOr(src), content)
		}
	}
	b.WriteString("\n")
	b.WriteString(citationInstructions)
	return b.String()
}

// FlattenConversation renders history and the query as plain text for
// providers that take a single prompt string.
func FlattenConversation(req ChatRequest) string {
	var b strings.Builder
	for _, m := range req.History {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	for _, m := range req.Continuation {
		if m.Role == RoleTool {
			fmt.Fprintf(&b, "tool result (%s): %s\n", m.ToolCallID, m.Content)
		}
	}
	if b.Len() > 0 {
		b.WriteString("user: ")
	}
	b.WriteString(req.Query)
	return b.String()
}

// ExtractCitations strips the trailing citations block from content and
// resolves it against the known sources. Citations naming unknown sources are dropped.
func ExtractCitations(content string, sources []storage.Source) (string, []storage.Citation) {
	start := strings.LastIndex(content, citationsOpen)
	if start < 0 {
		return content, nil
	}
	clean := strings.TrimRight(content[:start], " \t\r\n")

	rest := content[start+len(citationsOpen):]
	end := strings.Index(rest, citationsClose)
	if end < 0 {
		return clean, nil
	}

	var raw []struct {
		SourceID string `json:"source_id"`
		Excerpt  string `json:"excerpt"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &raw); err != nil {
		return clean, nil
	}

	titles := make(map[string]string, len(sources))
	for _, src := range sources {
		titles[src.ID] = titleOr(src)
	}
	out := make([]storage.Citation, 0, len(raw))
	for _, r := range raw {
		title, ok := titles[r.SourceID]
		if !ok || strings.TrimSpace(r.Excerpt) == "" {
			continue
		}
		out = append(out, storage.Citation{SourceID: r.SourceID, SourceTitle: title, Excerpt: strings.TrimSpace(r.Excerpt)})
	}
	return clean, out
}

func titleOr(src storage.Source) string {
	if t := strings.TrimSpace(src.Title); t != "" {
		return t
	}
	return src.ID
}
