package telegram

import (
	"strings"
	"testing"

	"notebot/internal/citations"
	"notebot/internal/storage"
	"notebot/internal/turn"
)

func TestApprovalKeyboardRoundTrip(t *testing.T) {
	kb := ApprovalKeyboard("req-9")
	want := map[string]bool{"once": false, "session": false, "forever": false, scopeReject: false}
	for _, row := range kb.InlineKeyboard {
		for _, b := range row {
			scope, id, ok := parseApprovalData(b.CallbackData)
			if !ok || id != "req-9" {
				t.Fatalf("button %q does not parse: %q %q %v", b.Text, scope, id, ok)
			}
			if _, known := want[scope]; !known {
				t.Fatalf("unexpected scope %q", scope)
			}
			want[scope] = true
			if len(b.CallbackData) > 64 {
				t.Fatalf("callback data over the Bot API limit: %q", b.CallbackData)
			}
		}
	}
	for scope, seen := range want {
		if !seen {
			t.Fatalf("missing button for %q", scope)
		}
	}
}

func TestParseApprovalDataRejectsMalformed(t *testing.T) {
	for _, data := range []string{"", cbMenu, cbApproval, cbApproval + "once", cbApproval + ":id", cbApproval + "once:"} {
		if _, _, ok := parseApprovalData(data); ok {
			t.Fatalf("expected %q to be rejected", data)
		}
	}
}

func TestFormatAnswerListsCitationGroups(t *testing.T) {
	res := turn.Result{
		AssistantEvent: storage.ChatEvent{Payload: storage.AssistantMessage{Content: "Answer text"}},
		Groups: citations.Grouped([]storage.Citation{
			{SourceID: "s1", SourceTitle: "Paper", Excerpt: "first"},
			{SourceID: "s2", SourceTitle: "Book", Excerpt: "only"},
			{SourceID: "s1", SourceTitle: "Paper", Excerpt: "second"},
		}),
	}
	out := FormatAnswer(res)
	for _, want := range []string{"Answer text", "Sources:", `[1a] Paper: "first"`, `[1b] Paper: "second"`, `[2] Book: "only"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "saved answer") || strings.Contains(out, "partial") {
		t.Fatalf("unexpected marker in:\n%s", out)
	}
}

func TestFormatAnswerMarkers(t *testing.T) {
	cached := FormatAnswer(turn.Result{AssistantEvent: storage.ChatEvent{Payload: storage.AssistantMessage{Content: "x", FromCache: true}}})
	if !strings.HasPrefix(cached, "[saved answer") {
		t.Fatalf("cached answer not marked: %q", cached)
	}
	partial := FormatAnswer(turn.Result{AssistantEvent: storage.ChatEvent{Payload: storage.AssistantMessage{Content: "x", Partial: true}}})
	if !strings.HasPrefix(partial, "[interrupted") {
		t.Fatalf("partial answer not marked: %q", partial)
	}
	degraded := FormatAnswer(turn.Result{Degraded: true, AssistantEvent: storage.ChatEvent{Payload: storage.AssistantMessage{Content: "x"}}})
	if !strings.Contains(degraded, "could not be saved") {
		t.Fatalf("degraded answer not marked: %q", degraded)
	}
	empty := FormatAnswer(turn.Result{})
	if !strings.Contains(empty, "empty answer") {
		t.Fatalf("empty answer text: %q", empty)
	}
}

func TestFormatAnswerTruncates(t *testing.T) {
	long := strings.Repeat("é", maxMessageRunes*2)
	out := FormatAnswer(turn.Result{AssistantEvent: storage.ChatEvent{Payload: storage.AssistantMessage{Content: long}}})
	if n := len([]rune(out)); n != maxMessageRunes {
		t.Fatalf("expected %d runes, got %d", maxMessageRunes, n)
	}
	if !strings.HasSuffix(out, "…") {
		t.Fatalf("truncated text should end with an ellipsis")
	}
}

func TestFormatApprovalPrompt(t *testing.T) {
	out := FormatApprovalPrompt(storage.ApprovalRequest{ToolName: "readPageContent", Args: []byte(`{"tab_id":12}`)})
	if !strings.Contains(out, "readPageContent") || !strings.Contains(out, "tab_id") {
		t.Fatalf("unexpected prompt: %q", out)
	}
	bare := FormatApprovalPrompt(storage.ApprovalRequest{ToolName: "listSources", Args: []byte(`{}`)})
	if strings.Contains(bare, "Arguments") {
		t.Fatalf("empty args should be omitted: %q", bare)
	}
}

func TestParseToolCommand(t *testing.T) {
	name, patch, err := parseToolCommand("readPageContent approval off")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if name != "readPageContent" || patch.RequiresApproval == nil || *patch.RequiresApproval {
		t.Fatalf("unexpected patch: %s %+v", name, patch)
	}
	if patch.Visible != nil || patch.AutoApproved != nil {
		t.Fatalf("only one field should be set: %+v", patch)
	}

	_, patch, err = parseToolCommand("readSource AUTO on")
	if err != nil || patch.AutoApproved == nil || !*patch.AutoApproved {
		t.Fatalf("unexpected auto patch: %+v %v", patch, err)
	}

	for _, bad := range []string{"", "readSource", "readSource visible", "readSource color on", "readSource visible maybe", "a b c d"} {
		if _, _, err := parseToolCommand(bad); err == nil {
			t.Fatalf("expected %q to fail", bad)
		}
	}
}

func TestCommandRemainder(t *testing.T) {
	if got := commandRemainder("/ask  what is this"); got != " what is this" {
		t.Fatalf("unexpected remainder %q", got)
	}
	if got := commandRemainder("/sources"); got != "" {
		t.Fatalf("unexpected remainder %q", got)
	}
}

func TestNotebookID(t *testing.T) {
	if got := NotebookID(-100123); got != "tg--100123" {
		t.Fatalf("unexpected notebook id %q", got)
	}
}
