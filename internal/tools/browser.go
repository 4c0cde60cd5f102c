package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// BrowserTools are offered to the model so the permission flow is exercised,
// but there is no browser to reach from a server process. Each call fails
// with ErrUnavailable, which ends up in the tool result.
func BrowserTools() []Tool {
	return []Tool{
		browserTool{name: "listTabs", desc: "List the user's open browser tabs.", params: `{"type":"object","properties":{}}`},
		browserTool{name: "readPageContent", desc: "Read the text of an open tab.", params: `{"type":"object","properties":{"tab_id":{"type":"integer"}},"required":["tab_id"]}`},
		browserTool{name: "searchBookmarks", desc: "Search the user's bookmarks.", params: `{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`},
		browserTool{name: "searchHistory", desc: "Search the user's browsing history.", params: `{"type":"object","properties":{"query":{"type":"string"},"max_results":{"type":"integer"}},"required":["query"]}`},
	}
}

type browserTool struct {
	name   string
	desc   string
	params string
}

func (t browserTool) Name() string                { return t.name }
func (t browserTool) Description() string         { return t.desc }
func (t browserTool) Parameters() json.RawMessage { return json.RawMessage(t.params) }

func (t browserTool) Call(context.Context, Invocation) (any, error) {
	return nil, fmt.Errorf("%w: %s needs a connected browser", ErrUnavailable, t.name)
}
