package turn

import (
	"notebot/internal/providers"
	"notebot/internal/storage"
)

// HistoryFromEvents turns stored events into conversation messages for the
// model. Tool results and failed answers are left out.
func HistoryFromEvents(events []storage.ChatEvent) []providers.Message {
	out := make([]providers.Message, 0, len(events))
	for _, e := range events {
		switch p := e.Payload.(type) {
		case storage.UserMessage:
			out = append(out, providers.Message{Role: providers.RoleUser, Content: p.Content})
		case storage.AssistantMessage:
			if p.Failed || p.Content == "" {
				continue
			}
			out = append(out, providers.Message{Role: providers.RoleAssistant, Content: p.Content})
		case storage.ToolResult:
		}
	}
	return out
}
