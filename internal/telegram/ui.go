package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"notebot/internal/citations"
	"notebot/internal/storage"
	"notebot/internal/turn"
)

const (
	cbPrefix = "nb:"

	cbMenu       = cbPrefix + "menu"
	cbHowAsk     = cbPrefix + "how_ask"
	cbStatus     = cbPrefix + "status"
	cbSources    = cbPrefix + "sources"
	cbTools      = cbPrefix + "tools"
	cbPending    = cbPrefix + "pending"
	cbApproveAll = cbPrefix + "approve_all"
	cbRejectAll  = cbPrefix + "reject_all"

	// cbApproval is followed by "<scope>:<request id>".
	cbApproval = cbPrefix + "ap:"

	scopeReject = "reject"

	maxMessageRunes = 4000
)

// NotebookID maps a chat onto its notebook.
func NotebookID(chatID int64) string {
	return fmt.Sprintf("tg-%d", chatID)
}

func (s *Service) menu(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.sendMainMenu(ctx, b)
}

func (s *Service) status(b *gotgbot.Bot, ctx *ext.Context) error {
	text := s.statusText(ctx)
	return s.replyWithMarkup(ctx, b, text, s.backToMenuKeyboard())
}

func (s *Service) sendMainMenu(ctx *ext.Context, b *gotgbot.Bot) error {
	return s.replyWithMarkup(ctx, b, s.mainMenuText(ctx), s.mainMenuKeyboard())
}

func (s *Service) mainMenuText(ctx *ext.Context) string {
	chatType := "unknown"
	if ctx != nil && ctx.EffectiveChat != nil {
		chatType = ctx.EffectiveChat.Type
	}

	lines := []string{
		"Notebot menu",
		"",
		"Quick commands:",
		"/ask <text> - ask about this notebook",
		"/source_add <title> | <text> - add a source",
		"/sources - list sources",
		"/pending - approvals waiting for you",
		"/tools - tool permissions",
		"/status - notebook status",
		"",
		fmt.Sprintf("Chat type: %s", chatType),
		fmt.Sprintf("Access mode: %s", s.accessMode),
		"Use the inline buttons below for navigation.",
	}
	return strings.Join(lines, "\n")
}

func (s *Service) askUsageText() string {
	return strings.Join([]string{
		"How to use /ask",
		"",
		"Syntax:",
		"/ask <text>",
		"",
		"Behavior:",
		"- Answers from the sources of this chat's notebook",
		"- Tools that need approval show Once / Session / Always / Reject buttons",
		"- When the model is unreachable a saved answer to the same question is used",
		"- Citations are listed under the answer",
	}, "\n")
}

func (s *Service) statusText(ctx *ext.Context) string {
	if ctx == nil || ctx.EffectiveChat == nil {
		return "Chat is not available for status."
	}
	bg := context.Background()
	chatID := ctx.EffectiveChat.Id
	nb := NotebookID(chatID)

	sourceCount := 0
	if srcs, err := s.store.ListSources(bg, nb); err == nil {
		sourceCount = len(srcs)
	}
	pendingCount := 0
	if p, err := s.approvals.ListPendingFor(bg, nb); err == nil {
		pendingCount = len(p)
	}
	userTurns, _ := s.store.CountEvents(bg, nb, storage.EventUser)
	session, _ := s.sessions.Current(bg, chatID)

	connectivity := "online"
	if s.probe != nil && s.probe.Offline(bg) {
		connectivity = "offline (answers come from the response cache)"
	}

	return strings.Join([]string{
		"Notebook status",
		fmt.Sprintf("notebook: %s", nb),
		fmt.Sprintf("sources: %d", sourceCount),
		fmt.Sprintf("questions asked: %d", userTurns),
		fmt.Sprintf("pending approvals: %d", pendingCount),
		fmt.Sprintf("session: %s", session.ID),
		fmt.Sprintf("context mode: %s", s.contextMode),
		fmt.Sprintf("model: %s", connectivity),
		fmt.Sprintf("access_mode: %s", s.accessMode),
	}, "\n")
}

func (s *Service) mainMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "How /ask works", CallbackData: cbHowAsk},
			{Text: "Status", CallbackData: cbStatus},
		},
		{
			{Text: "Sources", CallbackData: cbSources},
			{Text: "Tools", CallbackData: cbTools},
		},
		{
			{Text: "Pending approvals", CallbackData: cbPending},
			{Text: "Refresh", CallbackData: cbMenu},
		},
	}}
}

func (s *Service) backToMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{{Text: "Back to menu", CallbackData: cbMenu}},
	}}
}

func (s *Service) pendingKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Approve all", CallbackData: cbApproveAll},
			{Text: "Reject all", CallbackData: cbRejectAll},
		},
		{{Text: "Back to menu", CallbackData: cbMenu}},
	}}
}

// ApprovalKeyboard offers the three approval scopes and a rejection.
func ApprovalKeyboard(requestID string) gotgbot.InlineKeyboardMarkup {
	data := func(scope string) string { return cbApproval + scope + ":" + requestID }
	return gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Once", CallbackData: data("once")},
			{Text: "This session", CallbackData: data("session")},
			{Text: "Always", CallbackData: data("forever")},
		},
		{{Text: "Reject", CallbackData: data(scopeReject)}},
	}}
}

func parseApprovalData(data string) (scope, requestID string, ok bool) {
	rest, found := strings.CutPrefix(data, cbApproval)
	if !found {
		return "", "", false
	}
	scope, requestID, found = strings.Cut(rest, ":")
	if !found || scope == "" || requestID == "" {
		return "", "", false
	}
	return scope, requestID, true
}

// FormatApprovalPrompt is the message asking the user about one tool call.
func FormatApprovalPrompt(req storage.ApprovalRequest) string {
	lines := []string{
		fmt.Sprintf("Tool request: %s", req.ToolName),
	}
	if req.Reason != "" {
		lines = append(lines, req.Reason)
	}
	if args := strings.TrimSpace(string(req.Args)); args != "" && args != "{}" {
		lines = append(lines, "Arguments: "+truncateRunes(args, 500))
	}
	lines = append(lines, "", "Allow it?")
	return strings.Join(lines, "\n")
}

func formatResolved(req storage.ApprovalRequest, scope string) string {
	verdict := "Rejected"
	if req.Status == storage.ApprovalApproved {
		verdict = "Approved"
		switch scope {
		case "session":
			verdict += " for this session"
		case "forever":
			verdict += " permanently"
		}
	}
	return fmt.Sprintf("%s: %s", verdict, req.ToolName)
}

// FormatAnswer renders a finished turn as chat text with numbered citations.
func FormatAnswer(res turn.Result) string {
	msg, _ := res.AssistantEvent.Payload.(storage.AssistantMessage)
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		text = "The model returned an empty answer."
	}

	var b strings.Builder
	switch {
	case msg.FromCache:
		b.WriteString("[saved answer, the model is unreachable]\n\n")
	case msg.Partial:
		b.WriteString("[interrupted, partial answer]\n\n")
	}
	b.WriteString(text)

	if len(res.Groups) > 0 {
		b.WriteString("\n\nSources:")
		for _, g := range res.Groups {
			labels := citations.Labels(g)
			for i, ex := range g.Excerpts {
				fmt.Fprintf(&b, "\n[%s] %s: %q", labels[i], g.SourceTitle, truncateRunes(ex, 160))
			}
		}
	}
	if res.Degraded {
		b.WriteString("\n\n(some of this turn could not be saved)")
	}
	return truncateRunes(b.String(), maxMessageRunes)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}

func isStorageNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// BotSender posts worker output through the Bot API.
type BotSender struct {
	Bot *gotgbot.Bot
}

func (s BotSender) SendText(ctx context.Context, chatID, replyTo int64, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	opts := &gotgbot.SendMessageOpts{}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo, AllowSendingWithoutReply: true}
	}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := s.Bot.SendMessageWithContext(ctx, chatID, text, opts)
	return err
}

func (s BotSender) Typing(ctx context.Context, chatID int64) error {
	_, err := s.Bot.SendChatActionWithContext(ctx, chatID, "typing", nil)
	return err
}
