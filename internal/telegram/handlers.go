package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/redis/go-redis/v9"

	"notebot/internal/permissions"
	"notebot/internal/queue"
	"notebot/internal/storage"
)

var errToolUsage = errors.New("usage: /tool <name> <visible|approval|auto> <on|off>")

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	text := strings.Join([]string{
		"Commands:",
		"/help",
		"/ask <text>",
		"/pending",
		"/approve_all",
		"/reject_all",
		"/tools",
		"/tool <name> <visible|approval|auto> <on|off>",
		"/tools_reset",
		"/new_session",
		"/source_add <title> | <text>",
		"/source_add <title> (then send the text)",
		"/sources",
		"/source_del <id>",
		"/history_clear",
		"/cancel",
		"/menu",
		"/status",
		"In a private chat plain messages are questions.",
	}, "\n")
	return s.reply(ctx, b, text)
}

func (s *Service) ask(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	query := strings.TrimSpace(commandRemainder(msg.GetText()))
	if query == "" {
		return s.reply(ctx, b, "Usage: /ask <text>")
	}
	return s.enqueueQuery(b, ctx, query)
}

func (s *Service) enqueueQuery(b *gotgbot.Bot, ctx *ext.Context, query string) error {
	chatID := ctx.EffectiveChat.Id
	now := s.now().UTC()
	if !s.takeQuota(NotebookID(chatID), now, b, ctx) {
		return nil
	}

	bg := context.Background()
	job := queue.TurnJob{
		ChatID:      chatID,
		ChatType:    ctx.EffectiveChat.Type,
		UserID:      userID(ctx),
		MessageID:   ctx.EffectiveMessage.MessageId,
		NotebookID:  NotebookID(chatID),
		SessionID:   s.session(bg, chatID).ID,
		Query:       query,
		ContextMode: string(s.contextMode),
		EnqueuedAt:  now,
	}
	if _, err := s.queue.Enqueue(bg, job); err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue turn job")
		if s.quota != nil {
			_ = s.quota.Refund(bg, job.NotebookID, now)
		}
		return s.reply(ctx, b, "Queue is unavailable right now.")
	}
	s.metrics.EnqueuedJobs.Inc()
	return s.reply(ctx, b, "Accepted. Working on it.")
}

func (s *Service) pending(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	text, err := s.pendingText(ctx.EffectiveChat.Id)
	if err != nil {
		s.logger.Error().Err(err).Msg("list pending approvals failed")
		return s.reply(ctx, b, "Failed to load pending approvals.")
	}
	return s.replyWithMarkup(ctx, b, text, s.pendingKeyboard())
}

func (s *Service) pendingText(chatID int64) (string, error) {
	items, err := s.approvals.ListPendingFor(context.Background(), NotebookID(chatID))
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "No approvals are waiting.", nil
	}
	lines := []string{"Waiting for approval:"}
	for _, r := range items {
		lines = append(lines, fmt.Sprintf("- %s (asked %s)", r.ToolName, r.Timestamp.Format("15:04:05 UTC")))
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) approveAll(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.resolveAll(b, ctx, true)
}

func (s *Service) rejectAll(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.resolveAll(b, ctx, false)
}

func (s *Service) resolveAll(b *gotgbot.Bot, ctx *ext.Context, approved bool) error {
	chatID, uid, ok := s.requireAdmin(b, ctx)
	if !ok {
		return nil
	}
	text, err := s.resolveAllText(chatID, uid, approved)
	if err != nil {
		return s.reply(ctx, b, "Failed to resolve pending approvals.")
	}
	return s.reply(ctx, b, text)
}

func (s *Service) resolveAllText(chatID, uid int64, approved bool) (string, error) {
	nb := NotebookID(chatID)
	var (
		done []storage.ApprovalRequest
		err  error
	)
	if approved {
		done, err = s.approvals.ApproveAll(context.Background(), nb)
	} else {
		done, err = s.approvals.RejectAll(context.Background(), nb)
	}
	if err != nil {
		s.logger.Error().Err(err).Bool("approved", approved).Msg("resolve all approvals failed")
		return "", err
	}
	action := "approve_all"
	verb := "Approved"
	if !approved {
		action = "reject_all"
		verb = "Rejected"
	}
	_ = s.audit(nb, uid, action, map[string]any{"count": len(done)})
	if len(done) == 0 {
		return "No approvals were waiting.", nil
	}
	return fmt.Sprintf("%s %d request(s).", verb, len(done)), nil
}

func (s *Service) tools(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	text, err := s.toolsText(ctx.EffectiveChat.Id)
	if err != nil {
		s.logger.Error().Err(err).Msg("load tool permissions failed")
		return s.reply(ctx, b, "Failed to load tool permissions.")
	}
	return s.reply(ctx, b, text)
}

func (s *Service) toolsText(chatID int64) (string, error) {
	bg := context.Background()
	cfg, err := s.policy.GetConfig(bg, s.session(bg, chatID))
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(cfg.Permissions))
	for name := range cfg.Permissions {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := []string{"Tools (visible / needs approval / always allowed):"}
	for _, name := range names {
		p := cfg.Permissions[name]
		lines = append(lines, fmt.Sprintf("- %s: %s / %s / %s", name, onOff(p.Visible), onOff(p.RequiresApproval), onOff(p.AutoApproved)))
	}
	if len(cfg.SessionApprovals) > 0 {
		lines = append(lines, "", "Allowed for this session: "+strings.Join(cfg.SessionApprovals, ", "))
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) tool(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, uid, ok := s.requireAdmin(b, ctx)
	if !ok {
		return nil
	}
	name, patch, err := parseToolCommand(commandRemainder(ctx.EffectiveMessage.GetText()))
	if err != nil {
		return s.reply(ctx, b, err.Error())
	}
	p, err := s.policy.SetPermission(context.Background(), name, patch)
	if err != nil {
		s.logger.Error().Err(err).Str("tool", name).Msg("set tool permission failed")
		return s.reply(ctx, b, "Failed to update tool permission.")
	}
	_ = s.audit(NotebookID(chatID), uid, "tool_permission", map[string]any{
		"tool":              name,
		"visible":           p.Visible,
		"requires_approval": p.RequiresApproval,
		"auto_approved":     p.AutoApproved,
	})
	return s.reply(ctx, b, fmt.Sprintf("%s: visible %s, needs approval %s, always allowed %s",
		name, onOff(p.Visible), onOff(p.RequiresApproval), onOff(p.AutoApproved)))
}

// parseToolCommand reads "<name> <visible|approval|auto> <on|off>".
func parseToolCommand(rest string) (string, permissions.PermissionPatch, error) {
	var patch permissions.PermissionPatch
	fields := strings.Fields(rest)
	if len(fields) != 3 {
		return "", patch, errToolUsage
	}
	var value bool
	switch strings.ToLower(fields[2]) {
	case "on", "true", "yes":
		value = true
	case "off", "false", "no":
		value = false
	default:
		return "", patch, errToolUsage
	}
	switch strings.ToLower(fields[1]) {
	case "visible":
		patch.Visible = &value
	case "approval":
		patch.RequiresApproval = &value
	case "auto":
		patch.AutoApproved = &value
	default:
		return "", patch, errToolUsage
	}
	return fields[0], patch, nil
}

func (s *Service) toolsReset(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, uid, ok := s.requireAdmin(b, ctx)
	if !ok {
		return nil
	}
	if err := s.policy.Reset(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("reset tool permissions failed")
		return s.reply(ctx, b, "Failed to reset tool permissions.")
	}
	_ = s.audit(NotebookID(chatID), uid, "tools_reset", nil)
	return s.reply(ctx, b, "Tool permissions are back to defaults.")
}

func (s *Service) newSession(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	bg := context.Background()
	old, _, err := s.sessions.Rotate(bg, ctx.EffectiveChat.Id)
	if err != nil {
		s.logger.Error().Err(err).Msg("rotate session failed")
		return s.reply(ctx, b, "Failed to start a new session.")
	}
	if old.ID != "" {
		if err := s.policy.ClearSessionApprovals(bg, old); err != nil {
			s.logger.Warn().Err(err).Str("session_id", old.ID).Msg("clear session approvals failed")
		}
	}
	return s.reply(ctx, b, "New session started. Session-wide tool approvals were cleared.")
}

func (s *Service) sourceAdd(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	rest := strings.TrimSpace(commandRemainder(msg.GetText()))
	title, content, hasBody := strings.Cut(rest, "|")
	title = strings.TrimSpace(title)
	content = strings.TrimSpace(content)
	if title == "" {
		return s.reply(ctx, b, "Usage: /source_add <title> | <text>")
	}

	chatID := ctx.EffectiveChat.Id
	if !hasBody || content == "" {
		d := sourceDraft{NotebookID: NotebookID(chatID), Title: title, StartedAt: s.now()}
		if err := s.drafts.Set(context.Background(), chatID, userID(ctx), d); err != nil {
			return s.reply(ctx, b, "Failed to start the source draft.")
		}
		return s.reply(ctx, b, fmt.Sprintf("Send the text of %q as your next message, or /cancel.", title))
	}
	return s.saveSource(b, ctx, NotebookID(chatID), title, content)
}

func (s *Service) saveSource(b *gotgbot.Bot, ctx *ext.Context, nb, title, content string) error {
	src, err := s.store.AddSource(context.Background(), storage.Source{NotebookID: nb, Title: title, Content: content})
	if err != nil {
		s.logger.Error().Err(err).Msg("add source failed")
		return s.reply(ctx, b, "Failed to save source.")
	}
	_ = s.audit(nb, userID(ctx), "source_add", map[string]any{"id": src.ID, "title": title, "chars": len([]rune(content))})
	return s.reply(ctx, b, fmt.Sprintf("Source %s saved: %s", src.ID, title))
}

func (s *Service) sources(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	text, err := s.sourcesText(ctx.EffectiveChat.Id)
	if err != nil {
		s.logger.Error().Err(err).Msg("list sources failed")
		return s.reply(ctx, b, "Failed to load sources.")
	}
	return s.reply(ctx, b, text)
}

func (s *Service) sourcesText(chatID int64) (string, error) {
	items, err := s.store.ListSources(context.Background(), NotebookID(chatID))
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "No sources yet. Add one with /source_add <title> | <text>.", nil
	}
	lines := []string{"Sources:"}
	for _, src := range items {
		lines = append(lines, fmt.Sprintf("- %s: %s (%d chars)", src.ID, src.Title, len([]rune(src.Content))))
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) sourceDel(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, uid, ok := s.requireAdmin(b, ctx)
	if !ok {
		return nil
	}
	id := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if id == "" {
		return s.reply(ctx, b, "Usage: /source_del <id>")
	}
	nb := NotebookID(chatID)
	if err := s.store.DeleteSource(context.Background(), nb, id); err != nil {
		if isStorageNotFound(err) {
			return s.reply(ctx, b, "Source not found.")
		}
		s.logger.Error().Err(err).Msg("delete source failed")
		return s.reply(ctx, b, "Failed to delete source.")
	}
	_ = s.audit(nb, uid, "source_del", map[string]any{"id": id})
	return s.reply(ctx, b, "Source deleted.")
}

func (s *Service) historyClear(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, uid, ok := s.requireAdmin(b, ctx)
	if !ok {
		return nil
	}
	bg := context.Background()
	nb := NotebookID(chatID)
	events, err := s.store.DeleteEvents(bg, nb)
	if err != nil {
		s.logger.Error().Err(err).Msg("delete events failed")
		return s.reply(ctx, b, "Failed to clear history.")
	}
	cached, err := s.cache.ClearNotebook(bg, nb)
	if err != nil {
		s.logger.Warn().Err(err).Msg("clear response cache failed")
	}
	_ = s.audit(nb, uid, "history_clear", map[string]any{"events": events, "cached": cached})
	return s.reply(ctx, b, fmt.Sprintf("Cleared %d event(s) and %d saved answer(s).", events, cached))
}

func (s *Service) cancelDraft(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	if err := s.drafts.Clear(context.Background(), ctx.EffectiveChat.Id, ctx.EffectiveUser.Id); err != nil {
		return s.reply(ctx, b, "Failed to cancel right now.")
	}
	return s.reply(ctx, b, "Canceled.")
}

// plainText finishes a pending source draft; in private chats anything else
// is taken as a question.
func (s *Service) plainText(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	text := strings.TrimSpace(ctx.EffectiveMessage.GetText())
	if text == "" {
		return nil
	}
	chatID := ctx.EffectiveChat.Id

	draft, err := s.drafts.Get(context.Background(), chatID, ctx.EffectiveUser.Id)
	if err != nil {
		s.logger.Error().Err(err).Msg("draft load failed")
		return s.reply(ctx, b, "Draft state error. Start again with /source_add.")
	}
	if draft != nil {
		_ = s.drafts.Clear(context.Background(), chatID, ctx.EffectiveUser.Id)
		return s.saveSource(b, ctx, draft.NotebookID, draft.Title, text)
	}

	if ctx.EffectiveChat.Type != "private" {
		return nil
	}
	return s.enqueueQuery(b, ctx, text)
}

// requireAdmin lets anyone through in a private chat; in groups only chat
// admins pass.
func (s *Service) requireAdmin(b *gotgbot.Bot, ctx *ext.Context) (chatID int64, uid int64, ok bool) {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return 0, 0, false
	}
	chatID = ctx.EffectiveChat.Id
	uid = ctx.EffectiveUser.Id
	if ctx.EffectiveChat.Type == "private" {
		return chatID, uid, true
	}
	admin, err := s.isAdmin(context.Background(), b, chatID, uid)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Int64("user_id", uid).Msg("admin check failed")
		_ = s.reply(ctx, b, "Failed to verify admin rights.")
		return 0, 0, false
	}
	if !admin {
		_ = s.reply(ctx, b, "Only chat admins can run this command.")
		return 0, 0, false
	}
	return chatID, uid, true
}

func (s *Service) isAdmin(ctx context.Context, b *gotgbot.Bot, chatID, userID int64) (bool, error) {
	if s.adminUserID > 0 && userID == s.adminUserID {
		return true, nil
	}
	cacheKey := fmt.Sprintf("notebot:admin:%d:%d", chatID, userID)
	if v, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
		return v == "1", nil
	} else if err != redis.Nil {
		s.logger.Warn().Err(err).Msg("failed to read admin cache")
	}

	member, err := b.GetChatMemberWithContext(ctx, chatID, userID, nil)
	if err != nil {
		return false, err
	}
	status := member.GetStatus()
	admin := status == "administrator" || status == "creator"

	value := "0"
	if admin {
		value = "1"
	}
	_ = s.redis.Set(ctx, cacheKey, value, s.adminCacheTTL).Err()
	return admin, nil
}

func (s *Service) takeQuota(notebookID string, now time.Time, b *gotgbot.Bot, ctx *ext.Context) bool {
	if s.quota == nil {
		return true
	}
	st, err := s.quota.Take(context.Background(), notebookID, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("turn quota failed")
		return true
	}
	if st.Allowed {
		return true
	}
	_ = s.reply(ctx, b, "This chat has used its questions for this hour. Try again after "+st.ResetAt.Format("15:04 UTC"))
	return false
}

func (s *Service) audit(notebookID string, userID int64, action string, meta map[string]any) error {
	b, _ := json.Marshal(meta)
	return s.store.LogAction(context.Background(), storage.AuditEntry{
		NotebookID: notebookID,
		UserID:     userID,
		Action:     action,
		MetaJSON:   string(b),
	})
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}
