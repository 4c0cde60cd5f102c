package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"notebot/internal/approval"
	"notebot/internal/permissions"
	"notebot/internal/storage"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}

	data := strings.TrimSpace(ctx.CallbackQuery.Data)
	if strings.HasPrefix(data, cbApproval) {
		return s.onApprovalCallback(b, ctx, data)
	}
	s.answerCallback(b, ctx, "", false)

	switch data {
	case cbMenu:
		return s.editOrReplyCallback(ctx, b, s.mainMenuText(ctx), s.mainMenuKeyboard())

	case cbHowAsk:
		return s.editOrReplyCallback(ctx, b, s.askUsageText(), s.backToMenuKeyboard())

	case cbStatus:
		return s.editOrReplyCallback(ctx, b, s.statusText(ctx), s.backToMenuKeyboard())

	case cbSources:
		chatID, ok := s.callbackChatID(ctx)
		if !ok {
			s.answerCallback(b, ctx, "Chat is unavailable for this action.", true)
			return nil
		}
		text, err := s.sourcesText(chatID)
		if err != nil {
			s.answerCallback(b, ctx, "Failed to load sources.", true)
			return nil
		}
		return s.editOrReplyCallback(ctx, b, text, s.backToMenuKeyboard())

	case cbTools:
		chatID, ok := s.callbackChatID(ctx)
		if !ok {
			s.answerCallback(b, ctx, "Chat is unavailable for this action.", true)
			return nil
		}
		text, err := s.toolsText(chatID)
		if err != nil {
			s.answerCallback(b, ctx, "Failed to load tool permissions.", true)
			return nil
		}
		return s.editOrReplyCallback(ctx, b, text, s.backToMenuKeyboard())

	case cbPending:
		chatID, ok := s.callbackChatID(ctx)
		if !ok {
			s.answerCallback(b, ctx, "Chat is unavailable for this action.", true)
			return nil
		}
		text, err := s.pendingText(chatID)
		if err != nil {
			s.answerCallback(b, ctx, "Failed to load pending approvals.", true)
			return nil
		}
		return s.editOrReplyCallback(ctx, b, text, s.pendingKeyboard())

	case cbApproveAll, cbRejectAll:
		chatID, uid, ok := s.requireAdmin(b, ctx)
		if !ok {
			return nil
		}
		text, err := s.resolveAllText(chatID, uid, data == cbApproveAll)
		if err != nil {
			s.answerCallback(b, ctx, "Failed to resolve pending approvals.", true)
			return nil
		}
		return s.editOrReplyCallback(ctx, b, text, s.backToMenuKeyboard())

	default:
		s.answerCallback(b, ctx, fmt.Sprintf("Unknown action: %s", data), true)
		return nil
	}
}

// onApprovalCallback resolves one approval request from its inline buttons.
// The pressing user must be able to run admin commands in the chat.
func (s *Service) onApprovalCallback(b *gotgbot.Bot, ctx *ext.Context, data string) error {
	scopeRaw, requestID, ok := parseApprovalData(data)
	if !ok {
		s.answerCallback(b, ctx, "Malformed approval button.", true)
		return nil
	}
	approved := scopeRaw != scopeReject
	var scope approval.Scope
	if approved {
		var err error
		if scope, err = approval.ParseScope(scopeRaw); err != nil {
			s.answerCallback(b, ctx, "Unknown approval scope.", true)
			return nil
		}
	}

	chatID, uid, ok := s.requireAdmin(b, ctx)
	if !ok {
		s.answerCallback(b, ctx, "Only chat admins can answer tool requests.", true)
		return nil
	}

	bg := context.Background()
	req, err := s.approvals.Get(bg, requestID)
	if err != nil {
		if isStorageNotFound(err) {
			s.answerCallback(b, ctx, "This request no longer exists.", true)
			return nil
		}
		s.logger.Error().Err(err).Str("request_id", requestID).Msg("load approval failed")
		s.answerCallback(b, ctx, "Failed to load the request.", true)
		return nil
	}
	if req.NotebookID != NotebookID(chatID) {
		s.answerCallback(b, ctx, "This request belongs to another chat.", true)
		return nil
	}

	resolved, err := s.approvals.Respond(bg, approval.Response{
		RequestID: requestID,
		Approved:  approved,
		Timestamp: s.now(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyResolved) {
			s.answerCallback(b, ctx, "Already answered.", false)
			if current, gerr := s.approvals.Get(bg, requestID); gerr == nil {
				return s.editOrReplyCallback(ctx, b, formatResolved(current, ""), nil)
			}
			return nil
		}
		s.logger.Error().Err(err).Str("request_id", requestID).Msg("respond to approval failed")
		s.answerCallback(b, ctx, "Failed to record the answer.", true)
		return nil
	}

	if approved && scope != approval.ScopeOnce {
		if err := s.approvals.AddApproval(bg, permissions.Session{ID: req.SessionID}, req.ToolName, scope); err != nil {
			s.logger.Warn().Err(err).Str("tool", req.ToolName).Str("scope", string(scope)).Msg("apply approval scope failed")
		}
	}
	_ = s.audit(req.NotebookID, uid, "approval", map[string]any{
		"request_id": requestID,
		"tool":       req.ToolName,
		"approved":   approved,
		"scope":      string(scope),
	})

	s.answerCallback(b, ctx, "", false)
	return s.editOrReplyCallback(ctx, b, formatResolved(resolved, string(scope)), nil)
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) editOrReplyCallback(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			return nil
		}
		// Fallback to sending a regular message if edit failed.
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}

func (s *Service) callbackChatID(ctx *ext.Context) (int64, bool) {
	if ctx != nil && ctx.EffectiveChat != nil {
		return ctx.EffectiveChat.Id, true
	}
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		chat := ctx.CallbackQuery.Message.GetChat()
		return chat.Id, true
	}
	return 0, false
}
