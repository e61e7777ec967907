package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/relaybothq/relaybot/internal/inbox"
	"github.com/relaybothq/relaybot/internal/transport"
)

// dispatchEndUser is the relay path: record the sender as a subscriber,
// persist the message, and fan it out to the operators. Banned senders are
// dropped before any of that.
func (r *Router) dispatchEndUser(ctx context.Context, sender transport.Sender, ev transport.Event) {
	banned, err := r.inbox.IsBanned(ctx, ev.TenantID, ev.Sender.ID)
	if err != nil {
		r.logger.Error("ban lookup failed",
			slog.Int64("tenant_id", ev.TenantID), slog.Any("error", err))
		return
	}
	if banned {
		r.logger.Debug("dropped message from banned user",
			slog.Int64("tenant_id", ev.TenantID),
			slog.Int64("user_id", ev.Sender.ID))
		return
	}

	if err := r.inbox.Touch(ctx, inbox.Subscriber{
		BotID:       ev.TenantID,
		UserID:      ev.Sender.ID,
		Username:    ev.Sender.Username,
		DisplayName: ev.Sender.DisplayName(),
	}); err != nil {
		r.logger.Warn("record subscriber failed",
			slog.Int64("tenant_id", ev.TenantID), slog.Any("error", err))
	}

	if ev.Kind == transport.KindCommand {
		if parseCommand(ev.Command) == ActionStart {
			r.reply(ctx, sender, ev.ChatID, "Hello! Write your message here and the team will get back to you.")
		}
		return
	}

	body := strings.TrimSpace(ev.Text)
	if ev.Kind != transport.KindText || body == "" {
		return
	}

	msg := inbox.Message{
		BotID:    ev.TenantID,
		UserID:   ev.Sender.ID,
		UserName: ev.Sender.DisplayName(),
		ChatID:   ev.ChatID,
		Body:     body,
	}
	id, err := r.inbox.Persist(ctx, msg)
	if err != nil {
		r.logger.Error("persist message failed",
			slog.Int64("tenant_id", ev.TenantID), slog.Any("error", err))
		r.reply(ctx, sender, ev.ChatID, "Sorry, something went wrong. Please try again.")
		return
	}
	msg.ID = id

	// Fan-out must not hold up this sender's shard; the notifier reports
	// its own failures.
	go func(msg inbox.Message) {
		nctx := context.WithoutCancel(ctx)
		if _, err := r.notifier.Notify(nctx, msg); err != nil {
			r.logger.Warn("operator fan-out failed",
				slog.Int64("tenant_id", msg.BotID),
				slog.Int64("message_id", msg.ID),
				slog.Any("error", err))
		}
	}(msg)

	r.reply(ctx, sender, ev.ChatID, "Thanks! Your message has been passed on to the team.")
}
