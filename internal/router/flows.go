package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/relaybothq/relaybot/internal/session"
	"github.com/relaybothq/relaybot/internal/transport"
)

type flowFunc func(ctx context.Context, sender transport.Sender, sess session.Session, ev transport.Event)

// flowBroadcast takes the operator's text as the broadcast body and hands it
// to the rate-limited runner. The flow ends immediately; the runner reports
// back to the operator when the fan-out finishes.
func (r *Router) flowBroadcast(ctx context.Context, sender transport.Sender, sess session.Session, ev transport.Event) {
	body := strings.TrimSpace(ev.Text)
	if ev.Kind != transport.KindText || body == "" {
		r.reply(ctx, sender, ev.ChatID, "Send the broadcast text, or /cancel.")
		return
	}
	r.sessions.Cancel(sess.TenantID, sess.OperatorID)
	r.reply(ctx, sender, ev.ChatID, "Broadcast started. You will get a summary when it finishes.")
	go r.runBroadcast(context.WithoutCancel(ctx), sender, sess.TenantID, sess.OperatorID, ev.ChatID, body)
}

// flowReply delivers the operator's text to the original sender's chat and
// marks the message handled with the reply recorded.
func (r *Router) flowReply(ctx context.Context, sender transport.Sender, sess session.Session, ev transport.Event) {
	body := strings.TrimSpace(ev.Text)
	if ev.Kind != transport.KindText || body == "" {
		r.reply(ctx, sender, ev.ChatID, "Send your reply text, or /cancel.")
		return
	}
	msgID, err := strconv.ParseInt(sess.Value("message_id"), 10, 64)
	if err != nil {
		r.sessions.Cancel(sess.TenantID, sess.OperatorID)
		r.reply(ctx, sender, ev.ChatID, "This reply flow lost its message. Start again from /messages.")
		return
	}
	msg, err := r.inbox.Get(ctx, msgID)
	if err != nil {
		r.sessions.Cancel(sess.TenantID, sess.OperatorID)
		r.reply(ctx, sender, ev.ChatID, "That message is gone.")
		return
	}
	if err := sender.Send(ctx, msg.ChatID, body, transport.SendOptions{}); err != nil {
		r.logger.Warn("deliver reply failed",
			slog.Int64("tenant_id", sess.TenantID),
			slog.Int64("message_id", msgID),
			slog.Any("error", err))
		r.reply(ctx, sender, ev.ChatID, "Could not deliver the reply. Try again, or /cancel.")
		return
	}
	if err := r.inbox.MarkHandled(ctx, msgID, body, sess.OperatorID); err != nil {
		r.logger.Error("mark handled failed",
			slog.Int64("message_id", msgID), slog.Any("error", err))
	}
	r.sessions.Cancel(sess.TenantID, sess.OperatorID)
	r.reply(ctx, sender, ev.ChatID, fmt.Sprintf("Reply to #%d delivered.", msgID))
}

func (r *Router) flowAddAdmin(ctx context.Context, sender transport.Sender, sess session.Session, ev transport.Event) {
	if ev.Kind != transport.KindText {
		r.reply(ctx, sender, ev.ChatID, "Send the numeric user id, or /cancel.")
		return
	}
	r.finishAddAdmin(ctx, sender, sess.TenantID, sess.OperatorID, ev.ChatID, ev.Text)
}

func (r *Router) flowRemoveAdmin(ctx context.Context, sender transport.Sender, sess session.Session, ev transport.Event) {
	if ev.Kind != transport.KindText {
		r.reply(ctx, sender, ev.ChatID, "Send the numeric user id, or /cancel.")
		return
	}
	r.finishRemoveAdmin(ctx, sender, sess.TenantID, sess.OperatorID, ev.ChatID, ev.Text)
}

// flowBan records the ban with the operator's text as the reason. The reason
// is informational only; the ban itself is the subscriber flag.
func (r *Router) flowBan(ctx context.Context, sender transport.Sender, sess session.Session, ev transport.Event) {
	if ev.Kind != transport.KindText {
		r.reply(ctx, sender, ev.ChatID, "Send a short reason, or /cancel.")
		return
	}
	userID, err := strconv.ParseInt(sess.Value("user_id"), 10, 64)
	if err != nil {
		r.sessions.Cancel(sess.TenantID, sess.OperatorID)
		r.reply(ctx, sender, ev.ChatID, "This ban flow lost its target. Use the Ban button again.")
		return
	}
	if err := r.inbox.SetBanned(ctx, sess.TenantID, userID, true); err != nil {
		r.logger.Error("ban failed",
			slog.Int64("tenant_id", sess.TenantID),
			slog.Int64("user_id", userID),
			slog.Any("error", err))
		r.reply(ctx, sender, ev.ChatID, "Could not ban that user. Please try again.")
		return
	}
	r.sessions.Cancel(sess.TenantID, sess.OperatorID)
	r.reply(ctx, sender, ev.ChatID, fmt.Sprintf("User %d is banned and will be ignored.", userID))
}
