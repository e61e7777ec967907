package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/relaybothq/relaybot/internal/session"
	"github.com/relaybothq/relaybot/internal/tenant"
	"github.com/relaybothq/relaybot/internal/transport"
)

type commandFunc func(ctx context.Context, sender transport.Sender, ev transport.Event)

type callbackFunc func(ctx context.Context, sender transport.Sender, ev transport.Event, arg int64)

// dispatchOperator routes an operator's event through the static dispatch
// tables. Unmatched commands and callback patterns fall through to an
// explicit "not recognized" response.
func (r *Router) dispatchOperator(ctx context.Context, sender transport.Sender, ev transport.Event) {
	switch ev.Kind {
	case transport.KindCommand:
		handler, ok := r.commands[parseCommand(ev.Command)]
		if !ok {
			r.reply(ctx, sender, ev.ChatID, "Unrecognized command. Try /dashboard.")
			return
		}
		handler(ctx, sender, ev)

	case transport.KindCallback:
		inv := parseCallback(ev.CallbackData)
		handler, ok := r.callbacks[inv.Action]
		if !ok {
			r.reply(ctx, sender, ev.ChatID, "That action is not recognized.")
			return
		}
		handler(ctx, sender, ev, inv.Arg)

	default:
		r.reply(ctx, sender, ev.ChatID, "Send a command, or use the buttons under a message. /dashboard lists what I can do.")
	}
}

func (r *Router) cmdDashboard(ctx context.Context, sender transport.Sender, ev transport.Event) {
	stats, err := r.inbox.TenantStats(ctx, ev.TenantID)
	if err != nil {
		r.logger.Error("load stats failed", slog.Int64("tenant_id", ev.TenantID), slog.Any("error", err))
		r.reply(ctx, sender, ev.ChatID, "Could not load the dashboard. Please try again.")
		return
	}
	text := fmt.Sprintf(
		"Dashboard\n\nSubscribers: %d\nUnhandled messages: %d\n\nCommands:\n/messages - recent unhandled\n/broadcast - message all subscribers\n/stats - counters\n/admins - list admins\n/addadmin - add an admin\n/removeadmin - remove an admin\n/cancel - abort the current flow",
		stats.Subscribers, stats.Unhandled)
	r.reply(ctx, sender, ev.ChatID, text)
}

func (r *Router) cmdMessages(ctx context.Context, sender transport.Sender, ev transport.Event) {
	items, err := r.inbox.RecentUnhandled(ctx, ev.TenantID, 10)
	if err != nil {
		r.logger.Error("load messages failed", slog.Int64("tenant_id", ev.TenantID), slog.Any("error", err))
		r.reply(ctx, sender, ev.ChatID, "Could not load messages. Please try again.")
		return
	}
	if len(items) == 0 {
		r.reply(ctx, sender, ev.ChatID, "No unhandled messages.")
		return
	}
	for _, msg := range items {
		name := msg.UserName
		if name == "" {
			name = fmt.Sprintf("user %d", msg.UserID)
		}
		text := fmt.Sprintf("#%d from %s:\n\n%s", msg.ID, name, msg.Body)
		err := sender.Send(ctx, ev.ChatID, text, transport.SendOptions{
			Buttons: [][]transport.Button{{
				{Label: "Reply", Data: fmt.Sprintf("reply:%d", msg.ID)},
				{Label: "Ban", Data: fmt.Sprintf("ban:%d", msg.UserID)},
				{Label: "Dismiss", Data: fmt.Sprintf("dismiss:%d", msg.ID)},
			}},
		})
		if err != nil {
			r.logger.Warn("send message listing failed",
				slog.Int64("tenant_id", ev.TenantID), slog.Any("error", err))
			return
		}
	}
}

func (r *Router) cmdBroadcast(ctx context.Context, sender transport.Sender, ev transport.Event) {
	r.sessions.Begin(ev.TenantID, ev.Sender.ID, session.KindBroadcast, nil)
	r.reply(ctx, sender, ev.ChatID, "Send the broadcast text, or /cancel.")
}

func (r *Router) cmdStats(ctx context.Context, sender transport.Sender, ev transport.Event) {
	stats, err := r.inbox.TenantStats(ctx, ev.TenantID)
	if err != nil {
		r.logger.Error("load stats failed", slog.Int64("tenant_id", ev.TenantID), slog.Any("error", err))
		r.reply(ctx, sender, ev.ChatID, "Could not load stats. Please try again.")
		return
	}
	r.reply(ctx, sender, ev.ChatID, fmt.Sprintf(
		"Stats\n\nSubscribers: %d\nBanned: %d\nMessages total: %d\nUnhandled: %d",
		stats.Subscribers, stats.Banned, stats.Messages, stats.Unhandled))
}

func (r *Router) cmdAdmins(ctx context.Context, sender transport.Sender, ev transport.Event) {
	admins, err := r.dir.ListAdmins(ctx, ev.TenantID)
	if err != nil {
		r.logger.Error("list admins failed", slog.Int64("tenant_id", ev.TenantID), slog.Any("error", err))
		r.reply(ctx, sender, ev.ChatID, "Could not load the admin list. Please try again.")
		return
	}
	if len(admins) == 0 {
		r.reply(ctx, sender, ev.ChatID, "No admins besides the owner. Use /addadmin to add one.")
		return
	}
	lines := make([]string, 0, len(admins)+1)
	lines = append(lines, "Admins:")
	for _, a := range admins {
		lines = append(lines, fmt.Sprintf("• %d", a.UserID))
	}
	r.reply(ctx, sender, ev.ChatID, strings.Join(lines, "\n"))
}

// senderIsOwner gates admin management: only the bot owner may grant or
// revoke admin rights, not the admins themselves.
func (r *Router) senderIsOwner(ctx context.Context, sender transport.Sender, ev transport.Event) bool {
	owner, err := r.dir.IsOwner(ctx, ev.TenantID, ev.Sender.ID)
	if err != nil {
		r.logger.Error("owner check failed", slog.Int64("tenant_id", ev.TenantID), slog.Any("error", err))
		r.reply(ctx, sender, ev.ChatID, "Something went wrong. Please try again.")
		return false
	}
	if !owner {
		r.reply(ctx, sender, ev.ChatID, "Only the bot owner can manage admins.")
		return false
	}
	return true
}

// cmdAddAdmin accepts "/addadmin 12345" directly, or opens a session
// awaiting the user id.
func (r *Router) cmdAddAdmin(ctx context.Context, sender transport.Sender, ev transport.Event) {
	if !r.senderIsOwner(ctx, sender, ev) {
		return
	}
	if args := strings.TrimSpace(ev.Args); args != "" {
		r.finishAddAdmin(ctx, sender, ev.TenantID, ev.Sender.ID, ev.ChatID, args)
		return
	}
	r.sessions.Begin(ev.TenantID, ev.Sender.ID, session.KindAddAdmin, nil)
	r.reply(ctx, sender, ev.ChatID, "Send the numeric user id of the new admin, or /cancel.")
}

func (r *Router) finishAddAdmin(ctx context.Context, sender transport.Sender, tenantID, operatorID, chatID int64, raw string) {
	userID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		r.reply(ctx, sender, chatID, "That does not look like a numeric user id. Try again, or /cancel.")
		return
	}
	if err := r.dir.AddAdmin(ctx, tenantID, userID, operatorID); err != nil {
		r.logger.Error("add admin failed", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		r.reply(ctx, sender, chatID, "Could not add the admin. Please try again.")
		return
	}
	r.sessions.Cancel(tenantID, operatorID)
	r.reply(ctx, sender, chatID, fmt.Sprintf("User %d is now an admin.", userID))
}

// cmdRemoveAdmin mirrors cmdAddAdmin: "/removeadmin 12345" directly, or a
// session awaiting the user id.
func (r *Router) cmdRemoveAdmin(ctx context.Context, sender transport.Sender, ev transport.Event) {
	if !r.senderIsOwner(ctx, sender, ev) {
		return
	}
	if args := strings.TrimSpace(ev.Args); args != "" {
		r.finishRemoveAdmin(ctx, sender, ev.TenantID, ev.Sender.ID, ev.ChatID, args)
		return
	}
	r.sessions.Begin(ev.TenantID, ev.Sender.ID, session.KindRemoveAdmin, nil)
	r.reply(ctx, sender, ev.ChatID, "Send the numeric user id of the admin to remove, or /cancel.")
}

func (r *Router) finishRemoveAdmin(ctx context.Context, sender transport.Sender, tenantID, operatorID, chatID int64, raw string) {
	userID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		r.reply(ctx, sender, chatID, "That does not look like a numeric user id. Try again, or /cancel.")
		return
	}
	if err := r.dir.RemoveAdmin(ctx, tenantID, userID); err != nil {
		if errors.Is(err, tenant.ErrAdminNotFound) {
			r.sessions.Cancel(tenantID, operatorID)
			r.reply(ctx, sender, chatID, fmt.Sprintf("User %d is not an admin.", userID))
			return
		}
		r.logger.Error("remove admin failed", slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		r.reply(ctx, sender, chatID, "Could not remove the admin. Please try again.")
		return
	}
	r.sessions.Cancel(tenantID, operatorID)
	r.reply(ctx, sender, chatID, fmt.Sprintf("User %d is no longer an admin.", userID))
}

// cbReply opens a reply session seeded with the message id, closing the loop
// from the notification quick action back into the session store.
func (r *Router) cbReply(ctx context.Context, sender transport.Sender, ev transport.Event, msgID int64) {
	if _, err := r.inbox.Get(ctx, msgID); err != nil {
		r.reply(ctx, sender, ev.ChatID, "That message is gone.")
		return
	}
	r.sessions.Begin(ev.TenantID, ev.Sender.ID, session.KindReply, map[string]string{
		"message_id": strconv.FormatInt(msgID, 10),
	})
	r.reply(ctx, sender, ev.ChatID, fmt.Sprintf("Replying to #%d. Send your reply text, or /cancel.", msgID))
}

// cbBan opens a ban session seeded with the target user; the next message is
// taken as the ban reason.
func (r *Router) cbBan(ctx context.Context, sender transport.Sender, ev transport.Event, userID int64) {
	r.sessions.Begin(ev.TenantID, ev.Sender.ID, session.KindBan, map[string]string{
		"user_id": strconv.FormatInt(userID, 10),
	})
	r.reply(ctx, sender, ev.ChatID, fmt.Sprintf("Banning user %d. Send a short reason, or /cancel.", userID))
}

func (r *Router) cbDismiss(ctx context.Context, sender transport.Sender, ev transport.Event, msgID int64) {
	if err := r.inbox.MarkHandled(ctx, msgID, "", ev.Sender.ID); err != nil {
		r.logger.Warn("dismiss failed", slog.Int64("message_id", msgID), slog.Any("error", err))
		r.reply(ctx, sender, ev.ChatID, "Could not dismiss that message.")
		return
	}
	r.reply(ctx, sender, ev.ChatID, fmt.Sprintf("Message #%d dismissed.", msgID))
}
