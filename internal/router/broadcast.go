package router

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/relaybothq/relaybot/internal/transport"
)

// runBroadcast fans the body out to every non-banned subscriber of the
// tenant, throttled to opts.BroadcastRate sends per second, then reports the
// outcome to the operator and records the broadcast.
func (r *Router) runBroadcast(ctx context.Context, sender transport.Sender, tenantID, operatorID, reportChatID int64, body string) {
	chatIDs, err := r.inbox.SubscriberChatIDs(ctx, tenantID)
	if err != nil {
		r.logger.Error("load broadcast audience failed",
			slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		r.reply(ctx, sender, reportChatID, "Broadcast failed: could not load the subscriber list.")
		return
	}
	if len(chatIDs) == 0 {
		r.reply(ctx, sender, reportChatID, "No subscribers to broadcast to.")
		return
	}

	limiter := rate.NewLimiter(rate.Limit(r.opts.BroadcastRate), 1)
	var success, fail int
	for _, chatID := range chatIDs {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		if err := sender.Send(ctx, chatID, body, transport.SendOptions{}); err != nil {
			fail++
			r.logger.Debug("broadcast send failed",
				slog.Int64("tenant_id", tenantID),
				slog.Int64("chat_id", chatID),
				slog.Any("error", err))
			continue
		}
		success++
	}

	if err := r.inbox.RecordBroadcast(ctx, tenantID, operatorID, body, success, fail); err != nil {
		r.logger.Error("record broadcast failed",
			slog.Int64("tenant_id", tenantID), slog.Any("error", err))
	}
	r.logger.Info("broadcast finished",
		slog.Int64("tenant_id", tenantID),
		slog.Int("delivered", success),
		slog.Int("failed", fail))
	r.reply(ctx, sender, reportChatID,
		fmt.Sprintf("Broadcast finished: %d delivered, %d failed.", success, fail))
}
