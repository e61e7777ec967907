// Package notify fans a stored end-user message out to a tenant's operator
// set, best effort: one operator's failed delivery never blocks the rest.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaybothq/relaybot/internal/inbox"
	"github.com/relaybothq/relaybot/internal/transport"
)

// Callback data prefixes for the quick actions attached to a notification.
// The router parses these back into typed actions.
const (
	ActionReply   = "reply"
	ActionBan     = "ban"
	ActionDismiss = "dismiss"
)

// OperatorResolver resolves the operator set (owner plus admins) on demand.
type OperatorResolver interface {
	OperatorIDs(ctx context.Context, botID int64) ([]int64, error)
}

// SenderProvider exposes the live connection for a tenant. Satisfied by the
// fleet registry.
type SenderProvider interface {
	Sender(tenantID int64) (transport.Sender, bool)
}

// Report is the outcome of one fan-out: partial success is success.
type Report struct {
	Delivered int
	Failed    int
}

// Notifier delivers new-message notifications to operators.
type Notifier struct {
	resolver OperatorResolver
	senders  SenderProvider
	logger   *slog.Logger
}

func NewNotifier(log *slog.Logger, resolver OperatorResolver, senders SenderProvider) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		resolver: resolver,
		senders:  senders,
		logger:   log.With(slog.String("component", "notify")),
	}
}

// Notify delivers the stored message to every operator of its tenant,
// independently and concurrently. Per-operator delivery errors are counted
// and logged, never raised.
func (n *Notifier) Notify(ctx context.Context, msg inbox.Message) (Report, error) {
	operators, err := n.resolver.OperatorIDs(ctx, msg.BotID)
	if err != nil {
		return Report{}, fmt.Errorf("resolve operator set: %w", err)
	}
	sender, ok := n.senders.Sender(msg.BotID)
	if !ok {
		return Report{}, fmt.Errorf("tenant %d has no live connection", msg.BotID)
	}

	text := formatNotification(msg)
	buttons := quickActions(msg)

	var (
		mu     sync.Mutex
		report Report
		wg     sync.WaitGroup
	)
	for _, operatorID := range operators {
		operatorID := operatorID
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := sender.Send(ctx, operatorID, text, transport.SendOptions{Buttons: buttons})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				n.logger.Warn("operator delivery failed",
					slog.Int64("tenant_id", msg.BotID),
					slog.Int64("operator_id", operatorID),
					slog.Any("error", err))
				return
			}
			report.Delivered++
		}()
	}
	wg.Wait()
	return report, nil
}

func formatNotification(msg inbox.Message) string {
	name := msg.UserName
	if name == "" {
		name = fmt.Sprintf("user %d", msg.UserID)
	}
	return fmt.Sprintf("New message #%d from %s:\n\n%s", msg.ID, name, msg.Body)
}

func quickActions(msg inbox.Message) [][]transport.Button {
	return [][]transport.Button{{
		{Label: "Reply", Data: fmt.Sprintf("%s:%d", ActionReply, msg.ID)},
		{Label: "Ban", Data: fmt.Sprintf("%s:%d", ActionBan, msg.UserID)},
		{Label: "Dismiss", Data: fmt.Sprintf("%s:%d", ActionDismiss, msg.ID)},
	}}
}
