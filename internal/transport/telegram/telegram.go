// Package telegram implements the transport over the Telegram Bot API using
// long polling, one poll loop per tenant.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaybothq/relaybot/internal/transport"
)

const pollTimeoutSeconds = 30

// Dialer establishes Telegram long-poll listeners.
type Dialer struct {
	logger *slog.Logger
}

func NewDialer(log *slog.Logger) *Dialer {
	if log == nil {
		log = slog.Default()
	}
	return &Dialer{
		logger: log.With(slog.String("adapter", "telegram")),
	}
}

// Identify validates the token by performing the API handshake and returns
// the bot's platform identity.
func (d *Dialer) Identify(ctx context.Context, token string) (transport.BotInfo, error) {
	bot, err := connect(ctx, token)
	if err != nil {
		return transport.BotInfo{}, err
	}
	return transport.BotInfo{ID: bot.Self.ID, Username: bot.Self.UserName}, nil
}

// Dial performs the API handshake, starts the long-poll loop, and returns a
// live connection. The handshake is bounded by ctx; the poll loop runs until
// Stop.
func (d *Dialer) Dial(ctx context.Context, tenantID int64, token string, handler transport.Handler) (transport.Conn, error) {
	bot, err := connect(ctx, token)
	if err != nil {
		return nil, err
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = pollTimeoutSeconds
	updates := bot.GetUpdatesChan(updateConfig)

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		tenantID: tenantID,
		bot:      bot,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   d.logger.With(slog.Int64("tenant_id", tenantID)),
	}
	go c.receive(loopCtx, updates, handler)
	c.logger.Info("listener started", slog.String("bot", bot.Self.UserName))
	return c, nil
}

// connect runs the tgbotapi handshake (which performs getMe) under ctx.
func connect(ctx context.Context, token string) (*tgbotapi.BotAPI, error) {
	type result struct {
		bot *tgbotapi.BotAPI
		err error
	}
	ch := make(chan result, 1)
	go func() {
		bot, err := tgbotapi.NewBotAPI(token)
		ch <- result{bot: bot, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("telegram handshake: %w", r.err)
		}
		return r.bot, nil
	}
}

type conn struct {
	tenantID int64
	bot      *tgbotapi.BotAPI
	cancel   context.CancelFunc
	done     chan struct{}
	logger   *slog.Logger
}

func (c *conn) receive(ctx context.Context, updates tgbotapi.UpdatesChannel, handler transport.Handler) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				c.logger.Info("updates channel closed")
				return
			}
			ev, ok := c.normalize(update)
			if !ok {
				continue
			}
			handler(ctx, ev)
		}
	}
}

func (c *conn) normalize(update tgbotapi.Update) (transport.Event, bool) {
	if cb := update.CallbackQuery; cb != nil {
		if cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
			return transport.Event{}, false
		}
		return transport.Event{
			TenantID:     c.tenantID,
			Kind:         transport.KindCallback,
			Sender:       normalizeUser(cb.From),
			ChatID:       cb.Message.Chat.ID,
			MessageID:    cb.Message.MessageID,
			CallbackID:   cb.ID,
			CallbackData: cb.Data,
			ReceivedAt:   time.Now().UTC(),
		}, true
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return transport.Event{}, false
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return transport.Event{}, false
	}
	ev := transport.Event{
		TenantID:   c.tenantID,
		Kind:       transport.KindText,
		Sender:     normalizeUser(msg.From),
		ChatID:     msg.Chat.ID,
		MessageID:  msg.MessageID,
		Text:       text,
		ReceivedAt: time.Unix(int64(msg.Date), 0).UTC(),
	}
	if msg.IsCommand() {
		ev.Kind = transport.KindCommand
		ev.Command = msg.Command()
		ev.Args = strings.TrimSpace(msg.CommandArguments())
	}
	return ev, true
}

// Probe checks listener liveness with a getMe round trip bounded by ctx.
func (c *conn) Probe(ctx context.Context) error {
	type result struct{ err error }
	ch := make(chan result, 1)
	go func() {
		_, err := c.bot.GetMe()
		ch <- result{err: err}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("telegram probe: %w", r.err)
		}
		return nil
	}
}

// Stop signals the poll loop to exit and waits for it, bounded by ctx.
func (c *conn) Stop(ctx context.Context) error {
	c.cancel()
	c.bot.StopReceivingUpdates()
	select {
	case <-c.done:
		c.logger.Info("listener stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram stop: %w", ctx.Err())
	}
}

func (c *conn) Send(ctx context.Context, chatID int64, text string, opts transport.SendOptions) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("telegram send: text is required")
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if opts.ReplyToMessageID > 0 {
		msg.ReplyToMessageID = opts.ReplyToMessageID
	}
	if len(opts.Buttons) > 0 {
		msg.ReplyMarkup = buildKeyboard(opts.Buttons)
	}
	return c.request(ctx, func() error {
		_, err := c.bot.Send(msg)
		return err
	})
}

func (c *conn) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return c.request(ctx, func() error {
		_, err := c.bot.Request(tgbotapi.NewCallback(callbackID, text))
		return err
	})
}

// request runs one blocking API call under ctx.
func (c *conn) request(ctx context.Context, call func() error) error {
	ch := make(chan error, 1)
	go func() { ch <- call() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

func buildKeyboard(rows [][]transport.Button) tgbotapi.InlineKeyboardMarkup {
	keyboard := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		keyboard = append(keyboard, buttons)
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: keyboard}
}

func normalizeUser(u *tgbotapi.User) transport.User {
	if u == nil {
		return transport.User{}
	}
	return transport.User{
		ID:        u.ID,
		Username:  u.UserName,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}
