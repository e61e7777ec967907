package telegram

import (
	"log/slog"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaybothq/relaybot/internal/transport"
)

func testConn() *conn {
	return &conn{tenantID: 7, logger: slog.Default()}
}

func textUpdate(text string) tgbotapi.Update {
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 11,
			From:      &tgbotapi.User{ID: 500, UserName: "alice", FirstName: "Alice"},
			Chat:      &tgbotapi.Chat{ID: 500},
			Text:      text,
			Date:      1700000000,
		},
	}
}

func TestNormalizeText(t *testing.T) {
	t.Parallel()
	ev, ok := testConn().normalize(textUpdate("  hello  "))
	if !ok {
		t.Fatal("text update dropped")
	}
	if ev.Kind != transport.KindText || ev.Text != "hello" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.TenantID != 7 || ev.Sender.ID != 500 || ev.ChatID != 500 {
		t.Fatalf("identity fields = %+v", ev)
	}
}

func TestNormalizeCommand(t *testing.T) {
	t.Parallel()
	update := textUpdate("/addadmin 4242")
	update.Message.Entities = []tgbotapi.MessageEntity{
		{Type: "bot_command", Offset: 0, Length: len("/addadmin")},
	}
	ev, ok := testConn().normalize(update)
	if !ok {
		t.Fatal("command update dropped")
	}
	if ev.Kind != transport.KindCommand {
		t.Fatalf("kind = %q", ev.Kind)
	}
	if ev.Command != "addadmin" || ev.Args != "4242" {
		t.Fatalf("command = %q, args = %q", ev.Command, ev.Args)
	}
}

func TestNormalizeCaptionFallback(t *testing.T) {
	t.Parallel()
	update := textUpdate("")
	update.Message.Caption = "photo caption"
	ev, ok := testConn().normalize(update)
	if !ok {
		t.Fatal("captioned update dropped")
	}
	if ev.Text != "photo caption" {
		t.Fatalf("text = %q", ev.Text)
	}
}

func TestNormalizeCallback(t *testing.T) {
	t.Parallel()
	update := tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:   "cb-9",
			From: &tgbotapi.User{ID: 100},
			Data: "reply:55",
			Message: &tgbotapi.Message{
				MessageID: 12,
				Chat:      &tgbotapi.Chat{ID: 100},
			},
		},
	}
	ev, ok := testConn().normalize(update)
	if !ok {
		t.Fatal("callback update dropped")
	}
	if ev.Kind != transport.KindCallback || ev.CallbackID != "cb-9" || ev.CallbackData != "reply:55" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestNormalizeDropsNonText(t *testing.T) {
	t.Parallel()
	cases := map[string]tgbotapi.Update{
		"empty update":   {},
		"no sender":      {Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}, Text: "x"}},
		"no text":        textUpdate(""),
		"whitespace":     textUpdate("   "),
		"callback shell": {CallbackQuery: &tgbotapi.CallbackQuery{ID: "cb"}},
	}
	for name, update := range cases {
		t.Run(name, func(t *testing.T) {
			if _, ok := testConn().normalize(update); ok {
				t.Fatal("update was not dropped")
			}
		})
	}
}
