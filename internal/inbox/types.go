package inbox

import "time"

// Message is one durably stored end-user message for a tenant bot.
type Message struct {
	ID        int64     `json:"id"`
	BotID     int64     `json:"bot_id"`
	UserID    int64     `json:"user_id"`
	UserName  string    `json:"user_name"`
	ChatID    int64     `json:"chat_id"`
	Body      string    `json:"body"`
	Handled   bool      `json:"handled"`
	ReplyBody string    `json:"reply_body,omitempty"`
	HandledBy int64     `json:"handled_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscriber is one end user known to a tenant bot. Subscribers are the
// broadcast audience; banned subscribers are dropped before routing.
type Subscriber struct {
	BotID       int64     `json:"bot_id"`
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Banned      bool      `json:"banned"`
	CreatedAt   time.Time `json:"created_at"`
}

// Stats is the per-tenant counters shown on the operator dashboard.
type Stats struct {
	Subscribers int64 `json:"subscribers"`
	Banned      int64 `json:"banned"`
	Messages    int64 `json:"messages"`
	Unhandled   int64 `json:"unhandled"`
}
