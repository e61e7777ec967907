package tenant

import "time"

// Bot is one hosted tenant bot. TokenCipher is a vault envelope; the
// plaintext credential exists only transiently inside the supervisor.
type Bot struct {
	ID          int64     `json:"id"`
	TelegramID  int64     `json:"telegram_id"`
	Username    string    `json:"username"`
	OwnerID     int64     `json:"owner_id"`
	TokenCipher string    `json:"-"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Admin is one additional operator of a tenant bot.
type Admin struct {
	BotID     int64     `json:"bot_id"`
	UserID    int64     `json:"user_id"`
	AddedBy   int64     `json:"added_by"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateBotRequest carries the fields needed to register a new tenant bot.
type CreateBotRequest struct {
	TelegramID  int64
	Username    string
	OwnerID     int64
	TokenCipher string
	Active      bool
}
