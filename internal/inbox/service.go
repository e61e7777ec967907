// Package inbox persists relayed end-user messages, subscriber rosters, and
// broadcast records.
package inbox

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrMessageNotFound = errors.New("inbox: message not found")

// Service is the PostgreSQL-backed inbox store.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewService(log *slog.Logger, pool *pgxpool.Pool) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		logger: log.With(slog.String("service", "inbox")),
	}
}

// Persist stores one end-user message and returns its id.
func (s *Service) Persist(ctx context.Context, msg Message) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (bot_id, user_id, user_name, chat_id, body)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		msg.BotID, msg.UserID, msg.UserName, msg.ChatID, msg.Body).Scan(&id)
	return id, err
}

// Get loads one stored message by id.
func (s *Service) Get(ctx context.Context, id int64) (Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, bot_id, user_id, user_name, chat_id, body, handled,
		       COALESCE(reply_body, ''), COALESCE(handled_by, 0), created_at
		FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	return msg, err
}

// MarkHandled records that an operator dealt with a message (reply text may
// be empty for a dismissal).
func (s *Service) MarkHandled(ctx context.Context, id int64, replyBody string, handledBy int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET handled = TRUE, reply_body = $2, handled_by = $3
		WHERE id = $1`, id, replyBody, handledBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// RecentUnhandled returns the newest unhandled messages for a tenant.
func (s *Service) RecentUnhandled(ctx context.Context, botID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, bot_id, user_id, user_name, chat_id, body, handled,
		       COALESCE(reply_body, ''), COALESCE(handled_by, 0), created_at
		FROM messages
		WHERE bot_id = $1 AND NOT handled
		ORDER BY created_at DESC LIMIT $2`, botID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, msg)
	}
	return items, rows.Err()
}

// Touch upserts the subscriber row for an end user who contacted the bot.
// The ban flag is preserved on conflict.
func (s *Service) Touch(ctx context.Context, sub Subscriber) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bot_users (bot_id, user_id, username, display_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bot_id, user_id)
		DO UPDATE SET username = EXCLUDED.username, display_name = EXCLUDED.display_name`,
		sub.BotID, sub.UserID, sub.Username, sub.DisplayName)
	return err
}

// SetBanned flips the ban flag for an end user of a tenant bot.
func (s *Service) SetBanned(ctx context.Context, botID, userID int64, banned bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bot_users (bot_id, user_id, banned)
		VALUES ($1, $2, $3)
		ON CONFLICT (bot_id, user_id) DO UPDATE SET banned = EXCLUDED.banned`,
		botID, userID, banned)
	return err
}

// IsBanned reports whether an end user is banned for a tenant bot.
func (s *Service) IsBanned(ctx context.Context, botID, userID int64) (bool, error) {
	var banned bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM bot_users WHERE bot_id = $1 AND user_id = $2 AND banned)`,
		botID, userID).Scan(&banned)
	return banned, err
}

// SubscriberChatIDs returns the chat ids of every non-banned subscriber; this
// is the broadcast audience.
func (s *Service) SubscriberChatIDs(ctx context.Context, botID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM bot_users WHERE bot_id = $1 AND NOT banned ORDER BY user_id`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordBroadcast stores the outcome of one broadcast run.
func (s *Service) RecordBroadcast(ctx context.Context, botID, sentBy int64, body string, success, fail int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO broadcasts (id, bot_id, sent_by, body, success_count, fail_count)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), botID, sentBy, body, success, fail)
	return err
}

// TenantStats returns per-tenant counters for the dashboard.
func (s *Service) TenantStats(ctx context.Context, botID int64) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
		    (SELECT count(*) FROM bot_users WHERE bot_id = $1 AND NOT banned),
		    (SELECT count(*) FROM bot_users WHERE bot_id = $1 AND banned),
		    (SELECT count(*) FROM messages WHERE bot_id = $1),
		    (SELECT count(*) FROM messages WHERE bot_id = $1 AND NOT handled)`,
		botID).Scan(&st.Subscribers, &st.Banned, &st.Messages, &st.Unhandled)
	return st, err
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.BotID, &m.UserID, &m.UserName, &m.ChatID, &m.Body,
		&m.Handled, &m.ReplyBody, &m.HandledBy, &m.CreatedAt)
	return m, err
}
