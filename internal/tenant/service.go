// Package tenant persists tenant bots and their operator sets.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrBotNotFound   = errors.New("tenant: bot not found")
	ErrAdminNotFound = errors.New("tenant: admin not found")
)

// Service is the PostgreSQL-backed tenant store.
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
		logger: log.With(slog.String("service", "tenant")),
	}
}

// Create registers a new tenant bot and returns the stored row.
func (s *Service) Create(ctx context.Context, req CreateBotRequest) (Bot, error) {
	if req.OwnerID == 0 {
		return Bot{}, fmt.Errorf("tenant: owner id is required")
	}
	if req.TokenCipher == "" {
		return Bot{}, fmt.Errorf("tenant: token cipher is required")
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO bots (telegram_id, username, owner_id, token_cipher, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, telegram_id, username, owner_id, token_cipher, active, created_at, updated_at`,
		req.TelegramID, req.Username, req.OwnerID, req.TokenCipher, req.Active)
	return scanBot(row)
}

// Get loads one tenant bot by internal id.
func (s *Service) Get(ctx context.Context, id int64) (Bot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, telegram_id, username, owner_id, token_cipher, active, created_at, updated_at
		FROM bots WHERE id = $1`, id)
	bot, err := scanBot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bot{}, ErrBotNotFound
	}
	return bot, err
}

// ListActive returns every bot whose desired-state flag is set. This is the
// durable "should be active" list the supervisor reconciles against.
func (s *Service) ListActive(ctx context.Context) ([]Bot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, telegram_id, username, owner_id, token_cipher, active, created_at, updated_at
		FROM bots WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Bot, 0)
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, bot)
	}
	return items, rows.Err()
}

// SetActive flips the durable desired-state flag.
func (s *Service) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bots SET active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBotNotFound
	}
	return nil
}

// Delete permanently removes a tenant bot. Callers must stop its listener first.
func (s *Service) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM bots WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBotNotFound
	}
	return nil
}

// OperatorIDs resolves the operator set (owner plus admins) for a tenant.
// Computed on demand so admin changes take effect promptly.
func (s *Service) OperatorIDs(ctx context.Context, botID int64) ([]int64, error) {
	bot, err := s.Get(ctx, botID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM bot_admins WHERE bot_id = $1`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []int64{bot.OwnerID}
	seen := map[int64]struct{}{bot.OwnerID: {}}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsOwner reports whether userID owns the tenant bot.
func (s *Service) IsOwner(ctx context.Context, botID, userID int64) (bool, error) {
	var owner bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM bots WHERE id = $1 AND owner_id = $2)`,
		botID, userID).Scan(&owner)
	return owner, err
}

// IsOperator reports whether userID is the owner or an admin of the tenant bot.
func (s *Service) IsOperator(ctx context.Context, botID, userID int64) (bool, error) {
	var operator bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM bots WHERE id = $1 AND owner_id = $2)
		    OR EXISTS (SELECT 1 FROM bot_admins WHERE bot_id = $1 AND user_id = $2)`,
		botID, userID).Scan(&operator)
	return operator, err
}

// AddAdmin grants a user operator rights on a tenant bot. Adding an existing
// admin is a no-op.
func (s *Service) AddAdmin(ctx context.Context, botID, userID, addedBy int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bot_admins (bot_id, user_id, added_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (bot_id, user_id) DO NOTHING`,
		botID, userID, addedBy)
	return err
}

// RemoveAdmin revokes a user's admin rights.
func (s *Service) RemoveAdmin(ctx context.Context, botID, userID int64) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM bot_admins WHERE bot_id = $1 AND user_id = $2`, botID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAdminNotFound
	}
	return nil
}

// ListAdmins returns the admins of a tenant bot (excluding the owner).
func (s *Service) ListAdmins(ctx context.Context, botID int64) ([]Admin, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT bot_id, user_id, added_by, created_at
		FROM bot_admins WHERE bot_id = $1 ORDER BY created_at`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Admin, 0)
	for rows.Next() {
		var a Admin
		if err := rows.Scan(&a.BotID, &a.UserID, &a.AddedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func scanBot(row pgx.Row) (Bot, error) {
	var b Bot
	err := row.Scan(&b.ID, &b.TelegramID, &b.Username, &b.OwnerID, &b.TokenCipher,
		&b.Active, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}
