// Package postgres implements the persistence gateway for the Nezuko bot platform.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
)

// ══════════════════════════════════════════════════════════════════════════════
// BOT REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// BotRepository implements platform.BotStore.
type BotRepository struct {
	conn *Connection
}

// NewBotRepository creates a new BotRepository.
func NewBotRepository(conn *Connection) *BotRepository {
	return &BotRepository{conn: conn}
}

const botColumns = `
	id, owner_user_id, bot_id, bot_username, COALESCE(display_name, ''),
	token_ciphertext, is_active, created_at, updated_at, deleted_at
`

// LoadActiveBots returns all non-soft-deleted bots with is_active=true. Token
// ciphertext is returned opaquely; decryption happens in the supervisor.
func (r *BotRepository) LoadActiveBots(ctx context.Context) ([]platform.BotInstance, error) {
	query := `
		SELECT ` + botColumns + `
		FROM bot_instances
		WHERE is_active = TRUE AND deleted_at IS NULL
		ORDER BY id
	`

	var bots []platform.BotInstance
	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.conn.Pool().Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		bots = bots[:0]
		for rows.Next() {
			bot, err := scanBot(rows)
			if err != nil {
				return err
			}
			bots = append(bots, bot)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storeError("LoadActiveBots", err)
	}

	return bots, nil
}

// GetBotByID returns one bot instance by surrogate id.
func (r *BotRepository) GetBotByID(ctx context.Context, id int64) (platform.BotInstance, error) {
	query := `
		SELECT ` + botColumns + `
		FROM bot_instances
		WHERE id = $1 AND deleted_at IS NULL
	`

	var bot platform.BotInstance
	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		var err error
		bot, err = scanBot(r.conn.Pool().QueryRow(ctx, query, id))
		return err
	})
	if err != nil {
		return platform.BotInstance{}, storeError("GetBotByID", err)
	}

	return bot, nil
}

// UpsertOwner inserts the owner on first interaction or refreshes the
// username on subsequent ones.
func (r *BotRepository) UpsertOwner(ctx context.Context, owner platform.Owner) error {
	query := `
		INSERT INTO owners (user_id, username)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET username = EXCLUDED.username
	`

	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.conn.Pool().Exec(ctx, query, int64(owner.UserID), owner.Username)
		return err
	})
	if err != nil {
		return storeError("UpsertOwner", err)
	}

	return nil
}

// scanBot scans one bot_instances row.
func scanBot(row pgx.Row) (platform.BotInstance, error) {
	var b platform.BotInstance
	err := row.Scan(
		&b.ID,
		&b.OwnerUserID,
		&b.BotID,
		&b.BotUsername,
		&b.DisplayName,
		&b.TokenCiphertext,
		&b.IsActive,
		&b.CreatedAt,
		&b.UpdatedAt,
		&b.DeletedAt,
	)
	if err != nil {
		return platform.BotInstance{}, err
	}
	return b, nil
}
