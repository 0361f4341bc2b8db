// Package postgres implements the persistence gateway for the Nezuko bot platform.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nezuko-bot/nezuko-core/internal/domain/platform"
)

// ══════════════════════════════════════════════════════════════════════════════
// GROUP REPOSITORY
// Protected groups, enforced channels and their many-to-many links.
// ══════════════════════════════════════════════════════════════════════════════

// GroupRepository implements platform.GroupStore.
type GroupRepository struct {
	conn *Connection
}

// NewGroupRepository creates a new GroupRepository.
func NewGroupRepository(conn *Connection) *GroupRepository {
	return &GroupRepository{conn: conn}
}

const groupColumns = `
	g.id, g.group_id, g.owner_user_id, g.bot_instance_id, g.title, g.enabled,
	g.params, g.member_count, g.last_sync_at, g.created_at, g.updated_at
`


// GetGroupWithChannels returns the protected group for (bot, group chat) and
// every channel linked to it in a single round trip. This is the hot path of
// every verification; it must stay one join, never N+1.
func (r *GroupRepository) GetGroupWithChannels(ctx context.Context, botInstanceID int64, groupID platform.ChatID) (platform.ProtectedGroup, []platform.EnforcedChannel, error) {
	query := `
		SELECT ` + groupColumns + `,
			   c.id, c.channel_id, c.bot_instance_id, c.title, c.username,
			   c.invite_link, c.subscriber_count, c.created_at, c.updated_at
		FROM protected_groups g
		LEFT JOIN group_channel_links l ON l.group_id = g.id
		LEFT JOIN enforced_channels c ON c.id = l.channel_id
		WHERE g.bot_instance_id = $1 AND g.group_id = $2
		ORDER BY c.id
	`

	var group platform.ProtectedGroup
	var channels []platform.EnforcedChannel

	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.conn.Pool().Query(ctx, query, botInstanceID, int64(groupID))
		if err != nil {
			return err
		}
		defer rows.Close()

		channels = channels[:0]
		found := false
		for rows.Next() {
			// Channel columns are nullable because of the left joins.
			var (
				chID        *int64
				chChannelID *int64
				chBotID     *int64
				chTitle     *string
				chUsername  *string
				chInvite    *string
				chSubs      *int
				chCreated   *time.Time
				chUpdated   *time.Time
			)

			err := rows.Scan(
				&group.ID, &group.GroupID, &group.OwnerUserID, &group.BotInstanceID,
				&group.Title, &group.Enabled, &group.Params, &group.MemberCount,
				&group.LastSyncAt, &group.CreatedAt, &group.UpdatedAt,
				&chID, &chChannelID, &chBotID, &chTitle, &chUsername,
				&chInvite, &chSubs, &chCreated, &chUpdated,
			)
			if err != nil {
				return err
			}
			found = true

			if chID == nil {
				continue // group with no linked channels
			}

			ch := platform.EnforcedChannel{
				ID:            *chID,
				ChannelID:     platform.ChatID(*chChannelID),
				BotInstanceID: *chBotID,
				Title:         *chTitle,
				CreatedAt:     *chCreated,
				UpdatedAt:     *chUpdated,
			}
			if chUsername != nil {
				ch.Username = *chUsername
			}
			if chInvite != nil {
				ch.InviteLink = *chInvite
			}
			if chSubs != nil {
				ch.SubscriberCount = *chSubs
			}
			channels = append(channels, ch)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if !found {
			return pgx.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return platform.ProtectedGroup{}, nil, storeError("GetGroupWithChannels", err)
	}

	return group, channels, nil
}

// GroupsRequiringChannel is the reverse index: all enabled protected groups
// of this bot linking the given enforced channel.
func (r *GroupRepository) GroupsRequiringChannel(ctx context.Context, botInstanceID int64, channelID platform.ChatID) ([]platform.ProtectedGroup, error) {
	query := `
		SELECT ` + groupColumns + `
		FROM protected_groups g
		JOIN group_channel_links l ON l.group_id = g.id
		JOIN enforced_channels c ON c.id = l.channel_id
		WHERE g.bot_instance_id = $1 AND c.channel_id = $2 AND g.enabled
		ORDER BY g.id
	`

	var groups []platform.ProtectedGroup
	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.conn.Pool().Query(ctx, query, botInstanceID, int64(channelID))
		if err != nil {
			return err
		}
		defer rows.Close()

		groups = groups[:0]
		for rows.Next() {
			group, err := scanGroup(rows)
			if err != nil {
				return err
			}
			groups = append(groups, group)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storeError("GroupsRequiringChannel", err)
	}

	return groups, nil
}

// UpsertGroup creates or updates a protected group, keyed by
// (bot_instance_id, group_id).
func (r *GroupRepository) UpsertGroup(ctx context.Context, group platform.ProtectedGroup) (platform.ProtectedGroup, error) {
	query := `
		INSERT INTO protected_groups (group_id, owner_user_id, bot_instance_id, title, enabled, params, member_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (bot_instance_id, group_id) DO UPDATE SET
			title = EXCLUDED.title,
			enabled = EXCLUDED.enabled,
			params = EXCLUDED.params,
			member_count = EXCLUDED.member_count,
			updated_at = NOW()
		RETURNING ` + groupColumnsBare

	params := group.Params
	if params == nil {
		params = map[string]string{}
	}

	var saved platform.ProtectedGroup
	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		row := r.conn.Pool().QueryRow(ctx, query,
			int64(group.GroupID),
			int64(group.OwnerUserID),
			group.BotInstanceID,
			group.Title,
			group.Enabled,
			params,
			group.MemberCount,
		)
		var err error
		saved, err = scanGroup(row)
		return err
	})
	if err != nil {
		return platform.ProtectedGroup{}, storeError("UpsertGroup", err)
	}

	return saved, nil
}

// SetGroupEnabled flips enforcement for a group without deleting it.
func (r *GroupRepository) SetGroupEnabled(ctx context.Context, botInstanceID int64, groupID platform.ChatID, enabled bool) error {
	query := `
		UPDATE protected_groups
		SET enabled = $3, updated_at = NOW()
		WHERE bot_instance_id = $1 AND group_id = $2
	`

	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.conn.Pool().Exec(ctx, query, botInstanceID, int64(groupID), enabled)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return storeError("SetGroupEnabled", err)
	}

	return nil
}

// DeleteGroup removes a protected group; links cascade.
func (r *GroupRepository) DeleteGroup(ctx context.Context, botInstanceID int64, groupID platform.ChatID) error {
	query := `DELETE FROM protected_groups WHERE bot_instance_id = $1 AND group_id = $2`

	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.conn.Pool().Exec(ctx, query, botInstanceID, int64(groupID))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return storeError("DeleteGroup", err)
	}

	return nil
}

// UpsertChannel creates or updates an enforced channel, keyed by
// (bot_instance_id, channel_id).
func (r *GroupRepository) UpsertChannel(ctx context.Context, channel platform.EnforcedChannel) (platform.EnforcedChannel, error) {
	query := `
		INSERT INTO enforced_channels (channel_id, bot_instance_id, title, username, invite_link, subscriber_count)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)
		ON CONFLICT (bot_instance_id, channel_id) DO UPDATE SET
			title = EXCLUDED.title,
			username = EXCLUDED.username,
			invite_link = EXCLUDED.invite_link,
			subscriber_count = EXCLUDED.subscriber_count,
			updated_at = NOW()
		RETURNING id, channel_id, bot_instance_id, title, COALESCE(username, ''),
			COALESCE(invite_link, ''), subscriber_count, created_at, updated_at`

	var saved platform.EnforcedChannel
	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		row := r.conn.Pool().QueryRow(ctx, query,
			int64(channel.ChannelID),
			channel.BotInstanceID,
			channel.Title,
			channel.Username,
			channel.InviteLink,
			channel.SubscriberCount,
		)
		return row.Scan(
			&saved.ID, &saved.ChannelID, &saved.BotInstanceID, &saved.Title,
			&saved.Username, &saved.InviteLink, &saved.SubscriberCount,
			&saved.CreatedAt, &saved.UpdatedAt,
		)
	})
	if err != nil {
		return platform.EnforcedChannel{}, storeError("UpsertChannel", err)
	}

	return saved, nil
}

// LinkChannel binds a channel to a group.
func (r *GroupRepository) LinkChannel(ctx context.Context, groupRowID, channelRowID int64) error {
	query := `INSERT INTO group_channel_links (group_id, channel_id) VALUES ($1, $2)`

	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.conn.Pool().Exec(ctx, query, groupRowID, channelRowID)
		return err
	})
	if err != nil {
		return storeError("LinkChannel", err)
	}

	return nil
}

// UnlinkChannel removes the binding.
func (r *GroupRepository) UnlinkChannel(ctx context.Context, groupRowID, channelRowID int64) error {
	query := `DELETE FROM group_channel_links WHERE group_id = $1 AND channel_id = $2`

	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.conn.Pool().Exec(ctx, query, groupRowID, channelRowID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return storeError("UnlinkChannel", err)
	}

	return nil
}

// RecentGroupUsers returns distinct user ids seen in the group's verification
// logs within the window, newest first, bounded by limit.
func (r *GroupRepository) RecentGroupUsers(ctx context.Context, groupID platform.ChatID, window time.Duration, limit int) ([]platform.UserID, error) {
	query := `
		SELECT user_id, MAX(created_at) AS last_seen
		FROM verification_logs
		WHERE group_id = $1 AND created_at > NOW() - make_interval(secs => $2)
		GROUP BY user_id
		ORDER BY last_seen DESC
		LIMIT $3
	`

	var users []platform.UserID
	err := r.conn.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.conn.Pool().Query(ctx, query, int64(groupID), window.Seconds(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		users = users[:0]
		for rows.Next() {
			var userID int64
			var lastSeen time.Time
			if err := rows.Scan(&userID, &lastSeen); err != nil {
				return err
			}
			users = append(users, platform.UserID(userID))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storeError("RecentGroupUsers", err)
	}

	return users, nil
}

// groupColumnsBare mirrors groupColumns without the table alias, for
// RETURNING clauses.
const groupColumnsBare = `
	id, group_id, owner_user_id, bot_instance_id, title, enabled,
	params, member_count, last_sync_at, created_at, updated_at
`

// scanGroup scans one protected_groups row.
func scanGroup(row pgx.Row) (platform.ProtectedGroup, error) {
	var g platform.ProtectedGroup
	err := row.Scan(
		&g.ID, &g.GroupID, &g.OwnerUserID, &g.BotInstanceID, &g.Title,
		&g.Enabled, &g.Params, &g.MemberCount, &g.LastSyncAt,
		&g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return platform.ProtectedGroup{}, err
	}
	return g, nil
}
