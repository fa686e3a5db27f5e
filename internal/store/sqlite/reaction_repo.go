package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"chatsync/internal/domain"
)

type ReactionRepo struct {
	db *sql.DB
}

func NewReactionRepo(db *sql.DB) *ReactionRepo {
	return &ReactionRepo{db: db}
}

var _ domain.ReactionRepository = (*ReactionRepo)(nil)

// Upsert inserts or replaces the user's reaction on a message. The primary
// key on (message_id, user_id) enforces one reaction per user.
func (r *ReactionRepo) Upsert(ctx context.Context, messageID string, reaction domain.Reaction) error {
	query := `
		INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id, user_id) DO UPDATE SET emoji = excluded.emoji, created_at = excluded.created_at
	`
	if _, err := r.db.ExecContext(ctx, query, messageID, reaction.UserID, reaction.Emoji, reaction.CreatedAt); err != nil {
		return fmt.Errorf("upsert reaction: %w", err)
	}
	return nil
}

// Remove is idempotent: deleting an absent reaction is a no-op, so a
// toggle-off racing another device's removal does not surface an error.
func (r *ReactionRepo) Remove(ctx context.Context, messageID, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM message_reactions WHERE message_id = ? AND user_id = ?`,
		messageID, userID,
	)
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	return nil
}

func (r *ReactionRepo) ListForMessage(ctx context.Context, messageID string) ([]domain.Reaction, error) {
	query := `
		SELECT user_id, emoji, created_at
		FROM message_reactions
		WHERE message_id = ?
		ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	var res []domain.Reaction
	for rows.Next() {
		var reaction domain.Reaction
		if err := rows.Scan(&reaction.UserID, &reaction.Emoji, &reaction.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		res = append(res, reaction)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	return res, nil
}
