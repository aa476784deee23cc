package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"botfactory/internal/entities"
)

// HistoryRepository stores conversation turns. Turns within 30 minutes of
// each other share a session; a gap starts a fresh one.
type HistoryRepository struct {
	db *pgxpool.Pool
}

func NewHistoryRepository(db *pgxpool.Pool) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Recent returns the last `limit` turns for a conversation, oldest first,
// ready to drop into the prompt.
func (r *HistoryRepository) Recent(ctx context.Context, botID int, endUserID string, limit int) ([]entities.HistoryTurn, error) {
	rows, err := r.db.Query(ctx, `
		SELECT role, content, created_at FROM chat_history
		WHERE bot_id = $1 AND end_user_id = $2
		ORDER BY created_at DESC LIMIT $3
	`, botID, endUserID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := []entities.HistoryTurn{}
	for rows.Next() {
		var t entities.HistoryTurn
		if err := rows.Scan(&t.Role, &t.Text, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returned newest first; the prompt wants oldest first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// SessionID returns the conversation's current session, creating a new ID
// when the last turn is older than 30 minutes.
func (r *HistoryRepository) SessionID(ctx context.Context, botID int, endUserID string) (string, error) {
	var session string
	err := r.db.QueryRow(ctx, `
		SELECT session_id FROM chat_history
		WHERE bot_id = $1 AND end_user_id = $2 AND created_at > NOW() - INTERVAL '30 minutes'
		ORDER BY created_at DESC LIMIT 1
	`, botID, endUserID).Scan(&session)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.NewString(), nil
	}
	if err != nil {
		return "", err
	}
	return session, nil
}

// Append records one turn.
func (r *HistoryRepository) Append(ctx context.Context, botID int, endUserID, sessionID, role, text string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO chat_history (bot_id, end_user_id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, botID, endUserID, sessionID, role, text)
	return err
}
