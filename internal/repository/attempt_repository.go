package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"botfactory/internal/entities"
)

// AttemptRepository persists dispatch attempts as they move through the
// state machine. State writes are best-effort from the orchestrator's
// perspective; accounting correctness lives in the quota ledger, not here.
type AttemptRepository struct {
	db *pgxpool.Pool
}

func NewAttemptRepository(db *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{db: db}
}

func (r *AttemptRepository) Create(ctx context.Context, a *entities.DispatchAttempt) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO dispatch_attempts (id, message_id, bot_id, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`, a.ID, a.MessageID, a.BotID, a.State)
	return err
}

func (r *AttemptRepository) SetState(ctx context.Context, attemptID string, state entities.AttemptState) error {
	_, err := r.db.Exec(ctx, `
		UPDATE dispatch_attempts SET state = $2, updated_at = NOW() WHERE id = $1
	`, attemptID, state)
	return err
}

// Finish writes the attempt's result fields alongside its current state.
func (r *AttemptRepository) Finish(ctx context.Context, a *entities.DispatchAttempt) error {
	_, err := r.db.Exec(ctx, `
		UPDATE dispatch_attempts
		SET state = $2, reply_text = $3, fallback = $4, provider_latency_ms = $5,
			error_detail = $6, updated_at = NOW()
		WHERE id = $1
	`, a.ID, a.State, a.ReplyText, a.Fallback, a.ProviderLatency.Milliseconds(), a.ErrorDetail)
	return err
}

// MessageRepository durably records inbound messages; the webhook ACKs only
// after this insert succeeds.
type MessageRepository struct {
	db *pgxpool.Pool
}

func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Save(ctx context.Context, msg *entities.InboundMessage) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO inbound_messages (external_id, bot_id, platform, end_user_id, content, received_at, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, msg.ExternalID, msg.BotID, msg.Platform, msg.EndUserID, msg.Text, msg.ReceivedAt, msg.RawPayload).Scan(&msg.ID)
}

// DeadLetterRepository parks exhausted deliveries for manual follow-up.
type DeadLetterRepository struct {
	db *pgxpool.Pool
}

func NewDeadLetterRepository(db *pgxpool.Pool) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

func (r *DeadLetterRepository) Save(ctx context.Context, d *entities.DeadLetter) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO dead_letters (attempt_id, bot_id, platform, recipient, content, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id
	`, d.AttemptID, d.BotID, d.Platform, d.Recipient, d.Text, d.Attempts, d.LastError).Scan(&d.ID)
}

func (r *DeadLetterRepository) List(ctx context.Context, limit int) ([]entities.DeadLetter, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, attempt_id, bot_id, platform, recipient, content, attempts, last_error, created_at
		FROM dead_letters ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	letters := []entities.DeadLetter{}
	for rows.Next() {
		var d entities.DeadLetter
		if err := rows.Scan(&d.ID, &d.AttemptID, &d.BotID, &d.Platform, &d.Recipient, &d.Text, &d.Attempts, &d.LastError, &d.CreatedAt); err != nil {
			return nil, err
		}
		letters = append(letters, d)
	}
	return letters, rows.Err()
}
