package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"botfactory/internal/entities"
)

func nowUTC() time.Time { return time.Now().UTC() }

// QuotaLedger implements atomic increment-with-cap on the bots usage
// counter. Correctness does not rely on in-process locking: the conditional
// UPDATE serializes concurrent reservations at the database row, so the
// ledger stays correct across multiple worker processes.
type QuotaLedger struct {
	db *pgxpool.Pool
}

func NewQuotaLedger(db *pgxpool.Pool) *QuotaLedger {
	return &QuotaLedger{db: db}
}

// Reserve claims one unit of the bot's monthly allowance. The single
// statement both rolls the counter over to a new billing period and
// enforces the cap; N concurrent callers against one remaining unit yield
// exactly one success.
func (l *QuotaLedger) Reserve(ctx context.Context, botID int) (entities.QuotaReservation, error) {
	period := entities.PeriodKey(nowUTC())

	var id int
	err := l.db.QueryRow(ctx, `
		UPDATE bots SET
			messages_used = CASE WHEN period_key = $2 THEN messages_used + 1 ELSE 1 END,
			period_key = $2
		WHERE id = $1 AND is_active = TRUE
			AND (CASE WHEN period_key = $2 THEN messages_used ELSE 0 END) < message_limit
		RETURNING id
	`, botID, period).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.QuotaReservation{}, entities.ErrQuotaExceeded
	}
	if err != nil {
		return entities.QuotaReservation{}, fmt.Errorf("quota reserve: %w", err)
	}

	res := entities.QuotaReservation{BotID: botID, PeriodKey: period}
	err = l.db.QueryRow(ctx, `
		INSERT INTO quota_reservations (bot_id, period_key, status, created_at)
		VALUES ($1, $2, 'reserved', NOW())
		RETURNING id
	`, botID, period).Scan(&res.ID)
	if err != nil {
		// The usage increment already happened; undo it rather than leak
		// a unit the tenant never spent.
		l.decrement(ctx, botID, period)
		return entities.QuotaReservation{}, fmt.Errorf("quota reservation record: %w", err)
	}
	return res, nil
}

// Commit finalizes the increment for the billing period.
func (l *QuotaLedger) Commit(ctx context.Context, r entities.QuotaReservation) error {
	_, err := l.db.Exec(ctx, `
		UPDATE quota_reservations SET status = 'committed', settled_at = NOW()
		WHERE id = $1 AND status = 'reserved'
	`, r.ID)
	return err
}

// Release reverts a reservation that was never fulfilled.
func (l *QuotaLedger) Release(ctx context.Context, r entities.QuotaReservation) error {
	tag, err := l.db.Exec(ctx, `
		UPDATE quota_reservations SET status = 'released', settled_at = NOW()
		WHERE id = $1 AND status = 'reserved'
	`, r.ID)
	if err != nil {
		return err
	}
	// Only the transition out of 'reserved' decrements; a double release
	// must not refund twice.
	if tag.RowsAffected() == 1 {
		l.decrement(ctx, r.BotID, r.PeriodKey)
	}
	return nil
}

func (l *QuotaLedger) decrement(ctx context.Context, botID int, period string) {
	// The period guard keeps a release that straddles a month boundary
	// from eating into the fresh period's counter.
	_, _ = l.db.Exec(ctx, `
		UPDATE bots SET messages_used = GREATEST(messages_used - 1, 0)
		WHERE id = $1 AND period_key = $2
	`, botID, period)
}
