package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"botfactory/internal/entities"
)

// DedupRepository guarantees at-most-once processing per external message
// ID despite webhook re-delivery. The claim is an INSERT with a conflict
// guard, atomic at the unique index.
type DedupRepository struct {
	db  *pgxpool.Pool
	ttl time.Duration
}

// NewDedupRepository keeps claims for ttl; it should cover the longest
// plausible platform retry window (24h by default).
func NewDedupRepository(db *pgxpool.Pool, ttl time.Duration) *DedupRepository {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DedupRepository{db: db, ttl: ttl}
}

// Claim returns true when this caller is the first to process the message.
func (r *DedupRepository) Claim(ctx context.Context, platform entities.Platform, externalID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO processed_messages (platform, external_id, claimed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (platform, external_id) DO NOTHING
	`, platform, externalID)
	if err != nil {
		return false, fmt.Errorf("dedup claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Purge drops claims older than the TTL. Run periodically; expired claims
// are past every platform's retry window.
func (r *DedupRepository) Purge(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM processed_messages WHERE claimed_at < NOW() - make_interval(secs => $1)
	`, r.ttl.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
