package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"botfactory/internal/entities"
)

// UsageRepository derives per-bot usage statistics from the dispatch
// attempt log. It never writes; the quota ledger owns the counters.
type UsageRepository struct {
	db *pgxpool.Pool
}

// DailyUsage is one day of dispatch activity for a bot.
type DailyUsage struct {
	Date      time.Time `json:"date"`
	Replies   int       `json:"replies"`
	Fallbacks int       `json:"fallbacks"`
	Failed    int       `json:"failed"`
}

// QuotaStatus summarizes where a bot stands against its monthly cap.
type QuotaStatus struct {
	PlanTier  entities.PlanTier `json:"plan_tier"`
	Limit     int               `json:"limit"`
	Used      int               `json:"used"`
	Remaining int               `json:"remaining"`
	Percent   int               `json:"percent"`
}

func NewUsageRepository(db *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{db: db}
}

// History returns the last N days of dispatch activity, oldest first.
func (r *UsageRepository) History(ctx context.Context, botID int, days int) ([]DailyUsage, error) {
	start := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := r.db.Query(ctx, `
		SELECT DATE(created_at) AS day,
			COUNT(*) FILTER (WHERE state = $3 AND NOT fallback) AS replies,
			COUNT(*) FILTER (WHERE fallback) AS fallbacks,
			COUNT(*) FILTER (WHERE state = $4) AS failed
		FROM dispatch_attempts
		WHERE bot_id = $1 AND created_at >= $2
		GROUP BY day ORDER BY day ASC
	`, botID, start, entities.StateSucceeded, entities.StateFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usage := []DailyUsage{}
	for rows.Next() {
		var u DailyUsage
		if err := rows.Scan(&u.Date, &u.Replies, &u.Fallbacks, &u.Failed); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

// Quota reports the bot's position against its monthly cap.
func (r *UsageRepository) Quota(ctx context.Context, bot *entities.TenantBot) *QuotaStatus {
	status := &QuotaStatus{
		PlanTier:  bot.PlanTier,
		Limit:     bot.MessageLimit,
		Used:      bot.MessagesUsed,
		Remaining: bot.RemainingQuota(),
	}
	if bot.MessageLimit > 0 {
		status.Percent = (bot.MessagesUsed * 100) / bot.MessageLimit
		if status.Percent > 100 {
			status.Percent = 100
		}
	}
	return status
}
