package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"botfactory/internal/entities"
)

// BotRepository owns the bots table. The dispatch pipeline resolves bots by
// their platform binding and only ever writes stats and the active flag;
// configuration writes come from the management API.
type BotRepository struct {
	db *pgxpool.Pool
}

func NewBotRepository(db *pgxpool.Pool) *BotRepository {
	return &BotRepository{db: db}
}

const botColumns = `id, user_id, name, platform, platform_bot_id, credential_ref, webhook_secret,
	language, system_prompt, temperature, max_tokens, greeting_message, fallback_message,
	typing_indicator, plan_tier, message_limit, messages_used, is_active, total_messages, last_message_at`

func scanBot(row pgx.Row) (*entities.TenantBot, error) {
	var b entities.TenantBot
	err := row.Scan(
		&b.ID, &b.UserID, &b.Name, &b.Platform, &b.PlatformBotID, &b.CredentialRef, &b.WebhookSecret,
		&b.Language, &b.SystemPrompt, &b.Temperature, &b.MaxTokens, &b.GreetingMessage, &b.FallbackMessage,
		&b.TypingIndicator, &b.PlanTier, &b.MessageLimit, &b.MessagesUsed, &b.IsActive, &b.TotalMessages, &b.LastMessageAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ByPlatformID resolves the single active bot bound to a (platform,
// platform bot identifier) pair.
func (r *BotRepository) ByPlatformID(ctx context.Context, platform entities.Platform, platformBotID string) (*entities.TenantBot, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+botColumns+`
		FROM bots
		WHERE platform = $1 AND platform_bot_id = $2 AND is_active = TRUE
	`, platform, platformBotID)

	bot, err := scanBot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entities.ErrBotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bot lookup: %w", err)
	}
	return bot, nil
}

// ByID fetches a bot regardless of active flag (management API).
func (r *BotRepository) ByID(ctx context.Context, id int) (*entities.TenantBot, error) {
	row := r.db.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id)
	bot, err := scanBot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entities.ErrBotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bot lookup: %w", err)
	}
	return bot, nil
}

// ListByUser returns all bots owned by a tenant account.
func (r *BotRepository) ListByUser(ctx context.Context, userID int) ([]entities.TenantBot, error) {
	rows, err := r.db.Query(ctx, `SELECT `+botColumns+` FROM bots WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bots := []entities.TenantBot{}
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, *bot)
	}
	return bots, rows.Err()
}

// Create registers a new bot. The (platform, platform_bot_id) binding is
// unique; a second bot on the same identity is rejected by the constraint.
func (r *BotRepository) Create(ctx context.Context, b *entities.TenantBot) error {
	if b.MessageLimit == 0 {
		b.MessageLimit = entities.MessageLimitFor(b.PlanTier)
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO bots (user_id, name, platform, platform_bot_id, credential_ref, webhook_secret,
			language, system_prompt, temperature, max_tokens, greeting_message, fallback_message,
			typing_indicator, plan_tier, message_limit, messages_used, period_key, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,0,$16,TRUE)
		RETURNING id
	`, b.UserID, b.Name, b.Platform, b.PlatformBotID, b.CredentialRef, b.WebhookSecret,
		b.Language, b.SystemPrompt, b.Temperature, b.MaxTokens, b.GreetingMessage, b.FallbackMessage,
		b.TypingIndicator, b.PlanTier, b.MessageLimit, entities.PeriodKey(nowUTC())).Scan(&b.ID)
}

// SetActive flips the active flag (tenant action).
func (r *BotRepository) SetActive(ctx context.Context, botID int, active bool) error {
	_, err := r.db.Exec(ctx, `UPDATE bots SET is_active = $2 WHERE id = $1`, botID, active)
	return err
}

// Deactivate takes a bot off the pipeline (quota exhaustion path). The row
// is never deleted while history references it.
func (r *BotRepository) Deactivate(ctx context.Context, botID int) error {
	return r.SetActive(ctx, botID, false)
}

// RecordReply bumps the bot's lifetime stats after a successful generation.
func (r *BotRepository) RecordReply(ctx context.Context, botID int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE bots SET total_messages = total_messages + 1, last_message_at = NOW()
		WHERE id = $1
	`, botID)
	return err
}
