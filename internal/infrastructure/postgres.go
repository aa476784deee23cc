package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	Pool *pgxpool.Pool
}

func NewPostgresClient(connString string) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Pool configuration
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	client := &PostgresClient{Pool: pool}

	// Auto-migrate schema
	if err := client.Migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return client, nil
}

func (p *PostgresClient) Migrate() error {
	ctx := context.Background()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			username VARCHAR(64) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			role VARCHAR(20) DEFAULT 'user',
			is_active BOOLEAN DEFAULT TRUE,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);`,

		`CREATE TABLE IF NOT EXISTS bots (
			id SERIAL PRIMARY KEY,
			user_id INT NOT NULL REFERENCES users(id),
			name VARCHAR(100) NOT NULL,
			platform VARCHAR(20) NOT NULL,
			platform_bot_id VARCHAR(255) NOT NULL,
			credential_ref VARCHAR(500) NOT NULL DEFAULT '',
			webhook_secret VARCHAR(100) NOT NULL DEFAULT '',
			language VARCHAR(5) NOT NULL DEFAULT 'uz',
			system_prompt TEXT NOT NULL DEFAULT '',
			temperature DOUBLE PRECISION NOT NULL DEFAULT 0.7,
			max_tokens INT NOT NULL DEFAULT 1000,
			greeting_message TEXT NOT NULL DEFAULT '',
			fallback_message TEXT NOT NULL DEFAULT '',
			typing_indicator BOOLEAN NOT NULL DEFAULT TRUE,
			plan_tier VARCHAR(20) NOT NULL DEFAULT 'free',
			message_limit INT NOT NULL DEFAULT 100,
			messages_used INT NOT NULL DEFAULT 0,
			period_key VARCHAR(7) NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			total_messages BIGINT NOT NULL DEFAULT 0,
			last_message_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (platform, platform_bot_id)
		);`,

		// Dedup claims: the unique key is the atomicity boundary for
		// at-most-once processing.
		`CREATE TABLE IF NOT EXISTS processed_messages (
			platform VARCHAR(20) NOT NULL,
			external_id VARCHAR(255) NOT NULL,
			claimed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (platform, external_id)
		);`,

		`CREATE TABLE IF NOT EXISTS inbound_messages (
			id BIGSERIAL PRIMARY KEY,
			external_id VARCHAR(255) NOT NULL,
			bot_id INT NOT NULL REFERENCES bots(id),
			platform VARCHAR(20) NOT NULL,
			end_user_id VARCHAR(255) NOT NULL,
			content TEXT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			raw_payload BYTEA
		);`,

		`CREATE TABLE IF NOT EXISTS dispatch_attempts (
			id UUID PRIMARY KEY,
			message_id BIGINT NOT NULL DEFAULT 0,
			bot_id INT NOT NULL,
			state VARCHAR(20) NOT NULL,
			reply_text TEXT NOT NULL DEFAULT '',
			fallback BOOLEAN NOT NULL DEFAULT FALSE,
			provider_latency_ms BIGINT NOT NULL DEFAULT 0,
			error_detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);`,

		`CREATE TABLE IF NOT EXISTS quota_reservations (
			id BIGSERIAL PRIMARY KEY,
			bot_id INT NOT NULL,
			period_key VARCHAR(7) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'reserved',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			settled_at TIMESTAMPTZ
		);`,

		`CREATE TABLE IF NOT EXISTS chat_history (
			id BIGSERIAL PRIMARY KEY,
			bot_id INT NOT NULL REFERENCES bots(id),
			end_user_id VARCHAR(255) NOT NULL,
			session_id UUID NOT NULL,
			role VARCHAR(10) NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);`,

		`CREATE INDEX IF NOT EXISTS idx_chat_history_conversation
			ON chat_history (bot_id, end_user_id, created_at DESC);`,

		`CREATE TABLE IF NOT EXISTS knowledge_base (
			id BIGSERIAL PRIMARY KEY,
			bot_id INT NOT NULL REFERENCES bots(id),
			kind VARCHAR(10) NOT NULL DEFAULT 'text',
			title VARCHAR(255) NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			question TEXT NOT NULL DEFAULT '',
			answer TEXT NOT NULL DEFAULT '',
			price VARCHAR(50) NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);`,

		`CREATE TABLE IF NOT EXISTS dead_letters (
			id BIGSERIAL PRIMARY KEY,
			attempt_id UUID NOT NULL,
			bot_id INT NOT NULL,
			platform VARCHAR(20) NOT NULL,
			recipient VARCHAR(255) NOT NULL,
			content TEXT NOT NULL,
			attempts INT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW()
		);`,
	}

	for _, ddl := range statements {
		if _, err := p.Pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (p *PostgresClient) Close() {
	p.Pool.Close()
}
