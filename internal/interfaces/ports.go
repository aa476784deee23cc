package interfaces

import (
	"context"

	"botfactory/internal/entities"
)

// AIProvider is the black-box generation capability. Implementations must
// respect ctx deadlines and classify failures via entities.ProviderError.
type AIProvider interface {
	Generate(ctx context.Context, prompt entities.Prompt) (string, error)
}

// PlatformAdapter normalizes one platform's payloads in and out of the
// canonical message shape. Pure transform, no side effects.
type PlatformAdapter interface {
	Platform() entities.Platform

	// VerifyInbound checks the platform's webhook authentication
	// (secret token header, HMAC signature) against the bot's secret.
	VerifyInbound(secret string, body []byte, signature string) error

	// ParseInbound extracts the canonical message from a raw webhook
	// payload. Returns entities.ErrMissingMessageID when the payload has
	// no stable external ID, entities.ErrNoTextMessage for events that
	// carry nothing to answer.
	ParseInbound(raw []byte) (entities.InboundMessage, error)

	// FormatOutbound builds the platform send request for a reply.
	FormatOutbound(bot *entities.TenantBot, recipient, text string) entities.SendRequest
}

// PlatformSender executes outbound send requests against the platform API.
type PlatformSender interface {
	Send(ctx context.Context, req entities.SendRequest) error
}

// DedupStore records processed external message IDs. Claim is an atomic
// check-and-set keyed on (platform, externalID): true means this caller won
// the claim, false means the message was already processed.
type DedupStore interface {
	Claim(ctx context.Context, platform entities.Platform, externalID string) (bool, error)
}

// QuotaLedger is the exclusive writer of per-bot usage counters.
// Reserve atomically increments usage if below the cap and returns
// entities.ErrQuotaExceeded otherwise; it never overshoots under
// concurrent callers. Every reservation ends in exactly one Commit or
// Release.
type QuotaLedger interface {
	Reserve(ctx context.Context, botID int) (entities.QuotaReservation, error)
	Commit(ctx context.Context, r entities.QuotaReservation) error
	Release(ctx context.Context, r entities.QuotaReservation) error
}

// BotStore resolves tenant bots. Read-mostly; the pipeline only writes
// statistics and the deactivation flag.
type BotStore interface {
	ByPlatformID(ctx context.Context, platform entities.Platform, platformBotID string) (*entities.TenantBot, error)
	RecordReply(ctx context.Context, botID int) error
	Deactivate(ctx context.Context, botID int) error
}

// KnowledgeStore exposes read-only candidate search over a bot's knowledge
// base. Ranking and size bounding happen in the retriever usecase.
type KnowledgeStore interface {
	Search(ctx context.Context, botID int, query string, limit int) ([]entities.KnowledgeSnippet, error)
}

// HistoryStore keeps per-conversation turns for prompt context.
type HistoryStore interface {
	Recent(ctx context.Context, botID int, endUserID string, limit int) ([]entities.HistoryTurn, error)
	Append(ctx context.Context, botID int, endUserID, sessionID, role, text string) error
	SessionID(ctx context.Context, botID int, endUserID string) (string, error)
}

// MessageStore durably records inbound messages before the webhook ACKs.
type MessageStore interface {
	Save(ctx context.Context, msg *entities.InboundMessage) error
}

// AttemptStore tracks dispatch attempts through the state machine.
type AttemptStore interface {
	Create(ctx context.Context, a *entities.DispatchAttempt) error
	SetState(ctx context.Context, attemptID string, state entities.AttemptState) error
	Finish(ctx context.Context, a *entities.DispatchAttempt) error
}

// DeliveryQueue accepts outbound sends and guarantees bounded retry with
// dead-lettering; a delivered request is never re-sent.
type DeliveryQueue interface {
	Enqueue(req entities.SendRequest)
}

// DeadLetterStore parks deliveries that exhausted their retries.
type DeadLetterStore interface {
	Save(ctx context.Context, d *entities.DeadLetter) error
	List(ctx context.Context, limit int) ([]entities.DeadLetter, error)
}
