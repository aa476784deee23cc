package entities

import "time"

// InboundMessage is the canonical envelope every platform payload is
// normalized into. Immutable once created.
type InboundMessage struct {
	ID         int64     `json:"id"`
	ExternalID string    `json:"external_id"` // platform-scoped message ID, dedup key
	BotID      int       `json:"bot_id"`
	Platform   Platform  `json:"platform"`
	// PlatformBotID is the bot identity the payload addressed; filled by
	// the adapter (Meta payloads) or the route (Telegram) for bot lookup.
	PlatformBotID string    `json:"-"`
	EndUserID     string    `json:"end_user_id"` // sender's ID on the platform
	Text          string    `json:"text"`
	ReceivedAt    time.Time `json:"received_at"`
	RawPayload    []byte    `json:"-"`
}

// AttemptState is one step of the dispatch state machine.
type AttemptState string

const (
	StateReceived   AttemptState = "received"
	StateDeduped    AttemptState = "deduped" // terminal no-op: duplicate delivery
	StateReserving  AttemptState = "reserving"
	StateReserved   AttemptState = "reserved"
	StateRetrieving AttemptState = "retrieving"
	StateGenerating AttemptState = "generating"
	StateDelivering AttemptState = "delivering"
	StateSucceeded  AttemptState = "succeeded"
	StateFailed     AttemptState = "failed"
)

// Terminal reports whether the state ends the attempt.
func (s AttemptState) Terminal() bool {
	return s == StateDeduped || s == StateSucceeded || s == StateFailed
}

// DispatchAttempt is one attempt to process an InboundMessage.
type DispatchAttempt struct {
	ID              string        `json:"id"` // uuid
	MessageID       int64         `json:"message_id"`
	BotID           int           `json:"bot_id"`
	State           AttemptState  `json:"state"`
	ReplyText       string        `json:"reply_text"`
	Fallback        bool          `json:"fallback"` // reply was a fixed fallback, not generated
	ProviderLatency time.Duration `json:"provider_latency_ns"`
	ErrorDetail     string        `json:"error_detail,omitempty"`
	DeliveryStatus  string        `json:"delivery_status,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// QuotaReservation is a provisional claim on one unit of a bot's monthly
// allowance. It lives for the duration of one dispatch and must end as
// exactly one of committed or released.
type QuotaReservation struct {
	ID        int64  `json:"id"`
	BotID     int    `json:"bot_id"`
	PeriodKey string `json:"period_key"` // YYYY-MM
}

// PeriodKey returns the billing period key for a point in time.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// HistoryTurn is one prior exchange in an end-user conversation.
type HistoryTurn struct {
	Role      string    `json:"role"` // user / assistant
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Prompt is the assembled input for one AI generation call.
type Prompt struct {
	System      string
	Context     []string // knowledge snippets, highest ranked first
	History     []HistoryTurn
	UserMessage string
	Temperature float64
	MaxTokens   int
}

// SendRequest is a platform-specific outbound delivery, produced by the
// adapter and executed by the sender. AttemptID makes delivery idempotent.
type SendRequest struct {
	AttemptID     string   `json:"attempt_id"`
	Platform      Platform `json:"platform"`
	BotID         int      `json:"bot_id"`
	PlatformBotID string   `json:"platform_bot_id"` // phone number ID / page ID for Meta send URLs
	CredentialRef string   `json:"-"`
	Recipient     string   `json:"recipient"`
	Text          string   `json:"text"`
}

// DeadLetter is a delivery that exhausted its retries and was parked for
// manual follow-up. Never silently dropped.
type DeadLetter struct {
	ID        int64     `json:"id"`
	AttemptID string    `json:"attempt_id"`
	BotID     int       `json:"bot_id"`
	Platform  Platform  `json:"platform"`
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
}
