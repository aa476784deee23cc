package entities

import "time"

// Platform identifies the messaging network a bot is bound to.
type Platform string

const (
	PlatformTelegram  Platform = "telegram"
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformInstagram Platform = "instagram"
)

// ValidPlatform reports whether p is one of the supported platforms.
func ValidPlatform(p Platform) bool {
	switch p {
	case PlatformTelegram, PlatformWhatsApp, PlatformInstagram:
		return true
	}
	return false
}

// PlanTier is the tenant's subscription level.
type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanStarter PlanTier = "starter"
	PlanBasic   PlanTier = "basic"
	PlanPremium PlanTier = "premium"
)

// MessageLimits maps plan tier to monthly message cap.
var MessageLimits = map[PlanTier]int{
	PlanFree:    100,
	PlanStarter: 1000,
	PlanBasic:   10000,
	PlanPremium: 100000,
}

// MessageLimitFor returns the monthly cap for a tier (free cap for unknown tiers).
func MessageLimitFor(tier PlanTier) int {
	if limit, ok := MessageLimits[tier]; ok {
		return limit
	}
	return MessageLimits[PlanFree]
}

// TenantBot is one configured chatbot instance belonging to one tenant,
// bound to exactly one (platform, platform bot identifier) pair.
type TenantBot struct {
	ID            int       `json:"id"`
	UserID        int       `json:"user_id"`
	Name          string    `json:"name"`
	Platform      Platform  `json:"platform"`
	PlatformBotID string    `json:"platform_bot_id"` // bot token ID / phone number ID / page ID
	CredentialRef string    `json:"-"`               // platform API token
	WebhookSecret string    `json:"-"`               // secret for webhook signature checks

	// AI configuration
	Language     string  `json:"language"` // uz / ru / en
	SystemPrompt string  `json:"system_prompt"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`

	// Behavior settings
	GreetingMessage string `json:"greeting_message"`
	FallbackMessage string `json:"fallback_message"` // overrides the built-in apology when set
	TypingIndicator bool   `json:"typing_indicator"`

	// Subscription / quota
	PlanTier     PlanTier `json:"plan_tier"`
	MessageLimit int      `json:"message_limit"`
	MessagesUsed int      `json:"messages_used"` // current period usage

	IsActive bool `json:"is_active"`

	// Statistics
	TotalMessages int64      `json:"total_messages"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// RemainingQuota returns how many messages the bot may still handle this period.
func (b *TenantBot) RemainingQuota() int {
	remaining := b.MessageLimit - b.MessagesUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
