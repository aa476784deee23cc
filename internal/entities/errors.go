package entities

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingMessageID rejects payloads without a stable external
	// message ID; without one the dedup guarantee cannot hold.
	ErrMissingMessageID = errors.New("payload missing external message id")

	// ErrNoTextMessage marks payloads that carry no processable text
	// (status updates, media-only events). Not an error condition for
	// the webhook, the event is simply skipped.
	ErrNoTextMessage = errors.New("payload contains no text message")

	// ErrBadSignature rejects webhooks that fail signature verification.
	ErrBadSignature = errors.New("webhook signature verification failed")

	// ErrBotNotFound means no active bot binds the (platform, bot id) pair.
	ErrBotNotFound = errors.New("bot not found")

	// ErrQuotaExceeded is the expected business outcome when a bot's
	// monthly cap is exhausted. Produces the limit-reached fallback reply.
	ErrQuotaExceeded = errors.New("monthly message quota exceeded")
)

// ProviderError wraps an AI provider failure. Transient errors (timeouts,
// 5xx, rate limits) are retried within the dispatch budget; permanent ones
// (bad credentials, policy rejection) fail fast to the fallback reply.
type ProviderError struct {
	Transient bool
	Detail    string
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Err != nil {
		return fmt.Sprintf("provider error (%s): %s: %v", kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("provider error (%s): %s", kind, e.Detail)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError builds a ProviderError wrapping err.
func NewProviderError(transient bool, detail string, err error) *ProviderError {
	return &ProviderError{Transient: transient, Detail: detail, Err: err}
}

// IsTransientProviderError reports whether err is a retryable provider failure.
func IsTransientProviderError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}
