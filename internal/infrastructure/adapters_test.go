package infrastructure

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"botfactory/internal/entities"
)

func TestTelegramParseInbound(t *testing.T) {
	adapter := NewTelegramAdapter()

	payload := []byte(`{
		"update_id": 873412,
		"message": {
			"message_id": 5,
			"chat": {"id": 987654321},
			"text": "salom"
		}
	}`)

	msg, err := adapter.ParseInbound(payload)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ExternalID != "873412" {
		t.Errorf("external id = %q, want update_id", msg.ExternalID)
	}
	if msg.EndUserID != "987654321" {
		t.Errorf("end user = %q", msg.EndUserID)
	}
	if msg.Text != "salom" {
		t.Errorf("text = %q", msg.Text)
	}
	if msg.Platform != entities.PlatformTelegram {
		t.Errorf("platform = %q", msg.Platform)
	}
}

func TestTelegramParseInboundErrors(t *testing.T) {
	adapter := NewTelegramAdapter()

	// No update_id: nothing stable to dedup on.
	if _, err := adapter.ParseInbound([]byte(`{"message":{"chat":{"id":1},"text":"x"}}`)); !errors.Is(err, entities.ErrMissingMessageID) {
		t.Errorf("want ErrMissingMessageID, got %v", err)
	}
	// Sticker/photo updates carry no text.
	if _, err := adapter.ParseInbound([]byte(`{"update_id":5,"message":{"chat":{"id":1}}}`)); !errors.Is(err, entities.ErrNoTextMessage) {
		t.Errorf("want ErrNoTextMessage, got %v", err)
	}
	if _, err := adapter.ParseInbound([]byte(`not json`)); err == nil {
		t.Error("malformed payload must error")
	}
}

func TestTelegramVerifySecretToken(t *testing.T) {
	adapter := NewTelegramAdapter()

	if err := adapter.VerifyInbound("s3cret", nil, "s3cret"); err != nil {
		t.Errorf("matching secret rejected: %v", err)
	}
	if err := adapter.VerifyInbound("s3cret", nil, "wrong"); !errors.Is(err, entities.ErrBadSignature) {
		t.Errorf("want ErrBadSignature, got %v", err)
	}
	// No secret configured: check is skipped.
	if err := adapter.VerifyInbound("", nil, ""); err != nil {
		t.Errorf("empty secret should skip verification: %v", err)
	}
}

func metaSign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestMetaSignatureVerification(t *testing.T) {
	adapter := NewWhatsAppCloudAdapter()
	body := []byte(`{"entry":[]}`)

	if err := adapter.VerifyInbound("app-secret", body, metaSign("app-secret", body)); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := adapter.VerifyInbound("app-secret", body, metaSign("other", body)); !errors.Is(err, entities.ErrBadSignature) {
		t.Errorf("want ErrBadSignature, got %v", err)
	}
	if err := adapter.VerifyInbound("app-secret", body, "sha256=zz"); !errors.Is(err, entities.ErrBadSignature) {
		t.Errorf("want ErrBadSignature, got %v", err)
	}
}

func TestWhatsAppCloudParseInbound(t *testing.T) {
	adapter := NewWhatsAppCloudAdapter()

	payload := []byte(`{
		"entry": [{
			"changes": [{
				"value": {
					"metadata": {"phone_number_id": "998900001122"},
					"messages": [{
						"id": "wamid.ABC123",
						"from": "998911234567",
						"type": "text",
						"text": {"body": "narxi qancha?"}
					}]
				}
			}]
		}]
	}`)

	msg, err := adapter.ParseInbound(payload)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ExternalID != "wamid.ABC123" {
		t.Errorf("external id = %q", msg.ExternalID)
	}
	if msg.PlatformBotID != "998900001122" {
		t.Errorf("platform bot id = %q, want phone_number_id", msg.PlatformBotID)
	}
	if msg.EndUserID != "998911234567" || msg.Text != "narxi qancha?" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestWhatsAppCloudIgnoresStatusUpdates(t *testing.T) {
	adapter := NewWhatsAppCloudAdapter()

	// Delivery receipts carry statuses, not messages.
	payload := []byte(`{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.X","status":"delivered"}]}}]}]}`)
	if _, err := adapter.ParseInbound(payload); !errors.Is(err, entities.ErrNoTextMessage) {
		t.Errorf("want ErrNoTextMessage, got %v", err)
	}

	// Non-text messages are skipped too.
	payload = []byte(`{"entry":[{"changes":[{"value":{"messages":[{"id":"wamid.Y","from":"1","type":"image"}]}}]}]}`)
	if _, err := adapter.ParseInbound(payload); !errors.Is(err, entities.ErrNoTextMessage) {
		t.Errorf("want ErrNoTextMessage, got %v", err)
	}
}

func TestInstagramParseInbound(t *testing.T) {
	adapter := NewInstagramAdapter()

	payload := []byte(`{
		"entry": [{
			"id": "17890000000000000",
			"messaging": [{
				"sender": {"id": "555777999"},
				"message": {"mid": "mid.abc", "text": "is this available?"}
			}]
		}]
	}`)

	msg, err := adapter.ParseInbound(payload)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ExternalID != "mid.abc" || msg.PlatformBotID != "17890000000000000" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.EndUserID != "555777999" {
		t.Errorf("end user = %q", msg.EndUserID)
	}
}

func TestInstagramSkipsEchoes(t *testing.T) {
	adapter := NewInstagramAdapter()

	// Our own outbound messages come back flagged as echoes.
	payload := []byte(`{
		"entry": [{
			"id": "178",
			"messaging": [{
				"sender": {"id": "self"},
				"message": {"mid": "mid.echo", "text": "we sent this", "is_echo": true}
			}]
		}]
	}`)
	if _, err := adapter.ParseInbound(payload); !errors.Is(err, entities.ErrNoTextMessage) {
		t.Errorf("want ErrNoTextMessage, got %v", err)
	}
}

func TestFloodLimiter(t *testing.T) {
	fl := NewFloodLimiter(1, 2)

	if !fl.Allow("telegram:1") || !fl.Allow("telegram:1") {
		t.Fatal("burst should allow 2 messages")
	}
	if fl.Allow("telegram:1") {
		t.Error("third immediate message should be limited")
	}
	// Other users are unaffected.
	if !fl.Allow("telegram:2") {
		t.Error("independent key should have its own bucket")
	}
	// Reset gives the user a fresh bucket.
	fl.Reset("telegram:1")
	if !fl.Allow("telegram:1") {
		t.Error("reset key should be allowed again")
	}
}
