package infrastructure

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"botfactory/internal/entities"
)

// verifyMetaSignature checks the X-Hub-Signature-256 header Meta attaches
// to WhatsApp and Instagram webhooks: "sha256=" + HMAC-SHA256(body, secret).
func verifyMetaSignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return nil
	}
	signature = strings.TrimPrefix(signature, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return entities.ErrBadSignature
	}
	return nil
}

// WhatsAppCloudAdapter normalizes WhatsApp Business Cloud API payloads.
type WhatsAppCloudAdapter struct{}

func NewWhatsAppCloudAdapter() *WhatsAppCloudAdapter { return &WhatsAppCloudAdapter{} }

func (a *WhatsAppCloudAdapter) Platform() entities.Platform { return entities.PlatformWhatsApp }

func (a *WhatsAppCloudAdapter) VerifyInbound(secret string, body []byte, signature string) error {
	return verifyMetaSignature(secret, body, signature)
}

// whatsAppPayload mirrors the slice of the Cloud API webhook body we need.
type whatsAppPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []struct {
					ID   string `json:"id"`
					From string `json:"from"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func (a *WhatsAppCloudAdapter) ParseInbound(raw []byte) (entities.InboundMessage, error) {
	var payload whatsAppPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return entities.InboundMessage{}, fmt.Errorf("whatsapp payload: %w", err)
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				if m.Type != "text" || m.Text.Body == "" {
					continue
				}
				if m.ID == "" {
					return entities.InboundMessage{}, entities.ErrMissingMessageID
				}
				return entities.InboundMessage{
					ExternalID:    m.ID,
					Platform:      entities.PlatformWhatsApp,
					PlatformBotID: change.Value.Metadata.PhoneNumberID,
					EndUserID:     m.From,
					Text:          m.Text.Body,
					ReceivedAt:    time.Now().UTC(),
					RawPayload:    raw,
				}, nil
			}
		}
	}
	// Status updates and media-only events end up here.
	return entities.InboundMessage{}, entities.ErrNoTextMessage
}

func (a *WhatsAppCloudAdapter) FormatOutbound(bot *entities.TenantBot, recipient, text string) entities.SendRequest {
	return entities.SendRequest{
		Platform:      entities.PlatformWhatsApp,
		BotID:         bot.ID,
		PlatformBotID: bot.PlatformBotID,
		CredentialRef: bot.CredentialRef,
		Recipient:     recipient,
		Text:          text,
	}
}

// WhatsAppCloudSender posts replies to the Graph API messages endpoint.
type WhatsAppCloudSender struct {
	httpClient *http.Client
	baseURL    string
}

func NewWhatsAppCloudSender() *WhatsAppCloudSender {
	return &WhatsAppCloudSender{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    "https://graph.facebook.com/v18.0",
	}
}

func (w *WhatsAppCloudSender) Send(ctx context.Context, req entities.SendRequest) error {
	url := fmt.Sprintf("%s/%s/messages", w.baseURL, req.PlatformBotID)
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                req.Recipient,
		"type":              "text",
		"text": map[string]string{
			"body": req.Text,
		},
	}
	data, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.CredentialRef)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("whatsapp send: status %d: %s", resp.StatusCode, body)
	}
	return nil
}
