package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"botfactory/internal/entities"
)

// InstagramAdapter normalizes Instagram Messaging webhook payloads (Meta
// Graph API, same envelope family as WhatsApp Cloud).
type InstagramAdapter struct{}

func NewInstagramAdapter() *InstagramAdapter { return &InstagramAdapter{} }

func (a *InstagramAdapter) Platform() entities.Platform { return entities.PlatformInstagram }

func (a *InstagramAdapter) VerifyInbound(secret string, body []byte, signature string) error {
	return verifyMetaSignature(secret, body, signature)
}

type instagramPayload struct {
	Entry []struct {
		ID        string `json:"id"` // page / professional account ID
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Message struct {
				MID  string `json:"mid"`
				Text string `json:"text"`
				IsEcho bool `json:"is_echo"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

func (a *InstagramAdapter) ParseInbound(raw []byte) (entities.InboundMessage, error) {
	var payload instagramPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return entities.InboundMessage{}, fmt.Errorf("instagram payload: %w", err)
	}

	for _, entry := range payload.Entry {
		for _, m := range entry.Messaging {
			// Echoes are our own outbound messages reflected back.
			if m.Message.IsEcho || m.Message.Text == "" {
				continue
			}
			if m.Message.MID == "" {
				return entities.InboundMessage{}, entities.ErrMissingMessageID
			}
			return entities.InboundMessage{
				ExternalID:    m.Message.MID,
				Platform:      entities.PlatformInstagram,
				PlatformBotID: entry.ID,
				EndUserID:     m.Sender.ID,
				Text:          m.Message.Text,
				ReceivedAt:    time.Now().UTC(),
				RawPayload:    raw,
			}, nil
		}
	}
	return entities.InboundMessage{}, entities.ErrNoTextMessage
}

func (a *InstagramAdapter) FormatOutbound(bot *entities.TenantBot, recipient, text string) entities.SendRequest {
	return entities.SendRequest{
		Platform:      entities.PlatformInstagram,
		BotID:         bot.ID,
		PlatformBotID: bot.PlatformBotID,
		CredentialRef: bot.CredentialRef,
		Recipient:     recipient,
		Text:          text,
	}
}

// InstagramSender posts replies through the Graph API me/messages endpoint.
type InstagramSender struct {
	httpClient *http.Client
	baseURL    string
}

func NewInstagramSender() *InstagramSender {
	return &InstagramSender{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    "https://graph.facebook.com/v18.0",
	}
}

func (s *InstagramSender) Send(ctx context.Context, req entities.SendRequest) error {
	url := fmt.Sprintf("%s/me/messages?access_token=%s", s.baseURL, req.CredentialRef)
	payload := map[string]interface{}{
		"recipient": map[string]string{"id": req.Recipient},
		"message":   map[string]string{"text": req.Text},
	}
	data, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("instagram send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("instagram send: status %d: %s", resp.StatusCode, body)
	}
	return nil
}
