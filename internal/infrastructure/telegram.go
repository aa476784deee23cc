package infrastructure

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"botfactory/internal/entities"
)

// TelegramAdapter normalizes Telegram Bot API webhook updates. The bot is
// identified by the token in the webhook path, so ParseInbound leaves
// PlatformBotID for the route handler to fill.
type TelegramAdapter struct{}

func NewTelegramAdapter() *TelegramAdapter { return &TelegramAdapter{} }

func (a *TelegramAdapter) Platform() entities.Platform { return entities.PlatformTelegram }

// VerifyInbound checks the X-Telegram-Bot-Api-Secret-Token header set when
// the webhook was registered. Bots without a secret skip the check.
func (a *TelegramAdapter) VerifyInbound(secret string, body []byte, signature string) error {
	if secret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(signature)) != 1 {
		return entities.ErrBadSignature
	}
	return nil
}

// ParseInbound extracts the canonical message from an Update. The update_id
// is Telegram's stable retry key and becomes the dedup external ID.
func (a *TelegramAdapter) ParseInbound(raw []byte) (entities.InboundMessage, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return entities.InboundMessage{}, fmt.Errorf("telegram payload: %w", err)
	}
	if update.UpdateID == 0 {
		return entities.InboundMessage{}, entities.ErrMissingMessageID
	}

	message := update.Message
	if message == nil {
		message = update.EditedMessage
	}
	if message == nil || message.Text == "" {
		return entities.InboundMessage{}, entities.ErrNoTextMessage
	}

	return entities.InboundMessage{
		ExternalID: strconv.Itoa(update.UpdateID),
		Platform:   entities.PlatformTelegram,
		EndUserID:  strconv.FormatInt(message.Chat.ID, 10),
		Text:       message.Text,
		ReceivedAt: time.Now().UTC(),
		RawPayload: raw,
	}, nil
}

func (a *TelegramAdapter) FormatOutbound(bot *entities.TenantBot, recipient, text string) entities.SendRequest {
	return entities.SendRequest{
		Platform:      entities.PlatformTelegram,
		BotID:         bot.ID,
		PlatformBotID: bot.PlatformBotID,
		CredentialRef: bot.CredentialRef,
		Recipient:     recipient,
		Text:          text,
	}
}

// TelegramSender delivers replies through the Bot API, caching one client
// per bot token.
type TelegramSender struct {
	mu      sync.Mutex
	clients map[string]*tgbotapi.BotAPI
}

func NewTelegramSender() *TelegramSender {
	return &TelegramSender{clients: make(map[string]*tgbotapi.BotAPI)}
}

func (t *TelegramSender) client(token string) (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bot, ok := t.clients[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram client: %w", err)
	}
	t.clients[token] = bot
	return bot, nil
}

func (t *TelegramSender) Send(ctx context.Context, req entities.SendRequest) error {
	bot, err := t.client(req.CredentialRef)
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(req.Recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram recipient %q: %w", req.Recipient, err)
	}
	msg := tgbotapi.NewMessage(chatID, req.Text)
	_, err = bot.Send(msg)
	return err
}

// SendTyping shows the typing indicator while a reply is being generated.
func (t *TelegramSender) SendTyping(ctx context.Context, token, recipient string) {
	bot, err := t.client(token)
	if err != nil {
		return
	}
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return
	}
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = bot.Request(action)
}
