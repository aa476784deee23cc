package infrastructure

import (
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramWebhookManager registers and tears down per-bot webhooks with the
// Bot API. Inbound traffic then arrives on /webhook/telegram/:botid; this
// manager never polls.
type TelegramWebhookManager struct {
	mu      sync.RWMutex
	clients map[string]*tgbotapi.BotAPI // token -> client
	baseURL string                      // public https base, e.g. https://bots.example.com
}

func NewTelegramWebhookManager(baseURL string) *TelegramWebhookManager {
	return &TelegramWebhookManager{
		clients: make(map[string]*tgbotapi.BotAPI),
		baseURL: baseURL,
	}
}

func (m *TelegramWebhookManager) client(token string) (*tgbotapi.BotAPI, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bot, ok := m.clients[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	m.clients[token] = bot
	return bot, nil
}

// ValidateToken checks a token against the Bot API and returns the bot's
// username.
func (m *TelegramWebhookManager) ValidateToken(token string) (string, error) {
	bot, err := m.client(token)
	if err != nil {
		return "", err
	}
	return bot.Self.UserName, nil
}

// Register points the bot's webhook at this service. The secret token is
// echoed back by Telegram on every delivery and verified by the adapter.
func (m *TelegramWebhookManager) Register(token, platformBotID, secret string) error {
	bot, err := m.client(token)
	if err != nil {
		return err
	}

	// secret_token postdates the library's WebhookConfig, so the request
	// is built by hand.
	params := tgbotapi.Params{
		"url":             fmt.Sprintf("%s/webhook/telegram/%s", m.baseURL, platformBotID),
		"allowed_updates": `["message","edited_message"]`,
	}
	if secret != "" {
		params["secret_token"] = secret
	}
	if _, err := bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	return nil
}

// Unregister removes the bot's webhook (bot deletion or platform switch).
func (m *TelegramWebhookManager) Unregister(token string) error {
	bot, err := m.client(token)
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}

	m.mu.Lock()
	delete(m.clients, token)
	m.mu.Unlock()
	return nil
}

// Status reports the webhook state Telegram holds for the bot.
func (m *TelegramWebhookManager) Status(token string) (url string, pending int, err error) {
	bot, err := m.client(token)
	if err != nil {
		return "", 0, err
	}
	info, err := bot.GetWebhookInfo()
	if err != nil {
		return "", 0, err
	}
	return info.URL, info.PendingUpdateCount, nil
}
