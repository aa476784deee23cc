package http

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"botfactory/internal/entities"
	"botfactory/internal/infrastructure"
	"botfactory/internal/interfaces"
	"botfactory/internal/usecases"
)

// WebhookHandler is the inbound edge of the dispatch pipeline. It parses
// and authenticates platform callbacks, durably records the message, queues
// it for processing and ACKs. Everything heavy happens off the request path.
type WebhookHandler struct {
	adapters   map[entities.Platform]interfaces.PlatformAdapter
	bots       interfaces.BotStore
	messages   interfaces.MessageStore
	dispatcher *usecases.DispatchService
	flood      *infrastructure.FloodLimiter
	telegram   *infrastructure.TelegramSender

	metaVerifyToken string
}

func NewWebhookHandler(
	adapters map[entities.Platform]interfaces.PlatformAdapter,
	bots interfaces.BotStore,
	messages interfaces.MessageStore,
	dispatcher *usecases.DispatchService,
	flood *infrastructure.FloodLimiter,
	telegram *infrastructure.TelegramSender,
	metaVerifyToken string,
) *WebhookHandler {
	return &WebhookHandler{
		adapters:        adapters,
		bots:            bots,
		messages:        messages,
		dispatcher:      dispatcher,
		flood:           flood,
		telegram:        telegram,
		metaVerifyToken: metaVerifyToken,
	}
}

// HandleTelegram serves POST /webhook/telegram/:botid. Telegram payloads do
// not carry the bot identity, so it comes from the registered webhook path.
func (h *WebhookHandler) HandleTelegram(c *gin.Context) {
	h.handleInbound(c, entities.PlatformTelegram, c.Param("botid"),
		c.GetHeader("X-Telegram-Bot-Api-Secret-Token"))
}

// HandleWhatsApp serves POST /webhook/whatsapp (Cloud API).
func (h *WebhookHandler) HandleWhatsApp(c *gin.Context) {
	h.handleInbound(c, entities.PlatformWhatsApp, "", c.GetHeader("X-Hub-Signature-256"))
}

// HandleInstagram serves POST /webhook/instagram.
func (h *WebhookHandler) HandleInstagram(c *gin.Context) {
	h.handleInbound(c, entities.PlatformInstagram, "", c.GetHeader("X-Hub-Signature-256"))
}

// HandleMetaVerify answers the GET subscription handshake Meta performs
// when a webhook URL is registered.
func (h *WebhookHandler) HandleMetaVerify(c *gin.Context) {
	if c.Query("hub.mode") == "subscribe" && c.Query("hub.verify_token") == h.metaVerifyToken {
		c.String(http.StatusOK, c.Query("hub.challenge"))
		return
	}
	c.String(http.StatusForbidden, "verification failed")
}

// handleInbound runs the shared webhook path: parse, resolve bot, verify,
// flood-check, persist, queue. The 200 ACK means "recorded", not "replied".
func (h *WebhookHandler) handleInbound(c *gin.Context, platform entities.Platform, platformBotID, signature string) {
	adapter, ok := h.adapters[platform]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unsupported platform"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	msg, err := adapter.ParseInbound(body)
	switch {
	case errors.Is(err, entities.ErrNoTextMessage):
		// Status updates, media, echoes: nothing to answer, ACK and move on.
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	case errors.Is(err, entities.ErrMissingMessageID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload has no message id"})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	if platformBotID != "" {
		msg.PlatformBotID = platformBotID
	}

	bot, err := h.bots.ByPlatformID(c.Request.Context(), platform, msg.PlatformBotID)
	if err != nil {
		// Unknown or deactivated bot. ACK so the platform stops retrying a
		// payload we will never be able to route.
		log.Printf("[webhook] no active bot for %s/%s", platform, msg.PlatformBotID)
		c.JSON(http.StatusOK, gin.H{"status": "no_bot"})
		return
	}

	if err := adapter.VerifyInbound(bot.WebhookSecret, body, signature); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	if !h.flood.Allow(string(platform) + ":" + msg.EndUserID) {
		// Silently dropped: answering a flooder just feeds the flood.
		c.JSON(http.StatusOK, gin.H{"status": "flood_limited"})
		return
	}

	msg.BotID = bot.ID
	if err := h.messages.Save(c.Request.Context(), &msg); err != nil {
		// Not recorded means not ACKed; the platform will redeliver and
		// dedup will sort out the copies.
		log.Printf("[webhook] persist message %s: %v", msg.ExternalID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}

	if bot.TypingIndicator && platform == entities.PlatformTelegram && h.telegram != nil {
		h.telegram.SendTyping(c.Request.Context(), bot.CredentialRef, msg.EndUserID)
	}

	if !h.dispatcher.Submit(bot, msg) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}
