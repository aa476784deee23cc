package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"botfactory/internal/entities"
	"botfactory/internal/infrastructure"
	"botfactory/internal/interfaces"
	"botfactory/internal/repository"
)

// AdminHandler serves the tenant management API: bot lifecycle, knowledge
// base writes, WhatsApp pairing and operational visibility.
type AdminHandler struct {
	botRepo     *repository.BotRepository
	knowledge   *repository.KnowledgeRepository
	usage       *repository.UsageRepository
	deadLetters interfaces.DeadLetterStore
	waManager   *infrastructure.WhatsAppSessionManager
	tgWebhooks  *infrastructure.TelegramWebhookManager
	flood       *infrastructure.FloodLimiter
}

func NewAdminHandler(
	botRepo *repository.BotRepository,
	knowledge *repository.KnowledgeRepository,
	usage *repository.UsageRepository,
	deadLetters interfaces.DeadLetterStore,
	waManager *infrastructure.WhatsAppSessionManager,
	tgWebhooks *infrastructure.TelegramWebhookManager,
	flood *infrastructure.FloodLimiter,
) *AdminHandler {
	return &AdminHandler{
		botRepo:     botRepo,
		knowledge:   knowledge,
		usage:       usage,
		deadLetters: deadLetters,
		waManager:   waManager,
		tgWebhooks:  tgWebhooks,
		flood:       flood,
	}
}

// userID extracts the authenticated tenant ID set by AuthRequired.
// JWT numeric claims decode as float64.
func userID(c *gin.Context) int {
	if v, ok := c.Get("user_id"); ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
	}
	return 0
}

func isAdmin(c *gin.Context) bool {
	role, _ := c.Get("role")
	return role == "admin"
}

// ownedBot loads a bot from the :id param and checks the caller owns it.
func (h *AdminHandler) ownedBot(c *gin.Context) (*entities.TenantBot, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bot id"})
		return nil, false
	}
	bot, err := h.botRepo.ByID(c.Request.Context(), id)
	if errors.Is(err, entities.ErrBotNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return nil, false
	}
	if bot.UserID != userID(c) && !isAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your bot"})
		return nil, false
	}
	return bot, true
}

type createBotRequest struct {
	Name          string  `json:"name" binding:"required"`
	Platform      string  `json:"platform" binding:"required"`
	PlatformBotID string  `json:"platform_bot_id"`
	CredentialRef string  `json:"credential_ref"`
	WebhookSecret string  `json:"webhook_secret"`
	Language      string  `json:"language"`
	SystemPrompt  string  `json:"system_prompt"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
	PlanTier      string  `json:"plan_tier"`
}

func (h *AdminHandler) CreateBot(c *gin.Context) {
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	platform := entities.Platform(req.Platform)
	if !entities.ValidPlatform(platform) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported platform"})
		return
	}

	bot := &entities.TenantBot{
		UserID:        userID(c),
		Name:          SanitizeString(req.Name),
		Platform:      platform,
		PlatformBotID: req.PlatformBotID,
		CredentialRef: req.CredentialRef,
		WebhookSecret: req.WebhookSecret,
		Language:      req.Language,
		SystemPrompt:  SanitizeString(req.SystemPrompt),
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		PlanTier:      entities.PlanTier(req.PlanTier),
	}
	if bot.Language == "" {
		bot.Language = "uz"
	}
	if bot.PlanTier == "" {
		bot.PlanTier = entities.PlanFree
	}
	if bot.MaxTokens == 0 {
		bot.MaxTokens = 1024
	}

	if err := h.botRepo.Create(c.Request.Context(), bot); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "bot already registered for this platform identity"})
		return
	}
	c.JSON(http.StatusCreated, bot)
}

func (h *AdminHandler) ListBots(c *gin.Context) {
	bots, err := h.botRepo.ListByUser(c.Request.Context(), userID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list bots"})
		return
	}
	c.JSON(http.StatusOK, bots)
}

func (h *AdminHandler) GetBot(c *gin.Context) {
	bot, ok := h.ownedBot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, bot)
}

// SetBotActive flips the pipeline flag, e.g. to re-enable a bot after a
// quota deactivation once the plan was upgraded.
func (h *AdminHandler) SetBotActive(c *gin.Context) {
	bot, ok := h.ownedBot(c)
	if !ok {
		return
	}
	var req struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := h.botRepo.SetActive(c.Request.Context(), bot.ID, req.Active); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type addKnowledgeRequest struct {
	Kind     string `json:"kind" binding:"required"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Price    string `json:"price"`
}

func (h *AdminHandler) AddKnowledge(c *gin.Context) {
	bot, ok := h.ownedBot(c)
	if !ok {
		return
	}
	var req addKnowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	snippet := &entities.KnowledgeSnippet{
		BotID:    bot.ID,
		Kind:     entities.SnippetKind(req.Kind),
		Title:    SanitizeString(req.Title),
		Content:  SanitizeString(req.Content),
		Question: SanitizeString(req.Question),
		Answer:   SanitizeString(req.Answer),
		Price:    req.Price,
	}
	switch snippet.Kind {
	case entities.SnippetFAQ:
		if snippet.Question == "" || snippet.Answer == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "faq needs question and answer"})
			return
		}
	case entities.SnippetText, entities.SnippetProduct:
		if snippet.Content == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "content required"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind"})
		return
	}

	if err := h.knowledge.Add(c.Request.Context(), snippet); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "insert failed"})
		return
	}
	c.JSON(http.StatusCreated, snippet)
}

// BotUsage returns the bot's quota position and recent daily activity.
func (h *AdminHandler) BotUsage(c *gin.Context) {
	bot, ok := h.ownedBot(c)
	if !ok {
		return
	}
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	history, err := h.usage.History(c.Request.Context(), bot.ID, days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"quota":   h.usage.Quota(c.Request.Context(), bot),
		"history": history,
	})
}

// ConnectTelegram validates the bot token and registers the webhook with
// the Bot API.
func (h *AdminHandler) ConnectTelegram(c *gin.Context) {
	bot, ok := h.ownedBot(c)
	if !ok {
		return
	}
	if bot.Platform != entities.PlatformTelegram {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a telegram bot"})
		return
	}
	username, err := h.tgWebhooks.ValidateToken(bot.CredentialRef)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.tgWebhooks.Register(bot.CredentialRef, bot.PlatformBotID, bot.WebhookSecret); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "webhook_registered", "bot_username": username})
}

// TelegramStatus reports the webhook Telegram currently holds for the bot.
func (h *AdminHandler) TelegramStatus(c *gin.Context) {
	bot, ok := h.ownedBot(c)
	if !ok {
		return
	}
	if bot.Platform != entities.PlatformTelegram {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a telegram bot"})
		return
	}
	url, pending, err := h.tgWebhooks.Status(bot.CredentialRef)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook_url": url, "pending_updates": pending})
}

// ListDeadLetters exposes undeliverable replies for manual follow-up.
func (h *AdminHandler) ListDeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	letters, err := h.deadLetters.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list dead letters"})
		return
	}
	c.JSON(http.StatusOK, letters)
}

// ConnectWhatsApp starts (or resumes) the bot's personal WhatsApp session.
func (h *AdminHandler) ConnectWhatsApp(c *gin.Context) {
	bot, ok := h.ownedBot(c)
	if !ok {
		return
	}
	if bot.Platform != entities.PlatformWhatsApp {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a whatsapp bot"})
		return
	}
	session, err := h.waManager.Connect(bot.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logged_in": session.IsLoggedIn(),
		"connected": session.IsConnected(),
	})
}

// WhatsAppQR returns the pending pairing code as a PNG.
func (h *AdminHandler) WhatsAppQR(c *gin.Context) {
	bot, ok := h.ownedBot(c)
	if !ok {
		return
	}
	session := h.waManager.Session(bot.ID)
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not started"})
		return
	}
	code := session.GetQR()
	if code == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no QR pending (already paired?)"})
		return
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "QR encoding failed"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *AdminHandler) WhatsAppStatus(c *gin.Context) {
	bot, ok := h.ownedBot(c)
	if !ok {
		return
	}
	session := h.waManager.Session(bot.ID)
	if session == nil {
		c.JSON(http.StatusOK, gin.H{"connected": false, "logged_in": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connected": session.IsConnected(),
		"logged_in": session.IsLoggedIn(),
		"phone":     session.PhoneNumber(),
	})
}

func (h *AdminHandler) WhatsAppLogout(c *gin.Context) {
	bot, ok := h.ownedBot(c)
	if !ok {
		return
	}
	if err := h.waManager.Logout(bot.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

// ResetFlood clears the flood limiter for one of the bot's end users, so
// support can unblock a chatter who tripped the limit.
func (h *AdminHandler) ResetFlood(c *gin.Context) {
	bot, ok := h.ownedBot(c)
	if !ok {
		return
	}
	var req struct {
		EndUserID string `json:"end_user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	h.flood.Reset(string(bot.Platform) + ":" + req.EndUserID)
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// Stats reports runtime counters for the operator.
func (h *AdminHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"whatsapp_sessions": len(h.waManager.ConnectedBots()),
		"flood_limiter":     h.flood.Stats(),
	})
}
