package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"botfactory/internal/usecases"
)

// SetupRoutes wires the webhook edge and the management API onto the router.
func SetupRoutes(
	r *gin.Engine,
	webhooks *WebhookHandler,
	admin *AdminHandler,
	auth *usecases.AuthUsecase,
	middleware *Middleware,
) {
	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(10 << 20)) // 10MB max request size
	r.Use(middleware.CORSMiddleware())

	// Platform callbacks. These are authenticated per bot (signature or
	// secret token), not by JWT.
	r.POST("/webhook/telegram/:botid", webhooks.HandleTelegram)
	r.GET("/webhook/whatsapp", webhooks.HandleMetaVerify)
	r.POST("/webhook/whatsapp", webhooks.HandleWhatsApp)
	r.GET("/webhook/instagram", webhooks.HandleMetaVerify)
	r.POST("/webhook/instagram", webhooks.HandleInstagram)

	authGroup := r.Group("/api/auth")
	{
		authGroup.POST("/login", func(c *gin.Context) {
			var loginReq struct {
				Username string `json:"username"`
				Password string `json:"password"`
			}
			if err := c.ShouldBindJSON(&loginReq); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			token, err := auth.Login(c.Request.Context(), loginReq.Username, loginReq.Password)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"token": token})
		})

		authGroup.POST("/register", func(c *gin.Context) {
			var regReq struct {
				Username string `json:"username"`
				Password string `json:"password"`
			}
			if err := c.ShouldBindJSON(&regReq); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
				return
			}
			if !ValidSlug(regReq.Username) || len(regReq.Password) < 6 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid username or password (min 6 chars)"})
				return
			}
			if err := auth.Register(c.Request.Context(), regReq.Username, regReq.Password); err != nil {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusCreated, gin.H{"status": "registered"})
		})
	}

	api := r.Group("/api")
	api.Use(middleware.AuthRequired())
	api.Use(middleware.RateLimitPerUser(5, 10))
	{
		api.POST("/bots", admin.CreateBot)
		api.GET("/bots", admin.ListBots)
		api.GET("/bots/:id", admin.GetBot)
		api.PUT("/bots/:id/active", admin.SetBotActive)
		api.POST("/bots/:id/knowledge", admin.AddKnowledge)
		api.GET("/bots/:id/usage", admin.BotUsage)
		api.POST("/bots/:id/flood/reset", admin.ResetFlood)

		api.POST("/bots/:id/telegram/connect", admin.ConnectTelegram)
		api.GET("/bots/:id/telegram/status", admin.TelegramStatus)

		api.POST("/bots/:id/whatsapp/connect", admin.ConnectWhatsApp)
		api.GET("/bots/:id/whatsapp/qr", admin.WhatsAppQR)
		api.GET("/bots/:id/whatsapp/status", admin.WhatsAppStatus)
		api.POST("/bots/:id/whatsapp/logout", admin.WhatsAppLogout)

		api.GET("/deadletters", admin.ListDeadLetters)
		api.GET("/stats", admin.Stats)
	}
}
