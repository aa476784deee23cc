package main

import (
	"context"
	"errors"
	"log"
	nethttp "net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"botfactory/internal/entities"
	"botfactory/internal/infrastructure"
	"botfactory/internal/interfaces"
	"botfactory/internal/interfaces/http"
	"botfactory/internal/repository"
	"botfactory/internal/usecases"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using environment as-is")
	}
	cfg := infrastructure.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := infrastructure.NewPostgresClient(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer pg.Close()

	// Repositories
	userRepo := repository.NewUserRepository(pg.Pool)
	botRepo := repository.NewBotRepository(pg.Pool)
	knowledgeRepo := repository.NewKnowledgeRepository(pg.Pool)
	historyRepo := repository.NewHistoryRepository(pg.Pool)
	dedupRepo := repository.NewDedupRepository(pg.Pool, cfg.DedupTTL)
	quotaLedger := repository.NewQuotaLedger(pg.Pool)
	attemptRepo := repository.NewAttemptRepository(pg.Pool)
	messageRepo := repository.NewMessageRepository(pg.Pool)
	deadLetterRepo := repository.NewDeadLetterRepository(pg.Pool)
	usageRepo := repository.NewUsageRepository(pg.Pool)

	// AI provider
	var provider interfaces.AIProvider
	switch cfg.AIProvider {
	case "openai":
		provider = infrastructure.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)
	default:
		provider = infrastructure.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiModel)
	}

	// Platform adapters and senders
	adapters := map[entities.Platform]interfaces.PlatformAdapter{
		entities.PlatformTelegram:  infrastructure.NewTelegramAdapter(),
		entities.PlatformWhatsApp:  infrastructure.NewWhatsAppCloudAdapter(),
		entities.PlatformInstagram: infrastructure.NewInstagramAdapter(),
	}

	telegramSender := infrastructure.NewTelegramSender()
	waManager := infrastructure.NewWhatsAppSessionManager(cfg.WADeviceDir)
	senders := map[entities.Platform]interfaces.PlatformSender{
		entities.PlatformTelegram:  telegramSender,
		entities.PlatformWhatsApp:  infrastructure.NewWhatsAppSender(waManager, infrastructure.NewWhatsAppCloudSender()),
		entities.PlatformInstagram: infrastructure.NewInstagramSender(),
	}

	// Pipeline services
	delivery := usecases.NewDeliveryService(usecases.DeliveryConfig{
		MaxAttempts: cfg.DeliveryMaxAttempts,
		Window:      cfg.DeliveryWindow,
		BaseDelay:   cfg.DeliveryBaseDelay,
	}, senders, attemptRepo, deadLetterRepo)

	retriever := usecases.NewRetriever(knowledgeRepo)
	dispatcher := usecases.NewDispatchService(usecases.DispatchConfig{
		ProviderTimeout:   cfg.ProviderTimeout,
		ProviderRetries:   cfg.ProviderRetries,
		Deadline:          cfg.DispatchDeadline,
		HistoryWindow:     cfg.HistoryWindow,
		MaxSnippets:       cfg.MaxSnippets,
		MaxContextChars:   cfg.MaxContextChars,
		Workers:           cfg.Workers,
		DedupFailOpen:     cfg.DedupPolicy == infrastructure.DedupFailOpen,
		BillFailedReplies: cfg.BillFailedReplies,
	}, botRepo, dedupRepo, quotaLedger, retriever, historyRepo, attemptRepo, provider, adapters, delivery)
	dispatcher.Start()

	// Personal WhatsApp sessions feed the same pipeline as the webhooks.
	flood := infrastructure.NewFloodLimiter(cfg.FloodRate, cfg.FloodBurst)
	waManager.OnMessage = func(msg entities.InboundMessage) {
		bot, err := botRepo.ByID(context.Background(), msg.BotID)
		if err != nil || !bot.IsActive {
			return
		}
		if !flood.Allow(string(msg.Platform) + ":" + msg.EndUserID) {
			return
		}
		if err := messageRepo.Save(context.Background(), &msg); err != nil {
			log.Printf("[whatsapp] persist message %s: %v", msg.ExternalID, err)
			return
		}
		if bot.TypingIndicator {
			if sess := waManager.Session(bot.ID); sess != nil {
				sess.SendTyping(msg.EndUserID)
			}
		}
		dispatcher.Submit(bot, msg)
	}

	// Auth
	authUsecase := usecases.NewAuthUsecase(userRepo, cfg.JWTSecret)
	if cfg.AdminPassword != "" {
		if err := authUsecase.EnsureAdmin(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
			log.Printf("ensure admin user: %v", err)
		}
	}

	// HTTP
	r := gin.Default()
	webhookHandler := http.NewWebhookHandler(adapters, botRepo, messageRepo, dispatcher, flood, telegramSender, cfg.MetaVerifyToken)
	tgWebhooks := infrastructure.NewTelegramWebhookManager(cfg.PublicBaseURL)
	adminHandler := http.NewAdminHandler(botRepo, knowledgeRepo, usageRepo, deadLetterRepo, waManager, tgWebhooks, flood)
	middleware := http.NewMiddleware(cfg.JWTSecret)
	http.SetupRoutes(r, webhookHandler, adminHandler, authUsecase, middleware)

	server := &nethttp.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Hourly purge keeps the dedup table within its TTL.
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n, err := dedupRepo.Purge(gctx); err != nil {
					log.Printf("dedup purge: %v", err)
				} else if n > 0 {
					log.Printf("dedup purge removed %d entries", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}

		dispatcher.Stop()
		delivery.Stop()
		waManager.DisconnectAll()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
