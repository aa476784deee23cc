package http

import (
	"bytes"
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"botfactory/internal/entities"
	"botfactory/internal/infrastructure"
	"botfactory/internal/interfaces"
	"botfactory/internal/usecases"
)

type echoProvider struct{}

func (echoProvider) Generate(ctx context.Context, prompt entities.Prompt) (string, error) {
	return "echo: " + prompt.UserMessage, nil
}

type recordingQueue struct {
	mu   sync.Mutex
	reqs []entities.SendRequest
	ch   chan entities.SendRequest
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{ch: make(chan entities.SendRequest, 16)}
}

func (q *recordingQueue) Enqueue(req entities.SendRequest) {
	q.mu.Lock()
	q.reqs = append(q.reqs, req)
	q.mu.Unlock()
	q.ch <- req
}

func newWebhookTestServer(t *testing.T, bot *entities.TenantBot) (*gin.Engine, *recordingQueue, *infrastructure.MemBotStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bots := infrastructure.NewMemBotStore()
	bots.Put(bot)

	queue := newRecordingQueue()
	adapters := map[entities.Platform]interfaces.PlatformAdapter{
		entities.PlatformTelegram: infrastructure.NewTelegramAdapter(),
		entities.PlatformWhatsApp: infrastructure.NewWhatsAppCloudAdapter(),
	}

	dispatcher := usecases.NewDispatchService(
		usecases.DispatchConfig{Workers: 2, DedupFailOpen: true},
		bots,
		infrastructure.NewMemDedupStore(time.Hour),
		infrastructure.NewMemQuotaLedger(bots),
		usecases.NewRetriever(infrastructure.NewMemKnowledgeStore()),
		infrastructure.NewMemHistoryStore(),
		infrastructure.NewMemAttemptStore(),
		echoProvider{},
		adapters,
		queue,
	)
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	handler := NewWebhookHandler(
		adapters,
		bots,
		infrastructure.NewMemMessageStore(),
		dispatcher,
		infrastructure.NewFloodLimiter(100, 100),
		nil,
		"verify-me",
	)

	r := gin.New()
	r.POST("/webhook/telegram/:botid", handler.HandleTelegram)
	r.GET("/webhook/whatsapp", handler.HandleMetaVerify)
	r.POST("/webhook/whatsapp", handler.HandleWhatsApp)
	return r, queue, bots
}

func telegramBot() *entities.TenantBot {
	return &entities.TenantBot{
		ID:            1,
		Platform:      entities.PlatformTelegram,
		PlatformBotID: "100200",
		CredentialRef: "token",
		WebhookSecret: "hook-secret",
		Language:      "en",
		MessageLimit:  100,
		IsActive:      true,
	}
}

func TestWebhookTelegramEndToEnd(t *testing.T) {
	r, queue, _ := newWebhookTestServer(t, telegramBot())

	body := []byte(`{"update_id":42,"message":{"chat":{"id":777},"text":"hello bot"}}`)
	req := httptest.NewRequest("POST", "/webhook/telegram/100200", bytes.NewReader(body))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "hook-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	select {
	case sent := <-queue.ch:
		if sent.Text != "echo: hello bot" {
			t.Errorf("reply = %q", sent.Text)
		}
		if sent.Recipient != "777" {
			t.Errorf("recipient = %q", sent.Recipient)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply was queued")
	}
}

func TestWebhookTelegramBadSecretRejected(t *testing.T) {
	r, queue, _ := newWebhookTestServer(t, telegramBot())

	body := []byte(`{"update_id":43,"message":{"chat":{"id":777},"text":"hello"}}`)
	req := httptest.NewRequest("POST", "/webhook/telegram/100200", bytes.NewReader(body))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "wrong")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 401 {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if len(queue.reqs) != 0 {
		t.Error("unauthenticated payload must not be processed")
	}
}

func TestWebhookUnknownBotAcked(t *testing.T) {
	r, queue, _ := newWebhookTestServer(t, telegramBot())

	body := []byte(`{"update_id":44,"message":{"chat":{"id":777},"text":"hello"}}`)
	req := httptest.NewRequest("POST", "/webhook/telegram/does-not-exist", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	// ACK so the platform stops retrying; nothing is queued.
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(queue.reqs) != 0 {
		t.Error("unroutable payload must not be processed")
	}
}

func TestWebhookNonTextAcked(t *testing.T) {
	r, queue, _ := newWebhookTestServer(t, telegramBot())

	body := []byte(`{"update_id":45,"message":{"chat":{"id":777}}}`)
	req := httptest.NewRequest("POST", "/webhook/telegram/100200", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(queue.reqs) != 0 {
		t.Error("non-text update must be ignored")
	}
}

func TestWebhookMetaVerifyHandshake(t *testing.T) {
	r, _, _ := newWebhookTestServer(t, telegramBot())

	req := httptest.NewRequest("GET", "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 || w.Body.String() != "12345" {
		t.Errorf("challenge echo failed: %d %q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest("GET", "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 403 {
		t.Errorf("bad verify token: status = %d, want 403", w.Code)
	}
}
