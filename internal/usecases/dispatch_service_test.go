package usecases

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"botfactory/internal/entities"
	"botfactory/internal/infrastructure"
	"botfactory/internal/interfaces"
)

// fakeProvider scripts generation outcomes per call number.
type fakeProvider struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, prompt entities.Prompt) (string, error)
}

func (p *fakeProvider) Generate(ctx context.Context, prompt entities.Prompt) (string, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	return p.fn(call, prompt)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// captureQueue records enqueued sends instead of delivering them.
type captureQueue struct {
	mu   sync.Mutex
	reqs []entities.SendRequest
}

func (q *captureQueue) Enqueue(req entities.SendRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
}

func (q *captureQueue) all() []entities.SendRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]entities.SendRequest, len(q.reqs))
	copy(out, q.reqs)
	return out
}

type dispatchEnv struct {
	svc      *DispatchService
	bots     *infrastructure.MemBotStore
	queue    *captureQueue
	provider interfaces.AIProvider
	bot      *entities.TenantBot
}

func newDispatchEnv(t *testing.T, limit, used int, provider interfaces.AIProvider) *dispatchEnv {
	t.Helper()

	bots := infrastructure.NewMemBotStore()
	bot := &entities.TenantBot{
		ID:            1,
		UserID:        1,
		Name:          "support",
		Platform:      entities.PlatformTelegram,
		PlatformBotID: "100200",
		CredentialRef: "token",
		Language:      "en",
		Temperature:   0.7,
		MaxTokens:     512,
		PlanTier:      entities.PlanFree,
		MessageLimit:  limit,
		MessagesUsed:  used,
		IsActive:      true,
	}
	bots.Put(bot)

	queue := &captureQueue{}
	svc := NewDispatchService(
		DispatchConfig{
			ProviderTimeout: time.Second,
			ProviderRetries: 2,
			Deadline:        10 * time.Second,
			Workers:         4,
			DedupFailOpen:   true,
		},
		bots,
		infrastructure.NewMemDedupStore(time.Hour),
		infrastructure.NewMemQuotaLedger(bots),
		NewRetriever(infrastructure.NewMemKnowledgeStore()),
		infrastructure.NewMemHistoryStore(),
		infrastructure.NewMemAttemptStore(),
		provider,
		map[entities.Platform]interfaces.PlatformAdapter{
			entities.PlatformTelegram: infrastructure.NewTelegramAdapter(),
		},
		queue,
	)
	return &dispatchEnv{svc: svc, bots: bots, queue: queue, provider: provider, bot: bot}
}

func inbound(externalID, text string) entities.InboundMessage {
	return entities.InboundMessage{
		ExternalID: externalID,
		Platform:   entities.PlatformTelegram,
		BotID:      1,
		EndUserID:  "555",
		Text:       text,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestQuotaExhaustedSendsLimitReply(t *testing.T) {
	provider := &fakeProvider{fn: func(int, entities.Prompt) (string, error) {
		t.Error("provider must not be called when quota is exhausted")
		return "", nil
	}}
	env := newDispatchEnv(t, 1, 1, provider)

	attempt := env.svc.Process(context.Background(), env.bot, inbound("m1", "hello"))

	if !attempt.Fallback {
		t.Fatal("expected fallback attempt")
	}
	reqs := env.queue.all()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(reqs))
	}
	if reqs[0].Text != LimitReachedReply(env.bot) {
		t.Errorf("wrong reply: %q", reqs[0].Text)
	}
	if env.bots.Usage(1) != 1 {
		t.Errorf("usage must stay at 1, got %d", env.bots.Usage(1))
	}
	// Quota exhaustion takes the bot off the pipeline.
	if _, err := env.bots.ByPlatformID(context.Background(), entities.PlatformTelegram, "100200"); err == nil {
		t.Error("bot should be deactivated after quota exhaustion")
	}
}

func TestDuplicateDeliveryProcessedOnce(t *testing.T) {
	provider := &fakeProvider{fn: func(int, entities.Prompt) (string, error) {
		return "answer", nil
	}}
	env := newDispatchEnv(t, 100, 0, provider)

	first := env.svc.Process(context.Background(), env.bot, inbound("dup-1", "hello"))
	second := env.svc.Process(context.Background(), env.bot, inbound("dup-1", "hello"))

	if first.State != entities.StateDelivering {
		t.Errorf("first attempt state = %s", first.State)
	}
	if second.State != entities.StateDeduped {
		t.Errorf("second attempt state = %s, want deduped", second.State)
	}
	if provider.callCount() != 1 {
		t.Errorf("provider called %d times, want 1", provider.callCount())
	}
	if env.bots.Usage(1) != 1 {
		t.Errorf("usage = %d, want 1", env.bots.Usage(1))
	}
	if len(env.queue.all()) != 1 {
		t.Errorf("deliveries = %d, want 1", len(env.queue.all()))
	}
}

func TestTransientProviderErrorIsRetried(t *testing.T) {
	provider := &fakeProvider{fn: func(call int, _ entities.Prompt) (string, error) {
		if call == 1 {
			return "", entities.NewProviderError(true, "rate limited", nil)
		}
		return "recovered", nil
	}}
	env := newDispatchEnv(t, 100, 0, provider)

	attempt := env.svc.Process(context.Background(), env.bot, inbound("t1", "hello"))

	if attempt.Fallback {
		t.Fatal("expected real reply after retry")
	}
	if provider.callCount() != 2 {
		t.Errorf("provider called %d times, want 2", provider.callCount())
	}
	if env.bots.Usage(1) != 1 {
		t.Errorf("usage = %d, want exactly 1 committed unit", env.bots.Usage(1))
	}
	reqs := env.queue.all()
	if len(reqs) != 1 || reqs[0].Text != "recovered" {
		t.Errorf("unexpected deliveries: %+v", reqs)
	}
}

func TestPermanentProviderErrorNotRetried(t *testing.T) {
	provider := &fakeProvider{fn: func(int, entities.Prompt) (string, error) {
		return "", entities.NewProviderError(false, "invalid api key", nil)
	}}
	env := newDispatchEnv(t, 100, 0, provider)

	attempt := env.svc.Process(context.Background(), env.bot, inbound("p1", "hello"))

	if provider.callCount() != 1 {
		t.Errorf("provider called %d times, want 1 (no retry on permanent errors)", provider.callCount())
	}
	if !attempt.Fallback {
		t.Fatal("expected fallback reply")
	}
	reqs := env.queue.all()
	if len(reqs) != 1 || reqs[0].Text != ApologyReply(env.bot) {
		t.Errorf("unexpected deliveries: %+v", reqs)
	}
	// Reservation must be released: the tenant was not served.
	if env.bots.Usage(1) != 0 {
		t.Errorf("usage = %d, want 0 after release", env.bots.Usage(1))
	}
}

func TestCustomFallbackMessageTakesPrecedence(t *testing.T) {
	provider := &fakeProvider{fn: func(int, entities.Prompt) (string, error) {
		return "", entities.NewProviderError(false, "boom", nil)
	}}
	env := newDispatchEnv(t, 100, 0, provider)
	env.bot.FallbackMessage = "We are offline, email support@example.com"

	env.svc.Process(context.Background(), env.bot, inbound("f1", "hello"))

	reqs := env.queue.all()
	if len(reqs) != 1 || reqs[0].Text != env.bot.FallbackMessage {
		t.Errorf("unexpected deliveries: %+v", reqs)
	}
}

func TestEmptyKnowledgeBaseStillGenerates(t *testing.T) {
	var gotPrompt entities.Prompt
	provider := &fakeProvider{fn: func(_ int, p entities.Prompt) (string, error) {
		gotPrompt = p
		return "plain answer", nil
	}}
	env := newDispatchEnv(t, 100, 0, provider)

	attempt := env.svc.Process(context.Background(), env.bot, inbound("k1", "what are your hours"))

	if attempt.Fallback {
		t.Fatal("expected generated reply")
	}
	if len(gotPrompt.Context) != 0 {
		t.Errorf("expected empty context, got %v", gotPrompt.Context)
	}
	if gotPrompt.UserMessage != "what are your hours" {
		t.Errorf("prompt user message = %q", gotPrompt.UserMessage)
	}
}

func TestConcurrentMessagesChargeEachUnit(t *testing.T) {
	provider := &fakeProvider{fn: func(_ int, p entities.Prompt) (string, error) {
		return "echo: " + p.UserMessage, nil
	}}
	env := newDispatchEnv(t, 100, 0, provider)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := inbound(fmt.Sprintf("c-%d", i), "question "+strconv.Itoa(i))
			msg.EndUserID = strconv.Itoa(9000 + i)
			env.svc.Process(context.Background(), env.bot, msg)
		}(i)
	}
	wg.Wait()

	if env.bots.Usage(1) != 2 {
		t.Errorf("usage = %d, want 2", env.bots.Usage(1))
	}
	// Each user must receive the answer to their own question.
	for _, req := range env.queue.all() {
		id, _ := strconv.Atoi(req.Recipient)
		want := "echo: question " + strconv.Itoa(id-9000)
		if req.Text != want {
			t.Errorf("recipient %s got %q, want %q", req.Recipient, req.Text, want)
		}
	}
}

func TestQuotaNeverOvershootsUnderConcurrency(t *testing.T) {
	provider := &fakeProvider{fn: func(int, entities.Prompt) (string, error) {
		return "ok", nil
	}}
	env := newDispatchEnv(t, 5, 4, provider) // exactly one unit left

	const n = 6
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env.svc.Process(context.Background(), env.bot, inbound(fmt.Sprintf("o-%d", i), "hi"))
		}(i)
	}
	wg.Wait()

	if got := env.bots.Usage(1); got != 5 {
		t.Errorf("usage = %d, want 5 (cap respected)", got)
	}
	real, fallback := 0, 0
	for _, req := range env.queue.all() {
		if req.Text == "ok" {
			real++
		} else {
			fallback++
		}
	}
	if real != 1 {
		t.Errorf("generated replies = %d, want exactly 1", real)
	}
	if fallback != n-1 {
		t.Errorf("fallback replies = %d, want %d", fallback, n-1)
	}
}

// stallProvider blocks until the call's deadline expires.
type stallProvider struct{}

func (stallProvider) Generate(ctx context.Context, _ entities.Prompt) (string, error) {
	<-ctx.Done()
	return "", entities.NewProviderError(true, "generation timed out", ctx.Err())
}

func TestPipelineDeadlineForcesFallbackAndRelease(t *testing.T) {
	env := newDispatchEnv(t, 100, 0, stallProvider{})
	env.svc.cfg.Deadline = 50 * time.Millisecond
	env.svc.cfg.ProviderTimeout = 10 * time.Second

	attempt := env.svc.Process(context.Background(), env.bot, inbound("dl-1", "hello"))

	if !attempt.Fallback {
		t.Fatal("expected forced fallback after the pipeline deadline")
	}
	reqs := env.queue.all()
	if len(reqs) != 1 || reqs[0].Text != ApologyReply(env.bot) {
		t.Errorf("unexpected deliveries: %+v", reqs)
	}
	// The tenant was not served, so the reserved unit goes back.
	if env.bots.Usage(1) != 0 {
		t.Errorf("usage = %d, want 0 after release", env.bots.Usage(1))
	}
}

// failingDedup simulates a dedup store outage.
type failingDedup struct{}

func (failingDedup) Claim(context.Context, entities.Platform, string) (bool, error) {
	return false, errDedupDown
}

var errDedupDown = fmt.Errorf("dedup store down")

func TestDedupOutageFailClosedRejects(t *testing.T) {
	provider := &fakeProvider{fn: func(int, entities.Prompt) (string, error) {
		t.Error("provider must not be called when dedup fails closed")
		return "", nil
	}}
	env := newDispatchEnv(t, 100, 0, provider)
	env.svc.cfg.DedupFailOpen = false
	env.svc.dedup = failingDedup{}

	attempt := env.svc.Process(context.Background(), env.bot, inbound("fc-1", "hello"))

	if attempt.State != entities.StateFailed {
		t.Errorf("attempt state = %s, want failed", attempt.State)
	}
	if len(env.queue.all()) != 0 {
		t.Error("nothing must be delivered when processing is rejected")
	}
	if env.bots.Usage(1) != 0 {
		t.Errorf("usage = %d, want 0 (quota untouched)", env.bots.Usage(1))
	}
}

func TestStopDrainsQueuedJobs(t *testing.T) {
	gate := make(chan struct{})
	provider := &fakeProvider{fn: func(int, entities.Prompt) (string, error) {
		<-gate
		return "ok", nil
	}}
	env := newDispatchEnv(t, 100, 0, provider)
	env.svc.Start()

	// Fill the workers and the queue while generation is blocked. Every one
	// of these was ACKed upstream, so all must be answered.
	const n = 20
	for i := 0; i < n; i++ {
		msg := inbound(fmt.Sprintf("drain-%d", i), "hi")
		msg.EndUserID = strconv.Itoa(7000 + i)
		if !env.svc.Submit(env.bot, msg) {
			t.Fatalf("submit %d rejected before Stop", i)
		}
	}

	stopped := make(chan struct{})
	go func() {
		env.svc.Stop()
		close(stopped)
	}()
	close(gate)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the queue drained")
	}
	if got := len(env.queue.all()); got != n {
		t.Errorf("deliveries = %d, want %d (queued jobs dropped at shutdown)", got, n)
	}
	if env.svc.Submit(env.bot, inbound("drain-late", "hi")) {
		t.Error("submit after Stop must be rejected")
	}
}

func TestWorkerPoolSubmit(t *testing.T) {
	done := make(chan struct{})
	provider := &fakeProvider{fn: func(int, entities.Prompt) (string, error) {
		close(done)
		return "async", nil
	}}
	env := newDispatchEnv(t, 100, 0, provider)
	env.svc.Start()
	defer env.svc.Stop()

	if !env.svc.Submit(env.bot, inbound("w1", "hello")) {
		t.Fatal("submit rejected")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never processed the message")
	}
}
