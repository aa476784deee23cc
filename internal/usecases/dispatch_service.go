package usecases

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"botfactory/internal/entities"
	"botfactory/internal/interfaces"
)

// DispatchConfig carries the pipeline knobs. Zero values are filled with
// the recommended defaults by NewDispatchService.
type DispatchConfig struct {
	ProviderTimeout   time.Duration // per generation call
	ProviderRetries   int           // extra attempts, transient errors only
	Deadline          time.Duration // whole-pipeline budget per message
	HistoryWindow     int           // conversation turns in the prompt
	MaxSnippets       int
	MaxContextChars   int
	Workers           int
	DedupFailOpen     bool // process anyway when the dedup store is down
	BillFailedReplies bool // charge quota for provider-failure fallbacks
}

func (c *DispatchConfig) fillDefaults() {
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 15 * time.Second
	}
	if c.Deadline <= 0 {
		c.Deadline = 30 * time.Second
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 10
	}
	if c.MaxSnippets <= 0 {
		c.MaxSnippets = 3
	}
	if c.MaxContextChars <= 0 {
		c.MaxContextChars = 4000
	}
	if c.Workers <= 0 {
		c.Workers = 16
	}
}

// job is one inbound message queued for processing.
type job struct {
	bot *entities.TenantBot
	msg entities.InboundMessage
}

// DispatchService runs the per-message state machine:
//
//	Received -> Deduped                             (duplicate delivery, no-op)
//	Received -> Reserving -> Reserved -> Retrieving -> Generating
//	         -> Delivering -> Succeeded
//	any      -> Failed
//
// Messages are independent and run in parallel on the worker pool; the only
// serialized shared state is inside the quota ledger and the dedup store.
type DispatchService struct {
	cfg DispatchConfig

	bots      interfaces.BotStore
	dedup     interfaces.DedupStore
	ledger    interfaces.QuotaLedger
	retriever *Retriever
	history   interfaces.HistoryStore
	attempts  interfaces.AttemptStore
	provider  interfaces.AIProvider
	adapters  map[entities.Platform]interfaces.PlatformAdapter
	delivery  interfaces.DeliveryQueue

	jobs    chan job
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatchService(
	cfg DispatchConfig,
	bots interfaces.BotStore,
	dedup interfaces.DedupStore,
	ledger interfaces.QuotaLedger,
	retriever *Retriever,
	history interfaces.HistoryStore,
	attempts interfaces.AttemptStore,
	provider interfaces.AIProvider,
	adapters map[entities.Platform]interfaces.PlatformAdapter,
	delivery interfaces.DeliveryQueue,
) *DispatchService {
	cfg.fillDefaults()
	return &DispatchService{
		cfg:       cfg,
		bots:      bots,
		dedup:     dedup,
		ledger:    ledger,
		retriever: retriever,
		history:   history,
		attempts:  attempts,
		provider:  provider,
		adapters:  adapters,
		delivery:  delivery,
		jobs:      make(chan job, cfg.Workers*4),
	}
}

// Start launches the worker pool.
func (s *DispatchService) Start() {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Stop closes the intake and blocks until every already-queued job has been
// processed. Queued messages were ACKed to the platform, so they must not
// be dropped.
func (s *DispatchService) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *DispatchService) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		s.Process(context.Background(), j.bot, j.msg)
	}
}

// Submit queues a durably-recorded inbound message for processing. Returns
// false when the service is shutting down.
func (s *DispatchService) Submit(bot *entities.TenantBot, msg entities.InboundMessage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return false
	}
	s.jobs <- job{bot: bot, msg: msg}
	return true
}

// Process runs one message through the full state machine. Exported so the
// webhook path can also run it synchronously (tests, session transports).
func (s *DispatchService) Process(ctx context.Context, bot *entities.TenantBot, msg entities.InboundMessage) *entities.DispatchAttempt {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Deadline)
	defer cancel()

	attempt := &entities.DispatchAttempt{
		ID:        uuid.NewString(),
		MessageID: msg.ID,
		BotID:     bot.ID,
		State:     entities.StateReceived,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		log.Printf("[dispatch] create attempt for msg %s: %v", msg.ExternalID, err)
	}

	// The reservation must end as exactly one of commit/release, even if a
	// collaborator panics mid-flight.
	var reservation *entities.QuotaReservation
	settled := false
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[dispatch] panic processing msg %s: %v", msg.ExternalID, r)
			if reservation != nil && !settled {
				s.release(*reservation)
			}
			s.finish(attempt, entities.StateFailed, "panic during dispatch")
		}
	}()

	// Dedup: webhook re-delivery must not re-invoke the provider or touch
	// quota again.
	claimed, err := s.dedup.Claim(ctx, msg.Platform, msg.ExternalID)
	if err != nil {
		if !s.cfg.DedupFailOpen {
			s.finish(attempt, entities.StateFailed, "dedup store unavailable: "+err.Error())
			return attempt
		}
		log.Printf("[dispatch] dedup store unavailable, failing open for msg %s: %v", msg.ExternalID, err)
		claimed = true
	}
	if !claimed {
		s.finish(attempt, entities.StateDeduped, "")
		return attempt
	}

	// Quota reservation.
	s.setState(attempt, entities.StateReserving)
	res, err := s.ledger.Reserve(ctx, bot.ID)
	switch {
	case err == nil:
		reservation = &res
		s.setState(attempt, entities.StateReserved)
	case errors.Is(err, entities.ErrQuotaExceeded):
		// Expected business outcome: polite limit reply, no provider call,
		// no usage charged. The bot goes inactive until the tenant acts or
		// the period resets.
		if derr := s.bots.Deactivate(ctx, bot.ID); derr != nil {
			log.Printf("[dispatch] deactivate exhausted bot %d: %v", bot.ID, derr)
		}
		attempt.Fallback = true
		s.deliverReply(ctx, bot, msg, attempt, LimitReachedReply(bot))
		return attempt
	default:
		log.Printf("[dispatch] quota reserve failed for bot %d: %v", bot.ID, err)
		attempt.Fallback = true
		attempt.ErrorDetail = "quota ledger: " + err.Error()
		s.deliverReply(ctx, bot, msg, attempt, ApologyReply(bot))
		return attempt
	}

	// Knowledge retrieval. Zero snippets is a valid state; generation
	// proceeds with an empty context.
	s.setState(attempt, entities.StateRetrieving)
	snippets := s.retriever.Retrieve(ctx, bot.ID, msg.Text, s.cfg.MaxSnippets, s.cfg.MaxContextChars)

	history, err := s.history.Recent(ctx, bot.ID, msg.EndUserID, s.cfg.HistoryWindow)
	if err != nil {
		log.Printf("[dispatch] history fetch for bot %d: %v", bot.ID, err)
	}
	sessionID, err := s.history.SessionID(ctx, bot.ID, msg.EndUserID)
	if err != nil {
		sessionID = uuid.NewString()
	}
	if err := s.history.Append(ctx, bot.ID, msg.EndUserID, sessionID, "user", msg.Text); err != nil {
		log.Printf("[dispatch] append user turn for bot %d: %v", bot.ID, err)
	}

	// Generation with bounded retry.
	s.setState(attempt, entities.StateGenerating)
	prompt := BuildPrompt(bot, snippets, history, msg.Text, s.cfg.HistoryWindow)
	reply, latency, genErr := s.generate(ctx, prompt)
	attempt.ProviderLatency = latency

	if genErr != nil {
		// Exhausted retries or permanent error: the user still gets a
		// reply, and quota is only charged when the billing policy says
		// handled fallbacks count.
		attempt.ErrorDetail = genErr.Error()
		attempt.Fallback = true
		if s.cfg.BillFailedReplies {
			s.commit(*reservation)
		} else {
			s.release(*reservation)
		}
		settled = true
		s.deliverReply(ctx, bot, msg, attempt, ApologyReply(bot))
		return attempt
	}

	s.commit(*reservation)
	settled = true

	if err := s.history.Append(ctx, bot.ID, msg.EndUserID, sessionID, "assistant", reply); err != nil {
		log.Printf("[dispatch] append assistant turn for bot %d: %v", bot.ID, err)
	}
	if err := s.bots.RecordReply(ctx, bot.ID); err != nil {
		log.Printf("[dispatch] record stats for bot %d: %v", bot.ID, err)
	}

	s.deliverReply(ctx, bot, msg, attempt, reply)
	return attempt
}

// generate calls the provider with a per-call timeout, retrying only
// transient failures with exponential backoff within the pipeline deadline.
func (s *DispatchService) generate(ctx context.Context, prompt entities.Prompt) (string, time.Duration, error) {
	var lastErr error
	backoff := 500 * time.Millisecond
	started := time.Now()

	for i := 0; i <= s.cfg.ProviderRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return "", time.Since(started), entities.NewProviderError(true, "pipeline deadline exceeded", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
		reply, err := s.provider.Generate(callCtx, prompt)
		cancel()

		if err == nil {
			return reply, time.Since(started), nil
		}
		lastErr = err
		if !entities.IsTransientProviderError(err) {
			// Bad credentials, content policy and friends: retrying is
			// pointless.
			return "", time.Since(started), err
		}
		log.Printf("[dispatch] transient provider error (attempt %d): %v", i+1, err)
	}
	return "", time.Since(started), lastErr
}

// deliverReply hands the reply off to the delivery queue. The queue owns
// the terminal state: Succeeded on delivery, Failed after dead-lettering.
// Delivery runs on its own budget so an expired pipeline deadline still
// lets the fallback reach the user.
func (s *DispatchService) deliverReply(ctx context.Context, bot *entities.TenantBot, msg entities.InboundMessage, attempt *entities.DispatchAttempt, reply string) {
	attempt.ReplyText = reply
	attempt.State = entities.StateDelivering
	if err := s.attempts.Finish(context.WithoutCancel(ctx), attempt); err != nil {
		log.Printf("[dispatch] persist attempt %s: %v", attempt.ID, err)
	}

	adapter, ok := s.adapters[msg.Platform]
	if !ok {
		log.Printf("[dispatch] no adapter for platform %s", msg.Platform)
		s.finish(attempt, entities.StateFailed, "no adapter for platform "+string(msg.Platform))
		return
	}

	req := adapter.FormatOutbound(bot, msg.EndUserID, reply)
	req.AttemptID = attempt.ID
	s.delivery.Enqueue(req)
}

func (s *DispatchService) setState(attempt *entities.DispatchAttempt, state entities.AttemptState) {
	attempt.State = state
	if err := s.attempts.SetState(context.Background(), attempt.ID, state); err != nil {
		log.Printf("[dispatch] set state %s for attempt %s: %v", state, attempt.ID, err)
	}
}

func (s *DispatchService) finish(attempt *entities.DispatchAttempt, state entities.AttemptState, detail string) {
	attempt.State = state
	if detail != "" {
		attempt.ErrorDetail = detail
	}
	attempt.UpdatedAt = time.Now().UTC()
	if err := s.attempts.Finish(context.Background(), attempt); err != nil {
		log.Printf("[dispatch] finish attempt %s: %v", attempt.ID, err)
	}
}

// commit/release run on a fresh context: a blown pipeline deadline must not
// leak a reservation.
func (s *DispatchService) commit(r entities.QuotaReservation) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ledger.Commit(ctx, r); err != nil {
		log.Printf("[dispatch] commit reservation %d for bot %d: %v", r.ID, r.BotID, err)
	}
}

func (s *DispatchService) release(r entities.QuotaReservation) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ledger.Release(ctx, r); err != nil {
		log.Printf("[dispatch] release reservation %d for bot %d: %v", r.ID, r.BotID, err)
	}
}
