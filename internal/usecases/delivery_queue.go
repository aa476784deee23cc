package usecases

import (
	"context"
	"log"
	"sync"
	"time"

	"botfactory/internal/entities"
	"botfactory/internal/interfaces"
)

// DeliveryConfig bounds the retry behavior of the outbound queue.
type DeliveryConfig struct {
	MaxAttempts int           // total tries before dead-lettering
	Window      time.Duration // give up after this much elapsed time
	BaseDelay   time.Duration // first backoff step, doubled per retry
	SendTimeout time.Duration // per platform call
}

func (c *DeliveryConfig) fillDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Minute
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
}

// DeliveryService sends replies to the platforms with bounded exponential
// backoff. Exhausted deliveries are dead-lettered, never dropped. Delivery
// is idempotent per attempt ID: once a send succeeds, spurious retries of
// the same attempt are no-ops.
type DeliveryService struct {
	cfg      DeliveryConfig
	senders  map[entities.Platform]interfaces.PlatformSender
	attempts interfaces.AttemptStore
	dead     interfaces.DeadLetterStore

	mu        sync.Mutex
	delivered map[string]bool // attempt ID -> sent

	wg     sync.WaitGroup
	closed chan struct{}
}

func NewDeliveryService(cfg DeliveryConfig, senders map[entities.Platform]interfaces.PlatformSender, attempts interfaces.AttemptStore, dead interfaces.DeadLetterStore) *DeliveryService {
	cfg.fillDefaults()
	return &DeliveryService{
		cfg:       cfg,
		senders:   senders,
		attempts:  attempts,
		dead:      dead,
		delivered: make(map[string]bool),
		closed:    make(chan struct{}),
	}
}

// Enqueue accepts a send request and drives it to Delivered or dead-letter
// in the background.
func (d *DeliveryService) Enqueue(req entities.SendRequest) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(req)
	}()
}

// Stop waits for in-flight deliveries to settle.
func (d *DeliveryService) Stop() {
	close(d.closed)
	d.wg.Wait()
}

func (d *DeliveryService) run(req entities.SendRequest) {
	sender, ok := d.senders[req.Platform]
	if !ok {
		d.deadLetter(req, 0, "no sender for platform "+string(req.Platform))
		return
	}

	deadline := time.Now().Add(d.cfg.Window)
	delay := d.cfg.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if d.alreadyDelivered(req.AttemptID) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
		err := sender.Send(ctx, req)
		cancel()

		if err == nil {
			d.markDelivered(req.AttemptID)
			if serr := d.attempts.SetState(context.Background(), req.AttemptID, entities.StateSucceeded); serr != nil {
				log.Printf("[delivery] mark attempt %s succeeded: %v", req.AttemptID, serr)
			}
			return
		}
		lastErr = err
		log.Printf("[delivery] send attempt %d/%d for %s failed: %v", attempt, d.cfg.MaxAttempts, req.AttemptID, err)

		if attempt == d.cfg.MaxAttempts || time.Now().Add(delay).After(deadline) {
			break
		}
		select {
		case <-d.closed:
			// Shutdown: park the pending delivery instead of losing it.
			d.deadLetter(req, attempt, "shutdown with delivery pending: "+lastErr.Error())
			return
		case <-time.After(delay):
		}
		delay *= 2
	}

	detail := "delivery retries exhausted"
	if lastErr != nil {
		detail = lastErr.Error()
	}
	d.deadLetter(req, d.cfg.MaxAttempts, detail)
}

func (d *DeliveryService) deadLetter(req entities.SendRequest, attempts int, lastErr string) {
	letter := &entities.DeadLetter{
		AttemptID: req.AttemptID,
		BotID:     req.BotID,
		Platform:  req.Platform,
		Recipient: req.Recipient,
		Text:      req.Text,
		Attempts:  attempts,
		LastError: lastErr,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.dead.Save(context.Background(), letter); err != nil {
		// Last resort: the log line is all that's left of this delivery.
		log.Printf("[delivery] DEAD LETTER SAVE FAILED attempt=%s recipient=%s err=%v", req.AttemptID, req.Recipient, err)
	}
	if err := d.attempts.SetState(context.Background(), req.AttemptID, entities.StateFailed); err != nil {
		log.Printf("[delivery] mark attempt %s failed: %v", req.AttemptID, err)
	}
	log.Printf("[delivery] dead-lettered attempt %s after %d tries: %s", req.AttemptID, attempts, lastErr)
}

func (d *DeliveryService) alreadyDelivered(attemptID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered[attemptID]
}

func (d *DeliveryService) markDelivered(attemptID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Entries are only needed while a spurious retry of the same attempt
	// is plausible; reset the set before it grows without bound.
	if len(d.delivered) > 100000 {
		d.delivered = make(map[string]bool)
	}
	d.delivered[attemptID] = true
}
