package usecases

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"botfactory/internal/entities"
	"botfactory/internal/infrastructure"
	"botfactory/internal/interfaces"
)

// flakySender fails the first n sends, then succeeds.
type flakySender struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakySender) Send(ctx context.Context, req entities.SendRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("temporarily unreachable")
	}
	return nil
}

func (s *flakySender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newDeliveryEnv(maxAttempts int, sender interfaces.PlatformSender) (*DeliveryService, *infrastructure.MemAttemptStore, *infrastructure.MemDeadLetterStore) {
	attempts := infrastructure.NewMemAttemptStore()
	dead := infrastructure.NewMemDeadLetterStore()
	svc := NewDeliveryService(DeliveryConfig{
		MaxAttempts: maxAttempts,
		Window:      time.Minute,
		BaseDelay:   time.Millisecond,
		SendTimeout: time.Second,
	}, map[entities.Platform]interfaces.PlatformSender{
		entities.PlatformTelegram: sender,
	}, attempts, dead)
	return svc, attempts, dead
}

func sendReq(attemptID string) entities.SendRequest {
	return entities.SendRequest{
		AttemptID: attemptID,
		Platform:  entities.PlatformTelegram,
		BotID:     1,
		Recipient: "555",
		Text:      "hello",
	}
}

func seedAttempt(t *testing.T, attempts *infrastructure.MemAttemptStore, id string) {
	t.Helper()
	if err := attempts.Create(context.Background(), &entities.DispatchAttempt{
		ID:    id,
		BotID: 1,
		State: entities.StateDelivering,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	sender := &flakySender{failures: 2}
	svc, attempts, dead := newDeliveryEnv(5, sender)
	seedAttempt(t, attempts, "a1")

	svc.Enqueue(sendReq("a1"))
	svc.wg.Wait()

	if sender.callCount() != 3 {
		t.Errorf("send calls = %d, want 3", sender.callCount())
	}
	a, ok := attempts.Get("a1")
	if !ok || a.State != entities.StateSucceeded {
		t.Errorf("attempt state = %v, want succeeded", a.State)
	}
	letters, _ := dead.List(context.Background(), 10)
	if len(letters) != 0 {
		t.Errorf("unexpected dead letters: %+v", letters)
	}
}

func TestDeliveryExhaustionDeadLetters(t *testing.T) {
	sender := &flakySender{failures: 1000}
	svc, attempts, dead := newDeliveryEnv(3, sender)
	seedAttempt(t, attempts, "a2")

	svc.Enqueue(sendReq("a2"))
	svc.wg.Wait()

	if sender.callCount() != 3 {
		t.Errorf("send calls = %d, want 3", sender.callCount())
	}
	a, _ := attempts.Get("a2")
	if a.State != entities.StateFailed {
		t.Errorf("attempt state = %v, want failed", a.State)
	}
	letters, _ := dead.List(context.Background(), 10)
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].AttemptID != "a2" || letters[0].Text != "hello" {
		t.Errorf("wrong dead letter: %+v", letters[0])
	}
}

func TestDeliveryIdempotentPerAttempt(t *testing.T) {
	sender := &flakySender{}
	svc, attempts, _ := newDeliveryEnv(5, sender)
	seedAttempt(t, attempts, "a3")

	// A spurious duplicate of an already-delivered attempt must not send
	// the message twice.
	svc.Enqueue(sendReq("a3"))
	svc.wg.Wait()
	svc.Enqueue(sendReq("a3"))
	svc.wg.Wait()

	if sender.callCount() != 1 {
		t.Errorf("send calls = %d, want 1", sender.callCount())
	}
}

func TestDeliveryUnknownPlatformDeadLetters(t *testing.T) {
	sender := &flakySender{}
	svc, attempts, dead := newDeliveryEnv(5, sender)
	seedAttempt(t, attempts, "a4")

	req := sendReq("a4")
	req.Platform = entities.PlatformInstagram // no sender registered
	svc.Enqueue(req)
	svc.wg.Wait()

	letters, _ := dead.List(context.Background(), 10)
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if sender.callCount() != 0 {
		t.Errorf("send calls = %d, want 0", sender.callCount())
	}
}
