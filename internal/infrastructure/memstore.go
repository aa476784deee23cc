package infrastructure

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"botfactory/internal/entities"
)

// In-memory stores backing dev mode (no DATABASE_URL) and tests. All of
// them are safe for concurrent use.

// MemDedupStore keeps claimed message IDs with a TTL.
type MemDedupStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func NewMemDedupStore(ttl time.Duration) *MemDedupStore {
	return &MemDedupStore{ttl: ttl, seen: make(map[string]time.Time)}
}

func (s *MemDedupStore) Claim(ctx context.Context, platform entities.Platform, externalID string) (bool, error) {
	key := string(platform) + ":" + externalID
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.seen[key]; ok && now.Sub(at) < s.ttl {
		return false, nil
	}
	s.seen[key] = now
	return true, nil
}

// MemQuotaLedger enforces per-bot caps with a mutex instead of SQL.
type MemQuotaLedger struct {
	mu    sync.Mutex
	bots  *MemBotStore
	next  int64
	state map[int64]string // reservation id -> reserved/committed/released
}

func NewMemQuotaLedger(bots *MemBotStore) *MemQuotaLedger {
	return &MemQuotaLedger{bots: bots, state: make(map[int64]string)}
}

func (l *MemQuotaLedger) Reserve(ctx context.Context, botID int) (entities.QuotaReservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bot := l.bots.get(botID)
	if bot == nil {
		return entities.QuotaReservation{}, entities.ErrBotNotFound
	}
	period := entities.PeriodKey(time.Now())
	if l.bots.period(botID) != period {
		l.bots.resetPeriod(botID, period)
	}
	if bot.MessagesUsed >= bot.MessageLimit {
		return entities.QuotaReservation{}, entities.ErrQuotaExceeded
	}
	l.bots.addUsage(botID, 1)

	l.next++
	r := entities.QuotaReservation{ID: l.next, BotID: botID, PeriodKey: period}
	l.state[r.ID] = "reserved"
	return r, nil
}

func (l *MemQuotaLedger) Commit(ctx context.Context, r entities.QuotaReservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state[r.ID] == "reserved" {
		l.state[r.ID] = "committed"
	}
	return nil
}

func (l *MemQuotaLedger) Release(ctx context.Context, r entities.QuotaReservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state[r.ID] != "reserved" {
		return nil
	}
	l.state[r.ID] = "released"
	// Only give the unit back within the period it was reserved in.
	if l.bots.period(r.BotID) == r.PeriodKey {
		l.bots.addUsage(r.BotID, -1)
	}
	return nil
}

// MemBotStore holds tenant bots keyed by ID and by (platform, platform ID).
type MemBotStore struct {
	mu      sync.Mutex
	bots    map[int]*entities.TenantBot
	periods map[int]string
}

func NewMemBotStore() *MemBotStore {
	return &MemBotStore{bots: make(map[int]*entities.TenantBot), periods: make(map[int]string)}
}

func (s *MemBotStore) Put(bot *entities.TenantBot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots[bot.ID] = bot
	if _, ok := s.periods[bot.ID]; !ok {
		s.periods[bot.ID] = entities.PeriodKey(time.Now())
	}
}

func (s *MemBotStore) get(botID int) *entities.TenantBot { return s.bots[botID] }

func (s *MemBotStore) period(botID int) string { return s.periods[botID] }

func (s *MemBotStore) resetPeriod(botID int, period string) {
	s.periods[botID] = period
	if bot, ok := s.bots[botID]; ok {
		bot.MessagesUsed = 0
	}
}

func (s *MemBotStore) addUsage(botID int, delta int) {
	if bot, ok := s.bots[botID]; ok {
		bot.MessagesUsed += delta
		if bot.MessagesUsed < 0 {
			bot.MessagesUsed = 0
		}
	}
}

func (s *MemBotStore) ByPlatformID(ctx context.Context, platform entities.Platform, platformBotID string) (*entities.TenantBot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bot := range s.bots {
		if bot.Platform == platform && bot.PlatformBotID == platformBotID && bot.IsActive {
			copied := *bot
			return &copied, nil
		}
	}
	return nil, entities.ErrBotNotFound
}

func (s *MemBotStore) RecordReply(ctx context.Context, botID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bot, ok := s.bots[botID]; ok {
		bot.TotalMessages++
		now := time.Now().UTC()
		bot.LastMessageAt = &now
	}
	return nil
}

func (s *MemBotStore) Deactivate(ctx context.Context, botID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bot, ok := s.bots[botID]; ok {
		bot.IsActive = false
	}
	return nil
}

// Usage returns the current period usage, for tests and the dev dashboard.
func (s *MemBotStore) Usage(botID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bot, ok := s.bots[botID]; ok {
		return bot.MessagesUsed
	}
	return 0
}

// MemKnowledgeStore does naive substring matching over snippets.
type MemKnowledgeStore struct {
	mu       sync.Mutex
	snippets map[int][]entities.KnowledgeSnippet
}

func NewMemKnowledgeStore() *MemKnowledgeStore {
	return &MemKnowledgeStore{snippets: make(map[int][]entities.KnowledgeSnippet)}
}

func (s *MemKnowledgeStore) Add(snippet entities.KnowledgeSnippet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snippets[snippet.BotID] = append(s.snippets[snippet.BotID], snippet)
}

func (s *MemKnowledgeStore) Search(ctx context.Context, botID int, query string, limit int) ([]entities.KnowledgeSnippet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	terms := strings.Fields(strings.ToLower(query))
	var out []entities.KnowledgeSnippet
	for _, snip := range s.snippets[botID] {
		haystack := strings.ToLower(snip.Title + " " + snip.Content + " " + snip.Question + " " + snip.Answer)
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				out = append(out, snip)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemHistoryStore keeps conversation turns per (bot, end user).
type MemHistoryStore struct {
	mu       sync.Mutex
	turns    map[string][]entities.HistoryTurn
	sessions map[string]memSession
	window   time.Duration
}

type memSession struct {
	id     string
	lastAt time.Time
}

func NewMemHistoryStore() *MemHistoryStore {
	return &MemHistoryStore{
		turns:    make(map[string][]entities.HistoryTurn),
		sessions: make(map[string]memSession),
		window:   30 * time.Minute,
	}
}

func historyKey(botID int, endUserID string) string {
	return strconv.Itoa(botID) + ":" + endUserID
}

func (s *MemHistoryStore) Recent(ctx context.Context, botID int, endUserID string, limit int) ([]entities.HistoryTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.turns[historyKey(botID, endUserID)]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]entities.HistoryTurn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *MemHistoryStore) Append(ctx context.Context, botID int, endUserID, sessionID, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := historyKey(botID, endUserID)
	s.turns[key] = append(s.turns[key], entities.HistoryTurn{Role: role, Text: text, CreatedAt: time.Now().UTC()})
	s.sessions[key] = memSession{id: sessionID, lastAt: time.Now()}
	return nil
}

func (s *MemHistoryStore) SessionID(ctx context.Context, botID int, endUserID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := historyKey(botID, endUserID)
	if sess, ok := s.sessions[key]; ok && time.Since(sess.lastAt) < s.window {
		return sess.id, nil
	}
	return uuid.NewString(), nil
}

// MemMessageStore assigns sequential IDs to saved messages.
type MemMessageStore struct {
	mu   sync.Mutex
	next int64
	msgs []entities.InboundMessage
}

func NewMemMessageStore() *MemMessageStore { return &MemMessageStore{} }

func (s *MemMessageStore) Save(ctx context.Context, msg *entities.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	msg.ID = s.next
	s.msgs = append(s.msgs, *msg)
	return nil
}

// MemAttemptStore tracks attempts and their state transitions.
type MemAttemptStore struct {
	mu       sync.Mutex
	attempts map[string]*entities.DispatchAttempt
}

func NewMemAttemptStore() *MemAttemptStore {
	return &MemAttemptStore{attempts: make(map[string]*entities.DispatchAttempt)}
}

func (s *MemAttemptStore) Create(ctx context.Context, a *entities.DispatchAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt
	copied := *a
	s.attempts[a.ID] = &copied
	return nil
}

func (s *MemAttemptStore) SetState(ctx context.Context, attemptID string, state entities.AttemptState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.attempts[attemptID]; ok {
		a.State = state
		a.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemAttemptStore) Finish(ctx context.Context, a *entities.DispatchAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.UpdatedAt = time.Now().UTC()
	copied := *a
	s.attempts[a.ID] = &copied
	return nil
}

// Get returns a copy of an attempt, for tests and the admin API.
func (s *MemAttemptStore) Get(attemptID string) (entities.DispatchAttempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.attempts[attemptID]; ok {
		return *a, true
	}
	return entities.DispatchAttempt{}, false
}

// MemDeadLetterStore appends dead letters in memory.
type MemDeadLetterStore struct {
	mu      sync.Mutex
	next    int64
	letters []entities.DeadLetter
}

func NewMemDeadLetterStore() *MemDeadLetterStore { return &MemDeadLetterStore{} }

func (s *MemDeadLetterStore) Save(ctx context.Context, d *entities.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	d.ID = s.next
	d.CreatedAt = time.Now().UTC()
	s.letters = append(s.letters, *d)
	return nil
}

func (s *MemDeadLetterStore) List(ctx context.Context, limit int) ([]entities.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.letters)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]entities.DeadLetter, n)
	// Newest first.
	for i := 0; i < n; i++ {
		out[i] = s.letters[len(s.letters)-1-i]
	}
	return out, nil
}
