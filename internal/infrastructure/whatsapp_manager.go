package infrastructure

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"botfactory/internal/entities"
)

// WhatsAppSessionManager keeps one personal WhatsApp session per bot, each
// with its own SQLite device file under baseDir.
type WhatsAppSessionManager struct {
	sessions map[int]*WhatsAppSession
	mu       sync.RWMutex
	baseDir  string

	// OnMessage is attached to every session; it feeds inbound messages
	// into the dispatch pipeline.
	OnMessage func(msg entities.InboundMessage)
}

func NewWhatsAppSessionManager(baseDir string) *WhatsAppSessionManager {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		log.Printf("[whatsapp] could not create device directory: %v", err)
	}
	return &WhatsAppSessionManager{
		sessions: make(map[int]*WhatsAppSession),
		baseDir:  baseDir,
	}
}

// Session returns the bot's session, or nil when none was created yet.
func (m *WhatsAppSessionManager) Session(botID int) *WhatsAppSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[botID]
}

func (m *WhatsAppSessionManager) getOrCreate(botID int) (*WhatsAppSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[botID]; ok {
		return s, nil
	}

	dbPath := fmt.Sprintf("%s/bot_%d.db", m.baseDir, botID)
	s, err := NewWhatsAppSession(dbPath, botID)
	if err != nil {
		return nil, fmt.Errorf("whatsapp session for bot %d: %w", botID, err)
	}
	s.OnMessage = m.OnMessage
	m.sessions[botID] = s
	return s, nil
}

// Connect brings up the bot's session, creating it on first use. A new
// device goes through QR pairing; GetQR on the returned session exposes the
// code while pairing is pending.
func (m *WhatsAppSessionManager) Connect(botID int) (*WhatsAppSession, error) {
	s, err := m.getOrCreate(botID)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(); err != nil {
		return nil, fmt.Errorf("connect whatsapp for bot %d: %w", botID, err)
	}
	return s, nil
}

func (m *WhatsAppSessionManager) Disconnect(botID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[botID]; ok {
		s.Disconnect()
		delete(m.sessions, botID)
	}
}

// Logout clears the bot's pairing. Missing or already-disconnected sessions
// are treated as success.
func (m *WhatsAppSessionManager) Logout(botID int) error {
	m.mu.RLock()
	s, ok := m.sessions[botID]
	m.mu.RUnlock()
	if !ok || s == nil {
		return nil
	}

	if !s.IsLoggedIn() && !s.Client.IsConnected() {
		m.mu.Lock()
		delete(m.sessions, botID)
		m.mu.Unlock()
		return nil
	}

	err := s.Logout()
	m.mu.Lock()
	delete(m.sessions, botID)
	m.mu.Unlock()
	return err
}

// ConnectedBots lists bots with a paired session.
func (m *WhatsAppSessionManager) ConnectedBots() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var bots []int
	for botID, s := range m.sessions {
		if s.IsLoggedIn() {
			bots = append(bots, botID)
		}
	}
	return bots
}

// DisconnectAll tears down every session, for graceful shutdown.
func (m *WhatsAppSessionManager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.Disconnect()
	}
	m.sessions = make(map[int]*WhatsAppSession)
}

// WhatsAppSender routes outbound WhatsApp replies: through the bot's
// personal session when one is paired, otherwise through the Cloud API.
type WhatsAppSender struct {
	sessions *WhatsAppSessionManager
	cloud    *WhatsAppCloudSender
}

func NewWhatsAppSender(sessions *WhatsAppSessionManager, cloud *WhatsAppCloudSender) *WhatsAppSender {
	return &WhatsAppSender{sessions: sessions, cloud: cloud}
}

func (s *WhatsAppSender) Send(ctx context.Context, req entities.SendRequest) error {
	if sess := s.sessions.Session(req.BotID); sess != nil && sess.IsConnected() {
		return sess.SendText(ctx, req.Recipient, req.Text)
	}
	return s.cloud.Send(ctx, req)
}
