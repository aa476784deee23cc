package infrastructure

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"botfactory/internal/entities"
)

// WhatsAppSession is one bot's personal WhatsApp connection, backed by a
// per-bot SQLite device store. Incoming text messages are normalized and
// handed to the OnMessage callback.
type WhatsAppSession struct {
	Client *whatsmeow.Client
	BotID  int

	// OnMessage receives every inbound text message on this session.
	OnMessage func(msg entities.InboundMessage)

	qrCode string
	qrLock sync.RWMutex
}

func NewWhatsAppSession(dbPath string, botID int) (*WhatsAppSession, error) {
	dbLog := waLog.Stdout("Database", "ERROR", true)
	container, err := sqlstore.New(context.Background(), "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)", dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device store: %v", err)
	}

	deviceStore, err := container.GetFirstDevice(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %v", err)
	}

	clientLog := waLog.Stdout("Client", "ERROR", true)
	client := whatsmeow.NewClient(deviceStore, clientLog)

	s := &WhatsAppSession{
		Client: client,
		BotID:  botID,
	}
	client.AddEventHandler(s.handleEvent)
	return s, nil
}

func (w *WhatsAppSession) handleEvent(evt interface{}) {
	msg, ok := evt.(*events.Message)
	if !ok {
		return
	}
	if msg.Info.IsFromMe || msg.Info.IsGroup {
		return
	}

	var text string
	if msg.Message.Conversation != nil {
		text = *msg.Message.Conversation
	} else if msg.Message.ExtendedTextMessage != nil && msg.Message.ExtendedTextMessage.Text != nil {
		text = *msg.Message.ExtendedTextMessage.Text
	}
	if text == "" || w.OnMessage == nil {
		return
	}

	// The whatsmeow event ID is stable across socket redeliveries, so it
	// doubles as the dedup key.
	w.OnMessage(entities.InboundMessage{
		ExternalID: msg.Info.ID,
		Platform:   entities.PlatformWhatsApp,
		BotID:      w.BotID,
		EndUserID:  msg.Info.Sender.User,
		Text:       text,
		ReceivedAt: time.Now().UTC(),
	})
}

func (w *WhatsAppSession) Connect() error {
	if w.Client.Store.ID == nil {
		// No ID stored, new login
		qrChan, _ := w.Client.GetQRChannel(context.Background())
		if err := w.Client.Connect(); err != nil {
			return err
		}
		go w.watchQR(qrChan)
		return nil
	}
	return w.Client.Connect()
}

func (w *WhatsAppSession) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		if evt.Event == "code" {
			w.qrLock.Lock()
			w.qrCode = evt.Code
			w.qrLock.Unlock()
		}
	}
}

func (w *WhatsAppSession) GetQR() string {
	w.qrLock.RLock()
	defer w.qrLock.RUnlock()
	return w.qrCode
}

func (w *WhatsAppSession) IsLoggedIn() bool {
	return w.Client.Store.ID != nil
}

func (w *WhatsAppSession) IsConnected() bool {
	return w.Client.IsConnected() && w.Client.Store.ID != nil
}

// PhoneNumber returns the connected account's number, empty before login.
func (w *WhatsAppSession) PhoneNumber() string {
	if w.Client.Store.ID == nil {
		return ""
	}
	return w.Client.Store.ID.User
}

func (w *WhatsAppSession) Logout() error {
	w.qrLock.Lock()
	w.qrCode = ""
	w.qrLock.Unlock()

	if err := w.Client.Logout(context.Background()); err != nil {
		return err
	}
	w.Client.Disconnect()

	// Reconnect so a fresh QR is available for re-pairing.
	qrChan, _ := w.Client.GetQRChannel(context.Background())
	if err := w.Client.Connect(); err != nil {
		return err
	}
	go w.watchQR(qrChan)
	return nil
}

func (w *WhatsAppSession) Disconnect() {
	w.Client.Disconnect()
}

func (w *WhatsAppSession) SendText(ctx context.Context, to, content string) error {
	jid, err := types.ParseJID(to + "@s.whatsapp.net")
	if err != nil {
		return fmt.Errorf("invalid number format: %v", err)
	}
	_, err = w.Client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: &content,
	})
	return err
}

// SendTyping shows the composing indicator to the recipient.
func (w *WhatsAppSession) SendTyping(to string) {
	jid, err := types.ParseJID(to + "@s.whatsapp.net")
	if err != nil {
		return
	}
	w.Client.SendPresence(context.Background(), types.PresenceAvailable)
	w.Client.SendChatPresence(context.Background(), jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}
