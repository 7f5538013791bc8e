// Package whatsapp connects the chat bridge to WhatsApp through whatsmeow.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for whatsmeow

	"github.com/ttexan1/klavis-sub000/internal/channels"
	"github.com/ttexan1/klavis-sub000/internal/channels/chunk"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

// sender is the subset of *whatsmeow.Client used to deliver replies.
type sender interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

const (
	qrSize          = 256
	shutdownTimeout = 10 * time.Second
)

// Config holds configuration for the WhatsApp bot.
type Config struct {
	// SessionPath is the SQLite database holding the device session.
	SessionPath string
	// QRCodePath receives the pairing QR code as a PNG when the device is
	// not linked yet.
	QRCodePath string

	Base   channels.BaseConfig
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.SessionPath == "" {
		return channels.ErrConfig("whatsapp session path is required", nil)
	}
	if c.QRCodePath == "" {
		c.QRCodePath = filepath.Join(filepath.Dir(expandPath(c.SessionPath)), "whatsapp-qr.png")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Base.Consumer.Logger == nil {
		c.Base.Consumer.Logger = c.Logger
	}
	return nil
}

// Bot answers direct messages on a linked WhatsApp device.
type Bot struct {
	*channels.Base

	config Config
	logger *slog.Logger

	mu     sync.RWMutex
	sender sender
	ctx    context.Context
	wg     sync.WaitGroup
}

// New creates a WhatsApp bot. The session store is opened by Run.
func New(config Config) (*Bot, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	base := channels.NewBase(channels.WhatsApp, config.Base)
	return &Bot{
		Base:   base,
		config: config,
		logger: base.Logger(),
		ctx:    context.Background(),
	}, nil
}

// Run opens the device session, pairs it if needed and serves until ctx is
// done.
func (b *Bot) Run(ctx context.Context) error {
	sessionPath := expandPath(b.config.SessionPath)
	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o755); err != nil {
		return channels.ErrConfig("failed to create session directory", err)
	}

	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", sessionPath), waLog.Noop)
	if err != nil {
		return channels.ErrConnection("failed to open whatsapp session store", err)
	}
	defer func() {
		if err := container.Close(); err != nil {
			b.logger.Warn("failed to close whatsapp session store", "error", err)
		}
	}()

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return channels.ErrConnection("failed to load whatsapp device", err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(b.handleEvent)

	b.mu.Lock()
	b.sender = client
	b.ctx = ctx
	b.mu.Unlock()

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return channels.ErrAuthentication("failed to start whatsapp pairing", err)
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.pair(ctx, qrChan)
		}()
	}
	if err := client.Connect(); err != nil {
		return channels.ErrConnection("failed to connect to WhatsApp", err)
	}
	b.logger.Info("whatsapp bot started", "linked", client.Store.ID != nil)

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		b.logger.Warn("stop timeout, closing with turns in flight")
	}
	client.Disconnect()
	b.logger.Info("whatsapp bot stopped")
	return nil
}

func (b *Bot) pair(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				if err := writeQRCode(item.Code, b.config.QRCodePath); err != nil {
					b.logger.Error("failed to write pairing QR code", "error", err)
					continue
				}
				b.logger.Info("scan the QR code to link WhatsApp", "path", b.config.QRCodePath)
			case "success":
				b.logger.Info("whatsapp device linked")
			default:
				b.logger.Warn("whatsapp pairing event", "event", item.Event)
			}
		}
	}
}

// writeQRCode renders code as a PNG at path.
func writeQRCode(code, path string) error {
	png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
	if err != nil {
		return fmt.Errorf("encode qr code: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create qr directory: %w", err)
	}
	return os.WriteFile(path, png, 0o600)
}

// SendMessage sends text to a chat JID, split at the message size limit.
func (b *Bot) SendMessage(ctx context.Context, chatID, text string) error {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return channels.ErrInvalidInput(fmt.Sprintf("invalid chat id %q", chatID), err)
	}
	b.mu.RLock()
	s := b.sender
	b.mu.RUnlock()
	if s == nil {
		return channels.ErrConnection("whatsapp client is not running", nil)
	}
	for _, part := range chunk.Text(text, b.Platform().HardLimit) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		if _, err := s.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(part)}); err != nil {
			return channels.NewError(channels.ErrCodeInternal, "failed to send whatsapp message", err)
		}
	}
	return nil
}

// ProcessQueryWithStreaming runs a turn and replies in msg's chat.
func (b *Bot) ProcessQueryWithStreaming(ctx context.Context, msg *models.InboundMessage) error {
	return b.Stream(ctx, msg, &renderer{bot: b, chatID: msg.ChannelID})
}

func (b *Bot) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		b.logger.Info("connected to WhatsApp")
	case *events.Disconnected:
		b.logger.Warn("disconnected from WhatsApp")
	case *events.LoggedOut:
		b.logger.Warn("logged out from WhatsApp", "reason", v.Reason)
	case *events.Message:
		msg := toInbound(v)
		if msg == nil {
			return
		}
		b.mu.RLock()
		ctx := b.ctx
		b.mu.RUnlock()

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := b.ProcessQueryWithStreaming(ctx, msg); err != nil {
				b.logger.Error("processing whatsapp message failed", "chat", msg.ChannelID, "error", err)
			}
		}()
	}
}

// toInbound converts direct text messages. Group chats, broadcasts and the
// device's own messages are ignored.
func toInbound(evt *events.Message) *models.InboundMessage {
	if evt == nil || evt.Message == nil {
		return nil
	}
	info := evt.Info
	if info.IsFromMe || info.IsGroup || info.Chat.Server == types.BroadcastServer {
		return nil
	}

	text := messageText(evt.Message)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	msg := &models.InboundMessage{
		ID:         string(info.ID),
		Channel:    models.ChannelWhatsApp,
		UserID:     info.Sender.User,
		UserName:   info.PushName,
		ChannelID:  info.Chat.String(),
		Text:       strings.TrimSpace(text),
		Metadata:   map[string]any{"whatsapp_sender": info.Sender.String()},
		ReceivedAt: info.Timestamp,
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	return msg
}

func messageText(m *waE2E.Message) string {
	switch {
	case m.GetConversation() != "":
		return m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		return m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		return m.GetImageMessage().GetCaption()
	case m.GetDocumentMessage() != nil:
		return m.GetDocumentMessage().GetCaption()
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage().GetCaption()
	}
	return ""
}

type renderer struct {
	bot    *Bot
	chatID string
}

func (r *renderer) SendText(ctx context.Context, text string) error {
	return r.bot.SendMessage(ctx, r.chatID, text)
}

// SendSpecial sends the notice in italics with the waiting line below it.
func (r *renderer) SendSpecial(ctx context.Context, notice channels.Notice) error {
	text := "_" + notice.Body + "_"
	if status := notice.Status(); status != "" {
		text += "\n" + status
	}
	return r.bot.SendMessage(ctx, r.chatID, text)
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
