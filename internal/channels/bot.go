package channels

import (
	"context"
	"log/slog"

	"github.com/ttexan1/klavis-sub000/internal/storage"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

// Bot is the capability set every platform integration provides.
type Bot interface {
	Platform() Platform
	// SendMessage posts plain text to a platform channel or chat.
	SendMessage(ctx context.Context, channelID, text string) error
	// ProcessQueryWithStreaming runs one turn for msg and streams the reply
	// back to where msg came from.
	ProcessQueryWithStreaming(ctx context.Context, msg *models.InboundMessage) error
	// GetMessagesHistory returns recent stored messages, oldest first.
	GetMessagesHistory(ctx context.Context, conversationID string, limit int) ([]*models.ChatMessage, error)
	// Run connects to the platform and serves until ctx is done.
	Run(ctx context.Context) error
}

// TurnRunner starts a conversation turn and returns its token stream. The
// stream carries user-facing refusals and timeouts as ordinary text.
type TurnRunner interface {
	RunTurn(ctx context.Context, msg *models.InboundMessage, p Platform) <-chan string
}

// Base carries what every bot shares: the turn runner, the message store
// and a consumer configured for the bot's platform.
type Base struct {
	platform Platform
	runner   TurnRunner
	history  storage.MessageStore
	consumer *Consumer
	logger   *slog.Logger
}

// BaseConfig configures a Base.
type BaseConfig struct {
	Runner   TurnRunner
	History  storage.MessageStore
	Consumer ConsumerConfig
}

// NewBase builds the shared bot plumbing for platform p.
func NewBase(p Platform, cfg BaseConfig) *Base {
	cfg.Consumer.Platform = p
	consumer := NewConsumer(cfg.Consumer)
	return &Base{
		platform: p,
		runner:   cfg.Runner,
		history:  cfg.History,
		consumer: consumer,
		logger:   consumer.cfg.Logger.With("channel", string(p.Name)),
	}
}

func (b *Base) Platform() Platform { return b.platform }

func (b *Base) Logger() *slog.Logger { return b.logger }

// Stream runs a turn for msg and renders it through r.
func (b *Base) Stream(ctx context.Context, msg *models.InboundMessage, r Renderer) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	return b.consumer.Consume(turnCtx, b.runner.RunTurn(turnCtx, msg, b.platform), r)
}

func (b *Base) GetMessagesHistory(ctx context.Context, conversationID string, limit int) ([]*models.ChatMessage, error) {
	if b.history == nil {
		return nil, nil
	}
	return b.history.History(ctx, conversationID, limit)
}
