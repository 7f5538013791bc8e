// Package discord connects the chat bridge to Discord through discordgo.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/ttexan1/klavis-sub000/internal/backoff"
	"github.com/ttexan1/klavis-sub000/internal/channels"
	"github.com/ttexan1/klavis-sub000/internal/channels/chunk"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

// session is the subset of *discordgo.Session the bot uses.
type session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

const (
	noticeColor     = 0x5865F2
	embedTextLimit  = 4096
	shutdownTimeout = 10 * time.Second
)

// Config holds configuration for the Discord bot.
type Config struct {
	// Token is the bot token from the Discord Developer Portal.
	Token string

	// MaxConnectAttempts bounds gateway connection attempts at startup.
	MaxConnectAttempts int

	// ConnectBackoff spaces connection attempts.
	ConnectBackoff backoff.Policy

	Base   channels.BaseConfig
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("discord token is required", nil)
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = 5
	}
	if c.ConnectBackoff.Initial == 0 {
		c.ConnectBackoff = backoff.Policy{Initial: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.1}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Base.Consumer.Logger == nil {
		c.Base.Consumer.Logger = c.Logger
	}
	return nil
}

// Bot serves mentions and direct messages on Discord.
type Bot struct {
	*channels.Base

	config  Config
	session session
	logger  *slog.Logger

	mu        sync.RWMutex
	botUserID string
	ctx       context.Context
	// stopping is set under mu before Run waits on wg, so no turn is
	// added to wg once the wait has begun.
	stopping bool
	wg       sync.WaitGroup
}

// New creates a Discord bot.
func New(config Config) (*Bot, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	base := channels.NewBase(channels.Discord, config.Base)
	return &Bot{
		Base:   base,
		config: config,
		logger: base.Logger(),
		ctx:    context.Background(),
	}, nil
}

// Run opens the gateway connection and serves until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	if b.session == nil {
		dg, err := discordgo.New("Bot " + b.config.Token)
		if err != nil {
			return channels.ErrAuthentication("failed to create Discord session", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentMessageContent
		b.session = dg
	}

	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	b.session.AddHandler(b.handleReady)
	b.session.AddHandler(b.handleMessageCreate)

	err := backoff.Do(ctx, b.config.ConnectBackoff, b.config.MaxConnectAttempts, nil, func(ctx context.Context) error {
		if err := b.session.Open(); err != nil {
			b.logger.Warn("connecting to discord failed", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return channels.ErrConnection("failed to connect to Discord", err)
	}
	b.logger.Info("discord bot started")

	<-ctx.Done()

	b.mu.Lock()
	b.stopping = true
	b.mu.Unlock()

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

	if err := b.session.Close(); err != nil {
		return channels.ErrConnection("failed to close Discord session", err)
	}
	b.logger.Info("discord bot stopped")
	return nil
}

// SendMessage posts text to a channel, split at the message size limit.
func (b *Bot) SendMessage(ctx context.Context, channelID, text string) error {
	for _, part := range chunk.Markdown(text, b.Platform().HardLimit) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		if _, err := b.session.ChannelMessageSend(channelID, part, discordgo.WithContext(ctx)); err != nil {
			return channels.NewError(channels.ErrCodeInternal, "failed to send message", err)
		}
	}
	return nil
}

// ProcessQueryWithStreaming runs a turn and replies in msg's channel.
func (b *Bot) ProcessQueryWithStreaming(ctx context.Context, msg *models.InboundMessage) error {
	if err := b.session.ChannelTyping(msg.ChannelID, discordgo.WithContext(ctx)); err != nil {
		b.logger.Debug("typing indicator failed", "error", err)
	}
	return b.Stream(ctx, msg, &renderer{bot: b, channelID: msg.ChannelID})
}

func (b *Bot) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	b.mu.Lock()
	b.botUserID = r.User.ID
	b.mu.Unlock()
	b.logger.Info("discord connection ready", "user", r.User.Username, "guilds", len(r.Guilds))
}

func (b *Bot) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	b.mu.RLock()
	botUserID := b.botUserID
	b.mu.RUnlock()

	msg := toInbound(m.Message, botUserID)
	if msg == nil {
		return
	}

	b.mu.Lock()
	ctx := b.ctx
	if b.stopping || ctx.Err() != nil {
		b.mu.Unlock()
		b.logger.Debug("dropping message during shutdown", "channel_id", msg.ChannelID)
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		if err := b.ProcessQueryWithStreaming(ctx, msg); err != nil {
			b.logger.Error("processing discord message failed", "channel_id", msg.ChannelID, "error", err)
		}
	}()
}

var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// toInbound converts a Discord message the bot should answer. Guild
// messages need a mention of the bot; direct messages are always answered.
func toInbound(m *discordgo.Message, botUserID string) *models.InboundMessage {
	if m == nil || m.Author == nil || m.Author.Bot || m.Author.ID == botUserID {
		return nil
	}
	if m.GuildID != "" && !mentions(m, botUserID) {
		return nil
	}

	text := mentionPattern.ReplaceAllStringFunc(m.Content, func(tag string) string {
		if botUserID != "" && strings.Contains(tag, botUserID) {
			return ""
		}
		return tag
	})

	msg := &models.InboundMessage{
		ID:         m.ID,
		Channel:    models.ChannelDiscord,
		UserID:     m.Author.ID,
		UserName:   m.Author.Username,
		ChannelID:  m.ChannelID,
		Text:       strings.TrimSpace(text),
		Metadata:   map[string]any{"discord_guild_id": m.GuildID},
		ReceivedAt: time.Now(),
	}
	if !m.Timestamp.IsZero() {
		msg.ReceivedAt = m.Timestamp
	}
	for _, att := range m.Attachments {
		msg.Files = append(msg.Files, models.FileContent{
			Filename:  strings.TrimSuffix(att.Filename, path.Ext(att.Filename)),
			Extension: strings.TrimPrefix(path.Ext(att.Filename), "."),
			URL:       att.URL,
		})
	}
	if msg.Text == "" && len(msg.Files) == 0 {
		return nil
	}
	return msg
}

func mentions(m *discordgo.Message, botUserID string) bool {
	if botUserID == "" {
		return false
	}
	for _, user := range m.Mentions {
		if user != nil && user.ID == botUserID {
			return true
		}
	}
	return false
}

type renderer struct {
	bot       *Bot
	channelID string
}

func (r *renderer) SendText(ctx context.Context, text string) error {
	return r.bot.SendMessage(ctx, r.channelID, text)
}

// SendSpecial shows a notice as an embed with the waiting line in its footer.
func (r *renderer) SendSpecial(ctx context.Context, notice channels.Notice) error {
	body := notice.Body
	if len(body) > embedTextLimit {
		body = chunk.Text(body, embedTextLimit)[0]
	}
	embed := &discordgo.MessageEmbed{
		Description: body,
		Color:       noticeColor,
	}
	if status := notice.Status(); status != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: status}
	}
	_, err := r.bot.session.ChannelMessageSendComplex(r.channelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return channels.NewError(channels.ErrCodeInternal, fmt.Sprintf("failed to send %s notice", notice.Kind), err)
	}
	return nil
}
