// Package slack connects the chat bridge to Slack over Socket Mode.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/ttexan1/klavis-sub000/internal/channels"
	"github.com/ttexan1/klavis-sub000/internal/channels/chunk"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

// apiClient is the subset of *slack.Client the bot uses.
type apiClient interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// socketClient is the subset of *socketmode.Client the bot uses. Events are
// read from a separate channel because the client exposes them as a field.
type socketClient interface {
	RunContext(ctx context.Context) error
	Ack(req socketmode.Request, payload ...interface{})
}

var _ apiClient = (*slack.Client)(nil)

const shutdownTimeout = 10 * time.Second

// Config holds configuration for the Slack bot.
type Config struct {
	BotToken string // xoxb- token for API calls
	AppToken string // xapp- token for Socket Mode

	Base   channels.BaseConfig
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return channels.ErrConfig("slack bot token is required", nil)
	}
	if !strings.HasPrefix(c.AppToken, "xapp-") {
		return channels.ErrConfig("slack app token must start with xapp-", nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Base.Consumer.Logger == nil {
		c.Base.Consumer.Logger = c.Logger
	}
	return nil
}

// Bot answers mentions, direct messages and follow-ups in threads it was
// mentioned in.
type Bot struct {
	*channels.Base

	config Config
	api    apiClient
	socket socketClient
	events <-chan socketmode.Event
	logger *slog.Logger

	mu        sync.RWMutex
	botUserID string
	ctx       context.Context
	wg        sync.WaitGroup
}

// New creates a Slack bot.
func New(config Config) (*Bot, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	client := slack.New(config.BotToken, slack.OptionAppLevelToken(config.AppToken))
	socket := socketmode.New(client, socketmode.OptionDebug(false))

	base := channels.NewBase(channels.Slack, config.Base)
	return &Bot{
		Base:   base,
		config: config,
		api:    client,
		socket: socket,
		events: socket.Events,
		logger: base.Logger(),
		ctx:    context.Background(),
	}, nil
}

// Run authenticates, opens the Socket Mode connection and serves events
// until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	auth, err := b.api.AuthTestContext(ctx)
	if err != nil {
		return channels.ErrAuthentication("failed to authenticate with Slack", err)
	}
	b.mu.Lock()
	b.botUserID = auth.UserID
	b.ctx = ctx
	b.mu.Unlock()
	b.logger.Info("slack bot started", "bot_user_id", auth.UserID, "team", auth.Team)

	socketErr := make(chan error, 1)
	go func() { socketErr <- b.socket.RunContext(ctx) }()

	for {
		select {
		case <-ctx.Done():
			b.wait()
			return nil
		case err := <-socketErr:
			b.wait()
			if ctx.Err() != nil {
				return nil
			}
			return channels.ErrConnection("socket mode connection ended", err)
		case evt, ok := <-b.events:
			if !ok {
				b.wait()
				return nil
			}
			b.handleEvent(evt)
		}
	}
}

func (b *Bot) wait() {
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
}

// SendMessage posts text to a channel as mrkdwn section blocks.
func (b *Bot) SendMessage(ctx context.Context, channelID, text string) error {
	return b.post(ctx, channelID, "", text)
}

// ProcessQueryWithStreaming runs a turn and replies in msg's thread.
func (b *Bot) ProcessQueryWithStreaming(ctx context.Context, msg *models.InboundMessage) error {
	return b.Stream(ctx, msg, &renderer{bot: b, channelID: msg.ChannelID, threadTS: msg.ThreadID})
}

func (b *Bot) post(ctx context.Context, channelID, threadTS, text string) error {
	for _, part := range chunk.Markdown(text, b.Platform().HardLimit) {
		options := []slack.MsgOption{
			slack.MsgOptionText(part, false),
			slack.MsgOptionBlocks(sectionBlocks(part)...),
		}
		if threadTS != "" {
			options = append(options, slack.MsgOptionTS(threadTS))
		}
		if _, _, err := b.api.PostMessageContext(ctx, channelID, options...); err != nil {
			return channels.NewError(channels.ErrCodeInternal, "failed to post Slack message", err)
		}
	}
	return nil
}

// sectionBlocks splits text into section blocks within Slack's per-block
// text limit.
func sectionBlocks(text string) []slack.Block {
	parts := chunk.Markdown(text, channels.SlackSectionLimit)
	blocks := make([]slack.Block, 0, len(parts))
	for _, part := range parts {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, part, false, false), nil, nil))
	}
	return blocks
}

// noticeBlocks renders a notice as a context block followed by the waiting
// line, if any.
func noticeBlocks(n channels.Notice) []slack.Block {
	body := n.Body
	if len(body) > channels.SlackSectionLimit {
		body = chunk.Text(body, channels.SlackSectionLimit)[0]
	}
	elements := []slack.MixedElement{slack.NewTextBlockObject(slack.MarkdownType, "`"+strings.ReplaceAll(body, "`", "'")+"`", false, false)}
	if status := n.Status(); status != "" {
		elements = append(elements, slack.NewTextBlockObject(slack.MarkdownType, "_"+status+"_", false, false))
	}
	return []slack.Block{slack.NewContextBlock("", elements...)}
}

func (b *Bot) handleEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.logger.Info("connecting to slack socket mode")
	case socketmode.EventTypeConnectionError:
		b.logger.Warn("slack socket mode connection error", "data", fmt.Sprint(evt.Data))
	case socketmode.EventTypeConnected:
		b.logger.Info("connected to slack socket mode")
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			b.socket.Ack(*evt.Request)
		}
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || apiEvent.Type != slackevents.CallbackEvent {
			return
		}
		b.handleCallback(apiEvent.InnerEvent)
	case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
		if evt.Request != nil {
			b.socket.Ack(*evt.Request)
		}
	}
}

func (b *Bot) handleCallback(inner slackevents.EventsAPIInnerEvent) {
	b.mu.RLock()
	botUserID, ctx := b.botUserID, b.ctx
	b.mu.RUnlock()

	var msg *models.InboundMessage
	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		msg = fromMention(ev, botUserID)
	case *slackevents.MessageEvent:
		// Channel messages arrive as app_mention; only direct messages are
		// taken from the message stream.
		if ev.ChannelType != "im" {
			return
		}
		msg = fromDirectMessage(ev, botUserID, b.config.BotToken)
	}
	if msg == nil {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.ProcessQueryWithStreaming(ctx, msg); err != nil {
			b.logger.Error("processing slack message failed", "channel_id", msg.ChannelID, "error", err)
		}
	}()
}

var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+(\|[^>]*)?>`)

func stripMention(text, botUserID string) string {
	text = mentionPattern.ReplaceAllStringFunc(text, func(tag string) string {
		if botUserID != "" && strings.HasPrefix(tag, "<@"+botUserID) {
			return ""
		}
		return tag
	})
	return strings.TrimSpace(text)
}

func fromMention(ev *slackevents.AppMentionEvent, botUserID string) *models.InboundMessage {
	if ev == nil || ev.BotID != "" || ev.User == "" || ev.User == botUserID {
		return nil
	}
	return newInbound(ev.User, ev.Channel, ev.TimeStamp, ev.ThreadTimeStamp, stripMention(ev.Text, botUserID), nil)
}

func fromDirectMessage(ev *slackevents.MessageEvent, botUserID, botToken string) *models.InboundMessage {
	if ev == nil || ev.BotID != "" || ev.User == "" || ev.User == botUserID {
		return nil
	}
	if ev.SubType != "" && ev.SubType != "file_share" {
		return nil
	}
	var files []models.FileContent
	if ev.Message != nil {
		for _, f := range ev.Message.Files {
			files = append(files, models.FileContent{
				Filename:  strings.TrimSuffix(f.Name, path.Ext(f.Name)),
				Extension: strings.TrimPrefix(path.Ext(f.Name), "."),
				URL:       f.URLPrivateDownload,
				AuthToken: botToken,
			})
		}
	}
	return newInbound(ev.User, ev.Channel, ev.TimeStamp, ev.ThreadTimeStamp, stripMention(ev.Text, botUserID), files)
}

// newInbound threads every reply under the message that started it.
func newInbound(user, channel, ts, threadTS, text string, files []models.FileContent) *models.InboundMessage {
	if text == "" && len(files) == 0 {
		return nil
	}
	if threadTS == "" {
		threadTS = ts
	}
	msg := &models.InboundMessage{
		ID:        channel + ":" + ts,
		Channel:   models.ChannelSlack,
		UserID:    user,
		ChannelID: channel,
		ThreadID:  threadTS,
		Text:      text,
		Files:     files,
		Metadata: map[string]any{
			"slack_ts":        ts,
			"slack_thread_ts": threadTS,
		},
		ReceivedAt: time.Now(),
	}
	if t, err := parseTimestamp(ts); err == nil {
		msg.ReceivedAt = t
	}
	return msg
}

// parseTimestamp converts a Slack "seconds.micros" timestamp.
func parseTimestamp(ts string) (time.Time, error) {
	var sec, usec int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &sec, &usec); err != nil {
		return time.Time{}, fmt.Errorf("invalid slack timestamp %q: %w", ts, err)
	}
	return time.Unix(sec, usec*1000), nil
}

type renderer struct {
	bot       *Bot
	channelID string
	threadTS  string
}

func (r *renderer) SendText(ctx context.Context, text string) error {
	return r.bot.post(ctx, r.channelID, r.threadTS, text)
}

func (r *renderer) SendSpecial(ctx context.Context, notice channels.Notice) error {
	options := []slack.MsgOption{
		slack.MsgOptionText(notice.Body, false),
		slack.MsgOptionBlocks(noticeBlocks(notice)...),
	}
	if r.threadTS != "" {
		options = append(options, slack.MsgOptionTS(r.threadTS))
	}
	if _, _, err := r.bot.api.PostMessageContext(ctx, r.channelID, options...); err != nil {
		return channels.NewError(channels.ErrCodeInternal, fmt.Sprintf("failed to post %s notice", notice.Kind), err)
	}
	return nil
}
