// Package web serves the chat bridge over HTTP: a streaming NDJSON endpoint,
// a websocket endpoint and a history endpoint.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ttexan1/klavis-sub000/internal/auth"
	"github.com/ttexan1/klavis-sub000/internal/channels"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

const (
	maxBodyBytes        = 1 << 20
	wsWriteWait         = 10 * time.Second
	wsPongWait          = 60 * time.Second
	wsPingPeriod        = wsPongWait * 9 / 10
	shutdownTimeout     = 10 * time.Second
	defaultHistoryLimit = 50
)

// Frame types.
const (
	FrameText    = "text"
	FrameSpecial = "special"
	FrameError   = "error"
	FrameDone    = "done"
)

// Frame is one NDJSON line or websocket message sent to clients.
type Frame struct {
	Type           string `json:"type"`
	Text           string `json:"text,omitempty"`
	Tool           string `json:"tool,omitempty"`
	Status         string `json:"status,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatRequest is the body of POST /api/chat and of websocket messages.
type ChatRequest struct {
	Message        string               `json:"message"`
	ConversationID string               `json:"conversation_id,omitempty"`
	Files          []models.FileContent `json:"files,omitempty"`
}

// Config holds configuration for the web bot.
type Config struct {
	Listen string
	// JWTSecret enables bearer authentication when set.
	JWTSecret string

	Base   channels.BaseConfig
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Base.Consumer.Logger == nil {
		c.Base.Consumer.Logger = c.Logger
	}
	return nil
}

// Bot serves web clients.
type Bot struct {
	*channels.Base

	config   Config
	auth     *auth.JWTService
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
}

// New creates a web bot.
func New(config Config) (*Bot, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	base := channels.NewBase(channels.Web, config.Base)
	return &Bot{
		Base:   base,
		config: config,
		auth:   auth.NewJWTService(config.JWTSecret, 0),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		logger:  base.Logger(),
		clients: make(map[string]map[*wsClient]struct{}),
	}, nil
}

// Handler returns the HTTP routes, behind authentication.
func (b *Bot) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", b.handleChat)
	mux.HandleFunc("GET /api/ws", b.handleWebsocket)
	mux.HandleFunc("GET /api/history", b.handleHistory)
	return auth.Middleware(b.auth, b.logger, mux)
}

// Run serves HTTP until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              b.config.Listen,
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("web bot listening", "addr", b.config.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return channels.ErrConnection("web server failed", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return channels.ErrConnection("web server shutdown failed", err)
	}
	b.logger.Info("web bot stopped")
	return nil
}

// SendMessage pushes text to every websocket connected for a user.
func (b *Bot) SendMessage(ctx context.Context, userID, text string) error {
	return b.broadcast(userID, Frame{Type: FrameText, Text: text})
}

// ProcessQueryWithStreaming runs a turn and streams it to the user's
// websocket clients.
func (b *Bot) ProcessQueryWithStreaming(ctx context.Context, msg *models.InboundMessage) error {
	r := &frameRenderer{conversationID: msg.ConversationID(), write: func(f Frame) error {
		return b.broadcast(msg.ChannelID, f)
	}}
	err := b.Stream(ctx, msg, r)
	r.done()
	return err
}

func (b *Bot) broadcast(userID string, f Frame) error {
	b.mu.RLock()
	clients := make([]*wsClient, 0, len(b.clients[userID]))
	for c := range b.clients[userID] {
		clients = append(clients, c)
	}
	b.mu.RUnlock()
	if len(clients) == 0 {
		return channels.ErrInvalidInput(fmt.Sprintf("no websocket clients for %s", userID), nil)
	}
	var errs []error
	for _, c := range clients {
		if err := c.write(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bot) handleChat(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	msg := newInbound(id, req)
	if msg == nil {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	rend := &frameRenderer{conversationID: msg.ConversationID(), write: func(f Frame) error {
		if err := enc.Encode(f); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}}
	if err := b.Stream(r.Context(), msg, rend); err != nil {
		b.logger.Warn("web chat stream ended with error", "error", err)
	}
	rend.done()
}

func (b *Bot) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	conversationID := (&models.InboundMessage{
		Channel:   models.ChannelWeb,
		ChannelID: id.UserID,
		ThreadID:  threadID(id.UserID, r.URL.Query().Get("conversation_id")),
	}).ConversationID()

	history, err := b.GetMessagesHistory(r.Context(), conversationID, limit)
	if err != nil {
		b.logger.Error("loading history failed", "conversation_id", conversationID, "error", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []*models.ChatMessage{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(history); err != nil {
		b.logger.Warn("writing history failed", "error", err)
	}
}

func (b *Bot) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{conn: conn}
	b.register(id.UserID, client)
	defer func() {
		b.unregister(id.UserID, client)
		_ = conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go client.ping(ctx)

	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	var turns sync.WaitGroup
	defer turns.Wait()
	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		msg := newInbound(id, req)
		if msg == nil {
			_ = client.write(Frame{Type: FrameError, Text: "message is required"})
			continue
		}
		turns.Add(1)
		go func() {
			defer turns.Done()
			rend := &frameRenderer{conversationID: msg.ConversationID(), write: client.write}
			if err := b.Stream(ctx, msg, rend); err != nil {
				b.logger.Warn("websocket turn ended with error", "error", err)
			}
			rend.done()
		}()
	}
}

func (b *Bot) register(userID string, c *wsClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[userID] == nil {
		b.clients[userID] = make(map[*wsClient]struct{})
	}
	b.clients[userID][c] = struct{}{}
}

func (b *Bot) unregister(userID string, c *wsClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients[userID], c)
	if len(b.clients[userID]) == 0 {
		delete(b.clients, userID)
	}
}

// threadID scopes a client-chosen conversation id to its user.
func threadID(userID, conversationID string) string {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return ""
	}
	return userID + "/" + conversationID
}

func newInbound(id auth.Identity, req ChatRequest) *models.InboundMessage {
	text := strings.TrimSpace(req.Message)
	if text == "" && len(req.Files) == 0 {
		return nil
	}
	return &models.InboundMessage{
		ID:         uuid.NewString(),
		Channel:    models.ChannelWeb,
		UserID:     id.UserID,
		UserName:   id.Name,
		ChannelID:  id.UserID,
		ThreadID:   threadID(id.UserID, req.ConversationID),
		Text:       text,
		Files:      req.Files,
		ReceivedAt: time.Now(),
	}
}

type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) write(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
	return c.conn.WriteJSON(f)
}

func (c *wsClient) ping(ctx context.Context) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// frameRenderer maps consumer output to frames. Error messages produced by
// the consumer become error frames.
type frameRenderer struct {
	conversationID string
	write          func(Frame) error
}

func (r *frameRenderer) SendText(ctx context.Context, text string) error {
	kind := FrameText
	if strings.HasPrefix(text, channels.ErrorPrefix) {
		kind = FrameError
	}
	return r.write(Frame{Type: kind, Text: text, ConversationID: r.conversationID})
}

func (r *frameRenderer) SendSpecial(ctx context.Context, notice channels.Notice) error {
	return r.write(Frame{
		Type:           FrameSpecial,
		Text:           notice.Body,
		Tool:           notice.Tool,
		Status:         notice.Status(),
		ConversationID: r.conversationID,
	})
}

func (r *frameRenderer) done() {
	_ = r.write(Frame{Type: FrameDone, ConversationID: r.conversationID})
}
