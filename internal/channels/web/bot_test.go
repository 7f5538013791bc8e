package web

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ttexan1/klavis-sub000/internal/auth"
	"github.com/ttexan1/klavis-sub000/internal/channels"
	"github.com/ttexan1/klavis-sub000/internal/storage"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

type echoRunner struct {
	mu   sync.Mutex
	msgs []*models.InboundMessage
}

func (r *echoRunner) RunTurn(ctx context.Context, msg *models.InboundMessage, p channels.Platform) <-chan string {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	tokens := []string{
		"Thinking.\n<special>[Calling tool calculator with arguments {}...]" + p.SplitToken + "\n",
		"You said: " + msg.Text,
	}
	out := make(chan string)
	go func() {
		defer close(out)
		for _, tok := range tokens {
			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (r *echoRunner) last() *models.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[len(r.msgs)-1]
}

func newTestServer(t *testing.T, secret string, history storage.MessageStore) (*Bot, *echoRunner, *httptest.Server) {
	t.Helper()
	runner := &echoRunner{}
	bot, err := New(Config{
		JWTSecret: secret,
		Base:      channels.BaseConfig{Runner: runner, History: history},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(bot.Handler())
	t.Cleanup(srv.Close)
	return bot, runner, srv
}

func readFrames(t *testing.T, r io.Reader) []Frame {
	t.Helper()
	var frames []Frame
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var f Frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			t.Fatalf("bad frame %q: %v", scanner.Text(), err)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestChatStreamsNDJSON(t *testing.T) {
	_, runner, srv := newTestServer(t, "", nil)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/chat", strings.NewReader(`{"message":"hi","conversation_id":"c1"}`))
	req.Header.Set("X-User-ID", "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/x-ndjson" {
		t.Fatalf("status=%d type=%q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	frames := readFrames(t, resp.Body)
	wantTypes := []string{FrameText, FrameSpecial, FrameText, FrameDone}
	if len(frames) != len(wantTypes) {
		t.Fatalf("frames = %+v", frames)
	}
	for i, f := range frames {
		if f.Type != wantTypes[i] {
			t.Errorf("frame %d type = %q, want %q", i, f.Type, wantTypes[i])
		}
		if f.ConversationID != "web:alice/c1" {
			t.Errorf("frame %d conversation = %q", i, f.ConversationID)
		}
	}
	if frames[1].Tool != "calculator" || frames[1].Status != "Working on it..." {
		t.Errorf("special = %+v", frames[1])
	}
	if frames[2].Text != "You said: hi" {
		t.Errorf("answer = %q", frames[2].Text)
	}
	if got := runner.last(); got.UserID != "alice" || got.ThreadID != "alice/c1" {
		t.Errorf("inbound = %+v", got)
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	_, _, srv := newTestServer(t, "", nil)
	for _, body := range []string{`{`, `{"message":"  "}`} {
		resp, err := http.Post(srv.URL+"/api/chat", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d", body, resp.StatusCode)
		}
	}
}

func TestChatRequiresToken(t *testing.T) {
	_, runner, srv := newTestServer(t, "s3cret", nil)

	resp, err := http.Post(srv.URL+"/api/chat", "application/json", strings.NewReader(`{"message":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	token, err := auth.NewJWTService("s3cret", time.Hour).Generate(auth.Identity{UserID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readFrames(t, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || runner.last().UserID != "bob" {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestWebsocketTurn(t *testing.T) {
	bot, _, srv := newTestServer(t, "", nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-User-ID": []string{"carol"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(ChatRequest{Message: "ping"}); err != nil {
		t.Fatal(err)
	}
	var frames []Frame
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v (frames so far %+v)", err, frames)
		}
		frames = append(frames, f)
		if f.Type == FrameDone {
			break
		}
	}
	if len(frames) != 4 || frames[2].Text != "You said: ping" || frames[0].ConversationID != "web:carol" {
		t.Fatalf("frames = %+v", frames)
	}

	if err := bot.SendMessage(context.Background(), "carol", "server push"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	var pushed Frame
	if err := conn.ReadJSON(&pushed); err != nil {
		t.Fatal(err)
	}
	if pushed.Type != FrameText || pushed.Text != "server push" {
		t.Fatalf("pushed = %+v", pushed)
	}

	if err := bot.SendMessage(context.Background(), "nobody", "x"); channels.GetErrorCode(err) != channels.ErrCodeInvalidInput {
		t.Fatalf("SendMessage to nobody = %v", err)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	store := storage.NewMemoryMessageStore()
	msgs := []*models.ChatMessage{
		models.MustChatMessage(models.RoleUser, models.TextContent{Text: "hi"}),
		models.MustChatMessage(models.RoleAssistant, models.TextContent{Text: "hello"}),
	}
	if err := store.StoreNewMessages(context.Background(), "web:dave/c9", msgs); err != nil {
		t.Fatal(err)
	}
	_, _, srv := newTestServer(t, "", store)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/history?conversation_id=c9&limit=1", nil)
	req.Header.Set("X-User-ID", "dave")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got []*models.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text() != "hello" {
		t.Fatalf("history = %+v", got)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/history?limit=zero", nil)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp2.StatusCode)
	}
}

func TestFrameRendererMarksErrors(t *testing.T) {
	var frames []Frame
	r := &frameRenderer{write: func(f Frame) error { frames = append(frames, f); return nil }}
	_ = r.SendText(context.Background(), channels.ErrorPrefix+"boom")
	_ = r.SendText(context.Background(), "fine")
	if frames[0].Type != FrameError || frames[1].Type != FrameText {
		t.Fatalf("frames = %+v", frames)
	}
}
