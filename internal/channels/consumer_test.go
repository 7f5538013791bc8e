package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingRenderer struct {
	mu        sync.Mutex
	events    []string
	notices   []Notice
	failText  string
	panicOnSp bool
}

func (r *recordingRenderer) SendText(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failText != "" && strings.Contains(text, r.failText) {
		return errors.New("platform rejected message")
	}
	r.events = append(r.events, "text:"+text)
	return nil
}

func (r *recordingRenderer) SendSpecial(ctx context.Context, n Notice) error {
	if r.panicOnSp {
		panic("renderer exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	r.events = append(r.events, fmt.Sprintf("special:%s:%s", n.Kind, n.Tool))
	return nil
}

func (r *recordingRenderer) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func feed(tokens ...string) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		for _, t := range tokens {
			ch <- t
		}
	}()
	return ch
}

func newTestConsumer(p Platform, longRunning ...string) *Consumer {
	return NewConsumer(ConsumerConfig{Platform: p, LongRunningTools: longRunning, Logger: discardLogger()})
}

const calcNotice = "\n<special>[Calling tool calculator with arguments {\"a\":2,\"b\":2,\"op\":\"add\"}...]"

func TestConsumeSplitsOnPlatformToken(t *testing.T) {
	r := &recordingRenderer{}
	c := newTestConsumer(Slack)
	stream := feed(
		"Let me check.",
		calcNotice+SlackSplitToken+"\n",
		"The answer",
		" is 4.",
		SlackSplitToken,
		"  ",
		SlackSplitToken,
		"Anything else?",
	)
	if err := c.Consume(context.Background(), stream, r); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	want := []string{
		"text:Let me check.",
		"special:tool_call:calculator",
		"text:The answer is 4.",
		"text:Anything else?",
	}
	if got := r.snapshot(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("events = %q, want %q", got, want)
	}
}

// Any way of slicing the same text into tokens yields the same messages.
func TestConsumeIsIndependentOfTokenBoundaries(t *testing.T) {
	full := "Hello there." + DiscordSplitToken +
		"\n<special>[Calling tool search with arguments {\"q\":\"go\"}...]" + DiscordSplitToken + "\n" +
		"\n<special>[Tool search still running... (30 seconds elapsed)]" + DiscordSplitToken + "\n" +
		"Found it." + DiscordSplitToken + DiscordSplitToken + "Bye."

	reference := &recordingRenderer{}
	if err := newTestConsumer(Discord).Consume(context.Background(), feed(full), reference); err != nil {
		t.Fatal(err)
	}
	want := strings.Join(reference.snapshot(), "|")
	if len(reference.snapshot()) != 5 {
		t.Fatalf("reference events = %q", reference.snapshot())
	}

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		var tokens []string
		for rest := full; rest != ""; {
			n := 1 + rng.Intn(9)
			if n > len(rest) {
				n = len(rest)
			}
			tokens = append(tokens, rest[:n])
			rest = rest[n:]
		}
		r := &recordingRenderer{}
		if err := newTestConsumer(Discord).Consume(context.Background(), feed(tokens...), r); err != nil {
			t.Fatal(err)
		}
		if got := strings.Join(r.snapshot(), "|"); got != want {
			t.Fatalf("trial %d: events = %q, want %q", trial, got, want)
		}
	}
}

func TestConsumeSplitTokenOverlappingPrefix(t *testing.T) {
	split := DiscordSplitToken
	full := "a" + split[:3] + split + "b"
	var tokens []string
	for i := range len(full) {
		tokens = append(tokens, full[i:i+1])
	}

	r := &recordingRenderer{}
	if err := newTestConsumer(Discord).Consume(context.Background(), feed(tokens...), r); err != nil {
		t.Fatal(err)
	}
	want := []string{"text:a" + split[:3], "text:b"}
	if got := r.snapshot(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("events = %q, want %q", got, want)
	}
}

func TestConsumeLongUnsplitStream(t *testing.T) {
	const n = 200_000
	ch := make(chan string)
	go func() {
		defer close(ch)
		for range n {
			ch <- "x"
		}
		ch <- DiscordSplitToken[:2]
		ch <- DiscordSplitToken[2:] + "tail"
	}()

	r := &recordingRenderer{}
	c := NewConsumer(ConsumerConfig{Platform: Platform{Name: "test", SplitToken: DiscordSplitToken, HardLimit: 2 * n}, Logger: discardLogger()})
	if err := c.Consume(context.Background(), ch, r); err != nil {
		t.Fatal(err)
	}
	got := r.snapshot()
	if len(got) != 2 || got[0] != "text:"+strings.Repeat("x", n) || got[1] != "text:tail" {
		t.Fatalf("got %d events", len(got))
	}
}

func TestConsumeLongRunningNotice(t *testing.T) {
	r := &recordingRenderer{}
	c := newTestConsumer(Web, "generate_report")
	stream := feed(
		"\n<special>[Calling tool generate_report with arguments {}...]"+DefaultSplitToken+"\n",
		"\n<special>[Calling tool calculator with arguments {}...]"+DefaultSplitToken+"\n",
		"\n<special>[Tool generate_report still running... (60 seconds elapsed)]</special-region>"+DefaultSplitToken+"\n",
	)
	if err := c.Consume(context.Background(), stream, r); err != nil {
		t.Fatal(err)
	}
	if len(r.notices) != 3 {
		t.Fatalf("notices = %+v", r.notices)
	}
	if !r.notices[0].LongRunning || r.notices[1].LongRunning {
		t.Errorf("long-running flags = %v, %v", r.notices[0].LongRunning, r.notices[1].LongRunning)
	}
	if r.notices[0].Status() == r.notices[1].Status() {
		t.Error("long-running tool should get a different waiting text")
	}
	hb := r.notices[2]
	if hb.Kind != NoticeHeartbeat || hb.Body != "[Tool generate_report still running... (60 seconds elapsed)]" {
		t.Errorf("heartbeat notice = %+v", hb)
	}
}

func TestConsumeSplitsLongTextAtHardLimit(t *testing.T) {
	r := &recordingRenderer{}
	c := newTestConsumer(Discord)
	long := strings.Repeat("word ", 900) // 4500 bytes
	if err := c.Consume(context.Background(), feed(long), r); err != nil {
		t.Fatal(err)
	}
	events := r.snapshot()
	if len(events) != 3 {
		t.Fatalf("got %d messages, want 3", len(events))
	}
	for _, e := range events {
		if len(strings.TrimPrefix(e, "text:")) > Discord.HardLimit {
			t.Errorf("message exceeds hard limit: %d", len(e))
		}
	}
}

func TestConsumeSendsErrorAndDrains(t *testing.T) {
	r := &recordingRenderer{failText: "second"}
	c := newTestConsumer(Slack)

	tokens := make(chan string)
	produced := make(chan struct{})
	go func() {
		defer close(produced)
		defer close(tokens)
		tokens <- "first" + SlackSplitToken
		tokens <- "second" + SlackSplitToken
		for i := 0; i < 20; i++ {
			tokens <- "more" + SlackSplitToken
		}
	}()

	err := c.Consume(context.Background(), tokens, r)
	if err == nil {
		t.Fatal("expected delivery error")
	}
	select {
	case <-produced:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked after consumer stopped")
	}

	events := r.snapshot()
	if len(events) != 2 {
		t.Fatalf("events = %q", events)
	}
	if events[1] != "text:"+ErrorPrefix+"platform rejected message" {
		t.Errorf("error message = %q", events[1])
	}
}

func TestConsumeRecoversPanics(t *testing.T) {
	r := &recordingRenderer{panicOnSp: true}
	c := newTestConsumer(Slack)

	err := c.Consume(context.Background(), feed(calcNotice+SlackSplitToken), r)
	if err == nil || !strings.Contains(err.Error(), "renderer exploded") {
		t.Fatalf("err = %v", err)
	}
	events := r.snapshot()
	if len(events) != 1 || !strings.HasPrefix(events[0], "text:"+ErrorPrefix) {
		t.Errorf("events = %q", events)
	}
}

func TestConsumePacesMessages(t *testing.T) {
	r := &recordingRenderer{}
	c := NewConsumer(ConsumerConfig{Platform: Web, MessageDelay: 30 * time.Millisecond, Logger: discardLogger()})

	start := time.Now()
	stream := feed("a" + DefaultSplitToken + "b" + DefaultSplitToken + "c")
	if err := c.Consume(context.Background(), stream, r); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Errorf("three messages took %v, want at least two delays", elapsed)
	}
	if len(r.snapshot()) != 3 {
		t.Errorf("events = %q", r.snapshot())
	}
}

func TestConsumeNegativeDelayDisablesPacing(t *testing.T) {
	r := &recordingRenderer{}
	c := NewConsumer(ConsumerConfig{Platform: Web, MessageDelay: -time.Second, Logger: discardLogger()})

	start := time.Now()
	stream := feed("a" + DefaultSplitToken + "b" + DefaultSplitToken + "c")
	if err := c.Consume(context.Background(), stream, r); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("unpaced messages took %v", elapsed)
	}
	if len(r.snapshot()) != 3 {
		t.Errorf("events = %q", r.snapshot())
	}
}

func TestPlatformInstructions(t *testing.T) {
	for _, p := range []Platform{Discord, Slack, WhatsApp, Web} {
		if !strings.Contains(p.Instructions(), p.SplitToken) {
			t.Errorf("%s instructions lack split token", p.Name)
		}
	}
	if PlatformFor("teams").SplitToken != DefaultSplitToken {
		t.Error("unknown platforms should use the default split token")
	}
	if PlatformFor(Discord.Name).SoftLimit != 1500 {
		t.Error("discord soft limit")
	}
}
