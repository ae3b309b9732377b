package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"waveos/go-presence/internal/directory"
	"waveos/go-presence/internal/model"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSub struct {
	ch   chan model.ChatMessage
	once sync.Once
}

func (f *fakeSub) Messages() <-chan model.ChatMessage { return f.ch }

func (f *fakeSub) Close() error {
	f.once.Do(func() { close(f.ch) })
	return nil
}

// fakeDirectory keeps one chat log. When echo is set, sent messages are pushed
// to live subscribers like the real directory does.
type fakeDirectory struct {
	mu      sync.Mutex
	log     []model.ChatMessage
	subs    []*fakeSub
	echo    bool
	sendErr error
	sent    []string
}

func (d *fakeDirectory) GetChatMessages(ctx context.Context, chatID string) ([]model.ChatMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.ChatMessage(nil), d.log...), nil
}

func (d *fakeDirectory) SendChatMessage(ctx context.Context, chatID, content string) (model.ChatMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, content)
	if d.sendErr != nil {
		return model.ChatMessage{}, d.sendErr
	}
	m := model.ChatMessage{MessageID: fmt.Sprintf("m%d", len(d.log)+1), ChatID: chatID, SenderID: "me", Content: content}
	d.log = append(d.log, m)
	if d.echo {
		for _, s := range d.subs {
			s.ch <- m
		}
	}
	return m, nil
}

func (d *fakeDirectory) SubscribeMessages(ctx context.Context, chatID string) (directory.Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeSub{ch: make(chan model.ChatMessage, 16)}
	d.subs = append(d.subs, s)
	return s, nil
}

func (d *fakeDirectory) subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func newSession(dir *fakeDirectory, clock clockwork.Clock, lifetime time.Duration) *Session {
	info := model.ChatSession{ChatID: "c1", WaveID: "w1", ParticipantA: "me", ParticipantB: "you", StartedAt: epoch, ExpiresAt: epoch.Add(lifetime), Active: true}
	return New(info, Options{Directory: dir, Clock: clock, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpenPastExpiryIsImmediatelyExpired(t *testing.T) {
	dir := &fakeDirectory{}
	clock := clockwork.NewFakeClockAt(epoch.Add(time.Minute))
	s := newSession(dir, clock, 30*time.Second)
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.State() != Expired || s.Remaining() != 0 {
		t.Fatalf("state = %s remaining = %s", s.State(), s.Remaining())
	}
	select {
	case <-s.Expired():
	default:
		t.Fatal("expired channel not closed")
	}
	if err := s.SendMessage(context.Background(), "hi"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("send = %v", err)
	}
	if dir.subscribers() != 0 || len(dir.sent) != 0 {
		t.Fatal("expired session contacted the directory")
	}
}

func TestExpiresOnTheTickAfterDeadline(t *testing.T) {
	dir := &fakeDirectory{}
	clock := clockwork.NewFakeClockAt(epoch)
	s := newSession(dir, clock, time.Second)
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.State() != Active || s.Remaining() != time.Second {
		t.Fatalf("state = %s remaining = %s", s.State(), s.Remaining())
	}

	clock.BlockUntil(1)
	clock.Advance(999 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if s.State() != Active {
		t.Fatal("expired before the deadline")
	}

	clock.Advance(time.Millisecond)
	select {
	case <-s.Expired():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not expire")
	}
	if err := s.SendMessage(context.Background(), "late"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("send after expiry = %v", err)
	}
}

func TestSendIsNotEchoedLocally(t *testing.T) {
	dir := &fakeDirectory{}
	s := newSession(dir, clockwork.NewFakeClockAt(epoch), 5*time.Minute)
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if msgs := s.Messages(); len(msgs) != 0 {
		t.Fatalf("message inserted without directory delivery: %+v", msgs)
	}
}

func TestHistoryThenLiveInDirectoryOrder(t *testing.T) {
	dir := &fakeDirectory{echo: true, log: []model.ChatMessage{
		{MessageID: "h1", ChatID: "c1", SenderID: "you", Content: "first"},
		{MessageID: "h2", ChatID: "c1", SenderID: "me", Content: "second"},
	}}
	s := newSession(dir, clockwork.NewFakeClockAt(epoch), 5*time.Minute)
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SendMessage(context.Background(), "third"); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case m := <-s.Updates():
		if m.Content != "third" {
			t.Fatalf("update = %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no live update")
	}

	// A duplicate delivery of a known message is ignored.
	dir.mu.Lock()
	dir.subs[0].ch <- dir.log[0]
	dir.subs[0].ch <- model.ChatMessage{MessageID: "x", ChatID: "other", Content: "wrong chat"}
	dir.mu.Unlock()
	time.Sleep(20 * time.Millisecond)

	var got []string
	for _, m := range s.Messages() {
		got = append(got, m.Content)
	}
	if len(got) != 3 || got[0] != "first" || got[1] != "second" || got[2] != "third" {
		t.Fatalf("messages = %v", got)
	}
}

func TestSendErrorsAreReturned(t *testing.T) {
	boom := &directory.ServiceError{Op: "send chat message", Status: 409, Err: directory.ErrChatInactive}
	dir := &fakeDirectory{sendErr: boom}
	s := newSession(dir, clockwork.NewFakeClockAt(epoch), 5*time.Minute)
	defer s.Close()

	if err := s.SendMessage(context.Background(), "early"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("send before open = %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SendMessage(context.Background(), "  "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("blank send = %v", err)
	}
	if err := s.SendMessage(context.Background(), "hi"); !errors.Is(err, directory.ErrChatInactive) {
		t.Fatalf("send = %v", err)
	}
}

func TestCloseStopsTimerAndDiscardsBuffer(t *testing.T) {
	dir := &fakeDirectory{log: []model.ChatMessage{{MessageID: "h1", ChatID: "c1", Content: "hi"}}}
	clock := clockwork.NewFakeClockAt(epoch)
	s := newSession(dir, clock, time.Second)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	clock.BlockUntil(1)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if s.State() != Closed || len(s.Messages()) != 0 {
		t.Fatalf("state = %s messages = %d", s.State(), len(s.Messages()))
	}
	if _, ok := <-s.Updates(); ok {
		t.Fatal("updates channel open after close")
	}

	clock.Advance(time.Minute)
	select {
	case <-s.Expired():
		t.Fatal("closed session kept counting down")
	case <-time.After(20 * time.Millisecond):
	}
	if err := s.SendMessage(context.Background(), "bye"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("send after close = %v", err)
	}
	if err := s.Open(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("reopen = %v", err)
	}
}
