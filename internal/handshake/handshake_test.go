package handshake

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"waveos/go-presence/internal/chat"
	"waveos/go-presence/internal/directory"
	"waveos/go-presence/internal/model"
	"waveos/go-presence/internal/registry"
	"waveos/go-presence/internal/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// asUser binds a registry to one caller, the way an authenticated client is.
type asUser struct {
	reg *registry.Registry
	id  string
}

func (a asUser) CreateWave(ctx context.Context, receiverID string) (model.WaveResult, error) {
	return a.reg.CreateWave(ctx, a.id, receiverID)
}

func (a asUser) GetChatMessages(ctx context.Context, chatID string) ([]model.ChatMessage, error) {
	return a.reg.GetChatMessages(ctx, a.id, chatID)
}

func (a asUser) SendChatMessage(ctx context.Context, chatID, content string) (model.ChatMessage, error) {
	return a.reg.SendChatMessage(ctx, a.id, chatID, content)
}

func (a asUser) SubscribeMessages(context.Context, string) (directory.Subscription, error) {
	return nil, directory.ErrUnavailable
}

func newRegistry(t *testing.T, clock clockwork.Clock, users ...string) *registry.Registry {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "handshake.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	reg := registry.New(registry.Options{Store: st, Clock: clock, Logger: quietLogger()})
	for _, u := range users {
		if _, err := reg.UpsertProfile(ctx, u, u, ""); err != nil {
			t.Fatalf("profile %s: %v", u, err)
		}
	}
	return reg
}

func TestMutualWaveSharesOneChat(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	reg := newRegistry(t, clock, "alice", "bob")
	ctx := context.Background()

	alice := New(Options{Directory: asUser{reg, "alice"}, Clock: clock, Logger: quietLogger()})
	bob := New(Options{Directory: asUser{reg, "bob"}, Clock: clock, Logger: quietLogger()})
	defer alice.Close()
	defer bob.Close()

	first, err := alice.SendWave(ctx, "bob")
	if err != nil {
		t.Fatalf("alice wave: %v", err)
	}
	if !first.Waiting() || first.Chat != nil {
		t.Fatalf("first wave should wait without a chat: %+v", first)
	}

	again, err := alice.SendWave(ctx, "bob")
	if err != nil {
		t.Fatalf("alice repeat: %v", err)
	}
	if again.Wave.WaveID != first.Wave.WaveID || !again.Waiting() {
		t.Fatalf("repeat wave should be idempotent: %+v", again)
	}

	back, err := bob.SendWave(ctx, "alice")
	if err != nil {
		t.Fatalf("bob wave: %v", err)
	}
	if back.Status() != model.WaveMutual || back.Chat == nil {
		t.Fatalf("bob should see mutual with chat: %+v", back)
	}

	late, err := alice.SendWave(ctx, "bob")
	if err != nil {
		t.Fatalf("alice after mutual: %v", err)
	}
	if late.Status() != model.WaveMutual || late.Chat == nil {
		t.Fatalf("alice should see mutual with chat: %+v", late)
	}
	if late.Chat.Info().ChatID != back.Chat.Info().ChatID {
		t.Fatalf("chat ids differ: %s vs %s", late.Chat.Info().ChatID, back.Chat.Info().ChatID)
	}
	if late.Chat.State() != chat.Idle {
		t.Fatalf("session should be handed out unopened, got %s", late.Chat.State())
	}

	stored, ok := alice.Outcome("bob")
	if !ok || stored.Status() != model.WaveMutual {
		t.Fatalf("Outcome(bob) = %+v, %v", stored, ok)
	}
	if _, ok := alice.Outcome("carol"); ok {
		t.Fatal("unexpected outcome for carol")
	}

	repeat, err := bob.SendWave(ctx, "alice")
	if err != nil {
		t.Fatalf("bob repeat: %v", err)
	}
	if repeat.Chat != back.Chat {
		t.Fatal("same live chat should reuse the session handle")
	}
}

func TestWaveAfterChatExpiryStartsOver(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	reg := newRegistry(t, clock, "alice", "bob")
	ctx := context.Background()

	alice := New(Options{Directory: asUser{reg, "alice"}, Clock: clock, Logger: quietLogger()})
	bob := New(Options{Directory: asUser{reg, "bob"}, Clock: clock, Logger: quietLogger()})
	defer alice.Close()
	defer bob.Close()

	if _, err := alice.SendWave(ctx, "bob"); err != nil {
		t.Fatalf("alice wave: %v", err)
	}
	mutual, err := bob.SendWave(ctx, "alice")
	if err != nil || mutual.Status() != model.WaveMutual {
		t.Fatalf("bob wave: %+v, %v", mutual, err)
	}

	clock.Advance(registry.DefaultPolicy().ChatLifetime + time.Second)

	fresh, err := alice.SendWave(ctx, "bob")
	if err != nil {
		t.Fatalf("alice wave after expiry: %v", err)
	}
	if !fresh.Waiting() || fresh.Wave.WaveID == mutual.Wave.WaveID {
		t.Fatalf("expected a new pending wave, got %+v", fresh)
	}
}

type stubDirectory struct {
	calls  atomic.Int32
	gate   chan struct{}
	result model.WaveResult
	err    error
}

func (d *stubDirectory) CreateWave(ctx context.Context, receiverID string) (model.WaveResult, error) {
	d.calls.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return model.WaveResult{}, ctx.Err()
		}
	}
	return d.result, d.err
}

func (d *stubDirectory) GetChatMessages(context.Context, string) ([]model.ChatMessage, error) {
	return nil, nil
}

func (d *stubDirectory) SendChatMessage(context.Context, string, string) (model.ChatMessage, error) {
	return model.ChatMessage{}, nil
}

func (d *stubDirectory) SubscribeMessages(context.Context, string) (directory.Subscription, error) {
	return nil, directory.ErrUnavailable
}

func TestConcurrentWavesShareOneCall(t *testing.T) {
	dir := &stubDirectory{
		gate:   make(chan struct{}),
		result: model.WaveResult{Wave: model.Wave{WaveID: "w1", InitiatorID: "me", ReceiverID: "bob", Status: model.WavePending}},
	}
	c := New(Options{Directory: dir, Logger: quietLogger()})
	defer c.Close()

	var wg sync.WaitGroup
	outs := make([]Outcome, 4)
	errs := make([]error, 4)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = c.SendWave(context.Background(), "bob")
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for dir.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(dir.gate)
	wg.Wait()

	if n := dir.calls.Load(); n != 1 {
		t.Fatalf("CreateWave called %d times, want 1", n)
	}
	for i := range outs {
		if errs[i] != nil || outs[i].Wave.WaveID != "w1" {
			t.Fatalf("caller %d got %+v, %v", i, outs[i], errs[i])
		}
	}
}

func TestDirectoryErrorsPassThrough(t *testing.T) {
	svcErr := &directory.ServiceError{Op: "create wave", Status: 403, Message: "blocked", Err: directory.ErrBlocked}
	dir := &stubDirectory{err: svcErr}
	c := New(Options{Directory: dir, Logger: quietLogger()})
	defer c.Close()

	_, err := c.SendWave(context.Background(), "bob")
	if !errors.Is(err, directory.ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	var got *directory.ServiceError
	if !errors.As(err, &got) || got != svcErr {
		t.Fatalf("error should be returned unchanged, got %#v", err)
	}
	if _, ok := c.Outcome("bob"); ok {
		t.Fatal("failed wave must not record an outcome")
	}
	if dir.calls.Load() != 1 {
		t.Fatalf("failed wave retried: %d calls", dir.calls.Load())
	}
}

func TestMutualWithoutChatIsAnError(t *testing.T) {
	dir := &stubDirectory{result: model.WaveResult{Wave: model.Wave{WaveID: "w1", Status: model.WaveMutual}}}
	c := New(Options{Directory: dir, Logger: quietLogger()})
	defer c.Close()

	if _, err := c.SendWave(context.Background(), "bob"); !errors.Is(err, ErrMissingChat) {
		t.Fatalf("expected ErrMissingChat, got %v", err)
	}
}

func TestSendWaveRejectsEmptyReceiver(t *testing.T) {
	dir := &stubDirectory{}
	c := New(Options{Directory: dir, Logger: quietLogger()})
	defer c.Close()

	if _, err := c.SendWave(context.Background(), "  "); !errors.Is(err, ErrNoReceiver) {
		t.Fatalf("expected ErrNoReceiver, got %v", err)
	}
	if dir.calls.Load() != 0 {
		t.Fatal("directory should not be called")
	}
}

func TestCancelledCallerDoesNotCancelSharedWave(t *testing.T) {
	dir := &stubDirectory{
		gate:   make(chan struct{}),
		result: model.WaveResult{Wave: model.Wave{WaveID: "w1", InitiatorID: "me", ReceiverID: "bob", Status: model.WavePending}},
	}
	c := New(Options{Directory: dir, Logger: quietLogger()})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.SendWave(ctx, "bob")
		firstErr <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for dir.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	type result struct {
		out Outcome
		err error
	}
	second := make(chan result, 1)
	go func() {
		out, err := c.SendWave(context.Background(), "bob")
		second <- result{out, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v", err)
	}

	close(dir.gate)
	res := <-second
	if res.err != nil || res.out.Wave.WaveID != "w1" {
		t.Fatalf("second caller got %+v, %v", res.out, res.err)
	}
	if o, ok := c.Outcome("bob"); !ok || o.Wave.WaveID != "w1" {
		t.Fatalf("outcome not recorded: %+v, %v", o, ok)
	}
}
