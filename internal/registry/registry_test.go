package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"waveos/go-presence/internal/directory"
	"waveos/go-presence/internal/model"
	"waveos/go-presence/internal/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	msgs   []model.ChatMessage
}

func (p *recordingPublisher) Publish(topic string, payload []byte) error {
	var m model.ChatMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.msgs = append(p.msgs, m)
	return nil
}

type fixture struct {
	reg   *Registry
	clock clockwork.FakeClock
	pub   *recordingPublisher
}

func newFixture(t *testing.T, users ...string) fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	f := fixture{clock: clockwork.NewFakeClockAt(epoch), pub: &recordingPublisher{}}
	f.reg = New(Options{
		Store:     st,
		Publisher: f.pub,
		Clock:     f.clock,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	for _, u := range users {
		if _, err := f.reg.UpsertProfile(context.Background(), u, u, "User "+u); err != nil {
			t.Fatalf("profile %s: %v", u, err)
		}
	}
	return f
}

func TestRegisterBeaconRotatesIdentifier(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	first, err := f.reg.RegisterBeacon(ctx, "alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(first.BeaconID) != 32 {
		t.Fatalf("beacon id %q: want 32 hex chars", first.BeaconID)
	}
	if !first.ExpiresAt.Equal(epoch.Add(time.Hour)) {
		t.Fatalf("expires_at = %v", first.ExpiresAt)
	}

	res, err := f.reg.ResolveBeacon(ctx, "bob", first.BeaconID)
	if err != nil || !res.Nearby || res.Profile == nil || res.Profile.ID != "alice" {
		t.Fatalf("resolve first = %+v, %v", res, err)
	}

	second, err := f.reg.RegisterBeacon(ctx, "alice")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if second.BeaconID == first.BeaconID {
		t.Fatal("rotation reused the identifier")
	}
	if res, _ := f.reg.ResolveBeacon(ctx, "bob", first.BeaconID); res.Nearby {
		t.Fatal("superseded beacon still resolves")
	}
	if res, _ := f.reg.ResolveBeacon(ctx, "bob", second.BeaconID); !res.Nearby {
		t.Fatal("current beacon does not resolve")
	}
}

func TestResolveBeaconNotNearbyCases(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()

	reg, err := f.reg.RegisterBeacon(ctx, "alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if res, err := f.reg.ResolveBeacon(ctx, "bob", "DEADBEEF"); err != nil || res.Nearby {
		t.Fatalf("unknown beacon = %+v, %v", res, err)
	}
	if res, _ := f.reg.ResolveBeacon(ctx, "alice", reg.BeaconID); res.Nearby {
		t.Fatal("own beacon resolved as nearby")
	}
	if err := f.reg.Block(ctx, "alice", "carol"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if res, _ := f.reg.ResolveBeacon(ctx, "carol", reg.BeaconID); res.Nearby {
		t.Fatal("blocked user resolved beacon")
	}

	f.clock.Advance(time.Hour)
	if res, _ := f.reg.ResolveBeacon(ctx, "bob", reg.BeaconID); res.Nearby {
		t.Fatal("expired beacon resolved")
	}

	if _, err := f.reg.ResolveBeacon(ctx, "", reg.BeaconID); !errors.Is(err, directory.ErrUnauthenticated) {
		t.Fatalf("anonymous resolve: %v", err)
	}
	if _, err := f.reg.ResolveBeacon(ctx, "bob", " "); !errors.Is(err, directory.ErrInvalidRequest) {
		t.Fatalf("empty beacon id: %v", err)
	}
}

func TestCreateWaveMutualIsSymmetric(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	first, err := f.reg.CreateWave(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("alice waves: %v", err)
	}
	if first.Wave.Status != model.WavePending || first.Chat != nil {
		t.Fatalf("first wave = %+v", first)
	}

	again, err := f.reg.CreateWave(ctx, "alice", "bob")
	if err != nil || again.Wave.WaveID != first.Wave.WaveID || again.Wave.Status != model.WavePending {
		t.Fatalf("repeat wave = %+v, %v", again, err)
	}

	back, err := f.reg.CreateWave(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("bob waves back: %v", err)
	}
	if back.Wave.Status != model.WaveMutual || back.Chat == nil {
		t.Fatalf("wave back = %+v", back)
	}
	if back.Wave.WaveID != first.Wave.WaveID {
		t.Fatalf("mutual wave id %s, want %s", back.Wave.WaveID, first.Wave.WaveID)
	}
	if !back.Chat.ExpiresAt.Equal(epoch.Add(5 * time.Minute)) {
		t.Fatalf("chat expires at %v", back.Chat.ExpiresAt)
	}

	seen, err := f.reg.CreateWave(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("alice re-waves: %v", err)
	}
	if seen.Wave.Status != model.WaveMutual || seen.Chat == nil || seen.Chat.ChatID != back.Chat.ChatID {
		t.Fatalf("alice observed %+v, want chat %s", seen, back.Chat.ChatID)
	}

	chats, err := f.reg.GetActiveChats(ctx, "alice")
	if err != nil || len(chats) != 1 || chats[0].ChatID != back.Chat.ChatID {
		t.Fatalf("active chats = %v, %v", chats, err)
	}
}

func TestCreateWaveAfterChatExpiryStartsFresh(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	first, _ := f.reg.CreateWave(ctx, "alice", "bob")
	mutual, _ := f.reg.CreateWave(ctx, "bob", "alice")
	if mutual.Chat == nil {
		t.Fatal("expected chat")
	}

	f.clock.Advance(5 * time.Minute)

	fresh, err := f.reg.CreateWave(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("third wave: %v", err)
	}
	if fresh.Wave.Status != model.WavePending || fresh.Wave.WaveID == first.Wave.WaveID || fresh.Chat != nil {
		t.Fatalf("third wave = %+v", fresh)
	}
}

func TestCreateWaveExpiresStalePending(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	stale, _ := f.reg.CreateWave(ctx, "alice", "bob")
	f.clock.Advance(24 * time.Hour)

	res, err := f.reg.CreateWave(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("wave: %v", err)
	}
	if res.Wave.Status != model.WavePending || res.Wave.InitiatorID != "bob" || res.Wave.WaveID == stale.Wave.WaveID {
		t.Fatalf("expected a fresh pending wave from bob, got %+v", res.Wave)
	}
}

func TestCreateWaveRejections(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	_ = f.reg.Block(ctx, "carol", "alice")

	tests := []struct {
		name     string
		caller   string
		receiver string
		want     error
	}{
		{"self", "alice", "alice", directory.ErrInvalidRequest},
		{"empty receiver", "alice", "", directory.ErrInvalidRequest},
		{"anonymous", "", "bob", directory.ErrUnauthenticated},
		{"unknown receiver", "alice", "mallory", directory.ErrNotFound},
		{"blocked", "alice", "carol", directory.ErrBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.reg.CreateWave(ctx, tt.caller, tt.receiver); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConcurrentWavesProduceOneChat(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]model.WaveResult, 2)
	errs := make([]error, 2)
	for i, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		wg.Add(1)
		go func(i int, caller, receiver string) {
			defer wg.Done()
			results[i], errs[i] = f.reg.CreateWave(ctx, caller, receiver)
		}(i, pair[0], pair[1])
	}
	wg.Wait()

	var chats int
	for i, err := range errs {
		if err != nil {
			t.Fatalf("wave %d: %v", i, err)
		}
		if results[i].Chat != nil {
			chats++
		}
	}
	if chats != 1 {
		t.Fatalf("chats created = %d, want exactly 1", chats)
	}
	if results[0].Wave.WaveID != results[1].Wave.WaveID {
		t.Fatal("simultaneous waves recorded as two different waves")
	}
}

func TestDeclineWave(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	w, _ := f.reg.CreateWave(ctx, "alice", "bob")
	if _, err := f.reg.DeclineWave(ctx, "alice", w.Wave.WaveID); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("initiator decline: %v", err)
	}
	declined, err := f.reg.DeclineWave(ctx, "bob", w.Wave.WaveID)
	if err != nil || declined.Status != model.WaveDeclined {
		t.Fatalf("decline = %+v, %v", declined, err)
	}
	if _, err := f.reg.DeclineWave(ctx, "bob", w.Wave.WaveID); !errors.Is(err, directory.ErrInvalidRequest) {
		t.Fatalf("second decline: %v", err)
	}

	again, err := f.reg.CreateWave(ctx, "alice", "bob")
	if err != nil || again.Wave.WaveID == w.Wave.WaveID || again.Wave.Status != model.WavePending {
		t.Fatalf("wave after decline = %+v, %v", again, err)
	}
}

func TestChatMessagesPublishAndExpire(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()

	_, _ = f.reg.CreateWave(ctx, "alice", "bob")
	mutual, _ := f.reg.CreateWave(ctx, "bob", "alice")
	chatID := mutual.Chat.ChatID

	for _, s := range []struct{ from, text string }{{"alice", "hi"}, {"bob", "hey"}, {"alice", "  bye  "}} {
		if _, err := f.reg.SendChatMessage(ctx, s.from, chatID, s.text); err != nil {
			t.Fatalf("send %q: %v", s.text, err)
		}
	}

	msgs, err := f.reg.GetChatMessages(ctx, "bob", chatID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Content != "hi" || msgs[1].SenderID != "bob" || msgs[2].Content != "bye" {
		t.Fatalf("messages = %+v", msgs)
	}

	if len(f.pub.msgs) != 3 || f.pub.topics[0] != directory.MessagesTopic(chatID) || f.pub.msgs[2].MessageID != msgs[2].MessageID {
		t.Fatalf("published %v %+v", f.pub.topics, f.pub.msgs)
	}

	if _, err := f.reg.GetChatMessages(ctx, "carol", chatID); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("outsider read: %v", err)
	}
	if _, err := f.reg.SendChatMessage(ctx, "alice", chatID, "   "); !errors.Is(err, directory.ErrInvalidRequest) {
		t.Fatalf("blank message: %v", err)
	}

	f.clock.Advance(5 * time.Minute)
	if _, err := f.reg.SendChatMessage(ctx, "alice", chatID, "late"); !errors.Is(err, directory.ErrChatInactive) {
		t.Fatalf("send after expiry: %v", err)
	}
	if msgs, _ := f.reg.GetChatMessages(ctx, "alice", chatID); len(msgs) != 3 {
		t.Fatalf("history after expiry has %d messages", len(msgs))
	}
}

func TestGhostZones(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	z, err := f.reg.CreateGhostZone(ctx, "alice", model.GhostZoneRequest{Latitude: 37.77, Longitude: -122.42})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if z.RadiusMeters != 100 || z.Name != "Ghost zone" || !z.Active {
		t.Fatalf("zone defaults = %+v", z)
	}

	bad := []model.GhostZoneRequest{
		{Latitude: 91, Longitude: 0},
		{Latitude: 0, Longitude: 181},
		{Latitude: 0, Longitude: 0, RadiusMeters: -5},
	}
	for _, req := range bad {
		if _, err := f.reg.CreateGhostZone(ctx, "alice", req); !errors.Is(err, directory.ErrInvalidRequest) {
			t.Fatalf("CreateGhostZone(%+v) = %v", req, err)
		}
	}

	zones, err := f.reg.GetGhostZones(ctx, "alice")
	if err != nil || len(zones) != 1 || zones[0].ZoneID != z.ZoneID {
		t.Fatalf("zones = %v, %v", zones, err)
	}
	if zones, _ := f.reg.GetGhostZones(ctx, "bob"); len(zones) != 0 {
		t.Fatalf("other user's zones leaked: %v", zones)
	}
}

func TestProfiles(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	if _, err := f.reg.UpsertProfile(ctx, "bob", "", "Bob"); !errors.Is(err, directory.ErrInvalidRequest) {
		t.Fatalf("empty username: %v", err)
	}
	if _, err := f.reg.GetProfile(ctx, "alice", "bob"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("missing profile: %v", err)
	}

	f.clock.Advance(time.Minute)
	p, err := f.reg.UpsertProfile(ctx, "alice", "alice", "Alice Again")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !p.CreatedAt.Equal(epoch) || !p.UpdatedAt.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("timestamps = %v / %v", p.CreatedAt, p.UpdatedAt)
	}
	got, err := f.reg.GetProfile(ctx, "alice", "alice")
	if err != nil || got.DisplayName != "Alice Again" {
		t.Fatalf("profile = %+v, %v", got, err)
	}
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	_, _ = f.reg.RegisterBeacon(ctx, "alice")
	_, _ = f.reg.CreateWave(ctx, "alice", "bob")
	f.clock.Advance(25 * time.Hour)

	report, err := f.reg.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if report.BeaconsExpired != 1 || report.PresenceDeleted != 1 || report.WavesExpired != 1 {
		t.Fatalf("report = %+v", report)
	}
}
