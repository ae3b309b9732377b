// Package chat runs the client side of an ephemeral chat session.
//
// A Session mirrors the directory's message log for one chat and counts down
// to the chat's expiry. Sent messages are not echoed locally; they appear once
// the directory pushes them back, so the directory's append order is the only
// ordering.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"waveos/go-presence/internal/directory"
	"waveos/go-presence/internal/model"
)

// DefaultTick is how often the countdown is recomputed.
const DefaultTick = 1_000 * time.Millisecond

var (
	// ErrSessionExpired is returned by SendMessage once the chat's lifetime has elapsed.
	ErrSessionExpired = errors.New("chat: session expired")
	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("chat: session closed")
	// ErrNotOpen is returned when SendMessage precedes Open.
	ErrNotOpen = errors.New("chat: session not open")
	// ErrEmptyMessage rejects blank content.
	ErrEmptyMessage = errors.New("chat: empty message")
)

// State is the session's lifecycle state.
type State int

const (
	Idle State = iota
	Active
	Expired
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Expired:
		return "expired"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Directory is the subset of the directory a session talks to.
type Directory interface {
	GetChatMessages(ctx context.Context, chatID string) ([]model.ChatMessage, error)
	SendChatMessage(ctx context.Context, chatID, content string) (model.ChatMessage, error)
	SubscribeMessages(ctx context.Context, chatID string) (directory.Subscription, error)
}

// Options configures a Session.
type Options struct {
	Directory Directory
	Clock     clockwork.Clock
	Tick      time.Duration
	Logger    *slog.Logger
}

// Session is one participant's view of a chat.
type Session struct {
	info   model.ChatSession
	dir    Directory
	clock  clockwork.Clock
	tick   time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	msgs    []model.ChatMessage
	seen    map[string]struct{}
	sub     directory.Subscription
	ticker  clockwork.Ticker
	stop    chan struct{}
	expired chan struct{}
	updates chan model.ChatMessage
	wg      sync.WaitGroup
}

// New returns an unopened session for info.
func New(info model.ChatSession, opts Options) *Session {
	if opts.Directory == nil {
		panic("chat: directory is required")
	}
	s := &Session{
		info:    info,
		dir:     opts.Directory,
		clock:   opts.Clock,
		tick:    opts.Tick,
		logger:  opts.Logger,
		seen:    make(map[string]struct{}),
		stop:    make(chan struct{}),
		expired: make(chan struct{}),
		updates: make(chan model.ChatMessage, 64),
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.tick <= 0 {
		s.tick = DefaultTick
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("chat", info.ChatID)
	return s
}

// Info returns the chat the session belongs to.
func (s *Session) Info() model.ChatSession { return s.info }

// Open subscribes to live messages, loads the history and starts the
// countdown. A chat whose expiry has already passed goes straight to Expired
// without contacting the directory.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		st := s.state
		s.mu.Unlock()
		if st == Closed {
			return ErrSessionClosed
		}
		return fmt.Errorf("chat: open in state %s", st)
	}
	s.mu.Unlock()

	if !s.clock.Now().Before(s.info.ExpiresAt) {
		s.expire()
		return nil
	}

	// Subscribe before reading history so nothing sent in between is missed.
	sub, err := s.dir.SubscribeMessages(ctx, s.info.ChatID)
	if err != nil {
		return err
	}
	history, err := s.dir.GetChatMessages(ctx, s.info.ChatID)
	if err != nil {
		_ = sub.Close()
		return err
	}

	s.mu.Lock()
	if st := s.state; st != Idle {
		s.mu.Unlock()
		_ = sub.Close()
		if st == Closed {
			return ErrSessionClosed
		}
		return fmt.Errorf("chat: open in state %s", st)
	}
	for _, m := range history {
		s.appendLocked(m)
	}
	s.sub = sub
	s.state = Active
	s.ticker = s.clock.NewTicker(s.tick)
	ticks := s.ticker.Chan()
	s.wg.Add(2)
	s.mu.Unlock()

	go s.pump(sub)
	go s.countdown(ticks)

	s.logger.Debug("chat session opened", "history", len(history), "remaining", s.Remaining())
	return nil
}

// SendMessage hands content to the directory. The message shows up in
// Messages only after the directory delivers it back.
func (s *Session) SendMessage(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}

	switch s.State() {
	case Idle:
		return ErrNotOpen
	case Expired:
		return ErrSessionExpired
	case Closed:
		return ErrSessionClosed
	}
	if !s.clock.Now().Before(s.info.ExpiresAt) {
		s.expire()
		return ErrSessionExpired
	}

	_, err := s.dir.SendChatMessage(ctx, s.info.ChatID, content)
	return err
}

// Messages returns the messages received so far in directory order.
func (s *Session) Messages() []model.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ChatMessage(nil), s.msgs...)
}

// Remaining is the time left before expiry, never negative.
func (s *Session) Remaining() time.Duration {
	if s.State() == Expired {
		return 0
	}
	return max(s.info.ExpiresAt.Sub(s.clock.Now()), 0)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Updates yields each message as it arrives after Open. When the reader falls
// behind, updates are dropped; Messages always has the full log. The channel
// is closed by Close.
func (s *Session) Updates() <-chan model.ChatMessage { return s.updates }

// Expired is closed when the session expires.
func (s *Session) Expired() <-chan struct{} { return s.expired }

// Close leaves the session: it stops the countdown, unsubscribes and drops the
// local buffer. The chat itself stays active on the directory until it expires.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stop)
	sub := s.sub
	s.sub = nil
	s.msgs = nil
	s.seen = nil
	s.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Close()
	}
	s.wg.Wait()
	close(s.updates)
	return err
}

func (s *Session) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Idle && s.state != Active {
		return
	}
	s.state = Expired
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.expired)
	s.logger.Info("chat session expired")
}

func (s *Session) countdown(ticks <-chan time.Time) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.expired:
			return
		case <-ticks:
			if !s.clock.Now().Before(s.info.ExpiresAt) {
				s.expire()
				return
			}
		}
	}
}

func (s *Session) pump(sub directory.Subscription) {
	defer s.wg.Done()
	for m := range sub.Messages() {
		if m.ChatID != s.info.ChatID {
			continue
		}
		s.mu.Lock()
		added := s.state != Closed && s.appendLocked(m)
		s.mu.Unlock()
		if !added {
			continue
		}
		select {
		case s.updates <- m:
		default:
			s.logger.Debug("update dropped, reader behind", "message", m.MessageID)
		}
	}
}

func (s *Session) appendLocked(m model.ChatMessage) bool {
	if _, dup := s.seen[m.MessageID]; dup {
		return false
	}
	s.seen[m.MessageID] = struct{}{}
	s.msgs = append(s.msgs, m)
	return true
}
