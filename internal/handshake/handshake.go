// Package handshake sends waves and turns a mutual wave into a chat session.
//
// The directory alone decides whether a wave is mutual. The coordinator never
// infers reciprocity locally, never polls a pending wave and never retries a
// failed call.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"waveos/go-presence/internal/chat"
	"waveos/go-presence/internal/model"
	"waveos/go-presence/internal/notify"
)

var (
	// ErrMissingChat means the directory reported a mutual wave without a chat.
	ErrMissingChat = errors.New("handshake: mutual wave without chat")
	// ErrNoReceiver rejects an empty receiver id.
	ErrNoReceiver = errors.New("handshake: receiver required")
)

// Directory is what the coordinator needs from the directory service.
type Directory interface {
	CreateWave(ctx context.Context, receiverID string) (model.WaveResult, error)
	chat.Directory
}

// Outcome is the last known result of waving at one user.
type Outcome struct {
	ReceiverID string
	Wave       model.Wave
	// Chat is set once the wave is mutual. It is not opened yet.
	Chat       *chat.Session
	ObservedAt time.Time
}

// Status is the wave's state as reported by the directory.
func (o Outcome) Status() model.WaveStatus { return o.Wave.Status }

// Waiting reports whether the wave awaits the other side.
func (o Outcome) Waiting() bool { return o.Wave.Status == model.WavePending }

// Options configures a Coordinator.
type Options struct {
	Directory Directory
	Clock     clockwork.Clock
	// ChatTick is passed to every chat session the coordinator creates.
	ChatTick time.Duration
	Logger   *slog.Logger
}

// Coordinator tracks the waves the device has sent.
type Coordinator struct {
	dir      Directory
	clock    clockwork.Clock
	chatTick time.Duration
	logger   *slog.Logger

	inflight singleflight.Group

	mu       sync.Mutex
	outcomes map[string]Outcome
	sessions map[string]*chat.Session

	updates notify.Broadcaster[Outcome]
}

// New constructs a coordinator. Directory is required.
func New(opts Options) *Coordinator {
	if opts.Directory == nil {
		panic("handshake: directory is required")
	}
	c := &Coordinator{
		dir:      opts.Directory,
		clock:    opts.Clock,
		chatTick: opts.ChatTick,
		logger:   opts.Logger,
		outcomes: make(map[string]Outcome),
		sessions: make(map[string]*chat.Session),
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// SendWave waves at receiverID. Concurrent waves at the same receiver share a
// single directory call, which is not cancelled when one of the waiting
// callers gives up. Directory errors are returned unchanged.
func (c *Coordinator) SendWave(ctx context.Context, receiverID string) (Outcome, error) {
	receiverID = strings.TrimSpace(receiverID)
	if receiverID == "" {
		return Outcome{}, ErrNoReceiver
	}

	flight := context.WithoutCancel(ctx)
	ch := c.inflight.DoChan(receiverID, func() (any, error) {
		return c.sendWave(flight, receiverID)
	})

	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Outcome{}, res.Err
		}
		if res.Shared {
			c.logger.Debug("wave shared with concurrent caller", "receiver", receiverID)
		}
		return res.Val.(Outcome), nil
	}
}

func (c *Coordinator) sendWave(ctx context.Context, receiverID string) (Outcome, error) {
	res, err := c.dir.CreateWave(ctx, receiverID)
	if err != nil {
		c.logger.Warn("wave failed", "receiver", receiverID, "error", err)
		return Outcome{}, err
	}

	out := Outcome{ReceiverID: receiverID, Wave: res.Wave, ObservedAt: c.clock.Now()}
	switch res.Wave.Status {
	case model.WaveMutual:
		if res.Chat == nil {
			return Outcome{}, fmt.Errorf("%w (wave %s)", ErrMissingChat, res.Wave.WaveID)
		}
		out.Chat = c.session(*res.Chat)
	case model.WavePending, model.WaveExpired, model.WaveDeclined:
	default:
		return Outcome{}, fmt.Errorf("handshake: unknown wave status %q", res.Wave.Status)
	}

	c.mu.Lock()
	c.outcomes[receiverID] = out
	c.mu.Unlock()
	c.updates.Publish(out)

	c.logger.Info("wave sent", "receiver", receiverID, "wave", out.Wave.WaveID, "status", out.Wave.Status)
	return out, nil
}

// session returns the handle for info, reusing a live one for the same chat.
func (c *Coordinator) session(info model.ChatSession) *chat.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[info.ChatID]; ok && s.State() != chat.Closed {
		return s
	}
	s := chat.New(info, chat.Options{
		Directory: c.dir,
		Clock:     c.clock,
		Tick:      c.chatTick,
		Logger:    c.logger,
	})
	c.sessions[info.ChatID] = s
	return s
}

// Outcome returns the last outcome of waving at receiverID.
func (c *Coordinator) Outcome(receiverID string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.outcomes[receiverID]
	return o, ok
}

// Subscribe delivers every new outcome. Slow readers see only the latest.
func (c *Coordinator) Subscribe() (<-chan Outcome, func()) {
	return c.updates.Subscribe()
}

// Close closes every chat session the coordinator handed out.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	sessions := make([]*chat.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*chat.Session)
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.updates.Close()
	return errors.Join(errs...)
}
