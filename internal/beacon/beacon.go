// Package beacon owns the device's anonymous broadcast identity.
//
// A Manager registers a fresh identifier with the directory, advertises it over
// the radio and replaces it every rotation interval. Every registration is
// gated on the device not being inside one of the owner's ghost zones; when the
// position cannot be read the manager does not broadcast.
package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"waveos/go-presence/internal/geofence"
	"waveos/go-presence/internal/model"
	"waveos/go-presence/internal/notify"
	"waveos/go-presence/internal/position"
	"waveos/go-presence/internal/radio"
)

// DefaultRotationInterval is how long one identifier is broadcast before it is replaced.
const DefaultRotationInterval = 3_600_000 * time.Millisecond

var (
	// ErrInGhostZone means the device is inside a ghost zone, so nothing was registered or advertised.
	ErrInGhostZone = errors.New("beacon: inside ghost zone")
	// ErrNotBroadcasting means the identifier was registered but the radio refused to advertise it.
	ErrNotBroadcasting = errors.New("beacon: registered but not broadcasting")
	// ErrStopped means Stop or a newer Start superseded the call before it finished.
	ErrStopped = errors.New("beacon: stopped")
)

// State is the manager's lifecycle state.
type State int

const (
	Idle State = iota
	Starting
	Advertising
	// NotBroadcasting is a registered identifier the radio is not carrying.
	NotBroadcasting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Advertising:
		return "advertising"
	case NotBroadcasting:
		return "not_broadcasting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a snapshot of the manager.
type Status struct {
	State     State
	BeaconID  string
	ExpiresAt time.Time
	// Suppressed is set when the last evaluation found the device in a ghost zone.
	Suppressed bool
	// Registrations counts identifiers obtained from the directory since New.
	Registrations int
	// Err is the failure that produced this state, if any.
	Err error
}

// Registrar issues beacon identifiers for the device's user.
type Registrar interface {
	RegisterBeacon(ctx context.Context) (model.BeaconRegistration, error)
}

// Options configures a Manager.
type Options struct {
	Registrar        Registrar
	Radio            radio.Advertiser
	Position         position.Provider
	Zones            []model.GhostZone
	Clock            clockwork.Clock
	RotationInterval time.Duration
	Logger           *slog.Logger
}

// Manager advertises a rotating beacon identifier.
type Manager struct {
	registrar Registrar
	radio     radio.Advertiser
	position  position.Provider
	clock     clockwork.Clock
	interval  time.Duration
	logger    *slog.Logger

	// advMu serializes radio calls. It is taken before mu, never after.
	advMu sync.Mutex

	mu     sync.Mutex
	gen    uint64
	zones  []model.GhostZone
	timer  clockwork.Timer
	runCtx context.Context
	cancel context.CancelFunc
	status Status

	updates notify.Broadcaster[Status]
}

// New constructs a manager. Registrar, Radio and Position are required.
func New(opts Options) *Manager {
	if opts.Registrar == nil || opts.Radio == nil || opts.Position == nil {
		panic("beacon: registrar, radio and position are required")
	}
	m := &Manager{
		registrar: opts.Registrar,
		radio:     opts.Radio,
		position:  opts.Position,
		clock:     opts.Clock,
		interval:  opts.RotationInterval,
		logger:    opts.Logger,
		zones:     append([]model.GhostZone(nil), opts.Zones...),
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.interval <= 0 {
		m.interval = DefaultRotationInterval
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Start evaluates the ghost zones, registers a fresh identifier and starts
// advertising it. Calling Start while running restarts the sequence.
//
// Start returns ErrInGhostZone when suppressed and an error wrapping
// ErrNotBroadcasting when the radio refused the identifier; in the latter case
// rotation stays scheduled. Directory failures are returned unchanged and
// leave the manager Idle.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel == nil {
		m.runCtx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	gen := m.beginLocked()
	m.mu.Unlock()

	return m.run(ctx, gen)
}

// Stop cancels rotation, halts advertising and returns to Idle. It is safe to
// call in any state, including while Start is in flight.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.stopTimerLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
		m.runCtx = nil
	}
	m.setLocked(Status{State: Idle, Registrations: m.status.Registrations})
	m.mu.Unlock()

	m.silence(gen)
}

// SetGhostZones replaces the zone set and re-evaluates immediately. If the
// device is now inside a zone, or its position cannot be read, advertising
// stops and the manager goes Idle. A registration still in flight is
// abandoned in that case.
func (m *Manager) SetGhostZones(ctx context.Context, zones []model.GhostZone) error {
	m.mu.Lock()
	m.zones = append([]model.GhostZone(nil), zones...)
	gen := m.gen
	running := m.status.State != Idle
	m.mu.Unlock()

	if !running {
		return nil
	}

	pos, err := m.position.CurrentPosition(ctx)
	if err != nil {
		m.halt(gen, false, err)
		return fmt.Errorf("beacon: position: %w", err)
	}
	if z, ok := geofence.Containing(pos, zones); ok {
		m.logger.Info("entered ghost zone, broadcasting halted", "zone", z.Name)
		m.halt(gen, true, ErrInGhostZone)
	}
	return nil
}

// Snapshot returns the current status.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe delivers every subsequent status change. The latest status wins
// when the reader falls behind.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	return m.updates.Subscribe()
}

func (m *Manager) beginLocked() uint64 {
	m.gen++
	m.stopTimerLocked()
	m.setLocked(Status{
		State:         Starting,
		BeaconID:      m.status.BeaconID,
		ExpiresAt:     m.status.ExpiresAt,
		Registrations: m.status.Registrations,
	})
	return m.gen
}

func (m *Manager) run(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	zones := m.zones
	m.mu.Unlock()

	pos, err := m.position.CurrentPosition(ctx)
	if err != nil {
		m.halt(gen, false, err)
		return fmt.Errorf("beacon: position: %w", err)
	}
	if geofence.IsSuppressed(pos, zones) {
		m.halt(gen, true, ErrInGhostZone)
		return ErrInGhostZone
	}

	reg, err := m.registrar.RegisterBeacon(ctx)
	if err != nil {
		m.halt(gen, false, err)
		return err
	}

	m.advMu.Lock()
	defer m.advMu.Unlock()

	// The zones may have changed while the registration was in flight.
	m.mu.Lock()
	suppressed := geofence.IsSuppressed(pos, m.zones)
	current := m.gen == gen
	m.mu.Unlock()
	switch {
	case suppressed:
		m.haltLocked(gen, true, ErrInGhostZone)
		return ErrInGhostZone
	case !current:
		return ErrStopped
	}

	advErr := m.radio.Advertise(ctx, reg.BeaconID)

	m.mu.Lock()
	defer m.mu.Unlock()

	// Whoever moved the generation on also silences the radio once advMu is free.
	if m.gen != gen {
		return ErrStopped
	}

	next := Status{
		State:         Advertising,
		BeaconID:      reg.BeaconID,
		ExpiresAt:     reg.ExpiresAt,
		Registrations: m.status.Registrations + 1,
	}
	if advErr != nil {
		next.State = NotBroadcasting
		next.Err = advErr
	}
	m.timer = m.clock.AfterFunc(m.interval, func() { m.rotate(gen) })
	m.setLocked(next)

	if advErr != nil {
		m.logger.Warn("beacon registered but not broadcasting", "error", advErr)
		return fmt.Errorf("%w: %w", ErrNotBroadcasting, advErr)
	}
	m.logger.Debug("beacon advertising", "expires_at", reg.ExpiresAt, "registrations", next.Registrations)
	return nil
}

func (m *Manager) rotate(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.runCtx == nil {
		m.mu.Unlock()
		return
	}
	ctx := m.runCtx
	next := m.beginLocked()
	m.mu.Unlock()

	if err := m.run(ctx, next); err != nil && !errors.Is(err, ErrStopped) && ctx.Err() == nil {
		m.logger.Warn("beacon rotation failed", "error", err)
	}
}

// halt stops advertising for generation gen. Newer generations are left alone.
func (m *Manager) halt(gen uint64, suppressed bool, cause error) {
	m.advMu.Lock()
	defer m.advMu.Unlock()
	m.haltLocked(gen, suppressed, cause)
}

// haltLocked is halt for callers already holding advMu.
func (m *Manager) haltLocked(gen uint64, suppressed bool, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.stopTimerLocked()
	m.setLocked(Status{
		State:         Idle,
		Suppressed:    suppressed,
		Registrations: m.status.Registrations,
		Err:           cause,
	})
	m.mu.Unlock()

	if err := m.radio.StopAdvertising(); err != nil {
		m.logger.Warn("stop advertising failed", "error", err)
	}
}

// silence stops the radio unless a generation newer than gen has taken over;
// that generation then decides what the radio carries.
func (m *Manager) silence(gen uint64) {
	m.advMu.Lock()
	defer m.advMu.Unlock()

	m.mu.Lock()
	current := m.gen == gen
	m.mu.Unlock()
	if !current {
		return
	}
	if err := m.radio.StopAdvertising(); err != nil {
		m.logger.Warn("stop advertising failed", "error", err)
	}
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setLocked(s Status) {
	m.status = s
	m.updates.Publish(s)
}
