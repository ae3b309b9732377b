// Package presence ties the beacon manager, the scanner and the wave
// coordinator of one device together.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"waveos/go-presence/internal/beacon"
	"waveos/go-presence/internal/handshake"
	"waveos/go-presence/internal/model"
	"waveos/go-presence/internal/position"
	"waveos/go-presence/internal/radio"
	"waveos/go-presence/internal/scanner"
)

// Directory is every directory call the device makes.
type Directory interface {
	beacon.Registrar
	scanner.Resolver
	handshake.Directory
	GetGhostZones(ctx context.Context) ([]model.GhostZone, error)
}

// Options configures an Agent. Zero durations take each component's default.
type Options struct {
	Directory Directory
	Radio     radio.Radio
	Position  position.Provider
	Clock     clockwork.Clock

	RotationInterval   time.Duration
	ScanInterval       time.Duration
	DiscoveryDuration  time.Duration
	ResolveConcurrency int
	ChatTick           time.Duration

	Logger *slog.Logger
}

// Agent is the device's presence context. It owns exactly one beacon
// manager, scanner and wave coordinator.
type Agent struct {
	dir    Directory
	logger *slog.Logger

	beacon    *beacon.Manager
	scanner   *scanner.Scanner
	handshake *handshake.Coordinator

	mu      sync.Mutex
	running bool
}

// New wires the components. Directory, Radio and Position are required.
func New(opts Options) *Agent {
	if opts.Directory == nil || opts.Radio == nil || opts.Position == nil {
		panic("presence: directory, radio and position are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	a := &Agent{dir: opts.Directory, logger: logger}
	a.beacon = beacon.New(beacon.Options{
		Registrar:        opts.Directory,
		Radio:            opts.Radio,
		Position:         opts.Position,
		Clock:            clock,
		RotationInterval: opts.RotationInterval,
		Logger:           logger.With("component", "beacon"),
	})
	a.scanner = scanner.New(scanner.Options{
		Resolver:      opts.Directory,
		Radio:         opts.Radio,
		Clock:         clock,
		Interval:      opts.ScanInterval,
		BurstDuration: opts.DiscoveryDuration,
		Concurrency:   opts.ResolveConcurrency,
		Ignore:        a.ownBeacon,
		Logger:        logger.With("component", "scanner"),
	})
	a.handshake = handshake.New(handshake.Options{
		Directory: opts.Directory,
		Clock:     clock,
		ChatTick:  opts.ChatTick,
		Logger:    logger.With("component", "handshake"),
	})
	return a
}

func (a *Agent) ownBeacon(id string) bool {
	return id != "" && id == a.beacon.Snapshot().BeaconID
}

// Start loads the user's ghost zones, starts broadcasting and then scanning.
// Scanning runs until Stop or until ctx ends.
//
// Being inside a ghost zone, lacking a position fix or having the radio
// refuse the identifier is not a start failure; the device keeps scanning and
// the beacon status reports it. If the zones cannot be loaded nothing is
// started.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	zones, err := a.dir.GetGhostZones(ctx)
	if err != nil {
		return fmt.Errorf("load ghost zones: %w", err)
	}
	if err := a.beacon.SetGhostZones(ctx, zones); err != nil {
		return err
	}

	switch err := a.beacon.Start(ctx); {
	case err == nil:
	case errors.Is(err, beacon.ErrInGhostZone):
		a.logger.Info("inside a ghost zone, not broadcasting")
	case errors.Is(err, position.ErrUnavailable), errors.Is(err, position.ErrPermissionDenied):
		a.logger.Warn("no position fix, not broadcasting", "error", err)
	case errors.Is(err, beacon.ErrNotBroadcasting):
		a.logger.Warn("beacon registered but not broadcasting", "error", err)
	default:
		a.beacon.Stop()
		return fmt.Errorf("start beacon: %w", err)
	}

	if err := a.scanner.StartScanning(ctx); err != nil {
		a.beacon.Stop()
		return fmt.Errorf("start scanner: %w", err)
	}

	a.running = true
	a.logger.Info("presence started", "ghost_zones", len(zones))
	return nil
}

// RefreshGhostZones reloads the zones and re-evaluates the beacon against them.
func (a *Agent) RefreshGhostZones(ctx context.Context) error {
	zones, err := a.dir.GetGhostZones(ctx)
	if err != nil {
		return fmt.Errorf("load ghost zones: %w", err)
	}
	return a.beacon.SetGhostZones(ctx, zones)
}

// Stop halts scanning and broadcasting. Chat sessions stay open.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.scanner.StopScanning()
	a.beacon.Stop()
	if a.running {
		a.running = false
		a.logger.Info("presence stopped")
	}
}

// Close stops the agent and closes every chat session it handed out.
func (a *Agent) Close() error {
	a.Stop()
	return a.handshake.Close()
}

// Wave waves at a user seen nearby.
func (a *Agent) Wave(ctx context.Context, receiverID string) (handshake.Outcome, error) {
	return a.handshake.SendWave(ctx, receiverID)
}

func (a *Agent) Beacon() *beacon.Manager { return a.beacon }

func (a *Agent) Scanner() *scanner.Scanner { return a.scanner }

func (a *Agent) Handshake() *handshake.Coordinator { return a.handshake }
