// Package scanner maintains the set of users currently broadcasting nearby.
//
// Every interval the scanner runs one discovery burst on the radio, resolves
// each distinct identifier through the directory and replaces the nearby set
// with the result. A cycle started later always wins over an earlier one,
// whichever finishes first.
package scanner

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"waveos/go-presence/internal/model"
	"waveos/go-presence/internal/notify"
	"waveos/go-presence/internal/radio"
)

const (
	DefaultInterval      = 10_000 * time.Millisecond
	DefaultBurstDuration = 5 * time.Second
	DefaultConcurrency   = 8
)

// Resolver maps a beacon identifier to the public profile of its owner.
type Resolver interface {
	ResolveBeacon(ctx context.Context, beaconID string) (model.Resolution, error)
}

// Update is one completed scan cycle.
type Update struct {
	// Generation is the cycle's sequence number; higher is newer.
	Generation uint64
	Nearby     []model.NearbyObservation
	ScannedAt  time.Time
	// Err is set when the discovery burst itself failed. Nearby is empty then.
	Err error
}

// Options configures a Scanner.
type Options struct {
	Resolver      Resolver
	Radio         radio.Discoverer
	Clock         clockwork.Clock
	Interval      time.Duration
	BurstDuration time.Duration
	// Concurrency bounds resolutions in flight per cycle.
	Concurrency int
	// Ignore reports identifiers to skip, such as the device's own beacon.
	Ignore func(beaconID string) bool
	Logger *slog.Logger
}

// Scanner runs the repeating discovery cycle.
type Scanner struct {
	resolver    Resolver
	radio       radio.Discoverer
	clock       clockwork.Clock
	interval    time.Duration
	burst       time.Duration
	concurrency int
	ignore      func(string) bool
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	session uint64
	seq     uint64
	applied uint64
	cancel  context.CancelFunc
	done    chan struct{}
	current Update

	updates notify.Broadcaster[Update]

	// onCycle observes every finished cycle and whether it was applied.
	onCycle func(seq uint64, applied bool)
}

// New constructs a scanner. Resolver and Radio are required.
func New(opts Options) *Scanner {
	if opts.Resolver == nil || opts.Radio == nil {
		panic("scanner: resolver and radio are required")
	}
	s := &Scanner{
		resolver:    opts.Resolver,
		radio:       opts.Radio,
		clock:       opts.Clock,
		interval:    opts.Interval,
		burst:       opts.BurstDuration,
		concurrency: opts.Concurrency,
		ignore:      opts.Ignore,
		logger:      opts.Logger,
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.burst <= 0 || s.burst > s.interval {
		s.burst = min(DefaultBurstDuration, s.interval)
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// StartScanning runs one cycle immediately and then one per interval until
// StopScanning or ctx ends. Starting an already running scanner is a no-op.
func (s *Scanner) StartScanning(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true
	s.session++
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(runCtx, s.session, s.done)
	return nil
}

// StopScanning cancels the cycle timer and any burst in progress, and clears
// the nearby set. Resolutions still in flight finish but their results are
// dropped. Safe to call in any state.
func (s *Scanner) StopScanning() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.session++
	s.cancel()
	done := s.done
	s.current = Update{Generation: s.applied, ScannedAt: s.clock.Now()}
	s.updates.Publish(s.current)
	s.mu.Unlock()

	s.radio.StopDiscovery()
	<-done
}

// Nearby returns the result of the latest applied cycle.
func (s *Scanner) Nearby() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.current
	u.Nearby = append([]model.NearbyObservation(nil), u.Nearby...)
	return u
}

// Subscribe delivers each newly applied cycle. Slow readers see only the latest.
func (s *Scanner) Subscribe() (<-chan Update, func()) {
	return s.updates.Subscribe()
}

func (s *Scanner) loop(ctx context.Context, session uint64, done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		if s.session == session {
			s.running = false
			s.session++
		}
		s.mu.Unlock()
	}()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.cycle(ctx, session)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.cycle(ctx, session)
		}
	}
}

// cycle runs the discovery burst inline and hands resolution to a goroutine so
// a slow directory never holds up the next tick.
func (s *Scanner) cycle(ctx context.Context, session uint64) {
	s.mu.Lock()
	if s.session != session {
		s.mu.Unlock()
		return
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	raw, err := s.radio.StartDiscovery(ctx, s.burst)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("discovery burst failed", "cycle", seq, "error", err)
		s.apply(session, seq, Update{Err: err})
		return
	}

	ids := s.distinct(raw)
	go s.resolve(ctx, session, seq, ids)
}

func (s *Scanner) distinct(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if s.ignore != nil && s.ignore(id) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (s *Scanner) resolve(ctx context.Context, session, seq uint64, ids []string) {
	results := make([]*model.NearbyObservation, len(ids))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res, err := s.resolver.ResolveBeacon(ctx, id)
			if err != nil {
				s.logger.Debug("beacon resolution failed", "cycle", seq, "error", err)
				return nil
			}
			if !res.Nearby {
				return nil
			}
			results[i] = &model.NearbyObservation{BeaconID: id, Profile: res.Profile}
			return nil
		})
	}
	_ = g.Wait()

	nearby := make([]model.NearbyObservation, 0, len(results))
	for _, r := range results {
		if r != nil {
			nearby = append(nearby, *r)
		}
	}
	sort.Slice(nearby, func(i, j int) bool { return nearby[i].BeaconID < nearby[j].BeaconID })

	s.apply(session, seq, Update{Nearby: nearby})
}

// apply installs u unless scanning stopped or a newer cycle already landed.
func (s *Scanner) apply(session, seq uint64, u Update) {
	s.mu.Lock()
	ok := s.session == session && s.running && seq > s.applied
	if ok {
		s.applied = seq
		u.Generation = seq
		u.ScannedAt = s.clock.Now()
		s.current = u
		s.updates.Publish(u)
	}
	hook := s.onCycle
	s.mu.Unlock()

	if ok {
		s.logger.Debug("nearby set replaced", "cycle", seq, "count", len(u.Nearby))
	}
	if hook != nil {
		hook(seq, ok)
	}
}
