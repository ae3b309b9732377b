// Package registry is the directory service of record: it issues and resolves
// beacons, decides wave reciprocity, and owns chat sessions and their messages.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"waveos/go-presence/internal/directory"
	"waveos/go-presence/internal/model"
	"waveos/go-presence/internal/store"
)

// Publisher pushes a payload to live subscribers of topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Policy holds the lifetimes the directory enforces.
type Policy struct {
	BeaconTTL    time.Duration
	PresenceTTL  time.Duration
	WaveWindow   time.Duration
	ChatLifetime time.Duration
}

// DefaultPolicy mirrors the production lifetimes.
func DefaultPolicy() Policy {
	return Policy{
		BeaconTTL:    time.Hour,
		PresenceTTL:  15 * time.Minute,
		WaveWindow:   24 * time.Hour,
		ChatLifetime: 5 * time.Minute,
	}
}

const (
	maxMessageLength     = 2000
	defaultZoneRadius    = 100.0
	defaultZoneName      = "Ghost zone"
	maxUsernameLength    = 32
	maxDisplayNameLength = 64
)

// Options configures a Registry.
type Options struct {
	Store     *store.Store
	Publisher Publisher
	Clock     clockwork.Clock
	Policy    Policy
	Logger    *slog.Logger
}

// Registry implements the directory's rules on top of the store.
type Registry struct {
	store  *store.Store
	pub    Publisher
	clock  clockwork.Clock
	policy Policy
	logger *slog.Logger

	// waveMu serializes reciprocity decisions so two simultaneous waves
	// cannot both be recorded as the first.
	waveMu sync.Mutex
}

// New constructs a registry. Store is required.
func New(opts Options) *Registry {
	if opts.Store == nil {
		panic("registry: nil store")
	}
	r := &Registry{
		store:  opts.Store,
		pub:    opts.Publisher,
		clock:  opts.Clock,
		policy: opts.Policy,
		logger: opts.Logger,
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	def := DefaultPolicy()
	if r.policy.BeaconTTL <= 0 {
		r.policy.BeaconTTL = def.BeaconTTL
	}
	if r.policy.PresenceTTL <= 0 {
		r.policy.PresenceTTL = def.PresenceTTL
	}
	if r.policy.WaveWindow <= 0 {
		r.policy.WaveWindow = def.WaveWindow
	}
	if r.policy.ChatLifetime <= 0 {
		r.policy.ChatLifetime = def.ChatLifetime
	}
	return r
}

func (r *Registry) now() time.Time {
	return r.clock.Now().UTC()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", directory.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func requireCaller(callerID string) error {
	if strings.TrimSpace(callerID) == "" {
		return directory.ErrUnauthenticated
	}
	return nil
}

// UpsertProfile creates or updates the caller's profile.
func (r *Registry) UpsertProfile(ctx context.Context, callerID, username, displayName string) (model.Profile, error) {
	if err := requireCaller(callerID); err != nil {
		return model.Profile{}, err
	}
	username = strings.TrimSpace(username)
	displayName = strings.TrimSpace(displayName)
	if username == "" || len(username) > maxUsernameLength {
		return model.Profile{}, invalid("username must be 1-%d characters", maxUsernameLength)
	}
	if len(displayName) > maxDisplayNameLength {
		return model.Profile{}, invalid("display name longer than %d characters", maxDisplayNameLength)
	}

	now := r.now()
	p := model.Profile{ID: callerID, Username: username, DisplayName: displayName, Active: true, CreatedAt: now, UpdatedAt: now}

	existing, err := r.store.Profile(ctx, callerID)
	switch {
	case err == nil:
		p.CreatedAt = existing.CreatedAt
		p.AvatarURL = existing.AvatarURL
		p.Bio = existing.Bio
	case !errors.Is(err, store.ErrNotFound):
		return model.Profile{}, err
	}

	if err := r.store.UpsertProfile(ctx, p); err != nil {
		return model.Profile{}, err
	}
	return p, nil
}

// GetProfile returns an active user's profile.
func (r *Registry) GetProfile(ctx context.Context, callerID, userID string) (model.Profile, error) {
	if err := requireCaller(callerID); err != nil {
		return model.Profile{}, err
	}
	p, err := r.store.Profile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !p.Active) {
		return model.Profile{}, fmt.Errorf("profile %q: %w", userID, directory.ErrNotFound)
	}
	return p, err
}

// Block stops userID and the caller from resolving or waving at each other.
func (r *Registry) Block(ctx context.Context, callerID, userID string) error {
	if err := requireCaller(callerID); err != nil {
		return err
	}
	if userID == "" || userID == callerID {
		return invalid("cannot block %q", userID)
	}
	return r.store.InsertBlock(ctx, callerID, userID, r.now())
}

// RegisterBeacon issues a fresh anonymous identifier for the caller and
// invalidates the previous one.
func (r *Registry) RegisterBeacon(ctx context.Context, callerID string) (model.BeaconRegistration, error) {
	if err := requireCaller(callerID); err != nil {
		return model.BeaconRegistration{}, err
	}

	now := r.now()
	b := model.Beacon{
		BeaconID:  newBeaconID(),
		OwnerID:   callerID,
		CreatedAt: now,
		ExpiresAt: now.Add(r.policy.BeaconTTL),
		Active:    true,
	}

	err := r.store.InTx(ctx, func(tx *store.Store) error {
		if _, err := tx.DeactivateBeacons(ctx, callerID); err != nil {
			return err
		}
		if err := tx.InsertBeacon(ctx, b); err != nil {
			return err
		}
		return tx.UpsertPresence(ctx, callerID, b.BeaconID, now, now.Add(r.policy.PresenceTTL))
	})
	if err != nil {
		return model.BeaconRegistration{}, err
	}

	r.logger.Debug("beacon registered", "user", callerID, "expires_at", b.ExpiresAt)
	return model.BeaconRegistration{BeaconID: b.BeaconID, ExpiresAt: b.ExpiresAt}, nil
}

func newBeaconID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// ResolveBeacon maps a beacon to its owner's public profile. Unknown, expired,
// own, blocked or inactive beacons resolve as not nearby.
func (r *Registry) ResolveBeacon(ctx context.Context, callerID, beaconID string) (model.Resolution, error) {
	if err := requireCaller(callerID); err != nil {
		return model.Resolution{}, err
	}
	if strings.TrimSpace(beaconID) == "" {
		return model.Resolution{}, invalid("beacon_id required")
	}

	b, err := r.store.ActiveBeacon(ctx, beaconID, r.now())
	if errors.Is(err, store.ErrNotFound) {
		return model.Resolution{}, nil
	}
	if err != nil {
		return model.Resolution{}, err
	}
	if b.OwnerID == callerID {
		return model.Resolution{}, nil
	}

	blocked, err := r.store.Blocked(ctx, callerID, b.OwnerID)
	if err != nil {
		return model.Resolution{}, err
	}
	if blocked {
		return model.Resolution{}, nil
	}

	p, err := r.store.Profile(ctx, b.OwnerID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !p.Active) {
		return model.Resolution{}, nil
	}
	if err != nil {
		return model.Resolution{}, err
	}

	public := model.Profile{ID: p.ID, Username: p.Username, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL, Active: true}
	return model.Resolution{Nearby: true, Profile: &public}, nil
}

// CreateGhostZone stores a new zone for the caller. A zero radius defaults to 100 m.
func (r *Registry) CreateGhostZone(ctx context.Context, callerID string, req model.GhostZoneRequest) (model.GhostZone, error) {
	if err := requireCaller(callerID); err != nil {
		return model.GhostZone{}, err
	}
	if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
		return model.GhostZone{}, invalid("coordinates out of range")
	}
	radius := req.RadiusMeters
	if radius == 0 {
		radius = defaultZoneRadius
	}
	if radius < 0 {
		return model.GhostZone{}, invalid("radius_meters must be positive")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = defaultZoneName
	}

	z := model.GhostZone{
		ZoneID:       uuid.NewString(),
		OwnerID:      callerID,
		Name:         name,
		Center:       model.Position{Latitude: req.Latitude, Longitude: req.Longitude},
		RadiusMeters: radius,
		Active:       true,
		CreatedAt:    r.now(),
	}
	if err := r.store.InsertGhostZone(ctx, z); err != nil {
		return model.GhostZone{}, err
	}
	return z, nil
}

// GetGhostZones lists the caller's active zones.
func (r *Registry) GetGhostZones(ctx context.Context, callerID string) ([]model.GhostZone, error) {
	if err := requireCaller(callerID); err != nil {
		return nil, err
	}
	return r.store.ActiveGhostZones(ctx, callerID)
}

// Cleanup expires presence, beacons, chats and pending waves that outlived their policy.
func (r *Registry) Cleanup(ctx context.Context) (model.CleanupReport, error) {
	now := r.now()
	report, err := r.store.Cleanup(ctx, now, now.Add(-r.policy.WaveWindow))
	if err != nil {
		return report, err
	}
	r.logger.Debug("cleanup finished",
		"presence", report.PresenceDeleted,
		"beacons", report.BeaconsExpired,
		"chats", report.ChatsExpired,
		"waves", report.WavesExpired,
	)
	return report, nil
}
