// Package position supplies the device's current coordinates.
package position

import (
	"context"
	"errors"
	"sync/atomic"

	"waveos/go-presence/internal/model"
)

var (
	// ErrPermissionDenied means the platform refused location access.
	ErrPermissionDenied = errors.New("position: permission denied")
	// ErrUnavailable means no fix is currently known.
	ErrUnavailable = errors.New("position: unavailable")
)

// Provider returns the current position of the device.
type Provider interface {
	CurrentPosition(ctx context.Context) (model.Position, error)
}

// Tracker holds the last known fix. Readers get a copy of the value stored by
// the most recent Set, so geofence checks never contend with location updates.
type Tracker struct {
	last   atomic.Pointer[model.Position]
	denied atomic.Bool
}

// NewTracker returns a tracker seeded with pos, or an empty one when pos is nil.
func NewTracker(pos *model.Position) *Tracker {
	t := &Tracker{}
	if pos != nil {
		t.Set(*pos)
	}
	return t
}

// Set records a new fix.
func (t *Tracker) Set(pos model.Position) {
	p := pos
	t.last.Store(&p)
}

// Clear forgets the last fix.
func (t *Tracker) Clear() {
	t.last.Store(nil)
}

// Deny makes subsequent reads fail with ErrPermissionDenied until Allow is called.
func (t *Tracker) Deny() { t.denied.Store(true) }

// Allow lifts a previous Deny.
func (t *Tracker) Allow() { t.denied.Store(false) }

// CurrentPosition implements Provider.
func (t *Tracker) CurrentPosition(ctx context.Context) (model.Position, error) {
	if err := ctx.Err(); err != nil {
		return model.Position{}, err
	}
	if t.denied.Load() {
		return model.Position{}, ErrPermissionDenied
	}
	p := t.last.Load()
	if p == nil {
		return model.Position{}, ErrUnavailable
	}
	return *p, nil
}
