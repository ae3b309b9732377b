// Package radio abstracts the short-range transport that carries beacon identifiers.
//
// A transport carries one short opaque string per advertisement; it knows nothing
// about who owns the identifier.
package radio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied means the platform refused radio access.
	ErrPermissionDenied = errors.New("radio: permission denied")
	// ErrUnavailable means the radio could not perform the request.
	ErrUnavailable = errors.New("radio: unavailable")
)

// MaxPayload is the largest identifier a transport is required to carry.
const MaxPayload = 64

// Advertiser broadcasts a single identifier until told otherwise.
type Advertiser interface {
	// Advertise replaces whatever is currently being broadcast with payload.
	Advertise(ctx context.Context, payload string) error
	// StopAdvertising halts broadcasting. It is safe to call when idle.
	StopAdvertising() error
}

// Discoverer collects identifiers broadcast by nearby devices.
type Discoverer interface {
	// StartDiscovery listens for at most d and returns every identifier observed.
	// Duplicates may be present.
	StartDiscovery(ctx context.Context, d time.Duration) ([]string, error)
	// StopDiscovery ends any burst in progress early.
	StopDiscovery()
}

// Radio is a transport that can both advertise and discover.
type Radio interface {
	Advertiser
	Discoverer
}

func validPayload(payload string) bool {
	return payload != "" && len(payload) <= MaxPayload
}
