package radio

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Air is an in-process broadcast medium shared by simulated devices.
// Every device attached to the same Air hears every other device's advertisement.
type Air struct {
	mu      sync.Mutex
	devices map[*Device]string
}

// NewAir returns an empty medium.
func NewAir() *Air {
	return &Air{devices: make(map[*Device]string)}
}

// Attach adds a simulated radio to the medium.
func (a *Air) Attach() *Device {
	d := &Device{air: a}
	a.mu.Lock()
	a.devices[d] = ""
	a.mu.Unlock()
	return d
}

func (a *Air) set(d *Device, payload string) {
	a.mu.Lock()
	a.devices[d] = payload
	a.mu.Unlock()
}

func (a *Air) heardBy(listener *Device) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ids []string
	for d, payload := range a.devices {
		if d == listener || payload == "" {
			continue
		}
		ids = append(ids, payload)
	}
	return ids
}

// Device is one simulated radio attached to an Air.
type Device struct {
	air *Air

	mu     sync.Mutex
	denied bool
}

// Deny makes the device refuse radio operations, like a revoked platform permission.
func (d *Device) Deny() {
	d.mu.Lock()
	d.denied = true
	d.mu.Unlock()
}

func (d *Device) isDenied() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.denied
}

// Advertise implements Advertiser.
func (d *Device) Advertise(ctx context.Context, payload string) error {
	if d.isDenied() {
		return ErrPermissionDenied
	}
	if !validPayload(payload) {
		return fmt.Errorf("advertise: invalid payload length %d", len(payload))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.air.set(d, payload)
	return nil
}

// StopAdvertising implements Advertiser.
func (d *Device) StopAdvertising() error {
	d.air.set(d, "")
	return nil
}

// Advertising returns what the device is currently broadcasting.
func (d *Device) Advertising() string {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	return d.air.devices[d]
}

// StartDiscovery implements Discoverer. The simulated medium is instantaneous,
// so the burst returns as soon as it has sampled the air.
func (d *Device) StartDiscovery(ctx context.Context, dur time.Duration) ([]string, error) {
	if d.isDenied() {
		return nil, ErrPermissionDenied
	}
	if dur <= 0 {
		return nil, fmt.Errorf("discovery: invalid duration %s", dur)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.air.heardBy(d), nil
}

// StopDiscovery implements Discoverer.
func (d *Device) StopDiscovery() {}
