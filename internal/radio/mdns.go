package radio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_waveos-beacon._tcp"
	mdnsDomain      = "local."
	beaconTXTPrefix = "b="
)

// MDNS carries beacon identifiers over multicast DNS on the local network.
// It stands in for a short-range radio on hosts without one.
type MDNS struct {
	logger *slog.Logger
	port   int

	mu     sync.Mutex
	server *zeroconf.Server

	discoverMu sync.Mutex
	cancel     context.CancelFunc
}

// NewMDNS returns a transport that advertises on the given port.
func NewMDNS(port int, logger *slog.Logger) *MDNS {
	if logger == nil {
		logger = slog.Default()
	}
	return &MDNS{port: port, logger: logger}
}

// Advertise implements Advertiser. Each call registers under a fresh random
// instance name so successive identifiers cannot be linked by service name.
func (m *MDNS) Advertise(ctx context.Context, payload string) error {
	if !validPayload(payload) {
		return fmt.Errorf("advertise: invalid payload length %d", len(payload))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdownLocked()

	instance := "wave-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, m.port, []string{beaconTXTPrefix + payload}, nil)
	if err != nil {
		return fmt.Errorf("%w: mdns register: %v", ErrUnavailable, err)
	}

	m.server = server
	m.logger.Debug("mdns advertisement started", "instance", instance)
	return nil
}

// StopAdvertising implements Advertiser.
func (m *MDNS) StopAdvertising() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownLocked()
	return nil
}

func (m *MDNS) shutdownLocked() {
	if m.server == nil {
		return
	}
	m.server.Shutdown()
	m.server = nil
	m.logger.Debug("mdns advertisement stopped")
}

// StartDiscovery implements Discoverer.
func (m *MDNS) StartDiscovery(ctx context.Context, d time.Duration) ([]string, error) {
	if d <= 0 {
		return nil, fmt.Errorf("discovery: invalid duration %s", d)
	}

	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("%w: mdns resolver: %v", ErrUnavailable, err)
	}

	burstCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	m.discoverMu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = cancel
	m.discoverMu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(burstCtx, mdnsServiceType, mdnsDomain, entries); err != nil {
		return nil, fmt.Errorf("%w: mdns browse: %v", ErrUnavailable, err)
	}

	var ids []string
	for {
		select {
		case <-burstCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return ids, nil
		case entry, ok := <-entries:
			if !ok {
				return ids, ctx.Err()
			}
			if entry == nil {
				continue
			}
			for _, txt := range entry.Text {
				if id, found := strings.CutPrefix(txt, beaconTXTPrefix); found && validPayload(id) {
					ids = append(ids, id)
				}
			}
		}
	}
}

// StopDiscovery implements Discoverer.
func (m *MDNS) StopDiscovery() {
	m.discoverMu.Lock()
	defer m.discoverMu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}
