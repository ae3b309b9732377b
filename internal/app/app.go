// Package app runs the WaveOS directory service: the sqlite-backed registry,
// its HTTP API, the MQTT broker that pushes live chat messages, and the
// periodic cleanup of stale state.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/jonboulle/clockwork"

	"waveos/go-presence/internal/broker"
	"waveos/go-presence/internal/config"
	"waveos/go-presence/internal/registry"
	"waveos/go-presence/internal/store"
)

// App wires together the directory services and manages their lifecycle.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	clock    clockwork.Clock
	store    *store.Store
	broker   *broker.Broker
	registry *registry.Registry
	mdns     *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger, clock: clockwork.NewRealClock()}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	b := broker.New(a.logger.With("component", "broker"))
	brokerErrCh, err := b.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return err
	}
	a.broker = b

	a.registry = registry.New(registry.Options{
		Store:     a.store,
		Publisher: a.broker,
		Clock:     a.clock,
		Logger:    a.logger.With("component", "registry"),
		Policy: registry.Policy{
			BeaconTTL:    a.cfg.BeaconTTL,
			PresenceTTL:  a.cfg.PresenceTTL,
			WaveWindow:   a.cfg.WaveWindow,
			ChatLifetime: a.cfg.ChatLifetime,
		},
	})

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	go a.cleanupLoop(cleanupCtx, a.cfg.CleanupInterval)

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(brokerPort(a.broker.Addr())); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			if err := a.broker.Stop(); err != nil {
				return err
			}
			a.logger.Info("mqtt broker stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				_ = a.broker.Stop()
				return err
			}
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				_ = a.broker.Stop()
				return err
			}
		}
	}
}

// cleanupLoop expires stale directory state every interval until ctx ends.
func (a *App) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			report, err := a.registry.Cleanup(runCtx)
			cancel()
			if err != nil {
				a.logger.Error("cleanup failed", "error", err)
				continue
			}
			if report.PresenceDeleted+report.BeaconsExpired+report.ChatsExpired+report.WavesExpired > 0 {
				a.logger.Info("cleanup expired stale state",
					"presence", report.PresenceDeleted,
					"beacons", report.BeaconsExpired,
					"chats", report.ChatsExpired,
					"waves", report.WavesExpired,
				)
			}
		}
	}
}

func brokerPort(addr net.Addr) int {
	if addr == nil {
		return 0
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}
