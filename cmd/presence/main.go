package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"waveos/go-presence/internal/chat"
	"waveos/go-presence/internal/config"
	"waveos/go-presence/internal/directory"
	"waveos/go-presence/internal/model"
	"waveos/go-presence/internal/position"
	"waveos/go-presence/internal/presence"
	"waveos/go-presence/internal/radio"
	"waveos/go-presence/internal/scanner"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	userID := flag.String("user", cfg.UserID, "User id to act as (WAVEOS_USER_ID)")
	username := flag.String("username", "", "Create or update the profile with this username before starting")
	waveAt := flag.String("wave", "", "Wave at this user id once they are seen nearby")
	say := flag.String("say", "", "Message to send once a wave becomes mutual")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))

	if *userID == "" {
		logger.Error("a user id is required, set WAVEOS_USER_ID or -user")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *userID, *username, *waveAt, *say); err != nil {
		logger.Error("presence terminated", "error", err)
		os.Exit(1)
	}
	logger.Info("presence stopped cleanly")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, userID, username, waveAt, say string) error {
	live, err := directory.DialLive(directory.LiveOptions{
		BrokerURL: cfg.MQTTBroker,
		ClientID:  fmt.Sprintf("%s-presence-%d", userID, time.Now().UnixNano()),
		Logger:    logger,
	})
	if err != nil {
		logger.Warn("live feed unavailable, chats cannot be opened", "error", err)
	} else {
		defer live.Close()
	}

	client, err := directory.NewClient(directory.ClientOptions{
		BaseURL: cfg.DirectoryURL,
		UserID:  userID,
		Timeout: cfg.RequestTimeout,
		Live:    live,
	})
	if err != nil {
		return err
	}

	if username != "" {
		p, err := client.UpsertProfile(ctx, username, "")
		if err != nil {
			return fmt.Errorf("upsert profile: %w", err)
		}
		logger.Info("profile ready", "username", p.Username)
	}

	agent := presence.New(presence.Options{
		Directory:          client,
		Radio:              radio.NewMDNS(cfg.RadioPort, logger),
		Position:           position.NewTracker(cfg.Position),
		RotationInterval:   cfg.RotationInterval,
		ScanInterval:       cfg.ScanInterval,
		DiscoveryDuration:  cfg.DiscoveryDuration,
		ResolveConcurrency: cfg.ResolveConcurrency,
		ChatTick:           cfg.ChatTick,
		Logger:             logger,
	})
	defer agent.Close()

	if err := agent.Start(ctx); err != nil {
		return err
	}

	statuses, unsubBeacon := agent.Beacon().Subscribe()
	defer unsubBeacon()
	updates, unsubScan := agent.Scanner().Subscribe()
	defer unsubScan()

	waved := false
	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal")
			return nil
		case st := <-statuses:
			logger.Info("beacon status", "state", st.State, "suppressed", st.Suppressed, "expires_at", st.ExpiresAt, "error", st.Err)
		case u := <-updates:
			logNearby(logger, u)
			if waveAt == "" || waved || !nearby(u, waveAt) {
				continue
			}
			waved = true
			if err := wave(ctx, logger, agent, waveAt, say); err != nil {
				logger.Warn("wave failed", "receiver", waveAt, "error", err)
			}
		}
	}
}

func logNearby(logger *slog.Logger, u scanner.Update) {
	if u.Err != nil {
		logger.Warn("scan failed", "cycle", u.Generation, "error", u.Err)
		return
	}
	names := make([]string, 0, len(u.Nearby))
	for _, o := range u.Nearby {
		if o.Profile != nil {
			names = append(names, o.Profile.Name())
		}
	}
	logger.Info("nearby", "cycle", u.Generation, "count", len(names), "users", names)
}

func nearby(u scanner.Update, userID string) bool {
	for _, o := range u.Nearby {
		if o.Profile != nil && o.Profile.ID == userID {
			return true
		}
	}
	return false
}

func wave(ctx context.Context, logger *slog.Logger, agent *presence.Agent, receiverID, say string) error {
	out, err := agent.Wave(ctx, receiverID)
	if err != nil {
		return err
	}
	if out.Status() != model.WaveMutual {
		logger.Info("wave sent", "receiver", receiverID, "status", out.Status())
		return nil
	}

	session := out.Chat
	if err := session.Open(ctx); err != nil {
		return fmt.Errorf("open chat: %w", err)
	}
	logger.Info("chat open", "chat", session.Info().ChatID, "remaining", session.Remaining().Round(time.Second))

	if say != "" {
		if err := session.SendMessage(ctx, say); err != nil && !errors.Is(err, chat.ErrSessionExpired) {
			return fmt.Errorf("send message: %w", err)
		}
	}

	go func() {
		for {
			select {
			case m, ok := <-session.Updates():
				if !ok {
					return
				}
				logger.Info("message", "chat", m.ChatID, "from", m.SenderID, "content", m.Content)
			case <-session.Expired():
				logger.Info("chat expired", "chat", session.Info().ChatID)
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
