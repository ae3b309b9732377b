package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"waveos/go-presence/internal/model"
)

// LiveOptions configures the MQTT connection used for pushed chat messages.
type LiveOptions struct {
	BrokerURL      string
	ClientID       string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// LiveFeed receives chat messages the directory pushes over MQTT.
type LiveFeed struct {
	client mqtt.Client
	logger *slog.Logger
}

// DialLive connects to the directory's broker.
func DialLive(opts LiveOptions) (*LiveFeed, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("waveos-live-%d", time.Now().UnixNano())
	}

	mo := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(clientID).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout)
	mo.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("live feed connection lost", "error", err)
	})

	client := mqtt.NewClient(mo)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, &ServiceError{Op: "connect live feed", Err: ErrUnavailable, Message: "connect timed out"}
	}
	if err := token.Error(); err != nil {
		return nil, &ServiceError{Op: "connect live feed", Err: ErrUnavailable, Cause: err}
	}

	logger.Info("live feed connected", "broker", opts.BrokerURL, "client", clientID)
	return &LiveFeed{client: client, logger: logger}, nil
}

// Close disconnects from the broker.
func (l *LiveFeed) Close() {
	l.client.Disconnect(250)
}

// Subscribe starts receiving messages for chatID.
func (l *LiveFeed) Subscribe(ctx context.Context, chatID string) (Subscription, error) {
	s := &liveSubscription{
		feed:  l,
		topic: MessagesTopic(chatID),
		ch:    make(chan model.ChatMessage, 32),
		done:  make(chan struct{}),
	}

	token := l.client.Subscribe(s.topic, 0, s.handle)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, &ServiceError{Op: "subscribe messages", Err: ErrUnavailable, Cause: err}
	}

	l.logger.Debug("live subscription started", "topic", s.topic)
	return s, nil
}

type liveSubscription struct {
	feed  *LiveFeed
	topic string
	ch    chan model.ChatMessage
	done  chan struct{}

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	once     sync.Once
}

func (s *liveSubscription) Messages() <-chan model.ChatMessage { return s.ch }

func (s *liveSubscription) handle(_ mqtt.Client, msg mqtt.Message) {
	var m model.ChatMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		s.feed.logger.Warn("live message decode failed", "topic", msg.Topic(), "error", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	select {
	case s.ch <- m:
	case <-s.done:
	}
}

func (s *liveSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)

		token := s.feed.client.Unsubscribe(s.topic)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			err = fmt.Errorf("unsubscribe %s: %w", s.topic, token.Error())
		}

		s.inflight.Wait()
		close(s.ch)
	})
	return err
}
