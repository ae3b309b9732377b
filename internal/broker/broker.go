// Package broker is a small MQTT 3.1.1 broker with QoS 0 publish/subscribe.
// The directory embeds it to push chat messages to subscribed devices.
package broker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type session struct {
	conn     net.Conn
	reader   *bufio.Reader
	clientID string
	closed   atomic.Bool

	writeMu sync.Mutex

	subMu   sync.RWMutex
	filters map[string]struct{}
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		filters: make(map[string]struct{}),
	}
}

func (s *session) matches(topic string) bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for f := range s.filters {
		if matchTopic(f, topic) {
			return true
		}
	}
	return false
}

func (s *session) subscribe(filter string) {
	s.subMu.Lock()
	s.filters[filter] = struct{}{}
	s.subMu.Unlock()
}

func (s *session) unsubscribe(filter string) {
	s.subMu.Lock()
	delete(s.filters, filter)
	s.subMu.Unlock()
}

func (s *session) write(packet []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(packet)
	return err
}

// Broker accepts MQTT clients and routes QoS 0 publishes to matching subscribers.
type Broker struct {
	logger       *slog.Logger
	mu           sync.Mutex
	listener     net.Listener
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	sessionsMu sync.RWMutex
	sessions   map[*session]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{logger: logger, sessions: make(map[*session]struct{})}
}

// Start listens on bind. The returned channel is closed once the accept loop
// ends; a fatal accept error is sent on it first.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			s := newSession(conn)
			b.sessionsMu.Lock()
			b.sessions[s] = struct{}{}
			b.sessionsMu.Unlock()

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serve(s)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop closes the listener and every client connection, then waits for the
// connection goroutines to exit.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	b.sessionsMu.Lock()
	for s := range b.sessions {
		s.closed.Store(true)
		_ = s.conn.Close()
	}
	b.sessions = make(map[*session]struct{})
	b.sessionsMu.Unlock()

	b.wg.Wait()
	return nil
}

// Publish sends payload to every client subscribed to a filter matching topic.
func (b *Broker) Publish(topic string, payload []byte) error {
	packet, err := encodePublish(topic, payload)
	if err != nil {
		return err
	}
	b.route(topic, packet, nil)
	return nil
}

func (b *Broker) route(topic string, packet []byte, from *session) {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()

	for s := range b.sessions {
		if s == from || !s.matches(topic) {
			continue
		}
		if err := s.write(packet); err != nil {
			b.logger.Debug("deliver publish failed", "client", s.clientID, "topic", topic, "error", err)
		}
	}
}

func (b *Broker) serve(s *session) {
	defer func() {
		s.closed.Store(true)
		b.sessionsMu.Lock()
		delete(b.sessions, s)
		b.sessionsMu.Unlock()
		_ = s.conn.Close()
	}()

	connected := false
	for {
		header, err := s.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read header failed", "client", s.clientID, "error", err)
			}
			return
		}

		n, err := readLength(s.reader)
		if err != nil {
			b.logger.Debug("read remaining length failed", "error", err)
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(s.reader, body); err != nil {
			b.logger.Debug("read packet body failed", "error", err)
			return
		}
		f := fields(body)

		kind := header >> 4
		if !connected && kind != packetConnect {
			b.logger.Debug("packet before connect", "type", kind)
			return
		}

		switch kind {
		case packetConnect:
			if connected {
				return
			}
			if err := b.handleConnect(s, &f); err != nil {
				b.logger.Debug("connect rejected", "error", err)
				return
			}
			connected = true
		case packetPublish:
			if err := b.handlePublish(s, header, &f); err != nil {
				b.logger.Debug("publish rejected", "client", s.clientID, "error", err)
				return
			}
		case packetSubscribe:
			if err := b.handleSubscribe(s, &f); err != nil {
				b.logger.Debug("subscribe rejected", "client", s.clientID, "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.handleUnsubscribe(s, &f); err != nil {
				b.logger.Debug("unsubscribe rejected", "client", s.clientID, "error", err)
				return
			}
		case packetPingReq:
			if err := s.write(pingResp); err != nil {
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "type", kind)
			return
		}
	}
}

func (b *Broker) handleConnect(s *session, f *fields) error {
	proto, err := f.readString()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	if proto != "MQTT" {
		return fmt.Errorf("unsupported protocol %q", proto)
	}
	level, err := f.readByte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		return fmt.Errorf("unsupported protocol level %d", level)
	}
	flags, err := f.readByte()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	// will messages are not supported
	if flags&0x3C != 0 || flags&0x01 != 0 {
		return fmt.Errorf("unsupported connect flags %08b", flags)
	}
	if _, err := f.readUint16(); err != nil {
		return fmt.Errorf("read keepalive: %w", err)
	}
	clientID, err := f.readString()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	s.clientID = clientID

	if err := s.write(connAck); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}
	b.logger.Debug("mqtt client connected", "client", clientID)
	return nil
}

func (b *Broker) handlePublish(s *session, header byte, f *fields) error {
	if qos := (header >> 1) & 0x03; qos != 0 {
		return fmt.Errorf("unsupported qos %d", qos)
	}
	topic, err := f.readString()
	if err != nil {
		return fmt.Errorf("read topic: %w", err)
	}
	packet, err := encodePublish(topic, f.rest())
	if err != nil {
		return err
	}
	b.route(topic, packet, s)
	return nil
}

func (b *Broker) handleSubscribe(s *session, f *fields) error {
	id, err := f.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	granted := 0
	for !f.empty() {
		filter, err := f.readString()
		if err != nil {
			return fmt.Errorf("read filter: %w", err)
		}
		// requested qos is downgraded to 0
		if _, err := f.readByte(); err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		s.subscribe(filter)
		granted++
	}
	if granted == 0 {
		return fmt.Errorf("subscribe without filters")
	}
	return s.write(encodeAck(0x90, id, granted))
}

func (b *Broker) handleUnsubscribe(s *session, f *fields) error {
	id, err := f.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	for !f.empty() {
		filter, err := f.readString()
		if err != nil {
			return fmt.Errorf("read filter: %w", err)
		}
		s.unsubscribe(filter)
	}
	return s.write(encodeAck(0xB0, id, 0))
}
