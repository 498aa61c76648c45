// Package websocket provides a WebSocket client transport for speakflow.
// It dials the feed endpoint, sends a subscribe frame for the requested
// topic, and forwards every text frame as a message. A read failure closes
// the output channel, which is how the connection manager observes a lost
// connection.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"

	errs "github.com/drblury/speakflow/internal/runtime/errors"
	"github.com/drblury/speakflow/internal/runtime/jsoncodec"
	"github.com/drblury/speakflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "websocket"

// DefaultHandshakeTimeout bounds the WebSocket upgrade handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// SubscriberConfig configures the WebSocket subscriber.
type SubscriberConfig struct {
	// URL of the feed endpoint, e.g. "wss://feed.example.net/stream".
	URL string

	// BearerToken, when set, is sent as an Authorization header.
	BearerToken string

	// HandshakeTimeout bounds the dial. Zero means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
}

// subscribeFrame is the JSON control frame sent after the handshake to bind
// the connection to a topic.
type subscribeFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// Subscriber implements watermill's message.Subscriber over a WebSocket
// client connection. Each Subscribe call opens its own connection.
type Subscriber struct {
	config SubscriberConfig
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	conns   map[*websocket.Conn]struct{}
}

// NewSubscriber creates a WebSocket subscriber for the configured endpoint.
func NewSubscriber(config SubscriberConfig, logger watermill.LoggerAdapter) (*Subscriber, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("websocket: URL is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Subscriber{
		config:  config,
		logger:  logger,
		closing: make(chan struct{}),
		conns:   make(map[*websocket.Conn]struct{}),
	}, nil
}

// Subscribe dials the endpoint, binds to topic, and streams inbound text
// frames until the connection drops, ctx is cancelled, or the subscriber is
// closed. The returned channel is closed in all three cases.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errs.ErrSubscriberClosed
	}
	s.mu.Unlock()

	header := http.Header{}
	if s.config.BearerToken != "" {
		header.Set("Authorization", "Bearer "+s.config.BearerToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.config.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, s.config.URL, header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("websocket: dial %s: %w", s.config.URL, err)
	}

	frame, err := jsoncodec.Marshal(subscribeFrame{Type: "subscribe", Channel: topic})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("websocket: subscribe to %s: %w", topic, err)
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("websocket subscribed", watermill.LogFields{"url": s.config.URL, "topic": topic})

	out := make(chan *message.Message)
	go s.readLoop(ctx, conn, topic, out)
	return out, nil
}

func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn, topic string, out chan<- *message.Message) {
	defer close(out)
	defer s.forget(conn)

	// Unblock ReadMessage when the context is cancelled or the subscriber
	// is closed; gorilla reads have no context of their own.
	loopDone := make(chan struct{})
	defer close(loopDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.closing:
		case <-loopDone:
		}
		_ = conn.Close()
	}()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !s.isClosed() {
				s.logger.Error("websocket read failed", err, watermill.LogFields{"topic": topic})
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set("websocket_topic", topic)

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		}

		// Wait for the consumer before reading the next frame so delivery
		// order matches wire order. A nack cannot trigger redelivery on a
		// live stream; the frame is dropped either way.
		select {
		case <-msg.Acked():
		case <-msg.Nacked():
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		}
	}
}

func (s *Subscriber) forget(conn *websocket.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close terminates every open subscription.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.WebSocketCapabilities)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(config SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return NewSubscriber(config, logger)
}

// Build creates a new WebSocket transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	subscriber, err := SubscriberFactory(
		SubscriberConfig{
			URL:         cfg.GetWebSocketURL(),
			BearerToken: cfg.GetWebSocketBearerToken(),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{Subscriber: subscriber}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.WebSocketCapabilities
}
