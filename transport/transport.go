// Package transport defines the core interfaces and types for speakflow feed
// transports. Each transport implementation (nats, kafka, websocket, etc.)
// lives in its own sub-package and registers itself with the transport
// registry.
//
// A transport is built fresh for every connection attempt: the connection
// manager treats a successful Build+Subscribe as "connected" and the closing
// of the message channel as "connection lost". Transports must therefore not
// reconnect on their own.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport wraps the subscriber produced by a builder. The pipeline only
// consumes; there is no publisher side.
type Transport struct {
	Subscriber message.Subscriber
}

// Close closes the underlying subscriber, which in turn closes every open
// subscription channel.
func (t Transport) Close() error {
	if t.Subscriber == nil {
		return nil
	}
	return t.Subscriber.Close()
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports. This
// interface allows transports to access only the config they need without
// depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// GetChannel returns the topic the pipeline subscribes to.
	GetChannel() string

	// NATS
	GetNATSURL() string
	GetNATSUsername() string
	GetNATSPassword() string
	GetNATSToken() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// HTTP
	GetHTTPServerAddress() string

	// WebSocket
	GetWebSocketURL() string
	GetWebSocketBearerToken() string
}

// CapabilitiesProvider is implemented by transports that can report their
// capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
