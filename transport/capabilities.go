package transport

// Capabilities describes the features a feed transport offers. Use this to
// introspect at runtime what guarantees a subscription carries.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsOrdering indicates the transport preserves publish order
	// within a topic. When false, out-of-order frames may reach the codec.
	SupportsOrdering bool

	// SupportsReplay indicates frames published while disconnected are
	// redelivered after a reconnect. When false, a disconnect means lost
	// frames.
	SupportsReplay bool

	// SupportsAck indicates the transport supports explicit message
	// acknowledgment.
	SupportsAck bool

	// RequiresServer indicates the transport listens for inbound
	// connections (webhook style) rather than dialing out.
	RequiresServer bool
}

// LosesFramesOnDisconnect reports whether a disconnect implies gaps in the
// feed. Callers surface this in status displays; the pipeline itself never
// tries to fill gaps.
func (c Capabilities) LosesFramesOnDisconnect() bool {
	return !c.SupportsReplay
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsReplay:   false,
		SupportsAck:      true,
	}

	// NATSCapabilities for the NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:             "nats",
		SupportsOrdering: false,
		SupportsReplay:   false,
		SupportsAck:      false,
	}

	// KafkaCapabilities for the Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsReplay:   true,
		SupportsAck:      true,
	}

	// RabbitMQCapabilities for the RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsReplay:   true,
		SupportsAck:      true,
	}

	// HTTPCapabilities for the webhook-style HTTP transport.
	HTTPCapabilities = Capabilities{
		Name:             "http",
		SupportsOrdering: false,
		SupportsReplay:   false,
		SupportsAck:      false,
		RequiresServer:   true,
	}

	// WebSocketCapabilities for the WebSocket client transport.
	WebSocketCapabilities = Capabilities{
		Name:             "websocket",
		SupportsOrdering: true,
		SupportsReplay:   false,
		SupportsAck:      false,
	}
)

// GetCapabilities returns the capabilities for a transport by name, looked up
// in the default registry. Returns a zero Capabilities struct if the
// transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
