// Package channel provides an in-memory Go channel transport for speakflow.
// This transport is useful for testing and local development: frames
// published through Publisher reach any pipeline subscribed to the same
// topic in-process.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/speakflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

var (
	sharedMu sync.Mutex
	shared   *gochannel.GoChannel
)

// Factory allows overriding the pubsub creation for testing. The default
// returns a process-wide shared pubsub so publishers and subscribers built
// independently still see each other.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = gochannel.NewGoChannel(cfg, logger)
	}
	return shared
}

// Reset discards the shared pubsub so the next Build starts fresh. Tests use
// this to simulate a broker restart.
func Reset() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		_ = shared.Close()
		shared = nil
	}
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pubSub := Factory(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return transport.Transport{Subscriber: keepOpenSubscriber{pubSub}}, nil
}

// Publisher returns the publishing side of the shared pubsub, for feeding
// frames into a running pipeline.
func Publisher(logger watermill.LoggerAdapter) message.Publisher {
	return Factory(gochannel.Config{OutputChannelBuffer: 64}, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// keepOpenSubscriber shields the shared pubsub from the connection manager's
// per-session Close: closing one session must not tear down the pubsub other
// publishers hold. Subscriptions still end when their context is cancelled.
type keepOpenSubscriber struct {
	inner message.Subscriber
}

func (s keepOpenSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.inner.Subscribe(ctx, topic)
}

func (s keepOpenSubscriber) Close() error { return nil }
