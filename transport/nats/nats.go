// Package nats provides a NATS Core transport for speakflow.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/speakflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS transport. The underlying client is built with
// reconnection disabled: the connection manager owns the retry schedule, and
// a client that silently reconnects underneath it would corrupt its state
// machine.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	opts := []nc.Option{
		nc.Name("speakflow"),
		nc.NoReconnect(),
	}
	if user := cfg.GetNATSUsername(); user != "" {
		opts = append(opts, nc.UserInfo(user, cfg.GetNATSPassword()))
	}
	if token := cfg.GetNATSToken(); token != "" {
		opts = append(opts, nc.Token(token))
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:         cfg.GetNATSURL(),
			Unmarshaler: &nats.NATSMarshaler{},
			NatsOptions: opts,
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
	return transport.NATSCapabilities
}
