// Package transports registers every built-in transport with the default
// registry. Import it for the side effect:
//
//	import _ "github.com/drblury/speakflow/transport/transports"
//
// Applications that want only one transport can import its package directly
// instead.
package transports

import (
	_ "github.com/drblury/speakflow/transport/channel"
	_ "github.com/drblury/speakflow/transport/http"
	_ "github.com/drblury/speakflow/transport/kafka"
	_ "github.com/drblury/speakflow/transport/nats"
	_ "github.com/drblury/speakflow/transport/rabbitmq"
	_ "github.com/drblury/speakflow/transport/websocket"
)
