// Package speakflow connects a publish/subscribe comment feed to a speech
// sink. It subscribes to a configured channel, extracts the comment text
// from each frame, and hands the texts to the sink strictly one at a time,
// in arrival order. Lost connections are retried with bounded exponential
// backoff while the queued texts wait untouched.
//
// The minimal setup is a Config, a Sink, and a blank import of
// transport/transports to register the built-in feed transports:
//
//	import (
//		"context"
//
//		"github.com/drblury/speakflow"
//		_ "github.com/drblury/speakflow/transport/transports"
//	)
//
//	sink := speakflow.SinkFunc(func(text string, done func(ok bool)) {
//		go func() { done(speak(text)) }()
//	})
//
//	pipeline, err := speakflow.NewPipeline(
//		&speakflow.Config{PubSubSystem: "nats", NATSURL: "nats://localhost:4222", Channel: "comments"},
//		speakflow.NewSlogServiceLogger(slog.Default()),
//		speakflow.PipelineDependencies{Sink: sink},
//	)
//	if err != nil {
//		// ...
//	}
//	pipeline.Start(context.Background())
//	defer pipeline.Stop()
//
// The sink contract is strict: Submit is never called again before the
// previous call's done callback fires, and a done(false) discards the item
// without retrying it. See the examples directory for complete programs.
package speakflow
