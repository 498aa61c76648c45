package speakflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/speakflow"
	"github.com/drblury/speakflow/transport/channel"
	_ "github.com/drblury/speakflow/transport/transports"
)

// TestFacadeFeedToSpeech drives the library the way a host application
// would: config, sink, pipeline, frames in, spoken text out.
func TestFacadeFeedToSpeech(t *testing.T) {
	channel.Reset()
	t.Cleanup(channel.Reset)

	spoken := make(chan string, 8)
	sink := speakflow.SinkFunc(func(text string, done func(ok bool)) {
		spoken <- text
		done(true)
	})

	connected := make(chan struct{}, 1)

	pipeline, err := speakflow.NewPipeline(
		&speakflow.Config{PubSubSystem: "channel", Channel: "comments"},
		speakflow.NopLogger(),
		speakflow.PipelineDependencies{
			Sink: sink,
			Observers: []speakflow.StatusObserver{speakflow.StatusFuncs{
				Connected: func() { connected <- struct{}{} },
			}},
			Registerer: prometheus.NewRegistry(),
		},
	)
	require.NoError(t, err)

	require.NoError(t, pipeline.Start(context.Background()))
	defer pipeline.Stop()

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("never connected")
	}
	assert.Equal(t, speakflow.StateConnected, pipeline.State())

	pub := channel.Publisher(watermill.NopLogger{})
	payload := `{"body":"anon<>sage<>12:00<>hello world<>","no":"1","bbsid":"b","threadkey":"t1"}`
	require.NoError(t, pub.Publish("comments", message.NewMessage(watermill.NewUUID(), []byte(payload))))

	select {
	case text := <-spoken:
		assert.Equal(t, "hello world", text)
	case <-time.After(3 * time.Second):
		t.Fatal("text never reached the sink")
	}
}

func TestFacadeCodecHelpers(t *testing.T) {
	assert.Equal(t, "hello", speakflow.ExtractText("a<>b<>c<>hello<>"))
	assert.Equal(t, "", speakflow.ExtractText("too<>short"))

	comment, err := speakflow.DecodeComment([]byte(
		`{"body":"a<>b<>c<>text<>","no":"9","bbsid":"bb","threadkey":"tk"}`))
	require.NoError(t, err)
	assert.Equal(t, "text", comment.ExtractedText)
	assert.Equal(t, "9", comment.SequenceNumber)

	_, err = speakflow.DecodeComment([]byte("garbage"))
	assert.ErrorIs(t, err, speakflow.ErrMalformed)
}

func TestFacadeTransportRegistry(t *testing.T) {
	for _, name := range []string{"channel", "nats", "kafka", "rabbitmq", "http", "websocket"} {
		caps := speakflow.TransportCapabilitiesFor(name)
		assert.Equal(t, name, caps.Name)
	}
}
