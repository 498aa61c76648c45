package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/speakflow/internal/runtime/config"
	errs "github.com/drblury/speakflow/internal/runtime/errors"
	"github.com/drblury/speakflow/transport"
	"github.com/drblury/speakflow/transport/channel"
)

// speechSink records everything submitted. With auto set, items complete
// successfully right away; otherwise completions are released by the test.
type speechSink struct {
	mu      sync.Mutex
	spoken  []string
	pending []func(ok bool)
	auto    bool
}

func (s *speechSink) Submit(text string, done func(ok bool)) {
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	auto := s.auto
	if !auto {
		s.pending = append(s.pending, done)
	}
	s.mu.Unlock()

	if auto {
		done(true)
	}
}

func (s *speechSink) spokenTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spoken))
	copy(out, s.spoken)
	return out
}

func (s *speechSink) releaseOldest(ok bool) {
	s.mu.Lock()
	var done func(bool)
	if len(s.pending) > 0 {
		done = s.pending[0]
		s.pending = s.pending[1:]
	}
	s.mu.Unlock()

	if done != nil {
		done(ok)
	}
}

// fakeSub is a scripted subscription; tests close ch to simulate a dropped
// connection.
type fakeSub struct {
	ch    chan *message.Message
	topic string
}

func (f *fakeSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f.topic = topic
	return f.ch, nil
}

func (f *fakeSub) Close() error { return nil }

// subScript hands out a fresh fakeSub per connection attempt.
type subScript struct {
	mu   sync.Mutex
	subs []*fakeSub
}

func (s *subScript) build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	sub := &fakeSub{ch: make(chan *message.Message, 16)}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return transport.Transport{Subscriber: sub}, nil
}

func (s *subScript) latest() *fakeSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return nil
	}
	return s.subs[len(s.subs)-1]
}

func (s *subScript) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func commentPayload(text string) []byte {
	return []byte(fmt.Sprintf(
		`{"body":"anon<>sage<>12:00<>%s<>","no":"1","bbsid":"b","threadkey":"t"}`, text))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fakeConfig() *configpkg.Config {
	return &configpkg.Config{
		PubSubSystem:          "fake",
		Channel:               "comments",
		ReconnectInitialDelay: time.Millisecond,
		ReconnectMaxDelay:     4 * time.Millisecond,
	}
}

func TestNewPipelineValidation(t *testing.T) {
	sink := &speechSink{auto: true}

	_, err := NewPipeline(nil, nil, PipelineDependencies{Sink: sink})
	assert.ErrorIs(t, err, errs.ErrConfigRequired)

	_, err = NewPipeline(fakeConfig(), nil, PipelineDependencies{})
	assert.ErrorIs(t, err, errs.ErrSinkRequired)

	bad := fakeConfig()
	bad.Channel = ""
	_, err = NewPipeline(bad, nil, PipelineDependencies{Sink: sink})
	assert.Error(t, err)
}

func TestEndToEndOverChannelTransport(t *testing.T) {
	channel.Reset()
	t.Cleanup(channel.Reset)

	sink := &speechSink{auto: true}
	connected := make(chan struct{}, 4)

	conf := &configpkg.Config{PubSubSystem: "channel", Channel: "comments"}
	p, err := NewPipeline(conf, nil, PipelineDependencies{
		Sink: sink,
		Observers: []StatusObserver{StatusFuncs{
			Connected: func() { connected <- struct{}{} },
		}},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("never connected")
	}

	pub := channel.Publisher(watermill.NopLogger{})
	require.NoError(t, pub.Publish("comments",
		message.NewMessage(watermill.NewUUID(), commentPayload("hello world"))))

	waitFor(t, "text to reach the sink", func() bool {
		return len(sink.spokenTexts()) == 1
	})
	assert.Equal(t, []string{"hello world"}, sink.spokenTexts())
}

func TestDecodeFailuresNeverReachSink(t *testing.T) {
	sink := &speechSink{auto: true}
	script := &subScript{}
	connected := make(chan struct{}, 4)

	p, err := NewPipeline(fakeConfig(), nil, PipelineDependencies{
		Sink:             sink,
		TransportBuilder: script.build,
		Observers: []StatusObserver{StatusFuncs{
			Connected: func() { connected <- struct{}{} },
		}},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()
	<-connected

	sub := script.latest()
	sub.ch <- message.NewMessage("1", []byte("not json at all"))
	sub.ch <- message.NewMessage("2", []byte(`{"body":"x<>y<>z<>ok<>"}`)) // missing fields
	sub.ch <- message.NewMessage("3", []byte(`{"body":"a<>b<>c<>","no":"1","bbsid":"b","threadkey":"t"}`)) // <4 segments
	sub.ch <- message.NewMessage("4", commentPayload("spoken"))

	waitFor(t, "the valid frame", func() bool {
		return len(sink.spokenTexts()) == 1
	})
	assert.Equal(t, []string{"spoken"}, sink.spokenTexts())
}

func TestStartupAnnouncementOnlyOnFirstConnect(t *testing.T) {
	sink := &speechSink{auto: true}
	script := &subScript{}
	connected := make(chan struct{}, 4)

	conf := fakeConfig()
	conf.StartupAnnouncement = "ready"

	p, err := NewPipeline(conf, nil, PipelineDependencies{
		Sink:             sink,
		TransportBuilder: script.build,
		Observers: []StatusObserver{StatusFuncs{
			Connected: func() { connected <- struct{}{} },
		}},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()
	<-connected

	waitFor(t, "the announcement", func() bool {
		return len(sink.spokenTexts()) == 1
	})

	// Drop the connection and wait for the automatic reconnect.
	close(script.latest().ch)
	<-connected

	script.latest().ch <- message.NewMessage("1", commentPayload("after"))
	waitFor(t, "the post-reconnect frame", func() bool {
		return len(sink.spokenTexts()) == 2
	})
	assert.Equal(t, []string{"ready", "after"}, sink.spokenTexts())
}

func TestQueueSurvivesReconnect(t *testing.T) {
	sink := &speechSink{} // manual completions
	script := &subScript{}
	connected := make(chan struct{}, 4)

	p, err := NewPipeline(fakeConfig(), nil, PipelineDependencies{
		Sink:             sink,
		TransportBuilder: script.build,
		Observers: []StatusObserver{StatusFuncs{
			Connected: func() { connected <- struct{}{} },
		}},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()
	<-connected

	sub := script.latest()
	for _, text := range []string{"one", "two", "three"} {
		sub.ch <- message.NewMessage(watermill.NewUUID(), commentPayload(text))
	}

	// "one" is in flight, "two" and "three" are queued.
	waitFor(t, "first item in flight", func() bool {
		return len(sink.spokenTexts()) == 1 && p.QueueLen() == 2
	})

	close(sub.ch)
	<-connected // reconnected

	assert.Equal(t, 2, p.QueueLen(), "queued items survive the reconnect")

	sink.releaseOldest(true)
	waitFor(t, "second item", func() bool { return len(sink.spokenTexts()) == 2 })
	sink.releaseOldest(true)
	waitFor(t, "third item", func() bool { return len(sink.spokenTexts()) == 3 })
	sink.releaseOldest(true)

	assert.Equal(t, []string{"one", "two", "three"}, sink.spokenTexts())
}

func TestObserverPanicIsRecovered(t *testing.T) {
	sink := &speechSink{auto: true}
	script := &subScript{}
	second := make(chan struct{}, 4)

	p, err := NewPipeline(fakeConfig(), nil, PipelineDependencies{
		Sink:             sink,
		TransportBuilder: script.build,
		Observers: []StatusObserver{
			StatusFuncs{Connected: func() { panic("broken display") }},
			StatusFuncs{Connected: func() { second <- struct{}{} }},
		},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	select {
	case <-second:
	case <-time.After(3 * time.Second):
		t.Fatal("panicking observer blocked the others")
	}

	// The pipeline keeps processing frames afterwards.
	script.latest().ch <- message.NewMessage("1", commentPayload("still alive"))
	waitFor(t, "frame after panic", func() bool {
		return len(sink.spokenTexts()) == 1
	})
}

func TestStartStopIdempotent(t *testing.T) {
	sink := &speechSink{auto: true}
	script := &subScript{}
	connected := make(chan struct{}, 4)

	p, err := NewPipeline(fakeConfig(), nil, PipelineDependencies{
		Sink:             sink,
		TransportBuilder: script.build,
		Observers: []StatusObserver{StatusFuncs{
			Connected: func() { connected <- struct{}{} },
		}},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Start(context.Background()))
	<-connected
	assert.Equal(t, 1, script.count(), "second Start must not open a second session")

	p.Stop()
	p.Stop()

	// Restartable after a stop.
	require.NoError(t, p.Start(context.Background()))
	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("never reconnected after restart")
	}
	p.Stop()
}

func TestRestartWithMetricsEnabled(t *testing.T) {
	sink := &speechSink{auto: true}
	script := &subScript{}
	connected := make(chan struct{}, 4)

	conf := fakeConfig()
	conf.MetricsEnabled = true
	conf.MetricsPort = 0 // ephemeral bind

	p, err := NewPipeline(conf, nil, PipelineDependencies{
		Sink:             sink,
		TransportBuilder: script.build,
		Observers: []StatusObserver{StatusFuncs{
			Connected: func() { connected <- struct{}{} },
		}},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	<-connected
	p.Stop()

	// The metrics handler must only be mounted once, or the second Start
	// would panic on a duplicate ServeMux registration.
	require.NoError(t, p.Start(context.Background()))
	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("never reconnected after restart")
	}
	p.Stop()
}

func TestRestartDoesNotAccumulateWatcherSubscribers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "speakflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pubsub_system: fake\nchannel: comments\n"), 0o600))

	watcher := configpkg.NewWatcher(path, nil)
	_, err := watcher.Load()
	require.NoError(t, err)

	sink := &speechSink{auto: true}
	script := &subScript{}
	connected := make(chan struct{}, 4)

	p, err := NewPipeline(fakeConfig(), nil, PipelineDependencies{
		Sink:             sink,
		TransportBuilder: script.build,
		Watcher:          watcher,
		Observers: []StatusObserver{StatusFuncs{
			Connected: func() { connected <- struct{}{} },
		}},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Start(context.Background()))
		select {
		case <-connected:
		case <-time.After(3 * time.Second):
			t.Fatalf("never connected on cycle %d", i)
		}
		p.Stop()
		assert.Equal(t, 0, watcher.SubscriberCount(),
			"stop must release the config subscription")
	}
}

func TestChannelChangeRestartsSubscription(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "speakflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pubsub_system: fake\nchannel: alpha\n"), 0o600))

	watcher := configpkg.NewWatcher(path, nil)
	_, err := watcher.Load()
	require.NoError(t, err)

	sink := &speechSink{auto: true}
	script := &subScript{}
	connected := make(chan struct{}, 4)

	conf := fakeConfig()
	conf.Channel = "alpha"

	p, err := NewPipeline(conf, nil, PipelineDependencies{
		Sink:             sink,
		TransportBuilder: script.build,
		Watcher:          watcher,
		Observers: []StatusObserver{StatusFuncs{
			Connected: func() { connected <- struct{}{} },
		}},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()
	<-connected

	assert.Equal(t, "alpha", script.latest().topic)

	require.NoError(t, os.WriteFile(path, []byte("pubsub_system: fake\nchannel: beta\n"), 0o600))

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription never restarted after channel change")
	}
	waitFor(t, "new topic", func() bool {
		latest := script.latest()
		return latest != nil && latest.topic == "beta"
	})
}
