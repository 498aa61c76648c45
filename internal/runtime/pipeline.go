package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/drblury/speakflow/internal/runtime/codec"
	configpkg "github.com/drblury/speakflow/internal/runtime/config"
	"github.com/drblury/speakflow/internal/runtime/connection"
	"github.com/drblury/speakflow/internal/runtime/dispatch"
	errs "github.com/drblury/speakflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/speakflow/internal/runtime/logging"
	"github.com/drblury/speakflow/transport"
)

// StatusObserver receives purely informational connection notifications, for
// display or logging by the host. Observers must not assume any particular
// goroutine; a panicking observer is recovered and logged, never fatal.
type StatusObserver interface {
	OnConnected()
	OnDisconnected(reason string)
	OnError(msg string)
}

// StatusFuncs adapts plain functions to the StatusObserver interface. Nil
// fields are skipped.
type StatusFuncs struct {
	Connected    func()
	Disconnected func(reason string)
	Error        func(msg string)
}

func (s StatusFuncs) OnConnected() {
	if s.Connected != nil {
		s.Connected()
	}
}

func (s StatusFuncs) OnDisconnected(reason string) {
	if s.Disconnected != nil {
		s.Disconnected(reason)
	}
}

func (s StatusFuncs) OnError(msg string) {
	if s.Error != nil {
		s.Error(msg)
	}
}

// PipelineDependencies holds the collaborators a Pipeline needs. Only Sink is
// required.
type PipelineDependencies struct {
	// Sink receives dispatched comment texts, one at a time.
	Sink dispatch.Sink

	// TransportBuilder creates the feed transport per connection attempt.
	// Defaults to the global transport registry; blank-import
	// transport/transports to have all built-in transports registered.
	TransportBuilder transport.Builder

	// Observers are notified of connection status changes.
	Observers []StatusObserver

	// Watcher, when set, is the observable config source: the channel is
	// re-read from it on every connection attempt, and a changed channel
	// restarts the subscription.
	Watcher *configpkg.Watcher

	// DispatchHooks are merged after the pipeline's own metric hooks.
	DispatchHooks dispatch.Hooks

	// Registerer for the pipeline's Prometheus collectors. Defaults to
	// the global registerer.
	Registerer prometheus.Registerer
}

// Pipeline wires the connection manager, codec, and output dispatcher into
// the full feed-to-speech flow. It holds no queueing or retry logic of its
// own: reconnects live in the manager, ordering in the dispatcher.
type Pipeline struct {
	conf       *configpkg.Config
	logger     loggingpkg.ServiceLogger
	dispatcher *dispatch.Dispatcher
	manager    *connection.Manager
	metrics    *PipelineMetrics
	watcher    *configpkg.Watcher

	observersMu sync.RWMutex
	observers   []StatusObserver

	announceOnce sync.Once
	metricsOnce  sync.Once

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	httpStarted   bool

	mu          sync.Mutex
	started     bool
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// NewPipeline constructs a Pipeline for the supplied configuration. Call
// Start to connect.
func NewPipeline(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps PipelineDependencies) (*Pipeline, error) {
	if conf == nil {
		return nil, errs.ErrConfigRequired
	}
	if deps.Sink == nil {
		return nil, errs.ErrSinkRequired
	}
	if log == nil {
		log = loggingpkg.Nop()
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	log.Info("Creating speech pipeline",
		loggingpkg.LogFields{
			"pubsub_system": conf.PubSubSystem,
			"config":        conf,
		})

	metrics := NewPipelineMetrics(deps.Registerer)

	p := &Pipeline{
		conf:      conf,
		logger:    log,
		metrics:   metrics,
		watcher:   deps.Watcher,
		observers: deps.Observers,
	}

	dispatcher, err := dispatch.NewDispatcher(
		deps.Sink,
		log.With(loggingpkg.LogFields{"component": "dispatch"}),
		metrics.dispatchHooks().Merge(deps.DispatchHooks),
	)
	if err != nil {
		return nil, err
	}
	p.dispatcher = dispatcher

	build := deps.TransportBuilder
	if build == nil {
		build = transport.DefaultRegistry.Builder()
	}

	topic := conf.GetChannel
	if deps.Watcher != nil {
		topic = deps.Watcher.GetChannel
	}

	manager, err := connection.NewManager(connection.ManagerConfig{
		Build:        build,
		Config:       conf,
		Topic:        topic,
		Sink:         eventBridge{p},
		Logger:       log.With(loggingpkg.LogFields{"component": "connection"}),
		InitialDelay: conf.InitialDelay(),
		MaxDelay:     conf.MaxDelay(),
		MaxAttempts:  conf.MaxAttempts(),
	})
	if err != nil {
		return nil, err
	}
	p.manager = manager

	return p, nil
}

// Start connects to the feed and marks the sink ready. It returns
// immediately; connection progress arrives through the status observers.
// Calling Start on a started pipeline is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}
	p.started = true

	if p.conf.MetricsEnabled {
		if err := p.metrics.Register(); err != nil {
			p.started = false
			return err
		}
		// Mount once: ServeMux.Handle panics on a duplicate pattern, and
		// Start after Stop must stay safe.
		p.metricsOnce.Do(func() {
			p.RegisterHTTPHandler(p.conf.MetricsPort, "/metrics", promhttp.Handler())
		})
		p.startHTTPServers()
	}

	if p.watcher != nil {
		p.startConfigWatch(ctx)
	}

	p.dispatcher.SinkReady()
	p.manager.Connect()
	return nil
}

// Stop disconnects from the feed, cancels any pending reconnect, and clears
// the dispatch queue. The in-flight item, if any, completes as a no-op.
// Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.watchCancel
	done := p.watchDone
	p.watchCancel = nil
	p.watchDone = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	p.manager.Stop()
	p.dispatcher.Clear()
	p.logger.Info("Pipeline stopped", nil)
}

// State returns the connection manager's current state.
func (p *Pipeline) State() connection.State {
	return p.manager.State()
}

// QueueLen returns the number of items waiting in the dispatch queue.
func (p *Pipeline) QueueLen() int {
	return p.dispatcher.Len()
}

// SinkReady signals that the output sink can accept the next item again, for
// example after the host paused it with SinkBusy.
func (p *Pipeline) SinkReady() {
	p.dispatcher.SinkReady()
}

// SinkBusy pauses dispatching after the in-flight item completes.
func (p *Pipeline) SinkBusy() {
	p.dispatcher.SinkBusy()
}

// AddObserver registers a status observer. Safe to call while running.
func (p *Pipeline) AddObserver(o StatusObserver) {
	if o == nil {
		return
	}
	p.observersMu.Lock()
	p.observers = append(p.observers, o)
	p.observersMu.Unlock()
}

// RegisterHTTPHandler mounts a handler on the pipeline's HTTP server for the
// given port, creating the mux on first use.
func (p *Pipeline) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	p.httpServersMu.Lock()
	defer p.httpServersMu.Unlock()

	if p.httpServers == nil {
		p.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := p.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		p.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (p *Pipeline) startHTTPServers() {
	p.httpServersMu.Lock()
	defer p.httpServersMu.Unlock()

	if p.httpStarted {
		return
	}
	p.httpStarted = true

	for port, mux := range p.httpServers {
		addr := fmt.Sprintf(":%d", port)
		p.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				p.logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}

// startConfigWatch runs the config watcher and restarts the subscription
// when the configured channel changes. Caller holds p.mu.
func (p *Pipeline) startConfigWatch(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.watchCancel = cancel
	p.watchDone = done

	updates, unsubscribe := p.watcher.Subscribe(4)
	lastChannel := p.watcher.GetChannel()

	// done closes only after both goroutines exit, so a restart never races
	// a still-running watch.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		wg.Wait()
		close(done)
	}()

	go func() {
		defer wg.Done()
		if err := p.watcher.Watch(wctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("Config watcher stopped", err, nil)
		}
	}()

	go func() {
		defer wg.Done()
		defer unsubscribe()
		for {
			select {
			case cfg := <-updates:
				if cfg == nil || cfg.Channel == lastChannel {
					continue
				}
				p.logger.Info("Channel changed, resubscribing",
					loggingpkg.LogFields{"from": lastChannel, "to": cfg.Channel})
				lastChannel = cfg.Channel
				p.manager.Stop()
				p.manager.Connect()
			case <-wctx.Done():
				return
			}
		}
	}()
}

// eventBridge adapts the Pipeline to the connection manager's EventSink
// without exposing the callbacks on the Pipeline API.
type eventBridge struct{ p *Pipeline }

func (b eventBridge) OnConnected()                         { b.p.handleConnected() }
func (b eventBridge) OnDisconnected(err error)             { b.p.handleDisconnected(err) }
func (b eventBridge) OnError(err error)                    { b.p.handleError(err) }
func (b eventBridge) OnMessage(ev connection.InboundEvent) { b.p.handleMessage(ev) }

func (p *Pipeline) handleConnected() {
	p.notify(func(o StatusObserver) { o.OnConnected() })

	p.announceOnce.Do(func() {
		if text := p.conf.StartupAnnouncement; text != "" {
			p.dispatcher.Enqueue(text)
		}
	})
}

func (p *Pipeline) handleDisconnected(err error) {
	p.metrics.reconnect()
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	p.notify(func(o StatusObserver) { o.OnDisconnected(reason) })
}

func (p *Pipeline) handleError(err error) {
	p.metrics.connectError()
	p.notify(func(o StatusObserver) { o.OnError(err.Error()) })
}

// handleMessage runs the per-frame flow: decode, extract, enqueue. Decode
// failures and empty extractions are dropped here and never escalate to
// connection-level errors.
func (p *Pipeline) handleMessage(ev connection.InboundEvent) {
	p.metrics.frameReceived()

	tracer := otel.Tracer("speakflow-pipeline")
	_, span := tracer.Start(context.Background(), "ProcessFrame")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.topic", ev.SourceTopic),
	)

	comment, err := codec.Decode(ev.RawPayload)
	if err != nil {
		kind := "missing_field"
		if errors.Is(err, codec.ErrMalformed) {
			kind = "malformed"
		}
		p.metrics.decodeFailed(kind)
		span.RecordError(err)
		p.logger.Error("Dropping undecodable frame", err,
			loggingpkg.LogFields{"event_id": ev.ID, "topic": ev.SourceTopic})
		return
	}

	if comment.ExtractedText == "" {
		p.logger.Trace("Frame has no speakable text",
			loggingpkg.LogFields{"event_id": ev.ID})
		return
	}

	p.dispatcher.Enqueue(comment.ExtractedText)
}

func (p *Pipeline) notify(fn func(StatusObserver)) {
	p.observersMu.RLock()
	observers := make([]StatusObserver, len(p.observers))
	copy(observers, p.observers)
	p.observersMu.RUnlock()

	for _, o := range observers {
		p.notifyOne(o, fn)
	}
}

// notifyOne isolates observer panics: a broken display callback must never
// take down the pipeline.
func (p *Pipeline) notifyOne(o StatusObserver, fn func(StatusObserver)) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Status observer panicked", fmt.Errorf("%v", r), nil)
		}
	}()
	fn(o)
}
