// Package connection owns the feed connection lifecycle: it builds a
// transport per attempt, subscribes to the configured channel, and drives a
// bounded exponential-backoff reconnect loop when the connection fails or
// drops. All state transitions happen inside a single goroutine, so callers
// only ever observe them through the EventSink.
package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	errs "github.com/drblury/speakflow/internal/runtime/errors"
	"github.com/drblury/speakflow/internal/runtime/ids"
	"github.com/drblury/speakflow/internal/runtime/logging"
	"github.com/drblury/speakflow/transport"
)

// State is the connection manager's externally visible state.
type State int32

const (
	// Disconnected means no session is running and no retry is pending.
	Disconnected State = iota
	// Connecting means a transport build + subscribe is in progress.
	Connecting
	// Connected means a subscription is live and frames are flowing.
	Connected
	// ReconnectPending means a retry timer is armed after a failure.
	ReconnectPending
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ReconnectPending:
		return "reconnect_pending"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// InboundEvent is a single frame received from the feed, as handed to the
// EventSink. RawPayload is the untouched wire payload; decoding is the
// codec's job, not the manager's.
type InboundEvent struct {
	ID          string
	RawPayload  []byte
	SourceTopic string
	ReceivedAt  time.Time
}

// EventSink receives the manager's lifecycle events and inbound frames.
// Callbacks are invoked from the manager's goroutine, one at a time; a slow
// sink slows frame intake but never corrupts manager state.
type EventSink interface {
	OnConnected()
	OnDisconnected(err error)
	OnError(err error)
	OnMessage(event InboundEvent)
}

// ConnectError wraps a failed connect attempt with its position in the
// current retry run. Attempt 0 is the first failure since the last success.
type ConnectError struct {
	Attempt int
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("speakflow: connect attempt %d failed: %v", e.Attempt, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ManagerConfig holds the dependencies and tuning for a Manager.
type ManagerConfig struct {
	// Build creates the transport for each connection attempt.
	Build transport.Builder

	// Config is handed to the builder on every attempt.
	Config transport.Config

	// Topic returns the channel to subscribe to. Read fresh on every
	// attempt so config changes take effect on the next (re)connect.
	// Defaults to Config.GetChannel.
	Topic func() string

	// Sink receives lifecycle events and frames.
	Sink EventSink

	// Logger for manager-level events. Defaults to a nop logger.
	Logger logging.ServiceLogger

	// WatermillLogger is passed to transport builders. Defaults to a
	// bridge over Logger.
	WatermillLogger watermill.LoggerAdapter

	// InitialDelay is the first retry delay. Defaults to 1s.
	InitialDelay time.Duration

	// MaxDelay caps the retry delay. Defaults to 60s.
	MaxDelay time.Duration

	// MaxAttempts bounds consecutive failures since the last success.
	// Reaching it emits ErrMaxRetriesExceeded once and idles the manager
	// until Connect is called again. Defaults to 10.
	MaxAttempts int
}

// Manager runs the connection state machine.
type Manager struct {
	build       transport.Builder
	cfg         transport.Config
	topic       func() string
	sink        EventSink
	logger      logging.ServiceLogger
	wmLogger    watermill.LoggerAdapter
	initial     time.Duration
	maxDelay    time.Duration
	maxAttempts int

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager validates the config, applies defaults, and returns a manager
// in the Disconnected state. Nothing runs until Connect is called.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Build == nil {
		return nil, errs.ErrBuilderRequired
	}
	if cfg.Config == nil {
		return nil, errs.ErrConfigRequired
	}
	if cfg.Sink == nil {
		return nil, errs.ErrEventSinkRequired
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.WatermillLogger == nil {
		cfg.WatermillLogger = logging.NewWatermillAdapter(cfg.Logger)
	}
	if cfg.Topic == nil {
		conf := cfg.Config
		cfg.Topic = conf.GetChannel
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}

	return &Manager{
		build:       cfg.Build,
		cfg:         cfg.Config,
		topic:       cfg.Topic,
		sink:        cfg.Sink,
		logger:      cfg.Logger,
		wmLogger:    cfg.WatermillLogger,
		initial:     cfg.InitialDelay,
		maxDelay:    cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// Connect starts the connection loop. It returns immediately; the outcome
// arrives through the EventSink. Calling Connect while a session is already
// running is a no-op.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go m.run(ctx, done)
}

// Stop cancels the running session, including any pending retry timer, and
// waits for the loop goroutine to exit. No event fires after Stop returns.
// Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// run is the single goroutine owning the state machine. failures counts
// consecutive failed sessions (failed connects and lost connections) since
// the last successful connect.
func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.setState(Disconnected)
	defer func() {
		// Release the session slot if the loop ended on its own (max
		// retries) rather than through Stop, so Connect works again.
		m.mu.Lock()
		if m.done == done {
			m.cancel = nil
			m.done = nil
		}
		m.mu.Unlock()
	}()

	bo := newBackoff(m.initial, m.maxDelay)
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		m.setState(Connecting)
		topic := m.topic()
		m.logger.Debug("connecting to feed", logging.LogFields{"topic": topic, "attempt": failures})

		messages, tr, err := m.open(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			connErr := &ConnectError{Attempt: failures, Err: err}
			m.logger.Error("connect failed", connErr, logging.LogFields{"topic": topic})
			m.sink.OnError(connErr)

			if !m.scheduleRetry(ctx, bo, &failures) {
				return
			}
			continue
		}

		failures = 0
		bo.Reset()
		m.setState(Connected)
		m.logger.Info("connected to feed", logging.LogFields{"topic": topic})
		m.sink.OnConnected()

		cause := m.consume(ctx, topic, messages)
		_ = tr.Close()

		if ctx.Err() != nil {
			return
		}

		m.logger.Info("connection lost", logging.LogFields{"topic": topic, "cause": cause.Error()})
		m.sink.OnDisconnected(cause)

		if !m.scheduleRetry(ctx, bo, &failures) {
			return
		}
	}
}

// scheduleRetry counts the failure, enforces the retry cap, and sleeps the
// backoff delay in ReconnectPending. Returns false when the loop must stop:
// either the cap was hit (terminal error emitted exactly once) or the
// context was cancelled.
func (m *Manager) scheduleRetry(ctx context.Context, bo *backoff.ExponentialBackOff, failures *int) bool {
	*failures++
	if *failures >= m.maxAttempts {
		m.logger.Error("giving up on feed", errs.ErrMaxRetriesExceeded, logging.LogFields{"attempts": *failures})
		m.sink.OnError(errs.ErrMaxRetriesExceeded)
		return false
	}

	delay := bo.NextBackOff()
	m.setState(ReconnectPending)
	m.logger.Debug("reconnect scheduled", logging.LogFields{"delay": delay.String(), "attempt": *failures})

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// open builds a fresh transport and subscribes to topic. On subscribe
// failure the transport is closed before returning.
func (m *Manager) open(ctx context.Context, topic string) (<-chan *message.Message, transport.Transport, error) {
	if topic == "" {
		return nil, transport.Transport{}, errs.ErrTopicRequired
	}

	tr, err := m.build(ctx, m.cfg, m.wmLogger)
	if err != nil {
		return nil, transport.Transport{}, err
	}

	messages, err := tr.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		_ = tr.Close()
		return nil, transport.Transport{}, err
	}

	return messages, tr, nil
}

// consume forwards frames to the sink until the subscription channel closes
// or the context is cancelled, and returns the cause.
func (m *Manager) consume(ctx context.Context, topic string, messages <-chan *message.Message) error {
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return errs.ErrSubscriptionClosed
			}

			id := msg.UUID
			if id == "" {
				id = ids.NewEventID()
			}

			m.sink.OnMessage(InboundEvent{
				ID:          id,
				RawPayload:  []byte(msg.Payload),
				SourceTopic: topic,
				ReceivedAt:  time.Now(),
			})
			msg.Ack()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// newBackoff builds the retry schedule: initial, 2*initial, 4*initial, ...
// capped at max. Randomization is disabled so the schedule is exact.
func newBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}
