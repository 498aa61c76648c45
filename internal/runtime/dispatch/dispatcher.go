// Package dispatch owns the single-consumer output queue: texts go in at the
// tail, the sink receives them one at a time in FIFO order.
package dispatch

import (
	"strings"
	"sync"

	"github.com/drblury/speakflow/internal/runtime/errors"
	"github.com/drblury/speakflow/internal/runtime/logging"
)

// Sink is the downstream consumer of dispatched text, typically a speech
// engine adapter. Submit must eventually invoke done exactly once with the
// outcome; the dispatcher never calls Submit again before that happens.
// Submit may invoke done synchronously.
type Sink interface {
	Submit(text string, done func(ok bool))
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(text string, done func(ok bool))

func (f SinkFunc) Submit(text string, done func(ok bool)) { f(text, done) }

// Dispatcher serialises delivery to a Sink. All queue and in-flight state is
// guarded by one mutex so enqueue callers and sink completion callbacks can
// race freely.
//
// Invariants:
//   - at most one item is in flight at any time
//   - items reach the sink strictly in enqueue order
//   - a failed item is discarded, never retried, and never stalls the queue
//   - while the sink is not ready, items accumulate without loss
type Dispatcher struct {
	sink   Sink
	logger logging.ServiceLogger
	hooks  Hooks

	mu       sync.Mutex
	queue    []string
	ready    bool
	inFlight bool
	// token identifies the current in-flight item so a stale or duplicate
	// completion callback is ignored instead of corrupting the state.
	token uint64
}

// NewDispatcher returns a Dispatcher delivering to sink. The sink starts out
// not ready; call SinkReady once the underlying engine is initialised.
func NewDispatcher(sink Sink, logger logging.ServiceLogger, hooks Hooks) (*Dispatcher, error) {
	if sink == nil {
		return nil, errors.ErrSinkRequired
	}
	if logger == nil {
		return nil, errors.ErrLoggerRequired
	}
	return &Dispatcher{sink: sink, logger: logger, hooks: hooks}, nil
}

// Enqueue appends text to the tail of the queue and, when possible, begins
// dispatch immediately. Blank or whitespace-only text is rejected. Returns
// true when the text was accepted.
func (d *Dispatcher) Enqueue(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}

	d.mu.Lock()
	d.queue = append(d.queue, text)
	depth := len(d.queue)
	d.mu.Unlock()

	if d.hooks.OnEnqueued != nil {
		d.hooks.OnEnqueued(text, depth)
	}
	d.dispatchNext()
	return true
}

// SinkReady marks the sink able to accept work and drains any buffered items.
func (d *Dispatcher) SinkReady() {
	d.mu.Lock()
	d.ready = true
	d.mu.Unlock()
	d.dispatchNext()
}

// SinkBusy marks the sink unable to accept new work. The in-flight item, if
// any, is unaffected; its completion is still handled normally.
func (d *Dispatcher) SinkBusy() {
	d.mu.Lock()
	d.ready = false
	d.mu.Unlock()
}

// Clear empties the queue. In-flight bookkeeping is untouched: the pending
// completion callback, if any, is still accepted safely afterwards.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	dropped := len(d.queue)
	d.queue = nil
	d.mu.Unlock()

	if dropped > 0 && d.hooks.OnCleared != nil {
		d.hooks.OnCleared(dropped)
	}
}

// Len reports the number of queued items, excluding any in-flight item.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// InFlight reports whether an item is currently submitted to the sink.
func (d *Dispatcher) InFlight() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

func (d *Dispatcher) dispatchNext() {
	d.mu.Lock()
	if d.inFlight || !d.ready || len(d.queue) == 0 {
		d.mu.Unlock()
		return
	}
	text := d.queue[0]
	d.queue = d.queue[1:]
	d.inFlight = true
	d.token++
	token := d.token
	d.mu.Unlock()

	if d.hooks.OnDispatched != nil {
		d.hooks.OnDispatched(text)
	}
	d.sink.Submit(text, func(ok bool) {
		d.complete(token, text, ok)
	})
}

func (d *Dispatcher) complete(token uint64, text string, ok bool) {
	d.mu.Lock()
	if !d.inFlight || token != d.token {
		// Stale completion: the sink called done twice, or the caller
		// already shut the pipeline down. Accept it as a no-op.
		d.mu.Unlock()
		return
	}
	d.inFlight = false
	d.mu.Unlock()

	if ok {
		if d.hooks.OnCompleted != nil {
			d.hooks.OnCompleted(text)
		}
	} else {
		// The failed item is discarded, not retried. One bad output must
		// never block the rest of the queue.
		d.logger.Error("sink failed, discarding item", nil, logging.LogFields{"text": text})
		if d.hooks.OnFailed != nil {
			d.hooks.OnFailed(text)
		}
	}

	d.dispatchNext()
}
