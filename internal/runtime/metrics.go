package runtime

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/speakflow/internal/runtime/dispatch"
)

// PipelineMetrics tracks feed and dispatch statistics for a Pipeline.
type PipelineMetrics struct {
	framesTotal         prometheus.Counter
	decodeFailuresTotal *prometheus.CounterVec
	enqueuedTotal       prometheus.Counter
	dispatchedTotal     prometheus.Counter
	sinkFailuresTotal   prometheus.Counter
	reconnectsTotal     prometheus.Counter
	connectErrorsTotal  prometheus.Counter
	queueDepth          prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

// newPipelineCounter creates a counter with the standard speakflow/pipeline
// namespace.
func newPipelineCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "speakflow",
		Subsystem: "pipeline",
		Name:      name,
		Help:      help,
	})
}

// NewPipelineMetrics creates the collector set. Pass nil to use the default
// Prometheus registerer.
func NewPipelineMetrics(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PipelineMetrics{
		framesTotal: newPipelineCounter("frames_received_total",
			"Frames received from the feed, before decoding."),
		decodeFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "speakflow",
			Subsystem: "pipeline",
			Name:      "decode_failures_total",
			Help:      "Frames dropped because the payload could not be decoded.",
		}, []string{"kind"}),
		enqueuedTotal: newPipelineCounter("items_enqueued_total",
			"Comment texts accepted into the dispatch queue."),
		dispatchedTotal: newPipelineCounter("items_dispatched_total",
			"Comment texts submitted to the output sink."),
		sinkFailuresTotal: newPipelineCounter("sink_failures_total",
			"Items discarded after the sink reported failure."),
		reconnectsTotal: newPipelineCounter("reconnects_total",
			"Connections lost after having been established."),
		connectErrorsTotal: newPipelineCounter("connect_errors_total",
			"Failed connection attempts, including the terminal one."),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "speakflow",
			Subsystem: "pipeline",
			Name:      "queue_depth",
			Help:      "Items currently waiting in the dispatch queue.",
		}),
		registerer: registerer,
	}
}

// Register registers all collectors. Already-registered collectors are
// tolerated so two pipelines can share a registerer.
func (m *PipelineMetrics) Register() error {
	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.framesTotal,
		m.decodeFailuresTotal,
		m.enqueuedTotal,
		m.dispatchedTotal,
		m.sinkFailuresTotal,
		m.reconnectsTotal,
		m.connectErrorsTotal,
		m.queueDepth,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}

	m.registered = true
	return nil
}

func (m *PipelineMetrics) frameReceived() { m.framesTotal.Inc() }

func (m *PipelineMetrics) decodeFailed(kind string) {
	m.decodeFailuresTotal.WithLabelValues(kind).Inc()
}

func (m *PipelineMetrics) reconnect() { m.reconnectsTotal.Inc() }

func (m *PipelineMetrics) connectError() { m.connectErrorsTotal.Inc() }

// dispatchHooks wires the dispatcher lifecycle into the collectors.
func (m *PipelineMetrics) dispatchHooks() dispatch.Hooks {
	return dispatch.Hooks{
		OnEnqueued: func(_ string, depth int) {
			m.enqueuedTotal.Inc()
			m.queueDepth.Set(float64(depth))
		},
		OnDispatched: func(string) {
			m.dispatchedTotal.Inc()
			m.queueDepth.Dec()
		},
		OnFailed: func(string) {
			m.sinkFailuresTotal.Inc()
		},
		OnCleared: func(int) {
			m.queueDepth.Set(0)
		},
	}
}
