package listenerbus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/weirlabs/weir/core/events"
)

// Metrics tracks queue pressure and dispatch timing for the listener bus.
type Metrics struct {
	queueDepth       prometheus.Gauge
	droppedEvents    prometheus.Counter
	dispatchDuration prometheus.Histogram
	delivered        *prometheus.CounterVec
}

// NewMetrics constructs and registers bus metrics with the provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{ //nolint:exhaustruct
				Namespace: "weir",
				Subsystem: "listenerbus",
				Name:      "queue_depth",
				Help:      "Events currently buffered in the bus queue.",
			},
		),
		droppedEvents: prometheus.NewCounter(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "weir",
				Subsystem: "listenerbus",
				Name:      "dropped_events_total",
				Help:      "Events dropped due to queue overflow or post-stop posts.",
			},
		),
		dispatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{ //nolint:exhaustruct
				Namespace: "weir",
				Subsystem: "listenerbus",
				Name:      "dispatch_seconds",
				Help:      "Time to deliver one event to every registered listener.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		delivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "weir",
				Subsystem: "listenerbus",
				Name:      "delivered_events_total",
				Help:      "Events fully dispatched to all listeners, by kind.",
			},
			[]string{"kind"},
		),
	}
	reg.MustRegister(m.queueDepth, m.droppedEvents, m.dispatchDuration, m.delivered)
	return m
}

func (m *Metrics) observeDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) observeDrop() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}

func (m *Metrics) observeDispatch(kind events.Kind, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.Observe(elapsed.Seconds())
	m.delivered.WithLabelValues(string(kind)).Inc()
}
