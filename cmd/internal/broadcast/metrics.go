package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beam",
		Subsystem: "ingest",
		Name:      "publish_total",
		Help:      "Publish requests by result (stored, duplicate, pending).",
	}, []string{"result"})

	metricFanoutDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beam",
		Subsystem: "fanout",
		Name:      "delivered_total",
		Help:      "Messages enqueued to live sessions, by origin leg (local, relay).",
	}, []string{"leg"})

	metricFanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "beam",
		Subsystem: "fanout",
		Name:      "dropped_total",
		Help:      "Messages dropped due to a full session send queue.",
	})

	metricCatchupReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "beam",
		Subsystem: "catchup",
		Name:      "replayed_total",
		Help:      "Messages replayed to reconnecting sessions.",
	})

	metricCatchupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "beam",
		Subsystem: "catchup",
		Name:      "failures_total",
		Help:      "Catch-up runs interrupted by a storage fault.",
	})

	metricLiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "beam",
		Subsystem: "fanout",
		Name:      "live_sessions",
		Help:      "Sessions currently attached to this worker.",
	})
)
