package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_events_claimed_total",
			Help: "Total number of events claimed for dispatch",
		},
	)
	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_processed_total",
			Help: "Total number of dispatch outcomes by result",
		},
		[]string{"result"},
	)
	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbox_handler_duration_seconds",
			Help:    "Handler execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"event_type"},
	)
	EventsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_events_in_flight",
			Help: "Number of events currently being dispatched",
		},
	)
	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_claim_batch_size",
			Help:    "Distribution of claimed batch sizes",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)
	StoreReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_store_reconnects_total",
			Help: "Total number of database reconnects",
		},
	)
	DeadEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_dead_events",
			Help: "Number of events currently in the dead letter queue",
		},
	)
)

// Dispatch outcome labels for EventsProcessedTotal.
const (
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultSkipped = "skipped"
)

func InitMetrics() {
	prometheus.MustRegister(EventsClaimedTotal)
	prometheus.MustRegister(EventsProcessedTotal)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(EventsInFlight)
	prometheus.MustRegister(ClaimBatchSize)
	prometheus.MustRegister(StoreReconnectsTotal)
	prometheus.MustRegister(DeadEvents)
}
