package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_client_connection_state",
			Help: "Current transport connection state (1 for the active state).",
		},
		[]string{"state"},
	)
	reconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_reconnects_total",
			Help: "Total number of successful transport reconnections.",
		},
	)
	inboundEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_inbound_events_total",
			Help: "Total number of inbound transport events by name.",
		},
		[]string{"event"},
	)
	outboundEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_outbound_events_total",
			Help: "Total number of outbound transport events by name and result.",
		},
		[]string{"event", "result"},
	)
	optimisticMergesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_optimistic_merges_total",
			Help: "Total number of optimistic messages replaced by their server echo.",
		},
	)
	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_client_fetch_duration_seconds",
			Help:    "History fetch latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	fetchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_fetch_errors_total",
			Help: "Total number of failed history fetches by kind.",
		},
		[]string{"kind"},
	)
	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_uploads_total",
			Help: "Total number of attachment uploads by result.",
		},
		[]string{"result"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		connectionState,
		reconnectsTotal,
		inboundEventsTotal,
		outboundEventsTotal,
		optimisticMergesTotal,
		fetchDuration,
		fetchErrorsTotal,
		uploadsTotal,
		amqpPublishErrorsTotal,
	)
}

var connStates = []string{"connecting", "open", "closed"}

func SetConnectionState(state string) {
	for _, s := range connStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		connectionState.WithLabelValues(s).Set(value)
	}
}

func IncReconnect() {
	reconnectsTotal.Inc()
}

func IncInboundEvent(event string) {
	inboundEventsTotal.WithLabelValues(event).Inc()
}

func IncOutboundEvent(event, result string) {
	outboundEventsTotal.WithLabelValues(event, result).Inc()
}

func IncOptimisticMerge() {
	optimisticMergesTotal.Inc()
}

func ObserveFetch(kind string, elapsed time.Duration) {
	fetchDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func IncFetchError(kind string) {
	fetchErrorsTotal.WithLabelValues(kind).Inc()
}

func IncUpload(result string) {
	uploadsTotal.WithLabelValues(result).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
