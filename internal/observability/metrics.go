package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_webhook_events_total", Help: "Provider webhook events by kind and outcome"},
		[]string{"kind", "result"},
	)
	Ingested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_ingest_total", Help: "Engine ingest outcomes"},
		[]string{"kind", "result"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chat_enqueue_total", Help: "SQS enqueue results"},
		[]string{"result"},
	)
	ProviderSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "whatsapp_send_total", Help: "WhatsApp send outcomes"},
		[]string{"result", "http_status"},
	)
	ProviderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "whatsapp_send_latency_seconds", Help: "WhatsApp send latency including retries"},
	)
	BroadcastDrops = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chat_broadcast_dropped_total", Help: "Realtime events dropped for slow subscribers"},
	)
	Viewers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "chat_realtime_viewers", Help: "Connected realtime subscribers"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, WebhookEvents, Ingested, Enqueues, ProviderSend, ProviderLatency, BroadcastDrops, Viewers)
}
