// internal/metrics/metrics.go
package metrics

import "github.com/prometheus/client_golang/prometheus"

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"route", "status", "method"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"route", "method"},
)

var LeadsGatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "outreach_leads_gated_total",
		Help: "Leads evaluated by the suppression gate, by outcome",
	},
	[]string{"outcome"},
)

var QueueItemsEnqueuedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "outreach_queue_items_enqueued_total",
		Help: "Queue items created by the send queue manager",
	},
)

var DispatchOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "outreach_dispatch_outcomes_total",
		Help: "Queue items processed by the dispatcher, by outcome",
	},
	[]string{"outcome"},
)

var TransportSendDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "outreach_transport_send_duration_seconds",
		Help:    "Time taken by the mail transport to accept a message",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"result"},
)

var WebhookEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "outreach_webhook_events_total",
		Help: "Webhook events handled by the reactor, by kind and result",
	},
	[]string{"kind", "result"},
)

var CascadeCancelledTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "outreach_cascade_cancelled_total",
		Help: "Pending queue items cancelled because their contact left the sendable pool",
	},
)

// Register adds every collector to reg. Pass prometheus.DefaultRegisterer
// from main; tests can use a fresh prometheus.NewRegistry().
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LeadsGatedTotal,
		QueueItemsEnqueuedTotal,
		DispatchOutcomesTotal,
		TransportSendDuration,
		WebhookEventsTotal,
		CascadeCancelledTotal,
	)
}
