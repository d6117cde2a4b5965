package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_messages_sent_total",
		Help: "Messages durably persisted through the send pipeline",
	})
	MessagesDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_messages_deduped_total",
		Help: "Incoming messages dropped because the id was already present",
	})
	SendRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_send_rollbacks_total",
		Help: "Optimistic sends rolled back after a persistence failure",
	})
	FeedFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_feed_fallbacks_total",
		Help: "Realtime feeds degraded to polling",
	})
	NotificationsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messaging_notifications_dispatched_total",
		Help: "Durable notifications created for inbound messages",
	})
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messaging_http_requests_total",
		Help: "HTTP requests served, by method and route",
	}, []string{"method", "route"})
)

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
