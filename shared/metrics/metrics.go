package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "messages_merged_total",
		Help:      "Messages that changed the local store, by source.",
	}, []string{"source"})

	MessagesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "messages_discarded_total",
		Help:      "Inbound messages dropped as malformed.",
	})

	Polls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "polls_total",
		Help:      "Polling requests by kind and result.",
	}, []string{"kind", "result"})

	Sends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "sends_total",
		Help:      "Outgoing messages by delivery path and result.",
	}, []string{"path", "result"})

	ChannelState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Name:      "channel_state",
		Help:      "Push channel lifecycle state (0 closed, 1 connecting, 2 open, 3 closed pending reconnect).",
	})

	RelayMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Subsystem: "relay",
		Name:      "messages_total",
		Help:      "Messages accepted by the relay, by ingress.",
	}, []string{"ingress"})

	RelaySockets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Subsystem: "relay",
		Name:      "sockets",
		Help:      "Open websocket connections.",
	})
)

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
