package mcphttp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mcp_http_requests_total",
		Help: "Number of HTTP requests handled by the MCP transport, split by route and response status.",
	},
	[]string{"route", "status"},
)

var pendingReplies = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "mcp_http_pending_replies",
		Help: "Number of POST requests waiting for the reply of the message sink.",
	},
)

var openStreams = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "mcp_http_open_streams",
		Help: "Number of open SSE streams.",
	},
)

var replyDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "mcp_http_reply_duration_seconds",
		Help:    "Time between forwarding a message to the sink and writing its reply, split by outcome.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	},
	[]string{"outcome"},
)
