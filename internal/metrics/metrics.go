package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_subscriptions",
		Help: "Current number of topic subscriptions across all connections",
	})
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages persisted and published",
	}, []string{"type"})
	PublishFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_publish_failures_total",
		Help: "Total number of persisted messages whose fan-out failed",
	})
	ChatsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_chats_created_total",
		Help: "Total number of chats created",
	})
	ChatsJoinedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_chats_joined_total",
		Help: "Total number of successful joins by interest",
	})
	ChatsRetiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_chats_retired_total",
		Help: "Total number of chats retired",
	}, []string{"reason"})
	SweepRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_expiry_sweeps_total",
		Help: "Total number of expiry sweep runs",
	}, []string{"outcome"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, WsSubscriptions,
		MessagesTotal, PublishFailuresTotal,
		ChatsCreatedTotal, ChatsJoinedTotal, ChatsRetiredTotal, SweepRunsTotal,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
