package metrics

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// 账号同步
	SyncAccountsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meli_sync_accounts_total",
			Help: "Account sync attempts by result",
		},
		[]string{"result"},
	)

	SyncRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meli_sync_run_duration_seconds",
			Help:    "Duration of a full sync-all run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)

	TokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meli_token_refresh_total",
			Help: "Token refresh attempts by result",
		},
		[]string{"result"},
	)

	// Webhook
	WebhookReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meli_webhook_received_total",
			Help: "Webhook notifications acknowledged, by topic",
		},
		[]string{"topic"},
	)

	WebhookDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meli_webhook_dropped_total",
			Help: "Webhook notifications dropped after ack, by reason",
		},
		[]string{"reason"},
	)

	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meli_events_processed_total",
			Help: "Webhook events processed, by topic and result",
		},
		[]string{"topic", "result"},
	)

	CacheKeysInvalidated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meli_cache_keys_invalidated_total",
			Help: "Cache keys removed by event processing",
		},
	)

	// 健康快照
	AccountsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meli_accounts",
			Help: "Accounts by status at the last health snapshot",
		},
		[]string{"status"},
	)

	EventsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meli_events",
			Help: "Webhook events by status at the last health snapshot",
		},
		[]string{"status"},
	)

	// 实时推送
	RealtimeClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meli_realtime_clients",
			Help: "Connected websocket clients",
		},
	)

	RealtimeDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meli_realtime_dropped_total",
			Help: "Notifications dropped because a queue was full",
		},
	)
)

var registerOnce sync.Once

// Register 注册全部指标，重复调用无副作用
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			SyncAccountsTotal,
			SyncRunDuration,
			TokenRefreshTotal,
			WebhookReceivedTotal,
			WebhookDroppedTotal,
			EventsProcessedTotal,
			CacheKeysInvalidated,
			AccountsByStatus,
			EventsByStatus,
			RealtimeClients,
			RealtimeDroppedTotal,
		)
	})
}

// GinMiddleware 记录请求数与耗时，route 使用注册时的路径模板
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(route, c.Request.Method, statusText(c.Writer.Status())).Inc()
	}
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
