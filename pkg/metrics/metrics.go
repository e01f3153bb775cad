package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 邮件发送延迟（毫秒）
	SendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "email_send_latency_ms",
			Help:    "Provider send call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"backend", "status"},
	)

	// 邮件发送计数
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Total number of messages delivered",
		},
		[]string{"kind", "backend"},
	)

	// 终态失败计数
	MessagesDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_dead_lettered_total",
			Help: "Total number of messages moved to the dead-letter store",
		},
		[]string{"reason"},
	)

	// 重试计数
	SendRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "send_retries_total",
			Help: "Total number of send retry attempts",
		},
		[]string{"backend"},
	)

	// 限流/配额拒绝计数
	AdmissionDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_denied_total",
			Help: "Total number of worker admission denials",
		},
		[]string{"gate"}, // gate: rate_limit, quota
	)

	// 调度队列深度
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Current number of messages waiting in the dispatch queue",
		},
	)

	// 每日配额用量
	QuotaUsed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "daily_quota_used",
			Help: "Emails sent against the daily primary-provider quota",
		},
	)

	// 实时通知推送计数
	NotificationsPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_pushed_total",
			Help: "Total number of real-time notifications pushed",
		},
		[]string{"delivery"}, // delivery: live, queued
	)

	// 在线连接数
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Current number of live notification connections",
		},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

// RecordSendLatency 记录发送延迟
func RecordSendLatency(backend, status string, duration time.Duration) {
	SendLatency.WithLabelValues(backend, status).Observe(float64(duration.Milliseconds()))
}

// IncrementSent 增加发送计数
func IncrementSent(kind, backend string) {
	MessagesSent.WithLabelValues(kind, backend).Inc()
}

// IncrementDeadLettered 增加死信计数
func IncrementDeadLettered(reason string) {
	MessagesDeadLettered.WithLabelValues(reason).Inc()
}

// IncrementRetry 增加重试计数
func IncrementRetry(backend string) {
	SendRetries.WithLabelValues(backend).Inc()
}

// IncrementAdmissionDenied 增加准入拒绝计数
func IncrementAdmissionDenied(gate string) {
	AdmissionDenied.WithLabelValues(gate).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
