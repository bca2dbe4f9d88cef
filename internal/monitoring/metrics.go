// Package monitoring Prometheus 指标采集。
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 域名身份指标
	DomainsCreated prometheus.Counter
	DomainsDeleted prometheus.Counter
	DKIMRotations  prometheus.Counter

	// 收信指标
	InboundReceived prometheus.Counter
	InboundRejected *prometheus.CounterVec // reason: size|parse|store

	// 发信指标
	OutboundSent   prometheus.Counter
	OutboundFailed *prometheus.CounterVec // reason: precondition|build|transport|storage

	// DNS 检查指标
	VerifierChecks   *prometheus.CounterVec // check: mx|spf|dkim|dmarc|ptr, result: ok|missing|error
	VerifierDuration prometheus.Histogram

	// Postfix 下发指标
	PostfixApplies *prometheus.CounterVec // outcome: success|backup|write|reload|restart

	// 系统指标
	DatabaseConnections prometheus.Gauge
	SMTPConnections     prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailforge_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailforge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		DomainsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailforge_domains_created_total",
				Help: "Total number of hosted domains created",
			},
		),

		DomainsDeleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailforge_domains_deleted_total",
				Help: "Total number of hosted domains deleted",
			},
		),

		DKIMRotations: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailforge_dkim_rotations_total",
				Help: "Total number of DKIM key rotations",
			},
		),

		InboundReceived: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailforge_inbound_received_total",
				Help: "Total number of inbound messages stored",
			},
		),

		InboundRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailforge_inbound_rejected_total",
				Help: "Total number of inbound messages rejected",
			},
			[]string{"reason"},
		),

		OutboundSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailforge_outbound_sent_total",
				Help: "Total number of outbound messages accepted by the relay",
			},
		),

		OutboundFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailforge_outbound_failed_total",
				Help: "Total number of outbound send failures",
			},
			[]string{"reason"},
		),

		VerifierChecks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailforge_verifier_checks_total",
				Help: "Total number of DNS verification checks by result",
			},
			[]string{"check", "result"},
		),

		VerifierDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailforge_verifier_duration_seconds",
				Help:    "Duration of full-domain DNS verification runs",
				Buckets: prometheus.DefBuckets,
			},
		),

		PostfixApplies: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailforge_postfix_applies_total",
				Help: "Postfix configuration apply attempts by outcome",
			},
			[]string{"outcome"},
		),

		DatabaseConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailforge_database_connections",
				Help: "Number of open database connections",
			},
		),

		SMTPConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailforge_smtp_connections",
				Help: "Number of active inbound SMTP connections",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailforge_errors_total",
				Help: "Total number of internal errors",
			},
			[]string{"type", "component"},
		),
	}
}

// RecordHTTPRequest 记录一次 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordVerifierReport 按检查项记录一次完整体检的结果
func (m *Metrics) RecordVerifierReport(results map[string]string, duration time.Duration) {
	for check, result := range results {
		m.VerifierChecks.WithLabelValues(check, result).Inc()
	}
	m.VerifierDuration.Observe(duration.Seconds())
}

// RecordError 记录内部错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// Handler 返回 Prometheus 指标的 HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
