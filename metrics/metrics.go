// Package metrics 负载均衡代理的 Prometheus 指标
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 请求模式标签
const (
	ModeBuffered = "buffered"
	ModeStream   = "stream"
)

// 流结束方式标签
const (
	OutcomeCompleted  = "completed"
	OutcomeUpstream   = "upstream_error"
	OutcomeTimeout    = "timeout"
	OutcomeDisconnect = "client_disconnect"
)

// Metrics 代理指标集合，注册在独立的 registry 上
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	streamBytes     *prometheus.CounterVec
	streamChunks    *prometheus.CounterVec
	streamsActive   prometheus.Gauge
	streamOutcomes  *prometheus.CounterVec
	registry        *prometheus.Registry
}

// New 创建指标集合
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "claude_balancer"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of relayed messages requests",
		},
		[]string{"endpoint", "mode", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Relay duration in seconds, including the full stream for streaming requests",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"endpoint", "mode"},
	)

	m.streamBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "Total bytes forwarded from upstream event streams",
		},
		[]string{"endpoint"},
	)

	m.streamChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Total chunks forwarded from upstream event streams",
		},
		[]string{"endpoint"},
	)

	m.streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of streams currently being relayed",
		},
	)

	m.streamOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_outcomes_total",
			Help:      "Streams by the way they ended",
		},
		[]string{"outcome"},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.streamBytes,
		m.streamChunks,
		m.streamsActive,
		m.streamOutcomes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveRequest 记录一次完成的转发
func (m *Metrics) ObserveRequest(endpoint int, mode string, status int, d time.Duration) {
	ep := endpointLabel(endpoint)
	m.requestsTotal.WithLabelValues(ep, mode, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(ep, mode).Observe(d.Seconds())
}

// StreamStarted 流开始
func (m *Metrics) StreamStarted() {
	m.streamsActive.Inc()
}

// StreamChunk 记录转发的一个数据块
func (m *Metrics) StreamChunk(endpoint int, size int) {
	ep := endpointLabel(endpoint)
	m.streamChunks.WithLabelValues(ep).Inc()
	m.streamBytes.WithLabelValues(ep).Add(float64(size))
}

// StreamFinished 流结束
func (m *Metrics) StreamFinished(outcome string) {
	m.streamsActive.Dec()
	m.streamOutcomes.WithLabelValues(outcome).Inc()
}

// Registry 底层 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 暴露 /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// endpointLabel 端点标签使用 1 起的序号，不暴露地址与凭证
func endpointLabel(index int) string {
	return strconv.Itoa(index + 1)
}
