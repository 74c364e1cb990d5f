package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parkdog_chat"

// 发送路径
const (
	PathRealtime = "realtime"
	PathHTTP     = "http"
)

// Metrics 客户端指标，nil 接收者上的方法都是空操作
type Metrics struct {
	registry *prometheus.Registry

	reconnectAttempts prometheus.Counter
	connectionState   *prometheus.GaugeVec
	mode              *prometheus.GaugeVec
	sends             *prometheus.CounterVec
	ackLatency        prometheus.Histogram
	malformed         *prometheus.CounterVec
	deliveryFailures  prometheus.Counter
	outboxPending     prometheus.Gauge
	outboxEvicted     prometheus.Counter
}

// New 创建指标并注册到独立的 Registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled realtime reconnect attempts.",
		}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current realtime connection state (1 for the active state).",
		}, []string{"state"}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode",
			Help:      "Current delivery mode (1 for the active mode).",
		}, []string{"mode"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outgoing messages by delivery path and result.",
		}, []string{"path", "result"}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_latency_seconds",
			Help:      "Time from realtime send to server acknowledgment.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 12},
		}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dropped_total",
			Help:      "Inbound realtime events dropped as malformed.",
		}, []string{"event"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Messages that failed on both realtime and HTTP paths.",
		}),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Messages awaiting server confirmation.",
		}),
		outboxEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_evicted_total",
			Help:      "Outbox entries evicted by the capacity limit.",
		}),
	}

	reg.MustRegister(
		m.reconnectAttempts,
		m.connectionState,
		m.mode,
		m.sends,
		m.ackLatency,
		m.malformed,
		m.deliveryFailures,
		m.outboxPending,
		m.outboxEvicted,
	)
	return m
}

// Registry 底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// SetConnectionState 只有当前状态为 1
func (m *Metrics) SetConnectionState(state string, all []string) {
	if m == nil {
		return
	}
	setExclusive(m.connectionState, state, all)
}

// SetMode 只有当前模式为 1
func (m *Metrics) SetMode(mode string, all []string) {
	if m == nil {
		return
	}
	setExclusive(m.mode, mode, all)
}

func (m *Metrics) Sent(path string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(path, "sent").Inc()
}

func (m *Metrics) SendFailed(path string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(path, "failed").Inc()
}

func (m *Metrics) ObserveAck(seconds float64) {
	if m == nil {
		return
	}
	m.ackLatency.Observe(seconds)
}

func (m *Metrics) Dropped(event string) {
	if m == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.malformed.WithLabelValues(event).Inc()
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(n))
}

func (m *Metrics) Evicted(n int) {
	if m == nil {
		return
	}
	m.outboxEvicted.Add(float64(n))
}

func setExclusive(vec *prometheus.GaugeVec, active string, all []string) {
	for _, v := range all {
		if v == active {
			vec.WithLabelValues(v).Set(1)
		} else {
			vec.WithLabelValues(v).Set(0)
		}
	}
}
