package metrics

import "github.com/prometheus/client_golang/prometheus"

// ChatMetrics exposes counters/histograms for the crisis chat session.
type ChatMetrics struct {
	framesTotal     *prometheus.CounterVec
	sendsTotal      *prometheus.CounterVec
	reconnectsTotal prometheus.Counter
	connectLatency  prometheus.Histogram
}

func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	m := &ChatMetrics{
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mindwell",
			Subsystem: "crisischat",
			Name:      "frames_total",
			Help:      "Total inbound gateway frames by type",
		}, []string{"frame_type"}),
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mindwell",
			Subsystem: "crisischat",
			Name:      "sends_total",
			Help:      "Total outbound chat sends",
		}, []string{"status"}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mindwell",
			Subsystem: "crisischat",
			Name:      "reconnects_total",
			Help:      "Total automatic reconnect attempts",
		}),
		connectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mindwell",
			Subsystem: "crisischat",
			Name:      "connect_latency_seconds",
			Help:      "Latency of gateway WebSocket handshakes",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.framesTotal, m.sendsTotal, m.reconnectsTotal, m.connectLatency)
	return m
}

func (m *ChatMetrics) ObserveFrame(frameType string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(frameType).Inc()
}

func (m *ChatMetrics) ObserveSend(status string) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(status).Inc()
}

func (m *ChatMetrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *ChatMetrics) ObserveConnectLatency(seconds float64) {
	if m == nil {
		return
	}
	m.connectLatency.Observe(seconds)
}
