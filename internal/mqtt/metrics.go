package mqtt

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains Prometheus metrics for MQTT operations
type Metrics struct {
	connectionStatus  prometheus.Gauge
	messagesDelivered prometheus.Counter
	messageSize       prometheus.Histogram
	errors            prometheus.Counter
	publishLatency    prometheus.Histogram
	reconnects        prometheus.Counter

	collectors []prometheus.Collector
}

// NewMetrics creates MQTT metrics and registers them in registry when it is non-nil.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "framecast_mqtt_connection_status",
			Help: "Current connection status of the MQTT client (0 for disconnected, 1 for connected)",
		}),
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framecast_mqtt_messages_delivered_total",
			Help: "Total number of MQTT messages successfully delivered",
		}),
		messageSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "framecast_mqtt_message_size_bytes",
			Help:    "Size of MQTT messages in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64B to 1MiB
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framecast_mqtt_errors_total",
			Help: "Total number of MQTT errors",
		}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "framecast_mqtt_publish_latency_seconds",
			Help:    "Latency of MQTT publish operations in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framecast_mqtt_reconnects_total",
			Help: "Total number of MQTT reconnections",
		}),
	}
	m.collectors = []prometheus.Collector{
		m.connectionStatus, m.messagesDelivered, m.messageSize,
		m.errors, m.publishLatency, m.reconnects,
	}

	if registry != nil {
		if err := registry.Register(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Describe implements the Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}

func (m *Metrics) setConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connectionStatus.Set(1)
	} else {
		m.connectionStatus.Set(0)
	}
}

func (m *Metrics) delivered(size int) {
	if m == nil {
		return
	}
	m.messagesDelivered.Inc()
	m.messageSize.Observe(float64(size))
}

func (m *Metrics) failed() {
	if m == nil {
		return
	}
	m.errors.Inc()
}

func (m *Metrics) reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) startPublishTimer() *prometheus.Timer {
	if m == nil {
		return prometheus.NewTimer(prometheus.ObserverFunc(func(float64) {}))
	}
	return prometheus.NewTimer(m.publishLatency)
}
