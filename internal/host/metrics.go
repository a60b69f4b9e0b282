package host

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics contains Prometheus metrics for the frame channel and module lifecycle.
type Metrics struct {
	registry *prometheus.Registry

	// Frame channel metrics
	framesPublished prometheus.Counter
	bytesPublished  prometheus.Counter
	generation      prometheus.Gauge
	frameSize       prometheus.Histogram

	// Per delivery module metrics
	framesDelivered  *prometheus.CounterVec
	framesSuperseded *prometheus.CounterVec

	// Lifecycle metrics
	transitions  *prometheus.CounterVec
	stopDuration *prometheus.HistogramVec
	stopTimeouts *prometheus.CounterVec
	outputs      prometheus.Gauge

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewMetrics creates host metrics and registers them in registry. A nil registry
// gets a fresh one that also carries the Go runtime and process collectors.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
		if err := registry.Register(collectors.NewGoCollector()); err != nil {
			return nil, err
		}
		if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
			return nil, err
		}
	}

	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.framesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "framecast_frames_published_total",
		Help: "Total number of frames published by the capture module",
	})

	m.bytesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "framecast_published_bytes_total",
		Help: "Total number of frame bytes published",
	})

	m.generation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "framecast_frame_generation",
		Help: "Generation marker of the most recent frame",
	})

	m.frameSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "framecast_frame_size_bytes",
		Help:    "Size of published frames",
		Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KiB to 2MiB
	})

	m.framesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framecast_frames_delivered_total",
			Help: "Total number of frames handed to a delivery module",
		},
		[]string{"module"},
	)

	m.framesSuperseded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framecast_frames_superseded_total",
			Help: "Frames overwritten before a delivery module read them",
		},
		[]string{"module"},
	)

	m.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framecast_module_transitions_total",
			Help: "Module lifecycle transitions",
		},
		[]string{"module", "role", "state"},
	)

	m.stopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "framecast_module_stop_duration_seconds",
			Help:    "Time taken by module stop calls",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"module"},
	)

	m.stopTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framecast_module_stop_timeouts_total",
			Help: "Module stop calls that exceeded the stop timeout",
		},
		[]string{"module"},
	)

	m.outputs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "framecast_delivery_modules",
		Help: "Number of delivery modules started",
	})

	m.collectors = []prometheus.Collector{
		m.framesPublished,
		m.bytesPublished,
		m.generation,
		m.frameSize,
		m.framesDelivered,
		m.framesSuperseded,
		m.transitions,
		m.stopDuration,
		m.stopTimeouts,
		m.outputs,
	}
}

// Describe implements the Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// Registry returns the registry the metrics are registered in.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordPublish records one publication.
func (m *Metrics) RecordPublish(generation uint64, size int) {
	if m == nil {
		return
	}
	m.framesPublished.Inc()
	m.bytesPublished.Add(float64(size))
	m.generation.Set(float64(generation))
	m.frameSize.Observe(float64(size))
}

// RecordDelivery records a frame handed to a delivery module and the frames it missed.
func (m *Metrics) RecordDelivery(module string, superseded uint64) {
	if m == nil {
		return
	}
	m.framesDelivered.WithLabelValues(module).Inc()
	if superseded > 0 {
		m.framesSuperseded.WithLabelValues(module).Add(float64(superseded))
	}
}

// RecordTransition records a module entering a lifecycle state.
func (m *Metrics) RecordTransition(module string, role Role, state LifecycleState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(module, role.String(), state.String()).Inc()
}

// RecordStop records how long a stop call took and whether it timed out.
func (m *Metrics) RecordStop(module string, d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.stopDuration.WithLabelValues(module).Observe(d.Seconds())
	if timedOut {
		m.stopTimeouts.WithLabelValues(module).Inc()
	}
}

// SetOutputs records the number of started delivery modules.
func (m *Metrics) SetOutputs(n int) {
	if m == nil {
		return
	}
	m.outputs.Set(float64(n))
}
