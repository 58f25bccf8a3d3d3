// Package metrics instruments the TOC protocol engine with Prometheus
// collectors. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors created by New.
type Config struct {
	// Namespace is the metrics namespace (default: "toc").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures New.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the collectors for one client.
type Metrics struct {
	framesSent      *prometheus.CounterVec
	framesReceived  *prometheus.CounterVec
	malformedFrames prometheus.Counter
	commands        *prometheus.CounterVec
	events          *prometheus.CounterVec
	signons         *prometheus.CounterVec
	throttleWait    prometheus.Histogram
	connected       prometheus.Gauge
}

// New creates and registers the collectors. Registering twice against the
// same registry panics, as with promauto.
func New(opts ...Option) *Metrics {
	config := Config{
		Namespace: "toc",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "frames_sent_total",
			Help:        "Total number of FLAP frames written, by frame type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "frames_received_total",
			Help:        "Total number of FLAP frames read, by frame type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		malformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "malformed_frames_total",
			Help:        "Bytes dropped because they did not start a frame",
			ConstLabels: config.ConstLabels,
		}),

		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "commands_received_total",
			Help:        "Server commands seen by the dispatcher",
			ConstLabels: config.ConstLabels,
		}, []string{"command"}),

		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "events_total",
			Help:        "Events delivered to the application, by kind",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		signons: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "signons_total",
			Help:        "Signon attempts by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		throttleWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "throttle_wait_seconds",
			Help:        "Time outbound messages spent waiting for the throttle window",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{0, 0.1, 0.25, 0.5, 1, 1.5, 2},
		}),

		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "connected",
			Help:        "1 while a TOC session is established",
			ConstLabels: config.ConstLabels,
		}),
	}
}

func (m *Metrics) FrameSent(frameType string) {
	if m != nil {
		m.framesSent.WithLabelValues(frameType).Inc()
	}
}

func (m *Metrics) FrameReceived(frameType string) {
	if m != nil {
		m.framesReceived.WithLabelValues(frameType).Inc()
	}
}

func (m *Metrics) MalformedFrame() {
	if m != nil {
		m.malformedFrames.Inc()
	}
}

// Command counts a dispatched server command. Unknown commands are folded
// into "other" to keep the label set bounded.
func (m *Metrics) Command(command string, known bool) {
	if m == nil {
		return
	}
	if !known {
		command = "other"
	}
	m.commands.WithLabelValues(command).Inc()
}

func (m *Metrics) Event(kind string) {
	if m != nil {
		m.events.WithLabelValues(kind).Inc()
	}
}

// SignOn records the outcome of a handshake: "ok" or a short failure class.
func (m *Metrics) SignOn(result string) {
	if m != nil {
		m.signons.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ThrottleWait(d time.Duration) {
	if m != nil {
		m.throttleWait.Observe(d.Seconds())
	}
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
