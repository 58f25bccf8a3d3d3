package toc

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"tocclient/internal/metrics"
)

const (
	DefaultTocHost  = "toc.oscar.aol.com"
	DefaultTocPort  = 9898
	DefaultAuthHost = "login.oscar.aol.com"
	DefaultAuthPort = 5190

	// DefaultThrottle is the minimum spacing between instant messages.
	DefaultThrottle = 2000 * time.Millisecond

	tracerName = "tocclient"
)

// Config holds the settings of a Client.
type Config struct {
	TocHost string
	TocPort int

	// AuthHost and AuthPort are only passed as text inside toc2_signon;
	// the client never connects to them.
	AuthHost string
	AuthPort int

	Protocol ProtocolVersion

	// Throttle is the minimum spacing between outbound instant messages.
	Throttle time.Duration

	// Logger receives protocol logs. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Tracer is used for signon and send spans. If nil, the global
	// OpenTelemetry tracer provider is used.
	Tracer trace.Tracer
}

// DefaultConfig returns a TOC2 configuration for the public service hosts.
func DefaultConfig() Config {
	return Config{
		TocHost:  DefaultTocHost,
		TocPort:  DefaultTocPort,
		AuthHost: DefaultAuthHost,
		AuthPort: DefaultAuthPort,
		Protocol: TOCv2,
		Throttle: DefaultThrottle,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TocHost == "" {
		c.TocHost = def.TocHost
	}
	if c.TocPort == 0 {
		c.TocPort = def.TocPort
	}
	if c.AuthHost == "" {
		c.AuthHost = def.AuthHost
	}
	if c.AuthPort == 0 {
		c.AuthPort = def.AuthPort
	}
	if c.Protocol == 0 {
		c.Protocol = def.Protocol
	}
	if c.Throttle == 0 {
		c.Throttle = def.Throttle
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer(tracerName)
	}
	return c
}
