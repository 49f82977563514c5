// Package crawler is the comic crawler worker. Two variants exist, primary
// and secondary; both answer the same patterns and differ only in the name
// they report, so the host can balance over them as one group.
package crawler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"comic-rpc/logging"
	"comic-rpc/message"
	"comic-rpc/middleware"
	"comic-rpc/server"
)

// Patterns served by the crawler.
const (
	PatternPing = "ping"
	PatternInfo = "crawler-info"
)

// Variant selects which crawler a process runs as.
type Variant string

const (
	Primary   Variant = "primary"
	Secondary Variant = "secondary"
)

// ParseVariant accepts "primary" (also the empty string) and "secondary".
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case "", Primary:
		return Primary, nil
	case Secondary:
		return Secondary, nil
	}
	return "", fmt.Errorf("unknown crawler variant %q", s)
}

// Info is the result of crawler-info.
type Info struct {
	Variant Variant `json:"variant"`
	PID     int     `json:"pid"`
}

// Options configures New.
type Options struct {
	Variant Variant
	Logger  *zap.Logger
	// Registerer receives the call metrics; nil uses prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Tracer nil uses the global otel provider.
	Tracer trace.Tracer
	// HandlerTimeout bounds each call; zero disables it.
	HandlerTimeout time.Duration
	// RateLimit is calls per second shared by all patterns; zero disables it.
	RateLimit float64
	Burst     int
	// ServerOptions are passed to server.New after the logger.
	ServerOptions []server.Option
}

// New returns a server with the crawler patterns and middleware registered.
// The caller starts it with Listen.
func New(opts Options) (*server.Server, error) {
	variant, err := ParseVariant(string(opts.Variant))
	if err != nil {
		return nil, err
	}
	logger := logging.OrNop(opts.Logger).With(zap.String("variant", string(variant)))

	metrics, err := middleware.MetricsMiddleware(middleware.MetricsOptions{
		Namespace:  "comic",
		Worker:     "crawler-" + string(variant),
		Registerer: opts.Registerer,
	})
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	s := server.New(append([]server.Option{server.WithLogger(logger)}, opts.ServerOptions...)...)
	s.Use(middleware.LoggingMiddleware(logger))
	s.Use(metrics)
	s.Use(middleware.TracingMiddleware(opts.Tracer))
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		s.Use(middleware.RateLimitMiddleware(opts.RateLimit, burst))
	}
	if opts.HandlerTimeout > 0 {
		s.Use(middleware.TimeOutMiddleware(opts.HandlerTimeout))
	}
	Register(s, variant)
	return s, nil
}

// Register adds the crawler patterns to s.
func Register(s *server.Server, variant Variant) {
	s.HandleFunc(PatternPing, func(ctx context.Context, call *message.Call) (any, error) {
		return "pong", nil
	})
	s.HandleFunc(PatternInfo, func(ctx context.Context, call *message.Call) (any, error) {
		return Info{Variant: variant, PID: os.Getpid()}, nil
	})
}
