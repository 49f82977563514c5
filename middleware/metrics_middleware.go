package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"comic-rpc/message"
)

// MetricsOptions names the collectors registered by MetricsMiddleware.
type MetricsOptions struct {
	Namespace string
	Subsystem string
	// Worker is attached as a constant label so several workers can share one scrape target.
	Worker string
	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// MetricsMiddleware records per-pattern latency, failures and in-flight calls.
func MetricsMiddleware(opts MetricsOptions) (Middleware, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	constLabels := prometheus.Labels{"kind": "worker"}
	if opts.Worker != "" {
		constLabels["worker"] = opts.Worker
	}

	duration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:   opts.Namespace,
		Subsystem:   opts.Subsystem,
		Name:        "call_duration_seconds",
		Help:        "Time spent handling a call, by pattern and outcome.",
		ConstLabels: constLabels,
		Objectives: map[float64]float64{
			0.5:  0.01,
			0.9:  0.01,
			0.99: 0.001,
		},
	}, []string{"pattern", "outcome"})

	errCnt := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   opts.Namespace,
		Subsystem:   opts.Subsystem,
		Name:        "call_errors_total",
		Help:        "Calls answered with an err payload.",
		ConstLabels: constLabels,
	}, []string{"pattern"})

	active := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   opts.Namespace,
		Subsystem:   opts.Subsystem,
		Name:        "calls_in_flight",
		Help:        "Calls currently being handled.",
		ConstLabels: constLabels,
	}, []string{"pattern"})

	for _, c := range []prometheus.Collector{duration, errCnt, active} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Response {
			gauge := active.WithLabelValues(call.Pattern)
			gauge.Inc()
			start := time.Now()

			resp := next(ctx, call)

			gauge.Dec()
			outcome := "ok"
			if failed(resp) {
				outcome = "error"
				errCnt.WithLabelValues(call.Pattern).Inc()
			}
			duration.WithLabelValues(call.Pattern, outcome).Observe(time.Since(start).Seconds())
			return resp
		}
	}, nil
}
