package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"comic-rpc/message"
)

const tracerName = "comic-rpc/server"

// TracingMiddleware opens a server span per call. A nil tracer uses the global
// provider, which is a no-op until the process installs one.
func TracingMiddleware(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Response {
			ctx, span := tracer.Start(ctx, call.Pattern,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("rpc.system", "comic-rpc"),
					attribute.String("rpc.method", call.Pattern),
					attribute.String("rpc.call_id", call.ID),
					attribute.Bool("rpc.event", call.Event()),
				))
			defer span.End()

			resp := next(ctx, call)
			if failed(resp) {
				span.SetStatus(codes.Error, string(resp.Err))
			} else {
				span.SetStatus(codes.Ok, "OK")
			}
			return resp
		}
	}
}
