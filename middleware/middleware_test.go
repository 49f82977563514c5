package middleware

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"comic-rpc/message"
)

// echoHandler answers every call with "ok".
func echoHandler(ctx context.Context, call *message.Call) *message.Response {
	return &message.Response{ID: call.ID, Response: json.RawMessage(`"ok"`)}
}

// slowHandler sleeps 200ms unless ctx ends first.
func slowHandler(ctx context.Context, call *message.Call) *message.Response {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	return &message.Response{ID: call.ID, Response: json.RawMessage(`"ok"`)}
}

func failingHandler(ctx context.Context, call *message.Call) *message.Response {
	return message.Failure(call.ID, "boom")
}

func panickingHandler(ctx context.Context, call *message.Call) *message.Response {
	panic("nil page")
}

func newCall() *message.Call {
	return &message.Call{ID: "a1", Pattern: "crawler-info"}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	resp := handler(context.Background(), newCall())
	require.NotNil(t, resp)
	assert.Equal(t, `"ok"`, string(resp.Response))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "crawler-info", logs.All()[0].ContextMap()["pattern"])

	LoggingMiddleware(zap.New(core))(failingHandler)(context.Background(), newCall())
	failures := logs.FilterMessage("call failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, zap.WarnLevel, failures[0].Level)
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)
	resp := handler(context.Background(), newCall())
	assert.False(t, resp.Failed())
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)
	resp := handler(context.Background(), newCall())
	require.True(t, resp.Failed())
	assert.Equal(t, `"`+RequestTimedOut+`"`, string(resp.Err))
	assert.Equal(t, "a1", resp.ID)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected.
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), newCall())
		require.False(t, resp.Failed(), "call %d should pass", i)
	}

	resp := handler(context.Background(), newCall())
	require.True(t, resp.Failed())
	assert.Equal(t, `"`+RateLimitExceeded+`"`, string(resp.Err))
}

func TestRecover(t *testing.T) {
	handler := RecoverMiddleware(nil)(panickingHandler)
	resp := handler(context.Background(), newCall())
	require.True(t, resp.Failed())
	assert.Contains(t, string(resp.Err), "nil page")
	assert.Equal(t, "a1", resp.ID)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw, err := MetricsMiddleware(MetricsOptions{Namespace: "comic", Worker: "crawler", Registerer: reg})
	require.NoError(t, err)

	mw(echoHandler)(context.Background(), newCall())
	mw(failingHandler)(context.Background(), newCall())

	expected := `
# HELP comic_call_errors_total Calls answered with an err payload.
# TYPE comic_call_errors_total counter
comic_call_errors_total{kind="worker",pattern="crawler-info",worker="crawler"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "comic_call_errors_total"))

	// Registering the same collectors twice is rejected.
	_, err = MetricsMiddleware(MetricsOptions{Namespace: "comic", Worker: "crawler", Registerer: reg})
	assert.Error(t, err)
}

func TestTracingPassThrough(t *testing.T) {
	tracer := trace.NewNoopTracerProvider().Tracer("test")
	resp := TracingMiddleware(tracer)(echoHandler)(context.Background(), newCall())
	assert.Equal(t, `"ok"`, string(resp.Response))

	resp = TracingMiddleware(nil)(failingHandler)(context.Background(), newCall())
	assert.True(t, resp.Failed())
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *message.Call) *message.Response {
				order = append(order, name)
				return next(ctx, call)
			}
		}
	}

	chained := Chain(mark("a"), mark("b"), LoggingMiddleware(nil), TimeOutMiddleware(500*time.Millisecond))
	resp := chained(echoHandler)(context.Background(), newCall())

	require.NotNil(t, resp)
	assert.False(t, resp.Failed())
	assert.Equal(t, []string{"a", "b"}, order)
}
