package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTracerProviderWithoutExporter(t *testing.T) {
	shutdown, err := InitTracerProvider(context.Background(), Config{ServiceName: "test", SampleRatio: 1})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, shutdown(context.Background())) })

	ctx, span := otel.Tracer("test").Start(context.Background(), "job")
	require.True(t, span.SpanContext().IsSampled())
	span.End()

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	require.NotEmpty(t, carrier.Get("traceparent"))
}

func TestSampler(t *testing.T) {
	t.Parallel()

	require.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	require.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
