package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/nexus/pkg/config"
)

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	p, err := newProvider(tp, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	return p, reader, spans
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestFromConfig(t *testing.T) {
	rc := config.Default()
	rc.Environment = "staging"
	rc.Observability.Enabled = true
	rc.Observability.Insecure = true
	rc.Observability.SampleRate = 0.25

	cfg := FromConfig("nexus-consensus", rc)
	assert.Equal(t, "nexus-consensus", cfg.ServiceName)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.True(t, cfg.Enabled)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 0.25, cfg.SampleRate)
}

func TestNew_Disabled(t *testing.T) {
	p, err := New(context.Background(), Config{})
	require.NoError(t, err)
	assert.False(t, p.enabled())
	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation(t *testing.T) {
	p, reader, spans := newTestProvider(t)

	_, done := p.TrackOperation(context.Background(), "consensus.evaluate", attribute.String("run_id", "r-1"))
	done(nil)
	_, done = p.TrackOperation(context.Background(), "auth.authenticate")
	done(errors.New("invalid signature"))

	assert.Equal(t, int64(2), sumOf(t, reader, "nexus.operations"))
	assert.Equal(t, int64(1), sumOf(t, reader, "nexus.operation.failures"))

	ended := spans.GetSpans()
	require.Len(t, ended, 2)
	assert.Equal(t, "consensus.evaluate", ended[0].Name)
	assert.Equal(t, codes.Error, ended[1].Status.Code)
}

func TestDomainCounters(t *testing.T) {
	p, reader, _ := newTestProvider(t)
	ctx := context.Background()

	p.AuthAttempt(ctx, true, "")
	p.AuthAttempt(ctx, false, "replayed_nonce")
	p.RateLimit(ctx, "vote", false)
	p.Decision(ctx, "ACCEPTED")

	assert.Equal(t, int64(2), sumOf(t, reader, "nexus.auth.attempts"))
	assert.Equal(t, int64(1), sumOf(t, reader, "nexus.ratelimit.decisions"))
	assert.Equal(t, int64(1), sumOf(t, reader, "nexus.consensus.decisions"))
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	ctx, done := p.TrackOperation(context.Background(), "ratelimit.allow")
	require.NotNil(t, ctx)
	done(errors.New("storage unavailable"))

	p.AuthAttempt(ctx, false, "expired")
	p.RateLimit(ctx, "read", true)
	p.Decision(ctx, "REJECTED")
	assert.NoError(t, p.Shutdown(ctx))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}
