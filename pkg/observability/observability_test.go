package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
)

func TestDefaultConfig_IsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, 1.0, cfg.SampleRatio)
	assert.Equal(t, 15*time.Second, cfg.ExportInterval)
}

func TestNew_DisabledNeverDials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint = "unreachable.invalid:4317"

	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	ctx := context.Background()
	p.RecordArbitration(ctx, "override")
	p.RecordAuthorization(ctx, "search", true)
	p.RecordErrorReported(ctx, "Executor", contracts.TierH1)
	p.RecordCycle(ctx, contracts.CycleCompleted)
	p.RecordDistress(ctx, 42)
	_, finish := p.TrackOperation(ctx, "phoenix.resolve_conflict", ConflictOperation("u", 2)...)
	finish(errors.New("boom"))

	assert.NoError(t, p.Shutdown(ctx))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, "AlwaysOnSampler", sampler(1).Description())
	assert.Equal(t, "AlwaysOffSampler", sampler(0).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumBy(t *testing.T, agg metricdata.Aggregation, key string) map[string]int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", agg)
	out := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.Emit()] += dp.Value
	}
	return out
}

func TestInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	p, err := NewWithMeterProvider(mp)
	require.NoError(t, err)
	ctx := context.Background()

	p.RecordArbitration(ctx, string(contracts.StatusApproved))
	p.RecordArbitration(ctx, string(contracts.StatusApproved))
	p.RecordArbitration(ctx, "override")
	p.RecordAuthorization(ctx, "shell", false)
	p.RecordAuthorization(ctx, "search", true)
	p.RecordErrorReported(ctx, "Scanner", contracts.TierH0)
	p.RecordCycle(ctx, contracts.CycleFailed)
	p.RecordDistress(ctx, 20)
	p.RecordDistress(ctx, 63)
	_, finish := p.TrackOperation(ctx, "phoenix.authorize", ActionOperation("a1", "search", "read")...)
	finish(nil)

	data := collect(t, reader)

	assert.Equal(t, map[string]int64{"approved": 2, "override": 1}, sumBy(t, data["phoenix.arbitrations"], "status"))
	assert.Equal(t, map[string]int64{"false": 1, "true": 1}, sumBy(t, data["phoenix.authorizations"], "allowed"))
	assert.Equal(t, map[string]int64{"H0": 1}, sumBy(t, data["phoenix.errors_reported"], "tier"))
	assert.Equal(t, map[string]int64{"failed": 1}, sumBy(t, data["phoenix.renaissance_cycles"], "status"))

	gauge, ok := data["phoenix.distress_score"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(63), gauge.DataPoints[0].Value, "the gauge keeps the last score")

	hist, ok := data["phoenix.operation.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	failed, _ := hist.DataPoints[0].Attributes.Value("error")
	assert.False(t, failed.AsBool())
}

func TestAttributeHelpers(t *testing.T) {
	attrs := ActionOperation("a-1", "search", "read")
	require.Len(t, attrs, 3)
	assert.Equal(t, AttrTool, attrs[1].Key)
	assert.Equal(t, "search", attrs[1].Value.AsString())

	attrs = ErrorOperation("Executor", contracts.TierH1)
	assert.Equal(t, AttrTier, attrs[1].Key)
	assert.Equal(t, "H1", attrs[1].Value.AsString())

	attrs = ConflictOperation("user-1", 3)
	assert.Equal(t, int64(3), attrs[1].Value.AsInt64())
}

func TestSpanHelpers_NoSpanInContext(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		AddSpanEvent(ctx, "phoenix.lock", AttrModule.String("Gate"))
		SetSpanAttributes(ctx, AttrAllowed.Bool(true))
		SetSpanStatus(ctx, errors.New("gate refused"))
		SetSpanStatus(ctx, nil)
	})
}
