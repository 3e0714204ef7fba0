package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
)

type instruments struct {
	arbitrations   metric.Int64Counter
	authorizations metric.Int64Counter
	errorsReported metric.Int64Counter
	cycles         metric.Int64Counter
	distress       metric.Int64Gauge
	duration       metric.Float64Histogram
}

func newInstruments(m metric.Meter) (instruments, error) {
	var (
		in  instruments
		err error
	)
	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	in.arbitrations = counter("phoenix.arbitrations", "Conflicts arbitrated, by outcome", "{conflict}")
	in.authorizations = counter("phoenix.authorizations", "Security gate decisions, by tool and outcome", "{action}")
	in.errorsReported = counter("phoenix.errors_reported", "System errors reported to the recovery engine, by module and tier", "{error}")
	in.cycles = counter("phoenix.renaissance_cycles", "Renaissance cycles, by status", "{cycle}")
	if err != nil {
		return in, err
	}
	if in.distress, err = m.Int64Gauge("phoenix.distress_score", metric.WithDescription("Current distress score, 0 to 100")); err != nil {
		return in, err
	}
	in.duration, err = m.Float64Histogram("phoenix.operation.duration",
		metric.WithDescription("Core operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60),
	)
	return in, err
}

// RecordArbitration counts one arbitration outcome: a result status, or
// "override" for operator overrides.
func (p *Provider) RecordArbitration(ctx context.Context, outcome string) {
	p.inst.arbitrations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", outcome)))
}

func (p *Provider) RecordAuthorization(ctx context.Context, tool string, allowed bool) {
	p.inst.authorizations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("allowed", allowed),
	))
}

func (p *Provider) RecordErrorReported(ctx context.Context, module string, tier contracts.Tier) {
	p.inst.errorsReported.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module", module),
		attribute.String("tier", string(tier)),
	))
}

func (p *Provider) RecordCycle(ctx context.Context, status contracts.CycleStatus) {
	p.inst.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (p *Provider) RecordDistress(ctx context.Context, score int) {
	p.inst.distress.Record(ctx, int64(score))
}

// TrackOperation starts a span named name. The returned func ends it and
// records the latency, tagged with whether err was non-nil.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		tags := append([]attribute.KeyValue{
			attribute.String("operation", name),
			attribute.Bool("error", err != nil),
		}, attrs...)
		p.inst.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(tags...))
		SetSpanStatus(ctx, err)
		span.End()
	}
}
