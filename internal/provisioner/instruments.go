package provisioner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "session-provisioner/internal/provisioner"

// Stage names used for spans and metrics.
const (
	stagePublish = "publish"
	stageDeploy  = "deploy"
	stageCleanup = "cleanup"
)

type instruments struct {
	tracer   trace.Tracer
	results  metric.Int64Counter
	duration metric.Float64Histogram
}

// newInstruments binds to the global providers; they are no-ops until cmd installs real ones.
func newInstruments() instruments {
	meter := otel.Meter(instrumentationName)
	results, _ := meter.Int64Counter("provisioner.stage.results",
		metric.WithDescription("Completed lifecycle stages by outcome"))
	duration, _ := meter.Float64Histogram("provisioner.stage.duration",
		metric.WithDescription("Lifecycle stage duration"), metric.WithUnit("s"))
	return instruments{tracer: otel.Tracer(instrumentationName), results: results, duration: duration}
}

// start opens a span for stage. The returned func ends it and records the outcome of err.
func (in instruments) start(ctx context.Context, stage, userID string) (context.Context, func(err error)) {
	began := time.Now()
	ctx, span := in.tracer.Start(ctx, "provisioner."+stage,
		trace.WithAttributes(attribute.String("user.id", userID)))
	return ctx, func(err error) {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		attrs := metric.WithAttributes(attribute.String("stage", stage), attribute.String("outcome", outcome))
		if in.results != nil {
			in.results.Add(ctx, 1, attrs)
		}
		if in.duration != nil {
			in.duration.Record(ctx, time.Since(began).Seconds(), attrs)
		}
	}
}
