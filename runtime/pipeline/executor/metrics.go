package executor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"
)

// metrics records step and run outcomes via OTEL. Uses the global
// MeterProvider; configure it before constructing the executor (typically via
// clue.ConfigureOpenTelemetry).
type metrics struct {
	steps    metric.Int64Counter
	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics() *metrics {
	meter := otel.Meter("goa.design/quest/runtime/pipeline/executor")
	m := &metrics{}
	var err error
	if m.steps, err = meter.Int64Counter("quest.pipeline.steps",
		metric.WithDescription("Pipeline step invocations by outcome")); err != nil {
		log.Errorf(context.Background(), err, "create step counter")
	}
	if m.runs, err = meter.Int64Counter("quest.pipeline.runs",
		metric.WithDescription("Pipeline run terminations by outcome")); err != nil {
		log.Errorf(context.Background(), err, "create run counter")
	}
	if m.duration, err = meter.Float64Histogram("quest.pipeline.step.duration",
		metric.WithDescription("Step attempt duration in seconds"),
		metric.WithUnit("s")); err != nil {
		log.Errorf(context.Background(), err, "create duration histogram")
	}
	return m
}

func (m *metrics) stepFinished(ctx context.Context, step string, ok bool, took time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("step", step),
		attribute.Bool("success", ok),
	)
	if m.steps != nil {
		m.steps.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, took.Seconds(), attrs)
	}
}

func (m *metrics) runFinished(ctx context.Context, kind string, ok bool) {
	if m.runs == nil {
		return
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", ok),
	))
}
