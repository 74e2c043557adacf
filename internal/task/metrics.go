package task

import (
	"context"
	"log"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/Allen15763/spe-bank-recon/internal/pipeline"
)

// stepObserver records step telemetry from pipeline lifecycle callbacks:
// executions by step and status, retry attempts beyond the first, and
// wall-clock duration per step.
type stepObserver struct {
	logger    *log.Logger
	executed  otelmetric.Int64Counter
	retries   otelmetric.Int64Counter
	histogram otelmetric.Float64Histogram
}

func newStepObserver(meter otelmetric.Meter, logger *log.Logger) *stepObserver {
	o := &stepObserver{logger: logger}
	var err error
	o.executed, err = meter.Int64Counter("pipeline_steps_executed")
	if err != nil {
		logger.Printf("warn: create steps-executed counter failed: %v", err)
	}
	o.retries, err = meter.Int64Counter("pipeline_step_retries")
	if err != nil {
		logger.Printf("warn: create step-retries counter failed: %v", err)
	}
	o.histogram, err = meter.Float64Histogram("pipeline_step_seconds")
	if err != nil {
		logger.Printf("warn: create step-duration histogram failed: %v", err)
	}
	return o
}

var _ pipeline.Observer = (*stepObserver)(nil)

func (o *stepObserver) BeforeStep(pc *pipeline.Context, step pipeline.Step) {}

func (o *stepObserver) AfterStep(pc *pipeline.Context, step pipeline.Step, res *pipeline.StepResult) {
	if res == nil {
		return
	}
	ctx := context.Background()
	attrs := otelmetric.WithAttributes(
		attribute.String("step", step.Name()),
		attribute.String("status", string(res.Status)),
	)
	if o.executed != nil {
		o.executed.Add(ctx, 1, attrs)
	}
	if o.retries != nil && res.Attempts > 1 {
		o.retries.Add(ctx, int64(res.Attempts-1), otelmetric.WithAttributes(attribute.String("step", step.Name())))
	}
	if o.histogram != nil {
		o.histogram.Record(ctx, res.Duration.Seconds(), attrs)
	}
}
