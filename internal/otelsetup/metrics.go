package otelsetup

import "go.opentelemetry.io/otel/metric"

// Metrics holds all story-orchestrator metric instruments.
type Metrics struct {
	WaveDuration     metric.Float64Histogram
	StepDuration     metric.Float64Histogram
	GateDuration     metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	StepsTotal       metric.Int64Counter
	StepFailures     metric.Int64Counter
	ActiveStories    metric.Int64UpDownCounter
	GateFailures     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.WaveDuration, err = meter.Float64Histogram("storyorchestrator.wave.duration",
		metric.WithDescription("Wave execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("storyorchestrator.step.duration",
		metric.WithDescription("Step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GateDuration, err = meter.Float64Histogram("storyorchestrator.gate.duration",
		metric.WithDescription("Quality gate duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("storyorchestrator.llm.tokens",
		metric.WithDescription("Total tokens consumed by step executors"),
	)
	if err != nil {
		return nil, err
	}

	m.StepsTotal, err = meter.Int64Counter("storyorchestrator.step.total",
		metric.WithDescription("Total steps executed"),
	)
	if err != nil {
		return nil, err
	}

	m.StepFailures, err = meter.Int64Counter("storyorchestrator.step.failures",
		metric.WithDescription("Total step failures"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveStories, err = meter.Int64UpDownCounter("storyorchestrator.story.active",
		metric.WithDescription("Number of stories currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.GateFailures, err = meter.Int64Counter("storyorchestrator.gate.failures",
		metric.WithDescription("Total quality gate failures"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
