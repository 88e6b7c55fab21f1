package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the drover metric instruments.
type Metrics struct {
	WorkersActive    metric.Int64UpDownCounter
	RunsTotal        metric.Int64Counter
	RunDuration      metric.Float64Histogram
	ActionsTotal     metric.Int64Counter
	SleepSeconds     metric.Float64Histogram
	OnboardingsTotal metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.WorkersActive, err = meter.Int64UpDownCounter("drover.workers.active",
		metric.WithDescription("Number of currently running workers"),
	)
	if err != nil {
		return nil, err
	}

	m.RunsTotal, err = meter.Int64Counter("drover.runs.total",
		metric.WithDescription("Finished worker runs by terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("drover.run.duration",
		metric.WithDescription("Worker run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionsTotal, err = meter.Int64Counter("drover.actions.total",
		metric.WithDescription("Successful actions performed"),
	)
	if err != nil {
		return nil, err
	}

	m.SleepSeconds, err = meter.Float64Histogram("drover.sleep.seconds",
		metric.WithDescription("Jittered pause chosen between actions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OnboardingsTotal, err = meter.Int64Counter("drover.onboardings.total",
		metric.WithDescription("Finished onboarding conversations by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
