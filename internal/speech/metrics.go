package speech

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/loqa-speech/speech"

type metrics struct {
	requests   metric.Int64Counter
	failures   metric.Int64Counter
	interrupts metric.Int64Counter
	active     metric.Int64UpDownCounter
	firstFrame metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{
		requests:   noop.Int64Counter{},
		failures:   noop.Int64Counter{},
		interrupts: noop.Int64Counter{},
		active:     noop.Int64UpDownCounter{},
		firstFrame: noop.Float64Histogram{},
	}
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	requests, err := meter.Int64Counter("loqa.speech.requests", metric.WithDescription("Synthesis requests accepted"))
	if err != nil {
		return m, err
	}
	failures, err := meter.Int64Counter("loqa.speech.failures", metric.WithDescription("Synthesis tasks that failed"))
	if err != nil {
		return m, err
	}
	interrupts, err := meter.Int64Counter("loqa.speech.interrupts", metric.WithDescription("Synthesis handles interrupted"))
	if err != nil {
		return m, err
	}
	active, err := meter.Int64UpDownCounter("loqa.speech.active", metric.WithDescription("Synthesis tasks in flight"))
	if err != nil {
		return m, err
	}
	firstFrame, err := meter.Float64Histogram("loqa.speech.first_frame_latency",
		metric.WithDescription("Time from text ready to the first synthesized frame"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return m, err
	}
	m.requests, m.failures, m.interrupts, m.active, m.firstFrame = requests, failures, interrupts, active, firstFrame
	return m, nil
}
