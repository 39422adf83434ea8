package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

func noopMeter() metric.Meter {
	return noop.NewMeterProvider().Meter(InstrumentationName)
}

// NoopInstruments returns instruments that record nothing.
func NoopInstruments() *Instruments {
	in, _ := NewInstruments(noopMeter())
	return in
}
