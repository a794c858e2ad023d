package lecture

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/loqalabs/lecture-core/internal/lecture"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
)

type instruments struct {
	generations metric.Int64Counter
	duration    metric.Float64Histogram
	segments    metric.Int64Counter
}

func newInstruments() instruments {
	var ins instruments
	ins.generations, _ = meter.Int64Counter("lecture.generations",
		metric.WithDescription("Completed generation runs by result"))
	ins.duration, _ = meter.Float64Histogram("lecture.generation.duration",
		metric.WithDescription("Wall time of one generation run"),
		metric.WithUnit("s"))
	ins.segments, _ = meter.Int64Counter("lecture.segments",
		metric.WithDescription("Segments written"))
	return ins
}
