package tts

import (
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/loqalabs/lecture-core/internal/tts"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
)
