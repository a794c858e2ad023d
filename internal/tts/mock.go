package tts

import (
	"context"
	"math"
	"strings"
	"unicode/utf8"
)

// samplesPerRune approximates speech at roughly 15 characters per second.
const samplesPerRune = 0.065

type mockEngine struct {
	sampleRate int
}

// NewMockEngine returns an engine producing a quiet deterministic tone whose
// length follows the text length.
func NewMockEngine(sampleRate int) Engine {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &mockEngine{sampleRate: sampleRate}
}

func (m *mockEngine) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return Audio{}, ErrEmptyText
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}
	n := int(float64(utf8.RuneCountInString(req.Text)) * samplesPerRune * float64(m.sampleRate) / speed)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.1 * math.Sin(2*math.Pi*220*float64(i)/float64(m.sampleRate)))
	}
	return Audio{Samples: samples, SampleRate: m.sampleRate}, nil
}
