package tts

import (
	"context"
	"errors"
)

var (
	// ErrEmptyText is returned when synthesis is requested for blank text.
	ErrEmptyText = errors.New("tts: empty text")
	// ErrSampleRateMismatch is returned when joining audio of different rates.
	ErrSampleRateMismatch = errors.New("tts: sample rate mismatch")
)

// Request contains parameters to synthesize speech.
type Request struct {
	Text     string
	Voice    string
	Speed    float64
	Language string
}

// Audio holds decoded mono samples, nominally in [-1, 1].
type Audio struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length in seconds.
func (a Audio) Duration() float64 {
	if a.SampleRate <= 0 {
		return 0
	}
	return float64(len(a.Samples)) / float64(a.SampleRate)
}

// Engine is the contract for producing audio. Implementations are not
// assumed to be safe for concurrent use; see Serialize.
type Engine interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// Concat joins chunk audio in order.
func Concat(parts ...Audio) (Audio, error) {
	if len(parts) == 0 {
		return Audio{}, nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	total := 0
	rate := parts[0].SampleRate
	for _, p := range parts {
		if p.SampleRate != rate {
			return Audio{}, ErrSampleRateMismatch
		}
		total += len(p.Samples)
	}
	out := Audio{Samples: make([]float32, 0, total), SampleRate: rate}
	for _, p := range parts {
		out.Samples = append(out.Samples, p.Samples...)
	}
	return out, nil
}
