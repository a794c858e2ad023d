package tts

import (
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const pcmBitDepth = 16

// WriteWAV encodes audio as 16-bit mono PCM. Samples are peak-normalized
// first when any magnitude exceeds 1.
func WriteWAV(w io.WriteSeeker, a Audio) error {
	if a.SampleRate <= 0 {
		return fmt.Errorf("write wav: invalid sample rate %d", a.SampleRate)
	}
	enc := wav.NewEncoder(w, a.SampleRate, pcmBitDepth, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: a.SampleRate},
		Data:           ToPCM16(a.Samples),
		SourceBitDepth: pcmBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}

// ToPCM16 scales float samples to signed 16-bit values.
func ToPCM16(samples []float32) []int {
	peak := 0.0
	for _, s := range samples {
		if v := math.Abs(float64(s)); v > peak {
			peak = v
		}
	}
	scale := 1.0
	if peak > 1 {
		scale = 1 / peak
	}
	out := make([]int, len(samples))
	for i, s := range samples {
		out[i] = int(float64(s) * scale * math.MaxInt16)
	}
	return out
}
