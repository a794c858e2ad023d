package tts

import (
	"fmt"

	"github.com/loqalabs/lecture-core/internal/config"
)

// New builds the engine selected by cfg.Mode, wrapped with a cache when
// enabled. The result is always safe for concurrent use.
func New(cfg config.SynthesisConfig) (Engine, error) {
	var engine Engine
	switch cfg.Mode {
	case "", "mock":
		engine = NewMockEngine(cfg.SampleRate)
	case "exec":
		e, err := NewExecEngine(cfg.Command, cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		engine = e
	default:
		return nil, fmt.Errorf("unknown synthesis mode %q", cfg.Mode)
	}
	if cfg.CacheEnabled {
		return NewCachedEngine(engine, NewCache()), nil
	}
	return Serialize(engine), nil
}

// Close releases engine resources when the engine holds any.
func Close(engine Engine) error {
	return closeEngine(engine)
}
