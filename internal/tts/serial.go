package tts

import (
	"context"
	"io"
	"sync"
)

type serialEngine struct {
	mu     sync.Mutex
	engine Engine
}

// Serialize wraps engine so that at most one Synthesize call runs at a time.
func Serialize(engine Engine) Engine {
	if s, ok := engine.(*serialEngine); ok {
		return s
	}
	return &serialEngine{engine: engine}
}

func (s *serialEngine) Synthesize(ctx context.Context, req Request) (Audio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Synthesize(ctx, req)
}

func (s *serialEngine) Close() error {
	return closeEngine(s.engine)
}

func closeEngine(engine Engine) error {
	if c, ok := engine.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
