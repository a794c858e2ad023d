package tts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingEngine struct {
	calls   atomic.Int32
	active  atomic.Int32
	overlap atomic.Bool
	delay   time.Duration
	err     error
}

func (e *countingEngine) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if e.active.Add(1) > 1 {
		e.overlap.Store(true)
	}
	defer e.active.Add(-1)
	e.calls.Add(1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.err != nil {
		return Audio{}, e.err
	}
	return Audio{Samples: []float32{float32(len(req.Text)) / 100}, SampleRate: 24000}, nil
}

func TestCacheGetAfterPut(t *testing.T) {
	c := NewCache()
	want := Audio{Samples: []float32{0.1, -0.2, 0.3}, SampleRate: 24000}
	c.Put("Hello  World", "af_sky", 1.0, "en-us", want)

	got, ok := c.Get("hello world", "af_sky", 1.0, "en-us")
	if !ok {
		t.Fatal("expected hit for normalized text")
	}
	if got.SampleRate != want.SampleRate || len(got.Samples) != len(want.Samples) {
		t.Fatalf("unexpected audio %+v", got)
	}
	for i := range want.Samples {
		if got.Samples[i] != want.Samples[i] {
			t.Fatalf("sample %d differs", i)
		}
	}
}

func TestCacheDistinguishesVoiceAndSpeed(t *testing.T) {
	c := NewCache()
	c.Put("same text", "af_sky", 1.0, "en-us", Audio{SampleRate: 1})
	if _, ok := c.Get("same text", "am_liam", 1.0, "en-us"); ok {
		t.Fatal("different voice must miss")
	}
	if _, ok := c.Get("same text", "af_sky", 0.95, "en-us"); ok {
		t.Fatal("different speed must miss")
	}
	if _, ok := c.Get("same text", "af_sky", 1.0, "en-gb"); ok {
		t.Fatal("different language must miss")
	}
}

func TestKeyNormalizesUnicode(t *testing.T) {
	composed := "café"
	decomposed := "cafe\u0301"
	if Key(composed, "v", 1, "fr") != Key(decomposed, "v", 1, "fr") {
		t.Fatal("expected canonically equivalent text to share a key")
	}
	if Key("a|b", "c", 1, "d") == Key("a", "b|c", 1, "d") {
		t.Fatal("expected delimiter to keep fields apart")
	}
}

func TestCacheClear(t *testing.T) {
	c := NewCache()
	c.Put("a", "v", 1, "en", Audio{SampleRate: 1})
	c.Put("b", "v", 1, "en", Audio{SampleRate: 1})
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
}

func TestCachedEngineSynthesizesOncePerKey(t *testing.T) {
	engine := &countingEngine{delay: 20 * time.Millisecond}
	cached := NewCachedEngine(engine, nil)
	req := Request{Text: "Hello world.", Voice: "af_sky", Speed: 1, Language: "en-us"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cached.Synthesize(context.Background(), req); err != nil {
				t.Errorf("synthesize: %v", err)
			}
		}()
	}
	wg.Wait()
	if calls := engine.calls.Load(); calls != 1 {
		t.Fatalf("expected a single engine call, got %d", calls)
	}
	if _, err := cached.Synthesize(context.Background(), Request{Text: "HELLO   world.", Voice: "af_sky", Speed: 1, Language: "en-us"}); err != nil {
		t.Fatal(err)
	}
	if calls := engine.calls.Load(); calls != 1 {
		t.Fatalf("expected normalized text to hit, got %d calls", calls)
	}
}

func TestCachedEngineSerializesEngineCalls(t *testing.T) {
	engine := &countingEngine{delay: 5 * time.Millisecond}
	cached := NewCachedEngine(engine, nil)

	var wg sync.WaitGroup
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			_, _ = cached.Synthesize(context.Background(), Request{Text: text, Voice: "v", Speed: 1})
		}(text)
	}
	wg.Wait()
	if engine.overlap.Load() {
		t.Fatal("engine was called concurrently")
	}
	if engine.calls.Load() != 5 {
		t.Fatalf("expected 5 calls, got %d", engine.calls.Load())
	}
	if cached.Cache().Len() != 5 {
		t.Fatalf("expected 5 cache entries, got %d", cached.Cache().Len())
	}
}

func TestCachedEngineDoesNotCacheFailures(t *testing.T) {
	boom := errors.New("boom")
	engine := &countingEngine{err: boom}
	cached := NewCachedEngine(engine, nil)
	req := Request{Text: "fails", Voice: "v", Speed: 1}
	if _, err := cached.Synthesize(context.Background(), req); !errors.Is(err, boom) {
		t.Fatalf("expected engine error, got %v", err)
	}
	if cached.Cache().Len() != 0 {
		t.Fatal("failure must not be cached")
	}
}

func TestCachedEngineCancelledCallerDoesNotFailOthers(t *testing.T) {
	engine := &countingEngine{delay: 200 * time.Millisecond}
	cached := NewCachedEngine(engine, nil)
	req := Request{Text: "Shared sentence.", Voice: "af_sky", Speed: 1, Language: "en-us"}

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := cached.Synthesize(short, req)
		firstErr <- err
	}()

	deadline := time.Now().Add(time.Second)
	for engine.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if engine.calls.Load() != 1 {
		t.Fatal("expected the first caller to start synthesis")
	}

	a, hit, err := cached.SynthesizeCached(context.Background(), req)
	if err != nil {
		t.Fatalf("second caller failed: %v", err)
	}
	if len(a.Samples) == 0 {
		t.Fatal("expected audio for the second caller")
	}
	if !hit {
		t.Fatal("expected the joined synthesis to count as a hit")
	}
	if err := <-firstErr; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error for the first caller, got %v", err)
	}
	if calls := engine.calls.Load(); calls != 1 {
		t.Fatalf("expected one engine call, got %d", calls)
	}
	if cached.Cache().Len() != 1 {
		t.Fatal("expected the shared synthesis to be cached")
	}
}

func TestSynthesizeCachedReportsHits(t *testing.T) {
	cached := NewCachedEngine(&countingEngine{}, nil)
	req := Request{Text: "Once.", Voice: "v", Speed: 1}

	if _, hit, err := cached.SynthesizeCached(context.Background(), req); err != nil || hit {
		t.Fatalf("expected a miss on first call, hit=%v err=%v", hit, err)
	}
	if _, hit, err := cached.SynthesizeCached(context.Background(), req); err != nil || !hit {
		t.Fatalf("expected a hit on second call, hit=%v err=%v", hit, err)
	}
}

func TestSynthesizeCachedHonoursCancelledContext(t *testing.T) {
	engine := &countingEngine{}
	cached := NewCachedEngine(engine, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := cached.SynthesizeCached(ctx, Request{Text: "never", Voice: "v", Speed: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if engine.calls.Load() != 0 {
		t.Fatal("engine must not be called for a cancelled request")
	}
}
