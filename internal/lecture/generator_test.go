package lecture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/wav"

	"github.com/loqalabs/lecture-core/internal/script"
	"github.com/loqalabs/lecture-core/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeEngine struct {
	mu       sync.Mutex
	requests []tts.Request
	failOn   int
	err      error
	onCall   func(n int)
}

func (e *fakeEngine) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	n := len(e.requests)
	e.mu.Unlock()
	if e.onCall != nil {
		e.onCall(n)
	}
	if e.failOn > 0 && n == e.failOn {
		return tts.Audio{}, e.err
	}
	samples := make([]float32, len(req.Text))
	for i := range samples {
		samples[i] = 0.25
	}
	return tts.Audio{Samples: samples, SampleRate: 24000}, nil
}

func (e *fakeEngine) texts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.requests))
	for i, r := range e.requests {
		out[i] = r.Text
	}
	return out
}

const twoSlides = `SLIDE: Our Solar System
- Eight planets
- One star

SPEECH: Welcome to today's lesson! [WAVE] Let's explore.
-----
SLIDE: The Sun
Our nearest star.

SPEECH: [POINT] The Sun holds most of the mass. [NOD]`

func newTestGenerator(t *testing.T, engine tts.Engine, mutate func(*Options)) (*Generator, string) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "lectures")
	opts := Options{
		Voice:         "liam",
		Speed:         0.95,
		Language:      "en-us",
		ChunkMaxChars: 300,
		OutputDir:     out,
		PublicPrefix:  "/lectures",
		Watermark:     "AetherLearn",
		RenderWorkers: 2,
	}
	if mutate != nil {
		mutate(&opts)
	}
	g := NewGenerator(engine, opts, newLogger())
	g.clock = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return g, out
}

func TestGenerateWritesArtifactsAndManifest(t *testing.T) {
	engine := &fakeEngine{}
	g, out := newTestGenerator(t, engine, nil)

	lec, err := g.Generate(context.Background(), Request{ID: "solar", Title: "Solar System", Script: twoSlides, Theme: "light"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if lec.TotalSlides != 2 || len(lec.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d/%d", lec.TotalSlides, len(lec.Segments))
	}
	if lec.Voice != "am_liam" || lec.Theme != "light" {
		t.Fatalf("unexpected voice/theme %q %q", lec.Voice, lec.Theme)
	}
	if !lec.CreatedAt.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected created_at %v", lec.CreatedAt)
	}
	for i, seg := range lec.Segments {
		if seg.Index != i+1 {
			t.Fatalf("segment %d has index %d", i, seg.Index)
		}
	}
	if lec.Segments[1].SlidePath != "/lectures/solar/slides/slide2.svg" {
		t.Fatalf("unexpected slide path %q", lec.Segments[1].SlidePath)
	}
	if lec.Segments[0].AudioPath == nil || *lec.Segments[0].AudioPath != "/lectures/solar/audio/audio1.wav" {
		t.Fatalf("unexpected audio path %v", lec.Segments[0].AudioPath)
	}
	if got := lec.Segments[1].SpeechText; got != "The Sun holds most of the mass." {
		t.Fatalf("unexpected speech text %q", got)
	}
	if got := lec.Segments[0].Content; len(got) != 2 || got[0] != "Eight planets" {
		t.Fatalf("unexpected content %q", got)
	}

	dir := filepath.Join(out, "solar")
	for _, name := range []string{"slides/slide1.svg", "slides/slide2.svg", "audio/audio1.wav", "audio/audio2.wav", ManifestFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "solar" {
		t.Fatalf("expected only the published lecture directory, got %v", entries)
	}

	svg, err := os.ReadFile(filepath.Join(dir, "slides", "slide2.svg"))
	if err != nil {
		t.Fatalf("read slide: %v", err)
	}
	if !strings.Contains(string(svg), "2 / 2") || !strings.Contains(string(svg), "#e0e0e8") {
		t.Fatalf("slide not rendered with number and light theme")
	}

	loaded, err := LoadManifest(g.ManifestPath("solar"))
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if loaded.ID != "solar" || loaded.Title != "Solar System" || len(loaded.Segments) != 2 {
		t.Fatalf("unexpected manifest %+v", loaded)
	}
	if len(loaded.Segments[1].Cues) != 2 {
		t.Fatalf("expected cues in manifest, got %+v", loaded.Segments[1].Cues)
	}
}

func TestGenerateWritesDecodableAudio(t *testing.T) {
	engine := &fakeEngine{}
	g, out := newTestGenerator(t, engine, nil)
	if _, err := g.Generate(context.Background(), Request{ID: "wav", Script: "SLIDE: A\nSPEECH: Hello there."}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	f, err := os.Open(filepath.Join(out, "wav", "audio", "audio1.wav"))
	if err != nil {
		t.Fatalf("open wav: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	if dec.SampleRate != 24000 || dec.BitDepth != 16 || dec.NumChans != 1 {
		t.Fatalf("unexpected format %d Hz %d bit %d ch", dec.SampleRate, dec.BitDepth, dec.NumChans)
	}
	if len(buf.Data) != len("Hello there.") {
		t.Fatalf("expected %d samples, got %d", len("Hello there."), len(buf.Data))
	}
}

func TestGenerateSpeechWithCueScenario(t *testing.T) {
	g, _ := newTestGenerator(t, &fakeEngine{}, nil)
	lec, err := g.Generate(context.Background(), Request{
		ID:     "scenario",
		Script: "SLIDE: A\n- one\n- two\n\nSPEECH: Hello world. [POINT] Look here.",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(lec.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(lec.Segments))
	}
	seg := lec.Segments[0]
	if seg.SlideTitle != "A" || len(seg.Content) != 2 || seg.Content[0] != "one" || seg.Content[1] != "two" {
		t.Fatalf("unexpected slide %q %q", seg.SlideTitle, seg.Content)
	}
	if seg.SpeechText != "Hello world. Look here." {
		t.Fatalf("unexpected speech %q", seg.SpeechText)
	}
	if len(seg.Cues) != 1 || seg.Cues[0].Animation != script.PointToBoard {
		t.Fatalf("unexpected cues %+v", seg.Cues)
	}
	if math.Abs(seg.Cues[0].TimeOffset-13.0/31.0) > 1e-9 {
		t.Fatalf("unexpected offset %f", seg.Cues[0].TimeOffset)
	}
}

func TestGenerateEmptySpeechHasNoAudio(t *testing.T) {
	engine := &fakeEngine{}
	g, out := newTestGenerator(t, engine, nil)
	lec, err := g.Generate(context.Background(), Request{ID: "quiet", Script: "SLIDE: Silent\n- just a slide\n---\nSLIDE: Loud\nSPEECH: Now I speak."})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if lec.Segments[0].AudioPath != nil {
		t.Fatalf("expected no audio path, got %q", *lec.Segments[0].AudioPath)
	}
	if lec.Segments[1].AudioPath == nil {
		t.Fatal("expected audio for second segment")
	}
	if _, err := os.Stat(filepath.Join(out, "quiet", "audio", "audio1.wav")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no audio file for silent segment, got %v", err)
	}
	data, err := os.ReadFile(filepath.Join(out, "quiet", ManifestFile))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if !strings.Contains(string(data), `"audio_path": null`) {
		t.Fatalf("expected null audio_path in manifest:\n%s", data)
	}
	if len(engine.texts()) != 1 {
		t.Fatalf("expected a single synthesis call, got %d", len(engine.texts()))
	}
}

func TestGenerateSynthesizesChunksInOrder(t *testing.T) {
	engine := &fakeEngine{}
	g, _ := newTestGenerator(t, engine, func(o *Options) { o.ChunkMaxChars = 20 })
	speech := "First sentence here. Second sentence here. Third one."
	if _, err := g.Generate(context.Background(), Request{ID: "chunks", Script: "SLIDE: Chunks\nSPEECH: " + speech}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	got := engine.texts()
	want := []string{"First sentence here.", "Second sentence here.", "Third one."}
	if len(got) != len(want) {
		t.Fatalf("expected %d chunks, got %q", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestGenerateSynthesisFailureLeavesNoOutput(t *testing.T) {
	boom := errors.New("engine exploded")
	engine := &fakeEngine{failOn: 2, err: boom}
	g, out := newTestGenerator(t, engine, nil)

	_, err := g.Generate(context.Background(), Request{ID: "broken", Script: twoSlides})
	if !errors.Is(err, boom) {
		t.Fatalf("expected engine error, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageSynthesize || se.Segment != 2 {
		t.Fatalf("expected synthesize failure on segment 2, got %#v", err)
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no partial output, found %v", entries)
	}
}

func TestGenerateRegenerationReplacesPreviousOutput(t *testing.T) {
	g, out := newTestGenerator(t, &fakeEngine{}, nil)
	three := "SLIDE: One\n---\nSLIDE: Two\n---\nSLIDE: Three"
	if _, err := g.Generate(context.Background(), Request{ID: "again", Script: three}); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	if _, err := g.Generate(context.Background(), Request{ID: "again", Script: "SLIDE: Only"}); err != nil {
		t.Fatalf("second generate: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "again", "slides", "slide3.svg")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected stale slide removed, got %v", err)
	}
	lec, err := LoadManifest(filepath.Join(out, "again", ManifestFile))
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if lec.TotalSlides != 1 {
		t.Fatalf("expected regenerated manifest, got %d slides", lec.TotalSlides)
	}
	entries, _ := os.ReadDir(out)
	if len(entries) != 1 {
		t.Fatalf("expected a single lecture directory, got %v", entries)
	}
}

func TestGenerateCancelledBetweenSegments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := &fakeEngine{onCall: func(int) { cancel() }}
	g, out := newTestGenerator(t, engine, nil)

	_, err := g.Generate(ctx, Request{ID: "stop", Script: twoSlides})
	if StageOf(err) != StageCancelled || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(engine.texts()) != 1 {
		t.Fatalf("expected synthesis to stop after first segment, got %d calls", len(engine.texts()))
	}
	if _, err := os.Stat(filepath.Join(out, "stop")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no output for cancelled run, got %v", err)
	}
}

func TestGenerateWithoutTitledBlocksWritesEmptyLecture(t *testing.T) {
	engine := &fakeEngine{}
	g, out := newTestGenerator(t, engine, nil)
	lec, err := g.Generate(context.Background(), Request{ID: "empty", Title: "Empty", Script: "SPEECH: narration without a slide"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if lec.TotalSlides != 0 || len(lec.Segments) != 0 {
		t.Fatalf("expected an empty lecture, got %+v", lec)
	}
	if len(engine.texts()) != 0 {
		t.Fatal("expected no synthesis")
	}
	loaded, err := LoadManifest(filepath.Join(out, "empty", ManifestFile))
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if loaded.TotalSlides != 0 || loaded.Segments == nil {
		t.Fatalf("expected total_slides 0 and an empty segment list, got %+v", loaded)
	}
}

func TestConcurrentRegenerationOfOneID(t *testing.T) {
	g, out := newTestGenerator(t, tts.Serialize(&fakeEngine{}), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < 10; round++ {
				if _, err := g.Generate(context.Background(), Request{ID: "same", Title: "Same", Script: twoSlides}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("generate: %v", err)
	}

	if _, err := LoadManifest(filepath.Join(out, "same", ManifestFile)); err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "same" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only the published lecture, got %v", names)
	}
}

func TestGenerateRejectsInvalidInput(t *testing.T) {
	g, _ := newTestGenerator(t, &fakeEngine{}, nil)
	if _, err := g.Generate(context.Background(), Request{Script: "SLIDE: A", Theme: "sepia"}); !errors.Is(err, ErrInvalidTheme) {
		t.Fatalf("expected ErrInvalidTheme, got %v", err)
	}
	for _, id := range []string{"../escape", "a/b", ".hidden"} {
		if _, err := g.Generate(context.Background(), Request{ID: id, Script: "SLIDE: A"}); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("expected ErrInvalidID for %q, got %v", id, err)
		}
	}
}

func TestGenerateAssignsIDAndVoiceOverride(t *testing.T) {
	engine := &fakeEngine{}
	g, _ := newTestGenerator(t, engine, nil)
	lec, err := g.Generate(context.Background(), Request{Script: "SLIDE: A\nSPEECH: Hi.", Voice: "Sky", Speed: 1.2})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if lec.ID == "" {
		t.Fatal("expected generated id")
	}
	if lec.Voice != "af_sky" {
		t.Fatalf("expected voice override, got %q", lec.Voice)
	}
	if req := engine.requests[0]; req.Voice != "af_sky" || req.Speed != 1.2 || req.Language != "en-us" {
		t.Fatalf("unexpected engine request %+v", req)
	}
}

func TestGenerateSharesCacheAcrossSegments(t *testing.T) {
	engine := &fakeEngine{}
	cached := tts.NewCachedEngine(engine, nil)
	g, _ := newTestGenerator(t, cached, nil)
	text := "SLIDE: One\nSPEECH: Same words.\n---\nSLIDE: Two\nSPEECH: same   WORDS."
	if _, err := g.Generate(context.Background(), Request{ID: "cached", Script: text}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := len(engine.texts()); got != 1 {
		t.Fatalf("expected one engine call, got %d", got)
	}
	if cached.Cache().Len() != 1 {
		t.Fatalf("expected one cache entry, got %d", cached.Cache().Len())
	}
}

func TestSynthesizeReportsCacheHits(t *testing.T) {
	engine := &fakeEngine{}
	g, _ := newTestGenerator(t, tts.NewCachedEngine(engine, nil), nil)
	req := tts.Request{Text: "Same words.", Voice: "am_liam", Speed: 1, Language: "en-us"}

	if _, hit, err := g.synthesize(context.Background(), req); err != nil || hit {
		t.Fatalf("expected a miss, hit=%v err=%v", hit, err)
	}
	if _, hit, err := g.synthesize(context.Background(), req); err != nil || !hit {
		t.Fatalf("expected a hit, hit=%v err=%v", hit, err)
	}

	plain, _ := newTestGenerator(t, engine, nil)
	if _, hit, err := plain.synthesize(context.Background(), req); err != nil || hit {
		t.Fatalf("expected uncached engines to report no hits, hit=%v err=%v", hit, err)
	}
	if got := len(engine.texts()); got != 2 {
		t.Fatalf("expected two engine calls, got %d", got)
	}
}
