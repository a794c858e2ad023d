// Package lecture assembles parsed scripts into slides, narration audio and a
// manifest on disk.
package lecture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/lecture-core/internal/chunk"
	"github.com/loqalabs/lecture-core/internal/config"
	"github.com/loqalabs/lecture-core/internal/script"
	"github.com/loqalabs/lecture-core/internal/slide"
	"github.com/loqalabs/lecture-core/internal/tts"
)

type Options struct {
	Voice             string
	Speed             float64
	Language          string
	ChunkMaxChars     int
	OutputDir         string
	PublicPrefix      string
	Watermark         string
	RenderWorkers     int
	SortCues          bool
	CueAllOccurrences bool
}

// Request describes one lecture to generate. Voice and Speed override the
// generator defaults when set.
type Request struct {
	ID          string
	Title       string
	Script      string
	Theme       string
	AccentColor string
	Voice       string
	Speed       float64
}

type Generator struct {
	engine tts.Engine
	opts   Options
	voice  tts.Voice
	logger *slog.Logger
	clock  func() time.Time
	ins    instruments
}

func NewGenerator(engine tts.Engine, opts Options, logger *slog.Logger) *Generator {
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	if opts.ChunkMaxChars <= 0 {
		opts.ChunkMaxChars = chunk.DefaultMaxChars
	}
	if opts.RenderWorkers <= 0 {
		opts.RenderWorkers = 1
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	return &Generator{
		engine: engine,
		opts:   opts,
		voice:  tts.ResolveVoice(opts.Voice, ""),
		logger: logger.With(slog.String("component", "lecture-generator")),
		clock:  time.Now,
		ins:    newInstruments(),
	}
}

// ManifestPath returns where the manifest of lecture id is published.
func (g *Generator) ManifestPath(id string) string {
	return filepath.Join(g.opts.OutputDir, id, ManifestFile)
}

type prepared struct {
	raw    script.RawSegment
	speech string
	cues   []script.AnimationCue
	chunks []string
	svg    []byte
}

// Generate writes slides, audio and the manifest for req into
// OutputDir/<id>. Files are built in a staging directory that replaces any
// previous output for the same id only after every segment succeeded.
func (g *Generator) Generate(ctx context.Context, req Request) (lec Lecture, err error) {
	started := g.clock()
	theme, err := slide.ParseTheme(req.Theme)
	if err != nil {
		return Lecture{}, fmt.Errorf("%w: %q", ErrInvalidTheme, req.Theme)
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return Lecture{}, fmt.Errorf("%w: %q", ErrInvalidID, req.ID)
	}
	voice := g.voice
	if req.Voice != "" {
		voice = tts.ResolveVoice(req.Voice, g.opts.Voice)
	}
	speed := g.opts.Speed
	if req.Speed > 0 {
		speed = req.Speed
	}

	ctx, span := tracer.Start(ctx, "generate lecture", trace.WithAttributes(
		attribute.String("lecture.id", id),
		attribute.String("lecture.voice", voice.ID()),
	))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		attrs := metric.WithAttributes(attribute.String("result", result))
		g.ins.generations.Add(ctx, 1, attrs)
		g.ins.duration.Record(ctx, g.clock().Sub(started).Seconds(), attrs)
		span.End()
	}()

	raw := script.Parse(req.Script)
	if len(raw) == 0 {
		g.logger.Warn("script has no titled blocks", slog.String("lecture_id", id))
	}
	span.SetAttributes(attribute.Int("lecture.segments", len(raw)))

	segs, err := g.prepare(ctx, raw, slide.Options{
		Theme:       theme,
		AccentColor: req.AccentColor,
		Watermark:   g.opts.Watermark,
	})
	if err != nil {
		return Lecture{}, &StageError{Stage: StageCancelled, Err: err}
	}

	if err := os.MkdirAll(g.opts.OutputDir, 0o755); err != nil {
		return Lecture{}, &StageError{Stage: StageWrite, Path: g.opts.OutputDir, Err: err}
	}
	staging, err := os.MkdirTemp(g.opts.OutputDir, "."+id+"-staging-")
	if err != nil {
		return Lecture{}, &StageError{Stage: StageWrite, Path: g.opts.OutputDir, Err: err}
	}
	published := false
	defer func() {
		if !published {
			_ = os.RemoveAll(staging)
		}
	}()
	for _, dir := range []string{"slides", "audio"} {
		if err := os.Mkdir(filepath.Join(staging, dir), 0o755); err != nil {
			return Lecture{}, &StageError{Stage: StageWrite, Path: dir, Err: err}
		}
	}

	lec = Lecture{
		ID:          id,
		Title:       req.Title,
		CreatedAt:   g.clock().UTC(),
		Voice:       voice.ID(),
		Theme:       string(theme),
		TotalSlides: len(segs),
		Segments:    make([]Segment, 0, len(segs)),
	}
	logger := g.logger.With(slog.String("lecture_id", id))

	for i, p := range segs {
		n := i + 1
		if err := ctx.Err(); err != nil {
			return Lecture{}, &StageError{Stage: StageCancelled, Segment: n, Err: err}
		}
		seg, err := g.writeSegment(ctx, logger, staging, id, n, len(segs), p, voice, speed)
		if err != nil {
			return Lecture{}, err
		}
		lec.Segments = append(lec.Segments, seg)
	}

	manifest := filepath.Join(staging, ManifestFile)
	if err := writeManifest(manifest, lec); err != nil {
		return Lecture{}, &StageError{Stage: StageWrite, Path: ManifestFile, Err: err}
	}
	if err := publish(logger, staging, filepath.Join(g.opts.OutputDir, id)); err != nil {
		return Lecture{}, &StageError{Stage: StagePublish, Path: filepath.Join(g.opts.OutputDir, id), Err: err}
	}
	published = true

	logger.Info("lecture generated",
		slog.Int("total_slides", lec.TotalSlides),
		slog.Duration("elapsed", g.clock().Sub(started)))
	return lec, nil
}

// prepare runs the CPU-only work for every segment on a bounded pool.
func (g *Generator) prepare(ctx context.Context, raw []script.RawSegment, opts slide.Options) ([]prepared, error) {
	out := make([]prepared, len(raw))
	cueOpts := script.ExtractOptions{AllOccurrences: g.opts.CueAllOccurrences, SortByOffset: g.opts.SortCues}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.RenderWorkers)
	for i, r := range raw {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			speech, cues := script.ExtractCues(r.RawSpeech, cueOpts)
			lines := make([]string, len(r.Content))
			for j, l := range r.Content {
				lines[j] = l.Markup()
			}
			out[i] = prepared{
				raw:    r,
				speech: speech,
				cues:   cues,
				chunks: chunk.Split(speech, g.opts.ChunkMaxChars),
				svg: slide.Render(slide.Slide{
					Title:  r.Title,
					Lines:  lines,
					Number: i + 1,
					Total:  len(raw),
				}, opts),
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Generator) writeSegment(ctx context.Context, logger *slog.Logger, staging, id string, n, total int, p prepared, voice tts.Voice, speed float64) (Segment, error) {
	ctx, span := tracer.Start(ctx, "segment", trace.WithAttributes(
		attribute.Int("lecture.segment", n),
		attribute.Int("lecture.chunks", len(p.chunks)),
	))
	defer span.End()

	slideName := fmt.Sprintf("slide%d.svg", n)
	if err := os.WriteFile(filepath.Join(staging, "slides", slideName), p.svg, 0o644); err != nil {
		return Segment{}, &StageError{Stage: StageWrite, Segment: n, Path: slideName, Err: err}
	}

	cues := p.cues
	if cues == nil {
		cues = []script.AnimationCue{}
	}
	seg := Segment{
		Index:      n,
		SlideTitle: p.raw.Title,
		Content:    p.raw.ContentLines(),
		SlidePath:  path.Join(g.opts.PublicPrefix, id, "slides", slideName),
		SpeechText: p.speech,
		Cues:       cues,
	}

	hits := 0
	if len(p.chunks) > 0 {
		var err error
		hits, err = g.narrate(ctx, logger, staging, n, p.chunks, voice, speed)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Segment{}, err
		}
		audioPath := path.Join(g.opts.PublicPrefix, id, "audio", fmt.Sprintf("audio%d.wav", n))
		seg.AudioPath = &audioPath
	}

	g.ins.segments.Add(ctx, 1)
	logger.Info("segment complete",
		slog.Int("segment", n),
		slog.Int("total", total),
		slog.String("title", p.raw.Title),
		slog.Int("chunks", len(p.chunks)),
		slog.Int("cache_hits", hits))
	return seg, nil
}

// narrate synthesizes chunks in order and writes them as one WAV file. It
// returns how many chunks were already cached.
func (g *Generator) narrate(ctx context.Context, logger *slog.Logger, staging string, n int, chunks []string, voice tts.Voice, speed float64) (int, error) {
	hits := 0
	parts := make([]tts.Audio, 0, len(chunks))
	for i, text := range chunks {
		if len(chunks) > 1 {
			logger.Debug("synthesizing chunk", slog.Int("segment", n), slog.Int("chunk", i+1), slog.Int("chunks", len(chunks)))
		}
		a, hit, err := g.synthesize(ctx, tts.Request{
			Text:     text,
			Voice:    voice.ID(),
			Speed:    speed,
			Language: g.opts.Language,
		})
		if err != nil {
			return hits, &StageError{Stage: StageSynthesize, Segment: n, Err: err}
		}
		if hit {
			hits++
		}
		parts = append(parts, a)
	}

	audio, err := tts.Concat(parts...)
	if err != nil {
		return hits, &StageError{Stage: StageEncode, Segment: n, Err: err}
	}

	name := fmt.Sprintf("audio%d.wav", n)
	f, err := os.Create(filepath.Join(staging, "audio", name))
	if err != nil {
		return hits, &StageError{Stage: StageWrite, Segment: n, Path: name, Err: err}
	}
	if err := tts.WriteWAV(f, audio); err != nil {
		f.Close()
		return hits, &StageError{Stage: StageEncode, Segment: n, Path: name, Err: err}
	}
	if err := f.Close(); err != nil {
		return hits, &StageError{Stage: StageWrite, Segment: n, Path: name, Err: err}
	}
	return hits, nil
}

type hitReporter interface {
	SynthesizeCached(ctx context.Context, req tts.Request) (tts.Audio, bool, error)
}

func (g *Generator) synthesize(ctx context.Context, req tts.Request) (tts.Audio, bool, error) {
	if c, ok := g.engine.(hitReporter); ok {
		return c.SynthesizeCached(ctx, req)
	}
	a, err := g.engine.Synthesize(ctx, req)
	return a, false, err
}

// publishLocks serializes publishes of one destination across generators
// sharing an output directory.
var publishLocks = keyedMutex{locks: make(map[string]*refMutex)}

type refMutex struct {
	sync.Mutex
	refs int
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// publish moves staging to dest, replacing any previous directory. The old
// directory is restored if the final rename fails. Once the new output is in
// place, failing to remove the old one is only logged.
func publish(logger *slog.Logger, staging, dest string) error {
	key := dest
	if abs, err := filepath.Abs(dest); err == nil {
		key = abs
	}
	unlock := publishLocks.lock(key)
	defer unlock()

	var backup string
	if _, err := os.Stat(dest); err == nil {
		backup = staging + "-previous"
		if err := os.Rename(dest, backup); err != nil {
			return fmt.Errorf("move previous output: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Rename(staging, dest); err != nil {
		if backup != "" {
			_ = os.Rename(backup, dest)
		}
		return err
	}
	if backup != "" {
		if err := os.RemoveAll(backup); err != nil {
			logger.Warn("failed to remove previous output", slog.String("path", backup), slogError(err))
		}
	}
	return nil
}

// OptionsFromConfig maps the synthesis and lecture sections onto generator
// options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Voice:             cfg.Synthesis.Voice,
		Speed:             cfg.Synthesis.Speed,
		Language:          cfg.Synthesis.Language,
		ChunkMaxChars:     cfg.Synthesis.ChunkMaxChars,
		OutputDir:         cfg.Lecture.OutputDir,
		PublicPrefix:      cfg.Lecture.PublicPrefix,
		Watermark:         cfg.Lecture.Watermark,
		RenderWorkers:     cfg.Lecture.RenderWorkers,
		SortCues:          cfg.Lecture.SortCues,
		CueAllOccurrences: cfg.Lecture.CueAllOccurrences,
	}
}
