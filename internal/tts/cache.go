package tts

import (
	"context"
	"encoding/hex"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"
)

const keySeparator = "\x1f"

// Key returns the content address of a synthesis request. Text is
// lowercased, whitespace-collapsed and NFC-normalized before hashing.
func Key(text, voice string, speed float64, lang string) string {
	normalized := norm.NFC.String(strings.Join(strings.Fields(strings.ToLower(text)), " "))
	h := blake3.New(32, nil)
	_, _ = io.WriteString(h, strings.Join([]string{
		normalized,
		voice,
		strconv.FormatFloat(speed, 'g', -1, 64),
		lang,
	}, keySeparator))
	return hex.EncodeToString(h.Sum(nil))
}

// Cache keeps decoded audio for the lifetime of the process. Entries are
// never evicted; Clear drops everything.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Audio
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]Audio)}
}

// Get returns the stored audio. Callers must not modify the returned samples.
func (c *Cache) Get(text, voice string, speed float64, lang string) (Audio, bool) {
	return c.lookup(Key(text, voice, speed, lang))
}

func (c *Cache) Put(text, voice string, speed float64, lang string, audio Audio) {
	c.store(Key(text, voice, speed, lang), audio)
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Audio)
	c.mu.Unlock()
}

func (c *Cache) lookup(key string) (Audio, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.entries[key]
	return a, ok
}

func (c *Cache) store(key string, audio Audio) {
	c.mu.Lock()
	c.entries[key] = audio
	c.mu.Unlock()
}

// CachedEngine consults a Cache before calling a serialized engine. Hits are
// served under a read lock without waiting on the engine, and concurrent
// misses for one key trigger a single synthesis.
type CachedEngine struct {
	engine Engine
	cache  *Cache
	group  singleflight.Group
	hits   metric.Int64Counter
	misses metric.Int64Counter
}

func NewCachedEngine(engine Engine, cache *Cache) *CachedEngine {
	if cache == nil {
		cache = NewCache()
	}
	hits, _ := meter.Int64Counter("lecture.tts.cache.hits", metric.WithDescription("Synthesis requests served from cache"))
	misses, _ := meter.Int64Counter("lecture.tts.cache.misses", metric.WithDescription("Synthesis requests sent to the engine"))
	return &CachedEngine{
		engine: Serialize(engine),
		cache:  cache,
		hits:   hits,
		misses: misses,
	}
}

func (c *CachedEngine) Cache() *Cache { return c.cache }

func (c *CachedEngine) Synthesize(ctx context.Context, req Request) (Audio, error) {
	a, _, err := c.SynthesizeCached(ctx, req)
	return a, err
}

type flightResult struct {
	audio  Audio
	cached bool
}

// SynthesizeCached is Synthesize that also reports whether the audio was
// served without an engine call on behalf of this caller. The shared engine
// call is detached from any single caller's cancellation: a caller whose ctx
// ends stops waiting, while the synthesis completes for the others and still
// fills the cache.
func (c *CachedEngine) SynthesizeCached(ctx context.Context, req Request) (Audio, bool, error) {
	key := Key(req.Text, req.Voice, req.Speed, req.Language)
	if a, ok := c.cache.lookup(key); ok {
		c.record(ctx, c.hits, req)
		return a, true, nil
	}
	if err := ctx.Err(); err != nil {
		return Audio{}, false, err
	}

	ran := false
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		ran = true
		if a, ok := c.cache.lookup(key); ok {
			return flightResult{audio: a, cached: true}, nil
		}
		c.record(shared, c.misses, req)
		spanCtx, span := tracer.Start(shared, "synthesize chunk", trace.WithAttributes(
			attribute.String("tts.voice", req.Voice),
			attribute.Int("tts.text_length", len(req.Text)),
		))
		defer span.End()
		a, err := c.engine.Synthesize(spanCtx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		c.cache.store(key, a)
		return flightResult{audio: a}, nil
	})

	select {
	case <-ctx.Done():
		return Audio{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Audio{}, false, res.Err
		}
		r := res.Val.(flightResult)
		hit := r.cached || !ran
		if hit {
			c.record(ctx, c.hits, req)
		}
		return r.audio, hit, nil
	}
}

func (c *CachedEngine) Close() error {
	return closeEngine(c.engine)
}

func (c *CachedEngine) record(ctx context.Context, counter metric.Int64Counter, req Request) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("tts.voice", req.Voice)))
}
