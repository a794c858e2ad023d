package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/loqalabs/lecture-core/internal/bus"
	"github.com/loqalabs/lecture-core/internal/capability"
	"github.com/loqalabs/lecture-core/internal/catalog"
	"github.com/loqalabs/lecture-core/internal/config"
	"github.com/loqalabs/lecture-core/internal/lecture"
	"github.com/loqalabs/lecture-core/internal/natsserver"
	"github.com/loqalabs/lecture-core/internal/protocol"
	"github.com/loqalabs/lecture-core/internal/tts"
)

type Runtime struct {
	cfg         config.Config
	version     string
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	catalog *catalog.Store
	engine  tts.Engine
	service *lecture.Service
	nodes   *capability.Registry
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		r.closeTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/api/lectures", r.handleListLectures)
	mux.HandleFunc("/api/nodes", r.handleListNodes)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	prefix := "/" + strings.Trim(r.cfg.Lecture.PublicPrefix, "/") + "/"
	if prefix != "//" {
		mux.Handle(prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(r.cfg.Lecture.OutputDir))))
	}

	handler := otelhttp.NewHandler(mux, "lecture-http",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}),
		otelhttp.WithFilter(func(req *http.Request) bool {
			return req.URL.Path != "/healthz" && req.URL.Path != "/metrics"
		}),
	)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slogError(err))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()

	r.stopComponents()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.nats = ns

	busCfg := r.cfg.Bus
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.bus = client

	store, err := catalog.Open(ctx, r.cfg.Catalog, r.logger)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	r.catalog = store

	engine, err := tts.New(r.cfg.Synthesis)
	if err != nil {
		return fmt.Errorf("init synthesis engine: %w", err)
	}
	r.engine = engine
	r.logger.Info("synthesis engine ready",
		slog.String("mode", r.cfg.Synthesis.Mode),
		slog.String("voice", tts.ResolveVoice(r.cfg.Synthesis.Voice, "").ID()),
		slog.Bool("cache", r.cfg.Synthesis.CacheEnabled))

	gen := lecture.NewGenerator(engine, lecture.OptionsFromConfig(r.cfg), r.logger)
	svc := lecture.NewService(ctx, r.cfg.Lecture, gen, client, store, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start lecture service: %w", err)
	}
	r.service = svc

	voices := make([]string, 0, len(tts.Voices()))
	for _, name := range tts.Voices() {
		voices = append(voices, tts.ResolveVoice(name, "").ID())
	}
	nodes, err := capability.NewRegistry(ctx, r.cfg.Node, protocol.NodeAnnouncement{
		EngineMode:    r.cfg.Synthesis.Mode,
		Voices:        voices,
		Language:      r.cfg.Synthesis.Language,
		MaxConcurrent: r.cfg.Lecture.MaxConcurrent,
	}, svc.Active, client, r.logger)
	if err != nil {
		return fmt.Errorf("start node registry: %w", err)
	}
	r.nodes = nodes
	return nil
}

// stopComponents tears down in reverse dependency order.
func (r *Runtime) stopComponents() {
	if r.nodes != nil {
		r.nodes.Close()
		r.nodes = nil
	}
	if r.service != nil {
		r.service.Close()
		r.service = nil
	}
	if r.engine != nil {
		if err := tts.Close(r.engine); err != nil {
			r.logger.Warn("synthesis engine close failed", slogError(err))
		}
		r.engine = nil
	}
	if r.catalog != nil {
		if err := r.catalog.Close(); err != nil {
			r.logger.Warn("catalog close failed", slogError(err))
		}
		r.catalog = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
	r.tracerClose = nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.componentsHealthy(req.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) componentsHealthy(ctx context.Context) bool {
	if !r.nats.Healthy() || !r.bus.Healthy() {
		return false
	}
	if r.catalog != nil && !r.catalog.Healthy(ctx) {
		return false
	}
	if r.nodes != nil && !r.nodes.Healthy() {
		return false
	}
	return r.service == nil || r.service.Healthy()
}

type lectureSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Voice        string    `json:"voice"`
	Theme        string    `json:"theme"`
	TotalSlides  int       `json:"total_slides"`
	ManifestPath string    `json:"manifest_path"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r *Runtime) handleListLectures(w http.ResponseWriter, req *http.Request) {
	if r.catalog == nil {
		http.Error(w, "catalog unavailable", http.StatusServiceUnavailable)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	lectures, err := r.catalog.ListLectures(req.Context(), limit)
	if err != nil {
		r.logger.Warn("list lectures failed", slogError(err))
		http.Error(w, "list lectures failed", http.StatusInternalServerError)
		return
	}
	out := make([]lectureSummary, 0, len(lectures))
	for _, l := range lectures {
		out = append(out, lectureSummary(l))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

type nodeSummary struct {
	ID            string    `json:"id"`
	EngineMode    string    `json:"engine_mode"`
	Voices        []string  `json:"voices"`
	Language      string    `json:"language"`
	MaxConcurrent int       `json:"max_concurrent"`
	Active        int       `json:"active"`
	LastSeen      time.Time `json:"last_seen"`
	Healthy       bool      `json:"healthy"`
}

// handleListNodes lists known generator nodes. ?voice= keeps healthy nodes
// offering that voice.
func (r *Runtime) handleListNodes(w http.ResponseWriter, req *http.Request) {
	if r.nodes == nil {
		http.Error(w, "node registry unavailable", http.StatusServiceUnavailable)
		return
	}
	var filter func(capability.Node) bool
	if voice := req.URL.Query().Get("voice"); voice != "" {
		filter = capability.WithVoice(tts.ResolveVoice(voice, "").ID())
	}
	nodes := r.nodes.Nodes(filter)
	out := make([]nodeSummary, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeSummary(n))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
