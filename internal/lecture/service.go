package lecture

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/lecture-core/internal/bus"
	"github.com/loqalabs/lecture-core/internal/catalog"
	"github.com/loqalabs/lecture-core/internal/config"
	"github.com/loqalabs/lecture-core/internal/protocol"
)

// Service answers generation requests from the bus.
type Service struct {
	cfg    config.LectureConfig
	gen    *Generator
	bus    *bus.Client
	store  *catalog.Store
	logger *slog.Logger
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sema   chan struct{}
	active atomic.Int32
}

func NewService(parent context.Context, cfg config.LectureConfig, gen *Generator, busClient *bus.Client, store *catalog.Store, log *slog.Logger) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		gen:    gen,
		bus:    busClient,
		store:  store,
		logger: log.With(slog.String("component", "lecture-service")),
		ctx:    ctx,
		cancel: cancel,
		sema:   make(chan struct{}, cfg.MaxConcurrent),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.bus == nil {
		return errors.New("lecture service requires bus client")
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectGenerateRequest, protocol.QueueGenerators, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("lecture service subscribed",
		slog.String("subject", protocol.SubjectGenerateRequest),
		slog.Int("max_concurrent", s.cfg.MaxConcurrent))
	return nil
}

// Close stops accepting requests and waits for running generations.
func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

// Active reports the number of generations currently running.
func (s *Service) Active() int { return int(s.active.Load()) }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.GenerateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode generate request", slogError(err))
		s.reply(msg, protocol.GenerateResponse{Error: "invalid request: " + err.Error()})
		return
	}
	select {
	case <-s.ctx.Done():
		return
	default:
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sema <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		defer func() { <-s.sema }()
		s.active.Add(1)
		defer s.active.Add(-1)
		s.reply(msg, s.generate(req))
	}()
}

func (s *Service) generate(req protocol.GenerateRequest) protocol.GenerateResponse {
	if req.LectureID == "" {
		req.LectureID = uuid.NewString()
	}
	resp := protocol.GenerateResponse{RequestID: req.RequestID, LectureID: req.LectureID}
	logger := s.logger.With(slog.String("request_id", req.RequestID), slog.String("lecture_id", req.LectureID))

	ctx := s.ctx
	if s.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	theme := req.Theme
	if theme == "" {
		theme = s.cfg.Theme
	}
	accent := req.AccentColor
	if accent == "" {
		accent = s.cfg.AccentColor
	}
	lec, err := s.gen.Generate(ctx, Request{
		ID:          req.LectureID,
		Title:       req.Title,
		Script:      req.Script,
		Theme:       theme,
		AccentColor: accent,
		Voice:       req.Voice,
		Speed:       req.Speed,
	})
	if err != nil {
		resp.Error = err.Error()
		resp.Stage = string(StageOf(err))
		logger.Error("lecture generation failed", slog.String("stage", resp.Stage), slogError(err))
		s.recordEvent(req.LectureID, catalog.EventFailed, resp)
		return resp
	}

	resp.ManifestPath = s.gen.ManifestPath(lec.ID)
	resp.TotalSlides = lec.TotalSlides
	s.recordLecture(lec, resp.ManifestPath)
	s.recordEvent(lec.ID, catalog.EventGenerated, resp)
	s.publishGenerated(lec, resp.ManifestPath)
	return resp
}

func (s *Service) reply(msg *nats.Msg, resp protocol.GenerateResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal generate response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to reply to generate request", slogError(err))
	}
}

func (s *Service) publishGenerated(lec Lecture, manifestPath string) {
	if s.bus == nil {
		return
	}
	data, err := json.Marshal(protocol.LectureGenerated{
		LectureID:    lec.ID,
		Title:        lec.Title,
		ManifestPath: manifestPath,
		TotalSlides:  lec.TotalSlides,
		Voice:        lec.Voice,
		Timestamp:    lec.CreatedAt,
	})
	if err != nil {
		s.logger.Warn("failed to marshal lecture event", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectLectureGenerated, data); err != nil {
		s.logger.Warn("failed to publish lecture event", slogError(err))
	}
}

func (s *Service) recordLecture(lec Lecture, manifestPath string) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.store.RecordLecture(ctx, catalog.Lecture{
		ID:           lec.ID,
		Title:        lec.Title,
		Voice:        lec.Voice,
		Theme:        lec.Theme,
		TotalSlides:  lec.TotalSlides,
		ManifestPath: manifestPath,
		CreatedAt:    lec.CreatedAt,
	})
	if err != nil {
		s.logger.Warn("failed to record lecture", slogError(err))
	}
}

func (s *Service) recordEvent(lectureID, eventType string, resp protocol.GenerateResponse) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal generation event", slogError(err))
		return
	}
	if err := s.store.AppendEvent(ctx, catalog.Event{LectureID: lectureID, Type: eventType, Payload: data}); err != nil {
		s.logger.Warn("failed to append generation event", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
