package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Service answers analysis requests. Each request yields exactly one response
// on the session's response subject, carrying the request's block id.
type Service struct {
	cfg       config.LLMConfig
	bus       *bus.Client
	generator Generator
	library   *Library
	logger    zerolog.Logger
	now       func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	subs     []*nats.Subscription
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]map[string]context.CancelFunc
	ready    bool
}

func NewService(parent context.Context, cfg config.LLMConfig, busClient *bus.Client, generator Generator, library *Library, logger zerolog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		library:   library,
		logger:    logging.WithComponent(logger, "llm"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[string]map[string]context.CancelFunc),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAnalysisRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe analysis requests: %w", err)
	}
	stop, err := s.bus.Conn().Subscribe(protocol.ControlSubject(protocol.ControlStopAIProcessing), s.handleStop)
	if err != nil {
		_ = sub.Drain()
		return fmt.Errorf("subscribe stop signals: %w", err)
	}
	s.subs = []*nats.Subscription{sub, stop}
	s.ready = true
	s.logger.Info().Str("mode", s.cfg.Mode).Int("documents", s.library.Len()).Msg("analyzer started")
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleStop(msg *nats.Msg) {
	var signal protocol.ControlSignal
	if err := json.Unmarshal(msg.Data, &signal); err != nil {
		s.logger.Warn().Err(err).Msg("failed to decode control signal")
		return
	}
	s.mu.Lock()
	pending := s.inflight[signal.SessionID]
	delete(s.inflight, signal.SessionID)
	s.mu.Unlock()
	for _, cancel := range pending {
		cancel()
	}
	if len(pending) > 0 {
		s.logger.Info().Str("sessionId", signal.SessionID).Int("cancelled", len(pending)).Msg("analysis stopped")
	}
}

func (s *Service) track(sessionID, blockID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[sessionID] == nil {
		s.inflight[sessionID] = make(map[string]context.CancelFunc)
	}
	s.inflight[sessionID][blockID] = cancel
}

// untrack reports whether the request was still live.
func (s *Service) untrack(sessionID, blockID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.inflight[sessionID]
	if !ok {
		return false
	}
	if _, live := pending[blockID]; !live {
		return false
	}
	delete(pending, blockID)
	if len(pending) == 0 {
		delete(s.inflight, sessionID)
	}
	return true
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.AnalysisRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn().Err(err).Msg("failed to decode analysis request")
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.Text) == "" {
		s.logger.Warn().Str("blockId", req.BlockID).Msg("ignoring empty analysis request")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 60*time.Second)
	s.track(req.SessionID, req.BlockID, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		resp := s.analyze(ctx, req)
		if !s.untrack(req.SessionID, req.BlockID) {
			s.logger.Debug().Str("blockId", req.BlockID).Msg("dropping result for stopped session")
			return
		}
		if err := s.bus.PublishJSON(protocol.AnalysisResponseSubject(req.SessionID), resp); err != nil {
			s.logger.Warn().Err(err).Str("blockId", req.BlockID).Msg("failed to publish analysis")
		}
	}()
}

func (s *Service) analyze(ctx context.Context, req protocol.AnalysisRequest) protocol.AnalysisResponse {
	variant := req.Variant
	if variant == "" {
		variant = protocol.VariantOriginal
	}
	document := req.UseRAG || variant == protocol.VariantDocument

	var matches []Match
	if document {
		matches = s.library.Search(req.Text, s.cfg.MaxSources)
	}

	options := optionsFromConfig(s.cfg)
	options.SessionID = req.SessionID
	options.BlockID = req.BlockID
	options.System = systemPrompt(req.AgentType, len(matches) > 0)
	options.Prompt = userPrompt(req.Text, matches)
	for _, m := range matches {
		options.Excerpts = append(options.Excerpts, m.Excerpt)
	}

	resp := protocol.AnalysisResponse{
		SessionID:    req.SessionID,
		BlockID:      req.BlockID,
		Agent:        agentName(req.AgentType),
		AnalysisType: variant,
	}

	start := s.now()
	var out strings.Builder
	err := s.generator.Generate(ctx, options, func(chunk Chunk) error {
		out.WriteString(chunk.Content)
		return nil
	})
	resp.Timestamp = s.now().UTC()
	if err != nil {
		s.logger.Warn().Err(err).Str("blockId", req.BlockID).Msg("analysis generation failed")
		resp.IsError = true
		resp.Text = fmt.Sprintf("analysis failed: %v", err)
		return resp
	}

	resp.Text = strings.TrimSpace(out.String())
	if len(matches) > 0 {
		resp.RAGUsed = true
		for _, m := range matches {
			resp.RAGSources = append(resp.RAGSources, protocol.RAGSource{
				Filename:   m.Filename,
				Bucket:     s.library.Bucket(),
				Similarity: m.Similarity,
			})
		}
	}
	s.logger.Info().
		Str("blockId", req.BlockID).
		Str("variant", variant).
		Dur("latency", s.now().Sub(start)).
		Msg("analysis complete")
	return resp
}
