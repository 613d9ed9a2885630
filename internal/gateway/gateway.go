// Package gateway connects a session controller to the message bus: it is
// the controller's outbound channel and turns inbound bus traffic into
// controller events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/analysis"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Submitter receives inbound events. *session.Controller satisfies it.
type Submitter interface {
	Submit(ev session.Event)
}

type Gateway struct {
	bus    *bus.Client
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	target    Submitter
	sessionID string
	subs      []*nats.Subscription
}

func New(parent context.Context, busClient *bus.Client, logger zerolog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(parent)
	return &Gateway{
		bus:    busClient,
		logger: logging.WithComponent(logger, "gateway"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Attach sets the controller that receives inbound events.
func (g *Gateway) Attach(target Submitter) {
	g.mu.Lock()
	g.target = target
	g.mu.Unlock()
}

// Start assigns a fresh session identity, subscribes to that session's
// inbound subjects and announces the identity.
func (g *Gateway) Start() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.target == nil {
		return "", errors.New("gateway has no controller attached")
	}
	g.unsubscribeLocked()

	id := uuid.NewString()
	subTranscripts, err := g.bus.Conn().Subscribe(protocol.TranscriptionSubject(id), g.handleTranscription)
	if err != nil {
		return "", fmt.Errorf("subscribe transcriptions: %w", err)
	}
	subResponses, err := g.bus.Conn().Subscribe(protocol.AnalysisResponseSubject(id), g.handleAnalysisResponse)
	if err != nil {
		_ = subTranscripts.Drain()
		return "", fmt.Errorf("subscribe analysis responses: %w", err)
	}
	g.subs = []*nats.Subscription{subTranscripts, subResponses}
	g.sessionID = id

	if err := g.bus.PublishJSON(protocol.SubjectSessionIdentity, protocol.SessionIdentity{
		SessionID: id,
		IssuedAt:  time.Now().UTC(),
	}); err != nil {
		g.logger.Warn().Err(err).Msg("failed to announce session identity")
	}
	g.target.Submit(session.SessionIdentity{SessionID: id})
	g.logger.Info().Str("sessionId", id).Msg("session identity assigned")
	return id, nil
}

func (g *Gateway) SessionID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionID
}

func (g *Gateway) Close() {
	g.cancel()
	g.mu.Lock()
	g.unsubscribeLocked()
	g.mu.Unlock()
}

func (g *Gateway) Healthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bus.Healthy() && len(g.subs) == 2
}

func (g *Gateway) unsubscribeLocked() {
	for _, sub := range g.subs {
		_ = sub.Drain()
	}
	g.subs = nil
}

func (g *Gateway) SendAudio(_ context.Context, payload protocol.AudioPayload) error {
	return g.bus.PublishJSON(protocol.AudioSubject(payload.SessionID), payload)
}

func (g *Gateway) SendControl(_ context.Context, signal protocol.ControlSignal) error {
	return g.bus.PublishJSON(protocol.ControlSubject(signal.Type), signal)
}

func (g *Gateway) SendAnalysisRequest(_ context.Context, req protocol.AnalysisRequest) error {
	if err := g.bus.PublishJSON(protocol.SubjectAnalysisRequest, req); err != nil {
		return fmt.Errorf("%w: %v", analysis.ErrChannelUnavailable, err)
	}
	return nil
}

func (g *Gateway) submit(ev session.Event) {
	g.mu.Lock()
	target := g.target
	g.mu.Unlock()
	if target == nil || g.ctx.Err() != nil {
		return
	}
	target.Submit(ev)
}

func (g *Gateway) handleTranscription(msg *nats.Msg) {
	var t protocol.Transcription
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		g.logger.Warn().Err(err).Msg("failed to decode transcription")
		g.submit(session.PipelineError{Stage: session.StageRecognition, Err: fmt.Errorf("malformed transcription: %w", err)})
		return
	}
	if t.Error != "" {
		g.submit(session.PipelineError{Stage: session.StageRecognition, Err: errors.New(t.Error)})
		return
	}
	g.submit(session.TranscriptEvent{
		Text:         t.Text,
		IsFinal:      t.IsFinal,
		UtteranceEnd: t.SpeechFinal,
		SpeakerTag:   t.SpeakerTag,
		Metadata:     t.Metadata,
	})
}

func (g *Gateway) handleAnalysisResponse(msg *nats.Msg) {
	var resp protocol.AnalysisResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		g.logger.Warn().Err(err).Msg("failed to decode analysis response")
		return
	}
	g.submit(session.AnalysisResponse{Response: resp})
}
