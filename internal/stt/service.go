package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Service is a development recognizer: it buffers uplinked PCM per session,
// publishes interim results while an utterance grows and a final result once
// it reaches UtteranceMS or the session stops.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     zerolog.Logger
	now        func() time.Time

	sessions map[string]*sessionState
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	subs     []*nats.Subscription
	wg       sync.WaitGroup
	ready    bool
}

type sessionState struct {
	Buffer       []byte
	SampleRate   int
	Provider     string
	LastPartial  time.Time
	Endpoint     *time.Timer
	Inflight     bool
	PendingFinal bool
	Closing      bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, logger zerolog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     logging.WithComponent(logger, "stt"),
		now:        time.Now,
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioPrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	stop, err := s.bus.Conn().Subscribe(protocol.ControlSubject(protocol.ControlStopTranscription), s.handleStop)
	if err != nil {
		_ = sub.Drain()
		return fmt.Errorf("subscribe stop signals: %w", err)
	}
	s.subs = []*nats.Subscription{sub, stop}
	s.ready = true
	s.logger.Info().Str("mode", s.cfg.Mode).Msg("stt service started")
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	for _, state := range s.sessions {
		if state.Endpoint != nil {
			state.Endpoint.Stop()
		}
	}
	s.mu.Unlock()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
	if c, ok := s.recognizer.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioPayload
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn().Err(err).Msg("failed to decode audio frame")
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = protocol.SessionFromSubject(msg.Subject)
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{SampleRate: s.cfg.SampleRate}
		s.sessions[frame.SessionID] = state
	}
	if frame.SampleRate > 0 {
		state.SampleRate = frame.SampleRate
	}
	state.Provider = frame.Provider
	state.Buffer = append(state.Buffer, frame.Audio...)
	full := s.bufferedMS(state) >= s.cfg.UtteranceMS
	s.armEndpoint(frame.SessionID, state)
	s.mu.Unlock()

	if full {
		s.scheduleTranscription(frame.SessionID, true)
		return
	}
	if s.cfg.PublishInterim && s.shouldSchedulePartial(frame.SessionID) {
		s.scheduleTranscription(frame.SessionID, false)
	}
}

func (s *Service) handleStop(msg *nats.Msg) {
	var signal protocol.ControlSignal
	if err := json.Unmarshal(msg.Data, &signal); err != nil {
		s.logger.Warn().Err(err).Msg("failed to decode control signal")
		return
	}
	s.mu.Lock()
	state := s.sessions[signal.SessionID]
	if state != nil {
		state.Closing = true
	}
	s.mu.Unlock()
	if state != nil {
		s.scheduleTranscription(signal.SessionID, true)
	}
}

// armEndpoint restarts the silence timer; it must be called with s.mu held.
func (s *Service) armEndpoint(sessionID string, state *sessionState) {
	if s.cfg.EndpointMS <= 0 {
		return
	}
	wait := time.Duration(s.cfg.EndpointMS) * time.Millisecond
	if state.Endpoint != nil {
		state.Endpoint.Reset(wait)
		return
	}
	state.Endpoint = time.AfterFunc(wait, func() {
		if s.ctx.Err() != nil {
			return
		}
		s.scheduleTranscription(sessionID, true)
	})
}

// bufferedMS must be called with s.mu held.
func (s *Service) bufferedMS(state *sessionState) int {
	rate := state.SampleRate
	channels := s.cfg.Channels
	if rate <= 0 || channels <= 0 {
		return 0
	}
	return len(state.Buffer) / 2 / channels * 1000 / rate
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.Inflight {
		return false
	}
	if state.LastPartial.IsZero() {
		state.LastPartial = s.now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if s.now().Sub(state.LastPartial) >= interval {
		state.LastPartial = s.now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.Inflight {
		if final {
			state.PendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.Buffer...)
	rate := state.SampleRate
	provider := state.Provider
	state.Inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		if len(pcm) > 0 {
			result, err := s.recognizer.Transcribe(ctx, pcm, rate, s.cfg.Channels, final)
			if err != nil {
				s.logger.Warn().Err(err).Str("sessionId", sessionID).Msg("stt transcription failed")
				s.publish(sessionID, protocol.Transcription{Error: err.Error(), Provider: provider})
			} else if result.Text != "" {
				s.publish(sessionID, protocol.Transcription{
					Text:        result.Text,
					IsFinal:     final,
					SpeechFinal: final,
					SpeakerTag:  result.SpeakerTag,
					Provider:    provider,
					Metadata:    map[string]any{"confidence": result.Confidence},
				})
			}
		}

		s.mu.Lock()
		state := s.sessions[sessionID]
		var pendingFinal bool
		if state != nil {
			state.Inflight = false
			pendingFinal = state.PendingFinal
			state.PendingFinal = false
			if final {
				// frames that arrived while recognizing start the next utterance
				state.Buffer = append([]byte(nil), state.Buffer[len(pcm):]...)
				state.LastPartial = time.Time{}
				if state.Closing && len(state.Buffer) == 0 {
					if state.Endpoint != nil {
						state.Endpoint.Stop()
					}
					delete(s.sessions, sessionID)
				}
			} else {
				state.LastPartial = s.now()
			}
		}
		s.mu.Unlock()

		if pendingFinal {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

func (s *Service) publish(sessionID string, msg protocol.Transcription) {
	msg.SessionID = sessionID
	msg.Timestamp = s.now().UTC()
	if err := s.bus.PublishJSON(protocol.TranscriptionSubject(sessionID), msg); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish transcription")
	}
}
