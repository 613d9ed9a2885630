package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/analysis"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Channel is the session's outbound connection to the transport.
type Channel interface {
	audio.Sender
	analysis.Sender
	SendControl(ctx context.Context, signal protocol.ControlSignal) error
}

// Observer is told about terminal session facts. Calls happen on the event
// loop and must not block for long.
type Observer interface {
	BlockFinalized(ctx context.Context, sessionID string, b transcript.Block)
	AnalysisDropped(ctx context.Context, sessionID string, req analysis.Request)
	AnalysisAttached(ctx context.Context, sessionID, blockID string, r analysis.Result)
	SessionClosed(ctx context.Context, sessionID string)
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, o) }
}

type Controller struct {
	cfg      config.SessionConfig
	audioCfg config.AudioConfig
	channel  Channel
	logger   zerolog.Logger
	now      func() time.Time

	observers []Observer
	events    chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	sess *Session

	telemetry     *audio.Telemetry
	lastUplink    audio.TelemetrySnapshot
	lastTick      time.Time
	captureCancel context.CancelFunc
	captureDone   chan struct{}
	captureReader *onceCloser

	blocksFinalized metric.Int64Counter
}

func NewController(parent context.Context, cfg config.SessionConfig, audioCfg config.AudioConfig, channel Channel, logger zerolog.Logger, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(parent)
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/internal/session")
	finalized, _ := meter.Int64Counter("scribe.blocks.finalized",
		metric.WithDescription("Transcript blocks moved to history"))
	c := &Controller{
		cfg:             cfg,
		audioCfg:        audioCfg,
		channel:         channel,
		logger:          logging.WithComponent(logger, "session"),
		now:             func() time.Time { return time.Now().UTC() },
		events:          make(chan Event, 256),
		ctx:             ctx,
		cancel:          cancel,
		telemetry:       &audio.Telemetry{},
		blocksFinalized: finalized,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run processes submitted events in arrival order until ctx or the
// controller is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return nil
		case ev := <-c.events:
			if req, ok := ev.(controlRequest); ok {
				req.reply <- c.Process(ctx, req.control)
				continue
			}
			if err := c.Process(ctx, ev); err != nil {
				c.logger.Warn().Err(err).Msg("event failed")
			}
		}
	}
}

// Submit queues an event for the event loop.
func (c *Controller) Submit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// Do runs an explicit action on the event loop and returns its error.
func (c *Controller) Do(ctx context.Context, ctl SessionControl) error {
	reply := make(chan error, 1)
	select {
	case c.events <- controlRequest{control: ctl, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return context.Canceled
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close halts capture and stops the event loop.
func (c *Controller) Close() {
	c.mu.Lock()
	c.stopCapture()
	c.mu.Unlock()
	c.cancel()
}

// Process is the single entry point for every event. Only SessionControl
// returns errors; everything else is absorbed and logged.
func (c *Controller) Process(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := ev.(type) {
	case SessionIdentity:
		c.handleIdentity(ctx, e)
	case TranscriptEvent:
		c.handleTranscript(ctx, e)
	case AnalysisResponse:
		c.handleResponse(ctx, e)
	case ClockTick:
		c.handleTick(ctx, e)
	case PipelineError:
		c.handlePipelineError(e)
	case CaptureEnded:
		c.handleCaptureEnded(e)
	case SessionControl:
		return c.handleControl(ctx, e)
	case controlRequest:
		return c.handleControl(ctx, e.control)
	default:
		c.logger.Warn().Str("type", fmt.Sprintf("%T", ev)).Msg("unknown event")
	}
	return nil
}

func (c *Controller) handleIdentity(ctx context.Context, e SessionIdentity) {
	if e.SessionID == "" {
		return
	}
	if c.sess != nil {
		if c.sess.ConnectionID == e.SessionID {
			return
		}
		if err := c.teardown(ctx); err != nil {
			c.logger.Warn().Err(err).Str("sessionId", c.sess.ConnectionID).Msg("replaced session did not stop cleanly")
		}
	}
	pref, err := analysis.ParsePreference(c.cfg.VariantPreference)
	if err != nil {
		pref = analysis.PreferOriginal
	}
	agent := c.cfg.DefaultAgent
	if agent == "" {
		agent = analysis.DefaultAgent
	}
	logger := c.logger.With().Str("sessionId", e.SessionID).Logger()
	c.sess = &Session{
		ConnectionID: e.SessionID,
		Agent:        agent,
		Preference:   pref,
		Step:         StepProvider,
		assembler:    c.newAssembler(e.SessionID),
		history:      analysis.NewHistory(),
		dispatcher:   analysis.NewDispatcher(c.channel, logger),
		router:       analysis.NewRouter(logger),
		timeLeft:     c.windowSeconds(),
	}
	logger.Info().Msg("session created")
}

func (c *Controller) newAssembler(sessionID string) *transcript.Assembler {
	fillers := c.cfg.FillerWords
	if fillers == nil {
		fillers = transcript.DefaultFillers
	}
	return transcript.NewAssembler(transcript.Options{
		SessionID:     sessionID,
		Window:        time.Duration(c.cfg.WindowMS) * time.Millisecond,
		LabelSpeakers: c.cfg.LabelSpeakers,
		Fillers:       fillers,
	})
}

func (c *Controller) handleTranscript(ctx context.Context, e TranscriptEvent) {
	s := c.sess
	if s == nil || (s.Step != StepTranscribing && !s.draining) {
		c.logger.Debug().Msg("transcript outside an active recording ignored")
		return
	}
	at := e.At
	if at.IsZero() {
		at = c.now()
	}
	out := s.assembler.Apply(transcript.Input{
		Text:         e.Text,
		IsFinal:      e.IsFinal,
		UtteranceEnd: e.UtteranceEnd,
		SpeakerTag:   e.SpeakerTag,
		Metadata:     e.Metadata,
		At:           at,
	})
	if out.Finalized != nil {
		c.finalize(ctx, *out.Finalized)
	}
	if out.Started {
		s.timeLeft, _ = s.assembler.TimeLeft(at)
	}
}

// finalize moves a block to history and dispatches analysis for it.
func (c *Controller) finalize(ctx context.Context, blk transcript.Block) {
	s := c.sess
	if !s.history.Append(blk) {
		c.logger.Warn().Str("blockId", blk.ID).Msg("block already in history")
	}
	c.blocksFinalized.Add(ctx, 1)
	c.logger.Info().Str("blockId", blk.ID).Int("chars", len(blk.Text)).Msg("block finalized")
	for _, o := range c.observers {
		o.BlockFinalized(ctx, s.ConnectionID, blk)
	}

	res := s.dispatcher.Dispatch(ctx, s.ConnectionID, blk, s.Preference, s.Agent)
	for _, req := range res.Dropped {
		for _, o := range c.observers {
			o.AnalysisDropped(ctx, s.ConnectionID, req)
		}
	}
}

func (c *Controller) handleResponse(ctx context.Context, e AnalysisResponse) {
	s := c.sess
	if s == nil {
		c.logger.Warn().Str("blockId", e.Response.BlockID).Msg("analysis response without a session discarded")
		return
	}
	res := s.router.Route(e.Response, s.history)
	if res.Outcome != analysis.Attached {
		return
	}
	s.dispatcher.Settle(res.BlockID)
	for _, o := range c.observers {
		o.AnalysisAttached(ctx, s.ConnectionID, res.BlockID, res.Result)
	}
}

func (c *Controller) handleTick(ctx context.Context, e ClockTick) {
	s := c.sess
	if s == nil {
		return
	}
	at := e.At
	if at.IsZero() {
		at = c.now()
	}

	snap := c.telemetry.Snapshot()
	if !c.lastTick.IsZero() {
		if secs := at.Sub(c.lastTick).Seconds(); secs > 0 {
			s.bytesPerSecond = float64(snap.Bytes-c.lastUplink.Bytes) / secs
			s.framesPerSecond = float64(snap.Frames-c.lastUplink.Frames) / secs
		}
	}
	c.lastTick = at
	c.lastUplink = snap

	left, active := s.assembler.TimeLeft(at)
	if !active {
		s.timeLeft = c.windowSeconds()
		return
	}
	s.timeLeft = left

	if c.cfg.ForceRotateOnTimeout {
		blk, _ := s.assembler.Active()
		if at.Sub(blk.StartTime) > s.assembler.Window() {
			if out := s.assembler.Rotate(at); out.Finalized != nil {
				c.finalize(ctx, *out.Finalized)
			}
			s.timeLeft = c.windowSeconds()
		}
	}
}

func (c *Controller) handlePipelineError(e PipelineError) {
	if e.Err == nil {
		return
	}
	c.logger.Error().Err(e.Err).Str("stage", string(e.Stage)).Msg("pipeline error")
	s := c.sess
	if s == nil {
		return
	}
	s.lastError = e.Err.Error()
	if e.Stage == StageRecognition {
		return
	}
	// capture or uplink failures end the recording attempt
	c.stopCapture()
	if s.Step == StepTranscribing {
		s.Step = StepRecording
	}
}

// handleCaptureEnded returns the session to recording after its source ran
// out, so a new start is accepted without a stop.
func (c *Controller) handleCaptureEnded(e CaptureEnded) {
	s := c.sess
	if s == nil || e.Done == nil || c.captureDone == nil || e.Done != (<-chan struct{})(c.captureDone) {
		return
	}
	c.stopCapture()
	if s.Step == StepTranscribing {
		s.Step = StepRecording
		s.draining = true
	}
	c.logger.Info().Str("sessionId", s.ConnectionID).Msg("capture source ended")
}

func (c *Controller) handleControl(ctx context.Context, e SessionControl) error {
	s := c.sess
	if s == nil {
		return ErrNoSession
	}
	switch e.Action {
	case ActionSelectProvider:
		if s.Step == StepTranscribing {
			return ErrAlreadyCapturing
		}
		provider := strings.TrimSpace(e.Provider)
		if provider == "" {
			return ErrNoProvider
		}
		s.Provider = provider
		s.Step = StepRecording
		return nil

	case ActionSelectAgent:
		if _, ok := analysis.Agents[e.Agent]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownAgent, e.Agent)
		}
		s.Agent = e.Agent
		return c.channel.SendControl(ctx, c.signal(protocol.ControlSwitchAgent))

	case ActionSetPreference:
		pref, err := analysis.ParsePreference(string(e.Preference))
		if err != nil {
			return err
		}
		s.Preference = pref
		return nil

	case ActionStart:
		return c.start(ctx, e.Capture)

	case ActionStop:
		return c.teardown(ctx)
	}
	return fmt.Errorf("%w: %q", ErrUnknownAction, e.Action)
}

func (c *Controller) start(ctx context.Context, capture audio.Capture) error {
	s := c.sess
	if s.Step == StepTranscribing {
		return ErrAlreadyCapturing
	}
	if s.Provider == "" {
		return ErrNoProvider
	}

	// a fresh recording always begins with a fresh block
	if out := s.assembler.Rotate(c.now()); out.Finalized != nil {
		c.finalize(ctx, *out.Finalized)
	}

	reader, screen, err := capture.Open(ctx)
	if err != nil {
		s.Step = StepRecording
		s.lastError = err.Error()
		return fmt.Errorf("start capture: %w", err)
	}
	s.IsScreenShare = screen
	if err := c.channel.SendControl(ctx, c.signal(protocol.ControlStartTranscription)); err != nil {
		reader.Close()
		s.Step = StepRecording
		s.lastError = err.Error()
		return fmt.Errorf("start transcription: %w", err)
	}

	producer := audio.Producer{FrameSize: c.audioCfg.MicFrameSize, FlushOnStop: c.audioCfg.FlushOnStop}
	var enc audio.Encoder
	if screen {
		producer.FrameSize = c.audioCfg.ScreenFrameSize
		enc.Shaping = &audio.Shaping{
			GateThreshold: c.audioCfg.NoiseGateThreshold,
			ThresholdDB:   c.audioCfg.ThresholdDB,
			KneeDB:        c.audioCfg.KneeDB,
			Ratio:         c.audioCfg.Ratio,
			AttackS:       c.audioCfg.AttackS,
			ReleaseS:      c.audioCfg.ReleaseS,
			Gain:          c.audioCfg.Gain,
		}
	}
	uplink := audio.NewUplink(c.channel, enc, s.ConnectionID, s.Provider, screen, c.telemetry,
		logging.WithSession(c.logger, s.ConnectionID, s.Provider))

	pctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	rc := &onceCloser{SampleReader: reader}
	c.captureCancel = cancel
	c.captureDone = done
	c.captureReader = rc
	go c.runCapture(pctx, cancel, producer, uplink, rc, done)

	s.Step = StepTranscribing
	s.draining = false
	s.lastError = ""
	s.timeLeft = c.windowSeconds()
	c.logger.Info().
		Str("sessionId", s.ConnectionID).
		Str("provider", s.Provider).
		Bool("screenShare", screen).
		Int("frameSize", producer.FrameSize).
		Msg("transcription started")
	return nil
}

func (c *Controller) runCapture(ctx context.Context, cancel context.CancelFunc, producer audio.Producer, uplink *audio.Uplink, reader audio.SampleReader, done chan struct{}) {
	defer close(done)
	defer reader.Close()

	frames := make(chan audio.Frame, 8)
	captureErr := make(chan error, 1)
	go func() {
		captureErr <- producer.Run(ctx, reader, frames)
	}()

	upErr := uplink.Run(ctx, frames)
	if upErr != nil && !errors.Is(upErr, context.Canceled) {
		c.Submit(PipelineError{Stage: StageUplink, Err: upErr})
	}
	cancel()
	pErr := <-captureErr
	switch {
	case upErr != nil:
	case pErr != nil && !errors.Is(pErr, context.Canceled):
		c.Submit(PipelineError{Stage: StageCapture, Err: pErr})
	case pErr == nil:
		c.Submit(CaptureEnded{Done: done})
	}
}

type onceCloser struct {
	audio.SampleReader
	once sync.Once
	err  error
}

func (o *onceCloser) Close() error {
	o.once.Do(func() { o.err = o.SampleReader.Close() })
	return o.err
}

// CaptureDone is closed when the current capture pipeline has drained. It is
// nil when no capture was ever started.
func (c *Controller) CaptureDone() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.captureDone
}

func (c *Controller) stopCapture() {
	if c.captureCancel == nil {
		return
	}
	c.captureCancel()
	// a reader blocked on a device read only returns once closed
	_ = c.captureReader.Close()
	<-c.captureDone
	c.captureCancel = nil
	c.captureReader = nil
}

// teardown halts capture, discards the active block without analysis, clears
// history and the dedup set, and tells the transport to stop.
func (c *Controller) teardown(ctx context.Context) error {
	s := c.sess
	c.stopCapture()
	s.assembler.Discard()
	s.dispatcher.Reset()
	s.history.Reset()
	s.router.Reset()

	var errs []error
	if err := c.channel.SendControl(ctx, c.signal(protocol.ControlStopTranscription)); err != nil {
		errs = append(errs, fmt.Errorf("stop transcription: %w", err))
	}
	if err := c.channel.SendControl(ctx, c.signal(protocol.ControlStopAIProcessing)); err != nil {
		errs = append(errs, fmt.Errorf("stop ai processing: %w", err))
	}

	for _, o := range c.observers {
		o.SessionClosed(ctx, s.ConnectionID)
	}
	s.Step = StepProvider
	s.draining = false
	s.Provider = ""
	s.IsScreenShare = false
	s.timeLeft = c.windowSeconds()
	c.logger.Info().Str("sessionId", s.ConnectionID).Msg("session stopped")
	return errors.Join(errs...)
}

func (c *Controller) signal(kind string) protocol.ControlSignal {
	s := c.sess
	return protocol.ControlSignal{
		Type:          kind,
		SessionID:     s.ConnectionID,
		Provider:      s.Provider,
		AgentType:     s.Agent,
		IsScreenShare: s.IsScreenShare,
		Timestamp:     c.now(),
	}
}

func (c *Controller) windowSeconds() int {
	return c.cfg.WindowMS / 1000
}
