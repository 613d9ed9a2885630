package session

import (
	"time"

	"github.com/loqalabs/loqa-scribe/internal/analysis"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Event is the closed set of inputs the controller processes. Every event is
// handled to completion before the next one starts.
type Event interface {
	isEvent()
}

// TranscriptEvent is one recognition result. A zero At means "now".
type TranscriptEvent struct {
	Text         string
	IsFinal      bool
	UtteranceEnd bool
	SpeakerTag   *int
	Metadata     map[string]any
	At           time.Time
}

// AnalysisResponse wraps a response from the analyzer.
type AnalysisResponse struct {
	Response protocol.AnalysisResponse
}

type ClockTick struct {
	At time.Time
}

type Action string

const (
	ActionSelectProvider Action = "select_provider"
	ActionSelectAgent    Action = "select_agent"
	ActionSetPreference  Action = "set_preference"
	ActionStart          Action = "start"
	ActionStop           Action = "stop"
)

// SessionControl is an explicit user action. These are the only events whose
// errors reach the caller.
type SessionControl struct {
	Action     Action
	Provider   string
	Agent      string
	Preference analysis.Preference
	Capture    audio.Capture
}

// SessionIdentity is delivered by the transport once it has accepted the
// connection. It creates the session.
type SessionIdentity struct {
	SessionID string
}

type Stage string

const (
	StageCapture     Stage = "capture"
	StageUplink      Stage = "uplink"
	StageRecognition Stage = "recognition"
)

// PipelineError reports a failure outside the control thread.
type PipelineError struct {
	Stage Stage
	Err   error
}

// CaptureEnded reports that a capture source reached the end of its stream
// and every frame was sent. Done identifies the capture it belongs to.
type CaptureEnded struct {
	Done <-chan struct{}
}

type controlRequest struct {
	control SessionControl
	reply   chan error
}

func (TranscriptEvent) isEvent()  {}
func (AnalysisResponse) isEvent() {}
func (ClockTick) isEvent()        {}
func (SessionControl) isEvent()   {}
func (SessionIdentity) isEvent()  {}
func (PipelineError) isEvent()    {}
func (CaptureEnded) isEvent()     {}
func (controlRequest) isEvent()   {}
