// Package session owns the live transcription session: one controller
// serializes recognition events, analysis responses, clock ticks and user
// actions onto a single goroutine.
package session

import (
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/analysis"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

var (
	ErrNoSession        = errors.New("no session: transport has not assigned an identity")
	ErrNoProvider       = errors.New("no recognition provider selected")
	ErrAlreadyCapturing = errors.New("session is already transcribing")
	ErrUnknownAgent     = errors.New("unknown agent type")
	ErrUnknownAction    = errors.New("unknown session action")
)

// Step is where the session is in the provider -> recording -> transcribing flow.
type Step string

const (
	StepProvider     Step = "provider"
	StepRecording    Step = "recording"
	StepTranscribing Step = "transcribing"
)

// Session is the state of one transcription session. Only the controller's
// event loop mutates it.
type Session struct {
	ConnectionID  string
	Provider      string
	Agent         string
	Preference    analysis.Preference
	Step          Step
	IsScreenShare bool

	assembler  *transcript.Assembler
	history    *analysis.History
	dispatcher *analysis.Dispatcher
	router     *analysis.Router

	timeLeft        int
	bytesPerSecond  float64
	framesPerSecond float64
	lastError       string

	// draining is set once capture ended cleanly; recognition results for
	// audio already sent are still applied until the next start or stop.
	draining bool
}

// Snapshot is a read-only copy of the session for display and export.
type Snapshot struct {
	ConnectionID    string                  `json:"connectionId"`
	Provider        string                  `json:"provider"`
	Agent           string                  `json:"agent"`
	Preference      analysis.Preference     `json:"preference"`
	Step            Step                    `json:"step"`
	IsScreenShare   bool                    `json:"isScreenShare"`
	Active          *transcript.ActiveBlock `json:"active,omitempty"`
	History         []analysis.Entry        `json:"history"`
	ProcessedBlocks int                     `json:"processedBlocks"`
	Pending         bool                    `json:"analysisPending"`
	TimeLeft        int                     `json:"timeLeft"`
	Uplink          audio.TelemetrySnapshot `json:"uplink"`
	BytesPerSecond  float64                 `json:"bytesPerSecond"`
	FramesPerSecond float64                 `json:"framesPerSecond"`
	Responses       []analysis.Result       `json:"responses"`
	LastError       string                  `json:"lastError,omitempty"`
}
