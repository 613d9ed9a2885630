package protocol

import (
	"strings"
	"time"
)

// AudioPayload carries one encoded frame of 16-bit little-endian PCM.
// Frames are not sequenced; order is delivery order.
type AudioPayload struct {
	SessionID     string `json:"sessionId"`
	Audio         []byte `json:"audioBuffer"`
	IsScreenShare bool   `json:"isScreenShare"`
	Provider      string `json:"provider"`
	SampleRate    int    `json:"sampleRate,omitempty"`
}

// ControlSignal types.
const (
	ControlStartTranscription = "start_transcription"
	ControlStopTranscription  = "stop_transcription"
	ControlStopAIProcessing   = "stop_ai_processing"
	ControlSwitchAgent        = "switch_agent"
)

type ControlSignal struct {
	Type          string    `json:"type"`
	SessionID     string    `json:"sessionId"`
	Provider      string    `json:"provider,omitempty"`
	AgentType     string    `json:"agentType,omitempty"`
	IsScreenShare bool      `json:"isScreenShare,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Transcription is a recognition event emitted by a speech provider.
type Transcription struct {
	SessionID   string         `json:"sessionId"`
	Text        string         `json:"text"`
	IsFinal     bool           `json:"isFinal"`
	SpeechFinal bool           `json:"speechFinal"`
	SpeakerTag  *int           `json:"speakerTag,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Error       string         `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Analysis variant flags on the wire.
const (
	VariantOriginal = "original"
	VariantDocument = "document-enhanced"

	// DocumentSuffix marks the document-enhanced request id derived from a block id.
	DocumentSuffix = "-rag"
)

type AnalysisRequest struct {
	SessionID string `json:"sessionId"`
	BlockID   string `json:"blockId"`
	Text      string `json:"text"`
	AgentType string `json:"agentType"`
	Variant   string `json:"variant"`
	UseRAG    bool   `json:"useRAG"`
}

type RAGSource struct {
	Filename   string  `json:"filename"`
	Bucket     string  `json:"bucket,omitempty"`
	Similarity float64 `json:"similarity"`
}

// AnalysisResponse is produced by the analyzer. BlockID is empty for
// analyses not tied to a block.
type AnalysisResponse struct {
	SessionID    string      `json:"sessionId"`
	Text         string      `json:"text"`
	Timestamp    time.Time   `json:"timestamp"`
	IsError      bool        `json:"isError"`
	Agent        string      `json:"agent"`
	AnalysisType string      `json:"analysisType,omitempty"`
	BlockID      string      `json:"blockId,omitempty"`
	RAGUsed      bool        `json:"ragUsed,omitempty"`
	RAGSources   []RAGSource `json:"ragSources,omitempty"`
}

// SessionIdentity is announced once the transport has accepted a connection.
type SessionIdentity struct {
	SessionID string    `json:"sessionId"`
	IssuedAt  time.Time `json:"issuedAt"`
}

const (
	SubjectAudioPrefix            = "scribe.audio"
	SubjectControlPrefix          = "scribe.control"
	SubjectTranscriptionPrefix    = "scribe.stt.event"
	SubjectAnalysisRequest        = "scribe.analysis.request"
	SubjectAnalysisResponsePrefix = "scribe.analysis.response"
	SubjectSessionIdentity        = "scribe.session.identity"
	SubjectNodeAnnounce           = "scribe.node.announce"
	SubjectNodeHeartbeatPrefix    = "scribe.node.heartbeat"
)

func NodeHeartbeatSubject(nodeID string) string {
	return SubjectNodeHeartbeatPrefix + "." + nodeID
}

func AudioSubject(sessionID string) string {
	return SubjectAudioPrefix + "." + sessionID
}

func ControlSubject(signal string) string {
	return SubjectControlPrefix + "." + signal
}

func TranscriptionSubject(sessionID string) string {
	return SubjectTranscriptionPrefix + "." + sessionID
}

func AnalysisResponseSubject(sessionID string) string {
	return SubjectAnalysisResponsePrefix + "." + sessionID
}

// SessionFromSubject returns the trailing session token of a per-session subject.
func SessionFromSubject(subject string) string {
	idx := strings.LastIndex(subject, ".")
	if idx < 0 {
		return ""
	}
	return subject[idx+1:]
}
