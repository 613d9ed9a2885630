// Package analysis dispatches finalized blocks to the analyzer and routes
// its responses back to the blocks that asked for them.
package analysis

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

type Variant string

const (
	Original Variant = protocol.VariantOriginal
	Document Variant = protocol.VariantDocument
)

// Preference selects which variants a finalized block is analyzed under.
type Preference string

const (
	PreferOriginal Preference = "original"
	PreferDocument Preference = "document"
	PreferBoth     Preference = "both"
)

var ErrUnknownPreference = errors.New("unknown variant preference")

func ParsePreference(s string) (Preference, error) {
	switch p := Preference(strings.ToLower(strings.TrimSpace(s))); p {
	case PreferOriginal, PreferDocument, PreferBoth:
		return p, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownPreference, s)
}

// Variants lists the variants to request, original first.
func (p Preference) Variants() []Variant {
	switch p {
	case PreferDocument:
		return []Variant{Document}
	case PreferBoth:
		return []Variant{Original, Document}
	default:
		return []Variant{Original}
	}
}

// RequestID is the correlation id sent with a request. Document requests
// carry the block id plus a suffix so both variants can be in flight at once.
func RequestID(blockID string, v Variant) string {
	if v == Document {
		return blockID + protocol.DocumentSuffix
	}
	return blockID
}

// SplitID strips a known variant suffix. ok is false when the id carries no
// suffix and the variant must come from elsewhere.
func SplitID(id string) (base string, v Variant, ok bool) {
	if base, found := strings.CutSuffix(id, protocol.DocumentSuffix); found && base != "" {
		return base, Document, true
	}
	return id, Original, false
}

// Agents known to the analyzer, keyed by agent type.
var Agents = map[string]string{
	"MEETING_ANALYST":      "Meeting Analyst",
	"ONBOARDING_ASSISTANT": "Onboarding Assistant",
	"TECHNICAL_ARCHITECT":  "Technical Architect",
	"ACTION_TRACKER":       "Action Tracker",
}

const DefaultAgent = "MEETING_ANALYST"

type Request struct {
	SessionID string
	RequestID string
	BlockID   string
	Variant   Variant
	Text      string
	AgentType string
}

func (r Request) Wire() protocol.AnalysisRequest {
	return protocol.AnalysisRequest{
		SessionID: r.SessionID,
		BlockID:   r.RequestID,
		Text:      r.Text,
		AgentType: r.AgentType,
		Variant:   string(r.Variant),
		UseRAG:    r.Variant == Document,
	}
}

type SourceAttribution struct {
	Filename   string  `json:"filename"`
	Bucket     string  `json:"bucket,omitempty"`
	Similarity float64 `json:"similarity"`
}

type Result struct {
	Text      string              `json:"text"`
	Timestamp time.Time           `json:"timestamp"`
	IsError   bool                `json:"isError"`
	Agent     string              `json:"agent"`
	Variant   Variant             `json:"variant"`
	Sources   []SourceAttribution `json:"sources,omitempty"`
}
