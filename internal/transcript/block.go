package transcript

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Block is a finalized, immutable unit of transcript.
type Block struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
}

// ActiveBlock is a copy of the block currently being assembled.
type ActiveBlock struct {
	ID          string         `json:"id"`
	FinalText   string         `json:"finalText"`
	InterimText string         `json:"interimText"`
	StartTime   time.Time      `json:"startTime"`
	LastSpeaker *int           `json:"lastSpeaker,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Text is the final text followed by any pending interim text.
func (a ActiveBlock) Text() string {
	switch {
	case a.InterimText == "":
		return a.FinalText
	case a.FinalText == "":
		return a.InterimText
	}
	return a.FinalText + " " + a.InterimText
}

// IDGenerator issues block ids of the form <session>-blk-<n>. Ids are never
// reused within a generator.
type IDGenerator struct {
	sessionID string
	counter   atomic.Uint64
}

func NewIDGenerator(sessionID string) *IDGenerator {
	return &IDGenerator{sessionID: sessionID}
}

func (g *IDGenerator) Next() string {
	n := g.counter.Add(1)
	return fmt.Sprintf("%s-blk-%d", g.sessionID, n)
}
