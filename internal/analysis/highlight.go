package analysis

import (
	"regexp"
	"strings"
)

var ragTag = regexp.MustCompile(`\[RAG_START\](.*?)\[RAG_END\]`)

// Segment is a run of result text, flagged when it was drawn from documents.
type Segment struct {
	Text         string `json:"text"`
	FromDocument bool   `json:"fromDocument"`
}

// ParseHighlights splits text on [RAG_START]...[RAG_END] markers. Text with
// no markers comes back as a single plain segment.
func ParseHighlights(text string) []Segment {
	if text == "" {
		return nil
	}
	var parts []Segment
	last := 0
	for _, m := range ragTag.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > last {
			parts = append(parts, Segment{Text: text[last:m[0]]})
		}
		parts = append(parts, Segment{Text: strings.TrimSpace(text[m[2]:m[3]]), FromDocument: true})
		last = m[1]
	}
	if last < len(text) {
		parts = append(parts, Segment{Text: text[last:]})
	}
	return parts
}
