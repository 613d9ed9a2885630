package llm

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/analysis"
)

const (
	ragStart = "[RAG_START]"
	ragEnd   = "[RAG_END]"
)

var agentInstructions = map[string]string{
	"MEETING_ANALYST":      "Summarize the discussion, note decisions made and open questions.",
	"ONBOARDING_ASSISTANT": "Explain terms and context a new team member would need to follow this conversation.",
	"TECHNICAL_ARCHITECT":  "Point out architectural choices, risks and trade-offs raised in the conversation.",
	"ACTION_TRACKER":       "List action items with owners and deadlines when they are stated.",
}

func agentName(agentType string) string {
	if name, ok := analysis.Agents[agentType]; ok {
		return name
	}
	return analysis.Agents[analysis.DefaultAgent]
}

func systemPrompt(agentType string, withDocuments bool) string {
	instructions, ok := agentInstructions[agentType]
	if !ok {
		instructions = agentInstructions[analysis.DefaultAgent]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s for a live meeting transcript. %s Be concise.", agentName(agentType), instructions)
	if withDocuments {
		fmt.Fprintf(&b, " Reference excerpts follow the transcript. Wrap any sentence drawn from them in %s and %s.", ragStart, ragEnd)
	}
	return b.String()
}

func userPrompt(text string, matches []Match) string {
	var b strings.Builder
	b.WriteString("Transcript:\n")
	b.WriteString(strings.TrimSpace(text))
	for i, m := range matches {
		fmt.Fprintf(&b, "\n\nExcerpt %d (%s):\n%s", i+1, m.Filename, m.Excerpt)
	}
	return b.String()
}
