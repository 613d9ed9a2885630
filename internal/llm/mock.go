package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	content := fmt.Sprintf("[mock analysis of %d words]", len(strings.Fields(req.Prompt)))
	if len(req.Excerpts) > 0 {
		content += " " + ragStart + strings.TrimSpace(req.Excerpts[0]) + ragEnd
	}
	return consumer(Chunk{
		Content: content,
		Latency: 5 * time.Millisecond,
	})
}
