package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/analysis"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

var _ session.Observer = (*Publisher)(nil)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestDisabledPublisherIsLogOnly(t *testing.T) {
	p := New(config.KafkaConfig{Enabled: false}, zerolog.Nop())
	if p.Enabled() {
		t.Fatal("expected log-only publisher")
	}
	p.BlockFinalized(context.Background(), "s1", transcript.Block{ID: "s1-blk-1", Text: "hi"})
	p.SessionClosed(context.Background(), "s1")
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestPublisherRoutesTopics(t *testing.T) {
	blocks, analyses := &fakeWriter{}, &fakeWriter{}
	cfg := config.KafkaConfig{TopicBlocks: "blocks", TopicAnalysis: "analysis", Principal: "svc-scribe"}
	p := NewWithWriters(cfg, blocks, analyses, zerolog.Nop())
	ctx := context.Background()

	p.BlockFinalized(ctx, "s1", transcript.Block{ID: "s1-blk-1", Text: "Hello."})
	p.AnalysisAttached(ctx, "s1", "s1-blk-1", analysis.Result{Text: "Greeting.", Variant: analysis.Original})
	p.AnalysisDropped(ctx, "s1", analysis.Request{SessionID: "s1", RequestID: "s1-blk-2-rag", BlockID: "s1-blk-2", Variant: analysis.Document})
	p.SessionClosed(ctx, "s1")

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !blocks.closed || !analyses.closed {
		t.Fatal("expected writers closed")
	}

	blk := blocks.messages()
	if len(blk) != 2 {
		t.Fatalf("expected 2 block-topic messages, got %d", len(blk))
	}
	if header(blk[0], "eventType") != TypeBlockFinalized || header(blk[1], "eventType") != TypeSessionClosed {
		t.Fatalf("unexpected block-topic order %q, %q", header(blk[0], "eventType"), header(blk[1], "eventType"))
	}
	if string(blk[0].Key) != "s1" || header(blk[0], "principal") != "svc-scribe" {
		t.Fatalf("unexpected key/principal on %+v", blk[0])
	}

	var env struct {
		Type    string           `json:"type"`
		BlockID string           `json:"blockId"`
		Payload transcript.Block `json:"payload"`
	}
	if err := json.Unmarshal(blk[0].Value, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.BlockID != "s1-blk-1" || env.Payload.Text != "Hello." {
		t.Fatalf("unexpected envelope %+v", env)
	}

	ana := analyses.messages()
	if len(ana) != 2 {
		t.Fatalf("expected 2 analysis-topic messages, got %d", len(ana))
	}
	if header(ana[0], "eventType") != TypeAnalysisAttached || header(ana[1], "eventType") != TypeAnalysisDropped {
		t.Fatalf("unexpected analysis-topic events")
	}
}

func TestPublisherSurvivesWriteErrors(t *testing.T) {
	blocks := &fakeWriter{err: errors.New("broker down")}
	p := NewWithWriters(config.KafkaConfig{TopicBlocks: "b", TopicAnalysis: "a"}, blocks, &fakeWriter{}, zerolog.Nop())
	p.BlockFinalized(context.Background(), "s1", transcript.Block{ID: "s1-blk-1"})
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(blocks.messages()) != 0 {
		t.Fatal("expected no messages recorded")
	}
	// events after close are ignored
	p.BlockFinalized(context.Background(), "s1", transcript.Block{ID: "s1-blk-2"})
}
