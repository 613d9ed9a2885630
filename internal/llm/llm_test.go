package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/analysis"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

func writeDoc(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func docsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeDoc(t, dir, "billing.md", "Invoices are issued monthly.\n\nRefunds require approval from finance within thirty days.")
	writeDoc(t, dir, "deploy.txt", "Deployments run through the staging cluster before production rollout.")
	writeDoc(t, dir, "image.png", "not indexed")
	return dir
}

func TestLibrarySearch(t *testing.T) {
	lib, err := LoadLibrary(docsDir(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if lib.Len() != 3 {
		t.Fatalf("expected 3 passages, got %d", lib.Len())
	}

	matches := lib.Search("finance said refunds need approval", 3)
	if len(matches) != 1 {
		t.Fatalf("expected one match, got %+v", matches)
	}
	if matches[0].Filename != "billing.md" || !strings.HasPrefix(matches[0].Excerpt, "Refunds") {
		t.Fatalf("unexpected match %+v", matches[0])
	}
	if matches[0].Similarity <= 0 || matches[0].Similarity > 1 {
		t.Fatalf("similarity out of range: %v", matches[0].Similarity)
	}

	if got := lib.Search("completely unrelated words", 3); len(got) != 0 {
		t.Fatalf("expected no matches, got %+v", got)
	}
	if got := lib.Search("finance refunds staging production", 1); len(got) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(got))
	}
}

func TestEmptyLibrary(t *testing.T) {
	lib, err := LoadLibrary("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if lib.Len() != 0 || lib.Search("anything at all", 3) != nil || lib.Bucket() != "" {
		t.Fatal("expected empty library")
	}
	if _, err := LoadLibrary(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing dir")
	}
}

func TestSystemPromptUsesAgent(t *testing.T) {
	prompt := systemPrompt("ACTION_TRACKER", false)
	if !strings.Contains(prompt, "Action Tracker") || strings.Contains(prompt, ragStart) {
		t.Fatalf("unexpected prompt %q", prompt)
	}
	prompt = systemPrompt("UNKNOWN", true)
	if !strings.Contains(prompt, analysis.Agents[analysis.DefaultAgent]) || !strings.Contains(prompt, ragStart) {
		t.Fatalf("expected default agent with excerpt markers, got %q", prompt)
	}
}

func TestOllamaGeneratorStreams(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		fmt.Fprintln(w, `{"response":"Decisions: ","done":false}`)
		fmt.Fprintln(w, `{"response":"ship it.","done":true,"eval_count":4,"prompt_eval_count":12}`)
	}))
	t.Cleanup(srv.Close)

	gen := NewOllamaGenerator(srv.URL+"/", "tiny")
	var chunks []Chunk
	err := gen.Generate(context.Background(), Request{Prompt: "hello", MaxTokens: 64}, func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got.Model != "tiny" || !got.Stream || got.Options.NumPredict != 64 {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(chunks) != 2 || !chunks[0].Partial || chunks[1].Partial {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
	if chunks[1].CompletionTokens != 4 || chunks[1].PromptTokens != 12 {
		t.Fatalf("expected token counts, got %+v", chunks[1])
	}
}

func TestOllamaGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	err := NewOllamaGenerator(srv.URL, "").Generate(context.Background(), Request{Prompt: "x"}, func(Chunk) error { return nil })
	if err == nil {
		t.Fatal("expected status error")
	}
}

func TestNewGeneratorModes(t *testing.T) {
	if _, err := NewGenerator(config.LLMConfig{Mode: "mock"}); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := NewGenerator(config.LLMConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected error for empty exec command")
	}
	if _, err := NewGenerator(config.LLMConfig{Mode: "gpt"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, Request, func(Chunk) error) error {
	return errors.New("model offline")
}

type blockingGenerator struct{}

func (blockingGenerator) Generate(ctx context.Context, _ Request, _ func(Chunk) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, "llm-test", zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func startService(t *testing.T, client *bus.Client, gen Generator, lib *Library) chan *nats.Msg {
	t.Helper()
	out := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe(protocol.AnalysisResponseSubject("s1"), out)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	svc := NewService(context.Background(), config.LLMConfig{Enabled: true, Mode: "mock", MaxSources: 2}, client, gen, lib, zerolog.Nop())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	return out
}

func request(t *testing.T, client *bus.Client, req protocol.AnalysisRequest) {
	t.Helper()
	if err := client.PublishJSON(protocol.SubjectAnalysisRequest, req); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func nextResponse(t *testing.T, ch chan *nats.Msg) protocol.AnalysisResponse {
	t.Helper()
	select {
	case msg := <-ch:
		var resp protocol.AnalysisResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for analysis response")
		return protocol.AnalysisResponse{}
	}
}

func TestServiceAnswersBothVariants(t *testing.T) {
	client := startBus(t)
	lib, err := LoadLibrary(docsDir(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	out := startService(t, client, NewMockGenerator(), lib)

	text := "Finance will approve refunds next week"
	request(t, client, analysis.Request{SessionID: "s1", RequestID: "s1-blk-1", BlockID: "s1-blk-1", Variant: analysis.Original, Text: text, AgentType: "MEETING_ANALYST"}.Wire())
	request(t, client, analysis.Request{SessionID: "s1", RequestID: "s1-blk-1-rag", BlockID: "s1-blk-1", Variant: analysis.Document, Text: text, AgentType: "MEETING_ANALYST"}.Wire())

	got := map[string]protocol.AnalysisResponse{}
	for i := 0; i < 2; i++ {
		resp := nextResponse(t, out)
		got[resp.BlockID] = resp
	}

	orig, ok := got["s1-blk-1"]
	if !ok || orig.AnalysisType != protocol.VariantOriginal || orig.RAGUsed || orig.IsError {
		t.Fatalf("unexpected original response %+v", orig)
	}
	if orig.Agent != "Meeting Analyst" || !strings.HasPrefix(orig.Text, "[mock analysis") {
		t.Fatalf("unexpected original content %+v", orig)
	}

	doc, ok := got["s1-blk-1-rag"]
	if !ok || doc.AnalysisType != protocol.VariantDocument || !doc.RAGUsed {
		t.Fatalf("unexpected document response %+v", doc)
	}
	if len(doc.RAGSources) != 1 || doc.RAGSources[0].Filename != "billing.md" {
		t.Fatalf("expected billing source, got %+v", doc.RAGSources)
	}
	segments := analysis.ParseHighlights(doc.Text)
	var highlighted bool
	for _, seg := range segments {
		highlighted = highlighted || seg.FromDocument
	}
	if !highlighted {
		t.Fatalf("expected document highlight in %q", doc.Text)
	}
}

func TestServiceReportsGenerationErrors(t *testing.T) {
	client := startBus(t)
	out := startService(t, client, failingGenerator{}, nil)

	request(t, client, protocol.AnalysisRequest{SessionID: "s1", BlockID: "s1-blk-2", Text: "hello there", AgentType: "ACTION_TRACKER", Variant: protocol.VariantOriginal})

	resp := nextResponse(t, out)
	if !resp.IsError || resp.BlockID != "s1-blk-2" || resp.Agent != "Action Tracker" {
		t.Fatalf("expected error response, got %+v", resp)
	}
}

func TestServiceStopCancelsInflight(t *testing.T) {
	client := startBus(t)
	out := startService(t, client, blockingGenerator{}, nil)

	request(t, client, protocol.AnalysisRequest{SessionID: "s1", BlockID: "s1-blk-3", Text: "slow request", Variant: protocol.VariantOriginal})
	if err := client.Flush(time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	stop := protocol.ControlSignal{Type: protocol.ControlStopAIProcessing, SessionID: "s1"}
	if err := client.PublishJSON(protocol.ControlSubject(protocol.ControlStopAIProcessing), stop); err != nil {
		t.Fatalf("publish stop: %v", err)
	}

	select {
	case msg := <-out:
		t.Fatalf("expected no response after stop, got %s", msg.Data)
	case <-time.After(300 * time.Millisecond):
	}
}
