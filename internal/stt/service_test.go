package stt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type failingRecognizer struct{}

func (failingRecognizer) Transcribe(context.Context, []byte, int, int, bool) (TranscriptResult, error) {
	return TranscriptResult{}, errors.New("model unavailable")
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
	}, "stt-test", zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func testConfig() config.STTConfig {
	return config.STTConfig{
		Enabled:        true,
		Mode:           "mock",
		SampleRate:     16000,
		Channels:       1,
		UtteranceMS:    100,
		PartialEveryMS: 10000,
	}
}

func startService(t *testing.T, client *bus.Client, cfg config.STTConfig, rec Recognizer) chan *nats.Msg {
	t.Helper()
	out := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe(protocol.TranscriptionSubject("s1"), out)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	svc := NewService(context.Background(), cfg, client, rec, zerolog.Nop())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy service")
	}
	return out
}

func sendFrame(t *testing.T, client *bus.Client, samples int) {
	t.Helper()
	payload := protocol.AudioPayload{SessionID: "s1", Audio: make([]byte, samples*2), Provider: "mock", SampleRate: 16000}
	if err := client.PublishJSON(protocol.AudioSubject("s1"), payload); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
}

func nextTranscription(t *testing.T, ch chan *nats.Msg) protocol.Transcription {
	t.Helper()
	select {
	case msg := <-ch:
		var tr protocol.Transcription
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return tr
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transcription")
		return protocol.Transcription{}
	}
}

func TestServicePublishesFinalAtUtteranceLength(t *testing.T) {
	client := startBus(t)
	out := startService(t, client, testConfig(), NewMockRecognizer())

	sendFrame(t, client, 1600)

	tr := nextTranscription(t, out)
	if !tr.IsFinal || !tr.SpeechFinal {
		t.Fatalf("expected final transcription, got %+v", tr)
	}
	if tr.Text != "[final transcript 100ms]" {
		t.Fatalf("unexpected text %q", tr.Text)
	}
	if tr.SessionID != "s1" || tr.Provider != "mock" {
		t.Fatalf("unexpected routing fields %+v", tr)
	}
}

func TestServiceFlushesOnStop(t *testing.T) {
	client := startBus(t)
	cfg := testConfig()
	cfg.PublishInterim = true
	out := startService(t, client, cfg, NewMockRecognizer())

	sendFrame(t, client, 800)
	partial := nextTranscription(t, out)
	if partial.IsFinal || partial.Text != "[partial transcript 50ms]" {
		t.Fatalf("expected interim result, got %+v", partial)
	}

	stop := protocol.ControlSignal{Type: protocol.ControlStopTranscription, SessionID: "s1"}
	if err := client.PublishJSON(protocol.ControlSubject(protocol.ControlStopTranscription), stop); err != nil {
		t.Fatalf("publish stop: %v", err)
	}

	final := nextTranscription(t, out)
	if !final.IsFinal || final.Text != "[final transcript 50ms]" {
		t.Fatalf("expected final flush, got %+v", final)
	}
}

func TestServiceReportsRecognizerErrors(t *testing.T) {
	client := startBus(t)
	out := startService(t, client, testConfig(), failingRecognizer{})

	sendFrame(t, client, 1600)

	tr := nextTranscription(t, out)
	if tr.Error == "" || tr.Text != "" {
		t.Fatalf("expected error transcription, got %+v", tr)
	}
}

func TestDisabledServiceIsHealthy(t *testing.T) {
	svc := NewService(context.Background(), config.STTConfig{}, nil, NewMockRecognizer(), zerolog.Nop())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("disabled service should report healthy")
	}
	svc.Close()
}

func TestWritePCMToWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pcm := []byte{0x00, 0x40, 0x00, 0xC0, 0xFF, 0x7F, 0x00, 0x00}
	if err := writePCMToWav(f, pcm, 16000, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	r, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	dec := wav.NewDecoder(r)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []int{16384, -16384, 32767, 0}
	if len(buf.Data) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(buf.Data))
	}
	for i := range want {
		if buf.Data[i] != want[i] {
			t.Fatalf("sample %d: want %d got %d", i, want[i], buf.Data[i])
		}
	}
	if dec.SampleRate != 16000 {
		t.Fatalf("unexpected sample rate %d", dec.SampleRate)
	}
}

func TestWritePCMRejectsOddPayload(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "odd.wav"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := writePCMToWav(f, []byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestNewRecognizerRejectsUnknownMode(t *testing.T) {
	if _, err := NewRecognizer(context.Background(), config.STTConfig{Mode: "cloud9"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := NewRecognizer(context.Background(), config.STTConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected error for empty exec command")
	}
}

func TestServiceFinalizesAfterSilence(t *testing.T) {
	client := startBus(t)
	cfg := testConfig()
	cfg.EndpointMS = 50
	out := startService(t, client, cfg, NewMockRecognizer())

	sendFrame(t, client, 800)

	tr := nextTranscription(t, out)
	if !tr.IsFinal || tr.Text != "[final transcript 50ms]" {
		t.Fatalf("expected endpointed final, got %+v", tr)
	}
}
