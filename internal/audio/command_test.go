package audio

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestCommandSourceStreamsStdout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.raw")
	if err := os.WriteFile(path, []byte{0x00, 0x40, 0x00, 0xC0}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r, err := CommandSource{Command: "cat " + path, Rate: 16000}.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if r.SampleRate() != 16000 {
		t.Fatalf("unexpected rate %d", r.SampleRate())
	}

	var got []float32
	buf := make([]float32, 8)
	for {
		n, err := r.ReadSamples(buf)
		got = append(got, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if len(got) != 2 || got[0] != 0.5 || got[1] != -0.5 {
		t.Fatalf("unexpected samples %v", got)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCommandSourceUnsupported(t *testing.T) {
	tests := []struct {
		name    string
		command string
	}{
		{"empty", ""},
		{"missing binary", "scribe-no-such-capture-tool --raw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CommandSource{Command: tt.command, Rate: 16000}.Open(context.Background())
			if !errors.Is(err, ErrCaptureUnsupported) {
				t.Fatalf("expected ErrCaptureUnsupported, got %v", err)
			}
		})
	}
}

func TestCommandSourceFallsBackToMic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mic.raw")
	if err := os.WriteFile(path, []byte{0x00, 0x00}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	capture := Capture{
		Primary:  CommandSource{Rate: 16000},
		Fallback: CommandSource{Command: "cat " + path, Rate: 16000},
	}
	r, screen, err := capture.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	if screen {
		t.Fatal("expected mic path after unsupported screen capture")
	}
}
