package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// Placeholders expanded in stt.command arguments. Without {audio} the staged
// file path is appended as the last argument.
const (
	placeholderAudio    = "{audio}"
	placeholderModel    = "{model}"
	placeholderLanguage = "{language}"
	placeholderRate     = "{rate}"
	placeholderFinal    = "{final}"
)

// execRecognizer stages each utterance as a WAV file and runs a local
// recognizer such as whisper-cli. Output is either a JSON object
// {"text","confidence","speaker"} or plain text.
type execRecognizer struct {
	argv     []string
	model    string
	language string
	mu       sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Speaker    *int    `json:"speaker,omitempty"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	argv, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{argv: argv, model: cfg.ModelPath, language: cfg.Language}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "scribe_utterance_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("stage utterance: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate, channels); err != nil {
		return TranscriptResult{}, err
	}

	args := r.expand(file.Name(), sampleRate, final)
	command := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseExecOutput(stdout.Bytes())
}

func (r *execRecognizer) expand(audioPath string, sampleRate int, final bool) []string {
	replacer := strings.NewReplacer(
		placeholderAudio, audioPath,
		placeholderModel, r.model,
		placeholderLanguage, r.language,
		placeholderRate, strconv.Itoa(sampleRate),
		placeholderFinal, strconv.FormatBool(final),
	)
	args := make([]string, 0, len(r.argv)+1)
	hasAudio := false
	for _, a := range r.argv {
		if strings.Contains(a, placeholderAudio) {
			hasAudio = true
		}
		args = append(args, replacer.Replace(a))
	}
	if !hasAudio {
		args = append(args, audioPath)
	}
	return args
}

// parseExecOutput accepts a leading JSON object or falls back to the trimmed
// text with line breaks folded into spaces.
func parseExecOutput(out []byte) (TranscriptResult, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var resp execResult
		if err := json.NewDecoder(bytes.NewReader(trimmed)).Decode(&resp); err != nil {
			return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
		}
		return TranscriptResult{Text: strings.TrimSpace(resp.Text), Confidence: resp.Confidence, SpeakerTag: resp.Speaker}, nil
	}
	return TranscriptResult{Text: strings.Join(strings.Fields(string(trimmed)), " ")}, nil
}

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
