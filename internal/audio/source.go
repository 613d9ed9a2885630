// Package audio turns a capture stream into fixed-size frames, shapes and
// encodes them as 16-bit PCM, and ships them over the session channel.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	ErrPermissionDenied   = errors.New("audio capture permission denied")
	ErrNoAudioTrack       = errors.New("no audio track available")
	ErrCaptureUnsupported = errors.New("audio capture unsupported in this environment")
)

// SampleReader yields mono samples in [-1, 1]. ReadSamples returns io.EOF
// once the stream has ended.
type SampleReader interface {
	ReadSamples(dst []float32) (int, error)
	SampleRate() int
	Close() error
}

// Source is a capture device that can be opened for one recording attempt.
type Source interface {
	Open(ctx context.Context) (SampleReader, error)
}

// Capture opens Primary (screen or tab audio) and falls back to the mic-only
// Fallback source only when the primary is unsupported in this environment.
type Capture struct {
	Primary  Source
	Fallback Source
}

// Open reports whether the returned reader is the screen-share path.
func (c Capture) Open(ctx context.Context) (SampleReader, bool, error) {
	if c.Primary == nil {
		if c.Fallback == nil {
			return nil, false, ErrNoAudioTrack
		}
		r, err := c.Fallback.Open(ctx)
		return r, false, err
	}
	r, err := c.Primary.Open(ctx)
	if err == nil {
		return r, true, nil
	}
	if errors.Is(err, ErrCaptureUnsupported) && c.Fallback != nil {
		r, ferr := c.Fallback.Open(ctx)
		if ferr != nil {
			return nil, false, fmt.Errorf("mic fallback after %v: %w", err, ferr)
		}
		return r, false, nil
	}
	return nil, false, err
}

// WAVSource reads a PCM WAV file and downmixes it to mono.
type WAVSource struct {
	Path string
}

func (s WAVSource) Open(ctx context.Context) (SampleReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("%s: %w", s.Path, ErrPermissionDenied)
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%s: %w", s.Path, ErrNoAudioTrack)
		}
		return nil, fmt.Errorf("open %s: %w", s.Path, err)
	}
	return newWAVReader(f)
}

type wavReader struct {
	file     *os.File
	dec      *wav.Decoder
	buf      *goaudio.IntBuffer
	channels int
	scale    float32
	pending  []float32
}

func newWAVReader(f *os.File) (*wavReader, error) {
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%s is not a valid wav file: %w", f.Name(), ErrNoAudioTrack)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek wav data: %w", err)
	}
	switch dec.BitDepth {
	case 16, 24, 32:
	default:
		f.Close()
		return nil, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		f.Close()
		return nil, ErrNoAudioTrack
	}
	return &wavReader{
		file:     f,
		dec:      dec,
		channels: channels,
		scale:    float32(int64(1) << (dec.BitDepth - 1)),
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: channels, SampleRate: int(dec.SampleRate)},
			Data:   make([]int, 4096*channels),
		},
	}, nil
}

func (r *wavReader) ReadSamples(dst []float32) (int, error) {
	if len(r.pending) == 0 {
		n, err := r.dec.PCMBuffer(r.buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("decode wav: %w", err)
		}
		if n == 0 {
			return 0, io.EOF
		}
		frames := n / r.channels
		r.pending = r.pending[:0]
		for i := 0; i < frames; i++ {
			var sum int
			for c := 0; c < r.channels; c++ {
				sum += r.buf.Data[i*r.channels+c]
			}
			r.pending = append(r.pending, float32(sum)/float32(r.channels)/r.scale)
		}
	}
	n := copy(dst, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func (r *wavReader) SampleRate() int { return int(r.dec.SampleRate) }

func (r *wavReader) Close() error { return r.file.Close() }

// RawPCMSource reads headerless mono s16le audio, e.g. `arecord -f S16_LE`
// piped through stdin.
type RawPCMSource struct {
	Reader io.Reader
	Rate   int
}

func (s RawPCMSource) Open(ctx context.Context) (SampleReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Reader == nil {
		return nil, ErrNoAudioTrack
	}
	return &rawReader{r: s.Reader, rate: s.Rate}, nil
}

type rawReader struct {
	r       io.Reader
	rate    int
	scratch []byte
}

func (r *rawReader) ReadSamples(dst []float32) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	need := len(dst) * 2
	if cap(r.scratch) < need {
		r.scratch = make([]byte, need)
	}
	buf := r.scratch[:need]
	n, err := io.ReadAtLeast(r.r, buf, 2)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, io.EOF
		}
		return 0, err
	}
	if n%2 == 1 {
		if _, err := io.ReadFull(r.r, buf[n:n+1]); err == nil {
			n++
		}
	}
	samples := n / 2
	for i := 0; i < samples; i++ {
		v := int16(binary.LittleEndian.Uint16(buf[i*2:]))
		dst[i] = float32(v) / 32768
	}
	return samples, nil
}

func (r *rawReader) SampleRate() int { return r.rate }

func (r *rawReader) Close() error {
	if c, ok := r.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
