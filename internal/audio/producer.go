package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Frame is a fixed-length run of mono samples. Once sent on a channel the
// receiver owns Samples.
type Frame struct {
	Samples    []float32
	SampleRate int
}

// Producer accumulates samples into frames of exactly FrameSize.
type Producer struct {
	FrameSize int
	// FlushOnStop emits a trailing partial frame when the stream ends.
	FlushOnStop bool
}

// Run reads r until EOF or cancellation and closes out when done. A partial
// trailing frame is discarded unless FlushOnStop is set.
func (p Producer) Run(ctx context.Context, r SampleReader, out chan<- Frame) error {
	defer close(out)
	if p.FrameSize <= 0 {
		return fmt.Errorf("frame size must be positive, got %d", p.FrameSize)
	}

	rate := r.SampleRate()
	acc := make([]float32, 0, p.FrameSize)
	scratch := make([]float32, p.FrameSize)

	emit := func() error {
		frame := Frame{Samples: acc, SampleRate: rate}
		select {
		case out <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
		acc = make([]float32, 0, p.FrameSize)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.ReadSamples(scratch[:p.FrameSize-len(acc)])
		acc = append(acc, scratch[:n]...)
		if len(acc) == p.FrameSize {
			if emitErr := emit(); emitErr != nil {
				return emitErr
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return fmt.Errorf("read samples: %w", err)
			}
			if p.FlushOnStop && len(acc) > 0 {
				return emit()
			}
			return nil
		}
	}
}
