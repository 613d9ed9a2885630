package audio

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sender is the outbound half of the session channel used for audio.
type Sender interface {
	SendAudio(ctx context.Context, payload protocol.AudioPayload) error
}

// Telemetry counts what the uplink has sent. Safe for concurrent use.
type Telemetry struct {
	bytes  atomic.Uint64
	frames atomic.Uint64
}

type TelemetrySnapshot struct {
	Bytes  uint64 `json:"bytes"`
	Frames uint64 `json:"frames"`
}

func (t *Telemetry) Snapshot() TelemetrySnapshot {
	return TelemetrySnapshot{Bytes: t.bytes.Load(), Frames: t.frames.Load()}
}

func (t *Telemetry) record(n int) {
	t.bytes.Add(uint64(n))
	t.frames.Add(1)
}

// Uplink encodes each frame and sends it immediately, tagged with the session
// id and provider selection. There is no retry.
type Uplink struct {
	Sender        Sender
	Encoder       Encoder
	SessionID     string
	Provider      string
	IsScreenShare bool
	Telemetry     *Telemetry
	Logger        zerolog.Logger

	bytesCounter  metric.Int64Counter
	framesCounter metric.Int64Counter
}

func NewUplink(sender Sender, enc Encoder, sessionID, provider string, screen bool, tel *Telemetry, logger zerolog.Logger) *Uplink {
	if tel == nil {
		tel = &Telemetry{}
	}
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/internal/audio")
	bytesCounter, _ := meter.Int64Counter("scribe.uplink.bytes",
		metric.WithDescription("PCM bytes sent to the recognizer"), metric.WithUnit("By"))
	framesCounter, _ := meter.Int64Counter("scribe.uplink.frames",
		metric.WithDescription("PCM frames sent to the recognizer"))
	return &Uplink{
		Sender:        sender,
		Encoder:       enc,
		SessionID:     sessionID,
		Provider:      provider,
		IsScreenShare: screen,
		Telemetry:     tel,
		Logger:        logger,
		bytesCounter:  bytesCounter,
		framesCounter: framesCounter,
	}
}

// Run drains frames until the channel closes. The first send failure ends the
// run and is returned to the caller as a session error.
func (u *Uplink) Run(ctx context.Context, frames <-chan Frame) error {
	attrs := metric.WithAttributes(
		attribute.String("provider", u.Provider),
		attribute.Bool("screen_share", u.IsScreenShare),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			pcm := u.Encoder.Encode(frame)
			payload := protocol.AudioPayload{
				SessionID:     u.SessionID,
				Audio:         pcm,
				IsScreenShare: u.IsScreenShare,
				Provider:      u.Provider,
				SampleRate:    frame.SampleRate,
			}
			if err := u.Sender.SendAudio(ctx, payload); err != nil {
				return fmt.Errorf("send audio frame: %w", err)
			}
			u.Telemetry.record(len(pcm))
			if u.bytesCounter != nil {
				u.bytesCounter.Add(ctx, int64(len(pcm)), attrs)
				u.framesCounter.Add(ctx, 1, attrs)
			}
			u.Logger.Debug().Int("bytes", len(pcm)).Msg("audio frame sent")
		}
	}
}
