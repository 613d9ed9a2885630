package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/analysis"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/session"
)

// ReplayTarget is a session that can be driven through one recording.
type ReplayTarget interface {
	SessionAPI
	CaptureDone() <-chan struct{}
}

type ReplayResult struct {
	Transcript string           `json:"transcript"`
	Blocks     []analysis.Entry `json:"blocks"`
}

// Replay records a WAV file as mic input, waits settle for trailing
// transcripts and analyses, captures the export, then stops the session.
func Replay(ctx context.Context, target ReplayTarget, path, provider string, settle time.Duration) (ReplayResult, error) {
	if err := waitForSession(ctx, target); err != nil {
		return ReplayResult{}, err
	}
	if err := target.Do(ctx, session.SessionControl{Action: session.ActionSelectProvider, Provider: provider}); err != nil {
		return ReplayResult{}, fmt.Errorf("select provider: %w", err)
	}
	capture := audio.Capture{Fallback: audio.WAVSource{Path: path}}
	if err := target.Do(ctx, session.SessionControl{Action: session.ActionStart, Capture: capture}); err != nil {
		return ReplayResult{}, err
	}

	select {
	case <-target.CaptureDone():
	case <-ctx.Done():
		return ReplayResult{}, ctx.Err()
	}
	select {
	case <-time.After(settle):
	case <-ctx.Done():
		return ReplayResult{}, ctx.Err()
	}

	var result ReplayResult
	snap, err := target.Snapshot()
	if err != nil {
		return result, err
	}
	result.Blocks = snap.History
	if result.Transcript, err = target.Export(); err != nil {
		return result, err
	}
	if snap.LastError != "" {
		err = fmt.Errorf("replay: %s", snap.LastError)
	}
	if stopErr := target.Do(ctx, session.SessionControl{Action: session.ActionStop}); stopErr != nil {
		err = errors.Join(err, fmt.Errorf("stop: %w", stopErr))
	}
	return result, err
}

func waitForSession(ctx context.Context, target SessionAPI) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		_, err := target.Snapshot()
		if err == nil {
			return nil
		}
		if !errors.Is(err, session.ErrNoSession) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for session identity: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
