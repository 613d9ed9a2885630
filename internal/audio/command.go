package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// CommandSource runs a capture program (arecord, ffmpeg, parec...) that
// writes headerless mono s16le at Rate to stdout. An empty Command is
// reported as unsupported.
type CommandSource struct {
	Command string
	Rate    int
}

func (s CommandSource) Open(ctx context.Context) (SampleReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Command == "" {
		return nil, ErrCaptureUnsupported
	}
	args, err := shellwords.Parse(s.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, ErrCaptureUnsupported
	}

	// not tied to ctx: the process lives until the reader is closed
	cmd := exec.Command(args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		switch {
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%s: %w", args[0], ErrCaptureUnsupported)
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("%s: %w", args[0], ErrPermissionDenied)
		}
		return nil, fmt.Errorf("start capture command: %w", err)
	}
	return &commandReader{
		rawReader: rawReader{r: stdout, rate: s.Rate},
		cmd:       cmd,
		stdout:    stdout,
	}, nil
}

type commandReader struct {
	rawReader
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
	err    error
}

func (r *commandReader) Close() error {
	r.once.Do(func() {
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		_ = r.stdout.Close()
		if err := r.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				r.err = err
			}
		}
	})
	return r.err
}
