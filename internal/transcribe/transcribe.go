// Package transcribe turns voice notes into text through an external
// speech-to-text command.
package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Transcriber converts an audio file on disk to text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Command runs a configured binary with the audio path appended to its
// arguments and reads the transcript from stdout.
type Command struct {
	bin     string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

func NewCommand(bin string, args []string, logger *slog.Logger) (*Command, error) {
	if strings.TrimSpace(bin) == "" {
		return nil, fmt.Errorf("transcriber binary not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Command{bin: bin, args: args, timeout: 2 * time.Minute, logger: logger}, nil
}

func (c *Command) Transcribe(ctx context.Context, path string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append(append([]string{}, c.args...), path)
	cmd := exec.CommandContext(callCtx, c.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("transcription timed out after %v", c.timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("transcription failed: %s", msg)
	}

	text := strings.TrimSpace(stdout.String())
	if text == "" {
		return "", fmt.Errorf("transcription produced no text")
	}
	c.logger.Info("voice note transcribed", "path", path, "chars", len(text))
	return text, nil
}
