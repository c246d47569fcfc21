// Package agent invokes the external AI agent binary as a subprocess.
// The agent's reasoning is opaque: it accepts a prompt plus an optional
// session id to resume, and returns a structured JSON result.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/tether/internal/workspace"
)

// Request is one agent invocation. The prompt travels on stdin as JSON,
// never as a command-line argument, so user content does not leak into
// process listings.
type Request struct {
	Prompt     string `json:"prompt"`
	SessionID  string `json:"session_id,omitempty"` // resume handle; empty starts fresh
	Privileged bool   `json:"-"`
	Workspace  string `json:"-"`
	ThreadID   int64  `json:"-"`
}

// Result is the agent's structured output.
type Result struct {
	Text      string `json:"result"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Invoker abstracts the agent call so the router can be tested with a fake.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

var (
	// ErrTimeout is a recoverable failure: the subprocess exceeded the
	// wall-clock budget and was terminated. Session state is untouched.
	ErrTimeout = errors.New("agent did not respond in time")
	// ErrSilent means the agent was killed by SIGTERM, which happens
	// during a controlled restart; nothing should be reported to the user.
	ErrSilent = errors.New("agent terminated by restart")
	// ErrSessionInvalid means the agent rejected the resume handle; the
	// caller should rotate the session and retry fresh.
	ErrSessionInvalid = errors.New("agent rejected session id")
)

// resultSchema constrains the agent's stdout. Malformed output is a hard
// failure, never silently passed through.
const resultSchema = `{
	"type": "object",
	"required": ["result", "session_id"],
	"properties": {
		"result": {"type": "string"},
		"session_id": {"type": "string", "minLength": 1},
		"is_error": {"type": "boolean"}
	}
}`

// Runner runs the configured agent binary with a bounded timeout.
type Runner struct {
	bin     string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
	schema  *jsonschema.Schema

	// The model can be switched at runtime via /model while calls are
	// in flight, so access goes through the mutex.
	mu    sync.RWMutex
	model string
}

// Model returns the model override in effect, empty for the binary's
// default.
func (r *Runner) Model() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.model
}

// SetModel changes the model for subsequent invocations. Empty resets
// to the binary's default.
func (r *Runner) SetModel(model string) {
	r.mu.Lock()
	r.model = strings.TrimSpace(model)
	r.mu.Unlock()
}

func NewRunner(bin string, args []string, model string, timeout time.Duration, logger *slog.Logger) (*Runner, error) {
	if strings.TrimSpace(bin) == "" {
		return nil, fmt.Errorf("agent binary not configured")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(resultSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal result schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("result.json", doc); err != nil {
		return nil, fmt.Errorf("add result schema: %w", err)
	}
	schema, err := c.Compile("result.json")
	if err != nil {
		return nil, fmt.Errorf("compile result schema: %w", err)
	}
	return &Runner{
		bin:     bin,
		args:    args,
		model:   model,
		timeout: timeout,
		logger:  logger,
		schema:  schema,
	}, nil
}

// Invoke runs one agent call. On timeout the subprocess is terminated
// and ErrTimeout is returned within timeout + a small grace.
func (r *Runner) Invoke(ctx context.Context, req Request) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := append([]string{}, r.args...)
	args = append(args, "--output-format", "json")
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if model := r.Model(); model != "" {
		args = append(args, "--model", model)
	}

	stdin, err := json.Marshal(struct {
		Prompt string `json:"prompt"`
	}{Prompt: req.Prompt})
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}

	cmd := exec.CommandContext(callCtx, r.bin, args...)
	cmd.Dir = req.Workspace
	cmd.Env = workspace.BuildEnv(req.Privileged, req.Workspace, req.ThreadID)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if callCtx.Err() == context.DeadlineExceeded {
		r.logger.Error("agent call timed out", "timeout", r.timeout, "session_id", req.SessionID)
		return nil, ErrTimeout
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() && status.Signal() == syscall.SIGTERM {
				// SIGTERM during a controlled restart is not a real error.
				r.logger.Info("agent killed by SIGTERM (likely service restart)")
				return nil, ErrSilent
			}
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = "unknown error"
			}
			if req.SessionID != "" && strings.Contains(strings.ToLower(msg), "session") && strings.Contains(strings.ToLower(msg), "not found") {
				return nil, ErrSessionInvalid
			}
			r.logger.Error("agent exited nonzero", "exit_code", exitErr.ExitCode(), "stderr", msg)
			return nil, fmt.Errorf("agent error (exit %d): %s", exitErr.ExitCode(), msg)
		}
		return nil, fmt.Errorf("run agent: %w", runErr)
	}

	res, err := r.parse(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	r.logger.Info("agent call complete",
		"session_id", res.SessionID,
		"duration", elapsed.Round(time.Millisecond),
		"result_len", len(res.Text),
	)
	return res, nil
}

func (r *Runner) parse(out []byte) (*Result, error) {
	raw := strings.TrimSpace(string(out))
	if raw == "" {
		return nil, fmt.Errorf("agent returned empty output")
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("agent returned non-JSON output: %w", err)
	}
	if err := r.schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("agent output failed validation: %w", err)
	}
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("decode agent output: %w", err)
	}
	return &res, nil
}
