package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func testRunner(t *testing.T, bin string, timeout time.Duration) *Runner {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	r, err := NewRunner(bin, nil, "", timeout, logger)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

// fakeAgent writes a shell script standing in for the agent binary.
func fakeAgent(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell fake not available")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewRunnerRequiresBinary(t *testing.T) {
	if _, err := NewRunner("  ", nil, "", time.Second, nil); err == nil {
		t.Fatal("expected error for empty binary")
	}
}

func TestParseValidOutput(t *testing.T) {
	r := testRunner(t, "agent", time.Second)
	res, err := r.parse([]byte(`{"result":"hello","session_id":"sess-1"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Text != "hello" || res.SessionID != "sess-1" || res.IsError {
		t.Errorf("result = %+v", res)
	}
}

func TestParseRejectsBadOutput(t *testing.T) {
	r := testRunner(t, "agent", time.Second)
	cases := map[string]string{
		"empty":             "",
		"not json":          "plain text",
		"missing result":    `{"session_id":"s"}`,
		"missing session":   `{"result":"x"}`,
		"empty session":     `{"result":"x","session_id":""}`,
		"wrong type":        `{"result":42,"session_id":"s"}`,
		"is_error not bool": `{"result":"x","session_id":"s","is_error":"yes"}`,
	}
	for name, out := range cases {
		if _, err := r.parse([]byte(out)); err == nil {
			t.Errorf("%s: expected error for %q", name, out)
		}
	}
}

func TestSetModelTakesEffectOnNextInvoke(t *testing.T) {
	// The fake echoes its arguments back as the result text, so the
	// presence of the --model flag is observable.
	bin := fakeAgent(t, `printf '{"result":"%s","session_id":"s1"}' "$*"`)
	r := testRunner(t, bin, 5*time.Second)

	res, err := r.Invoke(context.Background(), Request{Prompt: "hi", Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if strings.Contains(res.Text, "--model") {
		t.Errorf("default invocation carries a model flag: %q", res.Text)
	}

	r.SetModel("opus")
	if r.Model() != "opus" {
		t.Errorf("Model() = %q, want opus", r.Model())
	}
	res, err = r.Invoke(context.Background(), Request{Prompt: "hi", Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("invoke after switch: %v", err)
	}
	if !strings.Contains(res.Text, "--model opus") {
		t.Errorf("switched invocation missing model flag: %q", res.Text)
	}

	r.SetModel("  ")
	if r.Model() != "" {
		t.Errorf("Model() after reset = %q, want empty", r.Model())
	}
}

func TestInvokeRunsAgentAndParsesResult(t *testing.T) {
	bin := fakeAgent(t, `echo '{"result":"done","session_id":"sess-new"}'`)
	r := testRunner(t, bin, 5*time.Second)

	res, err := r.Invoke(context.Background(), Request{Prompt: "hi", Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Text != "done" || res.SessionID != "sess-new" {
		t.Errorf("result = %+v", res)
	}
}

func TestInvokeTimeoutReturnsErrTimeout(t *testing.T) {
	bin := fakeAgent(t, "sleep 10")
	r := testRunner(t, bin, 100*time.Millisecond)

	start := time.Now()
	_, err := r.Invoke(context.Background(), Request{Prompt: "hi", Workspace: t.TempDir()})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Errorf("timeout took %s, subprocess not terminated promptly", elapsed)
	}
}

func TestInvokeInvalidSessionDetected(t *testing.T) {
	bin := fakeAgent(t, `echo "error: session sess-gone not found" >&2; exit 1`)
	r := testRunner(t, bin, 5*time.Second)

	_, err := r.Invoke(context.Background(), Request{
		Prompt:    "hi",
		SessionID: "sess-gone",
		Workspace: t.TempDir(),
	})
	if !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("err = %v, want ErrSessionInvalid", err)
	}
}

func TestInvokeNonzeroExitSurfacesStderr(t *testing.T) {
	bin := fakeAgent(t, `echo "boom" >&2; exit 3`)
	r := testRunner(t, bin, 5*time.Second)

	_, err := r.Invoke(context.Background(), Request{Prompt: "hi", Workspace: t.TempDir()})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrSilent) || errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("err = %v, want a generic agent error", err)
	}
}

func TestInvokeMalformedOutputIsHardFailure(t *testing.T) {
	bin := fakeAgent(t, `echo 'not json at all'`)
	r := testRunner(t, bin, 5*time.Second)

	if _, err := r.Invoke(context.Background(), Request{Prompt: "hi", Workspace: t.TempDir()}); err == nil {
		t.Fatal("expected error for malformed agent output")
	}
}
