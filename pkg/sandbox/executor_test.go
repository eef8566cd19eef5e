package sandbox

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestExecutorSuccess(t *testing.T) {
	e := &Executor{Timeout: 5 * time.Second}
	res, err := e.Run(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Output, "hello") {
		t.Fatalf("unexpected output: %q", res.Output)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", res.ExitCode)
	}
}

func TestExecutorCombinedOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("combined output test uses sh redirection")
	}
	e := &Executor{Timeout: 5 * time.Second}
	res, err := e.Run(context.Background(), "echo out; echo err 1>&2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Fatalf("expected stderr merged into output, got %q", res.Output)
	}
}

func TestExecutorNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("exit status test uses sh")
	}
	e := &Executor{Timeout: 5 * time.Second}
	_, err := e.Run(context.Background(), "echo broken; exit 3")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 3 {
		t.Fatalf("expected exit code 3, got %d", exitErr.Code)
	}
	if !strings.Contains(exitErr.Output, "broken") {
		t.Fatalf("expected captured output, got %q", exitErr.Output)
	}
}

func TestExecutorTimeout(t *testing.T) {
	cmd := "sleep 1"
	if runtime.GOOS == "windows" {
		cmd = "Start-Sleep -Seconds 1"
	}
	e := &Executor{Timeout: 50 * time.Millisecond}
	start := time.Now()
	_, err := e.Run(context.Background(), cmd)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout did not trigger quickly")
	}
}

func TestExecutorEmptyCommand(t *testing.T) {
	e := &Executor{}
	if _, err := e.Run(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestExecutorOutputCap(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("output cap test uses sh printf")
	}
	e := &Executor{Timeout: 5 * time.Second, MaxOutput: 10}
	res, err := e.Run(context.Background(), "printf '123456789012345'")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Output) != 10 {
		t.Fatalf("expected capped output length 10, got %d", len(res.Output))
	}
}
