package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"time"
)

// ErrTimeout reports that a command exceeded the executor's wall-clock
// timeout before completing.
var ErrTimeout = errors.New("command timeout")

// ExitError reports a command that ran to completion with a non-zero
// exit status. Output holds whatever the command wrote before exiting.
type ExitError struct {
	Output string
	Code   int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.Code)
}

// RunResult is the outcome of one completed command.
type RunResult struct {
	Output   string
	ExitCode int
}

// Executor runs one shell command under a hard timeout, capturing
// combined stdout and stderr into a single capped buffer.
type Executor struct {
	Timeout   time.Duration
	MaxOutput int
}

// DefaultTimeout bounds sandbox command execution.
const DefaultTimeout = 10 * time.Second

// Run executes command through the system shell. It returns ErrTimeout
// when the deadline expires and *ExitError (with captured output) on a
// non-zero exit.
func (e *Executor) Run(ctx context.Context, command string) (*RunResult, error) {
	if command == "" {
		return nil, errors.New("command is required")
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := shellCommand(command)
	cmd := exec.CommandContext(ctx, shell.Path, shell.Args[1:]...)

	combined := &limitedBuffer{limit: e.MaxOutput}
	cmd.Stdout = combined
	cmd.Stderr = combined

	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExitError{Output: combined.String(), Code: exitErr.ExitCode()}
		}
		return nil, err
	}

	return &RunResult{Output: combined.String(), ExitCode: 0}, nil
}

func shellCommand(command string) *exec.Cmd {
	switch runtime.GOOS {
	case "windows":
		return exec.Command("powershell", "-NoProfile", "-NonInteractive", "-Command", command)
	default:
		return exec.Command("sh", "-c", command)
	}
}

type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if l.limit <= 0 {
		return l.buf.Write(p)
	}
	remaining := l.limit - l.buf.Len()
	if remaining <= 0 {
		l.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		l.truncated = true
		_, _ = l.buf.Write(p[:remaining])
		return len(p), nil
	}
	return l.buf.Write(p)
}

func (l *limitedBuffer) String() string {
	return l.buf.String()
}

var _ io.Writer = (*limitedBuffer)(nil)
