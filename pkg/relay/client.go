package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nlshell/nlshell/pkg/actionlog"
)

// Defaults for the dispatch path.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultCooldown   = 100 * time.Millisecond
)

// DefaultDenylist holds known-destructive command substrings. The match
// is a best-effort, case-insensitive substring check; the sandbox
// boundary is the real trust boundary.
var DefaultDenylist = []string{"rm -rf", "mkfs", "dd", ":(){ :|:& };:"}

// Client mediates between a caller and the relay server: it validates,
// throttles, retries, and forwards commands, recording every attempt to
// the action log. A single Client serializes its own dispatch path, so
// concurrent callers never burst faster than one dispatch per cooldown.
type Client struct {
	ServerURL   string
	Timeout     time.Duration
	MaxRetries  int
	Cooldown    time.Duration
	BackoffUnit time.Duration
	Denylist    []string
	HTTPClient  *http.Client
	Log         *actionlog.Log

	logger *slog.Logger

	mu           sync.Mutex
	lastDispatch time.Time
	context      map[string]interface{}
}

// NewClient returns a client with the default timeout, retry, cooldown,
// and denylist settings.
func NewClient(serverURL string, log *actionlog.Log) *Client {
	return &Client{
		ServerURL:   strings.TrimRight(serverURL, "/"),
		Timeout:     DefaultTimeout,
		MaxRetries:  DefaultMaxRetries,
		Cooldown:    DefaultCooldown,
		BackoffUnit: time.Second,
		Denylist:    DefaultDenylist,
		HTTPClient:  &http.Client{},
		Log:         log,
		context:     make(map[string]interface{}),
	}
}

// SetLogger attaches a structured logger for dispatch diagnostics.
func (c *Client) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

// Execute runs command through the relay server and resolves to exactly
// one Result. No fault crosses this boundary: every failure mode is
// normalized into a typed Failure and logged.
func (c *Client) Execute(ctx context.Context, command, purpose string) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			result = c.fail(command, ErrorUnknown,
				fmt.Sprintf("unexpected error: %v", r),
				map[string]interface{}{"command": command})
		}
	}()

	c.logAction(actionlog.Action{
		Type:      actionlog.TypeExecutionStart,
		Command:   command,
		Status:    actionlog.StatusSuccess,
		Prompt:    purpose,
		Reasoning: "Executing command through relay",
	})

	if failure := c.validate(command); failure != nil {
		return c.failWith(command, failure)
	}

	if err := c.waitCooldown(ctx); err != nil {
		return c.canceled(command, err)
	}

	payload := map[string]interface{}{
		"command": command,
		"context": map[string]interface{}{
			"purpose":          purpose,
			"previous_context": c.contextSnapshot(),
			"timestamp":        time.Now().Unix(),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return c.fail(command, ErrorUnknown,
			fmt.Sprintf("unexpected error: %v", err),
			map[string]interface{}{"command": command})
	}

	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, retry, err := c.dispatch(ctx, command, body, attempt)
		if !retry {
			return result
		}

		if attempt == maxRetries {
			kind := ErrorNetwork
			msg := fmt.Sprintf("failed to communicate with relay server: %v", err)
			if isTimeout(err) {
				kind = ErrorTimeout
				msg = fmt.Sprintf("command timed out after %v", c.timeout())
			}
			return c.fail(command, kind, msg,
				map[string]interface{}{"command": command, "attempt": attempt})
		}

		c.logDebug("retrying dispatch", "command", command, "attempt", attempt, "error", err)
		backoff := time.Duration(attempt) * c.backoffUnit()
		select {
		case <-ctx.Done():
			return c.canceled(command, ctx.Err())
		case <-time.After(backoff):
		}
	}

	// Unreachable: the loop always returns on its final attempt.
	return c.fail(command, ErrorUnknown, "dispatch loop exited without result", nil)
}

// dispatch performs one attempt. retry is true only for transport-level
// failures; any returned Result is terminal.
func (c *Client) dispatch(ctx context.Context, command string, body []byte, attempt int) (*Result, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.ServerURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return c.fail(command, ErrorUnknown,
			fmt.Sprintf("unexpected error: %v", err),
			map[string]interface{}{"command": command}), false, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return c.canceled(command, ctx.Err()), false, nil
		}
		return nil, true, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return c.canceled(command, ctx.Err()), false, nil
		}
		return nil, true, err
	}

	if resp.StatusCode == http.StatusServiceUnavailable {
		return c.fail(command, ErrorServer, "server is temporarily unavailable",
			map[string]interface{}{"status_code": resp.StatusCode}), false, nil
	}
	// 400 is the sandbox's "command exited non-zero" signal, passed
	// through by the relay hop with the captured output as detail.
	if resp.StatusCode == http.StatusBadRequest {
		return c.fail(command, ErrorCommand, "command failed",
			map[string]interface{}{"response": string(respBody), "status_code": resp.StatusCode}), false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return c.fail(command, ErrorServer,
			fmt.Sprintf("server error: %d", resp.StatusCode),
			map[string]interface{}{"response": string(respBody)}), false, nil
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return c.fail(command, ErrorValidation, "invalid response format from server",
			map[string]interface{}{"response": string(respBody)}), false, nil
	}

	output, _ := parsed["output"].(string)
	returnedCtx, _ := parsed["context"].(map[string]interface{})
	c.mergeContext(returnedCtx)

	c.logAction(actionlog.Action{
		Type:    actionlog.TypeExecutionSuccess,
		Command: command,
		Status:  actionlog.StatusSuccess,
		Output:  output,
		Details: map[string]interface{}{"context": returnedCtx},
	})
	c.logDebug("command executed", "command", command, "attempt", attempt)

	return &Result{Output: output, Context: returnedCtx}, false, nil
}

// validate rejects empty and denylisted commands before any dispatch.
func (c *Client) validate(command string) *Failure {
	if command == "" {
		return &Failure{
			Message: "command must be a non-empty string",
			Type:    ErrorValidation,
			Details: map[string]interface{}{"command": command},
		}
	}
	lower := strings.ToLower(command)
	for _, pattern := range c.Denylist {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return &Failure{
				Message: "potentially dangerous command detected",
				Type:    ErrorValidation,
				Details: map[string]interface{}{"command": command, "pattern": pattern},
			}
		}
	}
	return nil
}

// waitCooldown blocks until at least Cooldown has elapsed since the last
// dispatch from this client, then stamps the new dispatch time. The lock
// is held across the wait so concurrent callers are serialized.
func (c *Client) waitCooldown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cooldown := c.Cooldown
	if cooldown < 0 {
		cooldown = 0
	}
	if wait := cooldown - time.Since(c.lastDispatch); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	c.lastDispatch = time.Now()
	return nil
}

// Context returns a copy of the accumulated context. Merges from
// concurrent executions are last-write-wins.
func (c *Client) Context() map[string]interface{} {
	return c.contextSnapshot()
}

func (c *Client) contextSnapshot() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]interface{}, len(c.context))
	for k, v := range c.context {
		out[k] = v
	}
	return out
}

func (c *Client) mergeContext(updates map[string]interface{}) {
	if len(updates) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.context == nil {
		c.context = make(map[string]interface{})
	}
	for k, v := range updates {
		c.context[k] = v
	}
}

// canceled resolves an abandoned execution. The attempt is still logged
// as an error outcome so the audit trail stays complete.
func (c *Client) canceled(command string, err error) *Result {
	kind := ErrorUnknown
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrorTimeout
	}
	return c.fail(command, kind, fmt.Sprintf("execution canceled: %v", err),
		map[string]interface{}{"command": command})
}

func (c *Client) fail(command string, kind ErrorType, message string, details map[string]interface{}) *Result {
	return c.failWith(command, &Failure{Message: message, Type: kind, Details: details})
}

func (c *Client) failWith(command string, failure *Failure) *Result {
	c.logAction(actionlog.Action{
		Type:    actionlog.TypeExecutionError,
		Command: command,
		Status:  actionlog.StatusError,
		Error:   failure.Message,
		Details: failure.Details,
	})
	c.logDebug("command failed", "command", command, "error_type", string(failure.Type), "error", failure.Message)
	return &Result{Failure: failure}
}

func (c *Client) logAction(action actionlog.Action) {
	if c.Log == nil {
		return
	}
	if err := c.Log.Append(action); err != nil && c.logger != nil {
		c.logger.Error("action log append failed", "error", err)
	}
}

func (c *Client) logDebug(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c *Client) backoffUnit() time.Duration {
	if c.BackoffUnit > 0 {
		return c.BackoffUnit
	}
	return time.Second
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
