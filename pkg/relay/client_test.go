package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlshell/nlshell/pkg/actionlog"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	log := actionlog.Open(filepath.Join(t.TempDir(), "actions.json"))
	c := NewClient(serverURL, log)
	c.BackoffUnit = time.Millisecond
	c.Cooldown = 0
	return c
}

func TestExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"output":  "total 0",
			"context": map[string]interface{}{"purpose": "list"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result := c.Execute(context.Background(), "ls -la", "list files")

	require.False(t, result.Failed(), "unexpected failure: %+v", result.Failure)
	assert.Equal(t, "total 0", result.Output)
	assert.Equal(t, "list", result.Context["purpose"])

	recent := c.Log.Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, actionlog.TypeExecutionStart, recent[0].Type)
	assert.Equal(t, actionlog.TypeExecutionSuccess, recent[1].Type)
	assert.Equal(t, "total 0", recent[1].Output)
}

func TestExecuteEmptyCommandNoDispatch(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result := c.Execute(context.Background(), "", "")

	require.True(t, result.Failed())
	assert.Equal(t, ErrorValidation, result.Failure.Type)
	assert.Equal(t, 0, hits, "validation failure must not reach the server")
}

func TestExecuteDenylistedCommandNoDispatch(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result := c.Execute(context.Background(), "rm -rf /tmp", "cleanup")

	require.True(t, result.Failed())
	assert.Equal(t, ErrorValidation, result.Failure.Type)
	assert.Equal(t, 0, hits)

	recent := c.Log.Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, actionlog.StatusError, recent[1].Status)
}

func TestExecuteTimeoutRetriesWithBackoff(t *testing.T) {
	var mu sync.Mutex
	var arrivals []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.Timeout = 20 * time.Millisecond
	c.BackoffUnit = 50 * time.Millisecond

	result := c.Execute(context.Background(), "sleep 5", "")

	require.True(t, result.Failed())
	assert.Equal(t, ErrorTimeout, result.Failure.Type)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, arrivals, DefaultMaxRetries, "expected exactly max_retries attempts")
	// Backoff between attempts is attempt_number * unit: 50ms then 100ms.
	assert.GreaterOrEqual(t, arrivals[1].Sub(arrivals[0]), 50*time.Millisecond)
	assert.GreaterOrEqual(t, arrivals[2].Sub(arrivals[1]), 100*time.Millisecond)
}

func TestExecuteNetworkErrorRetriesThenFails(t *testing.T) {
	// Point at a server that is already closed.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(t, srv.URL)
	result := c.Execute(context.Background(), "ls", "")

	require.True(t, result.Failed())
	assert.Equal(t, ErrorNetwork, result.Failure.Type)
	assert.Equal(t, DefaultMaxRetries, result.Failure.Details["attempt"])
}

func TestExecute503FailsImmediately(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result := c.Execute(context.Background(), "ls", "")

	require.True(t, result.Failed())
	assert.Equal(t, ErrorServer, result.Failure.Type)
	assert.Equal(t, 1, hits, "503 must not be retried")
}

func TestExecuteNonZeroExitIsCommandError(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"sh: nonexistentcommand: not found"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result := c.Execute(context.Background(), "nonexistentcommand", "")

	require.True(t, result.Failed())
	assert.Equal(t, ErrorCommand, result.Failure.Type)
	assert.Contains(t, result.Failure.Details["response"], "not found")
	assert.Equal(t, 1, hits, "command failures must not be retried")
}

func TestExecuteNon200FailsWithBody(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail":"sandbox exploded"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result := c.Execute(context.Background(), "ls", "")

	require.True(t, result.Failed())
	assert.Equal(t, ErrorServer, result.Failure.Type)
	assert.Contains(t, result.Failure.Details["response"], "sandbox exploded")
	assert.Equal(t, 1, hits)
}

func TestExecuteMalformedBodyIsValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[1, 2, 3]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	result := c.Execute(context.Background(), "ls", "")

	require.True(t, result.Failed())
	assert.Equal(t, ErrorValidation, result.Failure.Type)
}

func TestExecuteCooldownSeparatesDispatches(t *testing.T) {
	var mu sync.Mutex
	var arrivals []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		w.Write([]byte(`{"output":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.Cooldown = 100 * time.Millisecond

	for i := 0; i < 2; i++ {
		result := c.Execute(context.Background(), "pwd", "")
		require.False(t, result.Failed())
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, arrivals, 2)
	assert.GreaterOrEqual(t, arrivals[1].Sub(arrivals[0]), 80*time.Millisecond)
}

func TestExecuteContextAccumulates(t *testing.T) {
	var mu sync.Mutex
	var previous []map[string]interface{}
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Command string                 `json:"command"`
			Context map[string]interface{} `json:"context"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		prev, _ := payload.Context["previous_context"].(map[string]interface{})
		previous = append(previous, prev)
		calls++
		n := calls
		mu.Unlock()

		json.NewEncoder(w).Encode(map[string]interface{}{
			"output":  "ok",
			"context": map[string]interface{}{"step": n},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.False(t, c.Execute(context.Background(), "pwd", "first").Failed())
	require.False(t, c.Execute(context.Background(), "pwd", "second").Failed())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, previous, 2)
	assert.Empty(t, previous[0])
	assert.Equal(t, float64(1), previous[1]["step"], "call N context must surface in call N+1's previous_context")
}

type panickingTransport struct{}

func (panickingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	panic("transport blew up")
}

func TestExecuteRecoversFromPanic(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:0")
	c.HTTPClient = &http.Client{Transport: panickingTransport{}}

	result := c.Execute(context.Background(), "ls", "")

	require.True(t, result.Failed())
	assert.Equal(t, ErrorUnknown, result.Failure.Type)
}

func TestExecuteCanceledContextIsLogged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result := c.Execute(ctx, "sleep 5", "")

	require.True(t, result.Failed())
	assert.Equal(t, ErrorTimeout, result.Failure.Type)

	recent := c.Log.Recent(10)
	last := recent[len(recent)-1]
	assert.Equal(t, actionlog.StatusError, last.Status, "canceled attempt must be flagged in the log")
}
