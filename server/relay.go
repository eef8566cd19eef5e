package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nlshell/nlshell/pkg/actionlog"
)

// RelayServer is the intermediate hop: POST /execute forwards a command
// to the sandbox /run endpoint, merges the caller's context into the
// response, and records every decision to the action log.
type RelayServer struct {
	sandboxURL string
	log        *actionlog.Log
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRelayServer builds a relay hop forwarding to sandboxURL.
func NewRelayServer(sandboxURL string, log *actionlog.Log) *RelayServer {
	return &RelayServer{
		sandboxURL: strings.TrimRight(sandboxURL, "/"),
		log:        log,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetLogger attaches a structured logger.
func (s *RelayServer) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetHTTPClient overrides the client used to reach the sandbox.
func (s *RelayServer) SetHTTPClient(client *http.Client) {
	s.httpClient = client
}

func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/":
		writeJSON(w, http.StatusOK, map[string]string{"status": "relay ready"})
	case r.Method == http.MethodPost && r.URL.Path == "/execute":
		s.handleExecute(w, r)
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Detail: "not found"})
	}
}

func (s *RelayServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "invalid request body"})
		return
	}

	requestID := uuid.NewString()
	s.logAction(actionlog.Action{
		Type:      actionlog.TypeRelayStart,
		Command:   req.Command,
		Status:    actionlog.StatusSuccess,
		Reasoning: "Command received from caller",
		Context:   req.Context,
		Extra:     map[string]interface{}{"request_id": requestID},
	})

	body, err := json.Marshal(map[string]string{"command": req.Command})
	if err != nil {
		s.failExecute(w, req, requestID, http.StatusInternalServerError, err.Error())
		return
	}

	forward, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.sandboxURL+"/run", bytes.NewReader(body))
	if err != nil {
		s.failExecute(w, req, requestID, http.StatusInternalServerError, err.Error())
		return
	}
	forward.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(forward)
	if err != nil {
		s.failExecute(w, req, requestID, http.StatusInternalServerError,
			fmt.Sprintf("failed to communicate with sandbox: %v", err))
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.failExecute(w, req, requestID, http.StatusInternalServerError,
			fmt.Sprintf("failed to read sandbox response: %v", err))
		return
	}

	if resp.StatusCode != http.StatusOK {
		detail := sandboxDetail(respBody)
		s.failExecute(w, req, requestID, resp.StatusCode, "sandbox error: "+detail)
		return
	}

	var result map[string]interface{}
	if err := json.Unmarshal(respBody, &result); err != nil {
		s.failExecute(w, req, requestID, http.StatusInternalServerError,
			"invalid sandbox response")
		return
	}

	if req.Context != nil {
		result["context"] = req.Context
	}
	output, _ := result["output"].(string)

	s.logAction(actionlog.Action{
		Type:    actionlog.TypeRelaySuccess,
		Command: req.Command,
		Status:  actionlog.StatusSuccess,
		Output:  output,
		Context: req.Context,
		Extra:   map[string]interface{}{"request_id": requestID},
	})
	s.logInfo("command relayed", "command", req.Command, "request_id", requestID)

	writeJSON(w, http.StatusOK, result)
}

func (s *RelayServer) failExecute(w http.ResponseWriter, req commandRequest, requestID string, status int, detail string) {
	s.logAction(actionlog.Action{
		Type:    actionlog.TypeRelayError,
		Command: req.Command,
		Status:  actionlog.StatusError,
		Error:   detail,
		Context: req.Context,
		Extra:   map[string]interface{}{"request_id": requestID},
	})
	s.logWarn("relay failure", "command", req.Command, "status", status, "detail", detail)
	writeJSON(w, status, errorResponse{Detail: detail})
}

// sandboxDetail extracts the detail string from a sandbox error body,
// falling back to the raw body.
func sandboxDetail(body []byte) string {
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return string(body)
}

func (s *RelayServer) logAction(action actionlog.Action) {
	if s.log == nil {
		return
	}
	if err := s.log.Append(action); err != nil && s.logger != nil {
		s.logger.Error("action log append failed", "error", err)
	}
}

func (s *RelayServer) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *RelayServer) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
