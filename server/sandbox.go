package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nlshell/nlshell/pkg/sandbox"
)

const httpShutdownTimeout = 5 * time.Second

// commandRequest is the body accepted by both hops.
type commandRequest struct {
	Command string                 `json:"command"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// errorResponse mirrors the sandbox wire contract: failures carry a
// human-readable detail string.
type errorResponse struct {
	Detail string `json:"detail"`
}

// SandboxServer exposes the shell executor over HTTP: POST /run runs one
// command under the executor's timeout and returns its combined output.
type SandboxServer struct {
	executor *sandbox.Executor
	logger   *slog.Logger
}

// NewSandboxServer wraps executor in an HTTP handler.
func NewSandboxServer(executor *sandbox.Executor) *SandboxServer {
	return &SandboxServer{executor: executor}
}

// SetLogger attaches a structured logger.
func (s *SandboxServer) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

func (s *SandboxServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/":
		writeJSON(w, http.StatusOK, map[string]string{"status": "sandbox ready"})
	case r.Method == http.MethodPost && r.URL.Path == "/run":
		s.handleRun(w, r)
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Detail: "not found"})
	}
}

func (s *SandboxServer) handleRun(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "invalid request body"})
		return
	}

	result, err := s.executor.Run(r.Context(), req.Command)
	if err != nil {
		var exitErr *sandbox.ExitError
		switch {
		case errors.As(err, &exitErr):
			s.logWarn("command failed", "command", req.Command, "exit_code", exitErr.Code)
			writeJSON(w, http.StatusBadRequest, errorResponse{Detail: exitErr.Output})
		case errors.Is(err, sandbox.ErrTimeout):
			s.logWarn("command timed out", "command", req.Command)
			writeJSON(w, http.StatusRequestTimeout, errorResponse{Detail: "command timeout"})
		default:
			s.logError("command error", "command", req.Command, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: err.Error()})
		}
		return
	}

	s.logInfo("command executed", "command", req.Command)
	writeJSON(w, http.StatusOK, map[string]string{"output": result.Output})
}

func (s *SandboxServer) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *SandboxServer) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func (s *SandboxServer) logError(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}

// Start serves handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
