package orchestrate

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nlshell/nlshell/pkg/generate"
	"github.com/nlshell/nlshell/pkg/relay"
)

// Stage labels for streamed events.
const (
	StatusGenerating = "Generating command..."
	StatusGenerated  = "Command generated"
	StatusExecuting  = "Executing command..."
	StatusExecuted   = "Command executed"
)

// Event is one intermediate or terminal status update for a unit of
// work. Error is set instead of Status when the stage failed.
type Event struct {
	Status      string         `json:"status,omitempty"`
	Prompt      string         `json:"prompt,omitempty"`
	Command     string         `json:"command,omitempty"`
	Explanation string         `json:"explanation,omitempty"`
	Result      *relay.Result  `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Session drives one caller's prompt -> generate -> execute flow,
// streaming status events to Notify at each stage.
type Session struct {
	ID        string
	Generator generate.Generator
	Relay     *relay.Client
	Notify    func(Event)
	StartedAt time.Time

	logger *slog.Logger
}

// NewSession binds a generator and a relay client to one caller.
func NewSession(gen generate.Generator, client *relay.Client, notify func(Event)) *Session {
	if notify == nil {
		notify = func(Event) {}
	}
	return &Session{
		ID:        uuid.NewString(),
		Generator: gen,
		Relay:     client,
		Notify:    notify,
		StartedAt: time.Now(),
	}
}

// SetLogger attaches a structured logger.
func (s *Session) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Handle runs one unit of work. A generator failure means there is no
// command to execute: nothing is dispatched to the relay.
func (s *Session) Handle(ctx context.Context, prompt string) {
	if prompt == "" {
		s.Notify(Event{Error: "no prompt provided"})
		return
	}

	s.Notify(Event{Status: StatusGenerating, Prompt: prompt})

	cmd, err := s.Generator.Generate(ctx, prompt)
	if err != nil {
		s.logWarn("command generation failed", "session", s.ID, "error", err)
		s.Notify(Event{Error: err.Error(), Details: map[string]any{"prompt": prompt}})
		return
	}

	s.logInfo("command generated", "session", s.ID, "command", cmd.Command)
	s.Notify(Event{Status: StatusGenerated, Command: cmd.Command, Explanation: cmd.Explanation})
	s.Notify(Event{Status: StatusExecuting, Command: cmd.Command})

	result := s.Relay.Execute(ctx, cmd.Command, prompt)
	s.Notify(Event{Status: StatusExecuted, Command: cmd.Command, Result: result})
}

func (s *Session) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Session) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
