package generate

import (
	"context"
	"fmt"
)

// Command is a generated shell command with its rationale.
type Command struct {
	Command     string `json:"command"`
	Explanation string `json:"explanation"`
}

// Generator maps a natural-language prompt to a candidate shell command.
// A returned error means "no command to execute": the caller must not
// dispatch anything.
type Generator interface {
	Generate(ctx context.Context, prompt string) (*Command, error)
}

// New creates a generator of the given kind.
func New(kind string) (Generator, error) {
	switch kind {
	case "ollama", "":
		return NewOllamaGenerator(), nil
	case "static":
		return &StaticGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown generator kind: %s", kind)
	}
}

// StaticGenerator returns a fixed command, for tests and offline use.
type StaticGenerator struct {
	Command     string
	Explanation string
	Err         error
}

func (g *StaticGenerator) Generate(ctx context.Context, prompt string) (*Command, error) {
	if g.Err != nil {
		return nil, g.Err
	}
	cmd := g.Command
	if cmd == "" {
		cmd = "echo " + prompt
	}
	return &Command{Command: cmd, Explanation: g.Explanation}, nil
}
