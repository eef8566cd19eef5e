package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

const commandPrompt = `You are a command generator. Your task is to convert user requests into shell commands.

IMPORTANT: Respond with ONLY a JSON object. No other text, no thoughts, no explanations.
The response must be a valid JSON object with exactly these fields:
- command: the shell command to execute
- explanation: a brief explanation of what the command does

Example response:
{"command": "ls -la", "explanation": "Lists all files including hidden ones with detailed information"}

User request: %s

Response:`

// OllamaGenerator produces commands with a local Ollama server.
type OllamaGenerator struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaGenerator constructs a generator backed by a local LLM,
// honouring OLLAMA_HOST and OLLAMA_MODEL.
func NewOllamaGenerator() *OllamaGenerator {
	baseURL := os.Getenv("OLLAMA_HOST")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		model = "qwen3:0.6b"
	}
	return &OllamaGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// NewOllamaGeneratorAt targets a specific server and model.
func NewOllamaGeneratorAt(baseURL, model string) *OllamaGenerator {
	g := NewOllamaGenerator()
	if baseURL != "" {
		g.baseURL = strings.TrimRight(baseURL, "/")
	}
	if model != "" {
		g.model = model
	}
	return g
}

// Generate asks the model for a command and parses its reply. Models
// often wrap the JSON object in commentary, so the last {...} span is
// extracted first; if no JSON parses, the reply is scanned for a line
// that looks like a bare command.
func (g *OllamaGenerator) Generate(ctx context.Context, prompt string) (*Command, error) {
	body := map[string]interface{}{
		"model":  g.model,
		"prompt": fmt.Sprintf(commandPrompt, prompt),
		"stream": false,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error: %s", resp.Status)
	}

	var result struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return parseReply(result.Response)
}

func parseReply(reply string) (*Command, error) {
	text := strings.TrimSpace(reply)

	if span := lastJSONObject(text); span != "" {
		var cmd Command
		if err := json.Unmarshal([]byte(span), &cmd); err == nil {
			cmd.Command = strings.TrimSpace(cmd.Command)
			cmd.Explanation = strings.TrimSpace(cmd.Explanation)
			if cmd.Command == "" {
				return nil, fmt.Errorf("no command found in response")
			}
			return &cmd, nil
		}
	}

	// Fallback: look for a line that plausibly is the command itself.
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || looksLikeProse(line) {
			continue
		}
		return &Command{Command: line, Explanation: "Command extracted from response"}, nil
	}

	return nil, fmt.Errorf("could not extract command from response")
}

// lastJSONObject returns the last {...} span in text, or "".
func lastJSONObject(text string) string {
	start := strings.LastIndex(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

var prosePrefixes = []string{"{", "[", "<", "think", "Thought", "Okay", "Let", "I", "The"}

func looksLikeProse(line string) bool {
	for _, prefix := range prosePrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
