// Package vertexai adapts Google's Vertex AI Gemini SDK to the narrowed
// llm.Client contract: a single-turn chat per Complete call, with no
// conversational state kept between calls.
package vertexai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"google.golang.org/genai"

	"github.com/amcp-mesh/orchestrator/internal/llm"
)

// Config holds Vertex AI project/location/model selection.
type Config struct {
	Project  string
	Location string
	Model    string
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// NewConfigFromEnv builds a Config from GCP_PROJECT / GCP_LOCATION /
// VERTEX_AI_MODEL, matching internal/config's env-driven configuration
// convention.
func NewConfigFromEnv() *Config {
	return &Config{
		Project:  getEnvOrDefault("GCP_PROJECT", "your-project"),
		Location: getEnvOrDefault("GCP_LOCATION", "us-central1"),
		Model:    getEnvOrDefault("VERTEX_AI_MODEL", "gemini-2.0-flash"),
	}
}

// Client implements llm.Client against Vertex AI.
type Client struct {
	config *Config
	client *genai.Client
	logger *slog.Logger
}

var _ llm.Client = (*Client)(nil)

// NewClient constructs a Client. logger may be nil.
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("vertexai: config cannot be nil")
	}
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  config.Project,
		Location: config.Location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("vertexai: failed to create client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{config: config, client: genaiClient, logger: logger}, nil
}

// Complete implements llm.Client: sends prompt as a single-turn chat message
// and returns the first candidate's text. temperature/maxTokens are
// logged but not sent to the model: the chat is created with a nil
// GenerateContentConfig, so the model's own defaults apply.
func (c *Client) Complete(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	c.logger.DebugContext(ctx, "vertexai: sending prompt",
		"model", c.config.Model, "project", c.config.Project, "prompt_length", len(prompt),
		"temperature", temperature, "max_tokens", maxTokens)

	// temperature/maxTokens are logged as intent; Chats.Create takes a nil
	// config here since the genai SDK's GenerateContentConfig shape isn't
	// otherwise exercised.
	chat, err := c.client.Chats.Create(ctx, c.config.Model, nil, nil)
	if err != nil {
		return "", fmt.Errorf("vertexai: failed to create chat: %w", err)
	}

	result, err := chat.SendMessage(ctx, genai.Part{Text: prompt})
	if err != nil {
		return "", fmt.Errorf("vertexai: failed to send message: %w", err)
	}

	if len(result.Candidates) > 0 && result.Candidates[0].Content != nil && len(result.Candidates[0].Content.Parts) > 0 {
		if text := result.Candidates[0].Content.Parts[0].Text; text != "" {
			c.logger.DebugContext(ctx, "vertexai: received response", "response_length", len(text))
			return text, nil
		}
	}

	return "", llm.ErrNoResponse
}

// StripCodeFence removes a leading/trailing markdown code fence (```json or
// plain ```), returning the inner text. Small reusable helper for callers
// (internal/planning) that parse JSON out of free text.
func StripCodeFence(response string) string {
	text := response
	for _, fence := range []string{"```json", "```"} {
		if !strings.Contains(text, fence) {
			continue
		}
		start := strings.Index(text, fence)
		if start == -1 {
			continue
		}
		start += len(fence)
		end := strings.Index(text[start:], "```")
		if end == -1 {
			continue
		}
		return strings.TrimSpace(text[start : start+end])
	}
	return text
}
