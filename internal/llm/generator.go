// Package llm turns provider calls into the single generate capability the
// tutor engine consumes.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lectio-dev/lectio/internal/llm/provider"
)

// Prompt is one generation request.
type Prompt struct {
	// Op names the call site for metrics and logs, e.g. "turn" or "analyze".
	Op       string
	System   string
	Messages []provider.Message

	Temperature float64
	MaxTokens   int

	// Structured asks for a single JSON object. Schema, when set, is shown to
	// the model and sent to providers that support constrained output.
	Structured bool
	Schema     *provider.Schema
}

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, p Prompt) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }

// ClientConfig configures a Client
type ClientConfig struct {
	// Model overrides the provider's default model.
	Model string
	// StrictSchema requests strict schema adherence where supported.
	StrictSchema bool
}

// Client implements Generator on a provider.Provider.
type Client struct {
	provider provider.Provider
	config   ClientConfig
}

// NewClient creates a new LLM client
func NewClient(prov provider.Provider, config ClientConfig) *Client {
	return &Client{provider: prov, config: config}
}

// Provider returns the underlying provider.
func (c *Client) Provider() provider.Provider { return c.provider }

// Generate sends p and returns the trimmed completion, or the raw JSON object
// for structured prompts.
func (c *Client) Generate(ctx context.Context, p Prompt) (string, error) {
	req := provider.CompletionRequest{
		Messages:    buildMessages(p),
		Model:       c.config.Model,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	}

	if !p.Structured {
		resp, err := c.provider.CreateCompletion(ctx, req)
		if err != nil {
			return "", err
		}
		text := strings.TrimSpace(resp.Content)
		if text == "" {
			return "", provider.NewProviderError(c.provider.Name(), provider.ErrorCodeEmptyResponse, "empty completion", nil)
		}
		return text, nil
	}

	sreq := provider.StructuredRequest{CompletionRequest: req, StrictSchema: c.config.StrictSchema}
	if p.Schema != nil {
		raw, err := json.Marshal(p.Schema)
		if err != nil {
			return "", fmt.Errorf("encode schema: %w", err)
		}
		sreq.ResponseSchema = raw
	}
	resp, err := c.provider.CreateStructured(ctx, sreq)
	if err != nil {
		var pe *provider.ProviderError
		if errors.As(err, &pe) && pe.Code == provider.ErrorCodeMalformed {
			return "", fmt.Errorf("%w: %w", ErrNoJSON, err)
		}
		return "", err
	}
	return string(resp.Data), nil
}

// buildMessages places the system prompt first and, for structured prompts,
// appends the JSON instructions to it.
func buildMessages(p Prompt) []provider.Message {
	system := p.System
	if p.Structured {
		var sb strings.Builder
		sb.WriteString(system)
		if system != "" {
			sb.WriteString("\n\n")
		}
		sb.WriteString("Respond ONLY with a single JSON object. No markdown, no commentary.")
		if p.Schema != nil {
			schemaJSON, _ := json.MarshalIndent(p.Schema, "", "  ")
			sb.WriteString("\nThe object MUST match this JSON Schema:\n")
			sb.Write(schemaJSON)
		}
		system = sb.String()
	}

	msgs := make([]provider.Message, 0, len(p.Messages)+1)
	if system != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: system})
	}
	return append(msgs, p.Messages...)
}
