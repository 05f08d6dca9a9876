package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	geminiDefaultModel  = "gemini-2.0-flash"
	geminiClientTimeout = 30 * time.Second
)

func init() {
	RegisterFactory("gemini", func(config map[string]any) (Provider, error) {
		apiKey := stringOpt(config, "api_key")
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY not set")
		}
		return NewGeminiProvider(context.Background(), &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		}, stringOpt(config, "model"))
	})

	RegisterFactory("vertexai", func(config map[string]any) (Provider, error) {
		projectID := stringOpt(config, "project_id")
		if projectID == "" {
			projectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
		}
		if projectID == "" {
			return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT not set")
		}
		location := stringOpt(config, "location")
		if location == "" {
			location = os.Getenv("VERTEX_AI_LOCATION")
		}
		if location == "" {
			location = "us-central1"
		}
		return NewGeminiProvider(context.Background(), &genai.ClientConfig{
			Project:  projectID,
			Location: location,
			Backend:  genai.BackendVertexAI,
		}, stringOpt(config, "model"))
	})
}

// contentGenerator is the subset of *genai.Models the provider calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiProvider implements Provider on the Gen AI SDK, either against the
// Gemini API (API key) or Vertex AI (Application Default Credentials).
type GeminiProvider struct {
	name   string
	model  string
	models contentGenerator
}

// NewGeminiProvider creates a provider for the backend selected in cfg.
func NewGeminiProvider(ctx context.Context, cfg *genai.ClientConfig, model string) (*GeminiProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, geminiClientTimeout)
	defer cancel()

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	name := "gemini"
	if cfg.Backend == genai.BackendVertexAI {
		name = "vertexai"
	}
	return newGeminiProvider(name, client.Models, model), nil
}

func newGeminiProvider(name string, models contentGenerator, model string) *GeminiProvider {
	if model == "" {
		model = geminiDefaultModel
	}
	return &GeminiProvider{name: name, model: model, models: models}
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return p.name
}

// CreateCompletion creates a completion
func (p *GeminiProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return p.generate(ctx, req, p.buildConfig(req))
}

// CreateStructured requests a JSON response via the response MIME type. The
// schema itself travels in the prompt.
func (p *GeminiProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	config := p.buildConfig(req.CompletionRequest)
	config.ResponseMIMEType = "application/json"

	resp, err := p.generate(ctx, req.CompletionRequest, config)
	if err != nil {
		return nil, err
	}
	return toStructured(p.Name(), resp)
}

func (p *GeminiProvider) buildConfig(req CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		// 0 is a valid temperature, so it is always sent.
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	return config
}

func (p *GeminiProvider) generate(ctx context.Context, req CompletionRequest, config *genai.GenerateContentConfig) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	contents, system := buildContents(req.Messages)
	if system != nil {
		config.SystemInstruction = system
	}

	resp, err := p.models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, p.wrapError(err)
	}
	out, err := p.parseResponse(resp)
	if err != nil {
		return nil, err
	}
	out.Model = model
	return out, nil
}

// buildContents converts messages to Gen AI contents. System messages are
// merged into a single system instruction.
func buildContents(messages []Message) ([]*genai.Content, *genai.Content) {
	var system []*genai.Part
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, &genai.Part{Text: m.Content})
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	if len(system) == 0 {
		return contents, nil
	}
	return contents, &genai.Content{Parts: system}
}

func (p *GeminiProvider) parseResponse(resp *genai.GenerateContentResponse) (*CompletionResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, NewProviderError(p.Name(), ErrorCodeContentFiltered,
				"prompt blocked: "+string(resp.PromptFeedback.BlockReason), nil)
		}
		return nil, NewProviderError(p.Name(), ErrorCodeEmptyResponse, "no candidates in response", nil)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return nil, NewProviderError(p.Name(), ErrorCodeContentFiltered, "response blocked by safety filter", nil)
	}

	var sb strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil {
				sb.WriteString(part.Text)
			}
		}
	}

	finishReason := strings.ToLower(string(candidate.FinishReason))
	if finishReason == "" {
		finishReason = "stop"
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &CompletionResponse{
		Content:      sb.String(),
		FinishReason: finishReason,
		Usage:        usage,
	}, nil
}

// wrapError converts Gen AI errors to ProviderError. API errors carry an HTTP
// status; anything else is classified by message.
func (p *GeminiProvider) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return newStatusError(p.Name(), apiErr.Code, apiErr.Message, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return newStatusError(p.Name(), apiErrPtr.Code, apiErrPtr.Message, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return transportError(p.Name(), err)
	}

	code := ErrorCodeUnavailable
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "credential") || strings.Contains(errMsg, "permission"):
		code = ErrorCodeAuthentication
	case strings.Contains(errMsg, "quota") || strings.Contains(errMsg, "rate limit"):
		code = ErrorCodeRateLimit
	case strings.Contains(errMsg, "invalid"):
		code = ErrorCodeInvalidRequest
	}
	return NewProviderError(p.Name(), code, err.Error(), err)
}
