package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const bedrockDefaultModel = "anthropic.claude-3-haiku-20240307-v1:0"

func init() {
	RegisterFactory("bedrock", func(config map[string]any) (Provider, error) {
		region := stringOpt(config, "region")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			return nil, fmt.Errorf("AWS_REGION not set")
		}
		return NewBedrockProvider(context.Background(), region, stringOpt(config, "model"))
	})
}

// converseAPI is the subset of the Bedrock runtime client the provider calls.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider implements Provider on the Bedrock Converse API.
type BedrockProvider struct {
	client converseAPI
	model  string
}

// NewBedrockProvider loads the default AWS credential chain for region.
func NewBedrockProvider(ctx context.Context, region, model string) (*BedrockProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newBedrockProvider(bedrockruntime.NewFromConfig(cfg), model), nil
}

func newBedrockProvider(client converseAPI, model string) *BedrockProvider {
	if model == "" {
		model = bedrockDefaultModel
	}
	return &BedrockProvider{client: client, model: model}
}

// Name returns the provider name
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// CreateCompletion creates a completion
func (p *BedrockProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return p.converse(ctx, req)
}

// CreateStructured relies on the prompt for the JSON shape; Converse has no
// JSON response mode.
func (p *BedrockProvider) CreateStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	resp, err := p.converse(ctx, req.CompletionRequest)
	if err != nil {
		return nil, err
	}
	return toStructured(p.Name(), resp)
}

func (p *BedrockProvider) converse(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		InferenceConfig: &types.InferenceConfiguration{
			Temperature: aws.Float32(float32(req.Temperature)),
		},
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		input.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	input.Messages, input.System = buildConverseMessages(req.Messages)

	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, p.wrapError(err)
	}
	return p.parseOutput(out, model)
}

// buildConverseMessages splits system prompts out and merges consecutive
// messages of the same role, which Converse rejects.
func buildConverseMessages(messages []Message) ([]types.Message, []types.SystemContentBlock) {
	var system []types.SystemContentBlock
	var out []types.Message

	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, &types.SystemContentBlockMemberText{Value: m.Content})
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		block := &types.ContentBlockMemberText{Value: m.Content}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			continue
		}
		out = append(out, types.Message{Role: role, Content: []types.ContentBlock{block}})
	}
	return out, system
}

func (p *BedrockProvider) parseOutput(out *bedrockruntime.ConverseOutput, model string) (*CompletionResponse, error) {
	if out == nil {
		return nil, NewProviderError(p.Name(), ErrorCodeEmptyResponse, "empty response", nil)
	}
	if out.StopReason == types.StopReasonContentFiltered || out.StopReason == types.StopReasonGuardrailIntervened {
		return nil, NewProviderError(p.Name(), ErrorCodeContentFiltered, "response blocked: "+string(out.StopReason), nil)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, NewProviderError(p.Name(), ErrorCodeEmptyResponse, "no message in response", nil)
	}

	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(text.Value)
		}
	}

	var usage Usage
	if out.Usage != nil {
		usage.PromptTokens = int(aws.ToInt32(out.Usage.InputTokens))
		usage.CompletionTokens = int(aws.ToInt32(out.Usage.OutputTokens))
		usage.TotalTokens = int(aws.ToInt32(out.Usage.TotalTokens))
	}

	return &CompletionResponse{
		Content:      sb.String(),
		FinishReason: string(out.StopReason),
		Usage:        usage,
		Model:        model,
	}, nil
}

func (p *BedrockProvider) wrapError(err error) error {
	var (
		throttling  *types.ThrottlingException
		quota       *types.ServiceQuotaExceededException
		timeout     *types.ModelTimeoutException
		unavailable *types.ServiceUnavailableException
		notReady    *types.ModelNotReadyException
		internal    *types.InternalServerException
		denied      *types.AccessDeniedException
		notFound    *types.ResourceNotFoundException
		validation  *types.ValidationException
	)

	code := ""
	switch {
	case errors.As(err, &throttling):
		code = ErrorCodeRateLimit
	case errors.As(err, &quota):
		code = ErrorCodeQuotaExceeded
	case errors.As(err, &timeout):
		code = ErrorCodeTimeout
	case errors.As(err, &unavailable), errors.As(err, &notReady):
		code = ErrorCodeUnavailable
	case errors.As(err, &internal):
		code = ErrorCodeServerError
	case errors.As(err, &denied):
		code = ErrorCodeAuthentication
	case errors.As(err, &notFound):
		code = ErrorCodeModelNotFound
	case errors.As(err, &validation):
		code = ErrorCodeInvalidRequest
	}
	if code != "" {
		return NewProviderError(p.Name(), code, err.Error(), err)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return newStatusError(p.Name(), respErr.HTTPStatusCode(), err.Error(), err)
	}
	return transportError(p.Name(), err)
}
