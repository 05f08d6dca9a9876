package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectio-dev/lectio/internal/llm/provider"
	"github.com/lectio-dev/lectio/internal/resilience"
)

type verdict struct {
	HasErrors     bool   `json:"has_errors"`
	CorrectedText string `json:"corrected_text"`
}

func TestClient_GenerateText(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.Responses = []string{"  ¡Hola! ¿Cómo estás?\n"}
	c := NewClient(mock, ClientConfig{Model: "m1"})

	out, err := c.Generate(context.Background(), Prompt{
		System:      "Eres un tutor.",
		Messages:    []provider.Message{{Role: provider.RoleUser, Content: "Hola"}},
		Temperature: 0.8,
	})
	require.NoError(t, err)
	assert.Equal(t, "¡Hola! ¿Cómo estás?", out)

	require.Len(t, mock.CompletionCalls, 1)
	req := mock.CompletionCalls[0]
	assert.Equal(t, "m1", req.Model)
	assert.Equal(t, 0.8, req.Temperature)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, provider.Message{Role: provider.RoleSystem, Content: "Eres un tutor."}, req.Messages[0])
}

func TestClient_GenerateEmptyIsRetryable(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.Responses = []string{"   "}

	_, err := NewClient(mock, ClientConfig{}).Generate(context.Background(), Prompt{})
	var pe *provider.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Retryable())
}

func TestClient_GenerateStructured(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.Responses = []string{"```json\n{\"has_errors\": false, \"corrected_text\": \"Hola\"}\n```"}
	c := NewClient(mock, ClientConfig{StrictSchema: true})

	out, err := c.Generate(context.Background(), Prompt{
		System:     "Judge the sentence.",
		Structured: true,
		Schema:     SchemaFor[verdict](),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"has_errors": false, "corrected_text": "Hola"}`, out)

	require.Len(t, mock.StructuredCalls, 1)
	req := mock.StructuredCalls[0]
	assert.True(t, req.StrictSchema)
	assert.Contains(t, string(req.ResponseSchema), `"corrected_text"`)
	system := req.Messages[0].Content
	assert.Contains(t, system, "Judge the sentence.")
	assert.Contains(t, system, "single JSON object")
	assert.Contains(t, system, `"has_errors"`)
}

func TestClient_GenerateStructuredWithoutJSON(t *testing.T) {
	mock := provider.NewMockProvider("mock")
	mock.Responses = []string{"Lo siento, no puedo ayudarte."}

	gen := Resilient(NewClient(mock, ClientConfig{}), fastRetrier())
	_, err := gen.Generate(context.Background(), Prompt{Structured: true, Schema: SchemaFor[verdict]()})
	require.ErrorIs(t, err, ErrNoJSON)

	var pe *provider.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.Retryable())
	assert.Equal(t, 1, mock.Calls(), "malformed output is not retried")
}

func TestDecodeStructured(t *testing.T) {
	schema := SchemaFor[verdict]()

	v, err := DecodeStructured[verdict](`Sure! {"has_errors": true, "corrected_text": "Yo tengo"}`, schema)
	require.NoError(t, err)
	assert.Equal(t, verdict{HasErrors: true, CorrectedText: "Yo tengo"}, v)

	_, err = DecodeStructured[verdict]("no json here", schema)
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = DecodeStructured[verdict](`{"has_errors": "yes", "corrected_text": "x"}`, schema)
	assert.ErrorContains(t, err, "schema validation failed")

	_, err = DecodeStructured[verdict](`{"has_errors": false, "corrected_text": "x", "extra": 1}`, schema)
	assert.ErrorContains(t, err, "unknown property")

	v, err = DecodeStructured[verdict](`{"has_errors": false, "corrected_text": "x", "extra": 1}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", v.CorrectedText)
}

func fastRetrier() *resilience.Retrier {
	return resilience.New(resilience.Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		AttemptTimeout: time.Second,
	})
}

func TestResilient(t *testing.T) {
	transient := provider.NewProviderError("mock", provider.ErrorCodeServerError, "down", nil)
	fatal := provider.NewProviderError("mock", provider.ErrorCodeAuthentication, "bad key", nil)

	t.Run("recovers", func(t *testing.T) {
		calls := 0
		gen := Resilient(GeneratorFunc(func(ctx context.Context, p Prompt) (string, error) {
			calls++
			if calls < 3 {
				return "", transient
			}
			return "vale", nil
		}), fastRetrier())

		out, err := gen.Generate(context.Background(), Prompt{Op: "turn"})
		require.NoError(t, err)
		assert.Equal(t, "vale", out)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on non-retryable", func(t *testing.T) {
		calls := 0
		gen := Resilient(GeneratorFunc(func(ctx context.Context, p Prompt) (string, error) {
			calls++
			return "", fatal
		}), fastRetrier())

		_, err := gen.Generate(context.Background(), Prompt{})
		assert.Same(t, fatal, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausts", func(t *testing.T) {
		calls := 0
		gen := Resilient(GeneratorFunc(func(ctx context.Context, p Prompt) (string, error) {
			calls++
			return "", transient
		}), fastRetrier())

		_, err := gen.Generate(context.Background(), Prompt{})
		assert.True(t, errors.Is(err, transient))
		assert.Equal(t, 3, calls)
	})
}

func TestNewClientFromSettings(t *testing.T) {
	c, err := NewClientFromSettings(Settings{
		Provider:          "mock",
		Options:           map[string]any{"content": "fijo", "model": "mock-1"},
		RequestsPerSecond: 100,
		Burst:             2,
	})
	require.NoError(t, err)
	assert.Equal(t, "mock", c.Provider().Name())

	out, err := c.Generate(context.Background(), Prompt{})
	require.NoError(t, err)
	assert.Equal(t, "fijo", out)

	_, err = NewClientFromSettings(Settings{Provider: "unknown"})
	assert.Error(t, err)
}
