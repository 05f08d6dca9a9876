package tutor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectio-dev/lectio/internal/llm"
	"github.com/lectio-dev/lectio/internal/llm/provider"
	"github.com/lectio-dev/lectio/pkg/session"
)

func TestAnalyze_CorrectSpanishSentence(t *testing.T) {
	model := &fakeModel{}
	e, _ := newTestEngine(t, model)

	input := "Ayer fui al mercado con mi hermana."
	got := e.Analyze(context.Background(), input, session.LevelB1, "es")

	assert.False(t, got.HasErrors)
	assert.Equal(t, input, got.CorrectedText)
	assert.Empty(t, got.Errors)

	calls := model.calls("analyze")
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Structured)
	assert.InDelta(t, 0.1, calls[0].Temperature, 1e-9)
	assert.Contains(t, calls[0].System, "Spanish")
	assert.Contains(t, calls[0].System, "CEFR level B1")
}

func TestAnalyze_ReportsErrors(t *testing.T) {
	model := &fakeModel{analyze: func(llm.Prompt) (string, error) {
		return "Here you go:\n" + errorsJSON("Yo tengo dos hermanos.",
			session.ErrorItem{Span: " Yo tiene ", Replacement: "Yo tengo", Explanation: "First person.", Category: session.CategoryGrammar},
			session.ErrorItem{Span: "hermanas", Replacement: "hermanos", Explanation: "Brothers.", Category: session.CategoryVocabulary},
		), nil
	}}
	e, _ := newTestEngine(t, model)

	got := e.Analyze(context.Background(), "Yo tiene dos hermanas.", session.LevelA1, "es")
	require.True(t, got.HasErrors)
	assert.Equal(t, "Yo tengo dos hermanos.", got.CorrectedText)
	require.Len(t, got.Errors, 2)
	assert.Equal(t, "Yo tiene", got.Errors[0].Span)
	assert.Equal(t, session.CategoryVocabulary, got.Errors[1].Category)
}

func TestAnalyze_DegradesToNoErrors(t *testing.T) {
	const input = "Yo tiene dos hermanas."

	tests := []struct {
		name  string
		reply func(llm.Prompt) (string, error)
	}{
		{"invocation failure", func(llm.Prompt) (string, error) { return "", errors.New("model down") }},
		{"no json", func(llm.Prompt) (string, error) { return "I think it is fine.", nil }},
		{"unknown category", func(llm.Prompt) (string, error) {
			return errorsJSON("Yo tengo dos hermanas.", session.ErrorItem{Span: "tiene", Replacement: "tengo", Explanation: "x", Category: "spelling"}), nil
		}},
		{"unknown field", func(llm.Prompt) (string, error) {
			return `{"has_errors": false, "corrected_text": "Yo tiene dos hermanas.", "errors": [], "confidence": 0.9}`, nil
		}},
		{"missing field", func(llm.Prompt) (string, error) { return `{"has_errors": true, "errors": []}`, nil }},
		{"no errors but items", func(llm.Prompt) (string, error) {
			return `{"has_errors": false, "corrected_text": "Yo tengo dos hermanas.", "errors": [{"span": "tiene", "replacement": "tengo", "explanation": "x", "category": "grammar"}]}`, nil
		}},
		{"errors flag without items", func(llm.Prompt) (string, error) {
			return `{"has_errors": true, "corrected_text": "Yo tengo dos hermanas.", "errors": []}`, nil
		}},
		{"empty span", func(llm.Prompt) (string, error) {
			return errorsJSON("Yo tengo dos hermanas.", session.ErrorItem{Span: " ", Replacement: "tengo", Explanation: "x", Category: session.CategoryGrammar}), nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, &fakeModel{analyze: tt.reply})
			got := e.Analyze(context.Background(), input, session.LevelA1, "es")
			assert.Equal(t, session.NoErrors(input), got)
		})
	}
}

func TestAnalyze_MalformedStructuredReply(t *testing.T) {
	var logs bytes.Buffer
	model := &fakeModel{analyze: func(llm.Prompt) (string, error) {
		pe := provider.NewProviderError("mock", provider.ErrorCodeMalformed, "no JSON object in response", nil)
		return "", fmt.Errorf("%w: %w", llm.ErrNoJSON, pe)
	}}
	e, _ := newTestEngine(t, model, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	got := e.Analyze(context.Background(), "Yo tiene dos hermanas.", session.LevelA1, "es")
	assert.Equal(t, session.NoErrors("Yo tiene dos hermanas."), got)
	assert.Len(t, model.calls("analyze"), 1, "malformed output is not retried")
	assert.Contains(t, logs.String(), "reason=no_json")
}

func TestAnalyze_EmptyUtteranceSkipsModel(t *testing.T) {
	model := &fakeModel{}
	e, _ := newTestEngine(t, model)

	got := e.Analyze(context.Background(), "  ", session.LevelA1, "es")
	assert.Equal(t, session.NoErrors("  "), got)
	assert.Empty(t, model.calls("analyze"))
}
