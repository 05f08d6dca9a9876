package tutor

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lectio-dev/lectio/internal/llm"
	"github.com/lectio-dev/lectio/internal/llm/provider"
	"github.com/lectio-dev/lectio/internal/observability"
	obsmetrics "github.com/lectio-dev/lectio/pkg/observability"
	"github.com/lectio-dev/lectio/pkg/session"
)

// Reasons reported when an analysis degrades to the no-errors result.
const (
	degradedInvocation   = "invocation"
	degradedNoJSON       = "no_json"
	degradedSchema       = "schema"
	degradedInconsistent = "inconsistent"
)

type analysisPayload struct {
	HasErrors     bool           `json:"has_errors"`
	CorrectedText string         `json:"corrected_text"`
	Errors        []errorPayload `json:"errors"`
}

type errorPayload struct {
	Span        string `json:"span"`
	Replacement string `json:"replacement"`
	Explanation string `json:"explanation"`
	Category    string `json:"category" enum:"grammar,vocabulary,syntax"`
}

var analysisSchema = llm.SchemaFor[analysisPayload]()

// Analyze reports the errors in one student utterance. It never fails: when
// the model call fails or its reply is unusable, the anomaly is logged and
// the utterance is reported as correct.
func (e *Engine) Analyze(ctx context.Context, utterance string, level session.Level, lang string) session.CorrectionResult {
	if strings.TrimSpace(utterance) == "" {
		return session.NoErrors(utterance)
	}

	ctx, span := observability.StartSpan(ctx, "tutor.analyze",
		trace.WithAttributes(attribute.String("tutor.level", string(level))))
	defer span.End()

	raw, err := e.gen.Generate(ctx, llm.Prompt{
		Op:          "analyze",
		System:      analysisSystem(level, lang),
		Messages:    []provider.Message{{Role: provider.RoleUser, Content: utterance}},
		Temperature: e.temps.Analysis,
		Structured:  true,
		Schema:      analysisSchema,
	})
	if err != nil {
		reason := degradedInvocation
		if errors.Is(err, llm.ErrNoJSON) {
			reason = degradedNoJSON
		}
		return e.degraded(ctx, utterance, reason, err)
	}

	payload, err := llm.DecodeStructured[analysisPayload](raw, analysisSchema)
	if err != nil {
		reason := degradedSchema
		if errors.Is(err, llm.ErrNoJSON) {
			reason = degradedNoJSON
		}
		return e.degraded(ctx, utterance, reason, err)
	}

	result, err := payload.correction(utterance)
	if err != nil {
		return e.degraded(ctx, utterance, degradedInconsistent, err)
	}
	span.SetAttributes(attribute.Int("tutor.errors", len(result.Errors)))
	return result
}

func (e *Engine) degraded(ctx context.Context, utterance, reason string, err error) session.CorrectionResult {
	obsmetrics.RecordAnalysisDegraded(reason)
	e.logger.WarnContext(ctx, "analysis degraded to no errors", "reason", reason, "error", err)
	return session.NoErrors(utterance)
}

// correction converts the model's answer and rejects answers that contradict
// themselves.
func (p analysisPayload) correction(input string) (session.CorrectionResult, error) {
	if !p.HasErrors {
		if len(p.Errors) > 0 {
			return session.CorrectionResult{}, errors.New("has_errors is false but errors are listed")
		}
		return session.NoErrors(input), nil
	}
	if len(p.Errors) == 0 {
		return session.CorrectionResult{}, errors.New("has_errors is true but no errors are listed")
	}
	corrected := strings.TrimSpace(p.CorrectedText)
	if corrected == "" {
		return session.CorrectionResult{}, errors.New("corrected_text is empty")
	}

	items := make([]session.ErrorItem, 0, len(p.Errors))
	for _, ep := range p.Errors {
		span := strings.TrimSpace(ep.Span)
		if span == "" {
			return session.CorrectionResult{}, errors.New("error with empty span")
		}
		items = append(items, session.ErrorItem{
			Span:        span,
			Replacement: strings.TrimSpace(ep.Replacement),
			Explanation: strings.TrimSpace(ep.Explanation),
			Category:    session.Category(ep.Category),
		})
	}
	return session.CorrectionResult{HasErrors: true, CorrectedText: corrected, Errors: items}, nil
}
