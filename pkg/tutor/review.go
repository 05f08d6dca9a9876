package tutor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lectio-dev/lectio/internal/llm"
	"github.com/lectio-dev/lectio/internal/llm/provider"
	"github.com/lectio-dev/lectio/internal/observability"
	"github.com/lectio-dev/lectio/internal/resilience"
	obsmetrics "github.com/lectio-dev/lectio/pkg/observability"
	"github.com/lectio-dev/lectio/pkg/session"
)

const (
	minStrengths    = 2
	maxStrengths    = 3
	minImprovements = 1
	maxImprovements = 2
)

type reviewPayload struct {
	Summary      string           `json:"summary"`
	Strengths    []string         `json:"strengths"`
	Improvements []string         `json:"improvements"`
	Breakdown    breakdownPayload `json:"breakdown"`
}

// breakdownPayload is where the model echoes the counts it was given. The
// values are discarded.
type breakdownPayload struct {
	Grammar    int `json:"grammar"`
	Vocabulary int `json:"vocabulary"`
	Syntax     int `json:"syntax"`
}

var reviewSchema = llm.SchemaFor[reviewPayload]()

// GenerateReview rates a session from errs and asks the model for the
// written feedback. The rating and breakdown always come from errs. When the
// prose is unusable it is replaced by templated English prose. A session is
// reviewed once; later calls return the stored review.
func (e *Engine) GenerateReview(ctx context.Context, sessionID string, level session.Level, errs []session.ErrorItem) (*session.Review, error) {
	if sessionID == "" {
		return nil, invalid("session_id", "required")
	}
	if !level.Valid() {
		return nil, invalid("level", "%q is not one of A1, A2, B1, B2, C1, C2", level)
	}
	breakdown, err := BreakdownOf(errs)
	if err != nil {
		return nil, err
	}
	return resilience.Detach(ctx, &e.inflight, func(ctx context.Context) (*session.Review, error) {
		return e.review(ctx, sessionID, level, errs, breakdown)
	})
}

func (e *Engine) review(ctx context.Context, sessionID string, level session.Level, errs []session.ErrorItem, b session.Breakdown) (r *session.Review, err error) {
	ctx, span := observability.StartSpan(ctx, "tutor.review",
		trace.WithAttributes(attribute.String("tutor.session_id", sessionID)))
	defer func() { observability.EndSpan(span, err) }()

	s, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if existing, err := e.store.GetReview(ctx, sessionID); err == nil {
		return existing, nil
	} else if !errors.Is(err, session.ErrReviewNotFound) {
		return nil, fmt.Errorf("get review: %w", err)
	}
	s.Level = level
	turns, err := e.store.ListTurnsOrdered(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}

	rating := RatingFor(b.Total())
	raw, err := e.gen.Generate(ctx, llm.Prompt{
		Op:          "review",
		System:      reviewSystem(s, e.feedbackLang, b, rating),
		Messages:    []provider.Message{{Role: provider.RoleUser, Content: reviewRequest(s, turns, errs)}},
		Temperature: e.temps.Review,
		Structured:  true,
		Schema:      reviewSchema,
	})
	if err != nil && !errors.Is(err, llm.ErrNoJSON) {
		return nil, &ModelInvocationError{Op: "review", Err: err}
	}

	prose, err := e.reviewProse(raw)
	if err != nil {
		e.logger.Warn("review prose replaced by template", "session_id", sessionID, "error", err)
		prose = templateProse(s, turns, b, rating)
	}

	r = &session.Review{
		SessionID:    sessionID,
		Rating:       rating,
		Summary:      prose.Summary,
		Strengths:    prose.Strengths,
		Improvements: prose.Improvements,
		Breakdown:    b,
		TotalErrors:  b.Total(),
		CreatedAt:    e.now().UTC(),
	}
	if err := e.store.SaveReview(ctx, r); err != nil {
		if !errors.Is(err, session.ErrReviewExists) {
			return nil, fmt.Errorf("save review: %w", err)
		}
		return e.store.GetReview(ctx, sessionID)
	}

	obsmetrics.RecordReviewRating(string(rating))
	span.SetAttributes(attribute.String("tutor.rating", string(rating)))
	return r, nil
}

// reviewProse decodes the model's feedback and checks its shape and language.
func (e *Engine) reviewProse(raw string) (reviewPayload, error) {
	p, err := llm.DecodeStructured[reviewPayload](raw, reviewSchema)
	if err != nil {
		return reviewPayload{}, err
	}
	p.Summary = strings.TrimSpace(p.Summary)
	p.Strengths = cleanList(p.Strengths, maxStrengths)
	p.Improvements = cleanList(p.Improvements, maxImprovements)

	switch {
	case p.Summary == "":
		return reviewPayload{}, errors.New("empty summary")
	case len(p.Strengths) < minStrengths:
		return reviewPayload{}, fmt.Errorf("%d strengths, want at least %d", len(p.Strengths), minStrengths)
	case len(p.Improvements) < minImprovements:
		return reviewPayload{}, fmt.Errorf("%d improvements, want at least %d", len(p.Improvements), minImprovements)
	}

	all := strings.Join(slices.Concat([]string{p.Summary}, p.Strengths, p.Improvements), "\n")
	if err := e.enforceLanguage("review", all, e.feedbackLang); err != nil {
		return reviewPayload{}, err
	}
	return p, nil
}

// cleanList trims entries, drops blanks and caps the list at limit.
func cleanList(in []string, limit int) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func templateProse(s *session.Session, turns []*session.Turn, b session.Breakdown, rating session.Rating) reviewPayload {
	replies := 0
	for _, t := range turns {
		if t.Answered() {
			replies++
		}
	}
	total := b.Total()
	counts := []struct {
		name string
		n    int
	}{{"grammar", b.Grammar}, {"vocabulary", b.Vocabulary}, {"syntax", b.Syntax}}

	p := reviewPayload{
		Summary: fmt.Sprintf("You answered %d turns in %s at level %s with %d errors (%d grammar, %d vocabulary, %d syntax). Overall rating: %s.",
			replies, languageName(s.Language), s.Level, total, b.Grammar, b.Vocabulary, b.Syntax,
			strings.ReplaceAll(string(rating), "_", " ")),
		Strengths: []string{fmt.Sprintf("You kept the conversation going for %d replies.", replies)},
	}

	if total == 0 {
		p.Strengths = append(p.Strengths, "Your replies were free of errors.")
		p.Improvements = []string{"Try longer sentences and new vocabulary to stretch your level."}
		return p
	}

	best, worst := counts[0], counts[0]
	for _, c := range counts[1:] {
		if c.n < best.n {
			best = c
		}
		if c.n > worst.n {
			worst = c
		}
	}
	p.Strengths = append(p.Strengths, fmt.Sprintf("Your %s was your most accurate area.", best.name))
	p.Improvements = []string{fmt.Sprintf("Review your %s: it accounts for %d of your %d errors.", worst.name, worst.n, total)}
	return p
}
