package reference

import (
	"context"
	"log/slog"

	"github.com/lectio-dev/lectio/internal/morphology"
)

// Analyzer is the part of the morphology client Enriched uses.
type Analyzer interface {
	Analyze(ctx context.Context, text string, opts morphology.Options) (*morphology.Analysis, error)
}

// contentPOS are the parts of speech worth offering as vocabulary.
var contentPOS = []string{"NOUN", "VERB", "ADJ", "ADV"}

// Enriched fills in vocabulary hints for Latin texts that have none, using
// the lemmas the morphology analyzer finds. Analyzer failures are logged and
// the text is returned as is.
type Enriched struct {
	next     Lookup
	analyzer Analyzer
	maxHints int
	logger   *slog.Logger
}

// EnrichedOption configures Enriched.
type EnrichedOption func(*Enriched)

func WithMaxHints(n int) EnrichedOption {
	return func(e *Enriched) {
		if n > 0 {
			e.maxHints = n
		}
	}
}

func WithLogger(l *slog.Logger) EnrichedOption {
	return func(e *Enriched) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEnriched(next Lookup, analyzer Analyzer, opts ...EnrichedOption) *Enriched {
	e := &Enriched{next: next, analyzer: analyzer, maxHints: 20, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Enriched) GetText(ctx context.Context, id string) (*Text, error) {
	t, err := e.next.GetText(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Language != "la" || len(t.VocabularyHints) > 0 {
		return t, nil
	}

	a, err := e.analyzer.Analyze(ctx, t.Content, morphology.Options{SkipMorphology: true})
	if err != nil {
		e.logger.Warn("vocabulary enrichment failed", "text_id", id, "error", err)
		return t, nil
	}
	hints := a.Lemmas(contentPOS...)
	if len(hints) > e.maxHints {
		hints = hints[:e.maxHints]
	}
	t.VocabularyHints = hints
	return t, nil
}

func (e *Enriched) GetDialog(ctx context.Context, id string) (*Dialog, error) {
	return e.next.GetDialog(ctx, id)
}
