package tutor

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lectio-dev/lectio/internal/observability"
	"github.com/lectio-dev/lectio/internal/resilience"
	obsmetrics "github.com/lectio-dev/lectio/pkg/observability"
	"github.com/lectio-dev/lectio/pkg/session"
)

// EndSession completes a session and returns every error found in the
// student's replies, ordered by turn. Replies without a stored correction are
// analyzed first and their corrections stored. Ending a completed session
// returns the stored corrections without analyzing anything.
func (e *Engine) EndSession(ctx context.Context, sessionID string) ([]session.ErrorItem, error) {
	if sessionID == "" {
		return nil, invalid("session_id", "required")
	}
	return resilience.Detach(ctx, &e.inflight, func(ctx context.Context) ([]session.ErrorItem, error) {
		defer e.lock(sessionID)()
		return e.endSession(ctx, sessionID)
	})
}

func (e *Engine) endSession(ctx context.Context, sessionID string) (items []session.ErrorItem, err error) {
	ctx, span := observability.StartSpan(ctx, "tutor.end",
		trace.WithAttributes(attribute.String("tutor.session_id", sessionID)))
	defer func() { observability.EndSpan(span, err) }()

	s, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	turns, err := e.store.ListTurnsOrdered(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	if s.Completed() {
		return flattenErrors(turns), nil
	}

	if err := e.analyzePending(ctx, s, turns); err != nil {
		return nil, err
	}

	err = e.store.UpdateSessionCompletion(ctx, sessionID, e.now().UTC())
	switch {
	case errors.Is(err, session.ErrAlreadyCompleted):
		e.logger.Debug("session completed concurrently", "session_id", sessionID)
	case err != nil:
		return nil, fmt.Errorf("complete session: %w", err)
	default:
		obsmetrics.RecordSessionCompleted()
	}

	items = flattenErrors(turns)
	span.SetAttributes(attribute.Int("tutor.errors", len(items)))
	e.logger.Info("session completed", "session_id", sessionID, "turns", len(turns), "errors", len(items))
	return items, nil
}

// analyzePending analyzes answered turns that have no correction, stores the
// results and fills them into turns.
func (e *Engine) analyzePending(ctx context.Context, s *session.Session, turns []*session.Turn) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, t := range turns {
		if !t.Answered() || t.Correction != nil {
			continue
		}
		g.Go(func() error {
			c := e.Analyze(gctx, *t.StudentResponse, s.Level, s.Language)
			err := e.store.AttachCorrection(gctx, s.ID, t.Number, c)
			switch {
			case errors.Is(err, session.ErrCorrectionAlreadySet):
				// Another writer got there first; keep its result.
				stored, err := e.storedCorrection(gctx, s.ID, t.Number)
				if err != nil {
					return err
				}
				t.Correction = stored
			case err != nil:
				return fmt.Errorf("store correction for turn %d: %w", t.Number, err)
			default:
				t.Correction = &c
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) storedCorrection(ctx context.Context, sessionID string, number int) (*session.CorrectionResult, error) {
	turns, err := e.store.ListTurnsOrdered(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	for _, t := range turns {
		if t.Number == number {
			return t.Correction, nil
		}
	}
	return nil, fmt.Errorf("turn %d: %w", number, session.ErrTurnNotFound)
}

// flattenErrors lists the stored errors of answered turns in turn order,
// tagged with their turn number. Turns without a correction count as correct.
func flattenErrors(turns []*session.Turn) []session.ErrorItem {
	items := []session.ErrorItem{}
	for _, t := range turns {
		if !t.Answered() || t.Correction == nil {
			continue
		}
		for _, item := range t.Correction.Errors {
			item.TurnNumber = t.Number
			items = append(items, item)
		}
	}
	return items
}
