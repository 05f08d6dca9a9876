// Package sessiontest holds the behavioural suite every session.Store
// backend must pass.
package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectio-dev/lectio/pkg/session"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// NewSession returns a valid conversation-mode session created at base+offset.
func NewSession(id string, offset time.Duration) *session.Session {
	at := base.Add(offset)
	return &session.Session{
		ID:        id,
		UserID:    "user-1",
		Level:     session.LevelB1,
		Language:  "es",
		TextID:    "text-1",
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// NewTurn returns turn number n of sessionID.
func NewTurn(sessionID string, n int) *session.Turn {
	return &session.Turn{
		SessionID: sessionID,
		Number:    n,
		Utterance: fmt.Sprintf("utterance %d", n),
		CreatedAt: base.Add(time.Duration(n) * time.Minute),
	}
}

// Run exercises newStore against the Store contract. Each subtest gets a
// fresh store.
func Run(t *testing.T, newStore func(t *testing.T) session.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("InsertAndGet", func(t *testing.T) {
		st := newStore(t)
		s := NewSession("s1", 0)
		s.DialogID, s.TextID, s.Persona, s.OppositePersona = "d1", "", "Ana", "Luis"
		require.NoError(t, st.InsertSession(ctx, s))

		got, err := st.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.UserID)
		assert.Equal(t, session.LevelB1, got.Level)
		assert.Equal(t, "d1", got.DialogID)
		assert.Empty(t, got.TextID)
		assert.Equal(t, "Ana", got.Persona)
		assert.Equal(t, "Luis", got.OppositePersona)
		assert.Equal(t, session.ModeRoleplay, got.Mode())
		assert.True(t, got.CreatedAt.Equal(s.CreatedAt))
		assert.Nil(t, got.CompletedAt)

		assert.ErrorIs(t, st.InsertSession(ctx, NewSession("s1", 0)), session.ErrSessionExists)

		_, err = st.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, session.ErrSessionNotFound)
	})

	t.Run("RejectsInvalidSession", func(t *testing.T) {
		st := newStore(t)
		s := NewSession("s1", 0)
		s.DialogID = "d1"
		s.Persona = "Ana"
		assert.Error(t, st.InsertSession(ctx, s), "both text and dialog set")
	})

	t.Run("CreateSessionWithFirstTurn", func(t *testing.T) {
		st := newStore(t)

		assert.ErrorIs(t, st.CreateSession(ctx, NewSession("s1", 0), NewTurn("s1", 2)), session.ErrTurnConflict)
		assert.ErrorIs(t, st.CreateSession(ctx, NewSession("s1", 0), NewTurn("other", 1)), session.ErrTurnConflict)
		_, err := st.GetSession(ctx, "s1")
		require.ErrorIs(t, err, session.ErrSessionNotFound, "rejected turn leaves nothing behind")

		first := NewTurn("s1", 1)
		require.NoError(t, st.CreateSession(ctx, NewSession("s1", 0), first))

		got, err := st.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, got.UpdatedAt.Equal(first.CreatedAt))
		turns, err := st.ListTurnsOrdered(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, turns, 1)
		assert.Equal(t, "utterance 1", turns[0].Utterance)

		require.NoError(t, st.InsertTurn(ctx, NewTurn("s1", 2)))
		assert.ErrorIs(t, st.CreateSession(ctx, NewSession("s1", 0), NewTurn("s1", 1)), session.ErrSessionExists)
		turns, err = st.ListTurnsOrdered(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, turns, 2)

		invalid := NewSession("s2", 0)
		invalid.DialogID = "d1"
		assert.Error(t, st.CreateSession(ctx, invalid, NewTurn("s2", 1)))
		_, err = st.GetSession(ctx, "s2")
		assert.ErrorIs(t, err, session.ErrSessionNotFound)
	})

	t.Run("TurnContiguity", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.InsertSession(ctx, NewSession("s1", 0)))

		assert.ErrorIs(t, st.InsertTurn(ctx, NewTurn("s1", 2)), session.ErrTurnConflict)
		require.NoError(t, st.InsertTurn(ctx, NewTurn("s1", 1)))
		assert.ErrorIs(t, st.InsertTurn(ctx, NewTurn("s1", 1)), session.ErrTurnConflict)
		assert.ErrorIs(t, st.InsertTurn(ctx, NewTurn("s1", 3)), session.ErrTurnConflict)
		require.NoError(t, st.InsertTurn(ctx, NewTurn("s1", 2)))

		assert.ErrorIs(t, st.InsertTurn(ctx, NewTurn("missing", 1)), session.ErrSessionNotFound)

		turns, err := st.ListTurnsOrdered(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, turns, 2)
		for i, turn := range turns {
			assert.Equal(t, i+1, turn.Number)
			assert.Equal(t, fmt.Sprintf("utterance %d", i+1), turn.Utterance)
			assert.Nil(t, turn.StudentResponse)
		}

		_, err = st.ListTurnsOrdered(ctx, "missing")
		assert.ErrorIs(t, err, session.ErrSessionNotFound)
	})

	t.Run("EmptyTurnLog", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.InsertSession(ctx, NewSession("s1", 0)))
		turns, err := st.ListTurnsOrdered(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, turns)
	})

	t.Run("StudentResponseWrittenOnce", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.InsertSession(ctx, NewSession("s1", 0)))
		require.NoError(t, st.InsertTurn(ctx, NewTurn("s1", 1)))

		at := base.Add(time.Hour)
		require.NoError(t, st.AttachStudentResponse(ctx, "s1", 1, "Hola", at))
		assert.ErrorIs(t, st.AttachStudentResponse(ctx, "s1", 1, "Adiós", at), session.ErrResponseAlreadySet)
		assert.ErrorIs(t, st.AttachStudentResponse(ctx, "s1", 2, "Hola", at), session.ErrTurnNotFound)

		turns, err := st.ListTurnsOrdered(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, turns[0].StudentResponse)
		assert.Equal(t, "Hola", *turns[0].StudentResponse)
		require.NotNil(t, turns[0].RespondedAt)
		assert.True(t, turns[0].RespondedAt.Equal(at))
	})

	t.Run("CommitExchange", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.InsertSession(ctx, NewSession("s1", 0)))
		require.NoError(t, st.InsertTurn(ctx, NewTurn("s1", 1)))

		require.NoError(t, st.CommitExchange(ctx, "s1", 1, "Me gusta", NewTurn("s1", 2)))

		turns, err := st.ListTurnsOrdered(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, turns, 2)
		require.NotNil(t, turns[0].StudentResponse)
		assert.Equal(t, "Me gusta", *turns[0].StudentResponse)
		assert.Nil(t, turns[1].StudentResponse)

		got, err := st.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, got.UpdatedAt.Equal(NewTurn("s1", 2).CreatedAt))

		// Turn 1 already answered.
		assert.ErrorIs(t, st.CommitExchange(ctx, "s1", 1, "again", NewTurn("s1", 3)), session.ErrResponseAlreadySet)
		assert.ErrorIs(t, st.CommitExchange(ctx, "s1", 5, "x", NewTurn("s1", 6)), session.ErrTurnNotFound)
	})

	t.Run("CommitExchangeIsAtomic", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.InsertSession(ctx, NewSession("s1", 0)))
		require.NoError(t, st.InsertTurn(ctx, NewTurn("s1", 1)))

		err := st.CommitExchange(ctx, "s1", 1, "Hola", NewTurn("s1", 3))
		assert.ErrorIs(t, err, session.ErrTurnConflict)

		turns, err := st.ListTurnsOrdered(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, turns, 1)
		assert.Nil(t, turns[0].StudentResponse, "failed exchange must not leave a response behind")
	})

	t.Run("ConcurrentCommitExchange", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.InsertSession(ctx, NewSession("s1", 0)))
		require.NoError(t, st.InsertTurn(ctx, NewTurn("s1", 1)))

		const writers = 5
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = st.CommitExchange(ctx, "s1", 1, fmt.Sprintf("reply %d", i), NewTurn("s1", 2))
			}()
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, session.ErrResponseAlreadySet), errors.Is(err, session.ErrTurnConflict):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, succeeded)

		turns, err := st.ListTurnsOrdered(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, turns, 2)
	})

	t.Run("CorrectionWrittenOnce", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.InsertSession(ctx, NewSession("s1", 0)))
		require.NoError(t, st.InsertTurn(ctx, NewTurn("s1", 1)))

		c := session.CorrectionResult{
			HasErrors:     true,
			CorrectedText: "Yo tengo un perro.",
			Errors: []session.ErrorItem{{
				Span: "tiene", Replacement: "tengo", Explanation: "person agreement", Category: session.CategoryGrammar,
			}},
		}
		require.NoError(t, st.AttachCorrection(ctx, "s1", 1, c))
		assert.ErrorIs(t, st.AttachCorrection(ctx, "s1", 1, session.NoErrors("x")), session.ErrCorrectionAlreadySet)
		assert.ErrorIs(t, st.AttachCorrection(ctx, "s1", 9, c), session.ErrTurnNotFound)

		turns, err := st.ListTurnsOrdered(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, turns[0].Correction)
		assert.Equal(t, c, *turns[0].Correction)
	})

	t.Run("CompletionWrittenOnce", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.InsertSession(ctx, NewSession("s1", 0)))
		require.NoError(t, st.InsertTurn(ctx, NewTurn("s1", 1)))

		done := base.Add(2 * time.Hour)
		require.NoError(t, st.UpdateSessionCompletion(ctx, "s1", done))
		assert.ErrorIs(t, st.UpdateSessionCompletion(ctx, "s1", done.Add(time.Hour)), session.ErrAlreadyCompleted)
		assert.ErrorIs(t, st.UpdateSessionCompletion(ctx, "missing", done), session.ErrSessionNotFound)

		got, err := st.GetSession(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, got.CompletedAt.Equal(done))

		assert.ErrorIs(t, st.InsertTurn(ctx, NewTurn("s1", 2)), session.ErrAlreadyCompleted)
		assert.ErrorIs(t, st.CommitExchange(ctx, "s1", 1, "late", NewTurn("s1", 2)), session.ErrAlreadyCompleted)
	})

	t.Run("ReviewWrittenOnce", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.InsertSession(ctx, NewSession("s1", 0)))

		_, err := st.GetReview(ctx, "s1")
		assert.ErrorIs(t, err, session.ErrReviewNotFound)
		_, err = st.GetReview(ctx, "missing")
		assert.ErrorIs(t, err, session.ErrSessionNotFound)

		r := &session.Review{
			SessionID:    "s1",
			Rating:       session.RatingGood,
			Summary:      "Solid work.",
			Strengths:    []string{"fluency", "vocabulary range"},
			Improvements: []string{"verb agreement"},
			Breakdown:    session.Breakdown{Grammar: 2, Vocabulary: 1, Syntax: 1},
			TotalErrors:  4,
			CreatedAt:    base,
		}
		require.NoError(t, st.SaveReview(ctx, r))
		assert.ErrorIs(t, st.SaveReview(ctx, r), session.ErrReviewExists)

		got, err := st.GetReview(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, r.Rating, got.Rating)
		assert.Equal(t, r.Breakdown, got.Breakdown)
		assert.Equal(t, r.Strengths, got.Strengths)
		assert.True(t, got.CreatedAt.Equal(base))
	})

	t.Run("ListStaleSessions", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.InsertSession(ctx, NewSession("old", 0)))
		require.NoError(t, st.InsertSession(ctx, NewSession("older", -time.Hour)))
		require.NoError(t, st.InsertSession(ctx, NewSession("fresh", 3*time.Hour)))
		require.NoError(t, st.InsertSession(ctx, NewSession("done", -2*time.Hour)))
		require.NoError(t, st.UpdateSessionCompletion(ctx, "done", base.Add(-2*time.Hour)))

		stale, err := st.ListStaleSessions(ctx, base.Add(time.Hour), 0)
		require.NoError(t, err)
		ids := make([]string, 0, len(stale))
		for _, s := range stale {
			ids = append(ids, s.ID)
		}
		assert.Equal(t, []string{"older", "old"}, ids)

		limited, err := st.ListStaleSessions(ctx, base.Add(time.Hour), 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "older", limited[0].ID)
	})

	t.Run("Close", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Ping(ctx))
		require.NoError(t, st.Close())
		assert.ErrorIs(t, st.Ping(ctx), session.ErrStorageClosed)
		_, err := st.GetSession(ctx, "s1")
		assert.ErrorIs(t, err, session.ErrStorageClosed)
	})
}
