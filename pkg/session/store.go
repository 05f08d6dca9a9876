// Package session persists tutoring sessions, their turns and reviews.
package session

import (
	"context"
	"errors"
	"time"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when inserting a session id twice.
	ErrSessionExists = errors.New("session already exists")
	// ErrAlreadyCompleted is returned when writing the completion timestamp a
	// second time, or appending turns to a completed session.
	ErrAlreadyCompleted = errors.New("session already completed")
	// ErrTurnNotFound is returned when a turn number doesn't exist.
	ErrTurnNotFound = errors.New("turn not found")
	// ErrTurnConflict is returned when a turn number is not the next one in
	// sequence, usually because another writer appended first.
	ErrTurnConflict = errors.New("turn number conflict")
	// ErrResponseAlreadySet is returned when a turn already holds a student response.
	ErrResponseAlreadySet = errors.New("student response already set")
	// ErrCorrectionAlreadySet is returned when a turn already holds a correction.
	ErrCorrectionAlreadySet = errors.New("correction already set")
	// ErrReviewNotFound is returned when no review was stored for a session.
	ErrReviewNotFound = errors.New("review not found")
	// ErrReviewExists is returned when storing a second review for a session.
	ErrReviewExists = errors.New("review already exists")
	// ErrStorageClosed is returned when operating on a closed store.
	ErrStorageClosed = errors.New("session store is closed")
)

// Store abstracts session persistence. Implementations must be safe for
// concurrent use and enforce turn contiguity and the single-write fields
// themselves; callers never read-modify-write through them.
type Store interface {
	// InsertSession creates a session. Returns ErrSessionExists on id reuse.
	InsertSession(ctx context.Context, s *Session) error

	// CreateSession atomically inserts s together with its first turn, which
	// must be turn 1. Either both are stored or neither is.
	CreateSession(ctx context.Context, s *Session, first *Turn) error

	// GetSession returns ErrSessionNotFound if the session doesn't exist.
	GetSession(ctx context.Context, id string) (*Session, error)

	// UpdateSessionCompletion writes the completion timestamp once.
	// Returns ErrAlreadyCompleted on any later call.
	UpdateSessionCompletion(ctx context.Context, id string, at time.Time) error

	// InsertTurn appends a turn. t.Number must equal the current turn count
	// plus one, otherwise ErrTurnConflict.
	InsertTurn(ctx context.Context, t *Turn) error

	// ListTurnsOrdered returns all turns of a session by ascending number.
	ListTurnsOrdered(ctx context.Context, sessionID string) ([]*Turn, error)

	// AttachStudentResponse sets the response of a turn once.
	AttachStudentResponse(ctx context.Context, sessionID string, number int, response string, at time.Time) error

	// CommitExchange atomically attaches response to turn prev, which must be
	// the latest turn, and appends next. Either both writes happen or neither.
	CommitExchange(ctx context.Context, sessionID string, prev int, response string, next *Turn) error

	// AttachCorrection sets the correction of a turn once.
	AttachCorrection(ctx context.Context, sessionID string, number int, c CorrectionResult) error

	// SaveReview stores the review once. Returns ErrReviewExists afterwards.
	SaveReview(ctx context.Context, r *Review) error

	// GetReview returns ErrReviewNotFound if no review was saved.
	GetReview(ctx context.Context, sessionID string) (*Review, error)

	// ListStaleSessions returns up to limit active sessions whose last
	// activity is before idleSince, oldest first.
	ListStaleSessions(ctx context.Context, idleSince time.Time, limit int) ([]*Session, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// checkNext validates that next may follow a log of count turns.
func checkNext(sessionID string, count int, next *Turn) error {
	if next == nil || next.SessionID != sessionID || next.Number != count+1 {
		return ErrTurnConflict
	}
	return nil
}
