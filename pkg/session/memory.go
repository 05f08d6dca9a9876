package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRecord struct {
	session *Session
	turns   []*Turn
	review  *Review
}

// MemoryStore keeps everything in process memory. It is meant for tests,
// the chat command and single-node development.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryRecord
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memoryRecord)}
}

func (m *MemoryStore) InsertSession(_ context.Context, s *Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	if _, ok := m.sessions[s.ID]; ok {
		return ErrSessionExists
	}
	m.sessions[s.ID] = &memoryRecord{session: s.Clone()}
	return nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session, first *Turn) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := checkNext(s.ID, 0, first); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	if _, ok := m.sessions[s.ID]; ok {
		return ErrSessionExists
	}
	rec := &memoryRecord{session: s.Clone(), turns: []*Turn{first.Clone()}}
	rec.session.UpdatedAt = first.CreatedAt.UTC()
	m.sessions[s.ID] = rec
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.record(id)
	if err != nil {
		return nil, err
	}
	return rec.session.Clone(), nil
}

// record must be called with m.mu held.
func (m *MemoryStore) record(id string) (*memoryRecord, error) {
	if m.closed {
		return nil, ErrStorageClosed
	}
	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return rec, nil
}

func (m *MemoryStore) UpdateSessionCompletion(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(id)
	if err != nil {
		return err
	}
	if rec.session.CompletedAt != nil {
		return ErrAlreadyCompleted
	}
	at = at.UTC()
	rec.session.CompletedAt = &at
	rec.session.UpdatedAt = at
	return nil
}

func (m *MemoryStore) InsertTurn(_ context.Context, t *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(t.SessionID)
	if err != nil {
		return err
	}
	if rec.session.CompletedAt != nil {
		return ErrAlreadyCompleted
	}
	if err := checkNext(t.SessionID, len(rec.turns), t); err != nil {
		return err
	}
	rec.turns = append(rec.turns, t.Clone())
	rec.session.UpdatedAt = t.CreatedAt.UTC()
	return nil
}

func (m *MemoryStore) ListTurnsOrdered(_ context.Context, sessionID string) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.record(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*Turn, len(rec.turns))
	for i, t := range rec.turns {
		out[i] = t.Clone()
	}
	return out, nil
}

// turn must be called with m.mu held.
func (m *MemoryStore) turn(sessionID string, number int) (*memoryRecord, *Turn, error) {
	rec, err := m.record(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if number < 1 || number > len(rec.turns) {
		return nil, nil, ErrTurnNotFound
	}
	return rec, rec.turns[number-1], nil
}

func (m *MemoryStore) AttachStudentResponse(_ context.Context, sessionID string, number int, response string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, t, err := m.turn(sessionID, number)
	if err != nil {
		return err
	}
	if t.StudentResponse != nil {
		return ErrResponseAlreadySet
	}
	at = at.UTC()
	t.StudentResponse = &response
	t.RespondedAt = &at
	rec.session.UpdatedAt = at
	return nil
}

func (m *MemoryStore) CommitExchange(_ context.Context, sessionID string, prev int, response string, next *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, t, err := m.turn(sessionID, prev)
	if err != nil {
		return err
	}
	if rec.session.CompletedAt != nil {
		return ErrAlreadyCompleted
	}
	if t.StudentResponse != nil {
		return ErrResponseAlreadySet
	}
	if prev != len(rec.turns) {
		return ErrTurnConflict
	}
	if err := checkNext(sessionID, len(rec.turns), next); err != nil {
		return err
	}

	at := next.CreatedAt.UTC()
	t.StudentResponse = &response
	t.RespondedAt = &at
	rec.turns = append(rec.turns, next.Clone())
	rec.session.UpdatedAt = at
	return nil
}

func (m *MemoryStore) AttachCorrection(_ context.Context, sessionID string, number int, c CorrectionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, t, err := m.turn(sessionID, number)
	if err != nil {
		return err
	}
	if t.Correction != nil {
		return ErrCorrectionAlreadySet
	}
	c = c.Clone()
	t.Correction = &c
	return nil
}

func (m *MemoryStore) SaveReview(_ context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.record(r.SessionID)
	if err != nil {
		return err
	}
	if rec.review != nil {
		return ErrReviewExists
	}
	rec.review = r.Clone()
	return nil
}

func (m *MemoryStore) GetReview(_ context.Context, sessionID string) (*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.record(sessionID)
	if err != nil {
		return nil, err
	}
	if rec.review == nil {
		return nil, ErrReviewNotFound
	}
	return rec.review.Clone(), nil
}

func (m *MemoryStore) ListStaleSessions(_ context.Context, idleSince time.Time, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	var out []*Session
	for _, rec := range m.sessions {
		s := rec.session
		if s.CompletedAt == nil && s.UpdatedAt.Before(idleSince) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
