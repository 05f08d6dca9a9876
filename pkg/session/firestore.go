package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig configures a FirestoreStore.
type FirestoreConfig struct {
	ProjectID string
	// CredentialsFile is an optional service account key path.
	CredentialsFile string
	// Collection holds session documents (default: "tutor_sessions"). Turns
	// live in a "turns" subcollection of each session document and reviews in
	// Collection + "_reviews".
	Collection string
}

type fsSession struct {
	ID              string     `firestore:"id"`
	UserID          string     `firestore:"user_id"`
	Level           string     `firestore:"level"`
	Language        string     `firestore:"language"`
	TextID          string     `firestore:"text_id"`
	DialogID        string     `firestore:"dialog_id"`
	Persona         string     `firestore:"persona"`
	OppositePersona string     `firestore:"opposite_persona"`
	CreatedAt       time.Time  `firestore:"created_at"`
	UpdatedAt       time.Time  `firestore:"updated_at"`
	CompletedAt     *time.Time `firestore:"completed_at"`
	Active          bool       `firestore:"active"`
	TurnCount       int        `firestore:"turn_count"`
}

type fsTurn struct {
	Number          int        `firestore:"number"`
	Utterance       string     `firestore:"utterance"`
	StudentResponse *string    `firestore:"student_response"`
	Correction      string     `firestore:"correction"`
	CreatedAt       time.Time  `firestore:"created_at"`
	RespondedAt     *time.Time `firestore:"responded_at"`
}

type fsReview struct {
	Payload   string    `firestore:"payload"`
	CreatedAt time.Time `firestore:"created_at"`
}

// FirestoreStore implements Store on Cloud Firestore. Every multi-document
// change runs in a Firestore transaction.
type FirestoreStore struct {
	client   *firestore.Client
	sessions *firestore.CollectionRef
	reviews  *firestore.CollectionRef
	mu       sync.RWMutex
	closed   bool
}

// NewFirestoreStore creates a client for cfg.ProjectID. Set
// FIRESTORE_EMULATOR_HOST to target the emulator.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore project id is required")
	}
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return NewFirestoreStoreFromClient(client, cfg.Collection), nil
}

func NewFirestoreStoreFromClient(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = "tutor_sessions"
	}
	return &FirestoreStore{
		client:   client,
		sessions: client.Collection(collection),
		reviews:  client.Collection(collection + "_reviews"),
	}
}

func (f *FirestoreStore) checkOpen() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrStorageClosed
	}
	return nil
}

func (f *FirestoreStore) turnRef(sessionID string, number int) *firestore.DocumentRef {
	return f.sessions.Doc(sessionID).Collection("turns").Doc(fmt.Sprintf("%06d", number))
}

func toFSSession(s *Session) fsSession {
	return fsSession{
		ID:              s.ID,
		UserID:          s.UserID,
		Level:           string(s.Level),
		Language:        s.Language,
		TextID:          s.TextID,
		DialogID:        s.DialogID,
		Persona:         s.Persona,
		OppositePersona: s.OppositePersona,
		CreatedAt:       s.CreatedAt.UTC(),
		UpdatedAt:       s.UpdatedAt.UTC(),
		CompletedAt:     s.CompletedAt,
		Active:          s.CompletedAt == nil,
	}
}

func (d fsSession) session() *Session {
	s := &Session{
		ID:              d.ID,
		UserID:          d.UserID,
		Level:           Level(d.Level),
		Language:        d.Language,
		TextID:          d.TextID,
		DialogID:        d.DialogID,
		Persona:         d.Persona,
		OppositePersona: d.OppositePersona,
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
	}
	if d.CompletedAt != nil {
		at := d.CompletedAt.UTC()
		s.CompletedAt = &at
	}
	return s
}

func toFSTurn(t *Turn) (fsTurn, error) {
	d := fsTurn{
		Number:          t.Number,
		Utterance:       t.Utterance,
		StudentResponse: t.StudentResponse,
		CreatedAt:       t.CreatedAt.UTC(),
		RespondedAt:     t.RespondedAt,
	}
	if t.Correction != nil {
		data, err := json.Marshal(t.Correction)
		if err != nil {
			return d, fmt.Errorf("marshal correction: %w", err)
		}
		d.Correction = string(data)
	}
	return d, nil
}

func (d fsTurn) turn(sessionID string) (*Turn, error) {
	t := &Turn{
		SessionID:       sessionID,
		Number:          d.Number,
		Utterance:       d.Utterance,
		StudentResponse: d.StudentResponse,
		CreatedAt:       d.CreatedAt.UTC(),
	}
	if d.RespondedAt != nil {
		at := d.RespondedAt.UTC()
		t.RespondedAt = &at
	}
	if d.Correction != "" {
		var c CorrectionResult
		if err := json.Unmarshal([]byte(d.Correction), &c); err != nil {
			return nil, fmt.Errorf("unmarshal correction: %w", err)
		}
		c = c.Clone()
		t.Correction = &c
	}
	return t, nil
}

func (f *FirestoreStore) InsertSession(ctx context.Context, s *Session) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	_, err := f.sessions.Doc(s.ID).Create(ctx, toFSSession(s))
	if status.Code(err) == codes.AlreadyExists {
		return ErrSessionExists
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (f *FirestoreStore) CreateSession(ctx context.Context, s *Session, first *Turn) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if err := checkNext(s.ID, 0, first); err != nil {
		return err
	}
	turn, err := toFSTurn(first)
	if err != nil {
		return err
	}
	doc := toFSSession(s)
	doc.TurnCount = first.Number
	doc.UpdatedAt = first.CreatedAt.UTC()

	err = f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(f.sessions.Doc(s.ID), doc); err != nil {
			return err
		}
		return tx.Create(f.turnRef(s.ID, first.Number), turn)
	})
	if status.Code(err) == codes.AlreadyExists {
		return ErrSessionExists
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (f *FirestoreStore) getSession(ctx context.Context, tx *firestore.Transaction, id string) (fsSession, error) {
	var (
		snap *firestore.DocumentSnapshot
		err  error
	)
	if tx != nil {
		snap, err = tx.Get(f.sessions.Doc(id))
	} else {
		snap, err = f.sessions.Doc(id).Get(ctx)
	}
	if status.Code(err) == codes.NotFound {
		return fsSession{}, ErrSessionNotFound
	}
	if err != nil {
		return fsSession{}, fmt.Errorf("get session: %w", err)
	}
	var d fsSession
	if err := snap.DataTo(&d); err != nil {
		return fsSession{}, fmt.Errorf("decode session: %w", err)
	}
	return d, nil
}

func (f *FirestoreStore) getTurn(tx *firestore.Transaction, sessionID string, number int) (fsTurn, error) {
	if number < 1 {
		return fsTurn{}, ErrTurnNotFound
	}
	snap, err := tx.Get(f.turnRef(sessionID, number))
	if status.Code(err) == codes.NotFound {
		return fsTurn{}, ErrTurnNotFound
	}
	if err != nil {
		return fsTurn{}, fmt.Errorf("get turn: %w", err)
	}
	var d fsTurn
	if err := snap.DataTo(&d); err != nil {
		return fsTurn{}, fmt.Errorf("decode turn: %w", err)
	}
	return d, nil
}

func (f *FirestoreStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	d, err := f.getSession(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	return d.session(), nil
}

func (f *FirestoreStore) UpdateSessionCompletion(ctx context.Context, id string, at time.Time) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		d, err := f.getSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.CompletedAt != nil {
			return ErrAlreadyCompleted
		}
		at := at.UTC()
		return tx.Update(f.sessions.Doc(id), []firestore.Update{
			{Path: "completed_at", Value: at},
			{Path: "updated_at", Value: at},
			{Path: "active", Value: false},
		})
	})
}

func (f *FirestoreStore) InsertTurn(ctx context.Context, t *Turn) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	doc, err := toFSTurn(t)
	if err != nil {
		return err
	}
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		d, err := f.getSession(ctx, tx, t.SessionID)
		if err != nil {
			return err
		}
		if d.CompletedAt != nil {
			return ErrAlreadyCompleted
		}
		if err := checkNext(t.SessionID, d.TurnCount, t); err != nil {
			return err
		}
		if err := tx.Create(f.turnRef(t.SessionID, t.Number), doc); err != nil {
			return err
		}
		return tx.Update(f.sessions.Doc(t.SessionID), []firestore.Update{
			{Path: "turn_count", Value: t.Number},
			{Path: "updated_at", Value: t.CreatedAt.UTC()},
		})
	})
}

func (f *FirestoreStore) ListTurnsOrdered(ctx context.Context, sessionID string) ([]*Turn, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := f.getSession(ctx, nil, sessionID); err != nil {
		return nil, err
	}

	iter := f.sessions.Doc(sessionID).Collection("turns").OrderBy("number", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	turns := []*Turn{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list turns: %w", err)
		}
		var d fsTurn
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		t, err := d.turn(sessionID)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (f *FirestoreStore) AttachStudentResponse(ctx context.Context, sessionID string, number int, response string, at time.Time) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := f.getSession(ctx, tx, sessionID); err != nil {
			return err
		}
		d, err := f.getTurn(tx, sessionID, number)
		if err != nil {
			return err
		}
		if d.StudentResponse != nil {
			return ErrResponseAlreadySet
		}
		at := at.UTC()
		if err := tx.Update(f.turnRef(sessionID, number), []firestore.Update{
			{Path: "student_response", Value: response},
			{Path: "responded_at", Value: at},
		}); err != nil {
			return err
		}
		return tx.Update(f.sessions.Doc(sessionID), []firestore.Update{
			{Path: "updated_at", Value: at},
		})
	})
}

func (f *FirestoreStore) CommitExchange(ctx context.Context, sessionID string, prev int, response string, next *Turn) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	doc, err := toFSTurn(next)
	if err != nil {
		return err
	}
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		d, err := f.getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		pt, err := f.getTurn(tx, sessionID, prev)
		if err != nil {
			return err
		}
		if d.CompletedAt != nil {
			return ErrAlreadyCompleted
		}
		if pt.StudentResponse != nil {
			return ErrResponseAlreadySet
		}
		if prev != d.TurnCount {
			return ErrTurnConflict
		}
		if err := checkNext(sessionID, d.TurnCount, next); err != nil {
			return err
		}

		at := next.CreatedAt.UTC()
		if err := tx.Update(f.turnRef(sessionID, prev), []firestore.Update{
			{Path: "student_response", Value: response},
			{Path: "responded_at", Value: at},
		}); err != nil {
			return err
		}
		if err := tx.Create(f.turnRef(sessionID, next.Number), doc); err != nil {
			return err
		}
		return tx.Update(f.sessions.Doc(sessionID), []firestore.Update{
			{Path: "turn_count", Value: next.Number},
			{Path: "updated_at", Value: at},
		})
	})
}

func (f *FirestoreStore) AttachCorrection(ctx context.Context, sessionID string, number int, c CorrectionResult) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(c.Clone())
	if err != nil {
		return fmt.Errorf("marshal correction: %w", err)
	}
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := f.getSession(ctx, tx, sessionID); err != nil {
			return err
		}
		d, err := f.getTurn(tx, sessionID, number)
		if err != nil {
			return err
		}
		if d.Correction != "" {
			return ErrCorrectionAlreadySet
		}
		return tx.Update(f.turnRef(sessionID, number), []firestore.Update{
			{Path: "correction", Value: string(data)},
		})
	})
}

func (f *FirestoreStore) SaveReview(ctx context.Context, r *Review) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	if _, err := f.getSession(ctx, nil, r.SessionID); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal review: %w", err)
	}
	_, err = f.reviews.Doc(r.SessionID).Create(ctx, fsReview{Payload: string(data), CreatedAt: r.CreatedAt.UTC()})
	if status.Code(err) == codes.AlreadyExists {
		return ErrReviewExists
	}
	if err != nil {
		return fmt.Errorf("save review: %w", err)
	}
	return nil
}

func (f *FirestoreStore) GetReview(ctx context.Context, sessionID string) (*Review, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	snap, err := f.reviews.Doc(sessionID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		if _, err := f.getSession(ctx, nil, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrReviewNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	var d fsReview
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decode review: %w", err)
	}
	var r Review
	if err := json.Unmarshal([]byte(d.Payload), &r); err != nil {
		return nil, fmt.Errorf("unmarshal review: %w", err)
	}
	return &r, nil
}

func (f *FirestoreStore) ListStaleSessions(ctx context.Context, idleSince time.Time, limit int) ([]*Session, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	q := f.sessions.Where("active", "==", true).
		Where("updated_at", "<", idleSince.UTC()).
		OrderBy("updated_at", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*Session
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list stale sessions: %w", err)
		}
		var d fsSession
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, d.session())
	}
	return out, nil
}

func (f *FirestoreStore) Ping(ctx context.Context) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	iter := f.sessions.Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

func (f *FirestoreStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.client.Close()
}
