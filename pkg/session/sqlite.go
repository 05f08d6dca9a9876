package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tutor_sessions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	level            TEXT NOT NULL,
	language         TEXT NOT NULL,
	text_id          TEXT,
	dialog_id        TEXT,
	persona          TEXT,
	opposite_persona TEXT,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	completed_at     INTEGER,
	CHECK ((text_id IS NULL) <> (dialog_id IS NULL))
);
CREATE INDEX IF NOT EXISTS idx_tutor_sessions_active
	ON tutor_sessions(updated_at) WHERE completed_at IS NULL;

CREATE TABLE IF NOT EXISTS tutor_turns (
	session_id       TEXT NOT NULL REFERENCES tutor_sessions(id),
	turn_number      INTEGER NOT NULL CHECK (turn_number >= 1),
	utterance        TEXT NOT NULL,
	student_response TEXT,
	correction       TEXT,
	created_at       INTEGER NOT NULL,
	responded_at     INTEGER,
	PRIMARY KEY (session_id, turn_number)
);

CREATE TABLE IF NOT EXISTS tutor_reviews (
	session_id TEXT PRIMARY KEY REFERENCES tutor_sessions(id),
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) the database at path. Use
// ":memory:" for a throwaway database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

func (s *SQLiteStore) InsertSession(ctx context.Context, sess *Session) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := sess.Validate(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertSession(ctx, tx, sess)
	})
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session, first *Turn) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := sess.Validate(); err != nil {
		return err
	}
	if err := checkNext(sess.ID, 0, first); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertSession(ctx, tx, sess); err != nil {
			return err
		}
		return insertTurn(ctx, tx, first)
	})
}

func insertSession(ctx context.Context, tx *sql.Tx, sess *Session) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tutor_sessions
			(id, user_id, level, language, text_id, dialog_id, persona, opposite_persona, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, string(sess.Level), sess.Language,
		nullString(sess.TextID), nullString(sess.DialogID),
		nullString(sess.Persona), nullString(sess.OppositePersona),
		sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(),
	)
	if isConstraintErr(err) {
		return ErrSessionExists
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, level, language, text_id, dialog_id, persona, opposite_persona, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                                Session
		level                               string
		textID, dialogID, persona, opposite sql.NullString
		createdAt, updatedAt                int64
		completedAt                         sql.NullInt64
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &level, &sess.Language,
		&textID, &dialogID, &persona, &opposite,
		&createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	sess.Level = Level(level)
	sess.TextID = textID.String
	sess.DialogID = dialogID.String
	sess.Persona = persona.String
	sess.OppositePersona = opposite.String
	sess.CreatedAt = fromUnixNano(createdAt)
	sess.UpdatedAt = fromUnixNano(updatedAt)
	if completedAt.Valid {
		at := fromUnixNano(completedAt.Int64)
		sess.CompletedAt = &at
	}
	return &sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM tutor_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSessionCompletion(ctx context.Context, id string, at time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := sessionState(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tutor_sessions SET completed_at = ?, updated_at = ?
			WHERE id = ? AND completed_at IS NULL`,
			at.UnixNano(), at.UnixNano(), id)
		if err != nil {
			return fmt.Errorf("complete session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAlreadyCompleted
		}
		return nil
	})
}

// sessionState returns whether the session is completed.
func sessionState(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var completedAt sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT completed_at FROM tutor_sessions WHERE id = ?`, id).Scan(&completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrSessionNotFound
	}
	if err != nil {
		return false, fmt.Errorf("load session: %w", err)
	}
	return completedAt.Valid, nil
}

func turnCount(ctx context.Context, tx *sql.Tx, sessionID string) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tutor_turns WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

func insertTurn(ctx context.Context, tx *sql.Tx, t *Turn) error {
	var correction sql.NullString
	if t.Correction != nil {
		data, err := json.Marshal(t.Correction)
		if err != nil {
			return fmt.Errorf("marshal correction: %w", err)
		}
		correction = sql.NullString{String: string(data), Valid: true}
	}
	var response sql.NullString
	var respondedAt sql.NullInt64
	if t.StudentResponse != nil {
		response = sql.NullString{String: *t.StudentResponse, Valid: true}
		if t.RespondedAt != nil {
			respondedAt = sql.NullInt64{Int64: t.RespondedAt.UnixNano(), Valid: true}
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tutor_turns
			(session_id, turn_number, utterance, student_response, correction, created_at, responded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.Number, t.Utterance, response, correction, t.CreatedAt.UnixNano(), respondedAt)
	if isConstraintErr(err) {
		return ErrTurnConflict
	}
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE tutor_sessions SET updated_at = ? WHERE id = ?`,
		t.CreatedAt.UnixNano(), t.SessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertTurn(ctx context.Context, t *Turn) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		completed, err := sessionState(ctx, tx, t.SessionID)
		if err != nil {
			return err
		}
		if completed {
			return ErrAlreadyCompleted
		}
		n, err := turnCount(ctx, tx, t.SessionID)
		if err != nil {
			return err
		}
		if err := checkNext(t.SessionID, n, t); err != nil {
			return err
		}
		return insertTurn(ctx, tx, t)
	})
}

func (s *SQLiteStore) ListTurnsOrdered(ctx context.Context, sessionID string) ([]*Turn, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_number, utterance, student_response, correction, created_at, responded_at
		FROM tutor_turns WHERE session_id = ? ORDER BY turn_number ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	turns := []*Turn{}
	for rows.Next() {
		var (
			t           = &Turn{SessionID: sessionID}
			response    sql.NullString
			correction  sql.NullString
			createdAt   int64
			respondedAt sql.NullInt64
		)
		if err := rows.Scan(&t.Number, &t.Utterance, &response, &correction, &createdAt, &respondedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.CreatedAt = fromUnixNano(createdAt)
		if response.Valid {
			r := response.String
			t.StudentResponse = &r
		}
		if respondedAt.Valid {
			at := fromUnixNano(respondedAt.Int64)
			t.RespondedAt = &at
		}
		if correction.Valid {
			var c CorrectionResult
			if err := json.Unmarshal([]byte(correction.String), &c); err != nil {
				return nil, fmt.Errorf("unmarshal correction: %w", err)
			}
			c = c.Clone()
			t.Correction = &c
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return turns, nil
}

// turnFlags loads which single-write fields of a turn are already set.
func turnFlags(ctx context.Context, tx *sql.Tx, sessionID string, number int) (hasResponse, hasCorrection bool, err error) {
	if _, err := sessionState(ctx, tx, sessionID); err != nil {
		return false, false, err
	}
	var response, correction sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT student_response, correction FROM tutor_turns
		WHERE session_id = ? AND turn_number = ?`, sessionID, number).Scan(&response, &correction)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, ErrTurnNotFound
	}
	if err != nil {
		return false, false, fmt.Errorf("load turn: %w", err)
	}
	return response.Valid, correction.Valid, nil
}

func attachResponse(ctx context.Context, tx *sql.Tx, sessionID string, number int, response string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tutor_turns SET student_response = ?, responded_at = ?
		WHERE session_id = ? AND turn_number = ? AND student_response IS NULL`,
		response, at.UnixNano(), sessionID, number)
	if err != nil {
		return fmt.Errorf("attach response: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE tutor_sessions SET updated_at = ? WHERE id = ?`, at.UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AttachStudentResponse(ctx context.Context, sessionID string, number int, response string, at time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		hasResponse, _, err := turnFlags(ctx, tx, sessionID, number)
		if err != nil {
			return err
		}
		if hasResponse {
			return ErrResponseAlreadySet
		}
		return attachResponse(ctx, tx, sessionID, number, response, at)
	})
}

func (s *SQLiteStore) CommitExchange(ctx context.Context, sessionID string, prev int, response string, next *Turn) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		hasResponse, _, err := turnFlags(ctx, tx, sessionID, prev)
		if err != nil {
			return err
		}
		completed, err := sessionState(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if completed {
			return ErrAlreadyCompleted
		}
		if hasResponse {
			return ErrResponseAlreadySet
		}
		n, err := turnCount(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if prev != n {
			return ErrTurnConflict
		}
		if err := checkNext(sessionID, n, next); err != nil {
			return err
		}
		if err := attachResponse(ctx, tx, sessionID, prev, response, next.CreatedAt); err != nil {
			return err
		}
		return insertTurn(ctx, tx, next)
	})
}

func (s *SQLiteStore) AttachCorrection(ctx context.Context, sessionID string, number int, c CorrectionResult) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(c.Clone())
	if err != nil {
		return fmt.Errorf("marshal correction: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, hasCorrection, err := turnFlags(ctx, tx, sessionID, number)
		if err != nil {
			return err
		}
		if hasCorrection {
			return ErrCorrectionAlreadySet
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tutor_turns SET correction = ?
			WHERE session_id = ? AND turn_number = ? AND correction IS NULL`,
			string(data), sessionID, number)
		if err != nil {
			return fmt.Errorf("attach correction: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) SaveReview(ctx context.Context, r *Review) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal review: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := sessionState(ctx, tx, r.SessionID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tutor_reviews (session_id, payload, created_at) VALUES (?, ?, ?)`,
			r.SessionID, string(data), r.CreatedAt.UnixNano())
		if isConstraintErr(err) {
			return ErrReviewExists
		}
		if err != nil {
			return fmt.Errorf("insert review: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetReview(ctx context.Context, sessionID string) (*Review, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM tutor_reviews WHERE session_id = ?`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, ErrReviewNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get review: %w", err)
	}
	var r Review
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("unmarshal review: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) ListStaleSessions(ctx context.Context, idleSince time.Time, limit int) ([]*Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT ` + sessionColumns + ` FROM tutor_sessions
		WHERE completed_at IS NULL AND updated_at < ?
		ORDER BY updated_at ASC, id ASC`
	args := []any{idleSince.UnixNano()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// isConstraintErr checks for primary key and unique violations.
func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
