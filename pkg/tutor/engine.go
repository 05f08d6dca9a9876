// Package tutor runs tutoring sessions: it generates tutor turns, checks
// their language, analyzes student replies and reviews finished sessions.
//
// The Engine keeps no session state between calls. Every operation re-reads
// the session and its turns from the store, so any number of engines may
// serve the same store.
//
// Model calls are not cancelled by the caller. When ctx ends first the call
// returns ctx.Err() while generation and persistence finish in the
// background, so a turn may be stored after its caller gave up. Use Wait to
// drain that work on shutdown.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/lectio-dev/lectio/internal/langguard"
	"github.com/lectio-dev/lectio/internal/llm"
	"github.com/lectio-dev/lectio/internal/llm/provider"
	"github.com/lectio-dev/lectio/internal/observability"
	"github.com/lectio-dev/lectio/internal/resilience"
	obsmetrics "github.com/lectio-dev/lectio/pkg/observability"
	"github.com/lectio-dev/lectio/pkg/reference"
	"github.com/lectio-dev/lectio/pkg/session"
)

// DefaultMaxTurns is the turn number at which a session should end.
const DefaultMaxTurns = 10

// LanguageGuard rejects text dominated by a language other than expected.
// *langguard.Guard implements it.
type LanguageGuard interface {
	Enforce(text, expected string) error
}

// Temperatures per kind of model call.
type Temperatures struct {
	Turn     float64
	Analysis float64
	Review   float64
}

// DefaultTemperatures favours varied turns and stable judgments.
func DefaultTemperatures() Temperatures {
	return Temperatures{Turn: 0.7, Analysis: 0.1, Review: 0.5}
}

// Engine implements the session operations.
type Engine struct {
	store  session.Store
	refs   reference.Lookup
	gen    llm.Generator
	policy resilience.Policy
	guard  LanguageGuard

	maxTurns     int
	temps        Temperatures
	feedbackLang string
	serialize    bool
	parallelism  int

	locks    *keyedMutex
	inflight sync.WaitGroup
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRetryPolicy sets the policy applied to every model call.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithGuard(g LanguageGuard) Option {
	return func(e *Engine) {
		if g != nil {
			e.guard = g
		}
	}
}

// WithMaxTurns sets the turn number at which ContinueSession reports
// ShouldEnd.
func WithMaxTurns(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTurns = n
		}
	}
}

func WithTemperatures(t Temperatures) Option {
	return func(e *Engine) { e.temps = t }
}

// WithFeedbackLanguage sets the language review prose is written and checked in.
func WithFeedbackLanguage(lang string) Option {
	return func(e *Engine) {
		if lang != "" {
			e.feedbackLang = langguard.Normalize(lang)
		}
	}
}

// WithSessionSerialization toggles the in-process per-session lock around
// ContinueSession and EndSession. It is on by default.
func WithSessionSerialization(on bool) Option {
	return func(e *Engine) { e.serialize = on }
}

// WithAnalysisParallelism bounds concurrent analyses during EndSession.
func WithAnalysisParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator replaces the random session id source.
func WithIDGenerator(f func() string) Option {
	return func(e *Engine) {
		if f != nil {
			e.newID = f
		}
	}
}

// New creates an Engine. gen is called through the engine's retry policy.
func New(store session.Store, refs reference.Lookup, gen llm.Generator, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		refs:         refs,
		guard:        langguard.New(),
		maxTurns:     DefaultMaxTurns,
		temps:        DefaultTemperatures(),
		feedbackLang: "en",
		serialize:    true,
		parallelism:  4,
		locks:        newKeyedMutex(),
		now:          time.Now,
		newID:        uuid.NewString,
		policy:       resilience.DefaultPolicy(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.gen = llm.Resilient(gen, resilience.New(e.policy, resilience.WithLogger(e.logger)))
	return e
}

// Wait blocks until background work started by abandoned calls finishes or
// ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartParams describes a new session. Exactly one of TextID and DialogID
// must be set; Persona is required with DialogID and forbidden otherwise.
type StartParams struct {
	UserID   string        `json:"user_id"`
	Level    session.Level `json:"level"`
	Language string        `json:"language"`
	TextID   string        `json:"text_id,omitempty"`
	DialogID string        `json:"dialog_id,omitempty"`
	Persona  string        `json:"persona,omitempty"`
}

// Validate checks p without consulting any collaborator.
func (p StartParams) Validate() error {
	switch {
	case strings.TrimSpace(p.UserID) == "":
		return invalid("user_id", "required")
	case !p.Level.Valid():
		return invalid("level", "%q is not one of A1, A2, B1, B2, C1, C2", p.Level)
	case strings.TrimSpace(p.Language) == "":
		return invalid("language", "required")
	case p.TextID == "" && p.DialogID == "":
		return invalid("text_id", "one of text_id or dialog_id is required")
	case p.TextID != "" && p.DialogID != "":
		return invalid("text_id", "text_id and dialog_id are mutually exclusive")
	case p.DialogID != "" && strings.TrimSpace(p.Persona) == "":
		return invalid("persona", "required for dialog sessions")
	case p.DialogID == "" && p.Persona != "":
		return invalid("persona", "only allowed for dialog sessions")
	}
	if _, err := language.Parse(p.Language); err != nil {
		return invalid("language", "%q is not a language tag", p.Language)
	}
	return nil
}

// StartResult is the first turn of a new session.
type StartResult struct {
	SessionID       string       `json:"session_id"`
	Utterance       string       `json:"utterance"`
	TurnNumber      int          `json:"turn_number"`
	Mode            session.Mode `json:"mode"`
	OppositePersona string       `json:"opposite_persona,omitempty"`
}

// StartSession validates p, generates the opening utterance and persists the
// session with turn 1.
func (e *Engine) StartSession(ctx context.Context, p StartParams) (*StartResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return resilience.Detach(ctx, &e.inflight, func(ctx context.Context) (*StartResult, error) {
		return e.start(ctx, p)
	})
}

func (e *Engine) start(ctx context.Context, p StartParams) (res *StartResult, err error) {
	ctx, span := observability.StartSpan(ctx, "tutor.start",
		trace.WithAttributes(attribute.String("tutor.level", string(p.Level))))
	defer func() { observability.EndSpan(span, err) }()

	now := e.now().UTC()
	s := &session.Session{
		ID:        e.newID(),
		UserID:    strings.TrimSpace(p.UserID),
		Level:     p.Level,
		Language:  langguard.Normalize(p.Language),
		TextID:    p.TextID,
		DialogID:  p.DialogID,
		Persona:   strings.TrimSpace(p.Persona),
		CreatedAt: now,
		UpdatedAt: now,
	}

	system, err := e.systemPrompt(ctx, s)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("tutor.session_id", s.ID), attribute.String("tutor.mode", string(s.Mode())))

	utterance, err := e.generateTurn(ctx, "start", s, llm.Prompt{
		System:   system,
		Messages: []provider.Message{openingMessage(s)},
	})
	if err != nil {
		return nil, err
	}

	turn := &session.Turn{SessionID: s.ID, Number: 1, Utterance: utterance, CreatedAt: e.now().UTC()}
	if err := e.store.CreateSession(ctx, s, turn); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	obsmetrics.RecordSessionStarted(string(s.Mode()))
	obsmetrics.RecordTurn(string(s.Mode()))
	e.logger.Info("session started",
		"session_id", s.ID, "user_id", s.UserID, "mode", s.Mode(), "level", s.Level, "language", s.Language)

	return &StartResult{
		SessionID:       s.ID,
		Utterance:       utterance,
		TurnNumber:      1,
		Mode:            s.Mode(),
		OppositePersona: s.OppositePersona,
	}, nil
}

// systemPrompt builds the tutor instructions from the session's reference
// content. For dialog sessions it also resolves s.OppositePersona when unset.
func (e *Engine) systemPrompt(ctx context.Context, s *session.Session) (string, error) {
	if s.Mode() == session.ModeRoleplay {
		d, err := e.refs.GetDialog(ctx, s.DialogID)
		if err != nil {
			return "", referenceErr("dialog", s.DialogID, err)
		}
		persona, opposite, err := resolvePersona(d, s.Persona)
		if err != nil {
			return "", err
		}
		s.Persona = persona
		if s.OppositePersona == "" {
			s.OppositePersona = opposite
		}
		return roleplaySystem(s, d), nil
	}

	t, err := e.refs.GetText(ctx, s.TextID)
	if err != nil {
		return "", referenceErr("text", s.TextID, err)
	}
	return conversationSystem(s, t), nil
}

// ContinueResult is the tutor's answer to a student reply.
type ContinueResult struct {
	Utterance  string `json:"utterance"`
	TurnNumber int    `json:"turn_number"`
	// ShouldEnd is advisory; the session ends only through EndSession.
	ShouldEnd bool `json:"should_end"`
	// Correction analyzes the reply. Only roleplay sessions set it.
	Correction *session.CorrectionResult `json:"correction,omitempty"`
}

// ContinueSession records the student's reply to the latest turn and
// generates the next one. On failure nothing is written: the reply and the
// new turn are committed together.
func (e *Engine) ContinueSession(ctx context.Context, sessionID, reply string) (*ContinueResult, error) {
	reply = strings.TrimSpace(reply)
	if sessionID == "" {
		return nil, invalid("session_id", "required")
	}
	if reply == "" {
		return nil, invalid("response", "required")
	}
	return resilience.Detach(ctx, &e.inflight, func(ctx context.Context) (*ContinueResult, error) {
		defer e.lock(sessionID)()
		return e.continueSession(ctx, sessionID, reply)
	})
}

func (e *Engine) continueSession(ctx context.Context, sessionID, reply string) (res *ContinueResult, err error) {
	ctx, span := observability.StartSpan(ctx, "tutor.continue",
		trace.WithAttributes(attribute.String("tutor.session_id", sessionID)))
	defer func() { observability.EndSpan(span, err) }()

	s, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Completed() {
		return nil, fmt.Errorf("%w: %s", ErrSessionCompleted, sessionID)
	}
	turns, err := e.store.ListTurnsOrdered(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("%w: session %s has no turns", ErrTurnConflict, sessionID)
	}
	prev := turns[len(turns)-1]
	if prev.Answered() {
		return nil, fmt.Errorf("%w: turn %d already answered", ErrTurnConflict, prev.Number)
	}

	next := len(turns) + 1
	shouldEnd := next >= e.maxTurns

	system, err := e.systemPrompt(ctx, s)
	if err != nil {
		return nil, err
	}
	if shouldEnd {
		system += "\n" + closingInstruction
	}
	prompt := llm.Prompt{System: system, Messages: exchangeMessages(s, turns, reply)}

	var (
		utterance  string
		correction *session.CorrectionResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		utterance, err = e.generateTurn(gctx, "continue", s, prompt)
		return err
	})
	if s.Mode() == session.ModeRoleplay {
		g.Go(func() error {
			c := e.Analyze(gctx, reply, s.Level, s.Language)
			correction = &c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	turn := &session.Turn{SessionID: sessionID, Number: next, Utterance: utterance, CreatedAt: now}
	if err := e.store.CommitExchange(ctx, sessionID, prev.Number, reply, turn); err != nil {
		return nil, commitErr(sessionID, err)
	}

	if correction != nil {
		if err := e.store.AttachCorrection(ctx, sessionID, prev.Number, *correction); err != nil {
			e.logger.Warn("failed to store correction",
				"session_id", sessionID, "turn", prev.Number, "error", err)
		}
	}

	obsmetrics.RecordTurn(string(s.Mode()))
	e.logger.Debug("turn committed", "session_id", sessionID, "turn", next, "should_end", shouldEnd)

	return &ContinueResult{
		Utterance:  utterance,
		TurnNumber: next,
		ShouldEnd:  shouldEnd,
		Correction: correction,
	}, nil
}

// generateTurn invokes the model for a learner-facing utterance and checks
// its language. Language mismatches are not retried.
func (e *Engine) generateTurn(ctx context.Context, op string, s *session.Session, p llm.Prompt) (string, error) {
	p.Op = op
	p.Temperature = e.temps.Turn
	out, err := e.gen.Generate(ctx, p)
	if err != nil {
		return "", &ModelInvocationError{Op: op, Err: err}
	}
	if err := e.enforceLanguage(op, out, s.Language); err != nil {
		e.logger.Warn("generated turn rejected",
			"op", op, "session_id", s.ID, "expected", s.Language, "error", err)
		return "", err
	}
	return out, nil
}

func (e *Engine) enforceLanguage(op, text, expected string) error {
	err := e.guard.Enforce(text, expected)
	if err == nil {
		return nil
	}
	detected := "unknown"
	var mismatch *langguard.MismatchError
	if errors.As(err, &mismatch) {
		detected = mismatch.Detected
	}
	obsmetrics.RecordLanguageMismatch(expected, detected)
	return &LanguageMismatchError{Op: op, Expected: expected, Detected: detected, Err: err}
}

func (e *Engine) loadSession(ctx context.Context, id string) (*session.Session, error) {
	s, err := e.store.GetSession(ctx, id)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (e *Engine) lock(sessionID string) func() {
	if !e.serialize {
		return func() {}
	}
	return e.locks.Lock(sessionID)
}

func referenceErr(kind, id string, err error) error {
	if errors.Is(err, reference.ErrNotFound) {
		return fmt.Errorf("%w: %s %q", ErrReferenceNotFound, kind, id)
	}
	return fmt.Errorf("load %s %q: %w", kind, id, err)
}

// commitErr maps store write conflicts to engine errors.
func commitErr(sessionID string, err error) error {
	switch {
	case errors.Is(err, session.ErrAlreadyCompleted):
		return fmt.Errorf("%w: %s", ErrSessionCompleted, sessionID)
	case errors.Is(err, session.ErrTurnConflict), errors.Is(err, session.ErrResponseAlreadySet):
		return fmt.Errorf("%w: %w", ErrTurnConflict, err)
	case errors.Is(err, session.ErrSessionNotFound):
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	default:
		return fmt.Errorf("commit exchange: %w", err)
	}
}
