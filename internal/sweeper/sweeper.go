// Package sweeper ends sessions that were abandoned mid-conversation, so
// their corrections are stored and their completion time is written.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lectio-dev/lectio/pkg/session"
)

// Lister finds active sessions idle since a given time.
type Lister interface {
	ListStaleSessions(ctx context.Context, idleSince time.Time, limit int) ([]*session.Session, error)
}

// Ender completes a session. *tutor.Engine implements it.
type Ender interface {
	EndSession(ctx context.Context, sessionID string) ([]session.ErrorItem, error)
}

// Config controls when and how much the sweeper works.
type Config struct {
	// Schedule is a standard cron spec or descriptor such as "@every 5m".
	Schedule  string
	IdleAfter time.Duration
	BatchSize int
	// RunTimeout bounds a single sweep. Zero means no bound.
	RunTimeout time.Duration
}

// Result summarizes one sweep.
type Result struct {
	Scanned int
	Ended   int
	Failed  int
}

// Sweeper periodically ends idle sessions.
type Sweeper struct {
	lister Lister
	ender  Ender
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
}

type Option func(*Sweeper)

func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// Config returns the effective configuration.
func (s *Sweeper) Config() Config { return s.cfg }

// New validates cfg and creates a stopped Sweeper.
func New(lister Lister, ender Ender, cfg Config, opts ...Option) (*Sweeper, error) {
	if cfg.IdleAfter <= 0 {
		return nil, fmt.Errorf("sweeper: idle_after must be positive, got %v", cfg.IdleAfter)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	s := &Sweeper{lister: lister, ender: ender, cfg: cfg, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	logger := cronLogger{s.logger}
	s.cron = cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := s.cron.AddFunc(cfg.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start runs the schedule in the background until Stop or ctx ends.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("sweeper started", "schedule", s.cfg.Schedule, "idle_after", s.cfg.IdleAfter)
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to end.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) tick() {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}
}

// RunOnce ends up to one batch of idle sessions. A session that fails to end
// is logged and retried on the next sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	idleSince := s.now().Add(-s.cfg.IdleAfter)
	stale, err := s.lister.ListStaleSessions(ctx, idleSince, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list stale sessions: %w", err)
	}
	res.Scanned = len(stale)

	for _, sess := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		items, err := s.ender.EndSession(ctx, sess.ID)
		if err != nil {
			res.Failed++
			s.logger.Warn("failed to end idle session", "session_id", sess.ID, "error", err)
			continue
		}
		res.Ended++
		s.logger.Debug("ended idle session", "session_id", sess.ID, "errors", len(items), "idle_since", sess.UpdatedAt)
	}

	if res.Scanned > 0 {
		s.logger.Info("sweep finished", "scanned", res.Scanned, "ended", res.Ended, "failed", res.Failed)
	}
	return res, nil
}

// cronLogger adapts slog to cron's logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
