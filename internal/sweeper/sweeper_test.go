package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectio-dev/lectio/pkg/session"
)

type recordingEnder struct {
	mu    sync.Mutex
	ended []string
	fail  map[string]bool
	store *session.MemoryStore
}

func (r *recordingEnder) EndSession(ctx context.Context, id string) ([]session.ErrorItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[id] {
		return nil, errors.New("model down")
	}
	r.ended = append(r.ended, id)
	return []session.ErrorItem{}, r.store.UpdateSessionCompletion(ctx, id, time.Now())
}

func seed(t *testing.T, store *session.MemoryStore, id string, updated time.Time) {
	t.Helper()
	require.NoError(t, store.InsertSession(context.Background(), &session.Session{
		ID: id, UserID: "u", Level: session.LevelA1, Language: "es", TextID: "cuento",
		CreatedAt: updated, UpdatedAt: updated,
	}))
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRunOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := session.NewMemoryStore()
	seed(t, store, "old", now.Add(-2*time.Hour))
	seed(t, store, "older", now.Add(-3*time.Hour))
	seed(t, store, "broken", now.Add(-4*time.Hour))
	seed(t, store, "fresh", now.Add(-5*time.Minute))

	ender := &recordingEnder{store: store, fail: map[string]bool{"broken": true}}
	s, err := New(store, ender, Config{Schedule: "@every 5m", IdleAfter: time.Hour},
		WithLogger(quiet()), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 3, Ended: 2, Failed: 1}, res)
	assert.Equal(t, []string{"older", "old"}, ender.ended)

	// Ended sessions are no longer stale; the failed one is retried.
	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Scanned: 1, Failed: 1}, res)
}

func TestRunOnce_BatchSize(t *testing.T) {
	now := time.Now()
	store := session.NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		seed(t, store, id, now.Add(-time.Hour))
	}
	ender := &recordingEnder{store: store}
	s, err := New(store, ender, Config{Schedule: "@hourly", IdleAfter: time.Minute, BatchSize: 2}, WithLogger(quiet()))
	require.NoError(t, err)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
}

func TestNew_Validation(t *testing.T) {
	store := session.NewMemoryStore()
	_, err := New(store, &recordingEnder{store: store}, Config{Schedule: "not a schedule", IdleAfter: time.Hour})
	require.Error(t, err)

	_, err = New(store, &recordingEnder{store: store}, Config{Schedule: "@every 1m"})
	require.Error(t, err)
}

func TestStartStop(t *testing.T) {
	store := session.NewMemoryStore()
	s, err := New(store, &recordingEnder{store: store}, Config{Schedule: "@every 1h", IdleAfter: time.Hour}, WithLogger(quiet()))
	require.NoError(t, err)

	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
