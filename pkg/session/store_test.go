package session_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/lectio-dev/lectio/pkg/session"
	"github.com/lectio-dev/lectio/pkg/session/sessiontest"
)

func TestMemoryStore(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) session.Store {
		return session.NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) session.Store {
		path := filepath.Join(t.TempDir(), "sessions", "lectio.db")
		st, err := session.NewSQLiteStore(context.Background(), path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lectio.db")

	st, err := session.NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, st.InsertSession(ctx, sessiontest.NewSession("s1", 0)))
	require.NoError(t, st.InsertTurn(ctx, sessiontest.NewTurn("s1", 1)))
	require.NoError(t, st.Close())

	st, err = session.NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	turns, err := st.ListTurnsOrdered(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
}

func TestSQLiteStore_CreateSessionRollsBack(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lectio.db")

	st, err := session.NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TRIGGER reject_turns BEFORE INSERT ON tutor_turns
		BEGIN SELECT RAISE(ABORT, 'turn writes disabled'); END`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	err = st.CreateSession(ctx, sessiontest.NewSession("s1", 0), sessiontest.NewTurn("s1", 1))
	require.ErrorContains(t, err, "turn writes disabled")

	_, err = st.GetSession(ctx, "s1")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func newRedisStore(t *testing.T, ttl time.Duration) (*session.RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := session.NewRedisStoreFromClient(client, "test:", ttl)
	t.Cleanup(func() { _ = st.Close() })
	return st, mr
}

func TestRedisStore(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) session.Store {
		st, _ := newRedisStore(t, 0)
		return st
	})
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	st, mr := newRedisStore(t, time.Hour)

	require.NoError(t, st.InsertSession(ctx, sessiontest.NewSession("s1", 0)))
	require.NoError(t, st.InsertTurn(ctx, sessiontest.NewTurn("s1", 1)))
	require.True(t, mr.TTL("test:session:s1") > 0)
	require.True(t, mr.TTL("test:turns:s1") > 0)

	mr.FastForward(2 * time.Hour)

	_, err := st.GetSession(ctx, "s1")
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	stale, err := st.ListStaleSessions(ctx, time.Now().Add(24*time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, stale)
	require.False(t, mr.Exists("test:session:s1"))
}

func TestNewRedisStore_RequiresAddr(t *testing.T) {
	_, err := session.NewRedisStore(context.Background(), session.RedisConfig{})
	require.Error(t, err)
}

func TestFirestoreStore(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	sessiontest.Run(t, func(t *testing.T) session.Store {
		st, err := session.NewFirestoreStore(context.Background(), session.FirestoreConfig{
			ProjectID:  "lectio-test",
			Collection: "sessions_" + filepath.Base(t.Name()),
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	st, err := session.Open(ctx, session.Config{})
	require.NoError(t, err)
	require.IsType(t, &session.MemoryStore{}, st)

	st, err = session.Open(ctx, session.Config{
		Backend:    session.BackendSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "x.db"),
	})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = session.Open(ctx, session.Config{Backend: "etcd"})
	require.Error(t, err)
}
