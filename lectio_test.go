package lectio

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectio-dev/lectio/internal/llm"
	"github.com/lectio-dev/lectio/internal/observability"
	"github.com/lectio-dev/lectio/pkg/config"
	"github.com/lectio-dev/lectio/pkg/session"
	"github.com/lectio-dev/lectio/pkg/tutor"
)

const testCatalog = `
texts:
  - id: cuento
    language: es
    content: "Había una vez un gato que vivía en una casa grande."
dialogs:
  - id: cafe
    language: es
    speakers: [Ana, Luis]
    lines:
      - {speaker: Ana, text: "Hola, ¿qué quieres tomar?"}
      - {speaker: Luis, text: "Un café con leche, por favor."}
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))

	cfg := config.Default()
	cfg.Model.Provider = "mock"
	cfg.Reference.Catalog = path
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func spanishGenerator() llm.Generator {
	return llm.GeneratorFunc(func(_ context.Context, p llm.Prompt) (string, error) {
		if p.Op == "analyze" {
			return `{"has_errors": false, "corrected_text": "", "errors": []}`, nil
		}
		return "¿Qué te gustó más del cuento y por qué?", nil
	})
}

func TestBuildAndServe(t *testing.T) {
	ctx := context.Background()
	rt, err := Build(ctx, testConfig(t), WithLogger(quietLogger()), WithGenerator(spanishGenerator()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	assert.Nil(t, rt.Sweeper)
	assert.Equal(t, []string{"store"}, rt.Health.Names())

	res, err := rt.Engine.StartSession(ctx, tutor.StartParams{
		UserID: "u1", Level: "A2", Language: "es", TextID: "cuento",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TurnNumber)

	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/sessions/"+res.SessionID+"/turns", "application/json",
		strings.NewReader(`{"response": "Me gustó el gato."}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBuildWithConfiguredProvider(t *testing.T) {
	rt, err := Build(context.Background(), testConfig(t), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer rt.Close(context.Background())

	assert.NotNil(t, rt.Generator)
}

func TestBuildOptionalComponents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "lectio.db")
	cfg.Morphology.URL = "http://127.0.0.1:1"
	cfg.Sweeper.Enabled = true

	rt, err := Build(context.Background(), cfg, WithLogger(quietLogger()), WithGenerator(spanishGenerator()))
	require.NoError(t, err)
	defer rt.Close(context.Background())

	assert.NotNil(t, rt.Sweeper)
	assert.Equal(t, []string{"morphology", "store"}, rt.Health.Names())
	require.NoError(t, rt.Store.Ping(context.Background()))
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "cassandra"

	_, err := Build(context.Background(), cfg, WithLogger(quietLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.backend")
}

func TestBuildMissingCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reference.Catalog = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := Build(context.Background(), cfg, WithLogger(quietLogger()), WithGenerator(spanishGenerator()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load reference catalog")
}

func TestBuildFailureReleasesTracingAndStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tracing.Exporter = "stdout"
	cfg.Reference.Catalog = filepath.Join(t.TempDir(), "missing.yaml")
	store := session.NewMemoryStore()

	_, err := Build(context.Background(), cfg, WithLogger(quietLogger()),
		WithGenerator(spanishGenerator()), WithStore(store))
	require.Error(t, err)
	assert.False(t, observability.Enabled())
	assert.ErrorIs(t, store.Ping(context.Background()), session.ErrStorageClosed)
}

func TestBuildWiresSweeperTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sweeper.Enabled = true
	cfg.Sweeper.IdleAfter = time.Hour
	cfg.Sweeper.RunTimeout = 90 * time.Second

	rt, err := Build(context.Background(), cfg, WithLogger(quietLogger()), WithGenerator(spanishGenerator()))
	require.NoError(t, err)
	defer rt.Close(context.Background())

	require.NotNil(t, rt.Sweeper)
	assert.Equal(t, 90*time.Second, rt.Sweeper.Config().RunTimeout)
	assert.Equal(t, time.Hour, rt.Sweeper.Config().IdleAfter)
}
