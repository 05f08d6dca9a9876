package reference

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectio-dev/lectio/internal/morphology"
)

const catalogYAML = `
texts:
  - id: mercado
    title: En el mercado
    language: es
    content: "María va al mercado los sábados. Compra fruta y pan."
    vocabulary_hints: [mercado, fruta, pan]
  - id: puella
    language: la
    content: "Puella rosam amat."
dialogs:
  - id: cafe
    language: es
    lines:
      - {speaker: Ana, text: "¡Hola, Luis! ¿Quieres un café?"}
      - {speaker: Luis, text: "Sí, gracias. Con leche, por favor."}
      - {speaker: Ana, text: "Perfecto."}
  - id: monologo
    language: es
    speakers: [Ana]
    lines:
      - {speaker: Ana, text: "Hoy hablo sola."}
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)

	texts, dialogs := c.Len()
	assert.Equal(t, 2, texts)
	assert.Equal(t, 2, dialogs)

	text, err := c.GetText(context.Background(), "mercado")
	require.NoError(t, err)
	assert.Equal(t, []string{"mercado", "fruta", "pan"}, text.VocabularyHints)

	d, err := c.GetDialog(context.Background(), "cafe")
	require.NoError(t, err)
	assert.Equal(t, []string{"Ana", "Luis"}, d.Speakers)
	assert.Len(t, d.Lines, 3)

	_, err = c.GetText(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetDialog(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalog_ReturnsCopies(t *testing.T) {
	c, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)

	text, _ := c.GetText(context.Background(), "mercado")
	text.VocabularyHints[0] = "changed"

	again, _ := c.GetText(context.Background(), "mercado")
	assert.Equal(t, "mercado", again.VocabularyHints[0])
}

func TestCatalog_Validation(t *testing.T) {
	c := NewCatalog()
	assert.Error(t, c.AddText(Text{Content: "x"}))
	assert.Error(t, c.AddText(Text{ID: "t"}))
	assert.Error(t, c.AddDialog(Dialog{ID: "d"}))

	_, err := ParseCatalog([]byte("texts: [{id: a}]"))
	assert.Error(t, err)
	_, err = ParseCatalog([]byte("texts: {"))
	assert.Error(t, err)
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	_, err = c.GetDialog(context.Background(), "monologo")
	assert.NoError(t, err)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDistinctSpeakers(t *testing.T) {
	d := Dialog{
		Speakers: []string{"Ana"},
		Lines: []Line{
			{Speaker: "Ana", Text: "a"},
			{Speaker: "Luis", Text: "b"},
			{Speaker: "", Text: "narration"},
			{Speaker: "Marta", Text: "c"},
		},
	}
	assert.Equal(t, []string{"Ana", "Luis", "Marta"}, d.DistinctSpeakers())
}

type countingLookup struct {
	Lookup
	texts   atomic.Int32
	dialogs atomic.Int32
	delay   time.Duration
}

func (c *countingLookup) GetText(ctx context.Context, id string) (*Text, error) {
	c.texts.Add(1)
	time.Sleep(c.delay)
	return c.Lookup.GetText(ctx, id)
}

func (c *countingLookup) GetDialog(ctx context.Context, id string) (*Dialog, error) {
	c.dialogs.Add(1)
	return c.Lookup.GetDialog(ctx, id)
}

func TestCached(t *testing.T) {
	catalog, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)
	upstream := &countingLookup{Lookup: catalog}
	c := NewCached(upstream, 8, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := c.GetText(context.Background(), "mercado")
		require.NoError(t, err)
		_, err = c.GetDialog(context.Background(), "cafe")
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, upstream.texts.Load())
	assert.EqualValues(t, 1, upstream.dialogs.Load())

	// Misses are not cached.
	_, err = c.GetText(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.GetText(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualValues(t, 3, upstream.texts.Load())

	c.Purge()
	_, err = c.GetText(context.Background(), "mercado")
	require.NoError(t, err)
	assert.EqualValues(t, 4, upstream.texts.Load())
}

func TestCached_Expiry(t *testing.T) {
	catalog, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)
	upstream := &countingLookup{Lookup: catalog}
	c := NewCached(upstream, 8, 30*time.Millisecond)

	_, _ = c.GetText(context.Background(), "mercado")
	time.Sleep(80 * time.Millisecond)
	_, _ = c.GetText(context.Background(), "mercado")
	assert.EqualValues(t, 2, upstream.texts.Load())
}

func TestCached_CollapsesConcurrentMisses(t *testing.T) {
	catalog, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)
	upstream := &countingLookup{Lookup: catalog, delay: 50 * time.Millisecond}
	c := NewCached(upstream, 8, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text, err := c.GetText(context.Background(), "mercado")
			assert.NoError(t, err)
			assert.Equal(t, "mercado", text.ID)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, upstream.texts.Load())
}

type fakeAnalyzer struct {
	analysis *morphology.Analysis
	err      error
	calls    int
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _ string, opts morphology.Options) (*morphology.Analysis, error) {
	f.calls++
	return f.analysis, f.err
}

func TestEnriched(t *testing.T) {
	catalog, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)

	analyzer := &fakeAnalyzer{analysis: &morphology.Analysis{Words: []morphology.Word{
		{Form: "Puella", Lemma: "puella", POS: "NOUN"},
		{Form: "rosam", Lemma: "rosa", POS: "NOUN"},
		{Form: "amat", Lemma: "amo", POS: "VERB"},
		{Form: ".", Lemma: ".", POS: "PUNCT"},
	}}}
	e := NewEnriched(catalog, analyzer, WithMaxHints(2))

	text, err := e.GetText(context.Background(), "puella")
	require.NoError(t, err)
	assert.Equal(t, []string{"puella", "rosa"}, text.VocabularyHints)

	// Non-Latin texts and texts with hints are left alone.
	text, err = e.GetText(context.Background(), "mercado")
	require.NoError(t, err)
	assert.Equal(t, []string{"mercado", "fruta", "pan"}, text.VocabularyHints)
	assert.Equal(t, 1, analyzer.calls)

	_, err = e.GetDialog(context.Background(), "cafe")
	assert.NoError(t, err)
}

func TestEnriched_FallsBackOnAnalyzerError(t *testing.T) {
	catalog, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)

	e := NewEnriched(catalog, &fakeAnalyzer{err: errors.New("analyzer down")})
	text, err := e.GetText(context.Background(), "puella")
	require.NoError(t, err)
	assert.Equal(t, "Puella rosam amat.", text.Content)
	assert.Empty(t, text.VocabularyHints)
}
