package tutor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lectio-dev/lectio/internal/llm"
	"github.com/lectio-dev/lectio/internal/resilience"
	"github.com/lectio-dev/lectio/pkg/reference"
	"github.com/lectio-dev/lectio/pkg/session"
)

const (
	spanishTurn    = "¿Qué te gustó más del cuento y por qué?"
	spanishClosing = "Muy bien, gracias por la conversación. ¡Hasta pronto!"
	englishTurn    = "What did you like about the story and why?"
	englishPraise  = "You kept the conversation going and you used the new words from the story."
)

// fakeModel answers prompts by operation and records every call.
type fakeModel struct {
	mu      sync.Mutex
	prompts []llm.Prompt

	turn    func(p llm.Prompt) (string, error)
	analyze func(p llm.Prompt) (string, error)
	review  func(p llm.Prompt) (string, error)
}

func (m *fakeModel) Generate(_ context.Context, p llm.Prompt) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, p)
	m.mu.Unlock()

	switch p.Op {
	case "analyze":
		if m.analyze != nil {
			return m.analyze(p)
		}
		return noErrorsJSON(p.Messages[0].Content), nil
	case "review":
		if m.review != nil {
			return m.review(p)
		}
		return reviewJSON(englishPraise, []string{"You asked good questions.", englishPraise}, []string{"Check the gender of the nouns you use."}), nil
	default:
		if m.turn != nil {
			return m.turn(p)
		}
		if strings.HasSuffix(p.System, closingInstruction) {
			return spanishClosing, nil
		}
		return spanishTurn, nil
	}
}

func (m *fakeModel) calls(op string) []llm.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []llm.Prompt
	for _, p := range m.prompts {
		if p.Op == op {
			out = append(out, p)
		}
	}
	return out
}

func noErrorsJSON(input string) string {
	out, _ := json.Marshal(map[string]any{"has_errors": false, "corrected_text": input, "errors": []any{}})
	return string(out)
}

func errorsJSON(corrected string, items ...session.ErrorItem) string {
	errs := make([]map[string]any, 0, len(items))
	for _, it := range items {
		errs = append(errs, map[string]any{
			"span":        it.Span,
			"replacement": it.Replacement,
			"explanation": it.Explanation,
			"category":    string(it.Category),
		})
	}
	out, _ := json.Marshal(map[string]any{"has_errors": true, "corrected_text": corrected, "errors": errs})
	return string(out)
}

func reviewJSON(summary string, strengths, improvements []string) string {
	out, _ := json.Marshal(map[string]any{
		"summary":      summary,
		"strengths":    strengths,
		"improvements": improvements,
		"breakdown":    map[string]int{"grammar": 9, "vocabulary": 9, "syntax": 9},
	})
	return string(out)
}

func testCatalog(t *testing.T) *reference.Catalog {
	t.Helper()
	c := reference.NewCatalog()
	require.NoError(t, c.AddText(reference.Text{
		ID:              "cuento",
		Language:        "es",
		Content:         "Había una vez un gato que vivía en la casa de una niña.",
		VocabularyHints: []string{"gato", "casa"},
	}))
	require.NoError(t, c.AddDialog(reference.Dialog{
		ID:       "cafe",
		Language: "es",
		Lines: []reference.Line{
			{Speaker: "Ana", Text: "Hola, ¿qué vas a tomar?"},
			{Speaker: "Luis", Text: "Un café con leche, por favor."},
			{Speaker: "Ana", Text: "¿Algo más?"},
		},
	}))
	require.NoError(t, c.AddDialog(reference.Dialog{
		ID:       "monologo",
		Language: "es",
		Lines:    []reference.Line{{Speaker: "Ana", Text: "Hoy hablo sola."}},
	}))
	return c
}

func fastPolicy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func newTestEngine(t *testing.T, model llm.Generator, opts ...Option) (*Engine, *session.MemoryStore) {
	t.Helper()
	store := session.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	var n int
	var mu sync.Mutex
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRetryPolicy(fastPolicy()),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("session-%d", n)
		}),
	}
	e := New(store, testCatalog(t), model, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Wait(ctx)
	})
	return e, store
}

func startConversation(t *testing.T, e *Engine) *StartResult {
	t.Helper()
	res, err := e.StartSession(context.Background(), StartParams{
		UserID: "user-1", Level: session.LevelB1, Language: "es", TextID: "cuento",
	})
	require.NoError(t, err)
	return res
}

func listTurns(t *testing.T, store session.Store, id string) []*session.Turn {
	t.Helper()
	turns, err := store.ListTurnsOrdered(context.Background(), id)
	require.NoError(t, err)
	return turns
}
