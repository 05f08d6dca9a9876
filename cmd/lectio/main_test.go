package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectio-dev/lectio/internal/llm"
	"github.com/lectio-dev/lectio/pkg/reference"
	"github.com/lectio-dev/lectio/pkg/session"
	"github.com/lectio-dev/lectio/pkg/tutor"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "lectio dev\n", out)
}

func TestConfigShowMasksSecrets(t *testing.T) {
	t.Setenv("LECTIO_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-secret")

	out, err := execute(t, "config", "show", "--log-level", "debug")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-secret")
	assert.Contains(t, out, "********")
	assert.Contains(t, out, "level: debug")
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lectio.yaml")

	out, err := execute(t, "config", "init", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "config", "init", "--path", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	out, err = execute(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "valid")

	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: cassandra\n"), 0o600))
	_, err = execute(t, "config", "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.backend")
}

func chatEngine(t *testing.T) *tutor.Engine {
	t.Helper()
	catalog := reference.NewCatalog()
	require.NoError(t, catalog.AddText(reference.Text{ID: "cuento", Content: "Había una vez un gato."}))

	gen := llm.GeneratorFunc(func(_ context.Context, p llm.Prompt) (string, error) {
		switch p.Op {
		case "analyze":
			return `{"has_errors": true, "corrected_text": "El gato es negro.", "errors": [` +
				`{"span": "negra", "replacement": "negro", "explanation": "Agreement.", "category": "grammar"}]}`, nil
		case "review":
			return `{"summary": "You did well and you used the new words from the story.", ` +
				`"strengths": ["You asked good questions.", "You used the past tense."], ` +
				`"improvements": ["Check the gender of the nouns you use."], ` +
				`"breakdown": {"grammar": 1, "vocabulary": 0, "syntax": 0}}`, nil
		default:
			return "¿Qué te gustó más del cuento y por qué?", nil
		}
	})
	eng := tutor.New(session.NewMemoryStore(), catalog, gen,
		tutor.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() { _ = eng.Wait(context.Background()) })
	return eng
}

func scripted(lines ...string) lineReader {
	return func(string) (string, error) {
		if len(lines) == 0 {
			return "", io.EOF
		}
		l := lines[0]
		lines = lines[1:]
		return l, nil
	}
}

func TestRunChat(t *testing.T) {
	var out bytes.Buffer
	params := tutor.StartParams{UserID: "u1", Level: session.LevelA2, Language: "es", TextID: "cuento"}

	err := runChat(context.Background(), chatEngine(t), params, scripted("El gato es negra.", "  ", "/end", "ignored"), &out)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "tutor: ¿Qué te gustó más del cuento y por qué?")
	assert.Contains(t, text, "== Review:")
	assert.Contains(t, text, "You asked good questions.")
	assert.Contains(t, text, `turn 1, grammar: "negra" -> "negro". Agreement.`)
}

func TestRunChatEndsOnEOF(t *testing.T) {
	var out bytes.Buffer
	params := tutor.StartParams{UserID: "u1", Level: session.LevelB1, Language: "es", TextID: "cuento"}

	err := runChat(context.Background(), chatEngine(t), params, scripted(), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "== Review:")
	assert.NotContains(t, out.String(), "Errors (")
}

func TestRunChatStartFailure(t *testing.T) {
	params := tutor.StartParams{UserID: "u1", Level: session.LevelA2, Language: "es", TextID: "missing"}
	err := runChat(context.Background(), chatEngine(t), params, scripted(), io.Discard)
	require.ErrorIs(t, err, tutor.ErrReferenceNotFound)
}
