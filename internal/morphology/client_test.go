package morphology

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const analyzeReply = `{
  "success": true,
  "raw_text": "Puella rosam amat. Puella cantat.",
  "words": [
    {"form": "Puella", "lemma": "puella", "pos": "NOUN", "morphology": {"case": "Nom", "number": "Sing", "gender": "Fem"}, "index": 0},
    {"form": "rosam", "lemma": "rosa", "pos": "NOUN", "morphology": {"case": "Acc", "number": "Sing"}, "index": 1},
    {"form": "amat", "lemma": "amo", "pos": "VERB", "morphology": {"tense": "Pres", "mood": "Ind", "person": "3"}, "index": 2},
    {"form": ".", "lemma": ".", "pos": "PUNCT", "index": 3},
    {"form": "Puella", "lemma": "puella", "pos": "NOUN", "index": 4},
    {"form": "cantat", "lemma": "canto", "pos": "VERB", "index": 5}
  ]
}`

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL + "/")
	require.NoError(t, err)
	return c
}

func TestAnalyze(t *testing.T) {
	var got map[string]any
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/analyze", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(analyzeReply))
	})

	a, err := c.Analyze(context.Background(), "Puella rosam amat. Puella cantat.", Options{Dependencies: true})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"text":                 "Puella rosam amat. Puella cantat.",
		"include_morphology":   true,
		"include_dependencies": true,
	}, got)
	require.Len(t, a.Words, 6)
	assert.Equal(t, "Acc", a.Words[1].Morphology.Case)
	assert.Nil(t, a.Words[3].Morphology)
	assert.Equal(t, []string{"puella", "rosa", "amo", "canto"}, a.Lemmas("NOUN", "VERB"))
	assert.Equal(t, []string{"amo", "canto"}, a.Lemmas("verb"))
	assert.Len(t, a.Lemmas(), 5)
}

func TestAnalyze_Failures(t *testing.T) {
	t.Run("analysis error", func(t *testing.T) {
		c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success": false, "words": [], "raw_text": "x", "error": "tokenizer crashed"}`))
		})
		_, err := c.Analyze(context.Background(), "x", Options{})
		var ae *AnalysisError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, "tokenizer crashed", ae.Message)
	})

	t.Run("not ready", func(t *testing.T) {
		c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"detail":"CLTK service is not ready"}`, http.StatusServiceUnavailable)
		})
		_, err := c.Analyze(context.Background(), "x", Options{})
		assert.ErrorIs(t, err, ErrNotReady)
	})

	t.Run("bad status", func(t *testing.T) {
		c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		})
		_, err := c.Analyze(context.Background(), "x", Options{})
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusBadGateway, se.StatusCode)
		assert.Equal(t, "boom", se.Body)
		assert.True(t, se.Retryable())
	})
}

func TestHealthAndPing(t *testing.T) {
	var ready atomic.Bool
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Health{Status: "healthy", CLTKReady: ready.Load(), Version: "1.0.0"})
	})

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", h.Version)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrNotReady)

	ready.Store(true)
	assert.NoError(t, c.Ping(context.Background()))
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient("ftp://analyzer")
	assert.Error(t, err)

	c, err := NewClient("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", c.baseURL)

	c, err = NewClient("http://analyzer:8000/", WithTimeout(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "http://analyzer:8000", c.baseURL)
	assert.Equal(t, 5*time.Second, c.httpClient.Timeout)
}
