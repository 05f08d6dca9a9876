// Package morphology is a client for the Latin morphology analyzer service.
package morphology

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotReady is returned while the analyzer is still loading its models.
var ErrNotReady = errors.New("morphology: analyzer not ready")

// Features holds the morphological features of one word. Empty fields were
// not reported by the analyzer.
type Features struct {
	Case   string `json:"case,omitempty"`
	Number string `json:"number,omitempty"`
	Gender string `json:"gender,omitempty"`
	Tense  string `json:"tense,omitempty"`
	Voice  string `json:"voice,omitempty"`
	Mood   string `json:"mood,omitempty"`
	Person string `json:"person,omitempty"`
	Degree string `json:"degree,omitempty"`
}

// Word is the analysis of a single token.
type Word struct {
	Form       string         `json:"form"`
	Lemma      string         `json:"lemma,omitempty"`
	POS        string         `json:"pos,omitempty"`
	Morphology *Features      `json:"morphology,omitempty"`
	Dependency map[string]any `json:"dependency,omitempty"`
	Index      int            `json:"index"`
}

// Analysis is a successful analyzer response.
type Analysis struct {
	Words   []Word `json:"words"`
	RawText string `json:"raw_text"`
}

// Options select optional parts of the analysis.
type Options struct {
	// Morphology defaults to true on the service; set SkipMorphology to omit it.
	SkipMorphology bool
	Dependencies   bool
}

// Health is the analyzer's health report.
type Health struct {
	Status    string `json:"status"`
	CLTKReady bool   `json:"cltk_ready"`
	Version   string `json:"version"`
}

// AnalysisError is returned when the service answered but could not analyze
// the text.
type AnalysisError struct {
	Text    string
	Message string
}

func (e *AnalysisError) Error() string {
	return "morphology: analysis failed: " + e.Message
}

// StatusError is an unexpected HTTP status from the service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("morphology: status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status indicates a transient failure.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the analyzer over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds every request. Zero keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// NewClient validates baseURL and returns a client for it.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Health fetches the service health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	var h Health
	if err := c.do(req, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Ping fails unless the service is up and its models are loaded.
func (c *Client) Ping(ctx context.Context) error {
	h, err := c.Health(ctx)
	if err != nil {
		return err
	}
	if !h.CLTKReady {
		return ErrNotReady
	}
	return nil
}

// Analyze runs word-level analysis of text.
func (c *Client) Analyze(ctx context.Context, text string, opts Options) (*Analysis, error) {
	body, err := json.Marshal(map[string]any{
		"text":                 text,
		"include_morphology":   !opts.SkipMorphology,
		"include_dependencies": opts.Dependencies,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp struct {
		Success bool   `json:"success"`
		Words   []Word `json:"words"`
		RawText string `json:"raw_text"`
		Error   string `json:"error"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &AnalysisError{Text: text, Message: resp.Error}
	}
	return &Analysis{Words: resp.Words, RawText: resp.RawText}, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return ErrNotReady
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Lemmas returns the distinct lemmas of words whose part of speech is in
// pos, in order of first appearance. An empty pos accepts every word.
func (a *Analysis) Lemmas(pos ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range a.Words {
		lemma := strings.ToLower(strings.TrimSpace(w.Lemma))
		if lemma == "" || seen[lemma] {
			continue
		}
		if len(pos) > 0 && !contains(pos, w.POS) {
			continue
		}
		seen[lemma] = true
		out = append(out, lemma)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
