// Package api exposes the tutor engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/lectio-dev/lectio/pkg/observability"
	"github.com/lectio-dev/lectio/pkg/session"
	"github.com/lectio-dev/lectio/pkg/tutor"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Engine is the part of *tutor.Engine the handlers use.
type Engine interface {
	StartSession(ctx context.Context, p tutor.StartParams) (*tutor.StartResult, error)
	ContinueSession(ctx context.Context, sessionID, reply string) (*tutor.ContinueResult, error)
	EndSession(ctx context.Context, sessionID string) ([]session.ErrorItem, error)
	GenerateReview(ctx context.Context, sessionID string, level session.Level, errs []session.ErrorItem) (*session.Review, error)
	Analyze(ctx context.Context, utterance string, level session.Level, lang string) session.CorrectionResult
}

// Handler serves the session endpoints.
type Handler struct {
	engine  Engine
	logger  *slog.Logger
	limiter *RateLimiter
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithRateLimit limits each client to requestsPerSecond. Zero disables it.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(h *Handler) {
		if requestsPerSecond > 0 {
			h.limiter = NewRateLimiter(requestsPerSecond, burst)
		}
	}
}

// NewHandler creates a new Handler.
func NewHandler(engine Engine, opts ...Option) *Handler {
	h := &Handler{engine: engine, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns the complete HTTP handler with middleware.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(h.instrument)
	if h.limiter != nil {
		r.Use(h.limiter.Middleware)
	}
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the API routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/sessions", h.StartSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Post("/turns", h.ContinueSession)
			r.Post("/end", h.EndSession)
			r.Post("/review", h.GenerateReview)
		})
		r.Post("/analyze", h.Analyze)
	})
}

type startRequest struct {
	UserID   string `json:"user_id"`
	Level    string `json:"level"`
	Language string `json:"language"`
	TextID   string `json:"text_id"`
	DialogID string `json:"dialog_id"`
	Persona  string `json:"persona"`
}

// StartSession handles POST /v1/sessions.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.StartSession(r.Context(), tutor.StartParams{
		UserID:   req.UserID,
		Level:    parseLevel(req.Level),
		Language: req.Language,
		TextID:   req.TextID,
		DialogID: req.DialogID,
		Persona:  req.Persona,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/sessions/"+res.SessionID)
	JSON(w, http.StatusCreated, res)
}

type continueRequest struct {
	Response string `json:"response"`
}

// ContinueSession handles POST /v1/sessions/{id}/turns.
func (h *Handler) ContinueSession(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.ContinueSession(r.Context(), chi.URLParam(r, "id"), req.Response)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

type endResponse struct {
	SessionID   string              `json:"session_id"`
	Errors      []session.ErrorItem `json:"errors"`
	TotalErrors int                 `json:"total_errors"`
}

// EndSession handles POST /v1/sessions/{id}/end.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	items, err := h.engine.EndSession(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, endResponse{SessionID: id, Errors: items, TotalErrors: len(items)})
}

type reviewRequest struct {
	Level string `json:"level"`
	// Errors defaults to the session's aggregated errors, ending the session
	// first when needed.
	Errors *[]session.ErrorItem `json:"errors"`
}

// GenerateReview handles POST /v1/sessions/{id}/review.
func (h *Handler) GenerateReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")

	var items []session.ErrorItem
	if req.Errors != nil {
		items = *req.Errors
	} else {
		var err error
		if items, err = h.engine.EndSession(r.Context(), id); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	review, err := h.engine.GenerateReview(r.Context(), id, parseLevel(req.Level), items)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, review)
}

type analyzeRequest struct {
	Text     string `json:"text"`
	Level    string `json:"level"`
	Language string `json:"language"`
}

// Analyze handles POST /v1/analyze.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !h.decode(w, r, &req) {
		return
	}
	level, err := session.ParseLevel(req.Level)
	switch {
	case strings.TrimSpace(req.Text) == "":
		h.fail(w, r, &tutor.InputValidationError{Field: "text", Reason: "required"})
		return
	case err != nil:
		h.fail(w, r, &tutor.InputValidationError{Field: "level", Reason: err.Error()})
		return
	case strings.TrimSpace(req.Language) == "":
		h.fail(w, r, &tutor.InputValidationError{Field: "language", Reason: "required"})
		return
	}
	JSON(w, http.StatusOK, h.engine.Analyze(r.Context(), req.Text, level, req.Language))
}

// parseLevel accepts any case and leaves unknown values for the engine to reject.
func parseLevel(s string) session.Level {
	if l, err := session.ParseLevel(s); err == nil {
		return l
	}
	return session.Level(s)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.fail(w, r, &tutor.InputValidationError{Reason: "malformed JSON body", Err: err})
		return false
	}
	return true
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// StatusFor maps engine errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, tutor.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, tutor.ErrSessionNotFound), errors.Is(err, tutor.ErrReferenceNotFound):
		return http.StatusNotFound
	case errors.Is(err, tutor.ErrSessionCompleted), errors.Is(err, tutor.ErrTurnConflict):
		return http.StatusConflict
	case errors.Is(err, tutor.ErrPersonaResolution):
		return http.StatusUnprocessableEntity
	case errors.Is(err, tutor.ErrLanguageMismatch):
		return http.StatusBadGateway
	case errors.Is(err, tutor.ErrModelInvocation), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	if status >= 500 {
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	retryable := tutor.IsRetryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	JSON(w, status, errorBody{Error: msg, Retryable: retryable})
}

// instrument records request metrics by route pattern and logs each request.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		observability.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), elapsed)
		h.logger.DebugContext(r.Context(), "http request",
			"method", r.Method, "route", route, "status", status, "duration", elapsed,
			"request_id", chiMiddleware.GetReqID(r.Context()))
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}
