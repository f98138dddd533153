// Package api exposes the rephrasing service over HTTP.
//
// Routes:
//
//	POST /api/rephrase         {sentence, sentiment} → {rephrased} or STAR parts
//	POST /api/rephrase/stream  {sentence, sentiment} → text/event-stream
//	POST /api/synonym          {word}                → {synonyms}
//	POST /api/suggest          {text, action}        → dispatched answer
//
// Every failure is answered with a JSON object {"error": message}. Inputs are
// checked by a [guard.Validator] before any model call is made.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MrWong99/wordsmith/internal/guard"
	"github.com/MrWong99/wordsmith/internal/observe"
	"github.com/MrWong99/wordsmith/internal/rephrase"
)

// DefaultMaxBodyBytes caps request bodies when no limit is configured.
const DefaultMaxBodyBytes = 64 << 10

// Client-facing error messages.
const (
	msgInvalidBody     = "Invalid request body"
	msgBodyTooLarge    = "Request body too large"
	msgEmptySentiment  = "Sentiment cannot be empty"
	msgEmptyAction     = "Action cannot be empty"
	msgModelFailed     = "Model request failed"
	msgModelTimeout    = "Model request timed out"
	msgNoProvider      = "No model provider configured"
	msgStreamingFailed = "Streaming is not supported by this connection"
)

// Rephraser is the service surface the handlers depend on.
// *rephrase.Service satisfies it.
type Rephraser interface {
	Rephrase(ctx context.Context, sentence, sentiment string) (rephrase.Rephrased, error)
	RephraseSTAR(ctx context.Context, sentence string) (rephrase.STAR, error)
	Synonyms(ctx context.Context, word string) (rephrase.Synonyms, error)
	Stream(ctx context.Context, sentence, sentiment string, emit func(string) error) (string, error)
}

var _ Rephraser = (*rephrase.Service)(nil)

// Option configures a [Handler].
type Option func(*Handler)

// WithValidator sets the input validator. Default: a validator with
// [guard.DefaultLimits].
func WithValidator(v *guard.Validator) Option {
	return func(h *Handler) {
		if v != nil {
			h.guard = v
		}
	}
}

// WithMaxBodyBytes caps request bodies. Non-positive values keep
// [DefaultMaxBodyBytes].
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// Handler serves the /api routes. It is safe for concurrent use.
type Handler struct {
	svc     Rephraser
	guard   *guard.Validator
	maxBody int64
	metrics *observe.Metrics
}

// New returns a Handler backed by svc.
func New(svc Rephraser, opts ...Option) *Handler {
	h := &Handler{
		svc:     svc,
		maxBody: DefaultMaxBodyBytes,
	}
	for _, o := range opts {
		o(h)
	}
	if h.guard == nil {
		h.guard = guard.New()
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Register adds the /api routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/rephrase", h.handleRephrase)
	mux.HandleFunc("POST /api/rephrase/stream", h.handleRephraseStream)
	mux.HandleFunc("POST /api/synonym", h.handleSynonym)
	mux.HandleFunc("POST /api/suggest", h.handleSuggest)
}

type rephraseRequest struct {
	Sentence  string `json:"sentence"`
	Sentiment string `json:"sentiment"`
}

type synonymRequest struct {
	Word string `json:"word"`
}

type suggestRequest struct {
	Text   string `json:"text"`
	Action string `json:"action"`
}

// Suggestion kinds returned by /api/suggest.
const (
	KindSynonyms  = "synonyms"
	KindRephrased = "rephrased"
	KindSTAR      = "star"
)

// suggestResponse carries whichever answer the dispatch produced. For STAR
// answers Rephrased holds the formatted text and STAR the separate parts.
type suggestResponse struct {
	Kind      string         `json:"kind"`
	Synonyms  []string       `json:"synonyms,omitempty"`
	Rephrased string         `json:"rephrased,omitempty"`
	STAR      *rephrase.STAR `json:"star,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleRephrase handles POST /api/rephrase.
func (h *Handler) handleRephrase(w http.ResponseWriter, r *http.Request) {
	var req rephraseRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.validate(w, r, req.Sentence) {
		return
	}
	if strings.TrimSpace(req.Sentiment) == "" {
		writeError(w, http.StatusBadRequest, msgEmptySentiment)
		return
	}

	if rephrase.IsSTAR(req.Sentiment) {
		ans, err := h.svc.RephraseSTAR(r.Context(), req.Sentence)
		if err != nil {
			h.serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
		return
	}

	ans, err := h.svc.Rephrase(r.Context(), req.Sentence, req.Sentiment)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// handleSynonym handles POST /api/synonym.
func (h *Handler) handleSynonym(w http.ResponseWriter, r *http.Request) {
	var req synonymRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.validate(w, r, req.Word) {
		return
	}

	ans, err := h.svc.Synonyms(r.Context(), req.Word)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// handleSuggest handles POST /api/suggest. An action of "synonym" or a
// single-word text asks for synonyms; anything else rephrases the text with
// the lower-cased action as sentiment.
func (h *Handler) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var req suggestRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		writeError(w, http.StatusBadRequest, msgEmptyAction)
		return
	}
	if !h.validate(w, r, req.Text) {
		return
	}

	ctx := r.Context()
	sentiment := strings.ToLower(req.Action)

	switch {
	case sentiment == "synonym" || len(strings.Fields(req.Text)) == 1:
		ans, err := h.svc.Synonyms(ctx, req.Text)
		if err != nil {
			h.serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, suggestResponse{Kind: KindSynonyms, Synonyms: ans.Synonyms})

	case rephrase.IsSTAR(sentiment):
		ans, err := h.svc.RephraseSTAR(ctx, req.Text)
		if err != nil {
			h.serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, suggestResponse{Kind: KindSTAR, Rephrased: ans.Format(), STAR: &ans})

	default:
		ans, err := h.svc.Rephrase(ctx, req.Text, sentiment)
		if err != nil {
			h.serviceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, suggestResponse{Kind: KindRephrased, Rephrased: ans.Rephrased})
	}
}

// decode reads a JSON body of at most maxBody bytes into v. On failure it
// writes the error response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
			return false
		}
		writeError(w, http.StatusBadRequest, msgInvalidBody)
		return false
	}
	return true
}

// validate runs the guard over input. On rejection it records the reason,
// writes a 400 response and returns false.
func (h *Handler) validate(w http.ResponseWriter, r *http.Request, input string) bool {
	res := h.guard.Validate(input)
	if res.Valid {
		return true
	}
	h.metrics.RecordRejection(r.Context(), string(res.Reason))
	observe.Logger(r.Context()).Info("input rejected", "reason", res.Reason)
	writeError(w, http.StatusBadRequest, res.Error)
	return false
}

// serviceError maps a service error onto an HTTP status. Model failures are
// reported generically; details only go to the log.
func (h *Handler) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classify(err)
	log := observe.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Warn("request failed", "status", status, "err", err)
	} else {
		log.Debug("request refused", "status", status, "err", err)
	}
	writeError(w, status, msg)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, rephrase.ErrEmptySentiment):
		return http.StatusBadRequest, msgEmptySentiment
	case errors.Is(err, rephrase.ErrNoProvider):
		return http.StatusServiceUnavailable, msgNoProvider
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, msgModelTimeout
	default:
		return http.StatusBadGateway, msgModelFailed
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
