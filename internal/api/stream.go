package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/MrWong99/wordsmith/internal/extract"
	"github.com/MrWong99/wordsmith/internal/observe"
)

// errorEvent is sent on an already-open event stream when the model fails
// mid-answer. Its fields are ignored by text extraction.
type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// sseWriter writes server-sent events in the transcript line format and
// defers sending headers until the first event, so that failures before any
// output can still be answered with a JSON error.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

// line writes one data line followed by the blank line that ends an event.
func (s *sseWriter) line(data string) error {
	s.start()
	if _, err := s.w.Write([]byte(data + "\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) delta(text string) error {
	return s.line(extract.DeltaLine(text))
}

func (s *sseWriter) done() error {
	return s.line(extract.DoneLine)
}

func (s *sseWriter) fail(msg string) error {
	b, _ := json.Marshal(errorEvent{Type: "error", Message: msg})
	return s.line("data: " + string(b))
}

// handleRephraseStream handles POST /api/rephrase/stream. Text fragments are
// forwarded as text-delta events as they arrive and the stream ends with a
// [DONE] line. STAR requests are answered with one delta holding the
// formatted text.
func (h *Handler) handleRephraseStream(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, msgStreamingFailed)
		return
	}
	sse := &sseWriter{w: w, flusher: flusher}

	ctx := r.Context()
	log := observe.Logger(ctx)

	_, err := h.svc.Stream(ctx, req.Sentence, req.Sentiment, sse.delta)
	if err != nil {
		if !sse.started {
			h.serviceError(w, r, err)
			return
		}
		status, msg := classify(err)
		log.Warn("stream aborted", "status", status, "err", err)
		if ctx.Err() == nil {
			_ = sse.fail(msg)
		}
		return
	}
	if err := sse.done(); err != nil {
		log.Debug("client went away before end of stream", "err", err)
	}
}
