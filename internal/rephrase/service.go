// Package rephrase turns validated user text into model requests and model
// output into display-ready answers.
//
// A [Service] supports three operations: tone rephrasing ([Service.Rephrase]),
// STAR-method restructuring ([Service.RephraseSTAR]) and synonym lookup
// ([Service.Synonyms]). Each runs in one of two modes:
//
//   - [ModeStructured] asks the model for a single JSON object and decodes it.
//     Answers that are not valid JSON are recovered from their text with the
//     helpers in package extract.
//   - [ModeStreaming] drains a token stream into a transcript and extracts the
//     final text from it.
//
// STAR answers have four named parts and no meaningful free-text form, so they
// are always requested in structured mode.
//
// Input validation is the caller's job; the service assumes text has already
// passed the guard.
package rephrase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/wordsmith/internal/extract"
	"github.com/MrWong99/wordsmith/internal/observe"
	"github.com/MrWong99/wordsmith/pkg/provider/llm"
)

// StarMethod is the sentiment value (compared case-insensitively) that selects
// STAR-method rephrasing.
const StarMethod = "star method"

const (
	opRephrase = "rephrase"
	opSTAR     = "star"
	opSynonym  = "synonym"
)

// Mode selects how model answers are requested and read back.
type Mode string

const (
	ModeStructured Mode = "structured"
	ModeStreaming  Mode = "streaming"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeStructured || m == ModeStreaming
}

var (
	// ErrEmptySentiment is returned when no tone was given.
	ErrEmptySentiment = errors.New("rephrase: sentiment must not be empty")

	// ErrNoProvider is returned when the service has no model backend.
	ErrNoProvider = errors.New("rephrase: no provider configured")

	// ErrMalformedAnswer is returned when a STAR answer cannot be decoded.
	ErrMalformedAnswer = errors.New("rephrase: malformed structured answer")
)

// IsSTAR reports whether sentiment selects STAR-method rephrasing.
func IsSTAR(sentiment string) bool {
	return strings.EqualFold(sentiment, StarMethod)
}

// Rephrased is the answer to a tone rephrase request.
type Rephrased struct {
	Rephrased string `json:"rephrased"`
}

// STAR is the answer to a STAR-method rephrase request.
type STAR struct {
	Situation string `json:"situation"`
	Task      string `json:"task"`
	Action    string `json:"action"`
	Result    string `json:"result"`
}

// Format renders the four parts as labelled paragraphs. Missing parts are
// shown as "...".
func (s STAR) Format() string {
	part := func(v string) string {
		if strings.TrimSpace(v) == "" {
			return "..."
		}
		return v
	}
	return "Situation: " + part(s.Situation) +
		"\n\nTask: " + part(s.Task) +
		"\n\nAction: " + part(s.Action) +
		"\n\nResult: " + part(s.Result)
}

// empty reports whether no part carries text.
func (s STAR) empty() bool {
	return s.Situation == "" && s.Task == "" && s.Action == "" && s.Result == ""
}

// Synonyms is the answer to a synonym request.
type Synonyms struct {
	Synonyms []string `json:"synonyms"`
}

// Option is a functional option for configuring a [Service].
type Option func(*Service)

// WithSTARProvider routes STAR requests to a dedicated backend instead of the
// default one.
func WithSTARProvider(p llm.Provider) Option {
	return func(s *Service) {
		s.star = p
	}
}

// WithMode sets the answer mode. Unknown modes are ignored. Default:
// [ModeStructured].
func WithMode(m Mode) Option {
	return func(s *Service) {
		if m.Valid() {
			s.mode = m
		}
	}
}

// WithMaxSynonyms sets the synonym count asked for and the list bound.
// Default: [extract.DefaultMaxSynonyms].
func WithMaxSynonyms(n int) Option {
	return func(s *Service) {
		s.SetMaxSynonyms(n)
	}
}

// WithTemperature sets the sampling temperature. Zero leaves the backend
// default in place.
func WithTemperature(t float64) Option {
	return func(s *Service) {
		s.temperature = t
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// Service issues rephrase and synonym requests against an [llm.Provider]. It
// is safe for concurrent use.
type Service struct {
	llm         llm.Provider
	star        llm.Provider
	mode        Mode
	temperature float64
	maxSynonyms atomic.Int64
	metrics     *observe.Metrics
}

// New returns a Service backed by provider. provider may be nil, in which case
// every operation fails with [ErrNoProvider].
func New(provider llm.Provider, opts ...Option) *Service {
	s := &Service{
		llm:  provider,
		mode: ModeStructured,
	}
	s.maxSynonyms.Store(extract.DefaultMaxSynonyms)
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Mode returns the configured answer mode.
func (s *Service) Mode() Mode {
	return s.mode
}

// MaxSynonyms returns the current synonym bound.
func (s *Service) MaxSynonyms() int {
	return int(s.maxSynonyms.Load())
}

// SetMaxSynonyms changes the synonym bound for subsequent requests.
// Non-positive values restore the default.
func (s *Service) SetMaxSynonyms(n int) {
	if n <= 0 {
		n = extract.DefaultMaxSynonyms
	}
	s.maxSynonyms.Store(int64(n))
}

// Ready reports whether a model backend is configured.
func (s *Service) Ready() bool {
	return s.llm != nil
}

// Rephrase rewrites sentence in the tone named by sentiment.
func (s *Service) Rephrase(ctx context.Context, sentence, sentiment string) (Rephrased, error) {
	if strings.TrimSpace(sentiment) == "" {
		return Rephrased{}, ErrEmptySentiment
	}
	if s.llm == nil {
		return Rephrased{}, ErrNoProvider
	}

	p := tonePrompt(sentence, sentiment, s.mode)

	if s.mode == ModeStreaming {
		text, err := s.stream(ctx, opRephrase, s.llm, p, nil)
		if err != nil {
			return Rephrased{}, err
		}
		return Rephrased{Rephrased: extract.CleanQuotationMarks(text)}, nil
	}

	content, err := s.complete(ctx, opRephrase, s.llm, p)
	if err != nil {
		return Rephrased{}, err
	}
	ans, err := decodeAnswer[Rephrased](content)
	if err != nil || ans.Rephrased == "" {
		s.recordFallback(ctx, opRephrase, err)
		return Rephrased{Rephrased: extract.CleanQuotationMarks(stripMarkdown(content))}, nil
	}
	return ans, nil
}

// RephraseSTAR restructures sentence into situation, task, action and result.
func (s *Service) RephraseSTAR(ctx context.Context, sentence string) (STAR, error) {
	provider := s.star
	if provider == nil {
		provider = s.llm
	}
	if provider == nil {
		return STAR{}, ErrNoProvider
	}

	content, err := s.complete(ctx, opSTAR, provider, starPrompt(sentence))
	if err != nil {
		return STAR{}, err
	}
	// encoding/json matches keys case-insensitively, so "Situation" and
	// "SITUATION" decode as well.
	ans, err := decodeAnswer[STAR](content)
	if err != nil {
		return STAR{}, fmt.Errorf("%w: %w", ErrMalformedAnswer, err)
	}
	if ans.empty() {
		return STAR{}, fmt.Errorf("%w: no STAR fields present", ErrMalformedAnswer)
	}
	return ans, nil
}

// Synonyms asks for alternatives to word. The list holds at most
// [Service.MaxSynonyms] entries when it had to be parsed from free text;
// a well-formed structured answer is passed through as is.
func (s *Service) Synonyms(ctx context.Context, word string) (Synonyms, error) {
	if s.llm == nil {
		return Synonyms{}, ErrNoProvider
	}

	maxCount := s.MaxSynonyms()
	p := synonymPrompt(word, maxCount, s.mode)

	var out Synonyms
	if s.mode == ModeStreaming {
		text, err := s.stream(ctx, opSynonym, s.llm, p, nil)
		if err != nil {
			return Synonyms{}, err
		}
		out = Synonyms{Synonyms: extract.ParseSynonyms(text, maxCount)}
	} else {
		content, err := s.complete(ctx, opSynonym, s.llm, p)
		if err != nil {
			return Synonyms{}, err
		}
		ans, err := decodeAnswer[Synonyms](content)
		if err != nil || ans.Synonyms == nil {
			s.recordFallback(ctx, opSynonym, err)
			ans = Synonyms{Synonyms: extract.ParseSynonyms(stripMarkdown(content), maxCount)}
		}
		out = ans
	}

	s.metrics.SynonymsReturned.Record(ctx, int64(len(out.Synonyms)))
	return out, nil
}

// Stream rephrases sentence like [Service.Rephrase] but always streams,
// calling emit with every text fragment as it arrives. It returns the final
// cleaned sentence. A STAR sentiment is answered in one piece: the formatted
// STAR text is emitted once.
//
// If emit returns an error the stream is abandoned and that error returned.
func (s *Service) Stream(ctx context.Context, sentence, sentiment string, emit func(string) error) (string, error) {
	if strings.TrimSpace(sentiment) == "" {
		return "", ErrEmptySentiment
	}

	if IsSTAR(sentiment) {
		ans, err := s.RephraseSTAR(ctx, sentence)
		if err != nil {
			return "", err
		}
		text := ans.Format()
		if err := emit(text); err != nil {
			return "", err
		}
		return text, nil
	}

	if s.llm == nil {
		return "", ErrNoProvider
	}
	text, err := s.stream(ctx, opRephrase, s.llm, tonePrompt(sentence, sentiment, ModeStreaming), emit)
	if err != nil {
		return "", err
	}
	return extract.CleanQuotationMarks(text), nil
}

func (p prompt) request(mode Mode, temperature float64) llm.CompletionRequest {
	return llm.CompletionRequest{
		SystemPrompt: p.system,
		Messages:     []llm.Message{{Role: "user", Content: p.user}},
		Temperature:  temperature,
		JSONMode:     mode == ModeStructured,
	}
}

// complete performs one non-streaming model call inside a span.
func (s *Service) complete(ctx context.Context, op string, provider llm.Provider, p prompt) (string, error) {
	ctx, span := observe.StartSpan(ctx, "rephrase."+op)
	defer span.End()
	span.SetAttributes(attribute.String("mode", string(ModeStructured)))

	start := time.Now()
	resp, err := provider.Complete(ctx, p.request(ModeStructured, s.temperature))
	s.recordCall(ctx, op, ModeStructured, start, err)
	if err != nil {
		observe.FailSpan(span, err)
		return "", fmt.Errorf("rephrase: %s: complete: %w", op, err)
	}
	if resp == nil {
		err := fmt.Errorf("rephrase: %s: empty response", op)
		observe.FailSpan(span, err)
		return "", err
	}
	span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", resp.Usage.CompletionTokens),
	)
	return resp.Content, nil
}

// stream performs one streaming model call inside a span, materialises it as a
// transcript and returns the extracted text. Nothing is extracted when ctx
// ends before the stream does.
func (s *Service) stream(ctx context.Context, op string, provider llm.Provider, p prompt, emit func(string) error) (string, error) {
	ctx, span := observe.StartSpan(ctx, "rephrase."+op)
	defer span.End()
	span.SetAttributes(attribute.String("mode", string(ModeStreaming)))

	s.metrics.ActiveStreams.Add(ctx, 1)
	defer s.metrics.ActiveStreams.Add(ctx, -1)

	start := time.Now()
	text, err := s.drain(ctx, provider, p, emit)
	s.recordCall(ctx, op, ModeStreaming, start, err)
	if err != nil {
		observe.FailSpan(span, err)
		return "", fmt.Errorf("rephrase: %s: stream: %w", op, err)
	}
	return text, nil
}

func (s *Service) drain(ctx context.Context, provider llm.Provider, p prompt, emit func(string) error) (string, error) {
	ch, err := provider.StreamCompletion(ctx, p.request(ModeStreaming, s.temperature))
	if err != nil {
		return "", err
	}

	var tr extract.Transcript
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case c, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return "", err
				}
				tr.Close()
				return tr.Text(), nil
			}
			if c.FinishReason == llm.FinishError {
				return "", errors.New(c.Text)
			}
			tr.WriteDelta(c.Text)
			if emit != nil && c.Text != "" {
				if err := emit(c.Text); err != nil {
					return "", err
				}
			}
		}
	}
}

func (s *Service) recordCall(ctx context.Context, op string, mode Mode, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordLLMCall(ctx, op, string(mode), status, time.Since(start))
}

func (s *Service) recordFallback(ctx context.Context, op string, err error) {
	s.metrics.RecordExtractFallback(ctx, op)
	l := observe.Logger(ctx)
	if err != nil {
		l.Debug("structured answer not decodable, recovering from text", "operation", op, "err", err)
		return
	}
	l.Debug("structured answer missing expected field, recovering from text", "operation", op)
}

// decodeAnswer unmarshals a structured model answer after removing optional
// markdown fences.
func decodeAnswer[T any](content string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &v); err != nil {
		return v, err
	}
	return v, nil
}
