package rephrase_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/wordsmith/internal/observe"
	"github.com/MrWong99/wordsmith/internal/rephrase"
	"github.com/MrWong99/wordsmith/pkg/provider/llm"
	"github.com/MrWong99/wordsmith/pkg/provider/llm/mock"
)

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// fallbackCount returns the extract fallback counter for operation.
func fallbackCount(t *testing.T, reader *sdkmetric.ManualReader, operation string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "wordsmith.extract.fallbacks" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("fallbacks is not a sum")
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("operation"); ok && v.AsString() == operation {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func completing(content string) *mock.Provider {
	return &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: content}}
}

func streaming(parts ...string) *mock.Provider {
	chunks := make([]llm.Chunk, 0, len(parts)+1)
	for _, p := range parts {
		chunks = append(chunks, llm.Chunk{Text: p})
	}
	chunks = append(chunks, llm.Chunk{FinishReason: llm.FinishStop})
	return &mock.Provider{StreamChunks: chunks}
}

func TestIsSTAR(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]bool{
		"star method":  true,
		"STAR Method":  true,
		"Star METHOD":  true,
		"star":         false,
		" star method": false,
		"formal":       false,
	} {
		if got := rephrase.IsSTAR(in); got != want {
			t.Errorf("IsSTAR(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRephrase_Structured(t *testing.T) {
	t.Parallel()

	p := completing("```json\n{\"rephrased\": \"I resolved the login defect yesterday.\"}\n```")
	svc := rephrase.New(p)

	got, err := svc.Rephrase(context.Background(), "I fixed the login bug yesterday.", "formal")
	if err != nil {
		t.Fatalf("Rephrase: %v", err)
	}
	if got.Rephrased != "I resolved the login defect yesterday." {
		t.Errorf("Rephrased = %q", got.Rephrased)
	}

	if len(p.CompleteCalls) != 1 {
		t.Fatalf("expected 1 Complete call, got %d", len(p.CompleteCalls))
	}
	req := p.CompleteCalls[0].Req
	if !req.JSONMode {
		t.Error("structured request should set JSONMode")
	}
	if !strings.HasPrefix(req.SystemPrompt, "You are a helpful assistant that rephrases sentences to be formal.") {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" ||
		req.Messages[0].Content != `Rephrase the following sentence: "I fixed the login bug yesterday."` {
		t.Errorf("Messages = %+v", req.Messages)
	}
}

func TestRephrase_StructuredFallsBackToText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain quoted text", `"Kindly review the document."`, "Kindly review the document."},
		{"json without field", `{"answer":"x"}`, `{"answer":"x"}`},
		{"fenced prose", "```\nSure thing.\n```", "Sure thing."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, reader := newTestMetrics(t)
			svc := rephrase.New(completing(tt.content), rephrase.WithMetrics(m))

			got, err := svc.Rephrase(context.Background(), "review this", "polite")
			if err != nil {
				t.Fatalf("Rephrase: %v", err)
			}
			if got.Rephrased != tt.want {
				t.Errorf("Rephrased = %q, want %q", got.Rephrased, tt.want)
			}
			if n := fallbackCount(t, reader, "rephrase"); n != 1 {
				t.Errorf("fallback count = %d, want 1", n)
			}
		})
	}
}

func TestRephrase_EmptySentiment(t *testing.T) {
	t.Parallel()

	p := completing(`{"rephrased":"x"}`)
	svc := rephrase.New(p)
	for _, s := range []string{"", "   ", "\t\n"} {
		if _, err := svc.Rephrase(context.Background(), "hello", s); !errors.Is(err, rephrase.ErrEmptySentiment) {
			t.Errorf("sentiment %q: err = %v, want ErrEmptySentiment", s, err)
		}
	}
	if len(p.CompleteCalls) != 0 {
		t.Errorf("provider called %d times for empty sentiment", len(p.CompleteCalls))
	}
}

func TestRephrase_NoProvider(t *testing.T) {
	t.Parallel()

	svc := rephrase.New(nil)
	if svc.Ready() {
		t.Error("Ready() = true without provider")
	}
	ctx := context.Background()
	if _, err := svc.Rephrase(ctx, "a", "b"); !errors.Is(err, rephrase.ErrNoProvider) {
		t.Errorf("Rephrase err = %v", err)
	}
	if _, err := svc.RephraseSTAR(ctx, "a"); !errors.Is(err, rephrase.ErrNoProvider) {
		t.Errorf("RephraseSTAR err = %v", err)
	}
	if _, err := svc.Synonyms(ctx, "a"); !errors.Is(err, rephrase.ErrNoProvider) {
		t.Errorf("Synonyms err = %v", err)
	}
	if _, err := svc.Stream(ctx, "a", "b", func(string) error { return nil }); !errors.Is(err, rephrase.ErrNoProvider) {
		t.Errorf("Stream err = %v", err)
	}
}

func TestRephrase_ProviderError(t *testing.T) {
	t.Parallel()

	boom := errors.New("upstream 500")
	svc := rephrase.New(&mock.Provider{CompleteErr: boom})
	_, err := svc.Rephrase(context.Background(), "hello", "casual")
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapping %v", err, boom)
	}
}

func TestRephrase_Streaming(t *testing.T) {
	t.Parallel()

	p := streaming(`"Hey`, `, the login`, ` bug is fixed!"`)
	svc := rephrase.New(p, rephrase.WithMode(rephrase.ModeStreaming), rephrase.WithTemperature(0.4))

	got, err := svc.Rephrase(context.Background(), "I fixed the login bug.", "casual")
	if err != nil {
		t.Fatalf("Rephrase: %v", err)
	}
	if got.Rephrased != "Hey, the login bug is fixed!" {
		t.Errorf("Rephrased = %q", got.Rephrased)
	}
	if len(p.StreamCalls) != 1 {
		t.Fatalf("expected 1 stream call, got %d", len(p.StreamCalls))
	}
	req := p.StreamCalls[0].Req
	if req.JSONMode {
		t.Error("streaming request should not set JSONMode")
	}
	if req.Temperature != 0.4 {
		t.Errorf("Temperature = %v, want 0.4", req.Temperature)
	}
}

func TestRephrase_StreamErrorChunk(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "partial"},
		{FinishReason: llm.FinishError, Text: "connection reset"},
	}}
	svc := rephrase.New(p, rephrase.WithMode(rephrase.ModeStreaming))

	_, err := svc.Rephrase(context.Background(), "hi", "formal")
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("err = %v, want stream error", err)
	}
}

func TestRephrase_StreamCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := rephrase.New(streaming("a", "b", "c"), rephrase.WithMode(rephrase.ModeStreaming))
	if _, err := svc.Rephrase(ctx, "hi", "formal"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestWithMode_IgnoresUnknown(t *testing.T) {
	t.Parallel()

	svc := rephrase.New(nil, rephrase.WithMode("telepathic"))
	if svc.Mode() != rephrase.ModeStructured {
		t.Errorf("Mode() = %q, want structured", svc.Mode())
	}
}

func TestRephraseSTAR(t *testing.T) {
	t.Parallel()

	p := completing(`{"Situation":"Release week","TASK":"Ship v2","action":"Automated the checks","Result":"Shipped on time"}`)
	svc := rephrase.New(p)

	got, err := svc.RephraseSTAR(context.Background(), "I shipped v2.")
	if err != nil {
		t.Fatalf("RephraseSTAR: %v", err)
	}
	want := rephrase.STAR{
		Situation: "Release week",
		Task:      "Ship v2",
		Action:    "Automated the checks",
		Result:    "Shipped on time",
	}
	if got != want {
		t.Errorf("RephraseSTAR = %+v, want %+v", got, want)
	}
	if !p.CompleteCalls[0].Req.JSONMode {
		t.Error("STAR request should always set JSONMode")
	}
}

func TestRephraseSTAR_AlwaysStructured(t *testing.T) {
	t.Parallel()

	p := completing(`{"situation":"s","task":"t","action":"a","result":"r"}`)
	svc := rephrase.New(p, rephrase.WithMode(rephrase.ModeStreaming))

	if _, err := svc.RephraseSTAR(context.Background(), "x"); err != nil {
		t.Fatalf("RephraseSTAR: %v", err)
	}
	if len(p.StreamCalls) != 0 || len(p.CompleteCalls) != 1 {
		t.Errorf("stream calls = %d, complete calls = %d", len(p.StreamCalls), len(p.CompleteCalls))
	}
}

func TestRephraseSTAR_DedicatedProvider(t *testing.T) {
	t.Parallel()

	def := completing(`{"rephrased":"x"}`)
	star := completing(`{"situation":"s","task":"t","action":"a","result":"r"}`)
	svc := rephrase.New(def, rephrase.WithSTARProvider(star))

	if _, err := svc.RephraseSTAR(context.Background(), "x"); err != nil {
		t.Fatalf("RephraseSTAR: %v", err)
	}
	if len(def.CompleteCalls) != 0 {
		t.Errorf("default provider called %d times", len(def.CompleteCalls))
	}
	if len(star.CompleteCalls) != 1 {
		t.Errorf("STAR provider called %d times", len(star.CompleteCalls))
	}
}

func TestRephraseSTAR_Malformed(t *testing.T) {
	t.Parallel()

	for _, content := range []string{"Situation: a, Task: b", `{}`, `{"unrelated":"x"}`, `[1,2]`} {
		svc := rephrase.New(completing(content))
		if _, err := svc.RephraseSTAR(context.Background(), "x"); !errors.Is(err, rephrase.ErrMalformedAnswer) {
			t.Errorf("content %q: err = %v, want ErrMalformedAnswer", content, err)
		}
	}
}

func TestSTAR_Format(t *testing.T) {
	t.Parallel()

	s := rephrase.STAR{Situation: "S", Task: "T", Action: "A"}
	want := "Situation: S\n\nTask: T\n\nAction: A\n\nResult: ..."
	if got := s.Format(); got != want {
		t.Errorf("Format() = %q, want %q", got, want)
	}
}

func TestSynonyms_Structured(t *testing.T) {
	t.Parallel()

	p := completing(`{"synonyms":["glad","joyful","cheerful","content","pleased","merry"]}`)
	svc := rephrase.New(p)

	got, err := svc.Synonyms(context.Background(), "happy")
	if err != nil {
		t.Fatalf("Synonyms: %v", err)
	}
	want := []string{"glad", "joyful", "cheerful", "content", "pleased", "merry"}
	if !reflect.DeepEqual(got.Synonyms, want) {
		t.Errorf("Synonyms = %q, want %q", got.Synonyms, want)
	}
	req := p.CompleteCalls[0].Req
	if req.Messages[0].Content != `Give me exactly 6 alternatives for: "happy"` {
		t.Errorf("user prompt = %q", req.Messages[0].Content)
	}
}

func TestSynonyms_StructuredFallsBackToParse(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	svc := rephrase.New(completing("Here are 6 synonyms: a, b, c, d, e, f, g, h"), rephrase.WithMetrics(m))

	got, err := svc.Synonyms(context.Background(), "x")
	if err != nil {
		t.Fatalf("Synonyms: %v", err)
	}
	want := []string{"a", "b", "c", "d", "e", "f"}
	if !reflect.DeepEqual(got.Synonyms, want) {
		t.Errorf("Synonyms = %q, want %q", got.Synonyms, want)
	}
	if n := fallbackCount(t, reader, "synonym"); n != 1 {
		t.Errorf("fallback count = %d, want 1", n)
	}
}

func TestSynonyms_Streaming(t *testing.T) {
	t.Parallel()

	p := streaming("1. quick\n", "2. fast\n", "3. rapid\n", "4. swift")
	svc := rephrase.New(p, rephrase.WithMode(rephrase.ModeStreaming), rephrase.WithMaxSynonyms(3))

	got, err := svc.Synonyms(context.Background(), "speedy")
	if err != nil {
		t.Fatalf("Synonyms: %v", err)
	}
	want := []string{"quick", "fast", "rapid"}
	if !reflect.DeepEqual(got.Synonyms, want) {
		t.Errorf("Synonyms = %q, want %q", got.Synonyms, want)
	}
	if c := p.StreamCalls[0].Req.Messages[0].Content; c != `Give me exactly 3 alternatives for: "speedy"` {
		t.Errorf("user prompt = %q", c)
	}
}

func TestSetMaxSynonyms(t *testing.T) {
	t.Parallel()

	svc := rephrase.New(nil)
	if svc.MaxSynonyms() != 6 {
		t.Errorf("default MaxSynonyms = %d, want 6", svc.MaxSynonyms())
	}
	svc.SetMaxSynonyms(10)
	if svc.MaxSynonyms() != 10 {
		t.Errorf("MaxSynonyms = %d, want 10", svc.MaxSynonyms())
	}
	svc.SetMaxSynonyms(-1)
	if svc.MaxSynonyms() != 6 {
		t.Errorf("MaxSynonyms after reset = %d, want 6", svc.MaxSynonyms())
	}
}

func TestSynonyms_MaxSynonymsAppliesToNextRequest(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Replies: []string{
		`{"synonyms":["glad","cheerful"]}`,
		`{"synonyms":["joyful"]}`,
	}}
	svc := rephrase.New(p)

	first, err := svc.Synonyms(context.Background(), "happy")
	if err != nil {
		t.Fatalf("first Synonyms: %v", err)
	}
	svc.SetMaxSynonyms(3)
	second, err := svc.Synonyms(context.Background(), "happy")
	if err != nil {
		t.Fatalf("second Synonyms: %v", err)
	}

	if !reflect.DeepEqual(first.Synonyms, []string{"glad", "cheerful"}) {
		t.Errorf("first = %v", first.Synonyms)
	}
	if !reflect.DeepEqual(second.Synonyms, []string{"joyful"}) {
		t.Errorf("second = %v", second.Synonyms)
	}
	if complete, stream := p.Calls(); complete != 2 || stream != 0 {
		t.Fatalf("Calls() = (%d, %d), want (2, 0)", complete, stream)
	}
	for i, want := range []string{"exactly 6 alternatives", "exactly 3 alternatives"} {
		if got := p.CompleteCalls[i].Req.Messages[0].Content; !strings.Contains(got, want) {
			t.Errorf("call %d prompt = %q, want it to contain %q", i, got, want)
		}
	}
}

func TestStream_EmitsFragments(t *testing.T) {
	t.Parallel()

	svc := rephrase.New(streaming(`"Good`, ` morning`, `, team."`))

	var got []string
	final, err := svc.Stream(context.Background(), "morning all", "formal", func(s string) error {
		got = append(got, s)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if want := []string{`"Good`, ` morning`, `, team."`}; !reflect.DeepEqual(got, want) {
		t.Errorf("emitted %q, want %q", got, want)
	}
	if final != "Good morning, team." {
		t.Errorf("final = %q", final)
	}
}

func TestStream_EmitErrorAborts(t *testing.T) {
	t.Parallel()

	stop := errors.New("client gone")
	svc := rephrase.New(streaming("a", "b", "c"))

	calls := 0
	_, err := svc.Stream(context.Background(), "x", "formal", func(string) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("err = %v, want %v", err, stop)
	}
	if calls != 1 {
		t.Errorf("emit called %d times, want 1", calls)
	}
}

func TestStream_STAREmitsOnce(t *testing.T) {
	t.Parallel()

	p := completing(`{"situation":"s","task":"t","action":"a","result":"r"}`)
	svc := rephrase.New(p)

	var got []string
	final, err := svc.Stream(context.Background(), "x", "STAR method", func(s string) error {
		got = append(got, s)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	want := "Situation: s\n\nTask: t\n\nAction: a\n\nResult: r"
	if final != want || len(got) != 1 || got[0] != want {
		t.Errorf("final = %q, emitted = %q", final, got)
	}
	if len(p.StreamCalls) != 0 {
		t.Error("STAR should not stream")
	}
}
