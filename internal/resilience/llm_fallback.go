package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/wordsmith/pkg/provider/llm"
)

var errEmptyStream = errors.New("stream closed before first chunk")

// LLMFallback is an [llm.Provider] over a [FallbackGroup] of backends. A
// backend whose breaker is open is skipped; a failing one hands the request
// to the next.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend after those already registered.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.AddFallback(name, p) }

// Healthy is true while some backend would take a request.
func (f *LLMFallback) Healthy() bool { return f.group.Healthy() }

func (f *LLMFallback) Status() []EntryStatus { return f.group.Status() }

func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion fails over until the first chunk: a backend that cannot
// connect, closes without output, or opens with a [llm.FinishError] chunk
// counts as failed. Errors after that first chunk reach the caller in the
// stream.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		return awaitFirstChunk(ctx, ch)
	})
}

// awaitFirstChunk blocks for the first chunk of ch. On success it returns a
// channel that yields that chunk and then forwards the rest of ch.
func awaitFirstChunk(ctx context.Context, ch <-chan llm.Chunk) (<-chan llm.Chunk, error) {
	var head llm.Chunk
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c, ok := <-ch:
		if !ok {
			return nil, errEmptyStream
		}
		head = c
	}

	if head.FinishReason == llm.FinishError {
		go drain(ch)
		return nil, errors.New(head.Text)
	}

	out := make(chan llm.Chunk, cap(ch)+1)
	out <- head
	go func() {
		defer close(out)
		for c := range ch {
			select {
			case <-ctx.Done():
				go drain(ch)
				return
			case out <- c:
			}
		}
	}()
	return out, nil
}

// drain lets the producer of ch run to completion.
func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}

func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities are the primary's; they describe the preferred model and do
// not change when a request fails over.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	if len(f.group.entries) == 0 {
		return llm.ModelCapabilities{}
	}
	return f.group.entries[0].value.Capabilities()
}
