// Package mock is a scriptable [llm.Provider] for tests.
//
// Set the answers up front and inspect the recorded calls afterwards:
//
//	p := &mock.Provider{Replies: []string{`{"rephrased":"Hello!"}`, "not json"}}
//	svc := rephrase.New(p)
//	...
//	if len(p.CompleteCalls) != 2 { ... }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/wordsmith/pkg/provider/llm"
)

// Call is one recorded request.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider answers from its fields. The zero value streams nothing and
// completes with a nil response.
type Provider struct {
	mu sync.Mutex

	// Replies feeds Complete, one entry per call, before CompleteResponse
	// takes over. CompleteErr overrides both.
	Replies          []string
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// StreamChunks are replayed by every StreamCompletion call unless
	// StreamErr is set.
	StreamChunks []llm.Chunk
	StreamErr    error

	TokenCount        int
	CountTokensErr    error
	ModelCapabilities llm.ModelCapabilities

	CompleteCalls []Call
	StreamCalls   []Call
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, Call{ctx, req})

	switch {
	case p.CompleteErr != nil:
		return nil, p.CompleteErr
	case len(p.Replies) == 0:
		return p.CompleteResponse, nil
	}
	next := p.Replies[0]
	p.Replies = p.Replies[1:]
	return &llm.CompletionResponse{Content: next}, nil
}

// StreamCompletion sends a copy of StreamChunks and closes the channel. It
// stops early once ctx ends.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, Call{ctx, req})
	err, chunks := p.StreamErr, append([]llm.Chunk(nil), p.StreamChunks...)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *Provider) CountTokens([]llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TokenCount, p.CountTokensErr
}

func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls counts the Complete and StreamCompletion calls so far. Unlike the
// slices it may be read while calls are in flight.
func (p *Provider) Calls() (complete, stream int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls), len(p.StreamCalls)
}
