// Package llm is the seam between the rephrasing service and the model
// backends. A [Provider] answers a [CompletionRequest] either in one piece or
// as a stream of text deltas; the SDK behind it stays invisible to callers.
package llm

import "context"

// Usage is the token accounting reported by a backend, when it reports any.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is one prompt for the model. Messages must not be empty.
type CompletionRequest struct {
	// SystemPrompt goes first. Backends without a system field send it as a
	// "system" message.
	SystemPrompt string

	Messages []Message

	// Temperature in [0, 2] and MaxTokens fall back to the backend defaults
	// when zero.
	Temperature float64
	MaxTokens   int

	// JSONMode asks for a single JSON object as the answer. Backends that
	// cannot enforce it ignore the flag, so the prompt still has to spell the
	// shape out.
	JSONMode bool
}

// Chunk is one piece of a streamed answer. The last chunk carries a
// FinishReason ([FinishStop], [FinishLength] or [FinishError]) and may have
// no Text.
type Chunk struct {
	Text         string
	FinishReason string
}

// CompletionResponse is a finished, non-streamed answer.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is implemented by every model backend. Implementations are safe
// for concurrent use and stop work promptly when ctx ends.
type Provider interface {
	// StreamCompletion starts generating and returns the chunk channel, which
	// the implementation closes when the answer is complete or ctx ends. The
	// error return covers failures before the first byte only; later ones
	// arrive as a [FinishError] chunk whose Text is the message. A nil error
	// always comes with a non-nil channel.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete blocks until the whole answer is available.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the prompt size of messages. It may overcount.
	CountTokens(messages []Message) (int, error)

	Capabilities() ModelCapabilities
}

// EstimateTokens approximates four bytes per token plus four tokens of
// framing per message. Backends without a tokenizer use it.
func EstimateTokens(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += 4 + (len(m.Content)+3)/4
	}
	return n
}
