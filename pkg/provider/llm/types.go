package llm

// Message is one turn of the conversation sent to the model.
type Message struct {
	Role    string // "system", "user" or "assistant"
	Content string
	Name    string // optional speaker name
}

// ModelCapabilities describes the model behind a [Provider].
type ModelCapabilities struct {
	// ContextWindow covers prompt and answer together, in tokens.
	ContextWindow   int
	MaxOutputTokens int

	// SupportsJSONMode is set when [CompletionRequest.JSONMode] is enforced
	// by the backend rather than ignored.
	SupportsJSONMode  bool
	SupportsStreaming bool
}

// Values of [Chunk.FinishReason].
const (
	FinishStop   = "stop"
	FinishLength = "length"

	// FinishError ends a stream that failed part way; Text holds the error.
	FinishError = "error"
)
