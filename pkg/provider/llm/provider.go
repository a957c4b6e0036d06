// Package llm defines the Provider interface for the language model backends
// that analyse finished transcripts and answer questions about them.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// FinishReasonError marks a streamed [Chunk] that carries a mid-stream
// failure in its Text field.
const FinishReasonError = "error"

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically from
	// the "user" role.
	Messages []Message

	// SystemPrompt is injected before Messages as a "system" message.
	SystemPrompt string

	// Temperature in [0.0, 2.0]. Zero leaves the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental content. For FinishReasonError it holds the
	// error message instead.
	Text string

	// FinishReason is set on the final chunk ("stop", "length",
	// FinishReasonError) and empty otherwise.
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any language model backend.
type Provider interface {
	// StreamCompletion returns a channel that emits chunks as they arrive. The
	// channel is closed when generation finishes or ctx is cancelled. Errors
	// after the stream has started arrive as a chunk with FinishReasonError;
	// the returned error is non-nil only when the stream could not start.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the context-window cost of messages. The estimate
	// may be approximate but should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities describes the configured model. The result is constant for
	// the lifetime of the Provider.
	Capabilities() ModelCapabilities
}
