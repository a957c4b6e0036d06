package llm

import "strings"

// Message is a single entry in a conversation with the model.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	Content string

	// Name is an optional participant name.
	Name string
}

// ModelCapabilities describes the limits of a model.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum the model can generate in one completion.
	MaxOutputTokens int

	SupportsStreaming bool
}

// PromptBudget returns how many tokens of input fit beside a full-length
// completion.
func (c ModelCapabilities) PromptBudget() int {
	return max(c.ContextWindow-c.MaxOutputTokens, 0)
}

// EstimateTokens approximates the token cost of messages at roughly four
// characters per token plus a fixed per-message overhead for role framing.
//
// TODO: replace with a real tokenizer (e.g. tiktoken-go) for per-model counts.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total
}

// CapabilitiesFor returns the limits of a known model family. Unknown models
// get 128k context with 4k output.
func CapabilitiesFor(model string) ModelCapabilities {
	caps := ModelCapabilities{
		ContextWindow:     128_000,
		MaxOutputTokens:   4_096,
		SupportsStreaming: true,
	}

	lower := strings.ToLower(model)
	switch {
	// OpenAI
	case strings.HasPrefix(lower, "gpt-4.1"):
		caps.ContextWindow = 1_047_576
		caps.MaxOutputTokens = 32_768
	case strings.HasPrefix(lower, "gpt-4o"):
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "gpt-4-turbo"):
	case strings.HasPrefix(lower, "gpt-4"):
		caps.ContextWindow = 8_192
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385
	case strings.HasPrefix(lower, "o1-mini"):
		caps.MaxOutputTokens = 65_536
	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000

	// Anthropic
	case strings.Contains(lower, "claude-3-opus"):
		caps.ContextWindow = 200_000
	case strings.HasPrefix(lower, "claude"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192

	// Google
	case strings.Contains(lower, "gemini-1.5-pro"):
		caps.ContextWindow = 2_097_152
		caps.MaxOutputTokens = 8_192
	case strings.Contains(lower, "gemini-1.5-flash"), strings.Contains(lower, "gemini-2"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "gemini"):
		caps.MaxOutputTokens = 8_192

	// Local models served through ollama, llama.cpp or llamafile usually run
	// with a much smaller context than the model supports.
	case strings.HasPrefix(lower, "llama"), strings.HasPrefix(lower, "mistral"), strings.HasPrefix(lower, "qwen"):
		caps.ContextWindow = 32_768
		caps.MaxOutputTokens = 4_096
	}
	return caps
}
