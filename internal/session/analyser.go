package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/livescribe/pkg/memory"
	"github.com/MrWong99/livescribe/pkg/provider/llm"
)

// ErrTranscriptTooLong is returned when a transcript does not fit into the
// prompt budget of the analysis model.
var ErrTranscriptTooLong = errors.New("session: transcript exceeds model context")

// ErrEmptyTranscript is returned when there is nothing to analyse.
var ErrEmptyTranscript = errors.New("session: empty transcript")

const analysisPrompt = `You analyse transcripts of spoken sessions produced by automatic speech recognition.
Respond with a single JSON object and nothing else, using exactly these keys:
  "summary": a concise summary of the session (string),
  "corrected_transcript": the transcript with recognition errors, punctuation and casing fixed, meaning unchanged (string),
  "topics": the main topics discussed (array of strings),
  "action_items": concrete follow-ups mentioned by the speakers (array of strings, may be empty).`

const askPrompt = `You answer questions about the transcript of a spoken session.
Only use information contained in the transcript. If the transcript does not
contain the answer, say so.`

// Analyser produces the structured result for a finalized transcript.
type Analyser interface {
	// Analyse returns the summary, corrected transcript, topics and action
	// items for transcript.
	Analyse(ctx context.Context, transcript string) (*memory.Analysis, error)

	// Ask streams an answer to question using transcript as the only source.
	// The channel is closed when the answer is complete.
	Ask(ctx context.Context, transcript, question string) (<-chan string, error)
}

// LLMAnalyser implements [Analyser] on top of an [llm.Provider].
type LLMAnalyser struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
}

// AnalyserOption configures an [LLMAnalyser].
type AnalyserOption func(*LLMAnalyser)

// WithTemperature sets the sampling temperature of analysis requests.
func WithTemperature(t float64) AnalyserOption {
	return func(a *LLMAnalyser) { a.temperature = t }
}

// WithMaxTokens caps the completion length. Zero uses the model's limit.
func WithMaxTokens(n int) AnalyserOption {
	return func(a *LLMAnalyser) {
		if n >= 0 {
			a.maxTokens = n
		}
	}
}

// NewLLMAnalyser creates a new [LLMAnalyser] backed by the given provider.
func NewLLMAnalyser(provider llm.Provider, opts ...AnalyserOption) *LLMAnalyser {
	a := &LLMAnalyser{llm: provider, temperature: 0.3}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Analyse sends transcript to the model and decodes the JSON answer. A reply
// that is not a JSON object with the expected keys is an error.
func (a *LLMAnalyser) Analyse(ctx context.Context, transcript string) (*memory.Analysis, error) {
	req, err := a.request(analysisPrompt, []llm.Message{{Role: "user", Content: transcript}}, transcript)
	if err != nil {
		return nil, err
	}

	resp, err := a.llm.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("session: analyse: %w", err)
	}

	out, err := decodeAnalysis(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("session: analyse: %w", err)
	}
	if out.CorrectedTranscript == "" {
		out.CorrectedTranscript = transcript
	}
	return out, nil
}

// Ask streams the model's answer text. Chunks carrying a provider error end
// the stream early.
func (a *LLMAnalyser) Ask(ctx context.Context, transcript, question string) (<-chan string, error) {
	if strings.TrimSpace(question) == "" {
		return nil, errors.New("session: ask: empty question")
	}
	msgs := []llm.Message{
		{Role: "user", Content: "Transcript:\n" + transcript},
		{Role: "user", Content: question},
	}
	req, err := a.request(askPrompt, msgs, transcript)
	if err != nil {
		return nil, err
	}

	chunks, err := a.llm.StreamCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("session: ask: %w", err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		for c := range chunks {
			if c.FinishReason == llm.FinishReasonError {
				return
			}
			if c.Text == "" {
				continue
			}
			select {
			case out <- c.Text:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (a *LLMAnalyser) request(system string, msgs []llm.Message, transcript string) (llm.CompletionRequest, error) {
	if strings.TrimSpace(transcript) == "" {
		return llm.CompletionRequest{}, ErrEmptyTranscript
	}

	counted := append([]llm.Message{{Role: "system", Content: system}}, msgs...)
	tokens, err := a.llm.CountTokens(counted)
	if err != nil {
		return llm.CompletionRequest{}, fmt.Errorf("session: count tokens: %w", err)
	}
	if budget := a.llm.Capabilities().PromptBudget(); budget > 0 && tokens > budget {
		return llm.CompletionRequest{}, fmt.Errorf("%w: %d tokens, budget %d", ErrTranscriptTooLong, tokens, budget)
	}

	return llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     msgs,
		Temperature:  a.temperature,
		MaxTokens:    a.maxTokens,
	}, nil
}

// decodeAnalysis extracts the JSON object from a model reply. Markdown code
// fences and text around the object are tolerated.
func decodeAnalysis(reply string) (*memory.Analysis, error) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end < start {
		return nil, errors.New("reply contains no JSON object")
	}

	var out memory.Analysis
	if err := json.Unmarshal([]byte(reply[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if out.Summary == "" && out.CorrectedTranscript == "" && len(out.Topics) == 0 {
		return nil, errors.New("reply has none of the expected fields")
	}
	return &out, nil
}
