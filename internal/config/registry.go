package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/llm"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps implementation names to constructor functions for each
// pluggable component. It is safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	llm           map[string]func(ProviderEntry) (llm.Provider, error)
	transcription map[string]func(TranscriptionConfig) (stt.Client, error)
	capture       map[string]func(CaptureConfig) (audio.Device, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:           make(map[string]func(ProviderEntry) (llm.Provider, error)),
		transcription: make(map[string]func(TranscriptionConfig) (stt.Client, error)),
		capture:       make(map[string]func(CaptureConfig) (audio.Device, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterTranscription registers a streaming transcription client factory
// under name.
func (r *Registry) RegisterTranscription(name string, factory func(TranscriptionConfig) (stt.Client, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcription[name] = factory
}

// RegisterCapture registers a microphone device factory under name.
func (r *Registry) RegisterCapture(name string, factory func(CaptureConfig) (audio.Device, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTranscription instantiates the client registered under cfg.Provider.
func (r *Registry) CreateTranscription(cfg TranscriptionConfig) (stt.Client, error) {
	r.mu.RLock()
	factory, ok := r.transcription[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcription/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateCapture instantiates the device registered under cfg.Device.
func (r *Registry) CreateCapture(cfg CaptureConfig) (audio.Device, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, cfg.Device)
	}
	return factory(cfg)
}

// Names returns the sorted registered names per kind ("llm",
// "transcription", "capture"). Used for startup logging.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"llm":           sortedKeys(r.llm),
		"transcription": sortedKeys(r.transcription),
		"capture":       sortedKeys(r.capture),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
