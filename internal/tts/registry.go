package tts

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

// Factory builds a backend from the synthesis config.
type Factory func(cfg config.SynthesisConfig) (Synthesizer, error)

// Registry maps backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in backends.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("mock", func(cfg config.SynthesisConfig) (Synthesizer, error) {
		if cfg.MockFailure != "" {
			return NewFailingSynth(errors.New(cfg.MockFailure)), nil
		}
		return NewMockSynth(cfg.SampleRate), nil
	})
	r.Register("exec", func(cfg config.SynthesisConfig) (Synthesizer, error) {
		return NewExecSynth(cfg.Command, cfg.SampleRate)
	})
	r.Register("gtts", func(cfg config.SynthesisConfig) (Synthesizer, error) {
		return NewGoogleSynth(cfg.CacheDir, cfg.Language, cfg.Speed), nil
	})
	return r
}

// Register adds or replaces a backend.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = factory
}

// Names lists registered backends in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the named backend wrapped with the configured timeout.
func (r *Registry) New(name string, cfg config.SynthesisConfig) (Synthesizer, error) {
	name = strings.ToLower(name)
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown synthesis backend %q", name)
	}
	synth, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create synthesis backend %q: %w", name, err)
	}
	return Bounded(name, synth, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
}

// ResolveVoice picks the request voice, then the per-language voice, then the default.
func ResolveVoice(cfg config.SynthesisConfig, voice, language string) string {
	if voice != "" {
		return voice
	}
	if v, ok := cfg.Voices[strings.ToLower(language)]; ok && v != "" {
		return v
	}
	return cfg.Voice
}
