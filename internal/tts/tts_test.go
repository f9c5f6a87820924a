package tts

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

type stubSynth struct {
	audio Audio
	err   error
	delay time.Duration
}

func (s stubSynth) Synthesize(ctx context.Context, _ SynthRequest) (Audio, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.audio, s.err
}

func TestMockSynthProducesAudio(t *testing.T) {
	synth := NewMockSynth(16000)
	audio, err := synth.Synthesize(context.Background(), SynthRequest{Text: "Hello"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if audio.Empty() {
		t.Fatal("expected samples")
	}
	if want := 5 * mockLetter; audio.Duration() < want-time.Millisecond {
		t.Fatalf("expected at least %s, got %s", want, audio.Duration())
	}
	again, _ := synth.Synthesize(context.Background(), SynthRequest{Text: "Hello"})
	if len(again.Samples) != len(audio.Samples) {
		t.Fatal("mock output not deterministic")
	}
}

func TestBoundedTimeout(t *testing.T) {
	synth := Bounded("slow", stubSynth{delay: time.Second}, 20*time.Millisecond)
	_, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hi"})
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestBoundedClassifiesErrors(t *testing.T) {
	synth := Bounded("broken", stubSynth{err: errors.New("boom")}, time.Second)
	_, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hi"})
	var te *Error
	if !errors.As(err, &te) || te.Kind != KindBackendError || te.Backend != "broken" {
		t.Fatalf("expected backend error, got %v", err)
	}

	synth = Bounded("down", stubSynth{err: unavailable("down", errors.New("offline"))}, time.Second)
	_, err = synth.Synthesize(context.Background(), SynthRequest{Text: "hi"})
	if KindOf(err) != KindEngineUnavailable {
		t.Fatalf("expected engine unavailable, got %v", err)
	}

	synth = Bounded("silent", stubSynth{audio: Audio{SampleRate: 16000}}, time.Second)
	_, err = synth.Synthesize(context.Background(), SynthRequest{Text: "hi"})
	if !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("expected empty audio error, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	names := reg.Names()
	if len(names) != 3 || names[0] != "exec" || names[1] != "gtts" || names[2] != "mock" {
		t.Fatalf("unexpected backends %v", names)
	}
	cfg := config.Default().Synthesis
	if _, err := reg.New("festival", cfg); err == nil {
		t.Fatal("expected unknown backend error")
	}
	synth, err := reg.New("MOCK", cfg)
	if err != nil {
		t.Fatalf("new mock: %v", err)
	}
	if _, err := synth.Synthesize(context.Background(), SynthRequest{Text: "ok"}); err != nil {
		t.Fatalf("mock via registry: %v", err)
	}
	if _, err := reg.New("exec", cfg); err == nil {
		t.Fatal("expected exec without command to fail")
	}

	reg.Register("stub", func(config.SynthesisConfig) (Synthesizer, error) {
		return stubSynth{err: errors.New("nope")}, nil
	})
	stub, err := reg.New("stub", cfg)
	if err != nil {
		t.Fatalf("new stub: %v", err)
	}
	if _, err := stub.Synthesize(context.Background(), SynthRequest{}); KindOf(err) != KindBackendError {
		t.Fatalf("expected wrapped backend error, got %v", err)
	}
}

func TestRegistryMockFailure(t *testing.T) {
	cfg := config.Default().Synthesis
	cfg.MockFailure = "engine offline"
	synth, err := NewRegistry().New("mock", cfg)
	if err != nil {
		t.Fatalf("new mock: %v", err)
	}
	_, err = synth.Synthesize(context.Background(), SynthRequest{Text: "hi"})
	var te *Error
	if !errors.As(err, &te) || te.Kind != KindBackendError || te.Backend != "mock" {
		t.Fatalf("expected classified mock failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "engine offline") {
		t.Fatalf("expected configured message, got %v", err)
	}
}

func TestResolveVoice(t *testing.T) {
	cfg := config.SynthesisConfig{Voice: "default", Voices: map[string]string{"pt": "pt-BR"}}
	if got := ResolveVoice(cfg, "custom", "pt"); got != "custom" {
		t.Fatalf("expected request voice, got %s", got)
	}
	if got := ResolveVoice(cfg, "", "PT"); got != "pt-BR" {
		t.Fatalf("expected language voice, got %s", got)
	}
	if got := ResolveVoice(cfg, "", "es"); got != "default" {
		t.Fatalf("expected default voice, got %s", got)
	}
}

func TestExecSynth(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	// two samples: 0 and 1
	cmd := `sh -c 'cat >/dev/null; echo "{\"pcm_base64\":\"AAABAA==\",\"sample_rate\":8000,\"final\":true}"'`
	synth, err := NewExecSynth(cmd, 16000)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	audio, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if audio.SampleRate != 8000 || len(audio.Samples) != 2 || audio.Samples[1] != 1 {
		t.Fatalf("unexpected audio %+v", audio)
	}
}

func TestExecSynthMissingCommand(t *testing.T) {
	synth, err := NewExecSynth("/nonexistent/loqa-tts-binary", 16000)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	_, err = synth.Synthesize(context.Background(), SynthRequest{Text: "hi"})
	if KindOf(err) != KindEngineUnavailable {
		t.Fatalf("expected engine unavailable, got %v", err)
	}
}
