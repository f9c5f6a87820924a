package tts

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode"
)

// mockSynth renders a deterministic tone: one syllable per letter, silence on
// spaces and punctuation. It lets the whole pipeline run without an engine.
type mockSynth struct {
	sampleRate int
}

func NewMockSynth(sampleRate int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	return &mockSynth{sampleRate: sampleRate}
}

const (
	mockLetter = 60 * time.Millisecond
	mockPause  = 80 * time.Millisecond
	mockTone   = 220.0
)

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}

	letterSamples := int(mockLetter.Seconds() * float64(m.sampleRate))
	pauseSamples := int(mockPause.Seconds() * float64(m.sampleRate))

	var samples []int16
	for _, r := range strings.TrimSpace(req.Text) {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			samples = append(samples, make([]int16, pauseSamples)...)
			continue
		}
		amp := 0.35
		if strings.ContainsRune("aeiouAEIOU", r) {
			amp = 0.8
		}
		for i := 0; i < letterSamples; i++ {
			// raised-cosine envelope per syllable
			env := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(letterSamples))
			v := amp * env * math.Sin(2*math.Pi*mockTone*float64(i)/float64(m.sampleRate))
			samples = append(samples, int16(v*math.MaxInt16))
		}
	}
	return Audio{Samples: samples, SampleRate: m.sampleRate}, nil
}

// failingSynth always returns err. It stands in for a broken engine.
type failingSynth struct {
	err error
}

func NewFailingSynth(err error) Synthesizer {
	return failingSynth{err: err}
}

func (f failingSynth) Synthesize(context.Context, SynthRequest) (Audio, error) {
	return Audio{}, f.err
}
