package tts

import (
	"context"
	"time"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text     string
	Voice    string
	Language string
}

// Audio is mono 16-bit PCM.
type Audio struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the playback length of the samples.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(a.Samples)) * time.Second / time.Duration(a.SampleRate)
}

// Empty reports whether there is nothing to play.
func (a Audio) Empty() bool { return len(a.Samples) == 0 }

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (Audio, error)
}
