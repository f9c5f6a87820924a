// Package animation derives face animation frames from synthesized audio and
// the analyzed text.
package animation

import (
	"math"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/analyzer"
	"github.com/loqalabs/loqa-avatar/internal/tts"
)

// Expression is the face pose a renderer blends toward.
type Expression string

const (
	ExpressionNeutral     Expression = "neutral"
	ExpressionHappy       Expression = "happy"
	ExpressionSad         Expression = "sad"
	ExpressionExcited     Expression = "excited"
	ExpressionCalm        Expression = "calm"
	ExpressionQuestioning Expression = "questioning"
	ExpressionEmphatic    Expression = "emphatic"
)

// Frame is one animation cue relative to the start of the audio.
type Frame struct {
	Offset     time.Duration
	Mouth      float64 // 0 closed, 1 fully open
	Expression Expression
	Blink      float64 // 0 open, 1 closed
}

type Options struct {
	FrameRate     int
	NoiseGate     float64 // normalized level below which the mouth stays shut
	Attack        float64 // weight of the new level when the mouth opens
	Release       float64 // weight of the new level when the mouth closes
	BlinkInterval time.Duration
	BlinkDuration time.Duration
}

func DefaultOptions() Options {
	return Options{
		FrameRate:     30,
		NoiseGate:     0.05,
		Attack:        0.7,
		Release:       0.4,
		BlinkInterval: 3 * time.Second,
		BlinkDuration: 150 * time.Millisecond,
	}
}

// Map returns frames covering the audio. Offsets start at zero, never decrease
// and never pass the audio duration; the last frame closes the mouth at the
// end of the audio. Empty audio yields no frames.
func Map(audio tts.Audio, desc analyzer.Descriptor, opts Options) []Frame {
	duration := audio.Duration()
	if duration <= 0 {
		return nil
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = DefaultOptions().FrameRate
	}
	step := time.Second / time.Duration(opts.FrameRate)
	levels := envelope(audio, step)
	timeline := newTimeline(desc, duration)

	frames := make([]Frame, 0, len(levels)+1)
	mouth := 0.0
	for i, level := range levels {
		offset := time.Duration(i) * step
		if offset >= duration {
			break
		}
		if level < opts.NoiseGate {
			level = 0
		}
		weight := opts.Release
		if level > mouth {
			weight = opts.Attack
		}
		mouth = clamp(mouth*(1-weight) + level*weight)
		frames = append(frames, Frame{
			Offset:     offset,
			Mouth:      mouth,
			Expression: timeline.at(offset),
			Blink:      blink(offset, opts),
		})
	}
	frames = append(frames, Frame{
		Offset:     duration,
		Mouth:      0,
		Expression: timeline.at(duration),
		Blink:      blink(duration, opts),
	})
	return frames
}

// envelope computes the RMS of every step-sized window, normalized so the
// loudest window is 1.
func envelope(audio tts.Audio, step time.Duration) []float64 {
	window := int(int64(audio.SampleRate) * int64(step) / int64(time.Second))
	if window <= 0 {
		window = 1
	}
	count := (len(audio.Samples) + window - 1) / window
	levels := make([]float64, count)
	peak := 0.0
	for i := 0; i < count; i++ {
		start := i * window
		end := min(start+window, len(audio.Samples))
		levels[i] = rms(audio.Samples[start:end])
		peak = math.Max(peak, levels[i])
	}
	if peak > 0 {
		for i := range levels {
			levels[i] /= peak
		}
	}
	return levels
}

func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func blink(offset time.Duration, opts Options) float64 {
	if opts.BlinkInterval <= 0 || opts.BlinkDuration <= 0 || offset < opts.BlinkInterval {
		return 0
	}
	into := offset % opts.BlinkInterval
	if into >= opts.BlinkDuration {
		return 0
	}
	progress := float64(into) / float64(opts.BlinkDuration)
	if progress < 0.5 {
		return progress * 2
	}
	return 1 - (progress-0.5)*2
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
