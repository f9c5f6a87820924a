package dispatch

import (
	"github.com/loqalabs/loqa-avatar/internal/animation"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// NewEvent converts a processed utterance into its wire form.
func NewEvent(u *pipeline.Utterance) protocol.BroadcastEvent {
	evt := protocol.BroadcastEvent{
		Sequence:    u.Sequence,
		UtteranceID: u.ID,
		Status:      string(u.Status),
		Source:      u.Request.Source,
		Text:        u.Request.Text,
		Language:    string(u.Descriptor.Language),
		Emotion:     string(u.Descriptor.Emotion),
		Subject:     u.Descriptor.Subject,
		AudioRef:    u.AudioRef,
		SampleRate:  u.Audio.SampleRate,
		DurationMS:  u.Audio.Duration().Milliseconds(),
		Frames:      Frames(u.Frames),
		SubmittedAt: u.Request.SubmittedAt,
	}
	if u.Err != nil {
		evt.Error = u.Err.Error()
	}
	if u.Status == pipeline.StatusFailed {
		evt.AudioRef = ""
		evt.SampleRate = 0
		evt.DurationMS = 0
	}
	return evt
}

// Frames converts animation frames to wire frames.
func Frames(frames []animation.Frame) []protocol.Frame {
	out := make([]protocol.Frame, 0, len(frames))
	for _, f := range frames {
		out = append(out, protocol.Frame{
			OffsetMS:   f.Offset.Milliseconds(),
			Mouth:      round3(f.Mouth),
			Expression: string(f.Expression),
			Blink:      round3(f.Blink),
		})
	}
	return out
}

// Result builds the per-submitter completion notice.
func Result(u *pipeline.Utterance) protocol.Result {
	res := protocol.Result{Sequence: u.Sequence, UtteranceID: u.ID, Status: string(u.Status)}
	if u.Err != nil {
		res.Error = u.Err.Error()
	}
	return res
}

func round3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}
