package animation

import (
	"time"

	"github.com/loqalabs/loqa-avatar/internal/analyzer"
)

type span struct {
	end        time.Duration
	expression Expression
}

// timeline places the descriptor's segments on the audio clock. Segment hints
// are scaled so the text estimate spans the real audio; anything the estimate
// would place beyond the audio is clipped away.
type timeline struct {
	spans    []span
	fallback Expression
}

func newTimeline(desc analyzer.Descriptor, duration time.Duration) timeline {
	tl := timeline{fallback: expressionFor(desc.Emotion, false)}
	if desc.EstimatedMS <= 0 || len(desc.Segments) == 0 {
		return tl
	}
	scale := float64(duration) / float64(time.Duration(desc.EstimatedMS)*time.Millisecond)
	var cursor time.Duration
	for _, seg := range desc.Segments {
		length := time.Duration(float64(time.Duration(seg.EstimatedMS+seg.PauseMS)*time.Millisecond) * scale)
		cursor += length
		if cursor > duration {
			cursor = duration
		}
		emotion := seg.Emotion
		if emotion == analyzer.EmotionNeutral {
			emotion = desc.Emotion
		}
		tl.spans = append(tl.spans, span{end: cursor, expression: expressionFor(emotion, seg.Emphasis)})
		if cursor == duration {
			break
		}
	}
	return tl
}

func (tl timeline) at(offset time.Duration) Expression {
	for _, s := range tl.spans {
		if offset < s.end {
			return s.expression
		}
	}
	if n := len(tl.spans); n > 0 {
		return tl.spans[n-1].expression
	}
	return tl.fallback
}

func expressionFor(emotion analyzer.Emotion, emphasis bool) Expression {
	switch emotion {
	case analyzer.EmotionHappy:
		return ExpressionHappy
	case analyzer.EmotionSad:
		return ExpressionSad
	case analyzer.EmotionExcited:
		return ExpressionExcited
	case analyzer.EmotionCalm:
		return ExpressionCalm
	case analyzer.EmotionQuestioning:
		return ExpressionQuestioning
	}
	if emphasis {
		return ExpressionEmphatic
	}
	return ExpressionNeutral
}
