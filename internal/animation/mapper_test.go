package animation

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/analyzer"
	"github.com/loqalabs/loqa-avatar/internal/tts"
)

func synthesize(t *testing.T, text string) (tts.Audio, analyzer.Descriptor) {
	t.Helper()
	an, err := analyzer.New()
	if err != nil {
		t.Fatalf("analyzer: %v", err)
	}
	desc := an.Analyze(text, "")
	audio, err := tts.NewMockSynth(16000).Synthesize(context.Background(), tts.SynthRequest{Text: text})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	return audio, desc
}

func TestMapCoversAudio(t *testing.T) {
	audio, desc := synthesize(t, "Hello there. How are you today?")
	frames := Map(audio, desc, DefaultOptions())
	if len(frames) == 0 {
		t.Fatal("expected frames")
	}
	if frames[0].Offset != 0 {
		t.Fatalf("first frame at %s", frames[0].Offset)
	}
	last := frames[len(frames)-1]
	if last.Offset != audio.Duration() || last.Mouth != 0 {
		t.Fatalf("expected closing frame at %s, got %+v", audio.Duration(), last)
	}
	opened := false
	for i, f := range frames {
		if i > 0 && f.Offset < frames[i-1].Offset {
			t.Fatalf("offset decreased at %d", i)
		}
		if f.Offset > audio.Duration() {
			t.Fatalf("frame %d past audio end", i)
		}
		if f.Mouth < 0 || f.Mouth > 1 || f.Blink < 0 || f.Blink > 1 {
			t.Fatalf("frame %d out of range: %+v", i, f)
		}
		if f.Mouth > 0.3 {
			opened = true
		}
	}
	if !opened {
		t.Fatal("mouth never opened")
	}
	if frames[len(frames)-2].Expression != ExpressionQuestioning {
		t.Fatalf("expected questioning at end, got %s", frames[len(frames)-2].Expression)
	}
}

func TestMapEmptyAudio(t *testing.T) {
	_, desc := synthesize(t, "Hi")
	if frames := Map(tts.Audio{SampleRate: 16000}, desc, DefaultOptions()); frames != nil {
		t.Fatalf("expected no frames, got %d", len(frames))
	}
}

func TestMapClipsShortAudio(t *testing.T) {
	_, desc := synthesize(t, "This is a rather long sentence that the audio will not cover at all.")
	audio := tts.Audio{SampleRate: 8000, Samples: make([]int16, 800)}
	for i := range audio.Samples {
		audio.Samples[i] = 1000
	}
	frames := Map(audio, desc, DefaultOptions())
	for _, f := range frames {
		if f.Offset > 100*time.Millisecond {
			t.Fatalf("frame at %s exceeds audio", f.Offset)
		}
	}
}

func TestBlink(t *testing.T) {
	opts := DefaultOptions()
	if blink(time.Second, opts) != 0 {
		t.Fatal("unexpected blink before interval")
	}
	if got := blink(3*time.Second+75*time.Millisecond, opts); got < 0.99 {
		t.Fatalf("expected closed eyes mid blink, got %f", got)
	}
	if blink(3*time.Second+200*time.Millisecond, opts) != 0 {
		t.Fatal("blink lasted too long")
	}
}

func TestEmphasisExpression(t *testing.T) {
	if got := expressionFor(analyzer.EmotionNeutral, true); got != ExpressionEmphatic {
		t.Fatalf("expected emphatic, got %s", got)
	}
	if got := expressionFor(analyzer.EmotionSad, true); got != ExpressionSad {
		t.Fatalf("expected emotion to win, got %s", got)
	}
}
