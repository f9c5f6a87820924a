package tts

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	google_translate_tts "github.com/GrailFinder/google-translate-tts"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
)

// googleSynth fetches MP3 speech from Google Translate and decodes it to PCM.
type googleSynth struct {
	cacheDir string
	language string
	speed    float64
}

func NewGoogleSynth(cacheDir, language string, speed float64) Synthesizer {
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "loqa-avatar-tts")
	}
	if language == "" {
		language = "en"
	}
	if speed <= 0 {
		speed = 1.0
	}
	return &googleSynth{cacheDir: cacheDir, language: language, speed: speed}
}

func (g *googleSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	lang := g.language
	if req.Language != "" {
		lang = req.Language
	}
	// Google voices are selected by language tag.
	if req.Voice != "" {
		lang = req.Voice
	}
	speech := &google_translate_tts.Speech{
		Folder:   g.cacheDir,
		Language: strings.ToLower(lang),
		Speed:    float32(g.speed),
	}

	type result struct {
		audio Audio
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reader, err := speech.GenerateSpeech(req.Text)
		if err != nil {
			done <- result{err: unavailable("gtts", fmt.Errorf("generate speech: %w", err))}
			return
		}
		audio, err := decodeMP3(reader)
		done <- result{audio: audio, err: err}
	}()

	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case r := <-done:
		return r.audio, r.err
	}
}

func decodeMP3(r io.Reader) (Audio, error) {
	streamer, format, err := mp3.Decode(io.NopCloser(r))
	if err != nil {
		return Audio{}, fmt.Errorf("mp3 decode failed: %w", err)
	}
	defer streamer.Close()
	samples, err := readMono(streamer)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Samples: samples, SampleRate: int(format.SampleRate)}, nil
}

// readMono drains a beep streamer, averaging both channels into int16 samples.
func readMono(s beep.Streamer) ([]int16, error) {
	buf := make([][2]float64, 1024)
	var out []int16
	for {
		n, ok := s.Stream(buf)
		for i := 0; i < n; i++ {
			v := (buf[i][0] + buf[i][1]) / 2
			v = math.Max(-1, math.Min(1, v))
			out = append(out, int16(v*math.MaxInt16))
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read decoded audio: %w", err)
	}
	return out, nil
}
