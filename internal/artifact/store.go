// Package artifact persists synthesized audio as WAV files and removes them
// a grace period after every listener has been served.
package artifact

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/tts"
)

const (
	RetentionKeep                = "keep"
	RetentionDeleteAfterDelivery = "delete_after_delivery"
)

// Artifact is a stored audio file.
type Artifact struct {
	ID   string
	Path string
}

type Store struct {
	dir       string
	retention string
	delay     time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	paths   map[string]string
	pending map[string]pendingRemoval
	closed  bool
}

type pendingRemoval struct {
	path  string
	timer *time.Timer
}

func New(cfg config.ArtifactsConfig, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	retention := cfg.Retention
	if retention == "" {
		retention = RetentionDeleteAfterDelivery
	}
	return &Store{
		dir:       cfg.Dir,
		retention: retention,
		delay:     time.Duration(cfg.ReleaseDelayMS) * time.Millisecond,
		logger:    logger.With(slog.String("component", "artifacts")),
		paths:     make(map[string]string),
		pending:   make(map[string]pendingRemoval),
	}, nil
}

// FileName returns tts_<lang>_<hash8>_<seq>.wav for an utterance.
func FileName(language, text string, sequence uint64) string {
	sum := md5.Sum([]byte(text))
	if language == "" {
		language = "und"
	}
	return fmt.Sprintf("tts_%s_%s_%d.wav", language, hex.EncodeToString(sum[:])[:8], sequence)
}

// Save writes audio to disk under id.
func (s *Store) Save(id, language, text string, sequence uint64, audio tts.Audio) (Artifact, error) {
	if audio.Empty() {
		return Artifact{}, errors.New("no audio to store")
	}
	path := filepath.Join(s.dir, FileName(language, text, sequence))
	f, err := os.Create(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("create artifact: %w", err)
	}
	format := beep.Format{SampleRate: beep.SampleRate(audio.SampleRate), NumChannels: 1, Precision: 2}
	encodeErr := wav.Encode(f, &pcmStreamer{samples: audio.Samples}, format)
	closeErr := f.Close()
	if err := errors.Join(encodeErr, closeErr); err != nil {
		_ = os.Remove(path)
		return Artifact{}, fmt.Errorf("write artifact: %w", err)
	}

	s.mu.Lock()
	s.paths[id] = path
	s.mu.Unlock()
	return Artifact{ID: id, Path: path}, nil
}

// Release is called once no listener needs the artifact any more. Under the
// delete_after_delivery policy the file is removed after the release delay,
// which leaves renderers time to open it. Unknown ids are ignored.
func (s *Store) Release(id string) {
	s.mu.Lock()
	path, ok := s.paths[id]
	delete(s.paths, id)
	if !ok || s.retention != RetentionDeleteAfterDelivery {
		s.mu.Unlock()
		return
	}
	if s.delay > 0 && !s.closed {
		s.pending[id] = pendingRemoval{
			path:  path,
			timer: time.AfterFunc(s.delay, func() { s.expire(id) }),
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.remove(id, path)
}

func (s *Store) expire(id string) {
	s.mu.Lock()
	p, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ok {
		s.remove(id, p.path)
	}
}

func (s *Store) remove(id, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove artifact", slog.String("path", path), slogError(err))
		return
	}
	s.logger.Debug("artifact removed", slog.String("id", id))
}

// Close removes every released artifact still waiting out its delay. Later
// releases delete immediately.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]pendingRemoval)
	s.mu.Unlock()
	for id, p := range pending {
		p.timer.Stop()
		s.remove(id, p.path)
	}
}

// Pending reports how many released artifacts are waiting to be removed.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Path returns the file for a live artifact.
func (s *Store) Path(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.paths[id]
	return path, ok
}

// Load reads a stored WAV back into mono PCM.
func Load(path string) (tts.Audio, error) {
	f, err := os.Open(path)
	if err != nil {
		return tts.Audio{}, err
	}
	streamer, format, err := wav.Decode(f)
	if err != nil {
		f.Close()
		return tts.Audio{}, fmt.Errorf("decode wav: %w", err)
	}
	defer streamer.Close()

	audio := tts.Audio{SampleRate: int(format.SampleRate)}
	buf := make([][2]float64, 1024)
	for {
		n, ok := streamer.Stream(buf)
		for i := 0; i < n; i++ {
			v := math.Max(-1, math.Min(1, buf[i][0]))
			audio.Samples = append(audio.Samples, int16(math.Round(v*math.MaxInt16)))
		}
		if !ok {
			break
		}
	}
	if err := streamer.Err(); err != nil {
		return tts.Audio{}, err
	}
	return audio, nil
}

// pcmStreamer feeds int16 samples to a beep encoder.
type pcmStreamer struct {
	samples []int16
	pos     int
}

func (p *pcmStreamer) Stream(buf [][2]float64) (int, bool) {
	if p.pos >= len(p.samples) {
		return 0, false
	}
	n := copy2(buf, p.samples[p.pos:])
	p.pos += n
	return n, true
}

func (p *pcmStreamer) Err() error { return nil }

func copy2(dst [][2]float64, src []int16) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		v := float64(src[i]) / math.MaxInt16
		dst[i] = [2]float64{v, v}
	}
	return n
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
