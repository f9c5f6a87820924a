package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth runs an external command per request. The command reads one JSON
// request on stdin and writes JSON lines carrying base64 little-endian PCM16.
type execSynth struct {
	cmd        []string
	sampleRate int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Final      bool   `json:"final"` // informational; output ends at EOF
	Error      string `json:"error,omitempty"`
}

func NewExecSynth(command string, sampleRate int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Language:   req.Language,
		SampleRate: e.sampleRate,
		Channels:   1,
	})
	if err != nil {
		return Audio{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Audio{}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Audio{}, err
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Audio{}, unavailable("exec", err)
		}
		return Audio{}, unavailable("exec", fmt.Errorf("start %s: %w", e.cmd[0], err))
	}

	if _, err := stdin.Write(data); err != nil {
		_ = cmd.Wait()
		return Audio{}, err
	}
	stdin.Close()

	audio := Audio{SampleRate: e.sampleRate}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Wait()
			return Audio{}, fmt.Errorf("decode tts output: %w", err)
		}
		if resp.Error != "" {
			_ = cmd.Wait()
			return Audio{}, errors.New(resp.Error)
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			_ = cmd.Wait()
			return Audio{}, fmt.Errorf("decode pcm: %w", err)
		}
		if resp.SampleRate > 0 {
			audio.SampleRate = resp.SampleRate
		}
		audio.Samples = appendPCM16(audio.Samples, pcm)
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		return Audio{}, err
	}
	if scanErr != nil {
		return Audio{}, scanErr
	}
	return audio, nil
}

func appendPCM16(dst []int16, pcm []byte) []int16 {
	for i := 0; i+1 < len(pcm); i += 2 {
		dst = append(dst, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	return dst
}
