package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/analyzer"
	"github.com/loqalabs/loqa-avatar/internal/animation"
	"github.com/loqalabs/loqa-avatar/internal/artifact"
	"github.com/loqalabs/loqa-avatar/internal/tts"
)

// Input errors. Requests failing with these never get a sequence number.
var (
	ErrEmptyText   = errors.New("text is empty")
	ErrTextTooLong = errors.New("text exceeds maximum length")
	ErrBusy        = errors.New("pipeline queue is full")
	ErrClosed      = errors.New("pipeline is closed")
)

type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded" // audio came from the fallback backend
	StatusFailed   Status = "failed"
)

// Request is a text submission. Source names the submitting connection.
type Request struct {
	Text        string
	Language    string
	Voice       string
	Source      string
	SubmittedAt time.Time
}

// Utterance is the immutable result of processing one request. A failed
// utterance has neither audio nor frames.
type Utterance struct {
	ID         string
	Sequence   uint64
	Request    Request
	Descriptor analyzer.Descriptor
	Audio      tts.Audio
	Frames     []animation.Frame
	Status     Status
	Backend    string
	Err        error
	ArtifactID string
	AudioRef   string
}

// Sink receives utterances strictly in sequence order. Dispatch must not block.
type Sink interface {
	Dispatch(u *Utterance)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(u *Utterance)

func (f SinkFunc) Dispatch(u *Utterance) { f(u) }

// ArtifactSaver persists audio. *artifact.Store satisfies it.
type ArtifactSaver interface {
	Save(id, language, text string, sequence uint64, audio tts.Audio) (artifact.Artifact, error)
}

// Ticket identifies an admitted request.
type Ticket struct {
	Sequence    uint64
	UtteranceID string
	done        chan struct{}
	result      *Utterance
}

// Done is closed once the utterance has been handed to the sink.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the utterance is dispatched or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (*Utterance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return t.result, nil
	}
}
