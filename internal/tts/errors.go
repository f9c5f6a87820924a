package tts

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies synthesis failures at the adapter boundary.
type ErrorKind string

const (
	KindEngineUnavailable ErrorKind = "engine_unavailable"
	KindBackendError      ErrorKind = "backend_error"
	KindTimeout           ErrorKind = "timeout"
)

// Error is returned by every synthesizer obtained from a Registry.
type Error struct {
	Backend string
	Kind    ErrorKind
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tts %s: %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrEmptyAudio is reported when a backend finishes without samples.
var ErrEmptyAudio = errors.New("backend returned no audio")

func unavailable(backend string, err error) error {
	return &Error{Backend: backend, Kind: KindEngineUnavailable, Err: err}
}

func backendError(backend string, err error) error {
	return &Error{Backend: backend, Kind: KindBackendError, Err: err}
}

// KindOf returns the kind of a synthesis error, or "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindBackendError
}

type bounded struct {
	name    string
	inner   Synthesizer
	timeout time.Duration
}

// Bounded limits every call to timeout and normalizes failures into *Error.
// A backend that returns no samples is treated as a backend error.
func Bounded(name string, inner Synthesizer, timeout time.Duration) Synthesizer {
	return &bounded{name: name, inner: inner, timeout: timeout}
}

func (b *bounded) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	type outcome struct {
		audio Audio
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		audio, err := b.inner.Synthesize(ctx, req)
		done <- outcome{audio: audio, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Audio{}, &Error{Backend: b.name, Kind: KindTimeout, Err: ctx.Err()}
		}
		return Audio{}, backendError(b.name, ctx.Err())
	case out := <-done:
		if out.err != nil {
			var te *Error
			if errors.As(out.err, &te) {
				return Audio{}, out.err
			}
			if errors.Is(out.err, context.DeadlineExceeded) {
				return Audio{}, &Error{Backend: b.name, Kind: KindTimeout, Err: out.err}
			}
			return Audio{}, backendError(b.name, out.err)
		}
		if out.audio.Empty() || out.audio.SampleRate <= 0 {
			return Audio{}, backendError(b.name, ErrEmptyAudio)
		}
		return out.audio, nil
	}
}
