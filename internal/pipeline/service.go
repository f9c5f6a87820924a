// Package pipeline turns admitted text requests into analyzed, synthesized and
// animated utterances, and releases them to a sink in sequence order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-avatar/internal/analyzer"
	"github.com/loqalabs/loqa-avatar/internal/animation"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/tts"
)

const instrumentationName = "github.com/loqalabs/loqa-avatar/internal/pipeline"

// Backend is a named synthesizer.
type Backend struct {
	Name  string
	Synth tts.Synthesizer
}

// Deps are the collaborators of the pipeline. Fallback and Artifacts are optional.
type Deps struct {
	Analyzer  *analyzer.Analyzer
	Primary   Backend
	Fallback  *Backend
	Artifacts ArtifactSaver
	Sink      Sink
}

type job struct {
	ticket  *Ticket
	request Request
}

type Service struct {
	cfg       config.PipelineConfig
	synthCfg  config.SynthesisConfig
	deps      Deps
	animation animation.Options
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	next   uint64
	closed bool
	jobs   chan *job

	orderMu sync.Mutex
	release uint64
	pending map[uint64]*job
}

func NewService(parent context.Context, cfg config.PipelineConfig, synthCfg config.SynthesisConfig, deps Deps, logger *slog.Logger) (*Service, error) {
	if deps.Analyzer == nil {
		return nil, errors.New("pipeline requires an analyzer")
	}
	if deps.Primary.Synth == nil {
		return nil, errors.New("pipeline requires a synthesis backend")
	}
	if deps.Sink == nil {
		deps.Sink = SinkFunc(func(*Utterance) {})
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	cfg.Workers = workers
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 1
	}

	anim := animation.DefaultOptions()
	if cfg.FrameRate > 0 {
		anim.FrameRate = cfg.FrameRate
	}

	// Shutdown stops admission but lets queued jobs finish.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	s := &Service{
		cfg:       cfg,
		synthCfg:  synthCfg,
		deps:      deps,
		animation: anim,
		logger:    logger.With(slog.String("component", "pipeline")),
		tracer:    otel.Tracer(instrumentationName),
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(chan *job, queue),
		release:   1,
		pending:   make(map[uint64]*job),
	}
	if err := s.metrics.init(otel.Meter(instrumentationName)); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s, nil
}

// Start launches the worker pool.
func (s *Service) Start() error {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.logger.Info("pipeline started",
		slog.Int("workers", s.cfg.Workers),
		slog.String("backend", s.deps.Primary.Name),
		slog.String("fallback", s.fallbackName()))
	return nil
}

// Close stops admission and waits for every admitted job to be dispatched.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.cancel()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Validate checks a request without admitting it.
func (s *Service) Validate(req Request) error {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return ErrEmptyText
	}
	if s.cfg.MaxTextRunes > 0 && utf8.RuneCountInString(text) > s.cfg.MaxTextRunes {
		return fmt.Errorf("%w: %d runes allowed", ErrTextTooLong, s.cfg.MaxTextRunes)
	}
	return nil
}

// Admit validates req, assigns its sequence number and queues it. It never
// waits for capacity: a full queue yields ErrBusy and consumes no sequence.
func (s *Service) Admit(req Request) (*Ticket, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ticket := &Ticket{
		Sequence:    s.next + 1,
		UtteranceID: uuid.NewString(),
		done:        make(chan struct{}),
	}
	select {
	case s.jobs <- &job{ticket: ticket, request: req}:
	default:
		return nil, ErrBusy
	}
	s.next = ticket.Sequence
	s.metrics.admitted(s.ctx, req.Source)
	return ticket, nil
}

// Submit admits req and waits until its utterance has been dispatched.
func (s *Service) Submit(ctx context.Context, req Request) (*Utterance, error) {
	ticket, err := s.Admit(req)
	if err != nil {
		return nil, err
	}
	return ticket.Wait(ctx)
}

func (s *Service) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		j.ticket.result = s.run(j)
		s.complete(j)
	}
}

// complete parks a finished job and releases every job that is now next in
// sequence. The sink is called under orderMu so dispatch order is sequence order.
func (s *Service) complete(j *job) {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()
	s.pending[j.ticket.Sequence] = j
	for {
		ready, ok := s.pending[s.release]
		if !ok {
			return
		}
		delete(s.pending, s.release)
		s.release++
		s.dispatch(ready)
	}
}

func (s *Service) dispatch(j *job) {
	defer close(j.ticket.done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sink panicked", slog.Uint64("sequence", j.ticket.Sequence), slog.Any("panic", r))
		}
	}()
	s.deps.Sink.Dispatch(j.ticket.result)
}

func (s *Service) run(j *job) (u *Utterance) {
	ctx, span := s.tracer.Start(s.ctx, "pipeline.process", trace.WithAttributes(
		attribute.Int64("utterance.sequence", int64(j.ticket.Sequence)),
		attribute.String("utterance.id", j.ticket.UtteranceID),
		attribute.String("utterance.source", j.request.Source),
	))
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			u = s.failed(j, fmt.Errorf("processing panic: %v", r))
			s.logger.Error("pipeline job panicked", slog.Uint64("sequence", j.ticket.Sequence), slog.Any("panic", r))
		}
		if u.Err != nil {
			span.RecordError(u.Err)
			span.SetStatus(codes.Error, string(u.Status))
		}
		span.SetAttributes(attribute.String("utterance.status", string(u.Status)))
		span.End()
		s.metrics.completed(ctx, u.Status, time.Since(started))
	}()

	desc := s.deps.Analyzer.Analyze(j.request.Text, j.request.Language)
	req := tts.SynthRequest{
		Text:     desc.Text,
		Language: string(desc.Language),
		Voice:    tts.ResolveVoice(s.synthCfg, j.request.Voice, string(desc.Language)),
	}

	audio, backend, status, err := s.synthesize(ctx, req)
	if status == StatusFailed {
		u = s.failed(j, err)
		u.Descriptor = desc
		s.logger.Warn("synthesis failed",
			slog.Uint64("sequence", j.ticket.Sequence),
			slog.String("kind", string(tts.KindOf(err))),
			slogError(err))
		return u
	}

	u = &Utterance{
		ID:         j.ticket.UtteranceID,
		Sequence:   j.ticket.Sequence,
		Request:    j.request,
		Descriptor: desc,
		Audio:      audio,
		Frames:     animation.Map(audio, desc, s.animation),
		Status:     status,
		Backend:    backend,
	}

	if s.deps.Artifacts != nil {
		art, err := s.deps.Artifacts.Save(u.ID, string(desc.Language), desc.Text, u.Sequence, audio)
		if err != nil {
			s.logger.Warn("failed to store audio artifact", slog.Uint64("sequence", u.Sequence), slogError(err))
		} else {
			u.ArtifactID = art.ID
			u.AudioRef = art.Path
		}
	}

	s.logger.Debug("utterance processed",
		slog.Uint64("sequence", u.Sequence),
		slog.String("status", string(u.Status)),
		slog.String("backend", backend),
		slog.String("language", string(desc.Language)),
		slog.String("emotion", string(desc.Emotion)),
		slog.Int("frames", len(u.Frames)),
		slog.Duration("audio", audio.Duration()))
	return u
}

// synthesize tries the primary backend, then the fallback once.
func (s *Service) synthesize(ctx context.Context, req tts.SynthRequest) (tts.Audio, string, Status, error) {
	audio, err := s.call(ctx, s.deps.Primary, req)
	if err == nil {
		return audio, s.deps.Primary.Name, StatusOK, nil
	}
	if s.deps.Fallback == nil {
		return tts.Audio{}, "", StatusFailed, err
	}
	s.logger.Warn("primary synthesis failed, using fallback",
		slog.String("backend", s.deps.Primary.Name),
		slog.String("fallback", s.deps.Fallback.Name),
		slog.String("kind", string(tts.KindOf(err))),
		slogError(err))
	audio, fallbackErr := s.call(ctx, *s.deps.Fallback, req)
	if fallbackErr != nil {
		return tts.Audio{}, "", StatusFailed, errors.Join(err, fallbackErr)
	}
	return audio, s.deps.Fallback.Name, StatusDegraded, nil
}

func (s *Service) call(ctx context.Context, b Backend, req tts.SynthRequest) (tts.Audio, error) {
	ctx, span := s.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(attribute.String("tts.backend", b.Name)))
	defer span.End()
	started := time.Now()
	audio, err := b.Synth.Synthesize(ctx, req)
	s.metrics.synthesized(ctx, b.Name, tts.KindOf(err), time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(tts.KindOf(err)))
		return tts.Audio{}, err
	}
	if audio.Empty() {
		return tts.Audio{}, fmt.Errorf("%s: %w", b.Name, tts.ErrEmptyAudio)
	}
	return audio, nil
}

func (s *Service) failed(j *job, err error) *Utterance {
	if err == nil {
		err = errors.New("synthesis failed")
	}
	return &Utterance{
		ID:       j.ticket.UtteranceID,
		Sequence: j.ticket.Sequence,
		Request:  j.request,
		Status:   StatusFailed,
		Err:      err,
	}
}

func (s *Service) fallbackName() string {
	if s.deps.Fallback == nil {
		return ""
	}
	return s.deps.Fallback.Name
}

type metrics struct {
	admittedCounter  metric.Int64Counter
	completedCounter metric.Int64Counter
	jobLatency       metric.Float64Histogram
	synthLatency     metric.Float64Histogram
}

func (m *metrics) init(meter metric.Meter) error {
	var err error
	if m.admittedCounter, err = meter.Int64Counter("loqa.avatar.utterances.admitted",
		metric.WithDescription("Text requests admitted into the pipeline")); err != nil {
		return err
	}
	if m.completedCounter, err = meter.Int64Counter("loqa.avatar.utterances.completed",
		metric.WithDescription("Utterances processed, by status")); err != nil {
		return err
	}
	if m.jobLatency, err = meter.Float64Histogram("loqa.avatar.pipeline.duration",
		metric.WithDescription("End to end processing time"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.synthLatency, err = meter.Float64Histogram("loqa.avatar.synthesis.duration",
		metric.WithDescription("Synthesis backend latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	return nil
}

func (m *metrics) admitted(ctx context.Context, source string) {
	if m.admittedCounter == nil {
		return
	}
	kind := "ipc"
	if strings.HasPrefix(source, "bus:") {
		kind = "bus"
	}
	m.admittedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("source", kind)))
}

func (m *metrics) completed(ctx context.Context, status Status, elapsed time.Duration) {
	if m.completedCounter == nil || m.jobLatency == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	m.completedCounter.Add(ctx, 1, attrs)
	m.jobLatency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

func (m *metrics) synthesized(ctx context.Context, backend string, kind tts.ErrorKind, elapsed time.Duration) {
	if m.synthLatency == nil {
		return
	}
	outcome := "ok"
	if kind != "" {
		outcome = string(kind)
	}
	m.synthLatency.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("outcome", outcome)))
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
