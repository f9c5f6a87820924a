// Package router bridges the NATS bus and the pipeline: final transcripts
// become text requests and broadcast events are mirrored back onto the bus.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/nats-io/nats.go"
)

// SourcePrefix marks requests that arrived over the bus.
const SourcePrefix = "bus:"

// Admitter accepts text requests. *pipeline.Service satisfies it.
type Admitter interface {
	Admit(req pipeline.Request) (*pipeline.Ticket, error)
}

type Service struct {
	cfg            config.RouterConfig
	bus            *bus.Client
	pipeline       Admitter
	logger         *slog.Logger
	subTranscripts *nats.Subscription
	ctx            context.Context
	cancel         context.CancelFunc
	sessions       map[string]*sessionState
	mu             sync.Mutex
	idle           time.Duration
	now            func() time.Time
	wg             sync.WaitGroup
}

type sessionState struct {
	lastSequence uint64
	lastSeen     time.Time
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, admitter Admitter, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		pipeline: admitter,
		logger:   logger.With(slog.String("component", "router")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*sessionState),
		idle:     time.Duration(cfg.SessionIdleMS) * time.Millisecond,
		now:      time.Now,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.cfg.Stream != "" {
		if err := s.bus.EnsureStream(s.cfg.Stream, s.cfg.BroadcastSubject); err != nil {
			return err
		}
	}
	subject := s.cfg.TranscriptSubject
	if subject == "" {
		subject = protocol.SubjectTranscriptFinal
	}
	sub, err := s.bus.Conn().Subscribe(subject, s.handleTranscript)
	if err != nil {
		return err
	}
	s.subTranscripts = sub
	if s.idle > 0 {
		s.wg.Add(1)
		go s.runJanitor()
	}
	s.logger.Info("router subscribed", slog.String("subject", subject))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subTranscripts != nil {
		_ = s.subTranscripts.Drain()
	}
	s.wg.Wait()
}

func (s *Service) runJanitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.pruneSessions(); n > 0 {
				s.logger.Debug("pruned idle bus sessions", slog.Int("sessions", n))
			}
		}
	}
}

// pruneSessions forgets sessions with no transcript for longer than the idle
// window and returns how many were removed.
func (s *Service) pruneSessions() int {
	cutoff := s.now().Add(-s.idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, state := range s.sessions {
		if state.lastSeen.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Sessions returns the number of bus sessions currently tracked.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.subTranscripts != nil && s.bus.Healthy())
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("router failed to decode transcript", slogError(err))
		return
	}
	text := strings.TrimSpace(transcript.Text)
	if transcript.Partial || text == "" {
		return
	}
	if s.ctx.Err() != nil {
		return
	}

	ticket, err := s.pipeline.Admit(pipeline.Request{
		Text:     text,
		Language: transcript.Language,
		Source:   SourcePrefix + transcript.SessionID,
	})
	if err != nil {
		s.logger.Warn("router failed to submit transcript",
			slog.String("session_id", transcript.SessionID),
			slogError(err))
		return
	}

	s.mu.Lock()
	state, ok := s.sessions[transcript.SessionID]
	if !ok {
		state = &sessionState{}
		s.sessions[transcript.SessionID] = state
	}
	state.lastSequence = ticket.Sequence
	state.lastSeen = s.now()
	s.mu.Unlock()

	s.logger.Debug("transcript submitted",
		slog.String("session_id", transcript.SessionID),
		slog.Uint64("sequence", ticket.Sequence))
}

// Mirror publishes a broadcast event on the bus.
func (s *Service) Mirror(ctx context.Context, evt protocol.BroadcastEvent) error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := s.cfg.BroadcastSubject
	if subject == "" {
		subject = protocol.SubjectUtteranceBroadcast
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.bus.PublishJSON(ctx, subject, evt, s.cfg.Stream != "")
}

// LastSequence returns the last sequence admitted for a bus session.
func (s *Service) LastSequence(sessionID string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return state.lastSequence, true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
