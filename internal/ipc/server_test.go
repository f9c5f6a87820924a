package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/analyzer"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/dispatch"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/tts"
)

type harness struct {
	server     *Server
	manager    *Manager
	dispatcher *dispatch.Dispatcher
	addr       string
	shutdowns  atomic.Int32
}

type harnessOption func(*config.Config, *pipeline.Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.IPC.Port = 0
	cfg.IPC.HandshakeTimeoutMS = 1000
	an, err := analyzer.New()
	if err != nil {
		t.Fatalf("analyzer: %v", err)
	}
	deps := pipeline.Deps{Analyzer: an, Primary: pipeline.Backend{Name: "mock", Synth: tts.NewMockSynth(8000)}}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	h := &harness{}
	h.dispatcher = dispatch.New(ctx, cfg.Dispatcher, nil, logger)
	t.Cleanup(h.dispatcher.Close)
	deps.Sink = h.dispatcher
	pipe, err := pipeline.NewService(ctx, cfg.Pipeline, cfg.Synthesis, deps, logger)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if err := pipe.Start(); err != nil {
		t.Fatalf("pipeline start: %v", err)
	}
	t.Cleanup(pipe.Close)

	h.manager = NewManager(h.dispatcher, nil, logger)
	h.server = NewServer(ctx, cfg.IPC, cfg.Dispatcher, h.manager, pipe, logger, func() { h.shutdowns.Add(1) })
	if err := h.server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(h.server.Close)
	h.addr = h.server.Addr().String()
	return h
}

type client struct {
	t  *testing.T
	nc net.Conn
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	nc, err := net.DialTimeout("tcp", h.addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = nc.Close() })
	return &client{t: t, nc: nc}
}

func (h *harness) connect(t *testing.T, roles ...string) *client {
	t.Helper()
	c := h.dial(t)
	c.send(protocol.TypeHandshake, protocol.Handshake{Roles: roles})
	env := c.expect(protocol.TypeAck)
	var ack protocol.Ack
	if err := env.Decode(&ack); err != nil || ack.ConnectionID == "" {
		t.Fatalf("handshake ack: %v %+v", err, ack)
	}
	return c
}

func (c *client) send(typ protocol.MessageType, v any) {
	c.t.Helper()
	if err := protocol.WriteMessage(c.nc, typ, v); err != nil {
		c.t.Fatalf("write %s: %v", typ, err)
	}
}

func (c *client) read(timeout time.Duration) (protocol.Envelope, error) {
	_ = c.nc.SetReadDeadline(time.Now().Add(timeout))
	payload, err := protocol.ReadFrame(c.nc, 1<<22)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Unmarshal(payload)
}

func (c *client) expect(typ protocol.MessageType) protocol.Envelope {
	c.t.Helper()
	env, err := c.read(3 * time.Second)
	if err != nil {
		c.t.Fatalf("waiting for %s: %v", typ, err)
	}
	if env.Type != typ {
		c.t.Fatalf("expected %s, got %s: %s", typ, env.Type, env.Data)
	}
	return env
}

func (c *client) expectError(code string) {
	c.t.Helper()
	var perr protocol.Error
	if err := c.expect(protocol.TypeError).Decode(&perr); err != nil {
		c.t.Fatalf("decode error: %v", err)
	}
	if perr.Code != code {
		c.t.Fatalf("expected error %s, got %s (%s)", code, perr.Code, perr.Message)
	}
}

func (c *client) expectClosed() {
	c.t.Helper()
	for {
		_, err := c.read(3 * time.Second)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.t.Fatal("connection was not closed")
		}
		return
	}
}

func (c *client) broadcast() protocol.BroadcastEvent {
	c.t.Helper()
	var evt protocol.BroadcastEvent
	if err := c.expect(protocol.TypeBroadcast).Decode(&evt); err != nil {
		c.t.Fatalf("decode broadcast: %v", err)
	}
	return evt
}

func (c *client) ack() protocol.Ack {
	c.t.Helper()
	var ack protocol.Ack
	if err := c.expect(protocol.TypeAck).Decode(&ack); err != nil {
		c.t.Fatalf("decode ack: %v", err)
	}
	return ack
}

func TestHelloReachesListener(t *testing.T) {
	h := newHarness(t)
	listener := h.connect(t, protocol.RoleListener)
	submitter := h.connect(t, protocol.RoleSubmitter)

	submitter.send(protocol.TypeTextRequest, protocol.TextRequest{Text: "Hello"})
	ack := submitter.ack()
	if ack.Sequence != 1 || ack.UtteranceID == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}

	evt := listener.broadcast()
	if evt.Sequence != 1 || evt.UtteranceID != ack.UtteranceID || evt.Status != protocol.StatusOK {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.DurationMS <= 0 || len(evt.Frames) == 0 || evt.Frames[0].OffsetMS != 0 {
		t.Fatalf("expected audio and frames, got %d ms and %d frames", evt.DurationMS, len(evt.Frames))
	}
	for _, f := range evt.Frames {
		if f.OffsetMS > evt.DurationMS {
			t.Fatalf("frame at %d ms beyond %d ms", f.OffsetMS, evt.DurationMS)
		}
	}

	var res protocol.Result
	if err := submitter.expect(protocol.TypeResult).Decode(&res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Sequence != 1 || res.Status != protocol.StatusOK {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTwoSubmittersShareOneSequence(t *testing.T) {
	h := newHarness(t)
	listener := h.connect(t, protocol.RoleListener)
	a := h.connect(t, protocol.RoleSubmitter)
	b := h.connect(t, protocol.RoleSubmitter, protocol.RoleListener)

	for i := 0; i < 3; i++ {
		a.send(protocol.TypeTextRequest, protocol.TextRequest{Text: "from a " + strings.Repeat("x", i)})
		b.send(protocol.TypeTextRequest, protocol.TextRequest{Text: "from b " + strings.Repeat("y", i)})
	}

	var last uint64
	for i := 0; i < 6; i++ {
		evt := listener.broadcast()
		if evt.Sequence != last+1 {
			t.Fatalf("expected sequence %d, got %d", last+1, evt.Sequence)
		}
		last = evt.Sequence
	}
}

func TestInvalidTextIsRejected(t *testing.T) {
	h := newHarness(t)
	listener := h.connect(t, protocol.RoleListener)
	submitter := h.connect(t, protocol.RoleSubmitter)

	submitter.send(protocol.TypeTextRequest, protocol.TextRequest{Text: "   "})
	submitter.expectError(protocol.CodeInvalidRequest)
	if _, err := listener.read(200 * time.Millisecond); err == nil {
		t.Fatal("rejected text must not be broadcast")
	}

	submitter.send(protocol.TypeTextRequest, protocol.TextRequest{Text: "ok now"})
	if ack := submitter.ack(); ack.Sequence != 1 {
		t.Fatalf("rejected text consumed a sequence: %d", ack.Sequence)
	}
}

func TestListenerCannotSubmit(t *testing.T) {
	h := newHarness(t)
	listener := h.connect(t, protocol.RoleListener)
	listener.send(protocol.TypeTextRequest, protocol.TextRequest{Text: "Hello"})
	listener.expectError(protocol.CodeNotSubmitter)
	listener.send(protocol.TypePing, nil)
	listener.expect(protocol.TypePong)
}

func TestProtocolErrorsCloseConnection(t *testing.T) {
	h := newHarness(t)

	oversize := h.connect(t, protocol.RoleSubmitter)
	// Announce a frame one byte over the limit; the body is never sent.
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, (1<<20)+1)
	if _, err := oversize.nc.Write(header); err != nil {
		t.Fatalf("write: %v", err)
	}
	oversize.expectError(protocol.CodeProtocol)
	oversize.expectClosed()

	badJSON := h.connect(t, protocol.RoleSubmitter)
	if err := protocol.WriteFrame(badJSON.nc, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	badJSON.expectError(protocol.CodeProtocol)
	badJSON.expectClosed()

	unknown := h.connect(t, protocol.RoleSubmitter)
	unknown.send("teleport", nil)
	unknown.expectError(protocol.CodeProtocol)
	unknown.expectClosed()
}

func TestHandshakeRequired(t *testing.T) {
	h := newHarness(t)

	c := h.dial(t)
	c.send(protocol.TypePing, nil)
	c.expectError(protocol.CodeProtocol)
	c.expectClosed()

	bad := h.dial(t)
	bad.send(protocol.TypeHandshake, protocol.Handshake{Roles: []string{"admin"}})
	bad.expectError(protocol.CodeProtocol)
	bad.expectClosed()

	empty := h.dial(t)
	empty.send(protocol.TypeHandshake, protocol.Handshake{})
	empty.expectError(protocol.CodeProtocol)
	empty.expectClosed()
}

func TestHandshakeTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config, _ *pipeline.Deps) {
		cfg.IPC.HandshakeTimeoutMS = 50
	})
	c := h.dial(t)
	c.expectError(protocol.CodeProtocol)
	c.expectClosed()
}

func TestShutdownPolicy(t *testing.T) {
	denied := newHarness(t)
	c := denied.connect(t, protocol.RoleSubmitter)
	c.send(protocol.TypeShutdown, nil)
	c.expectError(protocol.CodeForbidden)
	if denied.shutdowns.Load() != 0 {
		t.Fatal("shutdown ran while disabled")
	}

	allowed := newHarness(t, func(cfg *config.Config, _ *pipeline.Deps) {
		cfg.IPC.AllowShutdown = true
	})
	c = allowed.connect(t, protocol.RoleSubmitter)
	c.send(protocol.TypeShutdown, nil)
	c.ack()
	deadline := time.Now().Add(time.Second)
	for allowed.shutdowns.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("shutdown hook not called")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFailedSynthesisStillBroadcast(t *testing.T) {
	h := newHarness(t, func(_ *config.Config, deps *pipeline.Deps) {
		deps.Primary = pipeline.Backend{Name: "broken", Synth: tts.NewFailingSynth(errors.New("engine offline"))}
	})
	listener := h.connect(t, protocol.RoleListener)
	submitter := h.connect(t, protocol.RoleSubmitter)
	submitter.send(protocol.TypeTextRequest, protocol.TextRequest{Text: "Hello"})
	submitter.ack()

	evt := listener.broadcast()
	if evt.Status != protocol.StatusFailed || len(evt.Frames) != 0 || evt.AudioRef != "" || evt.Error == "" {
		t.Fatalf("unexpected failed event %+v", evt)
	}
}

func TestDisconnectDeregisters(t *testing.T) {
	h := newHarness(t)
	listener := h.connect(t, protocol.RoleListener)
	if h.dispatcher.Listeners() != 1 || h.manager.Len() != 1 {
		t.Fatalf("expected one registered listener")
	}
	_ = listener.nc.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.manager.Len() != 0 || h.dispatcher.Listeners() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection still registered: %d/%d", h.manager.Len(), h.dispatcher.Listeners())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Broadcasting with no listeners must not block.
	submitter := h.connect(t, protocol.RoleSubmitter)
	submitter.send(protocol.TypeTextRequest, protocol.TextRequest{Text: "anyone?"})
	submitter.ack()
	submitter.expect(protocol.TypeResult)
}

// exhaustedListener fails the first failures accepts with EMFILE.
type exhaustedListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *exhaustedListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept4", syscall.EMFILE)}
	}
	return l.Listener.Accept()
}

func TestServeRetriesAfterAcceptErrors(t *testing.T) {
	h := newHarness(t)
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln := &exhaustedListener{Listener: inner}
	ln.failures.Store(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.server.Serve(ctx, ln) }()

	nc, err := net.DialTimeout("tcp", inner.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = nc.Close() })
	c := &client{t: t, nc: nc}
	c.send(protocol.TypeHandshake, protocol.Handshake{Roles: []string{protocol.RoleSubmitter}})
	c.expect(protocol.TypeAck)
	c.send(protocol.TypePing, nil)
	c.expect(protocol.TypePong)

	if ln.failures.Load() >= 0 {
		t.Fatal("expected every injected accept failure to be consumed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}
