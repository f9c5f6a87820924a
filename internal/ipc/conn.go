package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-avatar/internal/dispatch"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// ErrProtocol marks malformed traffic. The connection is closed.
var ErrProtocol = errors.New("protocol error")

const controlQueue = 32

// conn is one client socket. The reader goroutine owns inbound frames, the
// writer goroutine owns the outbound queues; both may write directly only
// while holding writeMu.
type conn struct {
	id     string
	remote string
	nc     net.Conn
	server *Server
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	out     chan []byte
	sub     *dispatch.Subscription

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(parent context.Context, nc net.Conn, server *Server) *conn {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	remote := nc.RemoteAddr().String()
	return &conn{
		id:     id,
		remote: remote,
		nc:     nc,
		server: server,
		logger: server.logger.With(slog.String("conn_id", id), slog.String("remote", remote)),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, controlQueue),
		done:   make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

// Drop closes the connection. The dispatcher calls it for slow listeners.
func (c *conn) Drop(reason error) { c.close(reason) }

func (c *conn) close(reason error) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.nc.Close()
		c.server.manager.Deregister(c.id, reason)
		close(c.done)
	})
}

// serve runs the handshake and then the read loop on the calling goroutine.
func (c *conn) serve() {
	var reason error
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("connection panicked", slog.Any("panic", r))
			reason = fmt.Errorf("panic: %v", r)
		}
		c.close(reason)
	}()
	stop := context.AfterFunc(c.ctx, func() { _ = c.nc.Close() })
	defer stop()

	if err := c.handshake(); err != nil {
		reason = err
		if errors.Is(err, ErrProtocol) {
			c.writeNow(protocol.TypeError, protocol.Error{Code: protocol.CodeProtocol, Message: err.Error()})
		}
		return
	}

	c.server.wg.Add(1)
	go c.writeLoop()

	reason = c.readLoop()
}

func (c *conn) handshake() error {
	timeout := time.Duration(c.server.cfg.HandshakeTimeoutMS) * time.Millisecond
	if timeout > 0 {
		_ = c.nc.SetReadDeadline(time.Now().Add(timeout))
	}
	payload, err := protocol.ReadFrame(c.nc, c.server.cfg.MaxFrameBytes)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("%w: handshake timeout", ErrProtocol)
		}
		if errors.Is(err, protocol.ErrFrameSize) {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return err
	}
	_ = c.nc.SetReadDeadline(time.Time{})

	env, err := protocol.Unmarshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if env.Type != protocol.TypeHandshake {
		return fmt.Errorf("%w: expected handshake, got %s", ErrProtocol, env.Type)
	}
	var hs protocol.Handshake
	if err := env.Decode(&hs); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	sub, err := c.server.manager.Register(c.id, hs.Roles)
	if err != nil {
		return err
	}
	c.sub = sub
	c.send(protocol.TypeAck, protocol.Ack{ConnectionID: c.id})
	return nil
}

func (c *conn) readLoop() error {
	for {
		payload, err := protocol.ReadFrame(c.nc, c.server.cfg.MaxFrameBytes)
		if err != nil {
			if errors.Is(err, protocol.ErrFrameSize) {
				return c.protocolError(err)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || c.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		env, err := protocol.Unmarshal(payload)
		if err != nil {
			return c.protocolError(err)
		}
		if err := c.handle(env); err != nil {
			return err
		}
	}
}

func (c *conn) handle(env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeTextRequest:
		var req protocol.TextRequest
		if err := env.Decode(&req); err != nil {
			return c.protocolError(err)
		}
		c.submit(req)
	case protocol.TypePing:
		c.send(protocol.TypePong, nil)
	case protocol.TypeShutdown:
		if !c.server.cfg.AllowShutdown {
			c.send(protocol.TypeError, protocol.Error{Code: protocol.CodeForbidden, Message: "shutdown is disabled"})
			return nil
		}
		c.logger.Warn("shutdown requested by client")
		c.writeNow(protocol.TypeAck, protocol.Ack{ConnectionID: c.id})
		c.server.requestShutdown()
	default:
		return c.protocolError(fmt.Errorf("unexpected message type %q", env.Type))
	}
	return nil
}

func (c *conn) submit(req protocol.TextRequest) {
	if !c.server.manager.HasRole(c.id, protocol.RoleSubmitter) {
		c.send(protocol.TypeError, protocol.Error{Code: protocol.CodeNotSubmitter, Message: "connection did not register as submitter"})
		return
	}
	ticket, err := c.server.pipeline.Admit(pipeline.Request{
		Text:     req.Text,
		Language: req.Language,
		Voice:    req.Voice,
		Source:   c.id,
	})
	if err != nil {
		c.send(protocol.TypeError, protocol.Error{Code: errorCode(err), Message: err.Error()})
		return
	}
	c.send(protocol.TypeAck, protocol.Ack{Sequence: ticket.Sequence, UtteranceID: ticket.UtteranceID})

	// The job outlives the connection; the result is best effort.
	go func() {
		select {
		case <-c.ctx.Done():
		case <-ticket.Done():
			u, _ := ticket.Wait(c.ctx)
			if u != nil {
				c.send(protocol.TypeResult, dispatch.Result(u))
			}
		}
	}()
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrEmptyText), errors.Is(err, pipeline.ErrTextTooLong):
		return protocol.CodeInvalidRequest
	case errors.Is(err, pipeline.ErrBusy):
		return protocol.CodeBusy
	default:
		return protocol.CodeInternal
	}
}

func (c *conn) protocolError(err error) error {
	err = fmt.Errorf("%w: %v", ErrProtocol, err)
	c.logger.Warn("closing connection on protocol error", slogError(err))
	c.writeNow(protocol.TypeError, protocol.Error{Code: protocol.CodeProtocol, Message: err.Error()})
	return err
}

// send queues a control message. A connection that cannot keep up with its
// own replies is closed.
func (c *conn) send(t protocol.MessageType, v any) {
	payload, err := protocol.Marshal(t, v)
	if err != nil {
		c.logger.Error("failed to encode message", slog.String("type", string(t)), slogError(err))
		return
	}
	select {
	case <-c.ctx.Done():
	case c.out <- payload:
	default:
		go c.close(errors.New("control queue overflow"))
	}
}

// writeNow writes synchronously, bypassing the queues.
func (c *conn) writeNow(t protocol.MessageType, v any) {
	payload, err := protocol.Marshal(t, v)
	if err != nil {
		return
	}
	if err := c.write(payload); err != nil {
		c.logger.Debug("direct write failed", slogError(err))
	}
}

func (c *conn) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout := c.server.writeTimeout; timeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(timeout))
	}
	return protocol.WriteFrame(c.nc, payload)
}

func (c *conn) writeLoop() {
	defer c.server.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("writer panicked", slog.Any("panic", r))
			c.close(fmt.Errorf("writer panic: %v", r))
		}
	}()

	var broadcasts <-chan *dispatch.Delivery
	if c.sub != nil {
		broadcasts = c.sub.C()
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.out:
			if err := c.write(payload); err != nil {
				c.close(fmt.Errorf("write: %w", err))
				return
			}
		case del, ok := <-broadcasts:
			if !ok {
				// Removed by the dispatcher; Drop closes the socket.
				broadcasts = nil
				continue
			}
			err := c.write(del.Payload)
			del.Done()
			if err != nil {
				c.close(fmt.Errorf("write broadcast: %w", err))
				return
			}
		}
	}
}
