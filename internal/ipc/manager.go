package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/loqalabs/loqa-avatar/internal/dispatch"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// State is the liveness of a connection.
type State string

const (
	StateConnected State = "connected"
	StateClosing   State = "closing"
	StateClosed    State = "closed"
)

// Journal records connection lifecycle events. Errors are logged only.
type Journal interface {
	ConnectionOpened(ctx context.Context, id, remote string, roles []string) error
	ConnectionClosed(ctx context.Context, id, reason string) error
}

// Info is a snapshot of a tracked connection.
type Info struct {
	ID     string
	Remote string
	Roles  []string
	State  State
}

type entry struct {
	remote string
	roles  []string
	state  State
	drop   dispatch.Listener
}

// Manager owns the set of live connections and their roles.
type Manager struct {
	dispatcher *dispatch.Dispatcher
	journal    Journal
	logger     *slog.Logger

	mu    sync.Mutex
	conns map[string]*entry

	// beforeSubscribe runs between recording roles and joining the broadcast
	// set. Tests use it to interleave a disconnect.
	beforeSubscribe func(id string)
}

func NewManager(dispatcher *dispatch.Dispatcher, journal Journal, logger *slog.Logger) *Manager {
	return &Manager{
		dispatcher: dispatcher,
		journal:    journal,
		logger:     logger.With(slog.String("component", "connections")),
		conns:      make(map[string]*entry),
	}
}

// Track records a freshly accepted connection with no roles.
func (m *Manager) Track(l dispatch.Listener, remote string) {
	m.mu.Lock()
	m.conns[l.ID()] = &entry{remote: remote, state: StateConnected, drop: l}
	m.mu.Unlock()
	m.logger.Debug("connection accepted", slog.String("conn_id", l.ID()), slog.String("remote", remote))
}

// Register records the handshake roles. Listeners join the broadcast set and
// get a subscription; submitters get nil.
func (m *Manager) Register(id string, roles []string) (*dispatch.Subscription, error) {
	roles, err := normalizeRoles(roles)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	e, ok := m.conns[id]
	if !ok || e.state != StateConnected {
		m.mu.Unlock()
		return nil, fmt.Errorf("connection %s is not connected", id)
	}
	if len(e.roles) > 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate handshake", ErrProtocol)
	}
	e.roles = roles
	remote := e.remote
	listener := e.drop
	m.mu.Unlock()

	var sub *dispatch.Subscription
	if slices.Contains(roles, protocol.RoleListener) {
		if m.beforeSubscribe != nil {
			m.beforeSubscribe(id)
		}
		sub = m.dispatcher.Register(listener)
		// A Deregister that ran before Register above found nothing to remove.
		m.mu.Lock()
		live := e.state == StateConnected
		m.mu.Unlock()
		if !live {
			m.dispatcher.Remove(id)
			return nil, fmt.Errorf("connection %s closed during handshake", id)
		}
	}
	m.logger.Info("connection registered",
		slog.String("conn_id", id),
		slog.String("remote", remote),
		slog.Any("roles", roles))
	if m.journal != nil {
		if err := m.journal.ConnectionOpened(context.Background(), id, remote, roles); err != nil {
			m.logger.Warn("failed to journal connection", slog.String("conn_id", id), slogError(err))
		}
	}
	return sub, nil
}

// Deregister removes a connection. It is idempotent.
func (m *Manager) Deregister(id string, reason error) {
	m.mu.Lock()
	e, ok := m.conns[id]
	if !ok || e.state != StateConnected {
		m.mu.Unlock()
		return
	}
	e.state = StateClosing
	registered := len(e.roles) > 0
	m.mu.Unlock()

	m.dispatcher.Remove(id)

	m.mu.Lock()
	e.state = StateClosed
	delete(m.conns, id)
	m.mu.Unlock()

	why := "closed"
	if reason != nil {
		why = reason.Error()
	}
	m.logger.Info("connection closed", slog.String("conn_id", id), slog.String("reason", why))
	if registered && m.journal != nil {
		if err := m.journal.ConnectionClosed(context.Background(), id, why); err != nil {
			m.logger.Warn("failed to journal disconnect", slog.String("conn_id", id), slogError(err))
		}
	}
}

// HasRole reports whether a live connection announced role.
func (m *Manager) HasRole(id, role string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conns[id]
	return ok && slices.Contains(e.roles, role)
}

// Snapshot lists live connections.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.conns))
	for id, e := range m.conns {
		out = append(out, Info{ID: id, Remote: e.remote, Roles: slices.Clone(e.roles), State: e.state})
	}
	return out
}

// Len returns the number of live connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll drops every connection.
func (m *Manager) CloseAll(reason error) {
	m.mu.Lock()
	listeners := make([]dispatch.Listener, 0, len(m.conns))
	for _, e := range m.conns {
		listeners = append(listeners, e.drop)
	}
	m.mu.Unlock()
	for _, l := range listeners {
		l.Drop(reason)
	}
}

func normalizeRoles(roles []string) ([]string, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: handshake without roles", ErrProtocol)
	}
	var out []string
	for _, r := range roles {
		switch r {
		case protocol.RoleSubmitter, protocol.RoleListener:
			if !slices.Contains(out, r) {
				out = append(out, r)
			}
		default:
			return nil, fmt.Errorf("%w: unknown role %q", ErrProtocol, r)
		}
	}
	slices.Sort(out)
	return out, nil
}

var errServerClosed = errors.New("server shutting down")

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
