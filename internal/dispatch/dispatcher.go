// Package dispatch fans processed utterances out to every registered listener.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// ErrSlowListener is passed to Listener.Drop when its queue overflowed.
var ErrSlowListener = errors.New("listener queue overflow")

// Listener is a broadcast consumer. Drop is called once the dispatcher has
// removed it, so the owner can close the underlying connection.
type Listener interface {
	ID() string
	Drop(reason error)
}

// Mirror receives every broadcast event after fan-out, in sequence order.
type Mirror interface {
	Mirror(ctx context.Context, evt protocol.BroadcastEvent) error
}

// Releaser is told when no listener needs an artifact any more.
type Releaser interface {
	Release(id string)
}

// Delivery is one queued event for one listener. Done must be called once the
// payload has been written or abandoned.
type Delivery struct {
	Sequence uint64
	Payload  []byte
	ref      *reference
	once     sync.Once
}

func (d *Delivery) Done() {
	d.once.Do(func() {
		if d.ref != nil {
			d.ref.done()
		}
	})
}

// Subscription is the listener side of a queue.
type Subscription struct {
	listener Listener
	queue    chan *Delivery
}

// C yields deliveries in sequence order. It is closed when the listener is removed.
func (s *Subscription) C() <-chan *Delivery { return s.queue }

type reference struct {
	count   atomic.Int64
	release func()
}

func (r *reference) done() {
	if r.count.Add(-1) == 0 && r.release != nil {
		r.release()
	}
}

type mirrorItem struct {
	event protocol.BroadcastEvent
}

type Dispatcher struct {
	cfg       config.DispatcherConfig
	logger    *slog.Logger
	artifacts Releaser

	mu        sync.RWMutex
	listeners map[string]*Subscription

	mirrors   []Mirror
	mirrorCh  chan mirrorItem
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	broadcasts metric.Int64Counter
	drops      metric.Int64Counter
}

// New creates a dispatcher. artifacts may be nil.
func New(parent context.Context, cfg config.DispatcherConfig, artifacts Releaser, logger *slog.Logger, mirrors ...Mirror) *Dispatcher {
	if cfg.ListenerQueue <= 0 {
		cfg.ListenerQueue = 1
	}
	// Fan-out outlives the caller's context; Close ends it.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	d := &Dispatcher{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "dispatcher")),
		artifacts: artifacts,
		listeners: make(map[string]*Subscription),
		mirrors:   mirrors,
		mirrorCh:  make(chan mirrorItem, 256),
		ctx:       ctx,
		cancel:    cancel,
	}
	if err := d.initMetrics(otel.Meter("github.com/loqalabs/loqa-avatar/internal/dispatch")); err != nil {
		d.logger.Warn("failed to initialize metrics", slogError(err))
	}
	d.wg.Add(1)
	go d.runMirrors()
	return d
}

// AddMirror registers a mirror before any event is dispatched.
func (d *Dispatcher) AddMirror(m Mirror) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mirrors = append(d.mirrors, m)
}

// Register adds a listener to the fan-out set. It only sees events
// dispatched after this call returns.
func (d *Dispatcher) Register(l Listener) *Subscription {
	sub := &Subscription{listener: l, queue: make(chan *Delivery, d.cfg.ListenerQueue)}
	d.mu.Lock()
	old, replaced := d.listeners[l.ID()]
	if replaced {
		d.closeSubscription(old)
	}
	d.listeners[l.ID()] = sub
	count := len(d.listeners)
	d.mu.Unlock()
	if replaced {
		for del := range old.queue {
			del.Done()
		}
	}
	d.logger.Info("listener registered", slog.String("conn_id", l.ID()), slog.Int("listeners", count))
	return sub
}

// Remove takes a listener out of the fan-out set and abandons its queued
// deliveries. It is idempotent.
func (d *Dispatcher) Remove(id string) bool {
	d.mu.Lock()
	sub, ok := d.listeners[id]
	if ok {
		delete(d.listeners, id)
		d.closeSubscription(sub)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	for del := range sub.queue {
		del.Done()
	}
	return true
}

// closeSubscription must be called with mu held for writing.
func (d *Dispatcher) closeSubscription(sub *Subscription) {
	close(sub.queue)
}

// Listeners returns the number of registered listeners.
func (d *Dispatcher) Listeners() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}

// Dispatch broadcasts u to every registered listener without blocking.
// Listeners whose queue is full are removed and dropped.
func (d *Dispatcher) Dispatch(u *pipeline.Utterance) {
	evt := NewEvent(u)
	payload, err := protocol.Marshal(protocol.TypeBroadcast, evt)
	if err != nil {
		d.logger.Error("failed to encode broadcast", slog.Uint64("sequence", u.Sequence), slogError(err))
		d.releaseArtifact(u.ArtifactID)
		return
	}

	ref := &reference{}
	if u.ArtifactID != "" {
		id := u.ArtifactID
		ref.release = func() { d.releaseArtifact(id) }
	}
	// The dispatcher holds one reference until fan-out is complete.
	ref.count.Store(1)

	var overflow []Listener
	delivered := 0
	d.mu.RLock()
	for _, sub := range d.listeners {
		del := &Delivery{Sequence: u.Sequence, Payload: payload, ref: ref}
		ref.count.Add(1)
		select {
		case sub.queue <- del:
			delivered++
		default:
			ref.count.Add(-1)
			overflow = append(overflow, sub.listener)
		}
	}
	mirrors := len(d.mirrors) > 0
	d.mu.RUnlock()
	ref.done()

	if d.broadcasts != nil {
		d.broadcasts.Add(d.ctx, 1, metric.WithAttributes(attribute.String("status", evt.Status)))
	}
	d.logger.Debug("broadcast dispatched",
		slog.Uint64("sequence", u.Sequence),
		slog.String("status", evt.Status),
		slog.Int("listeners", delivered))

	for _, l := range overflow {
		if d.Remove(l.ID()) {
			d.logger.Warn("dropping slow listener", slog.String("conn_id", l.ID()), slog.Uint64("sequence", u.Sequence))
			if d.drops != nil {
				d.drops.Add(d.ctx, 1)
			}
			l.Drop(ErrSlowListener)
		}
	}

	if mirrors {
		select {
		case d.mirrorCh <- mirrorItem{event: evt}:
		default:
			d.logger.Warn("mirror queue full, event not mirrored", slog.Uint64("sequence", u.Sequence))
		}
	}
}

func (d *Dispatcher) releaseArtifact(id string) {
	if id == "" || d.artifacts == nil {
		return
	}
	d.artifacts.Release(id)
}

func (d *Dispatcher) runMirrors() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			d.flushMirrors()
			return
		case item := <-d.mirrorCh:
			d.mirror(item)
		}
	}
}

func (d *Dispatcher) flushMirrors() {
	for {
		select {
		case item := <-d.mirrorCh:
			d.mirror(item)
		default:
			return
		}
	}
}

func (d *Dispatcher) mirror(item mirrorItem) {
	d.mu.RLock()
	mirrors := append([]Mirror(nil), d.mirrors...)
	d.mu.RUnlock()
	// Close cancels d.ctx before the final flush.
	ctx := context.WithoutCancel(d.ctx)
	for _, m := range mirrors {
		if err := m.Mirror(ctx, item.event); err != nil {
			d.logger.Warn("broadcast mirror failed", slog.Uint64("sequence", item.event.Sequence), slogError(err))
		}
	}
}

// Close removes every listener and flushes pending mirror work.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.RLock()
		ids := make([]string, 0, len(d.listeners))
		for id := range d.listeners {
			ids = append(ids, id)
		}
		d.mu.RUnlock()
		for _, id := range ids {
			d.Remove(id)
		}
		d.cancel()
		d.wg.Wait()
	})
}

func (d *Dispatcher) initMetrics(meter metric.Meter) error {
	var err error
	if d.broadcasts, err = meter.Int64Counter("loqa.avatar.broadcasts",
		metric.WithDescription("Broadcast events dispatched, by status")); err != nil {
		return err
	}
	if d.drops, err = meter.Int64Counter("loqa.avatar.listeners.dropped",
		metric.WithDescription("Listeners dropped for falling behind")); err != nil {
		return err
	}
	gauge, err := meter.Int64ObservableGauge("loqa.avatar.listeners",
		metric.WithDescription("Registered broadcast listeners"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(d.Listeners()))
		return nil
	}, gauge)
	return err
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
