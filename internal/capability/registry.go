// Package capability advertises what this avatar node can do on the bus and
// tracks the peers that do the same.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat."

	Synthesis = "avatar.synthesis"
	Broadcast = "avatar.broadcast"
	Ingress   = "avatar.ipc"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Local derives the capabilities this process advertises from its settings.
func Local(cfg config.Config) []Capability {
	synth := map[string]string{
		"backend":     cfg.Synthesis.Backend,
		"sample_rate": strconv.Itoa(cfg.Synthesis.SampleRate),
		"frame_rate":  strconv.Itoa(cfg.Pipeline.FrameRate),
	}
	if cfg.Synthesis.Fallback != "" {
		synth["fallback"] = cfg.Synthesis.Fallback
	}
	caps := []Capability{
		{Name: Synthesis, Tier: cfg.Node.Tier, Attributes: synth},
		{Name: Ingress, Attributes: map[string]string{
			"network": cfg.IPC.Network,
			"address": cfg.IPC.Address(),
		}},
	}
	if cfg.Router.Enabled {
		attrs := map[string]string{
			"subject":    cfg.Router.BroadcastSubject,
			"transcript": cfg.Router.TranscriptSubject,
		}
		if cfg.Router.Stream != "" {
			attrs["stream"] = cfg.Router.Stream
		}
		caps = append(caps, Capability{Name: Broadcast, Attributes: attrs})
	}
	return caps
}

type Registry struct {
	cfg    config.NodeConfig
	caps   []Capability
	log    *slog.Logger
	bus    *bus.Client
	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	now    func() time.Time
}

// NewRegistry subscribes to peer announcements, announces caps and starts the
// heartbeat loop.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, caps []Capability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("node heartbeat interval must be positive")
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		caps:   caps,
		log:    log.With(slog.String("component", "capability-registry"), slog.String("node_id", cfg.ID)),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := r.initMetrics(otel.Meter("github.com/loqalabs/loqa-avatar/internal/capability")); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(SubjectHeartbeatPrefix+"*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return conn.Flush()
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.caps,
		Timestamp:    r.now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(SubjectAnnounce, payload); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	payload, err := json.Marshal(heartbeatMessage{NodeID: r.cfg.ID, Timestamp: r.now()})
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(SubjectHeartbeatPrefix+r.cfg.ID, payload); err != nil {
		return err
	}
	r.updateNode(r.cfg.ID, "", nil, r.now())
	return nil
}

// handleAnnounce records a peer. A peer seen for the first time gets our own
// announcement back so nodes that start later still learn about us.
func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" || announcement.NodeID == r.cfg.ID {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.now()
	}
	isNew := r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
	if isNew {
		r.log.Info("peer discovered",
			slog.String("peer_id", announcement.NodeID),
			slog.String("role", announcement.Role),
			slog.Int("capabilities", len(announcement.Capabilities)))
		if err := r.announce(); err != nil {
			r.log.Warn("failed to answer announcement", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" || hb.NodeID == r.cfg.ID {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

// updateNode reports whether nodeID was previously unknown.
func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, timestamp time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = timestamp
	node.Healthy = true
	return !ok
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for id, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("peer heartbeat timed out", slog.String("peer_id", id))
		}
	}
}

// Healthy reports whether this node's own announcement is current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns copies of every known node accepted by filter.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	return results
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	gauge, err := meter.Int64ObservableGauge("loqa.avatar.nodes", metric.WithDescription("Known nodes on the bus"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("loqa.avatar.nodes.healthy", metric.WithDescription("Nodes with a current heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, ok := r.snapshotCounts()
		obs.ObserveInt64(gauge, total)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, gauge, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, healthy int64
	for _, node := range r.nodes {
		total++
		if node.Healthy {
			healthy++
		}
	}
	return total, healthy
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func WithTierFilter(tier string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Tier == tier {
				return true
			}
		}
		return false
	}
}
