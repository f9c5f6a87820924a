package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) (string, *bus.Client) {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL(), connect(t, srv.ClientURL())
}

func connect(t *testing.T, url string) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Servers: []string{url}, ConnectTimeout: 2000}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{ID: id, Role: "avatar", Tier: "balanced", HeartbeatInterval: 50, HeartbeatTimeout: 200}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLocalCapabilities(t *testing.T) {
	cfg := config.Default()
	cfg.Synthesis.Fallback = "gtts"
	caps := Local(cfg)
	if len(caps) != 3 {
		t.Fatalf("expected synthesis, ipc and broadcast capabilities, got %+v", caps)
	}
	if caps[0].Name != Synthesis || caps[0].Attributes["backend"] != "mock" || caps[0].Attributes["fallback"] != "gtts" {
		t.Fatalf("unexpected synthesis capability %+v", caps[0])
	}

	cfg.Router.Enabled = false
	if caps := Local(cfg); len(caps) != 2 {
		t.Fatalf("expected no broadcast capability with router disabled, got %+v", caps)
	}
}

func TestPeersDiscoverEachOther(t *testing.T) {
	url, first := startBus(t)
	second := connect(t, url)

	caps := Local(config.Default())
	a, err := NewRegistry(context.Background(), nodeConfig("avatar-a"), caps, first, newLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	t.Cleanup(a.Close)
	b, err := NewRegistry(context.Background(), nodeConfig("avatar-b"), caps, second, newLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	t.Cleanup(b.Close)

	// a started first, so it only learns about b from b's announcement and
	// b only learns about a from the reply.
	waitFor(t, "a to see b", func() bool { return len(a.Query(nil)) == 2 })
	waitFor(t, "b to see a's capabilities", func() bool {
		return len(b.Query(WithCapabilityFilter(Broadcast))) == 2
	})

	if !a.Healthy() || !b.Healthy() {
		t.Fatal("expected both registries healthy")
	}
	if got := a.Query(WithCapabilityFilter(Synthesis)); len(got) != 2 {
		t.Fatalf("expected both nodes to advertise synthesis, got %+v", got)
	}
	if got := a.Query(WithTierFilter("balanced")); len(got) != 2 {
		t.Fatalf("expected tier filter to match both nodes, got %d", len(got))
	}
}

func TestPeerMarkedUnhealthyAfterSilence(t *testing.T) {
	url, first := startBus(t)
	second := connect(t, url)

	a, err := NewRegistry(context.Background(), nodeConfig("avatar-a"), nil, first, newLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	t.Cleanup(a.Close)
	b, err := NewRegistry(context.Background(), nodeConfig("avatar-b"), nil, second, newLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	waitFor(t, "a to see b", func() bool { return len(a.Query(nil)) == 2 })
	b.Close()

	waitFor(t, "b marked unhealthy", func() bool {
		for _, n := range a.Query(nil) {
			if n.ID == "avatar-b" {
				return !n.Healthy
			}
		}
		return false
	})
	if !a.Healthy() {
		t.Fatal("local node should stay healthy while its heartbeat runs")
	}
}
