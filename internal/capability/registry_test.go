package capability

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/rs/zerolog"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, "capability-test", zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{ID: id, Role: "scribe", HeartbeatInterval: 50, HeartbeatTimeout: 500}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRegistryAnnouncesLocalNode(t *testing.T) {
	client := startBus(t)
	caps := []Capability{{Name: Recognizer, Tier: TierLocal, Attributes: map[string]string{"mode": "mock"}}}
	reg, err := NewRegistry(context.Background(), nodeConfig("node-a"), caps, client, zerolog.Nop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	if !reg.Healthy() {
		t.Fatal("expected local node to be healthy after announce")
	}
	nodes := reg.Query(WithCapabilityFilter(Recognizer))
	if len(nodes) != 1 || nodes[0].ID != "node-a" {
		t.Fatalf("unexpected recognizer nodes: %+v", nodes)
	}
	if got := reg.LocalCapabilities(); len(got) != 1 || got[0].Attributes["mode"] != "mock" {
		t.Fatalf("unexpected local capabilities: %+v", got)
	}
}

func TestRegistryLearnsPeersFromHeartbeats(t *testing.T) {
	client := startBus(t)
	a, err := NewRegistry(context.Background(), nodeConfig("node-a"),
		[]Capability{{Name: Session, Tier: TierLocal}}, client, zerolog.Nop())
	if err != nil {
		t.Fatalf("new registry a: %v", err)
	}
	t.Cleanup(a.Close)

	// node-b joins after node-a announced; node-a's heartbeats carry its capabilities
	b, err := NewRegistry(context.Background(), nodeConfig("node-b"),
		[]Capability{{Name: Analyzer, Tier: TierCloud}}, client, zerolog.Nop())
	if err != nil {
		t.Fatalf("new registry b: %v", err)
	}
	t.Cleanup(b.Close)

	waitFor(t, func() bool { return len(b.Query(WithCapabilityFilter(Session))) == 1 })
	waitFor(t, func() bool { return len(a.Query(WithCapabilityFilter(Analyzer))) == 1 })

	cloud := a.Query(WithTierFilter(TierCloud), HealthyOnly)
	if len(cloud) != 1 || cloud[0].ID != "node-b" {
		t.Fatalf("expected node-b as the cloud node, got %+v", cloud)
	}
	all := a.Query()
	if len(all) != 2 || all[0].ID != "node-a" || all[1].ID != "node-b" {
		t.Fatalf("expected nodes ordered by id, got %+v", all)
	}
}

func TestRegistryIgnoresMalformedPresence(t *testing.T) {
	client := startBus(t)
	reg, err := NewRegistry(context.Background(), nodeConfig("node-a"), nil, client, zerolog.Nop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	if err := client.Conn().Publish(protocol.SubjectNodeAnnounce, []byte("{not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.PublishJSON(protocol.SubjectNodeAnnounce, map[string]string{"role": "anonymous"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.Flush(time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if nodes := reg.Query(); len(nodes) != 1 {
		t.Fatalf("expected only the local node, got %+v", nodes)
	}
}

func TestEvaluateHealthMarksStaleNodes(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	reg := &Registry{
		cfg:   nodeConfig("node-a"),
		log:   zerolog.Nop(),
		now:   func() time.Time { return now },
		nodes: make(map[string]*NodeInfo),
	}
	reg.updateNode(announceMessage{NodeID: "node-a", Timestamp: now})
	reg.updateNode(announceMessage{NodeID: "node-b", Timestamp: now.Add(-time.Second)})

	reg.evaluateHealth()

	if !reg.Healthy() {
		t.Fatal("expected fresh local node to stay healthy")
	}
	healthy := reg.Query(HealthyOnly)
	if len(healthy) != 1 || healthy[0].ID != "node-a" {
		t.Fatalf("expected node-b to be marked stale, got %+v", healthy)
	}

	// a late heartbeat revives the node without moving LastSeen backwards
	reg.updateNode(announceMessage{NodeID: "node-b", Timestamp: now.Add(-2 * time.Second)})
	nodes := reg.Query(WithCapabilityFilter(Analyzer))
	if len(nodes) != 0 {
		t.Fatalf("expected no analyzers, got %+v", nodes)
	}
	b := reg.Query(func(n NodeInfo) bool { return n.ID == "node-b" })
	if len(b) != 1 || !b[0].Healthy || !b[0].LastSeen.Equal(now.Add(-time.Second)) {
		t.Fatalf("unexpected node-b state: %+v", b)
	}
}
