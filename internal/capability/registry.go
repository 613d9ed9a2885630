// Package capability tracks which scribe nodes on the bus can recognize
// speech or analyze transcript blocks, and how recently each was heard from.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Well-known capability names.
const (
	Recognizer = "recognizer"
	Analyzer   = "analyzer"
	Session    = "session"
)

// Tiers.
const (
	TierLocal = "local"
	TierCloud = "cloud"
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
	LastSeen     time.Time    `json:"lastSeen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"nodeId"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Heartbeats repeat the capability set so nodes that joined after the
// announce still learn it.
type heartbeatMessage = announceMessage

type Registry struct {
	cfg    config.NodeConfig
	caps   []Capability
	log    zerolog.Logger
	bus    *bus.Client
	now    func() time.Time
	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
}

// NewRegistry subscribes to peer presence, announces this node with caps and
// starts the heartbeat loop.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, caps []Capability, busClient *bus.Client, log zerolog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		caps:   caps,
		log:    logging.WithComponent(log, "capability-registry"),
		bus:    busClient,
		now:    time.Now,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn().Err(err).Msg("failed to initialize metrics")
	}

	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	interval := time.Duration(cfg.HeartbeatInterval) * time.Millisecond
	r.wg.Add(1)
	go r.run(ctx, interval)

	if err := r.publish(protocol.SubjectNodeAnnounce); err != nil {
		r.log.Warn().Err(err).Msg("failed to announce node")
	}
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handlePresence)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handlePresence)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) run(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publish(protocol.NodeHeartbeatSubject(r.cfg.ID)); err != nil {
				r.log.Warn().Err(err).Msg("failed to publish heartbeat")
			}
		case <-health.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) publish(subject string) error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.caps,
		Timestamp:    r.now().UTC(),
	}
	// the local entry is updated even when the bus is down so Healthy tracks
	// this process rather than the connection
	r.updateNode(msg)
	return r.bus.PublishJSON(subject, msg)
}

func (r *Registry) handlePresence(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn().Err(err).Str("subject", msg.Subject).Msg("invalid presence message")
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.updateNode(hb)
}

func (r *Registry) updateNode(msg announceMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[msg.NodeID]
	if !ok {
		node = &NodeInfo{ID: msg.NodeID}
		r.nodes[msg.NodeID] = node
		r.log.Info().Str("node_id", msg.NodeID).Int("capabilities", len(msg.Capabilities)).Msg("node discovered")
	}
	if msg.Role != "" {
		node.Role = msg.Role
	}
	if len(msg.Capabilities) > 0 {
		node.Capabilities = msg.Capabilities
	}
	if msg.Timestamp.After(node.LastSeen) {
		node.LastSeen = msg.Timestamp
	}
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn().Str("node_id", node.ID).Time("last_seen", node.LastSeen).Msg("node missed heartbeats")
		}
	}
}

// Healthy reports whether this node is present and fresh in its own registry.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

// Query returns copies of the known nodes accepted by every filter, ordered by id.
func (r *Registry) Query(filters ...func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]NodeInfo, 0, len(r.nodes))
next:
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = append([]Capability(nil), node.Capabilities...)
		for _, filter := range filters {
			if filter != nil && !filter(n) {
				continue next
			}
		}
		results = append(results, n)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) LocalCapabilities() []Capability {
	return append([]Capability(nil), r.caps...)
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/internal/capability")
	nodes, err := meter.Int64ObservableGauge("scribe.capabilities.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("scribe.capabilities.healthy_nodes", metric.WithDescription("Nodes seen within the heartbeat timeout"))
	if err != nil {
		return err
	}
	total, err := meter.Int64ObservableGauge("scribe.capabilities.total", metric.WithDescription("Total advertised capabilities"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		n, h, c := r.counts()
		obs.ObserveInt64(nodes, n)
		obs.ObserveInt64(healthy, h)
		obs.ObserveInt64(total, c)
		return nil
	}, nodes, healthy, total)
	return err
}

func (r *Registry) counts() (nodes, healthy, caps int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.nodes {
		nodes++
		if node.Healthy {
			healthy++
		}
		caps += int64(len(node.Capabilities))
	}
	return nodes, healthy, caps
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

func HealthyOnly(node NodeInfo) bool { return node.Healthy }
