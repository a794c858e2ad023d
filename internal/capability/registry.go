// Package capability tracks the lecture generator nodes sharing a bus. Each
// node announces its engine and voices, then heartbeats with its current
// load; peers mark a node unhealthy once its heartbeats stop.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/lecture-core/internal/bus"
	"github.com/loqalabs/lecture-core/internal/config"
	"github.com/loqalabs/lecture-core/internal/protocol"
)

// Node is the last known state of one generator.
type Node struct {
	ID            string
	EngineMode    string
	Voices        []string
	Language      string
	MaxConcurrent int
	Active        int
	LastSeen      time.Time
	Healthy       bool
}

type Registry struct {
	cfg    config.NodeConfig
	self   protocol.NodeAnnouncement
	active func() int
	log    *slog.Logger
	bus    *bus.Client
	clock  func() time.Time

	mu     sync.RWMutex
	nodes  map[string]*Node
	subs   []*nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry subscribes to node traffic and announces self. active reports
// the number of generations currently running on this node.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, self protocol.NodeAnnouncement, active func() int, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if active == nil {
		active = func() int { return 0 }
	}
	self.NodeID = cfg.ID
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		self:   self,
		active: active,
		log:    log.With(slog.String("component", "node-registry")),
		bus:    busClient,
		clock:  time.Now,
		nodes:  make(map[string]*Node),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}

	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := r.self
	msg.Timestamp = r.clock().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(protocol.SubjectNodeAnnounce, payload); err != nil {
		return err
	}
	r.applyAnnouncement(msg)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.NodeHeartbeat{
		NodeID:    r.cfg.ID,
		Active:    r.active(),
		Timestamp: r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(protocol.SubjectNodeHeartbeatPrefix+"."+r.cfg.ID, payload); err != nil {
		return err
	}
	r.applyHeartbeat(msg)
	return nil
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.NodeAnnouncement
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid node announcement", slog.String("subject", msg.Subject))
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.clock().UTC()
	}
	_, known := r.node(a.NodeID)
	r.applyAnnouncement(a)
	if !known && a.NodeID != r.cfg.ID {
		r.log.Info("generator node joined", slog.String("node_id", a.NodeID), slog.String("engine_mode", a.EngineMode))
		// Newcomers learn about existing nodes from our reply announcement.
		if err := r.announce(); err != nil {
			r.log.Warn("failed to announce node", slogError(err))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid node heartbeat", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.applyHeartbeat(hb)
}

func (r *Registry) applyAnnouncement(a protocol.NodeAnnouncement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.entry(a.NodeID)
	n.EngineMode = a.EngineMode
	n.Voices = append([]string(nil), a.Voices...)
	n.Language = a.Language
	n.MaxConcurrent = a.MaxConcurrent
	n.LastSeen = a.Timestamp
	n.Healthy = true
}

func (r *Registry) applyHeartbeat(hb protocol.NodeHeartbeat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.entry(hb.NodeID)
	n.Active = hb.Active
	n.LastSeen = hb.Timestamp
	n.Healthy = true
}

// entry must be called with mu held.
func (r *Registry) entry(id string) *Node {
	n, ok := r.nodes[id]
	if !ok {
		n = &Node{ID: id}
		r.nodes[id] = n
	}
	return n
}

func (r *Registry) node(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, n := range r.nodes {
		if n.Healthy && now.Sub(n.LastSeen) > timeout {
			n.Healthy = false
			r.log.Warn("generator node missed heartbeats", slog.String("node_id", n.ID))
		}
	}
}

// Healthy reports whether this node is still seeing its own heartbeats.
func (r *Registry) Healthy() bool {
	n, ok := r.node(r.cfg.ID)
	return ok && n.Healthy
}

// Nodes returns the known nodes matching filter, ordered by id.
func (r *Registry) Nodes(filter func(Node) bool) []Node {
	r.mu.RLock()
	var out []Node
	for _, n := range r.nodes {
		c := *n
		c.Voices = append([]string(nil), n.Voices...)
		if filter == nil || filter(c) {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WithVoice matches healthy nodes offering voice.
func WithVoice(voice string) func(Node) bool {
	return func(n Node) bool {
		if !n.Healthy {
			return false
		}
		for _, v := range n.Voices {
			if v == voice {
				return true
			}
		}
		return false
	}
}

// WithCapacity matches healthy nodes with a free generation slot.
func WithCapacity() func(Node) bool {
	return func(n Node) bool {
		return n.Healthy && n.Active < n.MaxConcurrent
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/lecture-core/internal/capability")
	nodes, err := meter.Int64ObservableGauge("lecture.nodes", metric.WithDescription("Known generator nodes"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("lecture.nodes.healthy", metric.WithDescription("Generator nodes with recent heartbeats"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, up := r.counts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(healthy, up)
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total, up int64
	for _, n := range r.nodes {
		total++
		if n.Healthy {
			up++
		}
	}
	return total, up
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
