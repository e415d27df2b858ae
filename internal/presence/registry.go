// Package presence advertises this transcription node on the bus and tracks
// the other nodes it hears from.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Load reports how busy the local node is.
type Load interface {
	Active() int
	Capacity() int
}

// Node is the last known state of a peer.
type Node struct {
	protocol.NodeAnnouncement
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type Registry struct {
	cfg      config.NodeConfig
	self     protocol.NodeAnnouncement
	load     Load
	log      *slog.Logger
	bus      *bus.Client
	mu       sync.RWMutex
	nodes    map[string]*Node
	cancel   context.CancelFunc
	subs     []*nats.Subscription
	wg       sync.WaitGroup
	now      func() time.Time
	interval time.Duration
}

// NewRegistry subscribes to peer traffic, announces the node and starts the
// heartbeat loop. self describes the local backend; its session counts are
// filled from load on every heartbeat.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, self protocol.NodeAnnouncement, load Load, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	interval := time.Duration(cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	self.NodeID = cfg.ID
	r := &Registry{
		cfg:      cfg,
		self:     self,
		load:     load,
		log:      log.With(slog.String("component", "presence")),
		bus:      busClient,
		nodes:    make(map[string]*Node),
		cancel:   cancel,
		now:      time.Now,
		interval: interval,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	if err := r.publish(protocol.SubjectNodeAnnounce); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
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
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handle)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeat+".*", r.handle)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(r.interval)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publish(protocol.SubjectNodeHeartbeat + "." + r.cfg.ID); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) publish(subject string) error {
	msg := r.self
	if r.load != nil {
		msg.ActiveSessions = r.load.Active()
		msg.MaxSessions = r.load.Capacity()
	}
	msg.Timestamp = r.now().UTC()
	if err := r.bus.PublishJSON(subject, msg); err != nil {
		return err
	}
	r.observe(msg)
	return nil
}

func (r *Registry) handle(msg *nats.Msg) {
	var ann protocol.NodeAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil {
		r.log.Warn("invalid presence message", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	if ann.NodeID == "" {
		return
	}
	if ann.Timestamp.IsZero() {
		ann.Timestamp = r.now().UTC()
	}
	r.observe(ann)
}

func (r *Registry) observe(ann protocol.NodeAnnouncement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[ann.NodeID]
	if !ok {
		node = &Node{}
		r.nodes[ann.NodeID] = node
	}
	node.NodeAnnouncement = ann
	node.LastSeen = ann.Timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether the local node's own heartbeats are current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns known nodes ordered by ID.
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/presence")
	nodes, err := meter.Int64ObservableGauge("scribe.nodes.known", metric.WithDescription("Number of known transcription nodes"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("scribe.nodes.healthy", metric.WithDescription("Number of transcription nodes with a current heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, ok := r.counts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) counts() (int64, int64) {
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
