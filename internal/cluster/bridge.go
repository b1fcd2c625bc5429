// Package cluster implements the optional ClusterBridge of spec.md §4.11:
// selective cross-node topic replication with a per-peer outbound queue,
// circuit breaker, and variety quota, loop-prevention via the
// `_from_cluster` metadata flag, and quorum-based partition detection
// through an external MembershipProvider.
//
// Grounded on the teacher's internal/adapter/pubsub package: a
// message.Publisher-backed dispatcher (dispatcher.go) that marshals a
// domain event to bytes and hands it to watermill, generalized here from
// "publish one local event to one exchange" to "publish one local event to
// N peer connections, each quota- and breaker-gated independently".
package cluster

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/infra/collaborators"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/algedonic"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/breaker"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/eventbus"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/ordereddelivery"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/ratelimit"
)

// ChannelClass is the variety-quota bucket a replicated event falls into,
// per §4.11's "algedonic: unlimited, s5: 50/s, ..." table.
type ChannelClass string

const (
	ClassAlgedonic ChannelClass = "algedonic"
	ClassS5        ChannelClass = "s5"
	ClassS4        ChannelClass = "s4"
	ClassS3        ChannelClass = "s3"
	ClassS2        ChannelClass = "s2"
	ClassS1        ChannelClass = "s1"
	ClassGeneral   ChannelClass = "general"
)

// defaultQuotaPerSecond is §4.11's literal quota table, minus algedonic
// (unlimited — never rate-limited).
var defaultQuotaPerSecond = map[ChannelClass]int64{
	ClassS5:      50,
	ClassS4:      100,
	ClassS3:      200,
	ClassS2:      500,
	ClassS1:      1000,
	ClassGeneral: 100,
}

func classify(topic event.Topic, meta event.Metadata) ChannelClass {
	if meta.Algedonic {
		return ClassAlgedonic
	}
	switch {
	case strings.HasPrefix(meta.Source, "s5"):
		return ClassS5
	case strings.HasPrefix(meta.Source, "s4"):
		return ClassS4
	case strings.HasPrefix(meta.Source, "s3"):
		return ClassS3
	case strings.HasPrefix(meta.Source, "s2"):
		return ClassS2
	case strings.HasPrefix(meta.Source, "s1"):
		return ClassS1
	}
	switch topic {
	case event.TopicS1Operations:
		return ClassS1
	case event.TopicS2Coordination:
		return ClassS2
	case event.TopicS3Control:
		return ClassS3
	case event.TopicS4EnvironmentalSignal, event.TopicPatternDetected, event.TopicTemporalPatternDetected, event.TopicPatternsIndexed:
		return ClassS4
	default:
		return ClassGeneral
	}
}

// Recorder receives telemetry about replication drops.
type Recorder interface {
	VarietyDamped(from, to, policy string)
	AlgedonicSignal(kind, severity string)
}

type noopRecorder struct{}

func (noopRecorder) VarietyDamped(string, string, string) {}
func (noopRecorder) AlgedonicSignal(string, string)        {}

// Options configures the bridge.
type Options struct {
	NodeID                string
	Topics                []event.Topic
	OutboundQueueSize     int
	PartitionPollInterval time.Duration
}

// DefaultOptions returns the bridge's defaults: replicates every VSM topic
// and the algedonic channel, polling partition status every 5s.
func DefaultOptions() Options {
	return Options{
		Topics: []event.Topic{
			event.TopicAlgedonicPain, event.TopicAlgedonicPleasure, event.TopicEmergencyAlgedonic,
			event.TopicS1Operations, event.TopicS2Coordination, event.TopicS3Control,
			event.TopicS4EnvironmentalSignal, event.TopicPatternDetected,
			event.TopicVSMAlgedonic, event.TopicVSMViabilityThreat,
		},
		OutboundQueueSize:     256,
		PartitionPollInterval: 5 * time.Second,
	}
}

type peerConn struct {
	id        string
	publisher message.Publisher
	breaker   *breaker.Breaker
	outbound  chan *event.Envelope
	ctx       context.Context
	cancel    context.CancelFunc
}

// ClusterBridge replicates selected local topics to registered peers and
// replays incoming peer records back onto the local bus.
type ClusterBridge struct {
	nodeID  string
	bus     *eventbus.Bus
	pain    *algedonic.Channel
	limiter *ratelimit.Limiter
	members collaborators.MembershipProvider
	rec     Recorder
	opts    Options

	mu    sync.RWMutex
	peers map[string]*peerConn

	partitionMu     sync.Mutex
	partitionStatus collaborators.PartitionStatus

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs and starts a ClusterBridge: it subscribes to opts.Topics
// immediately and begins polling members for partition status if members
// is non-nil.
func New(ctx context.Context, bus *eventbus.Bus, pain *algedonic.Channel, limiter *ratelimit.Limiter, members collaborators.MembershipProvider, opts Options, rec Recorder) *ClusterBridge {
	if rec == nil {
		rec = noopRecorder{}
	}
	if opts.OutboundQueueSize <= 0 {
		opts.OutboundQueueSize = 256
	}
	if opts.PartitionPollInterval <= 0 {
		opts.PartitionPollInterval = 5 * time.Second
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	b := &ClusterBridge{
		nodeID:          opts.NodeID,
		bus:             bus,
		pain:            pain,
		limiter:         limiter,
		members:         members,
		rec:             rec,
		opts:            opts,
		peers:           make(map[string]*peerConn),
		partitionStatus: collaborators.PartitionHealthy,
		ctx:             bridgeCtx,
		cancel:          cancel,
	}

	for _, topic := range opts.Topics {
		subOpts := eventbus.DefaultOptions()
		subOpts.MailboxSize = 512
		sub := bus.Subscribe(bridgeCtx, topic, "cluster:"+string(topic), subOpts)
		go b.consume(sub)
	}
	if members != nil {
		go b.pollPartitions()
	}
	return b
}

// Stop tears down every peer connection and the bridge's own subscriptions.
func (b *ClusterBridge) Stop() {
	b.cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.peers {
		p.cancel()
	}
}

// AddPeer registers a peer connection, wiring its outbound circuit breaker
// and per-class quota rules, and starts its outbound pump goroutine.
func (b *ClusterBridge) AddPeer(id string, publisher message.Publisher) {
	peerCtx, cancel := context.WithCancel(b.ctx)
	p := &peerConn{
		id:        id,
		publisher: publisher,
		breaker:   breaker.New(peerCtx, "cluster_peer_"+id, breaker.DefaultOptions(), b.bus, b.pain, nil),
		outbound:  make(chan *event.Envelope, b.opts.OutboundQueueSize),
		ctx:       peerCtx,
		cancel:    cancel,
	}
	for class, max := range defaultQuotaPerSecond {
		b.limiter.AddRule(ratelimit.Rule{
			Name: id + ":" + string(class), WindowMS: 1000, MaxRequests: max, MinRequests: 1, NumBuckets: 10,
		})
	}

	b.mu.Lock()
	b.peers[id] = p
	b.mu.Unlock()

	go b.pump(p)
}

// RemovePeer stops and forgets a peer connection.
func (b *ClusterBridge) RemovePeer(id string) {
	b.mu.Lock()
	p, ok := b.peers[id]
	delete(b.peers, id)
	b.mu.Unlock()
	if ok {
		p.cancel()
	}
}

func (b *ClusterBridge) consume(sub *eventbus.Subscription) {
	for {
		select {
		case <-sub.Done():
			return
		case d := <-sub.Recv():
			for _, env := range deliveredEnvelopes(d) {
				b.replicate(env)
			}
		}
	}
}

// replicate fans env out to every registered peer, skipping events that
// already arrived from another node (loop prevention) and events that lose
// their per-class quota check.
func (b *ClusterBridge) replicate(env *event.Envelope) {
	if env.Metadata.FromCluster {
		return
	}
	if b.currentPartitionStatus() == collaborators.PartitionPartitioned {
		return
	}

	class := classify(env.Topic, env.Metadata)

	b.mu.RLock()
	peers := make([]*peerConn, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.RUnlock()

	for _, p := range peers {
		if class != ClassAlgedonic {
			ruleName := p.id + ":" + string(class)
			allowed, _, err := b.limiter.CheckAndTrack(b.ctx, p.id, ruleName, 1)
			if err != nil || !allowed {
				b.rec.VarietyDamped("cluster:"+p.id, string(env.Topic), "quota")
				continue
			}
		}
		select {
		case p.outbound <- env:
		default:
			b.rec.VarietyDamped("cluster:"+p.id, string(env.Topic), "drop")
			if b.pain != nil {
				b.pain.Pain("cluster_bridge", "variety_overflow", event.SeverityMedium, 0,
					map[string]any{"peer": p.id, "topic": string(env.Topic)})
			}
		}
	}
}

func (b *ClusterBridge) pump(p *peerConn) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case env, ok := <-p.outbound:
			if !ok {
				return
			}
			_ = p.breaker.Call(func() error {
				raw, err := encodeRecord(b.nodeID, env)
				if err != nil {
					return err
				}
				msg := message.NewMessage(watermill.NewUUID(), raw)
				return p.publisher.Publish(string(env.Topic), msg)
			})
		}
	}
}

// HandleIncoming decodes a peer's wire record and republishes it onto the
// local bus, tagged FromCluster so replicate never sends it back out.
func (b *ClusterBridge) HandleIncoming(raw []byte) error {
	sourceNode, env, err := decodeRecord(raw)
	if err != nil {
		return fmt.Errorf("cluster: handle incoming: %w", err)
	}
	meta := env.Metadata
	meta.FromCluster = true
	meta.Extra = mergeExtra(meta.Extra, map[string]any{"_source_node": sourceNode})
	b.bus.Publish(env.Topic, env.Data, meta)
	return nil
}

func mergeExtra(base map[string]any, add map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(add))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range add {
		out[k] = v
	}
	return out
}

func (b *ClusterBridge) pollPartitions() {
	ticker := time.NewTicker(b.opts.PartitionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			status, err := b.members.PartitionStatus(b.ctx)
			if err != nil {
				continue
			}
			b.partitionMu.Lock()
			changed := b.partitionStatus != status
			b.partitionStatus = status
			b.partitionMu.Unlock()
			if changed && status != collaborators.PartitionHealthy && b.pain != nil {
				b.pain.Pain("cluster_bridge", "partition_detected", event.SeverityHigh, 0,
					map[string]any{"status": string(status)})
			}
		}
	}
}

func (b *ClusterBridge) currentPartitionStatus() collaborators.PartitionStatus {
	b.partitionMu.Lock()
	defer b.partitionMu.Unlock()
	return b.partitionStatus
}

// PartitionStatus returns the bridge's most recently polled partition status.
func (b *ClusterBridge) PartitionStatus() collaborators.PartitionStatus {
	return b.currentPartitionStatus()
}

func deliveredEnvelopes(d ordereddelivery.Delivery) []*event.Envelope {
	if d.Single != nil {
		return []*event.Envelope{d.Single}
	}
	return d.Batch
}
