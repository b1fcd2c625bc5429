// Package membership is the concrete MembershipProvider collaborator of
// §6: cluster topology via hashicorp/serf gossip, quorum/partition status
// via hashicorp/consul/api's leader endpoint, and serf's own internal
// instrumentation routed through armon/go-metrics — all three already
// indirect teacher dependencies via the dropped webitel-go-kit/discovery
// package (see "Dropped teacher dependencies" in SPEC_FULL.md).
package membership

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/consul/api"
	"github.com/hashicorp/serf/serf"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/infra/collaborators"
	coreerrors "github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/errors"
)

// Options configures a Provider.
type Options struct {
	NodeName      string
	BindAddr      string
	ConsulAddr    string // empty skips the consul leader check; PartitionStatus then compares the alive-member count against QuorumSize alone
	QuorumSize    int
	MetricsPrefix string
}

// DefaultOptions returns sane single-node defaults; callers override
// NodeName/BindAddr/ConsulAddr per deployment.
func DefaultOptions() Options {
	return Options{QuorumSize: 1, MetricsPrefix: "vsm_membership"}
}

// Provider implements collaborators.MembershipProvider over a serf gossip
// pool, with consul's leader endpoint as the quorum oracle.
type Provider struct {
	serf       *serf.Serf
	consul     *api.Client
	quorumSize int
	log        *slog.Logger
	eventCh    chan serf.Event
	sink       *metrics.InmemSink
}

// New joins or creates the serf gossip pool described by opts and wires
// serf's internal event metrics through a fresh armon/go-metrics global
// sink (serf and its underlying memberlist call metrics.IncrCounter et al.
// against whatever sink was last installed globally; the InmemSink kept
// here lets operators inspect accumulated intervals via Snapshot).
func New(opts Options, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QuorumSize <= 0 {
		opts.QuorumSize = 1
	}

	sink := metrics.NewInmemSink(10e9, 300e9) // 10s intervals, 5m retention
	if _, err := metrics.NewGlobal(metrics.DefaultConfig(opts.MetricsPrefix), sink); err != nil {
		return nil, fmt.Errorf("membership: install metrics sink: %w", err)
	}

	conf := serf.DefaultConfig()
	conf.NodeName = opts.NodeName
	if opts.BindAddr != "" {
		conf.MemberlistConfig.BindAddr = opts.BindAddr
	}
	eventCh := make(chan serf.Event, 256)
	conf.EventCh = eventCh

	s, err := serf.Create(conf)
	if err != nil {
		return nil, fmt.Errorf("membership: create serf pool: %w", err)
	}

	var consulClient *api.Client
	if opts.ConsulAddr != "" {
		cconf := api.DefaultConfig()
		cconf.Address = opts.ConsulAddr
		consulClient, err = api.NewClient(cconf)
		if err != nil {
			return nil, fmt.Errorf("membership: create consul client: %w", err)
		}
	}

	p := &Provider{
		serf:       s,
		consul:     consulClient,
		quorumSize: opts.QuorumSize,
		log:        logger,
		eventCh:    eventCh,
		sink:       sink,
	}
	go p.logEvents()
	return p, nil
}

// Join attempts to gossip-join the given existing-member addresses.
func (p *Provider) Join(addrs []string) (int, error) {
	return p.serf.Join(addrs, true)
}

// Shutdown leaves the gossip pool and releases serf's resources.
func (p *Provider) Shutdown() error {
	if err := p.serf.Leave(); err != nil {
		p.log.Warn("membership: leave failed", "error", err)
	}
	return p.serf.Shutdown()
}

// Peers implements collaborators.MembershipProvider: every gossip member
// currently reporting alive.
func (p *Provider) Peers(ctx context.Context) ([]string, error) {
	var peers []string
	for _, m := range p.serf.Members() {
		if m.Status == serf.StatusAlive {
			peers = append(peers, m.Name)
		}
	}
	return peers, nil
}

// HealthScore implements collaborators.MembershipProvider, mapping a
// member's gossip status onto [0,1].
func (p *Provider) HealthScore(ctx context.Context, nodeID string) (float64, error) {
	for _, m := range p.serf.Members() {
		if m.Name != nodeID {
			continue
		}
		switch m.Status {
		case serf.StatusAlive:
			return 1.0, nil
		case serf.StatusLeaving:
			return 0.5, nil
		default:
			return 0.0, nil
		}
	}
	return 0, fmt.Errorf("membership: unknown node %q: %w", nodeID, coreerrors.ErrInvalidInput)
}

// PartitionStatus implements collaborators.MembershipProvider: healthy
// when a consul leader is reachable and alive-peer count clears quorum,
// degraded when below quorum, partitioned when no leader can be reached at
// all. Without a consul client configured, falls back to alive-count alone.
func (p *Provider) PartitionStatus(ctx context.Context) (collaborators.PartitionStatus, error) {
	alive := 0
	for _, m := range p.serf.Members() {
		if m.Status == serf.StatusAlive {
			alive++
		}
	}

	if p.consul != nil {
		leader, err := p.consul.Status().Leader()
		if err != nil || leader == "" {
			return collaborators.PartitionPartitioned, nil
		}
	}

	if alive < p.quorumSize {
		return collaborators.PartitionDegraded, nil
	}
	return collaborators.PartitionHealthy, nil
}

// Snapshot returns the accumulated go-metrics intervals for serf's internal
// instrumentation, for an operator status endpoint to expose.
func (p *Provider) Snapshot() []metrics.IntervalMetrics {
	data := p.sink.Data()
	out := make([]metrics.IntervalMetrics, len(data))
	for i, d := range data {
		out[i] = *d
	}
	return out
}

func (p *Provider) logEvents() {
	for e := range p.eventCh {
		switch ev := e.(type) {
		case serf.MemberEvent:
			p.log.Info("membership: member event", "type", ev.Type.String(), "members", len(ev.Members))
		default:
			p.log.Debug("membership: event", "event", e.String())
		}
	}
}
