package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/infra/collaborators"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/algedonic"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/eventbus"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/hlc"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/ratelimit"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []*message.Message
	topics   []string
}

func (f *fakePublisher) Publish(topic string, messages ...*message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.messages = append(f.messages, messages...)
	return nil
}
func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fakeMembership struct {
	status collaborators.PartitionStatus
}

func (f *fakeMembership) Peers(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeMembership) HealthScore(ctx context.Context, nodeID string) (float64, error) {
	return 1.0, nil
}
func (f *fakeMembership) PartitionStatus(ctx context.Context) (collaborators.PartitionStatus, error) {
	return f.status, nil
}

func newCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func newTestBridge(t *testing.T, members collaborators.MembershipProvider) (*ClusterBridge, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(hlc.New("node-1"), nil)
	pain := algedonic.New(bus, nil)
	limiter := ratelimit.New(newCtx(t), ratelimit.DefaultOptions(), bus, pain, nil, nil, nil)
	opts := DefaultOptions()
	opts.NodeID = "node-1"
	opts.PartitionPollInterval = 20 * time.Millisecond
	b := New(newCtx(t), bus, pain, limiter, members, opts, nil)
	t.Cleanup(b.Stop)
	return b, bus
}

func TestReplicatesLocalEventToPeer(t *testing.T) {
	b, bus := newTestBridge(t, nil)
	pub := &fakePublisher{}
	b.AddPeer("node-2", pub)

	bus.Publish(event.TopicS1Operations, "tick", event.Metadata{})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && pub.count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if pub.count() == 0 {
		t.Fatal("expected the local event to be replicated to the peer")
	}
}

func TestFromClusterEventIsNeverReReplicated(t *testing.T) {
	b, bus := newTestBridge(t, nil)
	pub := &fakePublisher{}
	b.AddPeer("node-2", pub)

	bus.Publish(event.TopicS1Operations, "tick", event.Metadata{FromCluster: true})

	time.Sleep(100 * time.Millisecond)
	if pub.count() != 0 {
		t.Fatalf("expected no replication of a from-cluster event, got %d messages", pub.count())
	}
}

func TestHandleIncomingRepublishesLocallyTagged(t *testing.T) {
	b, bus := newTestBridge(t, nil)

	sub := bus.Subscribe(newCtx(t), event.TopicS2Coordination, "test-sub", eventbus.DefaultOptions())
	raw, err := encodeRecord("node-2", &event.Envelope{
		Topic: event.TopicS2Coordination,
		Data:  "coord",
		HLC:   hlc.Timestamp{Physical: 1, Logical: 0, NodeID: "node-2"},
	})
	if err != nil {
		t.Fatalf("encodeRecord: %v", err)
	}
	if err := b.HandleIncoming(raw); err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}

	select {
	case d := <-sub.Recv():
		if d.Single == nil || !d.Single.Metadata.FromCluster {
			t.Fatal("expected a FromCluster-tagged envelope")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for republished envelope")
	}
}

func TestPartitionedStatusHaltsReplication(t *testing.T) {
	members := &fakeMembership{status: collaborators.PartitionPartitioned}
	b, bus := newTestBridge(t, members)
	pub := &fakePublisher{}
	b.AddPeer("node-2", pub)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && b.PartitionStatus() != collaborators.PartitionPartitioned {
		time.Sleep(5 * time.Millisecond)
	}
	if b.PartitionStatus() != collaborators.PartitionPartitioned {
		t.Fatal("expected bridge to observe partitioned status")
	}

	bus.Publish(event.TopicS1Operations, "tick", event.Metadata{})
	time.Sleep(100 * time.Millisecond)
	if pub.count() != 0 {
		t.Fatalf("expected no replication while partitioned, got %d messages", pub.count())
	}
}
