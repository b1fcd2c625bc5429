package ordereddelivery

import (
	"testing"
	"time"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/hlc"
)

func ts(physical int64, logical uint32) hlc.Timestamp {
	return hlc.Timestamp{Physical: physical, Logical: logical, NodeID: "n1"}
}

func envelope(topic event.Topic, id string, t hlc.Timestamp, meta event.Metadata) *event.Envelope {
	e := event.NewEnvelope(topic, id, t, meta)
	e.ID = id // force a stable, caller-chosen ID for dedup/order assertions
	return e
}

func drain(t *testing.T, out chan Delivery, timeout time.Duration) []Delivery {
	t.Helper()
	var got []Delivery
	deadline := time.After(timeout)
	for {
		select {
		case d := <-out:
			got = append(got, d)
		case <-deadline:
			return got
		}
	}
}

func TestOrderedDeliveryShuffledInput(t *testing.T) {
	out := make(chan Delivery, 8)
	opts := DefaultOptions()
	opts.WindowMS = 50
	opts.AdaptiveWindow = false
	// Wall clock at the events' own HLC time, so none counts as a late arrival.
	opts.nowWall = func() time.Time { return time.UnixMilli(100) }
	inst := New("s1_operations", "sub-1", opts, nil, out)
	defer inst.Stop()

	e1 := envelope(event.TopicS1Operations, "e1", ts(100, 0), event.Metadata{})
	e2 := envelope(event.TopicS1Operations, "e2", ts(200, 0), event.Metadata{})
	e3 := envelope(event.TopicS1Operations, "e3", ts(300, 0), event.Metadata{})

	inst.Admit(e3)
	inst.Admit(e1)
	inst.Admit(e2)

	deliveries := drain(t, out, 200*time.Millisecond)
	if len(deliveries) != 1 || deliveries[0].Batch == nil {
		t.Fatalf("expected a single batch delivery, got %#v", deliveries)
	}
	batch := deliveries[0].Batch
	if len(batch) != 3 {
		t.Fatalf("expected 3 events in batch, got %d", len(batch))
	}
	if batch[0].ID != "e1" || batch[1].ID != "e2" || batch[2].ID != "e3" {
		t.Fatalf("expected ascending HLC order e1,e2,e3, got %s,%s,%s", batch[0].ID, batch[1].ID, batch[2].ID)
	}
}

func TestOrderedDeliveryDedup(t *testing.T) {
	out := make(chan Delivery, 8)
	opts := DefaultOptions()
	opts.WindowMS = 30
	inst := New("topic", "sub-1", opts, nil, out)
	defer inst.Stop()

	e := envelope(event.TopicS1Operations, "dup", ts(100, 0), event.Metadata{})
	inst.Admit(e)
	inst.Admit(e)
	inst.Admit(e)

	deliveries := drain(t, out, 150*time.Millisecond)
	total := 0
	for _, d := range deliveries {
		if d.Single != nil {
			total++
		}
		if d.Batch != nil {
			total += len(d.Batch)
		}
	}
	if total != 1 {
		t.Fatalf("expected exactly one delivery for duplicate IDs, got %d", total)
	}
}

func TestOrderedDeliveryBypassPriority(t *testing.T) {
	out := make(chan Delivery, 8)
	opts := DefaultOptions()
	opts.WindowMS = 100
	// Wall clock at the events' own HLC time, so none counts as a late arrival.
	opts.nowWall = func() time.Time { return time.UnixMilli(1000) }
	inst := New("topic", "sub-1", opts, nil, out)
	defer inst.Stop()

	normal := envelope(event.TopicS1Operations, "normal", ts(1000, 0), event.Metadata{})
	bypass := envelope(event.TopicAlgedonicPain, "bypass", ts(1010, 0), event.Metadata{
		Algedonic: true,
		Intensity: 0.99,
	})

	inst.Admit(normal)
	inst.Admit(bypass)

	first := <-out
	if first.Single == nil || first.Single.ID != "bypass" {
		t.Fatalf("expected bypass event delivered first, got %#v", first)
	}
}

func TestOrderedDeliveryForcedFlushOnOverflow(t *testing.T) {
	out := make(chan Delivery, 8)
	opts := DefaultOptions()
	opts.WindowMS = 10_000 // long window so only overflow triggers flush
	opts.MaxBufferSize = 4
	opts.AdaptiveWindow = false
	// Wall clock at the events' own HLC time, so none counts as a late arrival.
	opts.nowWall = func() time.Time { return time.UnixMilli(1000) }
	inst := New("topic", "sub-1", opts, nil, out)
	defer inst.Stop()

	base := int64(1000)
	for i := 0; i < 4; i++ {
		inst.Admit(envelope(event.TopicS1Operations, string(rune('a'+i)), ts(base+int64(i), 0), event.Metadata{}))
	}

	select {
	case d := <-out:
		if d.Batch == nil || len(d.Batch) == 0 {
			t.Fatalf("expected a forced partial flush batch, got %#v", d)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected forced flush on overflow, got nothing")
	}
}
