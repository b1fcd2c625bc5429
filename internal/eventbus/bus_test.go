package eventbus

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/hlc"
)

func TestPublishSingleSubscriberImmediate(t *testing.T) {
	bus := New(hlc.New("node-1"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := DefaultOptions()
	sub := bus.Subscribe(ctx, event.TopicS1Operations, "worker-1", opts)

	bus.Publish(event.TopicS1Operations, map[string]any{"n": 1}, event.Metadata{})

	select {
	case d := <-sub.Recv():
		if d.Single == nil {
			t.Fatal("expected a single delivery")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(hlc.New("node-1"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := DefaultOptions()
	sub := bus.Subscribe(ctx, event.TopicS1Operations, "worker-1", opts)
	bus.Unsubscribe(event.TopicS1Operations, "worker-1")

	select {
	case <-sub.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected subscription to be done after unsubscribe")
	}

	bus.Publish(event.TopicS1Operations, "data", event.Metadata{})

	select {
	case <-sub.Recv():
		t.Fatal("expected no delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriberContextCancelAutoUnsubscribes(t *testing.T) {
	bus := New(hlc.New("node-1"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	bus.Subscribe(ctx, event.TopicS1Operations, "worker-1", DefaultOptions())
	cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(bus.Subscriptions()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected subscription to be removed after context cancellation")
}

// TestConcurrentPublishAndUnsubscribeNeverPanics drives Publish and
// subscriber-context cancellation concurrently against the same topic:
// regression for the send-on-closed-channel panic that closing the
// mailbox from Unsubscribe used to cause.
func TestConcurrentPublishAndUnsubscribeNeverPanics(t *testing.T) {
	bus := New(hlc.New("node-1"), nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		opts := DefaultOptions()
		opts.MailboxSize = 4
		sub := bus.Subscribe(ctx, event.TopicS1Operations, "worker-"+strconv.Itoa(i), opts)

		wg.Add(2)
		go func() {
			defer wg.Done()
			cancel()
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				bus.Publish(event.TopicS1Operations, j, event.Metadata{})
			}
		}()
		go func(sub *Subscription) {
			for {
				select {
				case <-sub.Done():
					return
				case <-sub.Recv():
				}
			}
		}(sub)
	}
	wg.Wait()
}

func TestOrderedSubscriptionBatchesByHLC(t *testing.T) {
	bus := New(hlc.New("node-1"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := DefaultOptions()
	opts.Ordered = true
	opts.WindowMS = 50
	opts.AdaptiveWindow = false
	sub := bus.Subscribe(ctx, event.TopicS1Operations, "worker-1", opts)

	bus.Publish(event.TopicS1Operations, "a", event.Metadata{})
	bus.Publish(event.TopicS1Operations, "b", event.Metadata{})

	select {
	case d := <-sub.Recv():
		if d.Batch == nil {
			t.Fatalf("expected a batch delivery for ordered subscription, got %#v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ordered batch")
	}
}
