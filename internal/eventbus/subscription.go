package eventbus

import (
	"context"

	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/domain/event"
	"github.com/jmanhype/autonomous-opponent-v2-sub013/internal/ordereddelivery"
)

// Options configures a single subscription, per spec.md §3's Subscription
// record: {topic, subscriber, options}.
type Options struct {
	// Ordered requests HLC-ordered delivery via an OrderedDelivery instance.
	// Without it, delivery is immediate and preserves only single-publisher
	// order.
	Ordered bool

	WindowMS       int64
	Batch          bool
	AdaptiveWindow bool
	MinWindowMS    int64
	MaxWindowMS    int64

	// MailboxSize bounds the subscriber's delivery channel. Full mailboxes
	// never block Publish — the event is dropped and recorded in telemetry.
	MailboxSize int
}

// DefaultOptions returns the bus's documented defaults, mirroring
// ordereddelivery.DefaultOptions for the window/batch knobs.
func DefaultOptions() Options {
	d := ordereddelivery.DefaultOptions()
	return Options{
		Ordered:        false,
		WindowMS:       d.WindowMS,
		Batch:          d.Batch,
		AdaptiveWindow: d.AdaptiveWindow,
		MinWindowMS:    d.MinWindowMS,
		MaxWindowMS:    d.MaxWindowMS,
		MailboxSize:    256,
	}
}

func (o Options) toDeliveryOptions() ordereddelivery.Options {
	d := ordereddelivery.DefaultOptions()
	d.WindowMS = o.WindowMS
	d.Batch = o.Batch
	d.AdaptiveWindow = o.AdaptiveWindow
	d.MinWindowMS = o.MinWindowMS
	d.MaxWindowMS = o.MaxWindowMS
	return d
}

// Subscription is the handle returned by Subscribe. It is owned by the
// subscriber's own lifecycle: canceling its context removes it (and its
// OrderedDelivery instance, if any) from the bus, matching spec.md §3's
// "subscriptions are owned by the subscriber's lifecycle" invariant.
type Subscription struct {
	id      string
	topic   event.Topic
	opts    Options
	mailbox chan ordereddelivery.Delivery
	ctx     context.Context
	cancel  context.CancelFunc
}

// ID returns the subscriber identifier this subscription was registered under.
func (s *Subscription) ID() string { return s.id }

// Topic returns the topic this subscription is bound to.
func (s *Subscription) Topic() event.Topic { return s.topic }

// Recv returns the channel on which deliveries arrive: either a Single
// envelope (immediate or ordered-unbatched) or a Batch (ordered, batched).
// The mailbox is never closed by the bus (a publisher may still be
// sending to it concurrently with Unsubscribe); consumers must select on
// Done alongside Recv and stop reading once Done fires, rather than
// ranging over Recv waiting for it to close.
func (s *Subscription) Recv() <-chan ordereddelivery.Delivery { return s.mailbox }

// Done reports when this subscription has been torn down, either because
// the caller canceled the context it was created with or because the bus
// called Unsubscribe directly. Consumers select on Done to know when to
// stop reading from Recv.
func (s *Subscription) Done() <-chan struct{} { return s.ctx.Done() }

// Close unsubscribes, equivalent to calling Bus.Unsubscribe with this
// subscription's topic and ID.
func (s *Subscription) Close() { s.cancel() }
