package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"whale-swarm/internal/logging"
	"whale-swarm/internal/metrics"
)

var (
	// ErrNotAuthorized indicates the sender role may not publish this type.
	ErrNotAuthorized = errors.New("bus: sender not authorized for message type")
	// ErrSubscriptionClosed indicates delivery to a closed subscription.
	ErrSubscriptionClosed = errors.New("bus: subscription closed")
)

const defaultQueueCapacity = 256

// Options tune bus behaviour.
type Options struct {
	// Capabilities is the publish/subscribe allow-list. Nil disables checks.
	Capabilities CapabilityTable
	// QueueCapacity bounds each subscriber queue. Overflow drops the oldest
	// unconsumed message, so a stalled consumer can never wedge a publisher.
	QueueCapacity int
	// BrokerURL names an external websocket relay. Empty or unreachable
	// degrades to in-process dispatch with identical ordering.
	BrokerURL string
}

// Bus is the broadcast message bus all agents communicate over. Publish is
// non-blocking; each subscriber owns a bounded FIFO queue and receives every
// message published to its channel after the subscription was created.
type Bus struct {
	opts   Options
	logger zerolog.Logger

	mu   sync.RWMutex
	subs map[string][]*Subscription

	relay *relay
}

// New constructs a bus. If opts.BrokerURL is set the relay starts on Run.
func New(opts Options, logger zerolog.Logger) *Bus {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	b := &Bus{
		opts:   opts,
		logger: logging.Component(logger, "bus"),
		subs:   make(map[string][]*Subscription),
	}
	if opts.BrokerURL != "" {
		b.relay = newRelay(opts.BrokerURL, b.dispatchRemote, b.logger)
	}
	return b
}

// Run keeps the relay connection alive until ctx is done. It returns
// immediately when no broker is configured.
func (b *Bus) Run(ctx context.Context) error {
	if b.relay == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return b.relay.run(ctx)
}

// Capabilities exposes the active allow-list.
func (b *Bus) Capabilities() CapabilityTable {
	return b.opts.Capabilities
}

// Publish appends msg to channel and returns without waiting on consumers.
func (b *Bus) Publish(_ context.Context, channel string, msg Message) error {
	if !b.opts.Capabilities.CanPublish(msg.Sender, msg.Type) {
		b.logger.Warn().
			Str("sender", msg.Sender).
			Str("type", string(msg.Type)).
			Msg("publish rejected by capability table")
		return ErrNotAuthorized
	}

	metrics.BusPublishedTotal.WithLabelValues(channel, string(msg.Type)).Inc()
	b.dispatch(channel, msg)

	// Best effort: remote processes see the message when the relay is up;
	// local delivery already happened either way.
	if b.relay != nil {
		b.relay.forward(channel, msg)
	}
	return nil
}

// dispatchRemote delivers a frame received from the broker. Remote senders
// pass the same capability check local publishers do, so a peer cannot
// inject message types its role may not publish.
func (b *Bus) dispatchRemote(channel string, msg Message) {
	if !b.opts.Capabilities.CanPublish(msg.Sender, msg.Type) {
		b.logger.Warn().
			Str("channel", channel).
			Str("sender", msg.Sender).
			Str("type", string(msg.Type)).
			Msg("relay frame rejected by capability table")
		return
	}
	b.dispatch(channel, msg)
}

// dispatch fans msg out to every local subscriber of channel.
func (b *Bus) dispatch(channel string, msg Message) {
	b.mu.RLock()
	subs := b.subs[channel]
	b.mu.RUnlock()

	for _, sub := range subs {
		if dropped := sub.deliver(msg); dropped {
			metrics.BusDroppedTotal.WithLabelValues(channel, sub.name).Inc()
			b.logger.Warn().
				Str("channel", channel).
				Str("subscriber", sub.name).
				Str("type", string(msg.Type)).
				Msg("subscriber queue full, dropped oldest message")
		}
	}
}

// Subscribe attaches a named subscriber to channel.
func (b *Bus) Subscribe(channel, subscriber string) (*Subscription, error) {
	if !b.opts.Capabilities.CanSubscribe(subscriber, channel) {
		return nil, ErrNotAuthorized
	}

	sub := &Subscription{
		channel: channel,
		name:    subscriber,
		ch:      make(chan Message, b.opts.QueueCapacity),
	}

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	return sub, nil
}

// Unsubscribe detaches sub and closes its queue.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	subs := b.subs[sub.channel]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Subscription is a bounded inbound queue for one subscriber on one channel.
type Subscription struct {
	channel string
	name    string
	ch      chan Message

	mu     sync.Mutex
	closed bool
}

// C returns the receive channel. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// deliver enqueues msg, evicting the oldest queued message on overflow.
// Returns true when an eviction happened.
func (s *Subscription) deliver(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.ch <- msg:
		return false
	default:
	}

	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- msg:
	default:
	}
	return true
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
