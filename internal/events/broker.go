// Package events fans order mutations out to in-process subscribers and
// off-process sinks.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/tablepay/internal/orders"
)

// TypeOrderUpdated is the only event type emitted today.
const TypeOrderUpdated = "order.updated"

// Event carries a full order snapshot. Subscribers order events by
// Order.Version and ignore anything older than what they have applied.
type Event struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Order      orders.View `json:"order"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// Topic selects the events a subscriber receives.
type Topic struct {
	Kind string
	ID   string
}

// ForOrder is the customer tracking topic.
func ForOrder(orderID string) Topic { return Topic{Kind: "order", ID: orderID} }

// ForEstablishment is the dashboard topic.
func ForEstablishment(establishmentID string) Topic {
	return Topic{Kind: "establishment", ID: establishmentID}
}

// Publisher publishes an order snapshot.
type Publisher interface {
	Publish(ctx context.Context, o orders.Order) error
}

// Sink receives every event published on the broker.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

const defaultBuffer = 16

// Broker is an in-memory pub/sub keyed by Topic.
type Broker struct {
	mu      sync.RWMutex
	subs    map[Topic]map[*Subscription]struct{}
	sinks   []Sink
	buffer  int
	logger  *zap.Logger
	nowFunc func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithBuffer sets the per-subscription buffer size.
func WithBuffer(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithSink adds an off-process sink.
func WithSink(s Sink) Option {
	return func(b *Broker) { b.sinks = append(b.sinks, s) }
}

// NewBroker creates a Broker.
func NewBroker(logger *zap.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{
		subs:    map[Topic]map[*Subscription]struct{}{},
		buffer:  defaultBuffer,
		logger:  logger,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish emits one event for the order to its order and establishment
// topics and to every sink. Sink failures are returned joined; local
// subscribers are always served.
func (b *Broker) Publish(ctx context.Context, o orders.Order) error {
	ev := Event{
		ID:         uuid.NewString(),
		Type:       TypeOrderUpdated,
		Order:      o.View(),
		OccurredAt: b.nowFunc().UTC(),
	}

	b.mu.RLock()
	var targets []*Subscription
	for _, topic := range []Topic{ForOrder(o.ID), ForEstablishment(o.EstablishmentID)} {
		for s := range b.subs[topic] {
			targets = append(targets, s)
		}
	}
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range targets {
		if s.deliver(ev) {
			b.logger.Debug("subscriber lagging, dropped oldest event",
				zap.String("topic", s.topic.Kind+":"+s.topic.ID),
				zap.String("order_id", o.ID))
		}
	}

	var errs []error
	for _, sink := range sinks {
		if err := sink.Deliver(ctx, ev); err != nil {
			b.logger.Error("event sink delivery failed",
				zap.String("order_id", o.ID),
				zap.String("event_id", ev.ID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers a subscriber. The caller must Close it.
func (b *Broker) Subscribe(topic Topic) *Subscription {
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, ch: ch, broker: b, topic: topic}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[*Subscription]struct{}{}
	}
	b.subs[topic][s] = struct{}{}
	return s
}

// Close closes every open subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	var all []*Subscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = map[Topic]map[*Subscription]struct{}{}
	b.mu.Unlock()

	for _, s := range all {
		s.shut()
	}
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[s.topic]
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.topic)
	}
}

// Subscription is a stream of events for one Topic. C is closed by Close.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	broker *Broker
	topic  Topic

	mu     sync.Mutex
	closed bool
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.broker.remove(s)
	s.shut()
}

func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// deliver never blocks: a full buffer drops its oldest event, which a
// newer snapshot supersedes. It reports whether an event was dropped.
func (s *Subscription) deliver(ev Event) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- ev:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
		default:
		}
	}
}
