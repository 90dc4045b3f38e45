package bus

import (
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
)

// Subscription receives messages published for a subscribed topic.
type Subscription chan any

// MessageBus defines publish/subscribe operations used across runtime components.
type MessageBus interface {
	Publish(topic string, msg any)
	Subscribe(topic string) Subscription
	Unsubscribe(ch Subscription, topics ...string)
	Close()
}

// subscriberBuffer bounds each subscriber's channel; a slow subscriber loses
// messages rather than stalling the publisher.
const subscriberBuffer = 128

type subscriber struct {
	id      int64
	ch      Subscription
	dropped atomic.Uint64
}

// PubSubBus is a bounded, in-process topic bus: Publish fans a message out
// to every current subscriber of that topic over a buffered channel,
// dropping (never blocking) when a subscriber's buffer is full.
type PubSubBus struct {
	mu     sync.Mutex
	subs   map[string]map[int64]*subscriber
	nextID int64
	logger *slog.Logger

	published atomic.Uint64
	dropped   atomic.Uint64
}

func New(logger *slog.Logger) *PubSubBus {
	if logger == nil {
		logger = slog.Default()
	}

	return &PubSubBus{subs: make(map[string]map[int64]*subscriber), logger: logger}
}

func (b *PubSubBus) Publish(topic string, msg any) {
	b.logger.Debug("publish", "topic", topic, "payload_type", payloadType(msg))

	b.mu.Lock()
	topicSubs := b.subs[topic]
	subs := make([]*subscriber, 0, len(topicSubs))
	for _, s := range topicSubs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	b.published.Add(1)
	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
			b.logger.Warn("dropped message: subscriber buffer full", "topic", topic)
		}
	}
}

func (b *PubSubBus) Subscribe(topic string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(Subscription, subscriberBuffer)}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int64]*subscriber)
	}
	b.subs[topic][sub.id] = sub
	b.logger.Debug("subscribe", "topic", topic)

	return sub.ch
}

// Unsubscribe removes ch from topics, or from every topic it is registered
// under when topics is empty, closing it exactly once.
func (b *PubSubBus) Unsubscribe(ch Subscription, topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, topicSubs := range b.subs {
		if len(topics) > 0 && !containsTopic(topics, topic) {
			continue
		}
		for id, s := range topicSubs {
			if s.ch == ch {
				delete(topicSubs, id)
				close(s.ch)
			}
		}
	}
	b.logger.Debug("unsubscribe", "topics", topics)
}

func containsTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}

	return false
}

func (b *PubSubBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, topicSubs := range b.subs {
		for _, s := range topicSubs {
			close(s.ch)
		}
	}
	b.subs = make(map[string]map[int64]*subscriber)
}

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}

	return reflect.TypeOf(v).String()
}
