package pubsub

import (
	"fmt"
	"sync"
)

// Broker fans session events out to interested collaborators (webhook
// notifier, recording emitter, redis publisher).
type Broker struct {
	topics map[string][]*Subscriber
	sync.RWMutex
}

func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string][]*Subscriber),
	}
}

// Publish delivers data to every subscriber of the topic. Publishing to a
// topic nobody ever subscribed to is an error so misrouted events are not
// dropped silently.
func (b *Broker) Publish(topic string, data any) error {
	b.RLock()
	subs, exists := b.topics[topic]
	b.RUnlock()

	if !exists {
		return fmt.Errorf("topic[%s] does not exist", topic)
	}

	for _, sub := range subs {
		sub.Signal(data)
	}
	return nil
}

func (b *Broker) Subscribe(topic string, s *Subscriber) {
	b.Lock()
	defer b.Unlock()
	{
		_, exists := b.topics[topic]
		if !exists {
			b.topics[topic] = make([]*Subscriber, 0)
		}

		b.topics[topic] = append(b.topics[topic], s)
	}
}

func (b *Broker) UnSubscribe(topic string, s *Subscriber) error {
	b.Lock()
	defer b.Unlock()
	{
		subs, exists := b.topics[topic]
		if !exists {
			return fmt.Errorf("topic[%s] does not exist", topic)
		}

		b.topics[topic] = removeFromSlice(subs, s)
		s.CloseChannel()
	}

	return nil
}

// =====================================================================================================================

func removeFromSlice[T comparable](s []T, d T) []T {
	for i := range s {
		if s[i] == d {
			s[i] = s[len(s)-1]
			return s[:len(s)-1]
		}
	}
	return s
}
