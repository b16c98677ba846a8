package memory

import (
	"context"
	"sync"
)

// Broker is an in-process implementation of app.Broker.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[chan []byte]struct{}
}

func NewBroker() *Broker {
	return &Broker{topics: make(map[string]map[chan []byte]struct{})}
}

func (b *Broker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.topics[topic] {
		select {
		case ch <- payload:
		default:
			// Drop the stale snapshot so a slow subscriber never blocks writers.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- payload:
			default:
			}
		}
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, topic string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 8)

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[chan []byte]struct{})
		b.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	return ch, cancel, nil
}

// Subscribers reports how many live subscriptions a topic has.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
