package redis

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Broker fans document changes out across instances over Redis Pub/Sub.
type Broker struct {
	client *redis.Client
	prefix string
}

func NewBroker(client *redis.Client) *Broker {
	return &Broker{client: client, prefix: "events:"}
}

func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, b.prefix+topic, payload).Err()
}

// Subscribe returns once the subscription is confirmed, so nothing published
// afterwards is missed.
func (b *Broker) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	ps := b.client.Subscribe(ctx, b.prefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 8)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				payload := []byte(msg.Payload)
				select {
				case out <- payload:
				default:
					// Slow reader: replace the oldest snapshot with the newest.
					select {
					case <-out:
					default:
					}
					select {
					case out <- payload:
					default:
					}
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}
