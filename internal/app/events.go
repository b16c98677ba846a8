package app

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

func attemptTopic(id string) string   { return "attempt:" + id }
func challengeTopic(id string) string { return "challenge:" + id }

// publish is best-effort: subscribers are a convenience, the store is the truth.
func publish(ctx context.Context, broker Broker, logger *zap.Logger, topic string, doc any) {
	if broker == nil {
		return
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		logger.Warn("marshal event", zap.String("topic", topic), zap.Error(err))
		return
	}
	if err := broker.Publish(ctx, topic, raw); err != nil {
		logger.Warn("publish event", zap.String("topic", topic), zap.Error(err))
	}
}

// subscribeTyped decodes raw broker payloads into T. The broker subscription is
// opened before load reads the snapshot, so no write between the two is lost;
// a write may be seen both in the snapshot and as the next update. The returned
// channel is closed once cancel is called or the broker closes the stream.
func subscribeTyped[T any](ctx context.Context, broker Broker, logger *zap.Logger, topic string, load func(context.Context) (T, error)) (<-chan T, func(), error) {
	raw, cancelRaw, err := broker.Subscribe(ctx, topic)
	if err != nil {
		return nil, nil, err
	}
	initial, err := load(ctx)
	if err != nil {
		cancelRaw()
		return nil, nil, err
	}

	out := make(chan T, 8)
	done := make(chan struct{})
	out <- initial

	go func() {
		defer close(out)
		for {
			select {
			case payload, ok := <-raw:
				if !ok {
					return
				}
				var doc T
				if err := json.Unmarshal(payload, &doc); err != nil {
					logger.Warn("decode event", zap.String("topic", topic), zap.Error(err))
					continue
				}
				select {
				case out <- doc:
				case <-done:
					return
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
			cancelRaw()
		})
	}
	return out, cancel, nil
}
