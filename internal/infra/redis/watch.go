package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"quizduel-service/internal/domain"
)

const maxWatchRetries = 16

// watch runs fn as an optimistic transaction over keys, retrying when another
// client touches a watched key between the read and EXEC.
func watch(ctx context.Context, client *redis.Client, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %d optimistic retries exhausted", domain.ErrConflict, maxWatchRetries)
}

// loadJSON reads one JSON document. A missing key returns notFound.
func loadJSON[T any](ctx context.Context, c redis.Cmdable, key string, notFound error) (T, error) {
	var doc T
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return doc, notFound
	}
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("decode %s: %w", key, err)
	}
	return doc, nil
}

// loadMany reads documents for keys with MGET, silently skipping missing ones.
func loadMany[T any](ctx context.Context, c redis.Cmdable, keys []string) ([]T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var doc T
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}
		out = append(out, doc)
	}
	return out, nil
}
