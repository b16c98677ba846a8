package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"quizduel-service/internal/domain"
)

// AttemptStore keeps attempts in Redis so every instance sees the same active slot.
//
//	attempt:{id}                          JSON document
//	attempt:active:{userID}               id of the attempt holding the slot
//	attempts:completed:{userID}:{scope}   ZSET of graded ids scored by completion time
type AttemptStore struct {
	client *redis.Client
}

func NewAttemptStore(client *redis.Client) *AttemptStore {
	return &AttemptStore{client: client}
}

func (s *AttemptStore) CreateActive(ctx context.Context, a domain.Attempt) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode attempt: %w", err)
	}
	slot := activeKey(a.UserID)
	return watch(ctx, s.client, func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, slot).Result()
		switch {
		case err == nil:
			current, err := loadJSON[domain.Attempt](ctx, tx, attemptKey(holder), domain.ErrAttemptNotFound)
			if err == nil && current.Active() {
				return domain.ErrActiveAttemptExists
			}
			if err != nil && !errors.Is(err, domain.ErrAttemptNotFound) {
				return err
			}
		case !errors.Is(err, redis.Nil):
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, attemptKey(a.ID), raw, 0)
			p.Set(ctx, slot, a.ID, 0)
			return nil
		})
		return err
	}, slot)
}

func (s *AttemptStore) Get(ctx context.Context, id string) (domain.Attempt, error) {
	return loadJSON[domain.Attempt](ctx, s.client, attemptKey(id), domain.ErrAttemptNotFound)
}

func (s *AttemptStore) Update(ctx context.Context, id string, fn func(*domain.Attempt) error) (domain.Attempt, error) {
	key := attemptKey(id)
	var result domain.Attempt
	err := watch(ctx, s.client, func(tx *redis.Tx) error {
		current, err := loadJSON[domain.Attempt](ctx, tx, key, domain.ErrAttemptNotFound)
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := fn(&next); err != nil {
			if errors.Is(err, domain.ErrSkipUpdate) {
				result = current
				return nil
			}
			return err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode attempt: %w", err)
		}

		slot := activeKey(next.UserID)
		release := false
		if !next.Active() {
			if err := tx.Watch(ctx, slot).Err(); err != nil {
				return err
			}
			holder, err := tx.Get(ctx, slot).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			release = holder == id
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, raw, 0)
			if release {
				p.Del(ctx, slot)
			}
			completed := completedKey(next.UserID, next.Scope)
			if next.Graded() {
				p.ZAdd(ctx, completed, redis.Z{Score: float64(next.CompletedAt.UnixNano()), Member: id})
			} else {
				p.ZRem(ctx, completed, id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}, key)
	if err != nil {
		return domain.Attempt{}, err
	}
	return result, nil
}

func (s *AttemptStore) FindActive(ctx context.Context, userID string) (domain.Attempt, bool, error) {
	slot := activeKey(userID)
	holder, err := s.client.Get(ctx, slot).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Attempt{}, false, nil
	}
	if err != nil {
		return domain.Attempt{}, false, err
	}
	a, err := s.Get(ctx, holder)
	if err == nil && a.Active() {
		return a, true, nil
	}
	if err != nil && !errors.Is(err, domain.ErrAttemptNotFound) {
		return domain.Attempt{}, false, err
	}
	// Stale slot: clear it unless a new claim just replaced it.
	if err := releaseScript.Run(ctx, s.client, []string{slot}, holder).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return domain.Attempt{}, false, err
	}
	return domain.Attempt{}, false, nil
}

func (s *AttemptStore) ListCompleted(ctx context.Context, userID string, scope domain.Scope) ([]domain.Attempt, error) {
	ids, err := s.client.ZRevRange(ctx, completedKey(userID, scope), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = attemptKey(id)
	}
	docs, err := loadMany[domain.Attempt](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, a := range docs {
		if a.Graded() {
			out = append(out, a)
		}
	}
	return out, nil
}

// releaseScript deletes the slot only while it still names the given attempt.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func attemptKey(id string) string { return "attempt:" + id }

func activeKey(userID string) string { return "attempt:active:" + userID }

func completedKey(userID string, scope domain.Scope) string {
	return "attempts:completed:" + userID + ":" + scope.Key()
}
