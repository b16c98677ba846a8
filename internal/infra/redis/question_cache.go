package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"quizduel-service/internal/domain"
	"quizduel-service/internal/pool"
)

// QuestionCache caches a slower question bank (e.g. Postgres) in Redis and
// falls back to it on a miss.
//
//	questions:scope:{scopeKey}   JSON list of the scope's bank, TTL with jitter
//	question:{id}                JSON question, TTL with jitter
type QuestionCache struct {
	client  *redis.Client
	backing pool.QuestionStore
	ttl     time.Duration
	sf      singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewQuestionCache(client *redis.Client, backing pool.QuestionStore, ttl time.Duration) *QuestionCache {
	return &QuestionCache{
		client:  client,
		backing: backing,
		ttl:     ttl,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *QuestionCache) ListByScope(ctx context.Context, scope domain.Scope) ([]domain.Question, error) {
	key := scopeKey(scope)
	if cached, err := loadJSON[[]domain.Question](ctx, c.client, key, redis.Nil); err == nil {
		return cached, nil
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Re-check in case another caller filled it.
		if cached, err := loadJSON[[]domain.Question](ctx, c.client, key, redis.Nil); err == nil {
			return cached, nil
		}
		questions, err := c.backing.ListByScope(ctx, scope)
		if err != nil {
			return nil, err
		}
		c.fill(ctx, key, questions)
		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

func (c *QuestionCache) GetMany(ctx context.Context, ids []string) ([]domain.Question, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = questionKey(id)
	}
	cached, err := loadMany[domain.Question](ctx, c.client, keys)
	if err == nil && len(cached) == len(ids) {
		if ordered, ok := inOrder(cached, ids); ok {
			return ordered, nil
		}
	}

	questions, err := c.backing.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	ttl := c.ttlWithJitter()
	pipe := c.client.Pipeline()
	for _, q := range questions {
		if raw, err := json.Marshal(q); err == nil {
			pipe.Set(ctx, questionKey(q.ID), raw, ttl)
		}
	}
	_, _ = pipe.Exec(ctx)
	return questions, nil
}

// PutMany writes through to the bank and drops the cached listings it touches.
func (c *QuestionCache) PutMany(ctx context.Context, questions []domain.Question) (int, error) {
	added, err := c.backing.PutMany(ctx, questions)
	seen := make(map[string]struct{})
	var stale []string
	for _, q := range questions {
		key := scopeKey(q.Scope)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		stale = append(stale, key)
	}
	if len(stale) > 0 {
		if delErr := c.client.Del(ctx, stale...).Err(); delErr != nil {
			err = errors.Join(err, fmt.Errorf("invalidate question cache: %w", delErr))
		}
	}
	return added, err
}

func (c *QuestionCache) fill(ctx context.Context, key string, questions []domain.Question) {
	raw, err := json.Marshal(questions)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, key, raw, c.ttlWithJitter()).Err()
}

func (c *QuestionCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

func inOrder(questions []domain.Question, ids []string) ([]domain.Question, bool) {
	byID := make(map[string]domain.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	out := make([]domain.Question, 0, len(ids))
	for _, id := range ids {
		q, ok := byID[id]
		if !ok {
			return nil, false
		}
		out = append(out, q)
	}
	return out, true
}

func scopeKey(scope domain.Scope) string { return "questions:scope:" + scope.Key() }

func questionKey(id string) string { return "question:" + id }
