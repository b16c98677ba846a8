package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quizduel-service/internal/domain"
	"quizduel-service/internal/pool"
)

// QuestionStore is an in-memory question bank keyed by question id.
type QuestionStore struct {
	mu        sync.RWMutex
	questions map[string]domain.Question
	order     []string
}

func NewQuestionStore(seed ...domain.Question) *QuestionStore {
	s := &QuestionStore{questions: make(map[string]domain.Question)}
	_, _ = s.PutMany(context.Background(), seed)
	return s
}

func (s *QuestionStore) ListByScope(_ context.Context, scope domain.Scope) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := scope.Key()
	var out []domain.Question
	for _, id := range s.order {
		if q := s.questions[id]; q.Scope.Key() == key {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *QuestionStore) GetMany(_ context.Context, ids []string) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Question, 0, len(ids))
	for _, id := range ids {
		q, ok := s.questions[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrQuestionNotFound, id)
		}
		out = append(out, q)
	}
	return out, nil
}

// PutMany never replaces an existing question.
func (s *QuestionStore) PutMany(_ context.Context, questions []domain.Question) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, q := range questions {
		if _, ok := s.questions[q.ID]; ok {
			continue
		}
		s.questions[q.ID] = q
		s.order = append(s.order, q.ID)
		added++
	}
	return added, nil
}

// CachedQuestionStore caches scope listings with TTL in front of a slower bank
// (e.g. Postgres). Writes through it invalidate the scope they touch.
type CachedQuestionStore struct {
	backing pool.QuestionStore
	ttl     time.Duration
	clock   func() time.Time
	sf      singleflight.Group
	rnd     *rand.Rand
	rndMu   sync.Mutex

	mu    sync.RWMutex
	cache map[string]cachedScope
}

type cachedScope struct {
	questions []domain.Question
	expiresAt time.Time
}

func NewCachedQuestionStore(backing pool.QuestionStore, ttl time.Duration) *CachedQuestionStore {
	return &CachedQuestionStore{
		backing: backing,
		ttl:     ttl,
		clock:   time.Now,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:   make(map[string]cachedScope),
	}
}

func (c *CachedQuestionStore) ListByScope(ctx context.Context, scope domain.Scope) ([]domain.Question, error) {
	key := scope.Key()
	now := c.clock()

	c.mu.RLock()
	if entry, ok := c.cache[key]; ok && entry.expiresAt.After(now) {
		c.mu.RUnlock()
		return entry.questions, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		now := c.clock()
		c.mu.RLock()
		if entry, ok := c.cache[key]; ok && entry.expiresAt.After(now) {
			c.mu.RUnlock()
			return entry.questions, nil
		}
		c.mu.RUnlock()

		questions, err := c.backing.ListByScope(ctx, scope)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.cache[key] = cachedScope{
			questions: questions,
			expiresAt: now.Add(c.ttlWithJitter()),
		}
		c.mu.Unlock()
		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

func (c *CachedQuestionStore) GetMany(ctx context.Context, ids []string) ([]domain.Question, error) {
	return c.backing.GetMany(ctx, ids)
}

func (c *CachedQuestionStore) PutMany(ctx context.Context, questions []domain.Question) (int, error) {
	added, err := c.backing.PutMany(ctx, questions)
	scopes := make(map[string]struct{})
	for _, q := range questions {
		scopes[q.Scope.Key()] = struct{}{}
	}
	c.mu.Lock()
	for key := range scopes {
		delete(c.cache, key)
	}
	c.mu.Unlock()
	return added, err
}

func (c *CachedQuestionStore) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

