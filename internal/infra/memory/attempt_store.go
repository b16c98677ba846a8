package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"quizduel-service/internal/domain"
)

// AttemptStore is an in-memory implementation of app.AttemptStore. The active
// slot claim and every update run under one lock, so the single-active-attempt
// check is atomic here.
type AttemptStore struct {
	mu       sync.RWMutex
	attempts map[string]domain.Attempt
	active   map[string]string // userID -> attemptID
}

func NewAttemptStore() *AttemptStore {
	return &AttemptStore{
		attempts: make(map[string]domain.Attempt),
		active:   make(map[string]string),
	}
}

func (s *AttemptStore) CreateActive(_ context.Context, a domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.active[a.UserID]; ok {
		if current, exists := s.attempts[holder]; exists && current.Active() {
			return domain.ErrActiveAttemptExists
		}
	}
	s.attempts[a.ID] = a.Clone()
	s.active[a.UserID] = a.ID
	return nil
}

func (s *AttemptStore) Get(_ context.Context, id string) (domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[id]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return a.Clone(), nil
}

func (s *AttemptStore) Update(_ context.Context, id string, fn func(*domain.Attempt) error) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.attempts[id]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, domain.ErrSkipUpdate) {
			return current.Clone(), nil
		}
		return domain.Attempt{}, err
	}
	s.attempts[id] = next.Clone()
	if !next.Active() && s.active[next.UserID] == id {
		delete(s.active, next.UserID)
	}
	return next, nil
}

func (s *AttemptStore) FindActive(_ context.Context, userID string) (domain.Attempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[userID]
	if !ok {
		return domain.Attempt{}, false, nil
	}
	a, exists := s.attempts[id]
	if !exists || !a.Active() {
		delete(s.active, userID)
		return domain.Attempt{}, false, nil
	}
	return a.Clone(), true, nil
}

func (s *AttemptStore) ListCompleted(_ context.Context, userID string, scope domain.Scope) ([]domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := scope.Key()
	var out []domain.Attempt
	for _, a := range s.attempts {
		if a.UserID == userID && a.Scope.Key() == key && a.Graded() {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedAt.After(*out[j].CompletedAt)
	})
	return out, nil
}

// CountActive reports how many unfinished attempts a user has; used to check
// the single-active-attempt invariant.
func (s *AttemptStore) CountActive(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.attempts {
		if a.UserID == userID && a.Active() {
			n++
		}
	}
	return n
}
