package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"quizduel-service/internal/domain"
)

// ChallengeStore is an in-memory implementation of app.ChallengeStore.
type ChallengeStore struct {
	mu         sync.RWMutex
	challenges map[string]domain.Challenge
}

func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{challenges: make(map[string]domain.Challenge)}
}

func (s *ChallengeStore) Create(_ context.Context, c domain.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[c.ID]; ok {
		return fmt.Errorf("%w: challenge %s exists", domain.ErrConflict, c.ID)
	}
	c.Version = 1
	s.challenges[c.ID] = c.Clone()
	return nil
}

func (s *ChallengeStore) Get(_ context.Context, id string) (domain.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challenges[id]
	if !ok {
		return domain.Challenge{}, domain.ErrChallengeNotFound
	}
	return c.Clone(), nil
}

func (s *ChallengeStore) Update(_ context.Context, id string, fn func(*domain.Challenge) error) (domain.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.challenges[id]
	if !ok {
		return domain.Challenge{}, domain.ErrChallengeNotFound
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, domain.ErrSkipUpdate) {
			return current.Clone(), nil
		}
		return domain.Challenge{}, err
	}
	next.Version = current.Version + 1
	s.challenges[id] = next.Clone()
	return next, nil
}

func (s *ChallengeStore) ListOpen(_ context.Context) ([]domain.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Challenge
	for _, c := range s.challenges {
		if !c.Status.Terminal() || c.NeedsSettlement() {
			out = append(out, c.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *ChallengeStore) ListByUser(_ context.Context, userID string) ([]domain.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Challenge
	for _, c := range s.challenges {
		if c.IsParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func sortByCreated(cs []domain.Challenge) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].CreatedAt.Before(cs[j].CreatedAt) })
}
