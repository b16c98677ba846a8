package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"quizduel-service/internal/domain"
)

// ChallengeStore keeps challenges as JSON documents with WATCH-based
// compare-and-swap, plus index sets for open challenges and per-user lookups.
type ChallengeStore struct {
	client *redis.Client
}

func NewChallengeStore(client *redis.Client) *ChallengeStore {
	return &ChallengeStore{client: client}
}

const openChallengesKey = "challenges:open"

func (s *ChallengeStore) Create(ctx context.Context, c domain.Challenge) error {
	c.Version = 1
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	ok, err := s.client.SetNX(ctx, challengeKey(c.ID), raw, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: challenge %s exists", domain.ErrConflict, c.ID)
	}
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, openChallengesKey, c.ID)
		p.SAdd(ctx, userChallengesKey(c.ChallengerID), c.ID)
		p.SAdd(ctx, userChallengesKey(c.ChallengedID), c.ID)
		return nil
	})
	return err
}

func (s *ChallengeStore) Get(ctx context.Context, id string) (domain.Challenge, error) {
	return loadJSON[domain.Challenge](ctx, s.client, challengeKey(id), domain.ErrChallengeNotFound)
}

func (s *ChallengeStore) Update(ctx context.Context, id string, fn func(*domain.Challenge) error) (domain.Challenge, error) {
	key := challengeKey(id)
	var result domain.Challenge
	err := watch(ctx, s.client, func(tx *redis.Tx) error {
		current, err := loadJSON[domain.Challenge](ctx, tx, key, domain.ErrChallengeNotFound)
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
		next.Version = current.Version + 1
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode challenge: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, raw, 0)
			if isOpen(next) {
				p.SAdd(ctx, openChallengesKey, id)
			} else {
				p.SRem(ctx, openChallengesKey, id)
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
		return domain.Challenge{}, err
	}
	return result, nil
}

func (s *ChallengeStore) ListOpen(ctx context.Context) ([]domain.Challenge, error) {
	out, err := s.listSet(ctx, openChallengesKey)
	if err != nil {
		return nil, err
	}
	open := out[:0]
	for _, c := range out {
		if isOpen(c) {
			open = append(open, c)
		}
	}
	return open, nil
}

func (s *ChallengeStore) ListByUser(ctx context.Context, userID string) ([]domain.Challenge, error) {
	return s.listSet(ctx, userChallengesKey(userID))
}

func (s *ChallengeStore) listSet(ctx context.Context, set string) ([]domain.Challenge, error) {
	ids, err := s.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = challengeKey(id)
	}
	out, err := loadMany[domain.Challenge](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func isOpen(c domain.Challenge) bool {
	return !c.Status.Terminal() || c.NeedsSettlement()
}

func challengeKey(id string) string { return "challenge:" + id }

func userChallengesKey(userID string) string { return "challenges:user:" + userID }
