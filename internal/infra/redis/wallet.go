package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const balancesKey = "wallet:balances"

// Wallet stores balances in one hash. Each transfer token is recorded in the
// same MULTI as the balance moves, so a retried settlement never pays twice.
type Wallet struct {
	client   *redis.Client
	tokenTTL time.Duration
}

// NewWallet keeps applied tokens for tokenTTL; zero keeps them forever.
func NewWallet(client *redis.Client, tokenTTL time.Duration) *Wallet {
	return &Wallet{client: client, tokenTTL: tokenTTL}
}

func (w *Wallet) Transfer(ctx context.Context, token, from, to string, amount int) (bool, error) {
	tokenKey := "wallet:applied:" + token
	applied := false
	err := watch(ctx, w.client, func(tx *redis.Tx) error {
		applied = false
		n, err := tx.Exists(ctx, tokenKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, tokenKey, from+">"+to, w.tokenTTL)
			p.HIncrBy(ctx, balancesKey, from, int64(-amount))
			p.HIncrBy(ctx, balancesKey, to, int64(amount))
			return nil
		})
		if err != nil {
			return err
		}
		applied = true
		return nil
	}, tokenKey)
	return applied, err
}

func (w *Wallet) Balance(ctx context.Context, userID string) (int, error) {
	n, err := w.client.HGet(ctx, balancesKey, userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Credit adds amount to a balance outside any settlement, e.g. for seeding.
func (w *Wallet) Credit(ctx context.Context, userID string, amount int) error {
	return w.client.HIncrBy(ctx, balancesKey, userID, int64(amount)).Err()
}
