package memory

import (
	"context"
	"sync"
)

// Wallet is an in-memory ledger. Balances may go negative; credit limits are
// the economy's concern, not the duel's.
type Wallet struct {
	mu       sync.Mutex
	balances map[string]int
	applied  map[string]struct{}
}

func NewWallet(initial map[string]int) *Wallet {
	balances := make(map[string]int, len(initial))
	for k, v := range initial {
		balances[k] = v
	}
	return &Wallet{balances: balances, applied: make(map[string]struct{})}
}

func (w *Wallet) Transfer(_ context.Context, token, from, to string, amount int) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.applied[token]; ok {
		return false, nil
	}
	w.applied[token] = struct{}{}
	w.balances[from] -= amount
	w.balances[to] += amount
	return true, nil
}

func (w *Wallet) Balance(_ context.Context, userID string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[userID], nil
}
