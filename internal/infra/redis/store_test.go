package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"quizduel-service/internal/domain"
	"quizduel-service/internal/infra/memory"
	"quizduel-service/internal/pool"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

var scope = domain.Scope{Level: domain.ScopeLesson, CourseID: "go-101", ModuleIndex: 1, LessonIndex: 2}

func newAttempt(id, user string) domain.Attempt {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return domain.Attempt{
		ID:          id,
		UserID:      user,
		Scope:       scope,
		QuestionIDs: []string{"q1", "q2", "q3"},
		Answers:     map[string]domain.Answer{},
		Status:      domain.AttemptInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func complete(at time.Time) func(*domain.Attempt) error {
	return func(a *domain.Attempt) error {
		a.Status = domain.AttemptCompleted
		a.Result = &domain.Result{TotalMarks: 2, MaxMarks: 3, Percentage: 67, Grade: "B"}
		a.CompletedAt = &at
		return nil
	}
}

func TestAttemptStoreSingleActiveSlot(t *testing.T) {
	mr, client := newClient(t)
	store := NewAttemptStore(client)
	ctx := context.Background()

	if err := store.CreateActive(ctx, newAttempt("a1", "alice")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateActive(ctx, newAttempt("a2", "alice")); !errors.Is(err, domain.ErrActiveAttemptExists) {
		t.Fatalf("expected ErrActiveAttemptExists, got %v", err)
	}
	if v, _ := mr.Get("attempt:active:alice"); v != "a1" {
		t.Fatalf("expected slot to name a1, got %q", v)
	}

	if _, err := store.Update(ctx, "a1", complete(time.Now())); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if mr.Exists("attempt:active:alice") {
		t.Fatalf("finishing the attempt must release the slot")
	}
	if err := store.CreateActive(ctx, newAttempt("a2", "alice")); err != nil {
		t.Fatalf("create after release: %v", err)
	}
}

func TestAttemptStoreConcurrentClaims(t *testing.T) {
	_, client := newClient(t)
	store := NewAttemptStore(client)

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.CreateActive(context.Background(), newAttempt(string(rune('a'+i)), "alice"))
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrActiveAttemptExists) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if won != 1 {
		t.Fatalf("expected exactly one claim, got %d", won)
	}
}

func TestAttemptStoreReleaseKeepsNewerClaim(t *testing.T) {
	mr, client := newClient(t)
	store := NewAttemptStore(client)
	ctx := context.Background()

	_ = store.CreateActive(ctx, newAttempt("old", "alice"))
	_, _ = store.Update(ctx, "old", complete(time.Now()))
	_ = store.CreateActive(ctx, newAttempt("new", "alice"))

	// Rewriting the finished attempt must not free the newer claim.
	if _, err := store.Update(ctx, "old", func(a *domain.Attempt) error {
		a.Title = "renamed"
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if v, _ := mr.Get("attempt:active:alice"); v != "new" {
		t.Fatalf("expected slot to stay on new, got %q", v)
	}
	active, ok, err := store.FindActive(ctx, "alice")
	if err != nil || !ok || active.ID != "new" {
		t.Fatalf("expected new active, got %v %v %v", active.ID, ok, err)
	}
}

func TestAttemptStoreFindActiveClearsStaleSlot(t *testing.T) {
	mr, client := newClient(t)
	store := NewAttemptStore(client)
	ctx := context.Background()

	mr.Set("attempt:active:alice", "ghost")
	if _, ok, err := store.FindActive(ctx, "alice"); err != nil || ok {
		t.Fatalf("expected no active attempt, got ok=%v err=%v", ok, err)
	}
	if mr.Exists("attempt:active:alice") {
		t.Fatalf("stale slot not cleared")
	}
}

func TestAttemptStoreSkipAndHistory(t *testing.T) {
	_, client := newClient(t)
	store := NewAttemptStore(client)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"first", "second"} {
		if err := store.CreateActive(ctx, newAttempt(id, "alice")); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if _, err := store.Update(ctx, id, complete(base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}
	_ = store.CreateActive(ctx, newAttempt("dropped", "alice"))
	_, _ = store.Update(ctx, "dropped", func(a *domain.Attempt) error {
		now := base.Add(3 * time.Hour)
		a.Status = domain.AttemptAbandoned
		a.CompletedAt = &now
		return nil
	})

	got, err := store.Update(ctx, "first", func(*domain.Attempt) error { return domain.ErrSkipUpdate })
	if err != nil || got.ID != "first" || got.Result == nil {
		t.Fatalf("skip should return the stored copy, got %+v %v", got, err)
	}

	history, err := store.ListCompleted(ctx, "alice", scope)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 2 || history[0].ID != "second" || history[1].ID != "first" {
		t.Fatalf("expected [second first], got %d items", len(history))
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, domain.ErrAttemptNotFound) {
		t.Fatalf("expected ErrAttemptNotFound, got %v", err)
	}
}

func TestChallengeStoreVersionsAndIndexes(t *testing.T) {
	_, client := newClient(t)
	store := NewChallengeStore(client)
	ctx := context.Background()

	c := domain.Challenge{ID: "c1", ChallengerID: "alice", ChallengedID: "bob", Status: domain.ChallengePending, BetAmount: 10}
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, c); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate, got %v", err)
	}

	updated, err := store.Update(ctx, "c1", func(c *domain.Challenge) error {
		c.Status = domain.ChallengeCompleted
		c.WinnerID = "bob"
		return nil
	})
	if err != nil || updated.Version != 2 {
		t.Fatalf("expected version 2, got %d %v", updated.Version, err)
	}
	open, _ := store.ListOpen(ctx)
	if len(open) != 1 {
		t.Fatalf("unsettled completed challenge must stay open, got %d", len(open))
	}

	_, _ = store.Update(ctx, "c1", func(c *domain.Challenge) error {
		c.SettlementApplied = true
		return nil
	})
	open, _ = store.ListOpen(ctx)
	if len(open) != 0 {
		t.Fatalf("settled challenge still open")
	}
	mine, _ := store.ListByUser(ctx, "bob")
	if len(mine) != 1 || mine[0].Version != 3 {
		t.Fatalf("expected bob's challenge at version 3, got %+v", mine)
	}
	if _, err := store.Get(ctx, "nope"); !errors.Is(err, domain.ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
}

func TestChallengeStoreConcurrentUpdatesAllApply(t *testing.T) {
	_, client := newClient(t)
	store := NewChallengeStore(client)
	ctx := context.Background()
	_ = store.Create(ctx, domain.Challenge{ID: "c1", ChallengerID: "alice", ChallengedID: "bob", Status: domain.ChallengeAccepted})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(challenger bool) {
			defer wg.Done()
			score := 10
			_, err := store.Update(ctx, "c1", func(c *domain.Challenge) error {
				if challenger {
					c.ChallengerScore = &score
				} else {
					c.ChallengedScore = &score
				}
				return nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}(i == 0)
	}
	wg.Wait()

	got, _ := store.Get(ctx, "c1")
	if got.ChallengerScore == nil || got.ChallengedScore == nil {
		t.Fatalf("a concurrent write was lost: %+v", got)
	}
}

func TestWalletTransferAppliesOnce(t *testing.T) {
	_, client := newClient(t)
	w := NewWallet(client, 0)
	ctx := context.Background()
	_ = w.Credit(ctx, "alice", 100)
	_ = w.Credit(ctx, "bob", 100)

	for i := 0; i < 3; i++ {
		if _, err := w.Transfer(ctx, "challenge:c1", "alice", "bob", 25); err != nil {
			t.Fatalf("transfer: %v", err)
		}
	}
	a, _ := w.Balance(ctx, "alice")
	b, _ := w.Balance(ctx, "bob")
	if a != 75 || b != 125 {
		t.Fatalf("expected 75/125, got %d/%d", a, b)
	}
	if n, _ := w.Balance(ctx, "carol"); n != 0 {
		t.Fatalf("unknown user should have zero balance")
	}
}

func TestBrokerDeliversPublishedPayloads(t *testing.T) {
	_, client := newClient(t)
	b := NewBroker(client)
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx, "attempt:a1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(ctx, "attempt:a1", []byte(`{"id":"a1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-ch:
		if string(got) != `{"id":"a1"}` {
			t.Fatalf("unexpected payload %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no message received")
	}
	cancel()
	cancel()
}

type countingStore struct {
	pool.QuestionStore
	mu    sync.Mutex
	lists int
	gets  int
}

func (s *countingStore) ListByScope(ctx context.Context, sc domain.Scope) ([]domain.Question, error) {
	s.mu.Lock()
	s.lists++
	s.mu.Unlock()
	return s.QuestionStore.ListByScope(ctx, sc)
}

func (s *countingStore) GetMany(ctx context.Context, ids []string) ([]domain.Question, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return s.QuestionStore.GetMany(ctx, ids)
}

func TestQuestionCacheServesFromRedis(t *testing.T) {
	mr, client := newClient(t)
	backing := &countingStore{QuestionStore: memory.NewQuestionStore()}
	cache := NewQuestionCache(client, backing, time.Minute)
	ctx := context.Background()

	generated, _ := memory.NewStaticGenerator().GenerateQuestions(ctx, scope, 3, pool.Split{Objective: 3})
	for i := range generated {
		generated[i].ID = pool.ContentID(generated[i])
	}
	if added, err := cache.PutMany(ctx, generated); err != nil || added != 3 {
		t.Fatalf("put: %d %v", added, err)
	}

	for i := 0; i < 2; i++ {
		bank, err := cache.ListByScope(ctx, scope)
		if err != nil || len(bank) != 3 {
			t.Fatalf("list: %d %v", len(bank), err)
		}
	}
	if backing.lists != 1 {
		t.Fatalf("expected a single backing listing, got %d", backing.lists)
	}
	if !mr.Exists("questions:scope:" + scope.Key()) {
		t.Fatalf("expected scope listing cached")
	}

	ids := []string{generated[2].ID, generated[0].ID}
	for i := 0; i < 2; i++ {
		got, err := cache.GetMany(ctx, ids)
		if err != nil || got[0].ID != ids[0] || got[1].ID != ids[1] {
			t.Fatalf("get many out of order: %v", err)
		}
	}
	if backing.gets != 1 {
		t.Fatalf("expected a single backing fetch, got %d", backing.gets)
	}

	more, _ := memory.NewStaticGenerator().GenerateQuestions(ctx, scope, 1, pool.Split{Objective: 1})
	more[0].ID = "extra"
	_, _ = cache.PutMany(ctx, more)
	if mr.Exists("questions:scope:" + scope.Key()) {
		t.Fatalf("write must invalidate the scope listing")
	}
}
