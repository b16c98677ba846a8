package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"quizduel-service/internal/domain"
	"quizduel-service/internal/pool"
)

func TestCachedQuestionStoreCaches(t *testing.T) {
	backing := &countingStore{QuestionStore: NewQuestionStore(sampleQuestion("q1"))}
	store := NewCachedQuestionStore(backing, time.Minute)

	if _, err := store.ListByScope(context.Background(), sampleScope()); err != nil {
		t.Fatalf("list: %v", err)
	}
	if backing.lists != 1 {
		t.Fatalf("expected backing once, got %d", backing.lists)
	}

	if _, err := store.ListByScope(context.Background(), sampleScope()); err != nil {
		t.Fatalf("list 2: %v", err)
	}
	if backing.lists != 1 {
		t.Fatalf("expected cache hit, backing calls %d", backing.lists)
	}
}

func TestCachedQuestionStoreInvalidatesOnPut(t *testing.T) {
	backing := &countingStore{QuestionStore: NewQuestionStore(sampleQuestion("q1"))}
	store := NewCachedQuestionStore(backing, time.Minute)
	ctx := context.Background()

	_, _ = store.ListByScope(ctx, sampleScope())
	if _, err := store.PutMany(ctx, []domain.Question{sampleQuestion("q2")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.ListByScope(ctx, sampleScope())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || backing.lists != 2 {
		t.Fatalf("expected fresh listing of 2, got %d after %d loads", len(got), backing.lists)
	}
}

func TestQuestionStoreIsAdditive(t *testing.T) {
	store := NewQuestionStore(sampleQuestion("q1"))
	replacement := sampleQuestion("q1")
	replacement.Prompt = "changed"

	added, err := store.PutMany(context.Background(), []domain.Question{replacement, sampleQuestion("q2")})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if added != 1 {
		t.Fatalf("expected 1 new question, got %d", added)
	}
	got, _ := store.GetMany(context.Background(), []string{"q1"})
	if got[0].Prompt == "changed" {
		t.Fatalf("existing question was replaced")
	}
	if _, err := store.GetMany(context.Background(), []string{"missing"}); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected ErrQuestionNotFound, got %v", err)
	}
}

type countingStore struct {
	pool.QuestionStore
	lists int
}

func (s *countingStore) ListByScope(ctx context.Context, scope domain.Scope) ([]domain.Question, error) {
	s.lists++
	return s.QuestionStore.ListByScope(ctx, scope)
}

func sampleScope() domain.Scope {
	return domain.Scope{Level: domain.ScopeLesson, CourseID: "go-101", ModuleIndex: 1, LessonIndex: 2}
}

func sampleQuestion(id string) domain.Question {
	return domain.Question{
		ID:     id,
		Scope:  sampleScope(),
		Kind:   domain.KindObjective,
		Prompt: "What is 2 + 2?",
		Objective: &domain.Objective{
			Kind:         domain.MultipleChoice,
			Options:      []string{"3", "4"},
			CorrectIndex: 1,
		},
	}
}
