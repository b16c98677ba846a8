package app_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quizduel-service/internal/app"
	"quizduel-service/internal/domain"
	"quizduel-service/internal/infra/memory"
	"quizduel-service/internal/pool"
	"quizduel-service/internal/scoring"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingEvaluator struct {
	calls atomic.Int32
	marks int
	err   error
	// gate, when set, holds every evaluation until it is closed.
	gate chan struct{}
}

func (e *countingEvaluator) Evaluate(_ context.Context, _, _, _ string) (scoring.Evaluation, error) {
	e.calls.Add(1)
	if e.gate != nil {
		<-e.gate
	}
	if e.err != nil {
		return scoring.Evaluation{}, e.err
	}
	return scoring.Evaluation{Correct: e.marks >= 2, Feedback: "graded", Marks: e.marks}, nil
}

type fixture struct {
	clock      *fakeClock
	attempts   *memory.AttemptStore
	challenges *memory.ChallengeStore
	wallet     *memory.Wallet
	notifier   *memory.Notifier
	broker     *memory.Broker
	pool       *pool.Manager
	evaluator  *countingEvaluator
	sessions   *app.SessionService
	duels      *app.ChallengeService
}

var (
	lessonScope = domain.Scope{Level: domain.ScopeLesson, CourseID: "go-101", ModuleIndex: 0, LessonIndex: 1}
	moduleScope = domain.Scope{Level: domain.ScopeModule, CourseID: "go-101", ModuleIndex: 2}
	courseScope = domain.Scope{Level: domain.ScopeCourse, CourseID: "go-101"}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:      newFakeClock(),
		attempts:   memory.NewAttemptStore(),
		challenges: memory.NewChallengeStore(),
		wallet:     memory.NewWallet(map[string]int{"alice": 100, "bob": 100}),
		notifier:   memory.NewNotifier(nil),
		broker:     memory.NewBroker(),
		evaluator:  &countingEvaluator{marks: 3},
	}
	f.pool = pool.NewManager(memory.NewQuestionStore(), memory.NewStaticGenerator(), time.Second, nil)
	decks := app.Decks{
		domain.ScopeLesson: {Objective: 5},
		domain.ScopeModule: {Objective: 18},
		domain.ScopeCourse: {Objective: 3, Subjective: 1},
	}
	f.sessions = app.NewSessionService(f.attempts, f.pool, scoring.NewEngine(f.evaluator, nil), f.broker, decks, nil).
		WithClock(f.clock.Now)
	f.duels = app.NewChallengeService(f.challenges, f.attempts, f.sessions, f.wallet, f.notifier, f.broker,
		app.ChallengeConfig{AcceptWindow: 48 * time.Hour, CompletionWindow: 24 * time.Hour}, nil).
		WithClock(f.clock.Now)
	return f
}

// correctAnswer returns the right answer for an objective question and a
// non-empty text for a subjective one.
func correctAnswer(q domain.Question) domain.Answer {
	if q.Kind == domain.KindSubjective {
		return domain.TextAnswer("my explanation")
	}
	if q.Objective.Kind == domain.TrueFalse {
		return domain.BoolAnswer(q.Objective.CorrectBool)
	}
	return domain.IndexAnswer(q.Objective.CorrectIndex)
}

func wrongAnswer(q domain.Question) domain.Answer {
	if q.Objective.Kind == domain.TrueFalse {
		return domain.BoolAnswer(!q.Objective.CorrectBool)
	}
	return domain.IndexAnswer((q.Objective.CorrectIndex + 1) % len(q.Objective.Options))
}

func (f *fixture) deck(t *testing.T, a domain.Attempt) []domain.Question {
	t.Helper()
	qs, err := f.pool.Questions(context.Background(), a.QuestionIDs)
	if err != nil {
		t.Fatalf("load deck: %v", err)
	}
	return qs
}

// play answers the first `right` questions correctly and the rest wrongly, then submits.
func (f *fixture) play(t *testing.T, userID string, a domain.Attempt, right int) domain.Attempt {
	t.Helper()
	ctx := context.Background()
	for i, q := range f.deck(t, a) {
		answer := correctAnswer(q)
		if i >= right && q.Kind == domain.KindObjective {
			answer = wrongAnswer(q)
		}
		if _, err := f.sessions.RecordAnswer(ctx, userID, a.ID, q.ID, answer); err != nil {
			t.Fatalf("record answer: %v", err)
		}
	}
	done, err := f.sessions.Submit(ctx, userID, a.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return done
}
