package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quizduel-service/internal/app"
	"quizduel-service/internal/domain"
	"quizduel-service/internal/scoring"
)

func TestStartCreatesAttempt(t *testing.T) {
	f := newFixture(t)
	res, err := f.sessions.Start(context.Background(), app.StartRequest{UserID: "alice", Scope: lessonScope, Title: "Lesson 1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Resumed || len(res.Attempt.QuestionIDs) != 5 {
		t.Fatalf("expected a fresh 5-question attempt, got %+v", res)
	}
	if res.Attempt.Status != domain.AttemptInProgress || res.Attempt.CompletedAt != nil {
		t.Fatalf("expected in-progress attempt, got %s", res.Attempt.Status)
	}
}

func TestStartRejectsOtherScopeInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: lessonScope, Title: "Lesson 1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err = f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: moduleScope})
	var other *domain.OtherQuizInProgressError
	if !errors.As(err, &other) {
		t.Fatalf("expected OtherQuizInProgressError, got %v", err)
	}
	if other.AttemptID != first.Attempt.ID || other.Title != "Lesson 1" || !other.Scope.Equal(lessonScope) {
		t.Fatalf("unexpected blocking attempt details %+v", other)
	}

	// Abandoning releases the slot.
	if _, err := f.sessions.Abandon(ctx, "alice", first.Attempt.ID); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if _, err := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: moduleScope}); err != nil {
		t.Fatalf("start after abandon: %v", err)
	}
}

func TestResumeRestoresAnswersAtFirstUnanswered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: lessonScope})
	deck := f.deck(t, res.Attempt)

	if _, err := f.sessions.RecordAnswer(ctx, "alice", res.Attempt.ID, deck[0].ID, correctAnswer(deck[0])); err != nil {
		t.Fatalf("answer 0: %v", err)
	}
	if _, err := f.sessions.RecordAnswer(ctx, "alice", res.Attempt.ID, deck[2].ID, correctAnswer(deck[2])); err != nil {
		t.Fatalf("answer 2: %v", err)
	}

	resumed, err := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: lessonScope})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.Resumed || resumed.Attempt.ID != res.Attempt.ID {
		t.Fatalf("expected resume of %s, got %+v", res.Attempt.ID, resumed)
	}
	if len(resumed.Attempt.Answers) != 2 {
		t.Fatalf("expected 2 restored answers, got %d", len(resumed.Attempt.Answers))
	}
	if _, ok := resumed.Attempt.Answers[deck[1].ID]; ok {
		t.Fatalf("question 1 must stay unanswered")
	}
	if resumed.ResumeIndex != 1 {
		t.Fatalf("expected resume index 1, got %d", resumed.ResumeIndex)
	}
}

func TestResumeUsesStoredPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: lessonScope})

	if _, err := f.sessions.Navigate(ctx, "alice", res.Attempt.ID, 3); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if _, err := f.sessions.Navigate(ctx, "alice", res.Attempt.ID, 5); !errors.Is(err, domain.ErrInvalidIndex) {
		t.Fatalf("expected out-of-range navigation to fail, got %v", err)
	}
	resumed, _ := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: lessonScope})
	if resumed.ResumeIndex != 3 {
		t.Fatalf("expected resume at 3, got %d", resumed.ResumeIndex)
	}
}

func TestRecordAnswerLastWriteWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: lessonScope})
	qid := res.Attempt.QuestionIDs[0]

	_, _ = f.sessions.RecordAnswer(ctx, "alice", res.Attempt.ID, qid, domain.IndexAnswer(0))
	got, err := f.sessions.RecordAnswer(ctx, "alice", res.Attempt.ID, qid, domain.IndexAnswer(2))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if *got.Answers[qid].Index != 2 {
		t.Fatalf("expected latest answer, got %+v", got.Answers[qid])
	}

	if _, err := f.sessions.RecordAnswer(ctx, "alice", res.Attempt.ID, "nope", domain.IndexAnswer(0)); !errors.Is(err, domain.ErrUnknownQuestion) {
		t.Fatalf("expected ErrUnknownQuestion, got %v", err)
	}
	if _, err := f.sessions.RecordAnswer(ctx, "bob", res.Attempt.ID, qid, domain.IndexAnswer(0)); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: courseScope})

	first := f.play(t, "alice", res.Attempt, 4)
	calls := f.evaluator.calls.Load()
	f.clock.Advance(time.Minute)

	second, err := f.sessions.Submit(ctx, "alice", res.Attempt.ID)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if f.evaluator.calls.Load() != calls {
		t.Fatalf("resubmit graded again")
	}
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("completedAt changed: %v vs %v", first.CompletedAt, second.CompletedAt)
	}
	if second.Result.TotalMarks != first.Result.TotalMarks || second.Result.Percentage != first.Result.Percentage {
		t.Fatalf("result changed: %+v vs %+v", first.Result, second.Result)
	}
	for id, s := range first.Scores {
		if second.Scores[id] != s {
			t.Fatalf("score for %s changed", id)
		}
	}
	if _, ok, _ := f.attempts.FindActive(ctx, "alice"); ok {
		t.Fatalf("submitted attempt must release the active slot")
	}
}

func TestSubmitMixedDeckAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: courseScope})

	// Course deck is 3 objective + 1 subjective; answer two objective questions right.
	deck := f.deck(t, res.Attempt)
	right := 0
	for _, q := range deck {
		answer := correctAnswer(q)
		if q.Kind == domain.KindObjective {
			if right == 2 {
				answer = wrongAnswer(q)
			}
			right++
		}
		if _, err := f.sessions.RecordAnswer(ctx, "alice", res.Attempt.ID, q.ID, answer); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	done, err := f.sessions.Submit(ctx, "alice", res.Attempt.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	r := done.Result
	if r.TotalMarks != 5 || r.MaxMarks != 7 || r.Percentage != 71 || r.Grade != "B" {
		t.Fatalf("expected 5/7 71%% B, got %+v", r)
	}
	if done.Status != domain.AttemptCompleted || done.CompletedAt == nil {
		t.Fatalf("expected completed attempt")
	}
}

func TestSubmitWithEvaluatorDownFlagsUngraded(t *testing.T) {
	f := newFixture(t)
	f.evaluator.err = errors.New("model offline")
	ctx := context.Background()
	res, _ := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: courseScope})

	done := f.play(t, "alice", res.Attempt, 4)
	if done.Status != domain.AttemptCompleted {
		t.Fatalf("submission must complete, got %s", done.Status)
	}
	if len(done.Result.Ungraded) != 1 {
		t.Fatalf("expected one ungraded question, got %v", done.Result.Ungraded)
	}
	if done.Result.TotalMarks != 3 || done.Result.MaxMarks != 7 {
		t.Fatalf("expected objective marks kept, got %+v", done.Result)
	}
}

func TestSubmitEmptySubjectiveSkipsEvaluator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: courseScope})
	for _, q := range f.deck(t, res.Attempt) {
		if q.Kind == domain.KindObjective {
			_, _ = f.sessions.RecordAnswer(ctx, "alice", res.Attempt.ID, q.ID, correctAnswer(q))
		}
	}
	done, err := f.sessions.Submit(ctx, "alice", res.Attempt.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if f.evaluator.calls.Load() != 0 {
		t.Fatalf("expected evaluator untouched, got %d calls", f.evaluator.calls.Load())
	}
	for id, s := range done.Scores {
		if s.Feedback == "No answer provided" && (s.Marks != 0 || s.Correct) {
			t.Fatalf("empty answer %s scored %+v", id, s)
		}
	}
}

func TestSubmitByOtherUserDuringInFlightSubmitIsRejected(t *testing.T) {
	f := newFixture(t)
	f.evaluator.gate = make(chan struct{})
	ctx := context.Background()
	res, _ := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: courseScope})
	for _, q := range f.deck(t, res.Attempt) {
		if _, err := f.sessions.RecordAnswer(ctx, "alice", res.Attempt.ID, q.ID, correctAnswer(q)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.sessions.Submit(ctx, "alice", res.Attempt.ID)
		done <- err
	}()
	deadline := time.Now().Add(5 * time.Second)
	for f.evaluator.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("owner submit never reached the evaluator")
		}
		time.Sleep(time.Millisecond)
	}

	got, err := f.sessions.Submit(ctx, "mallory", res.Attempt.ID)
	if !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got err=%v attempt=%+v", err, got)
	}

	close(f.evaluator.gate)
	if err := <-done; err != nil {
		t.Fatalf("owner submit: %v", err)
	}
}

func TestRetakeSameReusesDeck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, _ := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: lessonScope})
	f.play(t, "alice", first.Attempt, 5)

	offer, err := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: lessonScope})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if offer.PreviousAttemptID != first.Attempt.ID || offer.Attempt.IsRetake {
		t.Fatalf("expected a fresh start that offers a retake, got %+v", offer)
	}
	if _, err := f.sessions.Abandon(ctx, "alice", offer.Attempt.ID); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	retake, err := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: lessonScope, Retake: app.RetakeSame})
	if err != nil {
		t.Fatalf("retake: %v", err)
	}
	f.clock.Advance(time.Minute)
	if !retake.Attempt.IsRetake || !domain.SameDeck(retake.Attempt.QuestionIDs, first.Attempt.QuestionIDs) {
		t.Fatalf("expected identical deck, got %v vs %v", retake.Attempt.QuestionIDs, first.Attempt.QuestionIDs)
	}
	f.play(t, "alice", retake.Attempt, 1)

	history, err := f.sessions.History(ctx, "alice", lessonScope)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].ID != retake.Attempt.ID {
		t.Fatalf("expected retake newest in history of 2, got %d", len(history))
	}
}

func TestAbandonLeavesTombstone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: lessonScope})
	_, _ = f.sessions.RecordAnswer(ctx, "alice", res.Attempt.ID, res.Attempt.QuestionIDs[0], domain.IndexAnswer(1))
	_, _ = f.sessions.Navigate(ctx, "alice", res.Attempt.ID, 2)

	tomb, err := f.sessions.Abandon(ctx, "alice", res.Attempt.ID)
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if tomb.Status != domain.AttemptAbandoned || tomb.CompletedAt == nil {
		t.Fatalf("expected tombstone, got %+v", tomb)
	}
	if len(tomb.Answers) != 0 || tomb.Scores != nil || tomb.CurrentIndex != nil || tomb.Result != nil {
		t.Fatalf("expected cleared state, got %+v", tomb)
	}

	if _, err := f.sessions.Submit(ctx, "alice", res.Attempt.ID); !errors.Is(err, domain.ErrStaleAttemptReference) {
		t.Fatalf("expected submit on abandoned attempt to be stale, got %v", err)
	}
	if _, err := f.sessions.RecordAnswer(ctx, "alice", res.Attempt.ID, res.Attempt.QuestionIDs[0], domain.IndexAnswer(0)); !errors.Is(err, domain.ErrStaleAttemptReference) {
		t.Fatalf("expected checkpoint on abandoned attempt to be stale, got %v", err)
	}
	history, _ := f.sessions.History(ctx, "alice", lessonScope)
	if len(history) != 0 {
		t.Fatalf("tombstones must not appear in history")
	}
}

func TestMissingAttemptIsStale(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sessions.Submit(context.Background(), "alice", "ghost"); !errors.Is(err, domain.ErrStaleAttemptReference) {
		t.Fatalf("expected ErrStaleAttemptReference, got %v", err)
	}
	if _, err := f.sessions.Abandon(context.Background(), "alice", "ghost"); !errors.Is(err, domain.ErrStaleAttemptReference) {
		t.Fatalf("expected ErrStaleAttemptReference, got %v", err)
	}
}

func TestConcurrentStartKeepsSingleActiveAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Warm the pools so every goroutine races on the slot, not on generation.
	for _, scope := range []domain.Scope{lessonScope, moduleScope} {
		if _, err := f.sessions.DrawDeck(ctx, scope); err != nil {
			t.Fatalf("warm pool: %v", err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := map[string]bool{}
	rejected := 0
	for i := 0; i < 16; i++ {
		scope := lessonScope
		if i%2 == 1 {
			scope = moduleScope
		}
		wg.Add(1)
		go func(scope domain.Scope) {
			defer wg.Done()
			res, err := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: scope})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created[res.Attempt.ID] = true
			case errors.Is(err, domain.ErrOtherQuizInProgress):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(scope)
	}
	wg.Wait()

	if len(created) != 1 {
		t.Fatalf("expected every winner to share one attempt, got %d distinct", len(created))
	}
	if rejected == 0 {
		t.Fatalf("expected the other scope to be rejected at least once")
	}
	if n := f.attempts.CountActive("alice"); n != 1 {
		t.Fatalf("expected exactly one unfinished attempt, got %d", n)
	}
}

func TestAbandonRacingSubmitLastWriteWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: lessonScope})
	for _, q := range f.deck(t, res.Attempt) {
		_, _ = f.sessions.RecordAnswer(ctx, "alice", res.Attempt.ID, q.ID, correctAnswer(q))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = f.sessions.Submit(ctx, "alice", res.Attempt.ID) }()
	go func() { defer wg.Done(); _, _ = f.sessions.Abandon(ctx, "alice", res.Attempt.ID) }()
	wg.Wait()

	final, err := f.attempts.Get(ctx, res.Attempt.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	switch final.Status {
	case domain.AttemptCompleted:
		if final.Result == nil {
			t.Fatalf("completed without result")
		}
	case domain.AttemptAbandoned:
		if final.Scores != nil {
			t.Fatalf("abandoned with scores")
		}
	default:
		t.Fatalf("unexpected final status %s", final.Status)
	}
	if f.attempts.CountActive("alice") != 0 {
		t.Fatalf("either outcome must release the active slot")
	}
}

// racingBroker runs beforeSubscribe just ahead of each subscription, standing
// in for a write that lands while a watcher is connecting.
type racingBroker struct {
	app.Broker
	beforeSubscribe func()
}

func (b *racingBroker) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	if b.beforeSubscribe != nil {
		b.beforeSubscribe()
	}
	return b.Broker.Subscribe(ctx, topic)
}

func TestSubscribeDoesNotMissWriteDuringConnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: lessonScope})

	broker := &racingBroker{Broker: f.broker}
	broker.beforeSubscribe = func() {
		if _, err := f.sessions.Navigate(ctx, "alice", res.Attempt.ID, 3); err != nil {
			t.Errorf("navigate: %v", err)
		}
	}
	watcher := app.NewSessionService(f.attempts, f.pool, scoring.NewEngine(f.evaluator, nil), broker,
		app.Decks{domain.ScopeLesson: {Objective: 5}}, nil).WithClock(f.clock.Now)

	updates, cancel, err := watcher.Subscribe(ctx, "alice", res.Attempt.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	select {
	case got := <-updates:
		if got.CurrentIndex == nil || *got.CurrentIndex != 3 {
			t.Fatalf("first snapshot must include the concurrent move, got %+v", got.CurrentIndex)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot received")
	}
}

func TestSubscribeStreamsCheckpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.sessions.Start(ctx, app.StartRequest{UserID: "alice", Scope: lessonScope})

	updates, cancel, err := f.sessions.Subscribe(ctx, "alice", res.Attempt.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	<-updates // initial snapshot

	if _, err := f.sessions.Navigate(ctx, "alice", res.Attempt.ID, 4); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	select {
	case got := <-updates:
		if got.CurrentIndex == nil || *got.CurrentIndex != 4 {
			t.Fatalf("expected position 4 in update, got %+v", got.CurrentIndex)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no update received")
	}
}
