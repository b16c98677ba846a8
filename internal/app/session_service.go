package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"quizduel-service/internal/domain"
	"quizduel-service/internal/pool"
)

// RetakeMode is the caller's explicit choice after a completed attempt exists.
type RetakeMode string

const (
	RetakeUnset RetakeMode = ""
	RetakeSame  RetakeMode = "same"
	RetakeNew   RetakeMode = "new"
)

// Decks maps a scope level to the deck composition it uses.
type Decks map[domain.ScopeLevel]pool.Split

// DefaultDecks is used for levels missing from configuration.
var DefaultDecks = Decks{
	domain.ScopeLesson: {Objective: 5},
	domain.ScopeModule: {Objective: 10},
	domain.ScopeCourse: {Objective: 18, Subjective: 2},
}

func (d Decks) For(level domain.ScopeLevel) pool.Split {
	if split, ok := d[level]; ok && split.Total() > 0 {
		return split
	}
	return DefaultDecks[level]
}

// StartRequest asks for a quiz in a scope.
type StartRequest struct {
	UserID string
	Scope  domain.Scope
	Title  string
	Retake RetakeMode
}

// StartResult is the attempt to play and where to begin.
type StartResult struct {
	Attempt     domain.Attempt `json:"attempt"`
	Resumed     bool           `json:"resumed"`
	ResumeIndex int            `json:"resumeIndex"`
	// PreviousAttemptID is set when a completed attempt exists in scope and the
	// caller did not choose a retake mode, so it can offer "retake same deck".
	PreviousAttemptID string `json:"previousAttemptId,omitempty"`
}

// SessionService enforces one active attempt per user and drives each attempt
// from start through submission.
type SessionService struct {
	attempts AttemptStore
	pool     QuestionPool
	scorer   Scorer
	broker   Broker
	decks    Decks
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
	hooks    []SubmitHook
	submits  singleflight.Group
}

func NewSessionService(attempts AttemptStore, questions QuestionPool, scorer Scorer, broker Broker, decks Decks, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if decks == nil {
		decks = DefaultDecks
	}
	return &SessionService{
		attempts: attempts,
		pool:     questions,
		scorer:   scorer,
		broker:   broker,
		decks:    decks,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// WithClock is test-only for deterministic timestamps.
func (s *SessionService) WithClock(now func() time.Time) *SessionService {
	s.now = now
	return s
}

// OnSubmit registers a hook run after every successful grading.
func (s *SessionService) OnSubmit(hook SubmitHook) {
	s.hooks = append(s.hooks, hook)
}

// DrawDeck samples a fresh deck for scope using the configured composition.
func (s *SessionService) DrawDeck(ctx context.Context, scope domain.Scope) ([]string, error) {
	return s.pool.Draw(ctx, scope, s.decks.For(scope.Level))
}

// Start resumes the user's unfinished attempt in scope or creates a new one.
func (s *SessionService) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if err := req.Scope.Validate(); err != nil {
		return StartResult{}, err
	}
	return s.start(ctx, req.UserID, req.Scope, req.Title, "", func(ctx context.Context) ([]string, bool, string, error) {
		completed, err := s.attempts.ListCompleted(ctx, req.UserID, req.Scope)
		if err != nil {
			return nil, false, "", fmt.Errorf("list completed attempts: %w", err)
		}
		if len(completed) == 0 {
			deck, err := s.DrawDeck(ctx, req.Scope)
			return deck, false, "", err
		}
		latest := completed[0]
		switch req.Retake {
		case RetakeSame:
			return append([]string(nil), latest.QuestionIDs...), true, "", nil
		case RetakeNew:
			deck, err := s.DrawDeck(ctx, req.Scope)
			return deck, true, "", err
		default:
			deck, err := s.DrawDeck(ctx, req.Scope)
			return deck, false, latest.ID, err
		}
	})
}

// StartChallenge starts or resumes an attempt bound to a challenge's shared deck.
func (s *SessionService) StartChallenge(ctx context.Context, userID string, scope domain.Scope, title string, deck []string, challengeID string) (StartResult, error) {
	return s.start(ctx, userID, scope, title, challengeID, func(context.Context) ([]string, bool, string, error) {
		return append([]string(nil), deck...), false, "", nil
	})
}

type deckFunc func(ctx context.Context) (deck []string, retake bool, previousID string, err error)

func (s *SessionService) start(ctx context.Context, userID string, scope domain.Scope, title, challengeID string, pick deckFunc) (StartResult, error) {
	if userID == "" {
		return StartResult{}, domain.ErrNotOwner
	}

	// The slot claim can lose to a concurrent Start; one more pass resolves it
	// against whichever attempt won.
	for pass := 0; pass < 2; pass++ {
		active, ok, err := s.attempts.FindActive(ctx, userID)
		if err != nil {
			return StartResult{}, fmt.Errorf("find active attempt: %w", err)
		}
		if ok {
			return s.resumeOrReject(active, scope, challengeID)
		}

		deck, retake, previousID, err := pick(ctx)
		if err != nil {
			return StartResult{}, err
		}
		if len(deck) == 0 {
			return StartResult{}, domain.ErrNoQuestionsAvailable
		}

		now := s.now()
		attempt := domain.Attempt{
			ID:          s.newID(),
			UserID:      userID,
			Scope:       scope,
			Title:       title,
			QuestionIDs: deck,
			Answers:     map[string]domain.Answer{},
			Status:      domain.AttemptInProgress,
			IsRetake:    retake,
			ChallengeID: challengeID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.attempts.CreateActive(ctx, attempt); err != nil {
			if errors.Is(err, domain.ErrActiveAttemptExists) {
				continue
			}
			return StartResult{}, fmt.Errorf("create attempt: %w", err)
		}

		s.logger.Info("attempt started",
			zap.String("user_id", userID),
			zap.String("attempt_id", attempt.ID),
			zap.String("scope", scope.Key()),
			zap.Bool("retake", retake))
		publish(ctx, s.broker, s.logger, attemptTopic(attempt.ID), attempt)
		return StartResult{Attempt: attempt, ResumeIndex: 0, PreviousAttemptID: previousID}, nil
	}

	active, ok, err := s.attempts.FindActive(ctx, userID)
	if err != nil {
		return StartResult{}, fmt.Errorf("find active attempt: %w", err)
	}
	if !ok {
		return StartResult{}, domain.ErrConflict
	}
	return s.resumeOrReject(active, scope, challengeID)
}

func (s *SessionService) resumeOrReject(active domain.Attempt, scope domain.Scope, challengeID string) (StartResult, error) {
	if !active.Scope.Equal(scope) || active.ChallengeID != challengeID {
		return StartResult{}, &domain.OtherQuizInProgressError{
			AttemptID: active.ID,
			Scope:     active.Scope,
			Title:     active.Title,
		}
	}
	if active.Answers == nil {
		active.Answers = map[string]domain.Answer{}
	}
	return StartResult{Attempt: active, Resumed: true, ResumeIndex: active.ResumeIndex()}, nil
}

// Get returns an attempt owned by userID.
func (s *SessionService) Get(ctx context.Context, userID, attemptID string) (domain.Attempt, error) {
	a, err := s.attempts.Get(ctx, attemptID)
	if err != nil {
		return domain.Attempt{}, staleIfMissing(err)
	}
	if a.UserID != userID {
		return domain.Attempt{}, domain.ErrNotOwner
	}
	return a, nil
}

// RecordAnswer checkpoints one answer alongside the stored position. The last
// write per question wins; the position only moves through Navigate.
func (s *SessionService) RecordAnswer(ctx context.Context, userID, attemptID, questionID string, answer domain.Answer) (domain.Attempt, error) {
	if answer.IsZero() {
		return domain.Attempt{}, domain.ErrEmptyAnswer
	}
	updated, err := s.checkpoint(ctx, userID, attemptID, func(a *domain.Attempt) error {
		if !a.HasQuestion(questionID) {
			return domain.ErrUnknownQuestion
		}
		if a.Answers == nil {
			a.Answers = map[string]domain.Answer{}
		}
		a.Answers[questionID] = answer
		return nil
	})
	if err != nil {
		return domain.Attempt{}, err
	}
	s.logger.Debug("answer checkpointed",
		zap.String("attempt_id", attemptID), zap.String("question_id", questionID))
	return updated, nil
}

// Navigate persists the position alone.
func (s *SessionService) Navigate(ctx context.Context, userID, attemptID string, index int) (domain.Attempt, error) {
	return s.checkpoint(ctx, userID, attemptID, func(a *domain.Attempt) error {
		if index < 0 || index >= len(a.QuestionIDs) {
			return fmt.Errorf("%w: %d not in [0,%d)", domain.ErrInvalidIndex, index, len(a.QuestionIDs))
		}
		a.CurrentIndex = &index
		return nil
	})
}

func (s *SessionService) checkpoint(ctx context.Context, userID, attemptID string, mutate func(*domain.Attempt) error) (domain.Attempt, error) {
	updated, err := s.attempts.Update(ctx, attemptID, func(a *domain.Attempt) error {
		if a.UserID != userID {
			return domain.ErrNotOwner
		}
		switch a.Status {
		case domain.AttemptAbandoned:
			return domain.ErrStaleAttemptReference
		case domain.AttemptCompleted, domain.AttemptSubmitting:
			return domain.ErrAttemptClosed
		}
		if err := mutate(a); err != nil {
			return err
		}
		a.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return domain.Attempt{}, staleIfMissing(err)
	}
	publish(ctx, s.broker, s.logger, attemptTopic(updated.ID), updated)
	return updated, nil
}

// Submit grades the attempt once. Re-submitting a graded attempt returns the
// stored result without grading again.
func (s *SessionService) Submit(ctx context.Context, userID, attemptID string) (domain.Attempt, error) {
	// Ownership is checked outside the flight so a foreign caller never joins
	// the owner's in-flight submit.
	if _, err := s.Get(ctx, userID, attemptID); err != nil {
		return domain.Attempt{}, err
	}
	result, err, _ := s.submits.Do(userID+"|"+attemptID, func() (interface{}, error) {
		return s.submit(ctx, userID, attemptID)
	})
	if err != nil {
		return domain.Attempt{}, err
	}
	return result.(domain.Attempt).Clone(), nil
}

func (s *SessionService) submit(ctx context.Context, userID, attemptID string) (domain.Attempt, error) {
	current, err := s.Get(ctx, userID, attemptID)
	if err != nil {
		return domain.Attempt{}, err
	}
	if current.Status == domain.AttemptAbandoned {
		return domain.Attempt{}, domain.ErrStaleAttemptReference
	}
	if current.Graded() {
		s.runHooks(ctx, current)
		return current, nil
	}

	submitting, err := s.attempts.Update(ctx, attemptID, func(a *domain.Attempt) error {
		switch a.Status {
		case domain.AttemptAbandoned:
			return domain.ErrStaleAttemptReference
		case domain.AttemptCompleted:
			return domain.ErrSkipUpdate
		}
		a.Status = domain.AttemptSubmitting
		a.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return domain.Attempt{}, staleIfMissing(err)
	}
	if submitting.Graded() {
		s.runHooks(ctx, submitting)
		return submitting, nil
	}

	questions, err := s.pool.Questions(ctx, submitting.QuestionIDs)
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("load deck: %w", err)
	}
	scores, res := s.scorer.Score(ctx, questions, submitting.Answers)

	// Last write wins against a concurrent Abandon.
	graded, err := s.attempts.Update(ctx, attemptID, func(a *domain.Attempt) error {
		if a.Graded() {
			return domain.ErrSkipUpdate
		}
		if a.Status == domain.AttemptAbandoned || a.Answers == nil {
			a.Answers = submitting.Answers
		}
		now := s.now()
		a.Scores = scores
		a.Result = &res
		a.Status = domain.AttemptCompleted
		a.CompletedAt = &now
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Attempt{}, staleIfMissing(err)
	}

	fields := []zap.Field{
		zap.String("user_id", userID),
		zap.String("attempt_id", attemptID),
		zap.Int("total_marks", res.TotalMarks),
		zap.Int("max_marks", res.MaxMarks),
	}
	if len(res.Ungraded) > 0 {
		s.logger.Warn("attempt submitted with ungraded questions", append(fields, zap.Strings("ungraded", res.Ungraded))...)
	} else {
		s.logger.Info("attempt submitted", fields...)
	}
	publish(ctx, s.broker, s.logger, attemptTopic(graded.ID), graded)
	s.runHooks(ctx, graded)
	return graded, nil
}

func (s *SessionService) runHooks(ctx context.Context, a domain.Attempt) {
	for _, hook := range s.hooks {
		if err := hook.AttemptSubmitted(ctx, a); err != nil {
			s.logger.Warn("submit hook failed", zap.String("attempt_id", a.ID), zap.Error(err))
		}
	}
}

// Abandon tombstones an unfinished attempt: answers, scores and position are
// cleared and completedAt is set, which releases the active slot. A concurrent
// Submit is not guarded against; whichever write lands last wins.
func (s *SessionService) Abandon(ctx context.Context, userID, attemptID string) (domain.Attempt, error) {
	abandoned, err := s.attempts.Update(ctx, attemptID, func(a *domain.Attempt) error {
		if a.UserID != userID {
			return domain.ErrNotOwner
		}
		switch {
		case a.Status == domain.AttemptAbandoned:
			return domain.ErrSkipUpdate
		case a.Graded():
			return domain.ErrAttemptClosed
		}
		now := s.now()
		a.Answers = map[string]domain.Answer{}
		a.Scores = nil
		a.Result = nil
		a.CurrentIndex = nil
		a.Status = domain.AttemptAbandoned
		a.CompletedAt = &now
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Attempt{}, staleIfMissing(err)
	}
	s.logger.Info("attempt abandoned", zap.String("user_id", userID), zap.String("attempt_id", attemptID))
	publish(ctx, s.broker, s.logger, attemptTopic(abandoned.ID), abandoned)
	return abandoned, nil
}

// History lists the user's graded attempts in scope, newest first.
func (s *SessionService) History(ctx context.Context, userID string, scope domain.Scope) ([]domain.Attempt, error) {
	return s.attempts.ListCompleted(ctx, userID, scope)
}

// Subscribe streams every persisted change of an attempt, starting with its
// current state. The caller must invoke cancel.
func (s *SessionService) Subscribe(ctx context.Context, userID, attemptID string) (<-chan domain.Attempt, func(), error) {
	if s.broker == nil {
		return nil, nil, errors.New("subscriptions not configured")
	}
	return subscribeTyped(ctx, s.broker, s.logger, attemptTopic(attemptID), func(ctx context.Context) (domain.Attempt, error) {
		return s.Get(ctx, userID, attemptID)
	})
}

func staleIfMissing(err error) error {
	if errors.Is(err, domain.ErrAttemptNotFound) {
		return fmt.Errorf("%w: %v", domain.ErrStaleAttemptReference, err)
	}
	return err
}

