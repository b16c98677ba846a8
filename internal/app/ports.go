package app

import (
	"context"

	"quizduel-service/internal/domain"
	"quizduel-service/internal/pool"
)

// AttemptStore abstracts how attempts are persisted (in-memory, Redis, etc).
//
// Update applies fn to the latest stored copy atomically. When fn returns
// domain.ErrSkipUpdate nothing is written and the current copy is returned.
// Any write that leaves the attempt inactive releases the user's active slot,
// but only while the slot still points at that attempt.
type AttemptStore interface {
	// CreateActive claims the user's single active slot and persists a; it fails
	// with domain.ErrActiveAttemptExists when the slot is already held.
	CreateActive(ctx context.Context, a domain.Attempt) error
	Get(ctx context.Context, id string) (domain.Attempt, error)
	Update(ctx context.Context, id string, fn func(*domain.Attempt) error) (domain.Attempt, error)
	// FindActive returns the attempt holding the user's slot. A slot pointing at a
	// missing or finished attempt is cleared and reported as absent.
	FindActive(ctx context.Context, userID string) (domain.Attempt, bool, error)
	// ListCompleted returns graded attempts in scope, newest first. Abandoned
	// tombstones are excluded.
	ListCompleted(ctx context.Context, userID string, scope domain.Scope) ([]domain.Attempt, error)
}

// ChallengeStore persists challenges with optimistic concurrency on Update.
type ChallengeStore interface {
	Create(ctx context.Context, c domain.Challenge) error
	Get(ctx context.Context, id string) (domain.Challenge, error)
	Update(ctx context.Context, id string, fn func(*domain.Challenge) error) (domain.Challenge, error)
	// ListOpen returns challenges that are not terminal or still owe a settlement.
	ListOpen(ctx context.Context) ([]domain.Challenge, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Challenge, error)
}

// QuestionPool draws decks and resolves them back to questions.
type QuestionPool interface {
	Draw(ctx context.Context, scope domain.Scope, split pool.Split) ([]string, error)
	Questions(ctx context.Context, ids []string) ([]domain.Question, error)
}

// Scorer grades a whole deck.
type Scorer interface {
	Score(ctx context.Context, questions []domain.Question, answers map[string]domain.Answer) (map[string]domain.QuestionScore, domain.Result)
}

// Wallet moves wagered currency. Transfer applies at most once per token.
type Wallet interface {
	Transfer(ctx context.Context, token, from, to string, amount int) (bool, error)
	Balance(ctx context.Context, userID string) (int, error)
}

// Notification is a best-effort message to one user.
type Notification struct {
	RecipientID string `json:"recipientId"`
	Message     string `json:"message"`
	Kind        string `json:"kind"`
	RefID       string `json:"refId"`
}

// Notifier dispatches notifications outside the consistency boundary.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Broker fans out document change events to subscribers.
// The caller must invoke the returned cancel function to avoid leaks.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)
}

// SubmitHook observes graded attempts.
type SubmitHook interface {
	AttemptSubmitted(ctx context.Context, a domain.Attempt) error
}
