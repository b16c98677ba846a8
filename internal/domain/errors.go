package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrOtherQuizInProgress is returned when the user already has an unfinished attempt in another scope.
	ErrOtherQuizInProgress = errors.New("another quiz is in progress")
	// ErrGenerationTimeout indicates the content collaborator did not produce a pool in time.
	ErrGenerationTimeout = errors.New("question generation timed out")
	// ErrEvaluationUnavailable marks subjective questions the evaluator could not grade.
	ErrEvaluationUnavailable = errors.New("subjective evaluation unavailable")
	// ErrNoQuestionsAvailable is returned when the pool stays short after generation.
	ErrNoQuestionsAvailable = errors.New("no questions available")
	// ErrStaleAttemptReference is returned when an attempt vanished or was abandoned.
	ErrStaleAttemptReference = errors.New("stale attempt reference")

	// ErrAttemptNotFound is returned by stores when no attempt has the given id.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrActiveAttemptExists is returned by stores when the user's active slot is taken.
	ErrActiveAttemptExists = errors.New("active attempt exists")
	// ErrChallengeNotFound is returned by stores when no challenge has the given id.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrQuestionNotFound indicates a deck references a question the bank does not hold.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrConflict is returned when a compare-and-swap lost against a concurrent writer.
	ErrConflict = errors.New("concurrent modification")
	// ErrSkipUpdate is returned by an update function to leave the stored document untouched.
	ErrSkipUpdate = errors.New("skip update")
	// ErrAttemptClosed is returned when an attempt was already submitted.
	ErrAttemptClosed = errors.New("attempt already submitted")

	ErrInvalidScope    = errors.New("invalid scope")
	ErrInvalidQuestion = errors.New("invalid question")
	ErrInvalidIndex    = errors.New("index out of range")
	ErrUnknownQuestion = errors.New("question not in attempt")
	ErrEmptyAnswer     = errors.New("answer has no value")
	ErrNotOwner        = errors.New("attempt belongs to another user")

	ErrNotParticipant    = errors.New("user is not a participant")
	ErrInvalidTransition = errors.New("invalid challenge transition")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrDeckMismatch      = errors.New("attempt deck does not match challenge deck")
	ErrInvalidBet        = errors.New("bet amount must be non-negative")
	ErrSelfChallenge     = errors.New("cannot challenge yourself")
	ErrAlreadyPlayed     = errors.New("participant already played")
	ErrAttemptIncomplete = errors.New("attempt not completed")
)

// OtherQuizInProgressError carries enough of the blocking attempt for a caller to
// offer continue or abandon.
type OtherQuizInProgressError struct {
	AttemptID string
	Scope     Scope
	Title     string
}

func (e *OtherQuizInProgressError) Error() string {
	return fmt.Sprintf("%s: attempt %s in %s", ErrOtherQuizInProgress, e.AttemptID, e.Scope.Key())
}

func (e *OtherQuizInProgressError) Is(target error) bool {
	return target == ErrOtherQuizInProgress
}
