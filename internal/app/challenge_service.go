package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quizduel-service/internal/domain"
)

// ChallengeConfig holds the duel deadlines.
type ChallengeConfig struct {
	AcceptWindow     time.Duration
	CompletionWindow time.Duration
}

// CreateChallenge describes a new duel. When AttemptID names a graded attempt the
// challenger has already played it; otherwise a fresh deck is drawn for Scope.
type CreateChallenge struct {
	ChallengerID string       `json:"challengerId"`
	ChallengedID string       `json:"challengedId"`
	AttemptID    string       `json:"attemptId,omitempty"`
	Scope        domain.Scope `json:"scope"`
	Title        string       `json:"title,omitempty"`
	BetAmount    int          `json:"betAmount"`
}

// ChallengeService runs the two-player duel state machine on top of attempts.
type ChallengeService struct {
	challenges ChallengeStore
	attempts   AttemptStore
	sessions   *SessionService
	wallet     Wallet
	notifier   Notifier
	broker     Broker
	cfg        ChallengeConfig
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

func NewChallengeService(challenges ChallengeStore, attempts AttemptStore, sessions *SessionService, wallet Wallet, notifier Notifier, broker Broker, cfg ChallengeConfig, logger *zap.Logger) *ChallengeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AcceptWindow <= 0 {
		cfg.AcceptWindow = 48 * time.Hour
	}
	if cfg.CompletionWindow <= 0 {
		cfg.CompletionWindow = 24 * time.Hour
	}
	s := &ChallengeService{
		challenges: challenges,
		attempts:   attempts,
		sessions:   sessions,
		wallet:     wallet,
		notifier:   notifier,
		broker:     broker,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
	if sessions != nil {
		sessions.OnSubmit(s)
	}
	return s
}

// WithClock is test-only for deterministic timestamps.
func (s *ChallengeService) WithClock(now func() time.Time) *ChallengeService {
	s.now = now
	return s
}

// Create opens a pending challenge and notifies the challenged user.
func (s *ChallengeService) Create(ctx context.Context, req CreateChallenge) (domain.Challenge, error) {
	if req.BetAmount < 0 {
		return domain.Challenge{}, domain.ErrInvalidBet
	}
	if req.ChallengerID == "" || req.ChallengedID == "" {
		return domain.Challenge{}, domain.ErrNotParticipant
	}
	if req.ChallengerID == req.ChallengedID {
		return domain.Challenge{}, domain.ErrSelfChallenge
	}

	now := s.now()
	c := domain.Challenge{
		ID:           s.newID(),
		ChallengerID: req.ChallengerID,
		ChallengedID: req.ChallengedID,
		Scope:        req.Scope,
		Title:        req.Title,
		Status:       domain.ChallengePending,
		BetAmount:    req.BetAmount,
		ExpiresAt:    now.Add(s.cfg.AcceptWindow),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if req.AttemptID != "" {
		a, err := s.attempts.Get(ctx, req.AttemptID)
		if err != nil {
			return domain.Challenge{}, staleIfMissing(err)
		}
		if a.UserID != req.ChallengerID {
			return domain.Challenge{}, domain.ErrNotOwner
		}
		if a.Status == domain.AttemptAbandoned {
			return domain.Challenge{}, domain.ErrStaleAttemptReference
		}
		if !a.Graded() {
			return domain.Challenge{}, domain.ErrAttemptIncomplete
		}
		score := a.Result.TotalMarks
		c.Scope = a.Scope
		if c.Title == "" {
			c.Title = a.Title
		}
		c.QuestionIDs = append([]string(nil), a.QuestionIDs...)
		c.ChallengerAttemptID = a.ID
		c.ChallengerScore = &score
		c.ChallengerElapsed = a.Elapsed()
		c.HasChallengerPlayed = true
	} else {
		if err := req.Scope.Validate(); err != nil {
			return domain.Challenge{}, err
		}
		deck, err := s.sessions.DrawDeck(ctx, req.Scope)
		if err != nil {
			return domain.Challenge{}, err
		}
		c.QuestionIDs = deck
	}

	if err := s.challenges.Create(ctx, c); err != nil {
		return domain.Challenge{}, fmt.Errorf("create challenge: %w", err)
	}
	s.logger.Info("challenge created",
		zap.String("challenge_id", c.ID),
		zap.String("challenger_id", c.ChallengerID),
		zap.String("challenged_id", c.ChallengedID),
		zap.Int("bet", c.BetAmount))
	publish(ctx, s.broker, s.logger, challengeTopic(c.ID), c)
	s.notify(ctx, Notification{
		RecipientID: c.ChallengedID,
		Message:     fmt.Sprintf("You have been challenged to %s", describe(c)),
		Kind:        "challenge",
		RefID:       c.ID,
	})
	return c, nil
}

func (s *ChallengeService) notify(ctx context.Context, n Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("notification dispatch failed",
			zap.String("recipient_id", n.RecipientID), zap.String("ref_id", n.RefID), zap.Error(err))
	}
}

func describe(c domain.Challenge) string {
	if c.Title != "" {
		return c.Title
	}
	return c.Scope.Key()
}

// Get returns the challenge after applying any deadline that has passed.
func (s *ChallengeService) Get(ctx context.Context, id string) (domain.Challenge, error) {
	c, err := s.challenges.Get(ctx, id)
	if err != nil {
		return domain.Challenge{}, err
	}
	if c.Overdue(s.now()) {
		return s.expire(ctx, id)
	}
	if c.NeedsSettlement() {
		return s.settle(ctx, c)
	}
	return c, nil
}

// ListForUser returns every challenge the user takes part in, with the same
// read-time deadline check as Get.
func (s *ChallengeService) ListForUser(ctx context.Context, userID string) ([]domain.Challenge, error) {
	cs, err := s.challenges.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i, c := range cs {
		if !c.Overdue(now) && !c.NeedsSettlement() {
			continue
		}
		fresh, err := s.Get(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("refresh challenge %s: %w", c.ID, err)
		}
		cs[i] = fresh
	}
	return cs, nil
}

// Accept moves a pending challenge to accepted and starts the completion deadline.
func (s *ChallengeService) Accept(ctx context.Context, id, userID string) (domain.Challenge, error) {
	return s.respond(ctx, id, userID, func(c *domain.Challenge, now time.Time) error {
		if userID != c.ChallengedID {
			return domain.ErrNotParticipant
		}
		deadline := now.Add(s.cfg.CompletionWindow)
		c.Status = domain.ChallengeAccepted
		c.CompletionDeadline = &deadline
		return nil
	})
}

// Reject is the challenged user declining.
func (s *ChallengeService) Reject(ctx context.Context, id, userID string) (domain.Challenge, error) {
	return s.respond(ctx, id, userID, func(c *domain.Challenge, now time.Time) error {
		if userID != c.ChallengedID {
			return domain.ErrNotParticipant
		}
		c.Status = domain.ChallengeRejected
		c.ResolvedAt = &now
		return nil
	})
}

// Cancel is the challenger withdrawing before acceptance.
func (s *ChallengeService) Cancel(ctx context.Context, id, userID string) (domain.Challenge, error) {
	return s.respond(ctx, id, userID, func(c *domain.Challenge, now time.Time) error {
		if userID != c.ChallengerID {
			return domain.ErrNotParticipant
		}
		c.Status = domain.ChallengeCancelled
		c.ResolvedAt = &now
		return nil
	})
}

// respond applies a transition out of pending, expiring the challenge instead
// when its accept deadline has already passed.
func (s *ChallengeService) respond(ctx context.Context, id, userID string, transition func(*domain.Challenge, time.Time) error) (domain.Challenge, error) {
	var expired bool
	var from domain.ChallengeStatus
	updated, err := s.challenges.Update(ctx, id, func(c *domain.Challenge) error {
		expired = false
		if !c.IsParticipant(userID) {
			return domain.ErrNotParticipant
		}
		now := s.now()
		if c.Overdue(now) {
			expired = applyExpiry(c, now)
			return nil
		}
		if c.Status != domain.ChallengePending {
			return fmt.Errorf("%w: challenge is %s", domain.ErrInvalidTransition, c.Status)
		}
		from = c.Status
		if err := transition(c, now); err != nil {
			return err
		}
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.Challenge{}, err
	}
	if expired {
		s.afterTransition(ctx, updated, domain.ChallengePending)
		return updated, domain.ErrChallengeExpired
	}
	s.afterTransition(ctx, updated, from)
	return updated, nil
}

// StartAttempt starts or resumes the user's attempt on the shared deck. The
// challenger may play while pending; the challenged user only after accepting.
func (s *ChallengeService) StartAttempt(ctx context.Context, id, userID string) (StartResult, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return StartResult{}, err
	}
	if !c.IsParticipant(userID) {
		return StartResult{}, domain.ErrNotParticipant
	}
	if c.HasPlayed(userID) {
		return StartResult{}, domain.ErrAlreadyPlayed
	}
	switch {
	case c.Status == domain.ChallengeExpired:
		return StartResult{}, domain.ErrChallengeExpired
	case c.Status == domain.ChallengeAccepted:
	case c.Status == domain.ChallengePending && userID == c.ChallengerID:
	default:
		return StartResult{}, fmt.Errorf("%w: cannot play a %s challenge", domain.ErrInvalidTransition, c.Status)
	}

	res, err := s.sessions.StartChallenge(ctx, userID, c.Scope, describe(c), c.QuestionIDs, c.ID)
	if err != nil {
		return StartResult{}, err
	}

	attemptID := res.Attempt.ID
	updated, err := s.challenges.Update(ctx, id, func(c *domain.Challenge) error {
		if c.HasPlayed(userID) {
			return domain.ErrSkipUpdate
		}
		if userID == c.ChallengerID {
			if c.ChallengerAttemptID == attemptID {
				return domain.ErrSkipUpdate
			}
			c.ChallengerAttemptID = attemptID
		} else {
			if c.ChallengedAttemptID == attemptID {
				return domain.ErrSkipUpdate
			}
			c.ChallengedAttemptID = attemptID
		}
		c.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("link challenge attempt: %w", err)
	}
	publish(ctx, s.broker, s.logger, challengeTopic(updated.ID), updated)
	return res, nil
}

// AttemptSubmitted records a graded challenge attempt. It is idempotent and
// commutative across the two participants.
func (s *ChallengeService) AttemptSubmitted(ctx context.Context, a domain.Attempt) error {
	if a.ChallengeID == "" || !a.Graded() {
		return nil
	}
	_, err := s.RecordResult(ctx, a)
	return err
}

// RecordResult stores one side's score and resolves the duel once both are present.
func (s *ChallengeService) RecordResult(ctx context.Context, a domain.Attempt) (domain.Challenge, error) {
	if !a.Graded() {
		return domain.Challenge{}, domain.ErrAttemptIncomplete
	}
	var from domain.ChallengeStatus
	updated, err := s.challenges.Update(ctx, a.ChallengeID, func(c *domain.Challenge) error {
		from = c.Status
		if !c.IsParticipant(a.UserID) {
			return domain.ErrNotParticipant
		}
		if !domain.SameDeck(c.QuestionIDs, a.QuestionIDs) {
			return domain.ErrDeckMismatch
		}
		if c.HasPlayed(a.UserID) || c.Status.Terminal() {
			return domain.ErrSkipUpdate
		}
		if c.Status == domain.ChallengePending && a.UserID != c.ChallengerID {
			return fmt.Errorf("%w: challenge not accepted", domain.ErrInvalidTransition)
		}

		now := s.now()
		// A play finished after the deadline does not count.
		if d, ok := c.Deadline(); ok && a.CompletedAt != nil && !a.CompletedAt.Before(d) {
			applyExpiry(c, now)
			return nil
		}

		score := a.Result.TotalMarks
		if a.UserID == c.ChallengerID {
			c.ChallengerScore = &score
			c.ChallengerElapsed = a.Elapsed()
			c.ChallengerAttemptID = a.ID
			c.HasChallengerPlayed = true
		} else {
			c.ChallengedScore = &score
			c.ChallengedElapsed = a.Elapsed()
			c.ChallengedAttemptID = a.ID
			c.HasChallengedPlayed = true
		}
		c.UpdatedAt = now
		if c.ChallengerScore != nil && c.ChallengedScore != nil {
			resolve(c, now)
		}
		return nil
	})
	if err != nil {
		return domain.Challenge{}, err
	}
	return s.afterTransition(ctx, updated, from), nil
}

// ExpireDue reconciles unrecorded plays and expires every overdue challenge.
// It is safe to run from several processes at once.
func (s *ChallengeService) ExpireDue(ctx context.Context) (int, error) {
	open, err := s.challenges.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open challenges: %w", err)
	}
	expired := 0
	for _, c := range open {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		c = s.reconcile(ctx, c)
		if c.NeedsSettlement() {
			if _, err := s.settle(ctx, c); err != nil {
				s.logger.Warn("settlement failed", zap.String("challenge_id", c.ID), zap.Error(err))
			}
			continue
		}
		if !c.Overdue(s.now()) {
			continue
		}
		if _, err := s.expire(ctx, c.ID); err != nil {
			s.logger.Warn("expire challenge", zap.String("challenge_id", c.ID), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

// reconcile records graded attempts whose submit hook never reached the store.
func (s *ChallengeService) reconcile(ctx context.Context, c domain.Challenge) domain.Challenge {
	if c.Status.Terminal() {
		return c
	}
	pending := map[string]string{}
	if !c.HasChallengerPlayed && c.ChallengerAttemptID != "" {
		pending[c.ChallengerID] = c.ChallengerAttemptID
	}
	if !c.HasChallengedPlayed && c.ChallengedAttemptID != "" {
		pending[c.ChallengedID] = c.ChallengedAttemptID
	}
	for _, attemptID := range pending {
		a, err := s.attempts.Get(ctx, attemptID)
		if err != nil || !a.Graded() || a.ChallengeID != c.ID {
			continue
		}
		if updated, err := s.RecordResult(ctx, a); err == nil {
			c = updated
		}
	}
	return c
}

func (s *ChallengeService) expire(ctx context.Context, id string) (domain.Challenge, error) {
	var from domain.ChallengeStatus
	updated, err := s.challenges.Update(ctx, id, func(c *domain.Challenge) error {
		from = c.Status
		now := s.now()
		if !c.Overdue(now) {
			return domain.ErrSkipUpdate
		}
		applyExpiry(c, now)
		return nil
	})
	if err != nil {
		return domain.Challenge{}, err
	}
	return s.afterTransition(ctx, updated, from), nil
}

// afterTransition logs, publishes and settles. It returns the latest known state.
func (s *ChallengeService) afterTransition(ctx context.Context, c domain.Challenge, from domain.ChallengeStatus) domain.Challenge {
	if from != c.Status {
		s.logger.Info("challenge transition",
			zap.String("challenge_id", c.ID),
			zap.String("from", string(from)),
			zap.String("to", string(c.Status)),
			zap.String("winner_id", c.WinnerID))
	}
	publish(ctx, s.broker, s.logger, challengeTopic(c.ID), c)
	if !c.NeedsSettlement() {
		return c
	}
	settled, err := s.settle(ctx, c)
	if err != nil {
		s.logger.Warn("settlement failed", zap.String("challenge_id", c.ID), zap.Error(err))
		return c
	}
	return settled
}

// settle transfers the wager from loser to winner exactly once. The wallet
// deduplicates on the challenge token, so a crash between the transfer and the
// flag write cannot pay twice.
func (s *ChallengeService) settle(ctx context.Context, c domain.Challenge) (domain.Challenge, error) {
	if !c.NeedsSettlement() {
		return c, nil
	}
	if c.BetAmount > 0 {
		if s.wallet == nil {
			return c, errors.New("no wallet configured")
		}
		loser := c.Opponent(c.WinnerID)
		applied, err := s.wallet.Transfer(ctx, settlementToken(c.ID), loser, c.WinnerID, c.BetAmount)
		if err != nil {
			return c, fmt.Errorf("transfer wager: %w", err)
		}
		if applied {
			s.logger.Info("settlement applied",
				zap.String("challenge_id", c.ID),
				zap.String("winner_id", c.WinnerID),
				zap.Int("amount", c.BetAmount))
		}
	}
	updated, err := s.challenges.Update(ctx, c.ID, func(c *domain.Challenge) error {
		if c.SettlementApplied {
			return domain.ErrSkipUpdate
		}
		c.SettlementApplied = true
		c.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return c, fmt.Errorf("mark settled: %w", err)
	}
	publish(ctx, s.broker, s.logger, challengeTopic(updated.ID), updated)
	return updated, nil
}

func settlementToken(challengeID string) string {
	return "challenge:" + challengeID
}

// Subscribe streams every persisted change of a challenge.
func (s *ChallengeService) Subscribe(ctx context.Context, id, userID string) (<-chan domain.Challenge, func(), error) {
	if s.broker == nil {
		return nil, nil, errors.New("subscriptions not configured")
	}
	return subscribeTyped(ctx, s.broker, s.logger, challengeTopic(id), func(ctx context.Context) (domain.Challenge, error) {
		c, err := s.Get(ctx, id)
		if err != nil {
			return domain.Challenge{}, err
		}
		if !c.IsParticipant(userID) {
			return domain.Challenge{}, domain.ErrNotParticipant
		}
		return c, nil
	})
}

// resolve completes a challenge with both scores present. Equal scores draw;
// elapsed time never breaks ties.
func resolve(c *domain.Challenge, now time.Time) {
	c.Status = domain.ChallengeCompleted
	c.ResolvedAt = &now
	c.WinnerID = ""
	switch {
	case *c.ChallengerScore > *c.ChallengedScore:
		c.WinnerID = c.ChallengerID
	case *c.ChallengedScore > *c.ChallengerScore:
		c.WinnerID = c.ChallengedID
	}
}

// applyExpiry moves an overdue challenge to expired. An accepted challenge with
// exactly one play is won by that side; otherwise there is no winner and no
// wager moves. It reports whether the status changed.
func applyExpiry(c *domain.Challenge, now time.Time) bool {
	if c.Status.Terminal() {
		return false
	}
	wasAccepted := c.Status == domain.ChallengeAccepted
	c.Status = domain.ChallengeExpired
	c.ResolvedAt = &now
	c.UpdatedAt = now
	c.WinnerID = ""
	if wasAccepted {
		switch {
		case c.HasChallengerPlayed && !c.HasChallengedPlayed:
			c.WinnerID = c.ChallengerID
		case c.HasChallengedPlayed && !c.HasChallengerPlayed:
			c.WinnerID = c.ChallengedID
		}
	}
	return true
}
