package domain

import "time"

// ChallengeStatus is the duel state machine position.
type ChallengeStatus string

const (
	ChallengePending   ChallengeStatus = "pending"
	ChallengeAccepted  ChallengeStatus = "accepted"
	ChallengeCompleted ChallengeStatus = "completed"
	ChallengeExpired   ChallengeStatus = "expired"
	ChallengeRejected  ChallengeStatus = "rejected"
	ChallengeCancelled ChallengeStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ChallengeStatus) Terminal() bool {
	switch s {
	case ChallengeCompleted, ChallengeExpired, ChallengeRejected, ChallengeCancelled:
		return true
	}
	return false
}

// Challenge pairs two attempts on one shared deck.
type Challenge struct {
	ID                  string          `json:"id"`
	ChallengerID        string          `json:"challengerId"`
	ChallengedID        string          `json:"challengedId"`
	Scope               Scope           `json:"scope"`
	Title               string          `json:"title,omitempty"`
	QuestionIDs         []string        `json:"questionIds"`
	ChallengerAttemptID string          `json:"challengerAttemptId,omitempty"`
	ChallengedAttemptID string          `json:"challengedAttemptId,omitempty"`
	ChallengerScore     *int            `json:"challengerScore,omitempty"`
	ChallengedScore     *int            `json:"challengedScore,omitempty"`
	ChallengerElapsed   time.Duration   `json:"challengerElapsed,omitempty"`
	ChallengedElapsed   time.Duration   `json:"challengedElapsed,omitempty"`
	HasChallengerPlayed bool            `json:"hasChallengerPlayed"`
	HasChallengedPlayed bool            `json:"hasChallengedPlayed"`
	Status              ChallengeStatus `json:"status"`
	BetAmount           int             `json:"betAmount"`
	ExpiresAt           time.Time       `json:"expiresAt"`
	CompletionDeadline  *time.Time      `json:"completionDeadline,omitempty"`
	WinnerID            string          `json:"winnerId,omitempty"`
	SettlementApplied   bool            `json:"settlementApplied"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
	ResolvedAt          *time.Time      `json:"resolvedAt,omitempty"`
	// Version increments on every persisted write and guards compare-and-swap.
	Version int64 `json:"version"`
}

// IsParticipant reports whether userID is one of the two sides.
func (c Challenge) IsParticipant(userID string) bool {
	return userID == c.ChallengerID || userID == c.ChallengedID
}

// Opponent returns the other side's user id.
func (c Challenge) Opponent(userID string) string {
	if userID == c.ChallengerID {
		return c.ChallengedID
	}
	return c.ChallengerID
}

// HasPlayed reports whether userID has a recorded score.
func (c Challenge) HasPlayed(userID string) bool {
	switch userID {
	case c.ChallengerID:
		return c.HasChallengerPlayed
	case c.ChallengedID:
		return c.HasChallengedPlayed
	}
	return false
}

// Deadline is the stored instant at which the current non-terminal state lapses.
func (c Challenge) Deadline() (time.Time, bool) {
	switch c.Status {
	case ChallengePending:
		return c.ExpiresAt, true
	case ChallengeAccepted:
		if c.CompletionDeadline != nil {
			return *c.CompletionDeadline, true
		}
	}
	return time.Time{}, false
}

// Overdue is the authoritative expiry check against stored timestamps.
func (c Challenge) Overdue(now time.Time) bool {
	d, ok := c.Deadline()
	return ok && !now.Before(d)
}

// Remaining is the display countdown. It never drives a transition.
func (c Challenge) Remaining(now time.Time) time.Duration {
	d, ok := c.Deadline()
	if !ok {
		return 0
	}
	if left := d.Sub(now); left > 0 {
		return left
	}
	return 0
}

// NeedsSettlement reports whether a wager transfer is owed and not yet applied.
func (c Challenge) NeedsSettlement() bool {
	return !c.SettlementApplied && c.WinnerID != "" &&
		(c.Status == ChallengeCompleted || c.Status == ChallengeExpired)
}

func (c Challenge) Clone() Challenge {
	out := c
	out.QuestionIDs = append([]string(nil), c.QuestionIDs...)
	if c.ChallengerScore != nil {
		v := *c.ChallengerScore
		out.ChallengerScore = &v
	}
	if c.ChallengedScore != nil {
		v := *c.ChallengedScore
		out.ChallengedScore = &v
	}
	if c.CompletionDeadline != nil {
		t := *c.CompletionDeadline
		out.CompletionDeadline = &t
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}
