package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"quizduel-service/internal/domain"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type otherQuizDetails struct {
	AttemptID string       `json:"attemptId"`
	Scope     domain.Scope `json:"scope"`
	Title     string       `json:"title,omitempty"`
}

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrOtherQuizInProgress, http.StatusConflict, "other_quiz_in_progress"},
	{domain.ErrActiveAttemptExists, http.StatusConflict, "other_quiz_in_progress"},
	{domain.ErrConflict, http.StatusConflict, "conflict"},
	{domain.ErrAttemptClosed, http.StatusConflict, "attempt_closed"},
	{domain.ErrAlreadyPlayed, http.StatusConflict, "already_played"},

	{domain.ErrStaleAttemptReference, http.StatusNotFound, "stale_attempt_reference"},
	{domain.ErrAttemptNotFound, http.StatusNotFound, "attempt_not_found"},
	{domain.ErrChallengeNotFound, http.StatusNotFound, "challenge_not_found"},
	{domain.ErrQuestionNotFound, http.StatusNotFound, "question_not_found"},

	{domain.ErrGenerationTimeout, http.StatusServiceUnavailable, "generation_timeout"},
	{domain.ErrEvaluationUnavailable, http.StatusServiceUnavailable, "evaluation_unavailable"},

	{domain.ErrNotOwner, http.StatusForbidden, "not_owner"},
	{domain.ErrNotParticipant, http.StatusForbidden, "not_participant"},

	{domain.ErrNoQuestionsAvailable, http.StatusUnprocessableEntity, "no_questions_available"},
	{domain.ErrChallengeExpired, http.StatusUnprocessableEntity, "challenge_expired"},
	{domain.ErrInvalidTransition, http.StatusUnprocessableEntity, "invalid_transition"},
	{domain.ErrDeckMismatch, http.StatusUnprocessableEntity, "deck_mismatch"},
	{domain.ErrInvalidBet, http.StatusUnprocessableEntity, "invalid_bet"},
	{domain.ErrSelfChallenge, http.StatusUnprocessableEntity, "self_challenge"},
	{domain.ErrAttemptIncomplete, http.StatusUnprocessableEntity, "attempt_incomplete"},
	{domain.ErrInvalidScope, http.StatusUnprocessableEntity, "invalid_scope"},
	{domain.ErrInvalidIndex, http.StatusUnprocessableEntity, "invalid_index"},
	{domain.ErrUnknownQuestion, http.StatusUnprocessableEntity, "unknown_question"},
	{domain.ErrEmptyAnswer, http.StatusUnprocessableEntity, "empty_answer"},
}

// classify maps an error to its HTTP status and JSON body.
func classify(err error) (int, errorBody) {
	body := errorBody{Code: "internal", Message: err.Error()}
	var other *domain.OtherQuizInProgressError
	if errors.As(err, &other) {
		body.Details = otherQuizDetails{AttemptID: other.AttemptID, Scope: other.Scope, Title: other.Title}
	}
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			body.Code = m.code
			return m.status, body
		}
	}
	body.Message = "internal error"
	return http.StatusInternalServerError, body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Message: msg})
}
