package scoring

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quizduel-service/internal/domain"
)

const noAnswerFeedback = "No answer provided"

// Evaluator grades free-text answers (an external AI collaborator).
type Evaluator interface {
	Evaluate(ctx context.Context, prompt, answer, reference string) (Evaluation, error)
}

// Evaluation is the evaluator's verdict on one answer.
type Evaluation struct {
	Correct  bool   `json:"correct"`
	Feedback string `json:"feedback"`
	Marks    int    `json:"marks"`
}

// Engine grades questions and aggregates attempts.
type Engine struct {
	evaluator   Evaluator
	logger      *zap.Logger
	parallelism int
}

func NewEngine(evaluator Evaluator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{evaluator: evaluator, logger: logger, parallelism: 4}
}

// GradeObjective reports whether answer matches an objective question's key.
// Missing or mistyped answers are incorrect.
func GradeObjective(q domain.Question, answer domain.Answer) bool {
	if q.Kind != domain.KindObjective || q.Objective == nil {
		return false
	}
	switch q.Objective.Kind {
	case domain.MultipleChoice:
		return answer.Index != nil && *answer.Index == q.Objective.CorrectIndex
	case domain.TrueFalse:
		if answer.Bool != nil {
			return *answer.Bool == q.Objective.CorrectBool
		}
		if answer.Text != nil {
			v, ok := parseBool(*answer.Text)
			return ok && v == q.Objective.CorrectBool
		}
	}
	return false
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

// GradeSubjective delegates to the evaluator. Empty answers short-circuit without
// calling it. An evaluator failure is returned wrapped in ErrEvaluationUnavailable.
func (e *Engine) GradeSubjective(ctx context.Context, q domain.Question, answer domain.Answer) (domain.QuestionScore, error) {
	if answer.Text == nil || strings.TrimSpace(*answer.Text) == "" {
		return domain.QuestionScore{Correct: false, Marks: 0, Feedback: noAnswerFeedback}, nil
	}
	if e.evaluator == nil {
		return domain.QuestionScore{}, domain.ErrEvaluationUnavailable
	}
	reference := ""
	if q.Subjective != nil {
		reference = q.Subjective.SuggestedAnswer
	}
	eval, err := e.evaluator.Evaluate(ctx, q.Prompt, *answer.Text, reference)
	if err != nil {
		return domain.QuestionScore{}, errors.Join(domain.ErrEvaluationUnavailable, err)
	}
	return domain.QuestionScore{
		Correct:  eval.Correct,
		Marks:    clampMarks(eval.Marks),
		Feedback: eval.Feedback,
	}, nil
}

func clampMarks(m int) int {
	if m < 0 {
		return 0
	}
	if m > domain.SubjectiveMarks {
		return domain.SubjectiveMarks
	}
	return m
}

// Score grades every question of a deck. Subjective questions are evaluated in
// parallel; the ones the evaluator fails on come back flagged Ungraded with zero
// marks so the rest of the submission is kept.
func (e *Engine) Score(ctx context.Context, questions []domain.Question, answers map[string]domain.Answer) (map[string]domain.QuestionScore, domain.Result) {
	scores := make(map[string]domain.QuestionScore, len(questions))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, q := range questions {
		answer, answered := answers[q.ID]
		if q.Kind == domain.KindObjective {
			correct := answered && GradeObjective(q, answer)
			score := domain.QuestionScore{Correct: correct}
			if correct {
				score.Marks = domain.ObjectiveMarks
			}
			if !answered {
				score.Feedback = noAnswerFeedback
			}
			// Subjective goroutines launched earlier in the loop write concurrently.
			mu.Lock()
			scores[q.ID] = score
			mu.Unlock()
			continue
		}

		q := q
		g.Go(func() error {
			score, err := e.GradeSubjective(gctx, q, answer)
			if err != nil {
				e.logger.Warn("subjective evaluation failed",
					zap.String("question_id", q.ID), zap.Error(err))
				score = domain.QuestionScore{Ungraded: true, Feedback: domain.ErrEvaluationUnavailable.Error()}
			}
			mu.Lock()
			scores[q.ID] = score
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return scores, Aggregate(questions, scores)
}

// Aggregate folds per-question scores into the normalized result.
func Aggregate(questions []domain.Question, scores map[string]domain.QuestionScore) domain.Result {
	res := domain.Result{}
	for _, q := range questions {
		res.MaxMarks += q.MaxMarks()
		s, ok := scores[q.ID]
		if !ok {
			continue
		}
		res.TotalMarks += s.Marks
		if s.Ungraded {
			res.Ungraded = append(res.Ungraded, q.ID)
		}
	}
	res.Percentage = Percentage(res.TotalMarks, res.MaxMarks)
	res.Grade = domain.GradeFor(res.Percentage)
	return res
}

// Percentage is round(100*total/max), or 0 for an empty maximum.
func Percentage(total, max int) int {
	if max <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(total) / float64(max)))
}
