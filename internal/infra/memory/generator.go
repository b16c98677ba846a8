package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"quizduel-service/internal/domain"
	"quizduel-service/internal/pool"
	"quizduel-service/internal/scoring"
)

// StaticGenerator produces placeholder questions for demos and local runs when
// no content service is configured. Each call yields new prompts so the pool
// grows additively.
type StaticGenerator struct {
	mu    sync.Mutex
	calls map[string]int
}

func NewStaticGenerator() *StaticGenerator {
	return &StaticGenerator{calls: make(map[string]int)}
}

func (g *StaticGenerator) GenerateQuestions(_ context.Context, scope domain.Scope, count int, split pool.Split) ([]domain.Question, error) {
	g.mu.Lock()
	batch := g.calls[scope.Key()]
	g.calls[scope.Key()]++
	g.mu.Unlock()

	objective := split.Objective
	if split.Total() == 0 {
		objective = count
	}
	out := make([]domain.Question, 0, objective+split.Subjective)
	for i := 0; i < objective; i++ {
		n := batch*1000 + i
		if i%2 == 0 {
			out = append(out, domain.Question{
				Scope:  scope,
				Kind:   domain.KindObjective,
				Prompt: fmt.Sprintf("[%s] Which option is number %d?", scope.Key(), n),
				Objective: &domain.Objective{
					Kind:         domain.MultipleChoice,
					Options:      []string{"first", "second", "third", "fourth"},
					CorrectIndex: n % 4,
				},
			})
			continue
		}
		out = append(out, domain.Question{
			Scope:     scope,
			Kind:      domain.KindObjective,
			Prompt:    fmt.Sprintf("[%s] Is %d an even number?", scope.Key(), n),
			Objective: &domain.Objective{Kind: domain.TrueFalse, CorrectBool: n%2 == 0},
		})
	}
	for i := 0; i < split.Subjective; i++ {
		n := batch*1000 + i
		out = append(out, domain.Question{
			Scope:      scope,
			Kind:       domain.KindSubjective,
			Prompt:     fmt.Sprintf("[%s] Explain concept %d in your own words.", scope.Key(), n),
			Subjective: &domain.Subjective{SuggestedAnswer: fmt.Sprintf("concept %d explained with an example", n)},
		})
	}
	return out, nil
}

// KeywordEvaluator grades by word overlap with the reference answer. It stands
// in for the AI evaluator in local runs.
type KeywordEvaluator struct{}

func (KeywordEvaluator) Evaluate(_ context.Context, _, answer, reference string) (scoring.Evaluation, error) {
	ref := strings.Fields(strings.ToLower(reference))
	if len(ref) == 0 {
		return scoring.Evaluation{Correct: true, Feedback: "no reference answer", Marks: domain.SubjectiveMarks}, nil
	}
	given := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(answer)) {
		given[w] = struct{}{}
	}
	hits := 0
	for _, w := range ref {
		if _, ok := given[w]; ok {
			hits++
		}
	}
	marks := hits * domain.SubjectiveMarks / len(ref)
	return scoring.Evaluation{
		Correct:  marks >= domain.SubjectiveMarks/2,
		Feedback: fmt.Sprintf("matched %d of %d key terms", hits, len(ref)),
		Marks:    marks,
	}, nil
}
