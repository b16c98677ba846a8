package domain

import (
	"fmt"
	"time"
)

// ScopeLevel is the granularity a quiz applies to.
type ScopeLevel string

const (
	ScopeCourse ScopeLevel = "course"
	ScopeModule ScopeLevel = "module"
	ScopeLesson ScopeLevel = "lesson"
)

// Scope identifies the course, module or lesson a quiz belongs to.
// ModuleIndex is meaningful for module and lesson scopes, LessonIndex only for lessons.
type Scope struct {
	Level       ScopeLevel `json:"level"`
	CourseID    string     `json:"courseId"`
	ModuleIndex int        `json:"moduleIndex,omitempty"`
	LessonIndex int        `json:"lessonIndex,omitempty"`
}

// Key returns a stable string form used for store keys and equality.
func (s Scope) Key() string {
	switch s.Level {
	case ScopeModule:
		return fmt.Sprintf("module:%s:%d", s.CourseID, s.ModuleIndex)
	case ScopeLesson:
		return fmt.Sprintf("lesson:%s:%d:%d", s.CourseID, s.ModuleIndex, s.LessonIndex)
	default:
		return fmt.Sprintf("course:%s", s.CourseID)
	}
}

func (s Scope) Equal(other Scope) bool {
	return s.Key() == other.Key()
}

// Validate checks the level is known and a course is named.
func (s Scope) Validate() error {
	switch s.Level {
	case ScopeCourse, ScopeModule, ScopeLesson:
	default:
		return fmt.Errorf("%w: unknown scope level %q", ErrInvalidScope, s.Level)
	}
	if s.CourseID == "" {
		return fmt.Errorf("%w: course id required", ErrInvalidScope)
	}
	if s.ModuleIndex < 0 || s.LessonIndex < 0 {
		return fmt.Errorf("%w: negative index", ErrInvalidScope)
	}
	return nil
}

// QuestionKind discriminates the Question variant.
type QuestionKind string

const (
	KindObjective  QuestionKind = "objective"
	KindSubjective QuestionKind = "subjective"
)

// ObjectiveKind discriminates the objective payload.
type ObjectiveKind string

const (
	MultipleChoice ObjectiveKind = "multiple_choice"
	TrueFalse      ObjectiveKind = "true_false"
)

const (
	// ObjectiveMarks is the fixed worth of an objective question.
	ObjectiveMarks = 1
	// SubjectiveMarks is the maximum worth of a subjective question.
	SubjectiveMarks = 4
)

// Question is immutable once generated. Exactly one of Objective and Subjective
// is set, matching Kind.
type Question struct {
	ID         string       `json:"id"`
	Scope      Scope        `json:"scope"`
	Kind       QuestionKind `json:"kind"`
	Prompt     string       `json:"prompt"`
	Objective  *Objective   `json:"objective,omitempty"`
	Subjective *Subjective  `json:"subjective,omitempty"`
}

// Objective is the payload of a deterministically graded question.
// Options and CorrectIndex apply to multiple choice, CorrectBool to true/false.
type Objective struct {
	Kind         ObjectiveKind `json:"kind"`
	Options      []string      `json:"options,omitempty"`
	CorrectIndex int           `json:"correctIndex,omitempty"`
	CorrectBool  bool          `json:"correctBool,omitempty"`
}

// Subjective is the payload of a free-text question graded by an evaluator.
type Subjective struct {
	SuggestedAnswer string `json:"suggestedAnswer,omitempty"`
}

// MaxMarks is what the question contributes to an attempt's maximum.
func (q Question) MaxMarks() int {
	if q.Kind == KindSubjective {
		return SubjectiveMarks
	}
	return ObjectiveMarks
}

// Validate rejects questions whose payload does not match their kind.
func (q Question) Validate() error {
	if q.Prompt == "" {
		return fmt.Errorf("%w: empty prompt", ErrInvalidQuestion)
	}
	switch q.Kind {
	case KindObjective:
		if q.Objective == nil || q.Subjective != nil {
			return fmt.Errorf("%w: objective question needs only an objective payload", ErrInvalidQuestion)
		}
		switch q.Objective.Kind {
		case MultipleChoice:
			if len(q.Objective.Options) < 2 {
				return fmt.Errorf("%w: multiple choice needs at least two options", ErrInvalidQuestion)
			}
			if q.Objective.CorrectIndex < 0 || q.Objective.CorrectIndex >= len(q.Objective.Options) {
				return fmt.Errorf("%w: correct index out of range", ErrInvalidQuestion)
			}
		case TrueFalse:
			if len(q.Objective.Options) > 0 {
				return fmt.Errorf("%w: true/false takes no options", ErrInvalidQuestion)
			}
		default:
			return fmt.Errorf("%w: unknown objective kind %q", ErrInvalidQuestion, q.Objective.Kind)
		}
	case KindSubjective:
		if q.Subjective == nil || q.Objective != nil {
			return fmt.Errorf("%w: subjective question needs only a subjective payload", ErrInvalidQuestion)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidQuestion, q.Kind)
	}
	return nil
}

// Answer is the value a user gave to one question. Exactly one field is set;
// an unanswered question has no entry in the answers map at all.
type Answer struct {
	Index *int    `json:"index,omitempty"`
	Bool  *bool   `json:"bool,omitempty"`
	Text  *string `json:"text,omitempty"`
}

func IndexAnswer(i int) Answer   { return Answer{Index: &i} }
func BoolAnswer(b bool) Answer   { return Answer{Bool: &b} }
func TextAnswer(s string) Answer { return Answer{Text: &s} }

// IsZero reports whether no value is set.
func (a Answer) IsZero() bool {
	return a.Index == nil && a.Bool == nil && a.Text == nil
}

// QuestionScore is the graded outcome of one question.
type QuestionScore struct {
	Correct  bool   `json:"correct"`
	Marks    int    `json:"marks"`
	Feedback string `json:"feedback,omitempty"`
	Ungraded bool   `json:"ungraded,omitempty"`
}

// Result is the normalized aggregate of an attempt.
type Result struct {
	TotalMarks int      `json:"totalMarks"`
	MaxMarks   int      `json:"maxMarks"`
	Percentage int      `json:"percentage"`
	Grade      string   `json:"grade"`
	Ungraded   []string `json:"ungraded,omitempty"`
}

// AttemptStatus mirrors the session state machine.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSubmitting AttemptStatus = "submitting"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptAbandoned  AttemptStatus = "abandoned"
)

// Attempt is one user taking one fixed deck.
type Attempt struct {
	ID           string                   `json:"id"`
	UserID       string                   `json:"userId"`
	Scope        Scope                    `json:"scope"`
	Title        string                   `json:"title,omitempty"`
	QuestionIDs  []string                 `json:"questionIds"`
	Answers      map[string]Answer        `json:"answers"`
	CurrentIndex *int                     `json:"currentIndex,omitempty"`
	Scores       map[string]QuestionScore `json:"scores,omitempty"`
	Result       *Result                  `json:"result,omitempty"`
	Status       AttemptStatus            `json:"status"`
	IsRetake     bool                     `json:"isRetake"`
	ChallengeID  string                   `json:"challengeId,omitempty"`
	CreatedAt    time.Time                `json:"createdAt"`
	UpdatedAt    time.Time                `json:"updatedAt"`
	CompletedAt  *time.Time               `json:"completedAt,omitempty"`
}

// Active reports whether the attempt still holds the user's single active slot.
func (a Attempt) Active() bool {
	return a.CompletedAt == nil
}

// Graded reports whether scores have been persisted.
func (a Attempt) Graded() bool {
	return a.Status == AttemptCompleted && a.Result != nil
}

// ResumeIndex is where an interrupted attempt continues: the stored position if in
// range, else the first unanswered question, else the last question.
func (a Attempt) ResumeIndex() int {
	n := len(a.QuestionIDs)
	if n == 0 {
		return 0
	}
	if a.CurrentIndex != nil && *a.CurrentIndex >= 0 && *a.CurrentIndex < n {
		return *a.CurrentIndex
	}
	for i, id := range a.QuestionIDs {
		if _, ok := a.Answers[id]; !ok {
			return i
		}
	}
	return n - 1
}

// Elapsed is the wall time between creation and completion.
func (a Attempt) Elapsed() time.Duration {
	if a.CompletedAt == nil {
		return 0
	}
	return a.CompletedAt.Sub(a.CreatedAt)
}

// HasQuestion reports whether id is part of the deck.
func (a Attempt) HasQuestion(id string) bool {
	for _, qid := range a.QuestionIDs {
		if qid == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stores never share maps with callers.
func (a Attempt) Clone() Attempt {
	out := a
	out.QuestionIDs = append([]string(nil), a.QuestionIDs...)
	if a.Answers != nil {
		out.Answers = make(map[string]Answer, len(a.Answers))
		for k, v := range a.Answers {
			out.Answers[k] = v
		}
	}
	if a.Scores != nil {
		out.Scores = make(map[string]QuestionScore, len(a.Scores))
		for k, v := range a.Scores {
			out.Scores[k] = v
		}
	}
	if a.CurrentIndex != nil {
		idx := *a.CurrentIndex
		out.CurrentIndex = &idx
	}
	if a.Result != nil {
		r := *a.Result
		r.Ungraded = append([]string(nil), a.Result.Ungraded...)
		out.Result = &r
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// SameDeck reports whether two question id sequences are identical, order included.
func SameDeck(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
