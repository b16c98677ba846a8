package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"quizduel-service/internal/domain"
)

// Split is the number of objective and subjective questions a deck needs.
type Split struct {
	Objective  int `json:"objective" yaml:"objective"`
	Subjective int `json:"subjective" yaml:"subjective"`
}

func (s Split) Total() int { return s.Objective + s.Subjective }

// QuestionStore persists the question bank.
type QuestionStore interface {
	ListByScope(ctx context.Context, scope domain.Scope) ([]domain.Question, error)
	// GetMany returns questions in the order of ids, or ErrQuestionNotFound.
	GetMany(ctx context.Context, ids []string) ([]domain.Question, error)
	// PutMany inserts questions whose id is not stored yet and reports how many were new.
	PutMany(ctx context.Context, questions []domain.Question) (int, error)
}

// Generator is the content-generation collaborator.
type Generator interface {
	GenerateQuestions(ctx context.Context, scope domain.Scope, count int, split Split) ([]domain.Question, error)
}

// Manager keeps each scope's bank large enough and draws decks from it.
type Manager struct {
	store     QuestionStore
	generator Generator
	timeout   time.Duration
	logger    *zap.Logger
	sf        singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewManager(store QuestionStore, generator Generator, timeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		generator: generator,
		timeout:   timeout,
		logger:    logger,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand swaps the random source, for deterministic tests.
func (m *Manager) WithRand(rnd *rand.Rand) *Manager {
	m.mu.Lock()
	m.rnd = rnd
	m.mu.Unlock()
	return m
}

// EnsurePool returns the scope's bank, generating twice the requirement when it
// holds fewer questions of either kind than split asks for.
func (m *Manager) EnsurePool(ctx context.Context, scope domain.Scope, split Split) ([]domain.Question, error) {
	bank, err := m.store.ListByScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	if sufficient(bank, split) {
		return dedupe(bank), nil
	}

	key := fmt.Sprintf("%s|%d|%d", scope.Key(), split.Objective, split.Subjective)
	result, err, _ := m.sf.Do(key, func() (interface{}, error) {
		// Re-check in case a concurrent caller already filled the bank.
		bank, err := m.store.ListByScope(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("list questions: %w", err)
		}
		if sufficient(bank, split) {
			return dedupe(bank), nil
		}
		if err := m.generate(ctx, scope, split); err != nil {
			return nil, err
		}
		bank, err = m.store.ListByScope(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("list questions: %w", err)
		}
		if !sufficient(bank, split) {
			return nil, fmt.Errorf("%w: scope %s has %d questions, need %d objective and %d subjective",
				domain.ErrNoQuestionsAvailable, scope.Key(), len(bank), split.Objective, split.Subjective)
		}
		return dedupe(bank), nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

func (m *Manager) generate(ctx context.Context, scope domain.Scope, split Split) error {
	if m.generator == nil {
		return fmt.Errorf("%w: no generator configured", domain.ErrNoQuestionsAvailable)
	}
	genCtx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	want := Split{Objective: 2 * split.Objective, Subjective: 2 * split.Subjective}
	generated, err := m.generator.GenerateQuestions(genCtx, scope, want.Total(), want)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", domain.ErrGenerationTimeout, err)
		}
		return fmt.Errorf("generate questions: %w", err)
	}

	valid := make([]domain.Question, 0, len(generated))
	for _, q := range generated {
		q.Scope = scope
		if q.ID == "" {
			q.ID = ContentID(q)
		}
		if err := q.Validate(); err != nil {
			m.logger.Warn("discarding generated question", zap.String("scope", scope.Key()), zap.Error(err))
			continue
		}
		valid = append(valid, q)
	}
	added, err := m.store.PutMany(ctx, valid)
	if err != nil {
		return fmt.Errorf("store questions: %w", err)
	}
	m.logger.Info("question pool extended",
		zap.String("scope", scope.Key()),
		zap.Int("generated", len(generated)),
		zap.Int("added", added))
	return nil
}

// isTimeout covers context deadlines as well as transport-level timeouts such as
// an http.Client.Timeout, which do not wrap context.DeadlineExceeded.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrGenerationTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Draw ensures the pool and returns the ids of a freshly sampled deck.
func (m *Manager) Draw(ctx context.Context, scope domain.Scope, split Split) ([]string, error) {
	bank, err := m.EnsurePool(ctx, scope, split)
	if err != nil {
		return nil, err
	}
	deck, err := m.SelectDeck(bank, split)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(deck))
	for i, q := range deck {
		ids[i] = q.ID
	}
	return ids, nil
}

// Questions resolves a deck back to its questions, in deck order.
func (m *Manager) Questions(ctx context.Context, ids []string) ([]domain.Question, error) {
	return m.store.GetMany(ctx, ids)
}

// SelectRandom draws n questions uniformly without replacement.
func (m *Manager) SelectRandom(bank []domain.Question, n int) ([]domain.Question, error) {
	if n > len(bank) {
		return nil, fmt.Errorf("%w: want %d, have %d", domain.ErrNoQuestionsAvailable, n, len(bank))
	}
	m.mu.Lock()
	perm := m.rnd.Perm(len(bank))
	m.mu.Unlock()

	out := make([]domain.Question, n)
	for i := 0; i < n; i++ {
		out[i] = bank[perm[i]]
	}
	return out, nil
}

// SelectDeck samples each kind independently, then shuffles the concatenation so
// kind ordering is not observable.
func (m *Manager) SelectDeck(bank []domain.Question, split Split) ([]domain.Question, error) {
	var objective, subjective []domain.Question
	for _, q := range bank {
		if q.Kind == domain.KindSubjective {
			subjective = append(subjective, q)
		} else {
			objective = append(objective, q)
		}
	}
	pickedObj, err := m.SelectRandom(objective, split.Objective)
	if err != nil {
		return nil, err
	}
	pickedSubj, err := m.SelectRandom(subjective, split.Subjective)
	if err != nil {
		return nil, err
	}

	deck := append(pickedObj, pickedSubj...)
	m.mu.Lock()
	m.rnd.Shuffle(len(deck), func(i, j int) { deck[i], deck[j] = deck[j], deck[i] })
	m.mu.Unlock()
	return deck, nil
}

// ContentID derives a stable id from a question's scope, kind and prompt so
// regenerating identical content never duplicates it.
func ContentID(q domain.Question) string {
	sum := sha256.Sum256([]byte(q.Scope.Key() + "\x00" + string(q.Kind) + "\x00" + q.Prompt))
	return hex.EncodeToString(sum[:16])
}

func sufficient(bank []domain.Question, split Split) bool {
	var obj, subj int
	for _, q := range dedupe(bank) {
		if q.Kind == domain.KindSubjective {
			subj++
		} else {
			obj++
		}
	}
	return obj >= split.Objective && subj >= split.Subjective
}

func dedupe(bank []domain.Question) []domain.Question {
	seen := make(map[string]struct{}, len(bank))
	out := make([]domain.Question, 0, len(bank))
	for _, q := range bank {
		if _, ok := seen[q.ID]; ok {
			continue
		}
		seen[q.ID] = struct{}{}
		out = append(out, q)
	}
	return out
}
