package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"quizduel-service/internal/app"
	"quizduel-service/internal/config"
	"quizduel-service/internal/domain"
	"quizduel-service/internal/infra/ai"
	"quizduel-service/internal/infra/memory"
	"quizduel-service/internal/infra/postgres"
	"quizduel-service/internal/infra/rabbitmq"
	redisstore "quizduel-service/internal/infra/redis"
	"quizduel-service/internal/pool"
	"quizduel-service/internal/scoring"
)

// services is the wired object graph plus whatever must be closed on exit.
type services struct {
	sessions *app.SessionService
	duels    *app.ChallengeService
	redis    *redis.Client
	closers  []func()
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func decksFromConfig(cfg config.Config) app.Decks {
	d := cfg.Quiz.Decks
	decks := app.Decks{}
	for level, split := range map[domain.ScopeLevel]config.DeckSplit{
		domain.ScopeLesson: d.Lesson,
		domain.ScopeModule: d.Module,
		domain.ScopeCourse: d.Course,
	} {
		if split.Objective+split.Subjective > 0 {
			decks[level] = pool.Split{Objective: split.Objective, Subjective: split.Subjective}
		}
	}
	return decks
}

// wire picks a backend per concern: Redis when an address is configured,
// Postgres for the question bank, RabbitMQ for notifications and the AI
// collaborators over HTTP. Each falls back to its in-memory version.
func wire(ctx context.Context, cfg config.Config, logger *zap.Logger) (*services, error) {
	s := &services{}

	if cfg.Redis.Addr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := s.redis.Ping(ctx).Err(); err != nil {
			_ = s.redis.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		s.closers = append(s.closers, func() { _ = s.redis.Close() })
	}

	var store pool.QuestionStore = memory.NewQuestionStore()
	if cfg.Postgres.URL != "" {
		pg, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		s.closers = append(s.closers, pg.Close)
		store = postgres.NewQuestionStore(pg)
	}
	cacheTTL := config.TTLDuration(cfg.Quiz.CacheTTL, 10*time.Minute)
	if s.redis != nil {
		store = redisstore.NewQuestionCache(s.redis, store, cacheTTL)
	} else if cfg.Postgres.URL != "" {
		store = memory.NewCachedQuestionStore(store, cacheTTL)
	}

	var (
		generator pool.Generator    = memory.NewStaticGenerator()
		evaluator scoring.Evaluator = memory.KeywordEvaluator{}
	)
	if cfg.Collaborators.GeneratorURL != "" || cfg.Collaborators.EvaluatorURL != "" {
		client := ai.NewClient(cfg.Collaborators.GeneratorURL, cfg.Collaborators.EvaluatorURL,
			config.TTLDuration(cfg.Collaborators.Timeout, 30*time.Second), logger)
		if cfg.Collaborators.GeneratorURL != "" {
			generator = client
		}
		if cfg.Collaborators.EvaluatorURL != "" {
			evaluator = client
		}
	}

	var notifier app.Notifier = memory.NewNotifier(logger)
	if cfg.RabbitMQ.URL != "" {
		queue := cfg.RabbitMQ.Queue
		if queue == "" {
			queue = "challenge.notifications"
		}
		mq, err := rabbitmq.Dial(cfg.RabbitMQ.URL, queue, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = mq.Close() })
		notifier = mq
	}

	var (
		attempts   app.AttemptStore   = memory.NewAttemptStore()
		challenges app.ChallengeStore = memory.NewChallengeStore()
		wallet     app.Wallet         = memory.NewWallet(nil)
		broker     app.Broker         = memory.NewBroker()
	)
	if s.redis != nil {
		attempts = redisstore.NewAttemptStore(s.redis)
		challenges = redisstore.NewChallengeStore(s.redis)
		wallet = redisstore.NewWallet(s.redis, config.TTLDuration(cfg.Redis.TTL, 30*24*time.Hour))
		broker = redisstore.NewBroker(s.redis)
	}

	questions := pool.NewManager(store, generator, config.TTLDuration(cfg.Quiz.PoolTimeout, 60*time.Second), logger)
	s.sessions = app.NewSessionService(attempts, questions, scoring.NewEngine(evaluator, logger), broker, decksFromConfig(cfg), logger)
	s.duels = app.NewChallengeService(challenges, attempts, s.sessions, wallet, notifier, broker, app.ChallengeConfig{
		AcceptWindow:     config.TTLDuration(cfg.Challenge.AcceptWindow, 48*time.Hour),
		CompletionWindow: config.TTLDuration(cfg.Challenge.CompletionWindow, 24*time.Hour),
	}, logger)

	logger.Info("services wired",
		zap.Bool("redis", s.redis != nil),
		zap.Bool("postgres", cfg.Postgres.URL != ""),
		zap.Bool("rabbitmq", cfg.RabbitMQ.URL != ""),
		zap.Bool("ai_generator", cfg.Collaborators.GeneratorURL != ""),
		zap.Bool("ai_evaluator", cfg.Collaborators.EvaluatorURL != ""),
	)
	return s, nil
}

// sweep expires overdue challenges on every tick until ctx ends.
func sweep(ctx context.Context, duels *app.ChallengeService, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := duels.ExpireDue(ctx)
			if err != nil {
				logger.Warn("challenge sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("challenges expired", zap.Int("count", n))
			}
		}
	}
}
