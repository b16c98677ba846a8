package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"quizduel-service/internal/domain"
	"quizduel-service/internal/pool"
	"quizduel-service/internal/scoring"
)

// Client talks to the content-generation and answer-evaluation services over
// JSON/HTTP. Either base URL may be empty when only one role is needed.
type Client struct {
	generatorURL string
	evaluatorURL string
	http         *http.Client
	logger       *zap.Logger
}

func NewClient(generatorURL, evaluatorURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		generatorURL: strings.TrimRight(generatorURL, "/"),
		evaluatorURL: strings.TrimRight(evaluatorURL, "/"),
		http:         &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

type generateRequest struct {
	Scope      domain.Scope `json:"scope"`
	Count      int          `json:"count"`
	Objective  int          `json:"objective"`
	Subjective int          `json:"subjective"`
}

type generateResponse struct {
	Questions []domain.Question `json:"questions"`
}

// GenerateQuestions implements pool.Generator.
func (c *Client) GenerateQuestions(ctx context.Context, scope domain.Scope, count int, split pool.Split) ([]domain.Question, error) {
	var resp generateResponse
	req := generateRequest{Scope: scope, Count: count, Objective: split.Objective, Subjective: split.Subjective}
	if err := c.post(ctx, c.generatorURL+"/questions", req, &resp); err != nil {
		return nil, fmt.Errorf("generate questions: %w", err)
	}
	for i := range resp.Questions {
		resp.Questions[i].Scope = scope
	}
	c.logger.Debug("questions generated", zap.String("scope", scope.Key()), zap.Int("count", len(resp.Questions)))
	return resp.Questions, nil
}

type evaluateRequest struct {
	Prompt    string `json:"prompt"`
	Answer    string `json:"answer"`
	Reference string `json:"reference"`
}

// Evaluate implements scoring.Evaluator.
func (c *Client) Evaluate(ctx context.Context, prompt, answer, reference string) (scoring.Evaluation, error) {
	var out scoring.Evaluation
	if err := c.post(ctx, c.evaluatorURL+"/evaluate", evaluateRequest{Prompt: prompt, Answer: answer, Reference: reference}, &out); err != nil {
		return scoring.Evaluation{}, fmt.Errorf("evaluate answer: %w", err)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, url string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Client.Timeout errors do not wrap the context deadline.
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
