package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quizduel-service/internal/app"
	"quizduel-service/internal/domain"
)

// WSHandler streams attempt and challenge state to websocket clients. On an
// attempt stream the client may also checkpoint answers, navigate and submit.
type WSHandler struct {
	sessions *app.SessionService
	duels    *app.ChallengeService
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(sessions *app.SessionService, duels *app.ChallengeService, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		sessions: sessions,
		duels:    duels,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	QuestionID string        `json:"questionId"`
	Answer     domain.Answer `json:"answer"`
}

type navigatePayload struct {
	Index int `json:"index"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

// ServeAttempt handles /ws/attempts/{attemptID}.
func (h *WSHandler) ServeAttempt(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	attemptID := chi.URLParam(r, "attemptID")
	if user == "" {
		badRequest(w, "missing userId")
		return
	}
	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	updates, cancel, err := h.sessions.Subscribe(ctx, user, attemptID)
	if err != nil {
		status, body := classify(err)
		writeJSON(w, status, body)
		return
	}
	defer cancel()

	serve(h, w, r, "attempt", updates, func(send chan<- outboundMessage[any], in inboundMessage) {
		var err error
		switch in.Type {
		case "answer":
			var p answerPayload
			if err := json.Unmarshal(in.Payload, &p); err != nil {
				send <- errorMessage("invalid answer payload")
				return
			}
			_, err = h.sessions.RecordAnswer(ctx, user, attemptID, p.QuestionID, p.Answer)
		case "navigate":
			var p navigatePayload
			if err := json.Unmarshal(in.Payload, &p); err != nil {
				send <- errorMessage("invalid navigate payload")
				return
			}
			_, err = h.sessions.Navigate(ctx, user, attemptID, p.Index)
		case "submit":
			var graded domain.Attempt
			if graded, err = h.sessions.Submit(ctx, user, attemptID); err == nil {
				send <- outboundMessage[any]{Type: "result", Payload: graded}
			}
		default:
			send <- errorMessage("unsupported message type")
			return
		}
		// Successful checkpoints come back through the subscription.
		if err != nil {
			_, body := classify(err)
			send <- outboundMessage[any]{Type: "error", Payload: body}
		}
	})
}

// ServeChallenge handles /ws/challenges/{challengeID}. It is read-only.
func (h *WSHandler) ServeChallenge(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		badRequest(w, "missing userId")
		return
	}
	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	updates, cancel, err := h.duels.Subscribe(ctx, chi.URLParam(r, "challengeID"), user)
	if err != nil {
		status, body := classify(err)
		writeJSON(w, status, body)
		return
	}
	defer cancel()

	serve(h, w, r, "challenge", updates, func(send chan<- outboundMessage[any], _ inboundMessage) {
		send <- errorMessage("challenge streams are read-only")
	})
}

func errorMessage(msg string) outboundMessage[any] {
	return outboundMessage[any]{Type: "error", Payload: errorBody{Code: "bad_request", Message: msg}}
}

// serve upgrades the connection, forwards updates and dispatches inbound
// messages until the client goes away. Only the writer goroutine touches the
// connection for writes.
func serve[T any](h *WSHandler, w http.ResponseWriter, r *http.Request, kind string, updates <-chan T, handle func(chan<- outboundMessage[any], inboundMessage)) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("ws write error", zap.Error(err))
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: kind, Payload: update}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		handle(send, inbound)
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}
