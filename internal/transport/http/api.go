package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"quizduel-service/internal/app"
	"quizduel-service/internal/domain"
)

// UserHeader carries the caller identity established by the upstream gateway.
const UserHeader = "X-User-ID"

// API exposes the attempt and challenge use cases over REST and websockets.
type API struct {
	sessions *app.SessionService
	duels    *app.ChallengeService
	ws       *WSHandler
	logger   *zap.Logger
	now      func() time.Time
}

func NewAPI(sessions *app.SessionService, duels *app.ChallengeService, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		sessions: sessions,
		duels:    duels,
		ws:       NewWSHandler(sessions, duels, logger),
		logger:   logger,
		now:      time.Now,
	}
}

// Routes builds the router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30*time.Second), a.logRequests)
		r.Post("/quizzes/start", a.startQuiz)
		r.Get("/history", a.history)
		r.Route("/attempts/{attemptID}", func(r chi.Router) {
			r.Get("/", a.getAttempt)
			r.Put("/answers/{questionID}", a.recordAnswer)
			r.Put("/position", a.navigate)
			r.Post("/submit", a.submit)
			r.Post("/abandon", a.abandon)
		})
		r.Route("/challenges", func(r chi.Router) {
			r.Post("/", a.createChallenge)
			r.Get("/", a.listChallenges)
			r.Route("/{challengeID}", func(r chi.Router) {
				r.Get("/", a.getChallenge)
				r.Post("/accept", a.acceptChallenge)
				r.Post("/reject", a.rejectChallenge)
				r.Post("/cancel", a.cancelChallenge)
				r.Post("/play", a.playChallenge)
			})
		})
	})

	// Long-lived streams sit outside the request timeout.
	r.Get("/ws/attempts/{attemptID}", a.ws.ServeAttempt)
	r.Get("/ws/challenges/{challengeID}", a.ws.ServeChallenge)
	return r
}

// logRequests writes one line per REST request.
func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Info("request",
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("client_ip", r.RemoteAddr),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, body)
}

// userID reads the caller. Websocket clients cannot set headers, so the query
// parameter is accepted as a fallback.
func userID(r *http.Request) string {
	if id := r.Header.Get(UserHeader); id != "" {
		return id
	}
	return r.URL.Query().Get("userId")
}

func (a *API) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := userID(r)
	if id == "" {
		badRequest(w, "missing "+UserHeader+" header")
		return "", false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

type startBody struct {
	UserID string         `json:"userId"`
	Scope  domain.Scope   `json:"scope"`
	Title  string         `json:"title"`
	Retake app.RetakeMode `json:"retake"`
}

func (a *API) startQuiz(w http.ResponseWriter, r *http.Request) {
	var body startBody
	if !decode(w, r, &body) {
		return
	}
	user := userID(r)
	if user == "" {
		user = body.UserID
	}
	if user == "" {
		badRequest(w, "missing user")
		return
	}
	switch body.Retake {
	case app.RetakeUnset, app.RetakeSame, app.RetakeNew:
	default:
		badRequest(w, "retake must be \"same\", \"new\" or empty")
		return
	}
	res, err := a.sessions.Start(r.Context(), app.StartRequest{UserID: user, Scope: body.Scope, Title: body.Title, Retake: body.Retake})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (a *API) history(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	scope := domain.Scope{Level: domain.ScopeLevel(q.Get("level")), CourseID: q.Get("courseId")}
	scope.ModuleIndex, _ = strconv.Atoi(q.Get("moduleIndex"))
	scope.LessonIndex, _ = strconv.Atoi(q.Get("lessonIndex"))
	if err := scope.Validate(); err != nil {
		a.fail(w, r, err)
		return
	}
	attempts, err := a.sessions.History(r.Context(), user, scope)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []domain.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (a *API) getAttempt(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	attempt, err := a.sessions.Get(r.Context(), user, chi.URLParam(r, "attemptID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (a *API) recordAnswer(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	var answer domain.Answer
	if !decode(w, r, &answer) {
		return
	}
	attempt, err := a.sessions.RecordAnswer(r.Context(), user, chi.URLParam(r, "attemptID"), chi.URLParam(r, "questionID"), answer)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (a *API) navigate(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	var body struct {
		Index *int `json:"index"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Index == nil {
		badRequest(w, "missing index")
		return
	}
	attempt, err := a.sessions.Navigate(r.Context(), user, chi.URLParam(r, "attemptID"), *body.Index)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	attempt, err := a.sessions.Submit(r.Context(), user, chi.URLParam(r, "attemptID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (a *API) abandon(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	attempt, err := a.sessions.Abandon(r.Context(), user, chi.URLParam(r, "attemptID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

// challengeView adds the display countdown. Transitions never read it.
type challengeView struct {
	domain.Challenge
	RemainingSeconds int64 `json:"remainingSeconds"`
}

func (a *API) view(c domain.Challenge) challengeView {
	return challengeView{Challenge: c, RemainingSeconds: int64(c.Remaining(a.now()) / time.Second)}
}

func (a *API) createChallenge(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	var req app.CreateChallenge
	if !decode(w, r, &req) {
		return
	}
	req.ChallengerID = user
	c, err := a.duels.Create(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.view(c))
}

func (a *API) listChallenges(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	cs, err := a.duels.ListForUser(r.Context(), user)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]challengeView, 0, len(cs))
	for _, c := range cs {
		out = append(out, a.view(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getChallenge(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	c, err := a.duels.Get(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !c.IsParticipant(user) {
		a.fail(w, r, domain.ErrNotParticipant)
		return
	}
	writeJSON(w, http.StatusOK, a.view(c))
}

type transition func(r *http.Request, id, user string) (domain.Challenge, error)

func (a *API) respond(fn transition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := a.requireUser(w, r)
		if !ok {
			return
		}
		c, err := fn(r, chi.URLParam(r, "challengeID"), user)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a.view(c))
	}
}

func (a *API) acceptChallenge(w http.ResponseWriter, r *http.Request) {
	a.respond(func(r *http.Request, id, user string) (domain.Challenge, error) {
		return a.duels.Accept(r.Context(), id, user)
	})(w, r)
}

func (a *API) rejectChallenge(w http.ResponseWriter, r *http.Request) {
	a.respond(func(r *http.Request, id, user string) (domain.Challenge, error) {
		return a.duels.Reject(r.Context(), id, user)
	})(w, r)
}

func (a *API) cancelChallenge(w http.ResponseWriter, r *http.Request) {
	a.respond(func(r *http.Request, id, user string) (domain.Challenge, error) {
		return a.duels.Cancel(r.Context(), id, user)
	})(w, r)
}

func (a *API) playChallenge(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}
	res, err := a.duels.StartAttempt(r.Context(), chi.URLParam(r, "challengeID"), user)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}
