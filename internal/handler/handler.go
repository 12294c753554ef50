// Package handler exposes a live conversation over a local JSON API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/tutorchat/internal/conversation"
	"github.com/pavelanni/tutorchat/internal/i18n"
	"github.com/pavelanni/tutorchat/internal/model"
)

const (
	defaultPollWait = 30 * time.Second
	maxPollWait     = 2 * time.Minute
	maxBodyBytes    = 1 << 20
)

// HealthChecker reports the health of the tutor backend.
type HealthChecker interface {
	Health(ctx context.Context) (*model.Health, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	ctrl   *conversation.Controller
	health HealthChecker
	logger *slog.Logger

	mu      sync.Mutex
	changed chan struct{} // closed and replaced on every commit

	inflight sync.WaitGroup
}

// New creates a Handler for ctrl. It subscribes to the controller's store.
func New(ctrl *conversation.Controller, health HealthChecker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		ctrl:    ctrl,
		health:  health,
		logger:  logger,
		changed: make(chan struct{}),
	}
	ctrl.Store().Subscribe(func(*conversation.State) {
		h.mu.Lock()
		close(h.changed)
		h.changed = make(chan struct{})
		h.mu.Unlock()
	})
	return h
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/state", h.handleState)
	r.Get("/questions", h.handleQuestions)
	r.Put("/answers", h.handleSetAnswers)
	r.Post("/answers/submit", h.handleSubmitAnswers)
	r.Post("/messages", h.handleSendMessage)
	r.Get("/health", h.handleHealth)
}

// Wait blocks until every background tutor round trip has finished.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

// stateView is the JSON form of a conversation snapshot.
type stateView struct {
	Version   uint64                 `json:"version"`
	SessionID string                 `json:"sessionId"`
	Messages  []model.Message        `json:"messages"`
	IsLoading bool                   `json:"isLoading"`
	Error     string                 `json:"error,omitempty"`
	Pending   []model.QuestionAnswer `json:"pendingAnswers"`
	Locked    []model.QuestionAnswer `json:"lockedAnswers"`
	Score     model.ScoreSummary     `json:"score"`
}

func newStateView(st *conversation.State) stateView {
	v := stateView{
		Version:   st.Version,
		SessionID: st.SessionID,
		Messages:  st.Messages,
		IsLoading: st.IsLoading,
		Error:     st.Error,
		Pending:   st.Pending(),
		Locked:    st.Locked(),
		Score:     conversation.Score(st.Questions().Questions(), st.Locked()),
	}
	if v.Messages == nil {
		v.Messages = []model.Message{}
	}
	if v.Pending == nil {
		v.Pending = []model.QuestionAnswer{}
	}
	if v.Locked == nil {
		v.Locked = []model.QuestionAnswer{}
	}
	return v
}

// questionView is a question as shown to the presentation layer.
type questionView struct {
	model.Question
	Locked  *model.QuestionAnswer               `json:"locked,omitempty"`
	Pending *model.QuestionAnswer               `json:"pending,omitempty"`
	Reveal  map[string]conversation.OptionState `json:"reveal,omitempty"`
	Correct *bool                               `json:"correct,omitempty"`
}

// handleState returns the current snapshot. With ?after=N it waits until the
// snapshot version exceeds N or the wait (?wait=, default 30s) expires.
func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	st := h.ctrl.Store().Snapshot()
	if raw := r.URL.Query().Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after: "+raw)
			return
		}
		wait := defaultPollWait
		if raw := r.URL.Query().Get("wait"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d < 0 {
				writeError(w, http.StatusBadRequest, "invalid wait: "+raw)
				return
			}
			wait = min(d, maxPollWait)
		}
		st = h.waitForVersion(r.Context(), after, wait)
	}
	writeJSON(w, http.StatusOK, newStateView(st))
}

func (h *Handler) waitForVersion(ctx context.Context, after uint64, wait time.Duration) *conversation.State {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		h.mu.Lock()
		changed := h.changed
		h.mu.Unlock()

		st := h.ctrl.Store().Snapshot()
		if st.Version > after {
			return st
		}
		select {
		case <-changed:
		case <-timer.C:
			return h.ctrl.Store().Snapshot()
		case <-ctx.Done():
			return h.ctrl.Store().Snapshot()
		}
	}
}

func (h *Handler) handleQuestions(w http.ResponseWriter, r *http.Request) {
	st := h.ctrl.Store().Snapshot()
	questions := st.Questions().Questions()
	out := make([]questionView, 0, len(questions))
	for _, q := range questions {
		v := questionView{Question: q}
		if a, ok := st.Answers.LockedAnswer(q.ID); ok {
			v.Locked = &a
			reveal, right := conversation.Reveal(q, a)
			v.Reveal = reveal
			v.Correct = &right
		} else if a, ok := st.Answers.PendingAnswer(q.ID); ok {
			v.Pending = &a
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSetAnswers(w http.ResponseWriter, r *http.Request) {
	var answers []model.QuestionAnswer
	if err := decodeBody(w, r, &answers); err != nil {
		writeError(w, http.StatusBadRequest, i18n.T(r.Context(), "InvalidBody"))
		return
	}
	st := h.ctrl.SetPending(conversation.EditableAnswers(answers, h.ctrl.Store().Snapshot().Locked()))
	writeJSON(w, http.StatusOK, newStateView(st))
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, i18n.T(r.Context(), "InvalidBody"))
		return
	}
	d, err := h.ctrl.TrySendMessage(body.Text)
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, i18n.T(r.Context(), "EmptyMessage"))
		return
	case errors.Is(err, conversation.ErrBusy):
		writeError(w, http.StatusConflict, i18n.T(r.Context(), "Busy"))
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	st := h.ctrl.Store().Snapshot()
	h.finish(r.Context(), d)
	writeJSON(w, http.StatusAccepted, newStateView(st))
}

func (h *Handler) handleSubmitAnswers(w http.ResponseWriter, r *http.Request) {
	d, err := h.ctrl.TrySubmitAnswers()
	if errors.Is(err, conversation.ErrBusy) {
		writeError(w, http.StatusConflict, i18n.T(r.Context(), "Busy"))
		return
	}
	if d == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	st := h.ctrl.Store().Snapshot()
	h.finish(r.Context(), d)
	writeJSON(w, http.StatusAccepted, newStateView(st))
}

// finish completes d in the background. The round trip outlives the request.
func (h *Handler) finish(ctx context.Context, d *conversation.Dispatch) {
	ctx = context.WithoutCancel(ctx)
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		d.Await(ctx)
	}()
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, model.Health{Status: "unknown"})
		return
	}
	health, err := h.health.Health(r.Context())
	if err != nil {
		h.logger.Warn("tutor health check failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
