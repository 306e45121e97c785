// Package handler exposes the role-play services as a JSON API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/roleplay/internal/cohort"
	"github.com/pavelanni/roleplay/internal/conversation"
	"github.com/pavelanni/roleplay/internal/grading"
	"github.com/pavelanni/roleplay/internal/model"
)

// Catalog holds the reference data students choose from and the
// assignments instructors manage.
type Catalog interface {
	ListScenarios(ctx context.Context) ([]model.Scenario, error)
	GetScenario(ctx context.Context, id string) (model.Scenario, error)
	ListPersonas(ctx context.Context) ([]model.Persona, error)
	ListAssignments(ctx context.Context) ([]model.Assignment, error)
	GetAssignment(ctx context.Context, id string) (model.Assignment, error)
	UpsertAssignment(ctx context.Context, a model.Assignment) error
	ListSubmissions(ctx context.Context, assignmentID string) ([]model.Submission, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	catalog       Catalog
	conversations *conversation.Service
	grades        *grading.Service
	dashboards    *cohort.Service
	config        model.Config
}

// New creates a new Handler.
func New(c Catalog, conv *conversation.Service, g *grading.Service, d *cohort.Service, cfg model.Config) *Handler {
	return &Handler{catalog: c, conversations: conv, grades: g, dashboards: d, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/rubric", h.handleRubric)
	r.Get("/scenarios", h.handleScenarios)

	r.Get("/students/{studentID}/assignments", h.handleAssignments)
	r.Get("/students/{studentID}/conversations", h.handleListConversations)
	r.Get("/students/{studentID}/dashboard", h.handleStudentDashboard)

	r.Post("/conversations", h.handleStart)
	r.Get("/conversations/{id}", h.handleGetConversation)
	r.Post("/conversations/{id}/messages", h.handleSend)
	r.Post("/conversations/{id}/end", h.handleEnd)

	r.Post("/conversations/{id}/grade", h.handleTriggerGrade)
	r.Get("/conversations/{id}/grade", h.handleGetGrade)
	r.Post("/conversations/{id}/grade/override", h.handleOverride)
	r.Get("/conversations/{id}/grade/history", h.handleGradeHistory)

	r.Post("/assignments", h.handleCreateAssignment)
	r.Get("/assignments", h.handleListAssignments)
	r.Get("/assignments/{id}", h.handleGetAssignment)
	r.Put("/assignments/{id}", h.handleUpdateAssignment)
	r.Post("/assignments/{id}/deactivate", h.handleDeactivateAssignment)
	r.Get("/assignments/{id}/submissions", h.handleSubmissions)

	r.Get("/instructor/dashboard", h.handleInstructorDashboard)
	r.Get("/grades/review", h.handleReviewQueue)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req conversation.StartRequest
	if !decode(w, r, &req) {
		return
	}
	conv, err := h.conversations.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.conversations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.conversations.List(r.Context(), chi.URLParam(r, "studentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

type sendRequest struct {
	Content string `json:"content"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.conversations.Send(r.Context(), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	res, err := h.conversations.End(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleTriggerGrade(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, model.Invalid("force", "%q is not a boolean", v))
			return
		}
		force = b
	}
	g, err := h.grades.Trigger(r.Context(), chi.URLParam(r, "id"), force)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gradeView(r.Context(), g))
}

func (h *Handler) handleGetGrade(w http.ResponseWriter, r *http.Request) {
	g, err := h.grades.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gradeView(r.Context(), g))
}

func (h *Handler) handleOverride(w http.ResponseWriter, r *http.Request) {
	var o grading.Override
	if !decode(w, r, &o) {
		return
	}
	g, err := h.grades.Override(r.Context(), chi.URLParam(r, "id"), o)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gradeView(r.Context(), g))
}

func (h *Handler) handleGradeHistory(w http.ResponseWriter, r *http.Request) {
	revs, err := h.grades.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revs)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, model.Invalid("body", "%v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	Field       string `json:"field,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ReasonLabel string `json:"reason_label,omitempty"`
}

// statusFor maps an error kind to its HTTP status and code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, model.ErrEligibility):
		return http.StatusConflict, "eligibility"
	case errors.Is(err, model.ErrConversationClosed):
		return http.StatusConflict, "conversation_closed"
	case errors.Is(err, model.ErrConcurrentOperation):
		return http.StatusConflict, "concurrent_operation"
	case errors.Is(err, model.ErrNotGradable):
		return http.StatusUnprocessableEntity, "not_gradable"
	case errors.Is(err, model.ErrUpstreamGeneration):
		return http.StatusBadGateway, "upstream_generation"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	body := errorBody{Error: code, Message: err.Error()}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body.Message = http.StatusText(status)
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	if reason, ok := model.ReasonOf(err); ok {
		body.Reason = string(reason)
		body.ReasonLabel = reasonLabel(r.Context(), reason)
	}
	writeJSON(w, status, body)
}
