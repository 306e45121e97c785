package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pavelanni/roleplay/internal/model"
)

type createAssignmentRequest struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Instructions string     `json:"instructions"`
	ScenarioID   string     `json:"scenario_id"`
	DueDate      *time.Time `json:"due_date"`
	MaxAttempts  *int       `json:"max_attempts"`
	IsActive     *bool      `json:"is_active"`
}

// updateAssignmentRequest changes only the fields that are present.
type updateAssignmentRequest struct {
	Title        *string    `json:"title"`
	Instructions *string    `json:"instructions"`
	DueDate      *time.Time `json:"due_date"`
	MaxAttempts  *int       `json:"max_attempts"`
	IsActive     *bool      `json:"is_active"`
}

func (h *Handler) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	var req createAssignmentRequest
	if !decode(w, r, &req) {
		return
	}
	a := model.Assignment{
		ID:           req.ID,
		Title:        req.Title,
		Instructions: req.Instructions,
		ScenarioID:   req.ScenarioID,
		DueDate:      req.DueDate,
		MaxAttempts:  1,
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if req.MaxAttempts != nil {
		a.MaxAttempts = *req.MaxAttempts
	}
	if req.IsActive != nil {
		a.IsActive = *req.IsActive
	}
	if err := a.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if _, err := h.catalog.GetScenario(ctx, a.ScenarioID); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.catalog.GetAssignment(ctx, a.ID); err == nil {
		writeError(w, r, model.Invalid("id", "assignment %q already exists", a.ID))
		return
	}
	if err := h.catalog.UpsertAssignment(ctx, a); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	as, err := h.catalog.ListAssignments(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, as)
}

func (h *Handler) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := h.catalog.GetAssignment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleUpdateAssignment(w http.ResponseWriter, r *http.Request) {
	var req updateAssignmentRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	a, err := h.catalog.GetAssignment(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Title != nil {
		a.Title = *req.Title
	}
	if req.Instructions != nil {
		a.Instructions = *req.Instructions
	}
	if req.DueDate != nil {
		a.DueDate = req.DueDate
	}
	if req.MaxAttempts != nil {
		a.MaxAttempts = *req.MaxAttempts
	}
	if req.IsActive != nil {
		a.IsActive = *req.IsActive
	}
	if err := a.Validate(); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.catalog.UpsertAssignment(ctx, a); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleDeactivateAssignment closes an assignment to new attempts. Existing
// attempts and their grades are kept.
func (h *Handler) handleDeactivateAssignment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, err := h.catalog.GetAssignment(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.IsActive = false
	if err := h.catalog.UpsertAssignment(ctx, a); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if _, err := h.catalog.GetAssignment(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}
	subs, err := h.catalog.ListSubmissions(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}
