package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/roleplay/internal/cohort"
	"github.com/pavelanni/roleplay/internal/eligibility"
	"github.com/pavelanni/roleplay/internal/i18n"
	"github.com/pavelanni/roleplay/internal/model"
	"github.com/pavelanni/roleplay/internal/rubric"
)

// Views add localized display labels on top of the domain types. Codes stay
// in the payload so clients can style on them.

type criterionView struct {
	model.CriterionScore
	Label string      `json:"label"`
	Band  rubric.Band `json:"band"`
}

type gradeResponse struct {
	model.Grade
	Criteria  []criterionView `json:"criteria_scores"`
	Percent   float64         `json:"percent"`
	Band      rubric.Band     `json:"band"`
	BandLabel string          `json:"band_label"`
}

func gradeView(ctx context.Context, g model.Grade) gradeResponse {
	out := gradeResponse{
		Grade:     g,
		Percent:   rubric.Round1(g.Percent()),
		Band:      g.Band(),
		BandLabel: i18n.BandLabel(ctx, g.Band()),
	}
	for _, c := range rubric.Criteria {
		cs, ok := g.Criteria[c]
		if !ok {
			continue
		}
		out.Criteria = append(out.Criteria, criterionView{
			CriterionScore: cs,
			Label:          i18n.CriterionLabel(ctx, c),
			Band:           rubric.BandOf(cs.Score, cs.MaxScore),
		})
	}
	return out
}

func reasonLabel(ctx context.Context, r model.Reason) string {
	return i18n.ReasonLabel(ctx, r)
}

type rubricEntry struct {
	Criterion rubric.Criterion `json:"criterion"`
	Label     string           `json:"label"`
	MaxScore  float64          `json:"default_max_score"`
}

func (h *Handler) handleRubric(w http.ResponseWriter, r *http.Request) {
	out := make([]rubricEntry, 0, len(rubric.Criteria))
	for _, c := range rubric.Criteria {
		out = append(out, rubricEntry{
			Criterion: c,
			Label:     i18n.CriterionLabel(r.Context(), c),
			MaxScore:  rubric.DefaultMaxScores[c],
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type scenarioView struct {
	model.Scenario
	Persona  *model.Persona `json:"persona,omitempty"`
	MaxTurns int            `json:"max_turns"`
}

func (h *Handler) handleScenarios(w http.ResponseWriter, r *http.Request) {
	scenarios, err := h.catalog.ListScenarios(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	personas, err := h.catalog.ListPersonas(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	byID := make(map[string]model.Persona, len(personas))
	for _, p := range personas {
		byID[p.ID] = p
	}
	out := make([]scenarioView, 0, len(scenarios))
	for _, s := range scenarios {
		v := scenarioView{Scenario: s, MaxTurns: s.MaxTurns}
		if v.MaxTurns <= 0 {
			v.MaxTurns = h.config.DefaultMaxTurns
		}
		if p, ok := byID[s.PersonaID]; ok {
			v.Persona = &p
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

type assignmentView struct {
	eligibility.Status
	ReasonLabel       string `json:"reason_label"`
	AttemptsRemaining int    `json:"attempts_remaining"`
	RemainingLabel    string `json:"attempts_remaining_label"`
}

func assignmentViews(ctx context.Context, statuses []eligibility.Status) []assignmentView {
	out := make([]assignmentView, 0, len(statuses))
	for _, s := range statuses {
		left := max(s.Assignment.MaxAttempts-s.Record.AttemptsUsed, 0)
		out = append(out, assignmentView{
			Status:            s,
			ReasonLabel:       reasonLabel(ctx, s.Decision.Reason),
			AttemptsRemaining: left,
			RemainingLabel:    i18n.AttemptsRemaining(ctx, left),
		})
	}
	return out
}

type studentDashboardView struct {
	cohort.StudentDashboard
	Assignments []assignmentView `json:"assignments"`
}

func (h *Handler) handleStudentDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.dashboards.StudentDashboard(r.Context(), chi.URLParam(r, "studentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, studentDashboardView{
		StudentDashboard: d,
		Assignments:      assignmentViews(r.Context(), d.Assignments),
	})
}

func (h *Handler) handleAssignments(w http.ResponseWriter, r *http.Request) {
	d, err := h.dashboards.StudentDashboard(r.Context(), chi.URLParam(r, "studentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignmentViews(r.Context(), d.Assignments))
}

type bucketView struct {
	Bucket cohort.Bucket `json:"bucket"`
	Label  string        `json:"label"`
	Count  int           `json:"count"`
}

type studentSummaryView struct {
	cohort.StudentSummary
	AttentionLabels []string `json:"attention_labels,omitempty"`
}

type instructorDashboardView struct {
	cohort.Report
	Buckets  []bucketView         `json:"buckets"`
	Students []studentSummaryView `json:"students"`
}

func (h *Handler) handleInstructorDashboard(w http.ResponseWriter, r *http.Request) {
	rep, err := h.dashboards.InstructorDashboard(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	out := instructorDashboardView{Report: rep}
	for _, b := range cohort.Buckets {
		out.Buckets = append(out.Buckets, bucketView{
			Bucket: b,
			Label:  i18n.BucketLabel(ctx, b),
			Count:  rep.Distribution[b],
		})
	}
	out.Students = make([]studentSummaryView, 0, len(rep.Students))
	for _, s := range rep.Students {
		v := studentSummaryView{StudentSummary: s}
		for _, reason := range s.AttentionReasons {
			v.AttentionLabels = append(v.AttentionLabels, i18n.AttentionLabel(ctx, reason, h.config.AttentionThreshold))
		}
		out.Students = append(out.Students, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.dashboards.ReviewQueue(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}
