// Package grading rolls per-criterion rubric scores up into grades and
// layers instructor overrides on top of AI grades.
package grading

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/roleplay/internal/model"
	"github.com/pavelanni/roleplay/internal/rubric"
)

// AIResult is what the grading collaborator produces for one conversation.
type AIResult struct {
	Criteria            map[rubric.Criterion]model.CriterionScore
	Strengths           []string
	AreasForImprovement []string
	OverallFeedback     string
	Confidence          *float64
}

// Override is an instructor's full or partial replacement of grade fields.
// Nil fields are left unchanged.
type Override struct {
	Scores              map[rubric.Criterion]float64 `json:"criteria_scores"`
	Strengths           *[]string                    `json:"strengths,omitempty"`
	AreasForImprovement *[]string                    `json:"areas_for_improvement,omitempty"`
	OverallFeedback     *string                      `json:"overall_feedback,omitempty"`
	Reason              string                       `json:"reason"`
}

// Compose builds an AI grade for a completed conversation.
func Compose(conv model.Conversation, res AIResult, now time.Time) (model.Grade, error) {
	if conv.Status != model.StatusCompleted {
		return model.Grade{}, fmt.Errorf("conversation %s is %s: %w", conv.ID, conv.Status, model.ErrNotGradable)
	}
	keys := make([]rubric.Criterion, 0, len(res.Criteria))
	for k := range res.Criteria {
		keys = append(keys, k)
	}
	if err := rubric.ValidateSet(keys); err != nil {
		return model.Grade{}, model.Invalid("criteria_scores", "%v", err)
	}
	if res.Confidence != nil && (*res.Confidence < 0 || *res.Confidence > 1) {
		return model.Grade{}, model.Invalid("confidence", "%v is outside [0, 1]", *res.Confidence)
	}

	criteria := make(map[rubric.Criterion]model.CriterionScore, len(res.Criteria))
	for k, cs := range res.Criteria {
		cs.Criterion = k
		if err := checkScore(cs); err != nil {
			return model.Grade{}, err
		}
		criteria[k] = cs
	}

	g := model.Grade{
		ID:                  uuid.NewString(),
		ConversationID:      conv.ID,
		Criteria:            criteria,
		Strengths:           append([]string(nil), res.Strengths...),
		AreasForImprovement: append([]string(nil), res.AreasForImprovement...),
		OverallFeedback:     res.OverallFeedback,
		GradedBy:            model.GradedByAI,
		GradedAt:            now,
	}
	if res.Confidence != nil {
		c := *res.Confidence
		g.AIConfidence = &c
	}
	return Recompute(g), nil
}

// ApplyOverride returns a copy of g with the override applied. The input
// grade is left untouched so callers can keep it as history.
func ApplyOverride(g model.Grade, o Override, now time.Time) (model.Grade, error) {
	reason := strings.TrimSpace(o.Reason)
	if reason == "" {
		return model.Grade{}, model.Invalid("reason", "an override reason is required")
	}

	out := g.Clone()
	for k, v := range o.Scores {
		if !k.Valid() {
			return model.Grade{}, model.Invalid("criteria_scores", "unknown criterion %q", k)
		}
		cs, ok := out.Criteria[k]
		if !ok {
			return model.Grade{}, model.Invalid("criteria_scores", "criterion %q missing from grade", k)
		}
		cs.Score = v
		if err := checkScore(cs); err != nil {
			return model.Grade{}, err
		}
		out.Criteria[k] = cs
	}
	if o.Strengths != nil {
		out.Strengths = append([]string(nil), (*o.Strengths)...)
	}
	if o.AreasForImprovement != nil {
		out.AreasForImprovement = append([]string(nil), (*o.AreasForImprovement)...)
	}
	if o.OverallFeedback != nil {
		out.OverallFeedback = *o.OverallFeedback
	}

	out.GradedBy = model.GradedByInstructor
	out.InstructorOverride = true
	out.OverrideReason = reason
	out.GradedAt = now
	return Recompute(out), nil
}

// Recompute sets the totals from the current criterion scores.
func Recompute(g model.Grade) model.Grade {
	var total, maxTotal float64
	for _, cs := range g.Criteria {
		total += cs.Score
		maxTotal += cs.MaxScore
	}
	g.TotalScore = total
	g.MaxScore = maxTotal
	return g
}

func checkScore(cs model.CriterionScore) error {
	if cs.MaxScore <= 0 {
		return model.Invalid(string(cs.Criterion), "max score must be positive, got %v", cs.MaxScore)
	}
	if cs.Score < 0 || cs.Score > cs.MaxScore {
		return model.Invalid(string(cs.Criterion), "score %v must be between 0 and %v", cs.Score, cs.MaxScore)
	}
	return nil
}
