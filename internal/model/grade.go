package model

import (
	"time"

	"github.com/pavelanni/roleplay/internal/rubric"
)

// CriterionScore is the score for a single rubric criterion.
type CriterionScore struct {
	Criterion rubric.Criterion `json:"criterion"`
	Score     float64          `json:"score"`
	MaxScore  float64          `json:"max_score"`
	Evidence  string           `json:"evidence,omitempty"`
	Feedback  string           `json:"feedback,omitempty"`
}

// Grade is the evaluation of one completed conversation.
type Grade struct {
	ID                  string                              `json:"id"`
	ConversationID      string                              `json:"conversation_id"`
	Criteria            map[rubric.Criterion]CriterionScore `json:"criteria_scores"`
	TotalScore          float64                             `json:"total_score"`
	MaxScore            float64                             `json:"max_score"`
	Strengths           []string                            `json:"strengths"`
	AreasForImprovement []string                            `json:"areas_for_improvement"`
	OverallFeedback     string                              `json:"overall_feedback"`
	GradedBy            GradedBy                            `json:"graded_by"`
	AIConfidence        *float64                            `json:"ai_confidence,omitempty"`
	GradedAt            time.Time                           `json:"graded_at"`
	InstructorOverride  bool                                `json:"instructor_override"`
	OverrideReason      string                              `json:"override_reason,omitempty"`
}

// Percent returns the total as a percentage of the maximum.
func (g Grade) Percent() float64 {
	return rubric.Percent(g.TotalScore, g.MaxScore)
}

// Band returns the qualitative band of the total.
func (g Grade) Band() rubric.Band {
	return rubric.BandOf(g.TotalScore, g.MaxScore)
}

// Clone returns a deep copy of g.
func (g Grade) Clone() Grade {
	c := g
	c.Criteria = make(map[rubric.Criterion]CriterionScore, len(g.Criteria))
	for k, v := range g.Criteria {
		c.Criteria[k] = v
	}
	c.Strengths = append([]string(nil), g.Strengths...)
	c.AreasForImprovement = append([]string(nil), g.AreasForImprovement...)
	if g.AIConfidence != nil {
		v := *g.AIConfidence
		c.AIConfidence = &v
	}
	return c
}

// GradeRevision is a superseded state of a grade kept for review history.
type GradeRevision struct {
	ConversationID string    `json:"conversation_id"`
	Revision       int       `json:"revision"`
	Grade          Grade     `json:"grade"`
	RecordedAt     time.Time `json:"recorded_at"`
}
