package cohort

import (
	"sort"
	"time"

	"github.com/pavelanni/roleplay/internal/model"
	"github.com/pavelanni/roleplay/internal/rubric"
)

// ProgressPoint is one graded conversation on a student's progress chart.
type ProgressPoint struct {
	ConversationID string                 `json:"conversation_id"`
	Mode           model.ConversationMode `json:"mode"`
	Percent        float64                `json:"percent"`
	Band           rubric.Band            `json:"band"`
	GradedAt       time.Time              `json:"graded_at"`
}

// Stats summarizes one student's own history. Scores are percentages.
type Stats struct {
	TotalConversations int             `json:"total_conversations"`
	Completed          int             `json:"completed"`
	Practice           int             `json:"practice"`
	Graded             int             `json:"graded"`
	AverageScore       *float64        `json:"average_score,omitempty"`
	BestScore          *float64        `json:"best_score,omitempty"`
	Improvement        *float64        `json:"improvement,omitempty"`
	Progress           []ProgressPoint `json:"progress"`
}

// StudentStats computes a student's stats from their conversations and the
// grades keyed by conversation id. Improvement is the best score minus the
// first graded score and needs at least two grades.
func StudentStats(conversations []model.Conversation, grades map[string]model.Grade) Stats {
	st := Stats{Progress: []ProgressPoint{}}
	for _, c := range conversations {
		st.TotalConversations++
		if c.Status == model.StatusCompleted {
			st.Completed++
		}
		switch c.Mode {
		case model.ModePractice:
			st.Practice++
		case model.ModeGraded:
			st.Graded++
		}
		g, ok := grades[c.ID]
		if !ok || c.Status != model.StatusCompleted {
			continue
		}
		st.Progress = append(st.Progress, ProgressPoint{
			ConversationID: c.ID,
			Mode:           c.Mode,
			Percent:        rubric.Round1(g.Percent()),
			Band:           g.Band(),
			GradedAt:       g.GradedAt,
		})
	}
	if len(st.Progress) == 0 {
		return st
	}
	sort.SliceStable(st.Progress, func(i, j int) bool {
		return st.Progress[i].GradedAt.Before(st.Progress[j].GradedAt)
	})

	var sum, best float64
	for i, p := range st.Progress {
		sum += p.Percent
		if i == 0 || p.Percent > best {
			best = p.Percent
		}
	}
	avg := rubric.Round1(sum / float64(len(st.Progress)))
	st.AverageScore = &avg
	st.BestScore = &best
	if len(st.Progress) > 1 {
		imp := rubric.Round1(best - st.Progress[0].Percent)
		st.Improvement = &imp
	}
	return st
}
