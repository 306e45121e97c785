// Package cohort computes instructor and student dashboard statistics from
// an explicit snapshot of conversations and grades.
package cohort

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pavelanni/roleplay/internal/eligibility"
	"github.com/pavelanni/roleplay/internal/model"
	"github.com/pavelanni/roleplay/internal/rubric"
)

// Bucket is a score distribution bucket.
type Bucket string

const (
	Bucket90To100 Bucket = "90-100"
	Bucket80To89  Bucket = "80-89"
	Bucket70To79  Bucket = "70-79"
	Bucket60To69  Bucket = "60-69"
	BucketBelow60 Bucket = "<60"
)

// Buckets lists every bucket, highest first.
var Buckets = []Bucket{Bucket90To100, Bucket80To89, Bucket70To79, Bucket60To69, BucketBelow60}

// Valid reports whether b is a known bucket.
func (b Bucket) Valid() bool {
	for _, k := range Buckets {
		if k == b {
			return true
		}
	}
	return false
}

// BucketOf places a score by floor(score/max*100). Lower edges are inclusive.
func BucketOf(score, maxScore float64) Bucket {
	p := math.Floor(rubric.Percent(score, maxScore))
	switch {
	case p >= 90:
		return Bucket90To100
	case p >= 80:
		return Bucket80To89
	case p >= 70:
		return Bucket70To79
	case p >= 60:
		return Bucket60To69
	default:
		return BucketBelow60
	}
}

// Attention reasons.
const (
	AttentionLowAverage          = "low_average"
	AttentionOverdueNotAttempted = "overdue_not_attempted"
)

// Snapshot is everything the aggregator looks at. Grades whose
// conversation is not in the snapshot are ignored.
type Snapshot struct {
	Students      []model.Student
	Assignments   []model.Assignment
	Conversations []model.Conversation
	Grades        []model.Grade
}

// Options are the aggregation thresholds.
type Options struct {
	AttentionThreshold float64 // percent
	ReviewConfidence   float64
	ActiveWindow       time.Duration
	Now                time.Time
}

// OptionsFrom builds Options from the runtime configuration.
func OptionsFrom(cfg model.Config, now time.Time) Options {
	return Options{
		AttentionThreshold: cfg.AttentionThreshold,
		ReviewConfidence:   cfg.ReviewConfidence,
		ActiveWindow:       cfg.ActiveWindow,
		Now:                now,
	}
}

// StudentSummary is one row of the instructor's student table.
// Scores are percentages of the grade maximum.
type StudentSummary struct {
	Student          model.Student `json:"student"`
	Conversations    int           `json:"conversations"`
	Graded           int           `json:"graded"`
	AverageScore     *float64      `json:"average_score,omitempty"`
	BestScore        *float64      `json:"best_score,omitempty"`
	LastActivity     *time.Time    `json:"last_activity,omitempty"`
	Active           bool          `json:"active"`
	NeedsAttention   bool          `json:"needs_attention"`
	AttentionReasons []string      `json:"attention_reasons,omitempty"`
}

// ReviewItem is an AI grade the instructor should double-check.
type ReviewItem struct {
	GradeID        string    `json:"grade_id"`
	ConversationID string    `json:"conversation_id"`
	StudentID      string    `json:"student_id"`
	StudentName    string    `json:"student_name"`
	ScenarioID     string    `json:"scenario_id"`
	TotalScore     float64   `json:"total_score"`
	MaxScore       float64   `json:"max_score"`
	Confidence     float64   `json:"confidence"`
	GradedAt       time.Time `json:"graded_at"`
}

// RecentActivityLimit is how many conversations the recent activity feed lists.
const RecentActivityLimit = 10

// ActivityItem is one conversation in the recent activity feed. Score is a
// percentage and is set only for graded conversations.
type ActivityItem struct {
	ConversationID string                   `json:"conversation_id"`
	StudentID      string                   `json:"student_id"`
	StudentName    string                   `json:"student_name"`
	ScenarioID     string                   `json:"scenario_id"`
	PersonaName    string                   `json:"persona_name"`
	Mode           model.ConversationMode   `json:"mode"`
	Status         model.ConversationStatus `json:"status"`
	Score          *float64                 `json:"score,omitempty"`
	StartedAt      time.Time                `json:"started_at"`
	CompletedAt    *time.Time               `json:"completed_at,omitempty"`
}

// Report is the instructor dashboard.
type Report struct {
	AverageScore       *float64         `json:"average_score,omitempty"`
	BestScore          *float64         `json:"best_score,omitempty"`
	Distribution       map[Bucket]int   `json:"score_distribution"`
	Students           []StudentSummary `json:"students"`
	NeedsReview        []ReviewItem     `json:"grades_needing_review"`
	RecentActivity     []ActivityItem   `json:"recent_activity"`
	StruggleInputs     []string         `json:"-"`
	CommonStruggles    []string         `json:"common_struggles"`
	TotalStudents      int              `json:"total_students"`
	ActiveStudents     int              `json:"active_students"`
	TotalConversations int              `json:"total_conversations"`
	TotalGraded        int              `json:"total_graded"`
}

type studentAcc struct {
	summary StudentSummary
	sum     float64
}

// Aggregate reduces a snapshot to the instructor dashboard. It does not
// fill CommonStruggles; that ranking belongs to a Clusterer.
func Aggregate(snap Snapshot, opts Options) Report {
	rep := Report{
		Distribution:   make(map[Bucket]int, len(Buckets)),
		Students:       []StudentSummary{},
		NeedsReview:    []ReviewItem{},
		RecentActivity: []ActivityItem{},
		StruggleInputs: []string{},
	}
	for _, b := range Buckets {
		rep.Distribution[b] = 0
	}

	accs := make(map[string]*studentAcc, len(snap.Students))
	for _, s := range snap.Students {
		accs[s.ID] = &studentAcc{summary: StudentSummary{Student: s}}
	}
	convs := make(map[string]model.Conversation, len(snap.Conversations))
	for _, c := range snap.Conversations {
		convs[c.ID] = c
		rep.TotalConversations++
		acc, ok := accs[c.StudentID]
		if !ok {
			continue
		}
		acc.summary.Conversations++
		last := c.LastActivity()
		if acc.summary.LastActivity == nil || last.After(*acc.summary.LastActivity) {
			acc.summary.LastActivity = &last
		}
		if !c.StartedAt.Before(opts.Now.Add(-opts.ActiveWindow)) {
			acc.summary.Active = true
		}
	}

	var sum float64
	scores := make(map[string]float64, len(snap.Grades))
	for _, g := range snap.Grades {
		c, ok := convs[g.ConversationID]
		if !ok || c.Status != model.StatusCompleted {
			continue
		}
		pct := g.Percent()
		scores[c.ID] = rubric.Round1(pct)
		rep.TotalGraded++
		sum += pct
		if rep.BestScore == nil || pct > *rep.BestScore {
			best := pct
			rep.BestScore = &best
		}
		rep.Distribution[BucketOf(g.TotalScore, g.MaxScore)]++
		rep.StruggleInputs = append(rep.StruggleInputs, g.AreasForImprovement...)

		acc, known := accs[c.StudentID]
		if known {
			acc.summary.Graded++
			acc.sum += pct
			if acc.summary.BestScore == nil || pct > *acc.summary.BestScore {
				best := pct
				acc.summary.BestScore = &best
			}
		}

		if g.GradedBy == model.GradedByAI && g.AIConfidence != nil && *g.AIConfidence < opts.ReviewConfidence {
			item := ReviewItem{
				GradeID:        g.ID,
				ConversationID: c.ID,
				StudentID:      c.StudentID,
				ScenarioID:     c.ScenarioID,
				TotalScore:     g.TotalScore,
				MaxScore:       g.MaxScore,
				Confidence:     *g.AIConfidence,
				GradedAt:       g.GradedAt,
			}
			if known {
				item.StudentName = acc.summary.Student.Name
			}
			rep.NeedsReview = append(rep.NeedsReview, item)
		}
	}
	if rep.TotalGraded > 0 {
		avg := rubric.Round1(sum / float64(rep.TotalGraded))
		rep.AverageScore = &avg
		best := rubric.Round1(*rep.BestScore)
		rep.BestScore = &best
	}
	sort.SliceStable(rep.NeedsReview, func(i, j int) bool {
		return rep.NeedsReview[i].Confidence < rep.NeedsReview[j].Confidence
	})

	for _, s := range snap.Students {
		acc := accs[s.ID]
		row := &acc.summary
		if row.Graded > 0 {
			avg := rubric.Round1(acc.sum / float64(row.Graded))
			row.AverageScore = &avg
			best := rubric.Round1(*row.BestScore)
			row.BestScore = &best
			if avg < opts.AttentionThreshold {
				row.AttentionReasons = append(row.AttentionReasons, AttentionLowAverage)
			}
		}
		if overdueNotAttempted(s.ID, snap.Assignments, snap.Conversations, opts.Now) {
			row.AttentionReasons = append(row.AttentionReasons, AttentionOverdueNotAttempted)
		}
		row.NeedsAttention = len(row.AttentionReasons) > 0
		if row.Active {
			rep.ActiveStudents++
		}
		rep.Students = append(rep.Students, *row)
	}
	rep.TotalStudents = len(rep.Students)
	rep.RecentActivity = recentActivity(snap.Conversations, accs, scores)
	sort.SliceStable(rep.Students, func(i, j int) bool {
		a, b := rep.Students[i], rep.Students[j]
		if a.NeedsAttention != b.NeedsAttention {
			return a.NeedsAttention
		}
		return strings.ToLower(a.Student.Name) < strings.ToLower(b.Student.Name)
	})
	return rep
}

// recentActivity lists the newest conversations first, ties by ID.
func recentActivity(convs []model.Conversation, accs map[string]*studentAcc, scores map[string]float64) []ActivityItem {
	sorted := append([]model.Conversation(nil), convs...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].StartedAt.Equal(sorted[j].StartedAt) {
			return sorted[i].StartedAt.After(sorted[j].StartedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	if len(sorted) > RecentActivityLimit {
		sorted = sorted[:RecentActivityLimit]
	}
	out := make([]ActivityItem, 0, len(sorted))
	for _, c := range sorted {
		item := ActivityItem{
			ConversationID: c.ID,
			StudentID:      c.StudentID,
			ScenarioID:     c.ScenarioID,
			PersonaName:    c.PersonaName,
			Mode:           c.Mode,
			Status:         c.Status,
			StartedAt:      c.StartedAt,
			CompletedAt:    c.CompletedAt,
		}
		if acc, ok := accs[c.StudentID]; ok {
			item.StudentName = acc.summary.Student.Name
		}
		if score, ok := scores[c.ID]; ok {
			item.Score = &score
		}
		out = append(out, item)
	}
	return out
}

// overdueNotAttempted looks at the active assignment whose due date passed
// most recently and reports whether the student never started it.
func overdueNotAttempted(studentID string, assignments []model.Assignment, convs []model.Conversation, now time.Time) bool {
	var latest *model.Assignment
	for i := range assignments {
		a := &assignments[i]
		if !a.IsActive || !eligibility.IsOverdue(a.DueDate, now) {
			continue
		}
		if latest == nil || a.DueDate.After(*latest.DueDate) {
			latest = a
		}
	}
	if latest == nil {
		return false
	}
	for _, c := range convs {
		if c.StudentID == studentID && c.AssignmentID != nil && *c.AssignmentID == latest.ID {
			return false
		}
	}
	return true
}
