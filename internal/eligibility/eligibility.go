// Package eligibility decides whether a student may start another attempt
// at an assignment.
package eligibility

import (
	"time"

	"github.com/pavelanni/roleplay/internal/model"
)

// Decision is the outcome of an eligibility check. Overdue is reported
// independently of the reason so callers can style a past-due assignment
// even when another rule blocked the attempt first.
type Decision struct {
	CanAttempt bool         `json:"can_attempt"`
	Reason     model.Reason `json:"reason"`
	Overdue    bool         `json:"overdue"`
}

// IsOverdue reports whether a due date is set and has passed.
func IsOverdue(due *time.Time, now time.Time) bool {
	return due != nil && now.After(*due)
}

// Evaluate applies the attempt policy. Rules are checked in order and the
// first match wins: inactive, max attempts reached, past due.
func Evaluate(a model.Assignment, attemptsUsed int, now time.Time) Decision {
	d := Decision{Overdue: IsOverdue(a.DueDate, now)}
	switch {
	case !a.IsActive:
		d.Reason = model.ReasonInactive
	case attemptsUsed >= a.MaxAttempts:
		d.Reason = model.ReasonMaxAttemptsReached
	case d.Overdue:
		d.Reason = model.ReasonPastDue
	default:
		d.CanAttempt = true
		d.Reason = model.ReasonOK
	}
	return d
}

// Check is Evaluate returning an *model.EligibilityError when the attempt is refused.
func Check(a model.Assignment, attemptsUsed int, now time.Time) error {
	d := Evaluate(a, attemptsUsed, now)
	if d.CanAttempt {
		return nil
	}
	return &model.EligibilityError{Reason: d.Reason}
}

// BuildRecord derives a student's attempt record for one assignment from
// their conversations and the grades attached to them. Every started
// conversation counts as an attempt regardless of its status. Only completed
// conversations contribute to the best score.
func BuildRecord(a model.Assignment, studentID string, conversations []model.Conversation, grades map[string]model.Grade, now time.Time) model.AttemptRecord {
	var rec model.AttemptRecord
	for _, c := range conversations {
		if c.StudentID != studentID || c.AssignmentID == nil || *c.AssignmentID != a.ID {
			continue
		}
		rec.AttemptsUsed++
		if c.Status != model.StatusCompleted {
			continue
		}
		g, ok := grades[c.ID]
		if !ok {
			continue
		}
		if rec.BestScore == nil || g.TotalScore > *rec.BestScore {
			score := g.TotalScore
			rec.BestScore = &score
		}
	}
	rec.CanAttempt = Evaluate(a, rec.AttemptsUsed, now).CanAttempt
	return rec
}

// Status bundles an assignment with a student's record and the decision for it.
type Status struct {
	Assignment model.Assignment    `json:"assignment"`
	Record     model.AttemptRecord `json:"record"`
	Decision   Decision            `json:"decision"`
}

// ForStudent evaluates every assignment for one student.
func ForStudent(assignments []model.Assignment, studentID string, conversations []model.Conversation, grades map[string]model.Grade, now time.Time) []Status {
	out := make([]Status, 0, len(assignments))
	for _, a := range assignments {
		rec := BuildRecord(a, studentID, conversations, grades, now)
		out = append(out, Status{
			Assignment: a,
			Record:     rec,
			Decision:   Evaluate(a, rec.AttemptsUsed, now),
		})
	}
	return out
}
