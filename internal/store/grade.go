package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/roleplay/internal/model"
	"github.com/pavelanni/roleplay/internal/rubric"
)

const gradeColumns = `id, conversation_id, criteria, total_score, max_score, strengths, areas_for_improvement,
	overall_feedback, graded_by, ai_confidence, graded_at, instructor_override, override_reason`

func scanGrade(row rowScanner) (model.Grade, error) {
	var (
		g                    model.Grade
		criteria, str, areas string
	)
	err := row.Scan(&g.ID, &g.ConversationID, &criteria, &g.TotalScore, &g.MaxScore, &str, &areas,
		&g.OverallFeedback, &g.GradedBy, &g.AIConfidence, &g.GradedAt, &g.InstructorOverride, &g.OverrideReason)
	if err != nil {
		return g, err
	}
	g.Criteria = make(map[rubric.Criterion]model.CriterionScore)
	if err := decodeJSON(criteria, &g.Criteria); err != nil {
		return g, fmt.Errorf("grade %s criteria: %w", g.ID, err)
	}
	if err := decodeJSON(str, &g.Strengths); err != nil {
		return g, fmt.Errorf("grade %s strengths: %w", g.ID, err)
	}
	if err := decodeJSON(areas, &g.AreasForImprovement); err != nil {
		return g, fmt.Errorf("grade %s areas for improvement: %w", g.ID, err)
	}
	return g, nil
}

// GetGrade returns the current grade for a conversation, or nil if it has none.
func (s *Store) GetGrade(ctx context.Context, conversationID string) (*model.Grade, error) {
	g, err := scanGrade(s.db.QueryRowContext(ctx,
		`SELECT `+gradeColumns+` FROM grades WHERE conversation_id = ?`, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGrades returns every current grade.
func (s *Store) ListGrades(ctx context.Context) ([]model.Grade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+gradeColumns+` FROM grades ORDER BY graded_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	grades := []model.Grade{}
	for rows.Next() {
		g, err := scanGrade(rows)
		if err != nil {
			return nil, err
		}
		grades = append(grades, g)
	}
	return grades, rows.Err()
}

// SaveGrade stores g as the conversation's current grade. A non-nil
// superseded grade is appended to the revision history in the same
// transaction.
func (s *Store) SaveGrade(ctx context.Context, g model.Grade, superseded *model.Grade) error {
	criteria, err := encodeJSON(g.Criteria)
	if err != nil {
		return err
	}
	str, err := encodeJSON(nonNil(g.Strengths))
	if err != nil {
		return err
	}
	areas, err := encodeJSON(nonNil(g.AreasForImprovement))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if superseded != nil {
		snapshot, err := encodeJSON(superseded)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO grade_revisions (conversation_id, revision, snapshot, recorded_at)
			 SELECT ?, COALESCE(MAX(revision), 0) + 1, ?, ? FROM grade_revisions WHERE conversation_id = ?`,
			g.ConversationID, snapshot, time.Now().UTC(), g.ConversationID,
		)
		if err != nil {
			return fmt.Errorf("record revision: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO grades (`+gradeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET id = excluded.id, criteria = excluded.criteria,
		   total_score = excluded.total_score, max_score = excluded.max_score,
		   strengths = excluded.strengths, areas_for_improvement = excluded.areas_for_improvement,
		   overall_feedback = excluded.overall_feedback, graded_by = excluded.graded_by,
		   ai_confidence = excluded.ai_confidence, graded_at = excluded.graded_at,
		   instructor_override = excluded.instructor_override, override_reason = excluded.override_reason`,
		g.ID, g.ConversationID, criteria, g.TotalScore, g.MaxScore, str, areas,
		g.OverallFeedback, g.GradedBy, g.AIConfidence, utc(g.GradedAt), g.InstructorOverride, g.OverrideReason,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ListGradeRevisions returns superseded grade states, oldest first.
func (s *Store) ListGradeRevisions(ctx context.Context, conversationID string) ([]model.GradeRevision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, revision, snapshot, recorded_at FROM grade_revisions
		 WHERE conversation_id = ? ORDER BY revision`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	revs := []model.GradeRevision{}
	for rows.Next() {
		var (
			r        model.GradeRevision
			snapshot string
		)
		if err := rows.Scan(&r.ConversationID, &r.Revision, &snapshot, &r.RecordedAt); err != nil {
			return nil, err
		}
		if err := decodeJSON(snapshot, &r.Grade); err != nil {
			return nil, fmt.Errorf("revision %d of %s: %w", r.Revision, conversationID, err)
		}
		revs = append(revs, r)
	}
	return revs, rows.Err()
}
