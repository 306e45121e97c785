package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pavelanni/roleplay/internal/model"
)

// CreateConversation stores a new conversation and any messages it carries.
func (s *Store) CreateConversation(ctx context.Context, c model.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, student_id, scenario_id, assignment_id, persona_name, persona_title,
		   context, mode, turn_count, status, started_at, completed_at, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.StudentID, c.ScenarioID, c.AssignmentID, c.PersonaName, c.PersonaTitle,
		c.Context, c.Mode, c.TurnCount, c.Status, utc(c.StartedAt), utcPtr(c.CompletedAt), c.LastActivity().UnixNano(),
	)
	if err != nil {
		return err
	}
	for _, m := range c.Messages {
		if err := insertMessage(ctx, tx, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateAttempt stores a new assignment conversation only if the student
// has fewer than maxAttempts conversations for that assignment. The count
// and the insert run as one statement, so concurrent starts cannot both
// take the last attempt. A full record fails with an
// *model.EligibilityError carrying max_attempts_reached.
func (s *Store) CreateAttempt(ctx context.Context, c model.Conversation, maxAttempts int) error {
	if c.AssignmentID == nil {
		return model.Invalid("assignment_id", "an attempt needs an assignment")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, student_id, scenario_id, assignment_id, persona_name, persona_title,
		   context, mode, turn_count, status, started_at, completed_at, last_activity)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE (SELECT COUNT(*) FROM conversations WHERE assignment_id = ? AND student_id = ?) < ?`,
		c.ID, c.StudentID, c.ScenarioID, c.AssignmentID, c.PersonaName, c.PersonaTitle,
		c.Context, c.Mode, c.TurnCount, c.Status, utc(c.StartedAt), utcPtr(c.CompletedAt), c.LastActivity().UnixNano(),
		*c.AssignmentID, c.StudentID, maxAttempts,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &model.EligibilityError{Reason: model.ReasonMaxAttemptsReached}
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, m model.Message) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, utc(m.CreatedAt),
	)
	return err
}

// appendToOpen inserts a message into an in-progress conversation and
// bumps its activity time. It fails with model.ErrConversationClosed when
// the conversation is no longer in progress.
func appendToOpen(ctx context.Context, tx *sql.Tx, m model.Message, turnDelta int) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET turn_count = turn_count + ?, last_activity = MAX(last_activity, ?)
		 WHERE id = ? AND status = ?`,
		turnDelta, m.CreatedAt.UnixNano(), m.ConversationID, model.StatusInProgress,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return closedOrMissing(ctx, tx, m.ConversationID)
	}
	return insertMessage(ctx, tx, m)
}

func closedOrMissing(ctx context.Context, tx *sql.Tx, id string) error {
	var status model.ConversationStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return notFound(err, "conversation", id)
	}
	return fmt.Errorf("conversation %s is %s: %w", id, status, model.ErrConversationClosed)
}

// AppendMessage stores a message without touching the turn counter.
func (s *Store) AppendMessage(ctx context.Context, m model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := appendToOpen(ctx, tx, m, 0); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendReply stores a stakeholder reply and increments the turn counter,
// returning the new count.
func (s *Store) AppendReply(ctx context.Context, m model.Message) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := appendToOpen(ctx, tx, m, 1); err != nil {
		return 0, err
	}
	var turns int
	if err := tx.QueryRowContext(ctx, `SELECT turn_count FROM conversations WHERE id = ?`, m.ConversationID).Scan(&turns); err != nil {
		return 0, err
	}
	return turns, tx.Commit()
}

// CompleteConversation marks an in-progress conversation completed and
// stores the optional closing message.
func (s *Store) CompleteConversation(ctx context.Context, id string, at time.Time, closing *model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if closing != nil {
		if err := appendToOpen(ctx, tx, *closing, 0); err != nil {
			return err
		}
	}
	if err := setTerminal(ctx, tx, id, model.StatusCompleted, &at); err != nil {
		return err
	}
	return tx.Commit()
}

// AbandonConversation marks an in-progress conversation abandoned.
func (s *Store) AbandonConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := setTerminal(ctx, tx, id, model.StatusAbandoned, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func setTerminal(ctx context.Context, tx *sql.Tx, id string, status model.ConversationStatus, at *time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		status, utcPtr(at), id, model.StatusInProgress,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return closedOrMissing(ctx, tx, id)
	}
	return nil
}

const conversationColumns = `id, student_id, scenario_id, assignment_id, persona_name, persona_title,
	context, mode, turn_count, status, started_at, completed_at`

func scanConversation(row rowScanner) (model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(&c.ID, &c.StudentID, &c.ScenarioID, &c.AssignmentID, &c.PersonaName, &c.PersonaTitle,
		&c.Context, &c.Mode, &c.TurnCount, &c.Status, &c.StartedAt, &c.CompletedAt)
	c.Messages = []model.Message{}
	return c, err
}

// GetConversation returns a conversation with its messages in order.
func (s *Store) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err != nil {
		return c, notFound(err, "conversation", id)
	}
	msgs, err := s.messagesFor(ctx, `WHERE conversation_id = ?`, id)
	if err != nil {
		return c, err
	}
	c.Messages = append(c.Messages, msgs[id]...)
	return c, nil
}

// ListConversations returns a student's conversations with their messages,
// newest first. An empty studentID lists every conversation.
func (s *Store) ListConversations(ctx context.Context, studentID string) ([]model.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	msgFilter := ``
	var args []any
	if studentID != "" {
		query += ` WHERE student_id = ?`
		msgFilter = `WHERE conversation_id IN (SELECT id FROM conversations WHERE student_id = ?)`
		args = append(args, studentID)
	}
	query += ` ORDER BY started_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	convs := []model.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	msgs, err := s.messagesFor(ctx, msgFilter, args...)
	if err != nil {
		return nil, err
	}
	for i := range convs {
		convs[i].Messages = append(convs[i].Messages, msgs[convs[i].ID]...)
	}
	return convs, nil
}

// messagesFor loads messages matching the filter, grouped by conversation.
func (s *Store) messagesFor(ctx context.Context, filter string, args ...any) (map[string][]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages `+filter+` ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]model.Message)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out[m.ConversationID] = append(out[m.ConversationID], m)
	}
	return out, rows.Err()
}

// CountAttempts counts a student's conversations for an assignment in any status.
func (s *Store) CountAttempts(ctx context.Context, assignmentID, studentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE assignment_id = ? AND student_id = ?`,
		assignmentID, studentID,
	).Scan(&count)
	return count, err
}

// ListStale returns in-progress conversations with no activity since before.
func (s *Store) ListStale(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM conversations WHERE status = ? AND last_activity < ? ORDER BY last_activity`,
		model.StatusInProgress, before.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
