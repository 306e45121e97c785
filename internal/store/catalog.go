package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/roleplay/internal/model"
	"github.com/pavelanni/roleplay/internal/rubric"
)

// UpsertPersona inserts a persona or replaces the one with the same ID.
func (s *Store) UpsertPersona(ctx context.Context, p model.Persona) error {
	concerns, err := encodeJSON(nonNil(p.Concerns))
	if err != nil {
		return err
	}
	required, err := encodeJSON(nonNil(p.RequiredQuestions))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO personas (id, name, title, background, personality, concerns, required_questions)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, title = excluded.title,
		   background = excluded.background, personality = excluded.personality,
		   concerns = excluded.concerns, required_questions = excluded.required_questions`,
		p.ID, p.Name, p.Title, p.Background, p.Personality, concerns, required,
	)
	return err
}

const personaColumns = `id, name, title, background, personality, concerns, required_questions`

func scanPersona(row rowScanner) (model.Persona, error) {
	var (
		p                  model.Persona
		concerns, required string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Title, &p.Background, &p.Personality, &concerns, &required); err != nil {
		return p, err
	}
	if err := decodeJSON(concerns, &p.Concerns); err != nil {
		return p, fmt.Errorf("persona %s concerns: %w", p.ID, err)
	}
	if err := decodeJSON(required, &p.RequiredQuestions); err != nil {
		return p, fmt.Errorf("persona %s required questions: %w", p.ID, err)
	}
	return p, nil
}

// GetPersona returns a persona by ID.
func (s *Store) GetPersona(ctx context.Context, id string) (model.Persona, error) {
	p, err := scanPersona(s.db.QueryRowContext(ctx, `SELECT `+personaColumns+` FROM personas WHERE id = ?`, id))
	return p, notFound(err, "persona", id)
}

// ListPersonas returns all personas ordered by name.
func (s *Store) ListPersonas(ctx context.Context) ([]model.Persona, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+personaColumns+` FROM personas ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	personas := []model.Persona{}
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, err
		}
		personas = append(personas, p)
	}
	return personas, rows.Err()
}

// UpsertScenario inserts a scenario or replaces the one with the same ID.
func (s *Store) UpsertScenario(ctx context.Context, sc model.Scenario) error {
	maxScores, err := encodeJSON(sc.MaxScores)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scenarios (id, name, description, persona_id, is_practice, max_turns, max_scores)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description,
		   persona_id = excluded.persona_id, is_practice = excluded.is_practice,
		   max_turns = excluded.max_turns, max_scores = excluded.max_scores`,
		sc.ID, sc.Name, sc.Description, sc.PersonaID, sc.IsPractice, sc.MaxTurns, maxScores,
	)
	return err
}

const scenarioColumns = `id, name, description, persona_id, is_practice, max_turns, max_scores`

func scanScenario(row rowScanner) (model.Scenario, error) {
	var (
		sc        model.Scenario
		maxScores string
	)
	if err := row.Scan(&sc.ID, &sc.Name, &sc.Description, &sc.PersonaID, &sc.IsPractice, &sc.MaxTurns, &maxScores); err != nil {
		return sc, err
	}
	var scores map[rubric.Criterion]float64
	if err := decodeJSON(maxScores, &scores); err != nil {
		return sc, fmt.Errorf("scenario %s max scores: %w", sc.ID, err)
	}
	if len(scores) > 0 {
		sc.MaxScores = scores
	}
	return sc, nil
}

// GetScenario returns a scenario by ID.
func (s *Store) GetScenario(ctx context.Context, id string) (model.Scenario, error) {
	sc, err := scanScenario(s.db.QueryRowContext(ctx, `SELECT `+scenarioColumns+` FROM scenarios WHERE id = ?`, id))
	return sc, notFound(err, "scenario", id)
}

// ListScenarios returns all scenarios ordered by name.
func (s *Store) ListScenarios(ctx context.Context) ([]model.Scenario, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scenarioColumns+` FROM scenarios ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	scenarios := []model.Scenario{}
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, rows.Err()
}

// UpsertStudent inserts a student or replaces the one with the same ID.
func (s *Store) UpsertStudent(ctx context.Context, st model.Student) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO students (id, name, email) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email`,
		st.ID, st.Name, st.Email,
	)
	return err
}

// GetStudent returns a student by ID.
func (s *Store) GetStudent(ctx context.Context, id string) (model.Student, error) {
	var st model.Student
	err := s.db.QueryRowContext(ctx, `SELECT id, name, email FROM students WHERE id = ?`, id).
		Scan(&st.ID, &st.Name, &st.Email)
	return st, notFound(err, "student", id)
}

// ListStudents returns all students ordered by name.
func (s *Store) ListStudents(ctx context.Context) ([]model.Student, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, email FROM students ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	students := []model.Student{}
	for rows.Next() {
		var st model.Student
		if err := rows.Scan(&st.ID, &st.Name, &st.Email); err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

// UpsertAssignment inserts an assignment or replaces the one with the same ID.
func (s *Store) UpsertAssignment(ctx context.Context, a model.Assignment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (id, title, instructions, scenario_id, due_date, max_attempts, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, instructions = excluded.instructions,
		   scenario_id = excluded.scenario_id, due_date = excluded.due_date,
		   max_attempts = excluded.max_attempts, is_active = excluded.is_active`,
		a.ID, a.Title, a.Instructions, a.ScenarioID, utcPtr(a.DueDate), a.MaxAttempts, a.IsActive, utc(a.CreatedAt),
	)
	return err
}

const assignmentColumns = `id, title, instructions, scenario_id, due_date, max_attempts, is_active, created_at`

func scanAssignment(row rowScanner) (model.Assignment, error) {
	var a model.Assignment
	err := row.Scan(&a.ID, &a.Title, &a.Instructions, &a.ScenarioID, &a.DueDate, &a.MaxAttempts, &a.IsActive, &a.CreatedAt)
	return a, err
}

// GetAssignment returns an assignment by ID.
func (s *Store) GetAssignment(ctx context.Context, id string) (model.Assignment, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = ?`, id))
	return a, notFound(err, "assignment", id)
}

// ListAssignments returns all assignments, earliest due first and undated last.
func (s *Store) ListAssignments(ctx context.Context) ([]model.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments ORDER BY due_date IS NULL, due_date, title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	assignments := []model.Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// ListSubmissions returns every attempt at an assignment, newest first,
// with the student's name and the current grade if there is one.
func (s *Store) ListSubmissions(ctx context.Context, assignmentID string) ([]model.Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.student_id, COALESCE(st.name, ''), c.status, c.started_at, c.completed_at,
		        g.total_score, g.max_score
		 FROM conversations c
		 LEFT JOIN students st ON st.id = c.student_id
		 LEFT JOIN grades g ON g.conversation_id = c.id
		 WHERE c.assignment_id = ?
		 ORDER BY c.started_at DESC, c.id`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	subs := []model.Submission{}
	for rows.Next() {
		var sub model.Submission
		if err := rows.Scan(&sub.ConversationID, &sub.StudentID, &sub.StudentName, &sub.Status,
			&sub.StartedAt, &sub.CompletedAt, &sub.Score, &sub.MaxScore); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// CatalogCount returns the number of scenarios, used to decide whether to seed.
func (s *Store) CatalogCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scenarios`).Scan(&count)
	return count, err
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
