package model

import (
	"strings"
	"time"

	"github.com/pavelanni/roleplay/internal/rubric"
)

// Role represents a chat message role.
type Role string

const (
	RoleStudent     Role = "student"
	RoleStakeholder Role = "stakeholder"
)

// Valid reports whether r is a known message role.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleStakeholder:
		return true
	}
	return false
}

// ConversationStatus represents the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusInProgress ConversationStatus = "in_progress"
	StatusCompleted  ConversationStatus = "completed"
	StatusAbandoned  ConversationStatus = "abandoned"
)

// Valid reports whether s is a known conversation status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusAbandoned:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s ConversationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// ConversationMode distinguishes free practice from assignment attempts.
type ConversationMode string

const (
	ModePractice ConversationMode = "practice"
	ModeGraded   ConversationMode = "graded"
)

// Valid reports whether m is a known conversation mode.
func (m ConversationMode) Valid() bool {
	return m == ModePractice || m == ModeGraded
}

// GradedBy records who produced the current state of a grade.
type GradedBy string

const (
	GradedByAI         GradedBy = "ai"
	GradedByInstructor GradedBy = "instructor"
)

// Valid reports whether g is a known grader kind.
func (g GradedBy) Valid() bool {
	return g == GradedByAI || g == GradedByInstructor
}

// Persona is a stakeholder the student talks to.
type Persona struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Title             string   `json:"title"`
	Background        string   `json:"background"`
	Personality       string   `json:"personality,omitempty"`
	Concerns          []string `json:"concerns,omitempty"`
	RequiredQuestions []string `json:"required_questions,omitempty"`
}

// Scenario links a persona with conversation settings.
type Scenario struct {
	ID          string                       `json:"id"`
	Name        string                       `json:"name"`
	Description string                       `json:"description"`
	PersonaID   string                       `json:"persona_id"`
	IsPractice  bool                         `json:"is_practice"`
	MaxTurns    int                          `json:"max_turns"`
	MaxScores   map[rubric.Criterion]float64 `json:"max_scores,omitempty"`
}

// RubricMaxScores returns the per-criterion maxima graders use for this
// scenario, falling back to the rubric defaults for unset criteria.
func (s Scenario) RubricMaxScores() map[rubric.Criterion]float64 {
	out := make(map[rubric.Criterion]float64, len(rubric.Criteria))
	for _, c := range rubric.Criteria {
		if v, ok := s.MaxScores[c]; ok && v > 0 {
			out[c] = v
			continue
		}
		out[c] = rubric.DefaultMaxScores[c]
	}
	return out
}

// Assignment is a graded scenario with a due date and an attempt limit.
type Assignment struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Instructions string     `json:"instructions"`
	ScenarioID   string     `json:"scenario_id"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	MaxAttempts  int        `json:"max_attempts"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
}

// MaxAttemptsLimit caps how many attempts an assignment may allow.
const MaxAttemptsLimit = 10

// Validate checks the fields an instructor sets on an assignment.
func (a Assignment) Validate() error {
	title := strings.TrimSpace(a.Title)
	switch {
	case title == "":
		return Invalid("title", "title is required")
	case len(title) > 255:
		return Invalid("title", "title is longer than 255 characters")
	case a.ScenarioID == "":
		return Invalid("scenario_id", "scenario_id is required")
	case a.MaxAttempts < 1 || a.MaxAttempts > MaxAttemptsLimit:
		return Invalid("max_attempts", "max_attempts must be between 1 and %d, got %d", MaxAttemptsLimit, a.MaxAttempts)
	}
	return nil
}

// Student is a member of an instructor's cohort.
type Student struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// AttemptRecord is a computed view over a student's conversations for one assignment.
type AttemptRecord struct {
	AttemptsUsed int      `json:"attempts_used"`
	BestScore    *float64 `json:"best_score,omitempty"`
	CanAttempt   bool     `json:"can_attempt"`
}

// Submission is one attempt at an assignment as instructors see it.
// Score and MaxScore are set once the attempt is graded.
type Submission struct {
	ConversationID string             `json:"conversation_id"`
	StudentID      string             `json:"student_id"`
	StudentName    string             `json:"student_name"`
	Status         ConversationStatus `json:"status"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	Score          *float64           `json:"score,omitempty"`
	MaxScore       *float64           `json:"max_score,omitempty"`
}

// Message is a single chat message. Messages are never edited.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation is one role-play session.
type Conversation struct {
	ID           string             `json:"id"`
	StudentID    string             `json:"student_id"`
	ScenarioID   string             `json:"scenario_id"`
	AssignmentID *string            `json:"assignment_id,omitempty"`
	PersonaName  string             `json:"persona_name"`
	PersonaTitle string             `json:"persona_title"`
	Context      string             `json:"context"`
	Mode         ConversationMode   `json:"mode"`
	Messages     []Message          `json:"messages"`
	TurnCount    int                `json:"turn_count"`
	Status       ConversationStatus `json:"status"`
	StartedAt    time.Time          `json:"started_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// LastActivity returns the time of the newest message, or StartedAt.
func (c Conversation) LastActivity() time.Time {
	last := c.StartedAt
	for _, m := range c.Messages {
		if m.CreatedAt.After(last) {
			last = m.CreatedAt
		}
	}
	return last
}

// Config holds runtime parameters set via CLI flags.
type Config struct {
	MinContextLength   int           // minimum student context length, in runes
	DefaultMaxTurns    int           // used when a scenario does not set max_turns
	UpstreamRetries    int           // extra generation attempts after the first failure
	UpstreamRetryDelay time.Duration // pause between generation attempts
	InflightTTL        time.Duration // how long a send/end guard may be held
	AttentionThreshold float64       // average percent below which a student needs attention
	ReviewConfidence   float64       // AI confidence below which a grade needs review
	ActiveWindow       time.Duration // a student is active if they started a conversation within this window
	StruggleLimit      int           // number of common struggles to report
	PromptVariant      string        // grading prompt variant (strict, standard, lenient)
	CORSAllowedOrigins []string      // browser origins allowed by the JSON API
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		MinContextLength:   10,
		DefaultMaxTurns:    15,
		UpstreamRetries:    1,
		UpstreamRetryDelay: 500 * time.Millisecond,
		InflightTTL:        2 * time.Minute,
		AttentionThreshold: 60,
		ReviewConfidence:   0.7,
		ActiveWindow:       7 * 24 * time.Hour,
		StruggleLimit:      3,
		PromptVariant:      "standard",
		CORSAllowedOrigins: []string{"http://localhost:3000"},
	}
}
