package grading

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/roleplay/internal/model"
	"github.com/pavelanni/roleplay/internal/rubric"
	"github.com/pavelanni/roleplay/internal/upstream"
)

// Request is what the grading collaborator needs to evaluate a transcript.
type Request struct {
	Conversation model.Conversation
	Persona      model.Persona
	Scenario     model.Scenario
	MaxScores    map[rubric.Criterion]float64
}

// Grader produces criterion scores for a completed conversation.
type Grader interface {
	Grade(ctx context.Context, req Request) (AIResult, error)
}

// Store is the persistence the grading service needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (model.Conversation, error)
	GetScenario(ctx context.Context, id string) (model.Scenario, error)
	GetPersona(ctx context.Context, id string) (model.Persona, error)
	// GetGrade returns nil without error when the conversation is ungraded.
	GetGrade(ctx context.Context, conversationID string) (*model.Grade, error)
	// SaveGrade stores g as the current grade. A non-nil superseded grade is
	// appended to the conversation's revision history in the same transaction.
	SaveGrade(ctx context.Context, g model.Grade, superseded *model.Grade) error
	ListGradeRevisions(ctx context.Context, conversationID string) ([]model.GradeRevision, error)
}

// Service runs grading and overrides against the store.
type Service struct {
	store  Store
	grader Grader
	retry  upstream.Policy
	now    func() time.Time
}

// NewService creates a grading service.
func NewService(s Store, g Grader, retry upstream.Policy) *Service {
	return &Service{store: s, grader: g, retry: retry, now: time.Now}
}

// Trigger grades a conversation. It is idempotent: an existing grade is
// returned as is unless force is set, in which case the conversation is
// graded again and the previous grade is kept as a revision. Overridden
// grades are never regraded.
func (s *Service) Trigger(ctx context.Context, conversationID string, force bool) (model.Grade, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return model.Grade{}, err
	}
	if conv.Status != model.StatusCompleted {
		return model.Grade{}, fmt.Errorf("conversation %s is %s: %w", conv.ID, conv.Status, model.ErrNotGradable)
	}
	if len(conv.Messages) == 0 {
		return model.Grade{}, fmt.Errorf("conversation %s has no messages: %w", conv.ID, model.ErrNotGradable)
	}

	existing, err := s.store.GetGrade(ctx, conversationID)
	if err != nil {
		return model.Grade{}, fmt.Errorf("load grade: %w", err)
	}
	if existing != nil && !force {
		return *existing, nil
	}
	if existing != nil && existing.InstructorOverride {
		return model.Grade{}, model.Invalid("force", "conversation %s has an instructor override and cannot be regraded", conv.ID)
	}

	scenario, err := s.store.GetScenario(ctx, conv.ScenarioID)
	if err != nil {
		return model.Grade{}, err
	}
	persona, err := s.store.GetPersona(ctx, scenario.PersonaID)
	if err != nil {
		return model.Grade{}, err
	}

	req := Request{Conversation: conv, Persona: persona, Scenario: scenario, MaxScores: scenario.RubricMaxScores()}
	// Malformed grader output counts as a failed generation and is retried.
	g, err := upstream.Do(ctx, s.retry, "grade conversation", func(ctx context.Context) (model.Grade, error) {
		res, err := s.grader.Grade(ctx, req)
		if err != nil {
			return model.Grade{}, err
		}
		g, err := Compose(conv, res, s.now())
		if err != nil {
			return model.Grade{}, fmt.Errorf("grader output: %w", err)
		}
		return g, nil
	})
	if err != nil {
		return model.Grade{}, err
	}
	if existing != nil {
		g.ID = existing.ID
	}
	if err := s.store.SaveGrade(ctx, g, existing); err != nil {
		return model.Grade{}, fmt.Errorf("save grade: %w", err)
	}
	slog.Info("conversation graded",
		"conversation_id", conv.ID,
		"total", g.TotalScore,
		"max", g.MaxScore,
		"band", g.Band(),
		"regraded", existing != nil,
	)
	return g, nil
}

// Get returns the current grade for a conversation.
func (s *Service) Get(ctx context.Context, conversationID string) (model.Grade, error) {
	g, err := s.store.GetGrade(ctx, conversationID)
	if err != nil {
		return model.Grade{}, err
	}
	if g == nil {
		return model.Grade{}, model.NotFound("grade for conversation", conversationID)
	}
	return *g, nil
}

// Override applies an instructor override to the current grade. The prior
// state is retained in the revision history.
func (s *Service) Override(ctx context.Context, conversationID string, o Override) (model.Grade, error) {
	current, err := s.Get(ctx, conversationID)
	if err != nil {
		return model.Grade{}, err
	}
	updated, err := ApplyOverride(current, o, s.now())
	if err != nil {
		return model.Grade{}, err
	}
	if err := s.store.SaveGrade(ctx, updated, &current); err != nil {
		return model.Grade{}, fmt.Errorf("save override: %w", err)
	}
	slog.Info("grade overridden",
		"conversation_id", conversationID,
		"previous_total", current.TotalScore,
		"total", updated.TotalScore,
	)
	return updated, nil
}

// History returns superseded grade states, oldest first.
func (s *Service) History(ctx context.Context, conversationID string) ([]model.GradeRevision, error) {
	return s.store.ListGradeRevisions(ctx, conversationID)
}
