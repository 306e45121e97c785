// Package conversation runs the role-play conversation lifecycle:
// start, send, end and abandonment.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/pavelanni/roleplay/internal/eligibility"
	"github.com/pavelanni/roleplay/internal/inflight"
	"github.com/pavelanni/roleplay/internal/model"
	"github.com/pavelanni/roleplay/internal/upstream"
)

// Turn is the input to persona generation.
type Turn struct {
	Persona  model.Persona
	Scenario model.Scenario
	Context  string
	Messages []model.Message
}

// Reply is a generated stakeholder message. ShouldEnd is advisory.
type Reply struct {
	Content   string
	ShouldEnd bool
}

// Generator produces stakeholder messages.
type Generator interface {
	Reply(ctx context.Context, t Turn) (Reply, error)
	Closing(ctx context.Context, t Turn) (string, error)
}

// Store is the persistence the conversation service needs.
type Store interface {
	GetStudent(ctx context.Context, id string) (model.Student, error)
	GetScenario(ctx context.Context, id string) (model.Scenario, error)
	GetPersona(ctx context.Context, id string) (model.Persona, error)
	GetAssignment(ctx context.Context, id string) (model.Assignment, error)
	CountAttempts(ctx context.Context, assignmentID, studentID string) (int, error)

	CreateConversation(ctx context.Context, c model.Conversation) error
	// CreateAttempt stores an assignment conversation unless the student
	// already has maxAttempts of them, checking and inserting atomically.
	CreateAttempt(ctx context.Context, c model.Conversation, maxAttempts int) error
	GetConversation(ctx context.Context, id string) (model.Conversation, error)
	ListConversations(ctx context.Context, studentID string) ([]model.Conversation, error)
	// AppendMessage stores a message without touching the turn counter.
	AppendMessage(ctx context.Context, m model.Message) error
	// AppendReply stores a stakeholder message and increments the
	// conversation's turn counter in one transaction, returning the new count.
	AppendReply(ctx context.Context, m model.Message) (int, error)
	// CompleteConversation marks an in-progress conversation completed,
	// storing the optional closing message in the same transaction.
	CompleteConversation(ctx context.Context, id string, at time.Time, closing *model.Message) error
	AbandonConversation(ctx context.Context, id string) error
	// ListStale returns in-progress conversations with no activity since before.
	ListStale(ctx context.Context, before time.Time) ([]string, error)
}

// StartRequest describes a new conversation.
type StartRequest struct {
	StudentID    string  `json:"student_id"`
	ScenarioID   string  `json:"scenario_id"`
	AssignmentID *string `json:"assignment_id,omitempty"`
	Context      string  `json:"context"`
}

// SendResult is the exact pair of messages to append to a local transcript
// plus the authoritative turn count and status.
type SendResult struct {
	StudentMessage model.Message            `json:"student_message"`
	Reply          model.Message            `json:"reply"`
	TurnCount      int                      `json:"turn_count"`
	Status         model.ConversationStatus `json:"status"`
	ShouldEnd      bool                     `json:"should_end"`
}

// EndResult is the conversation after End. FinalMessage is nil when no
// closing message was added by this call.
type EndResult struct {
	Conversation model.Conversation `json:"conversation"`
	FinalMessage *model.Message     `json:"final_message,omitempty"`
}

// Service implements the conversation state machine.
type Service struct {
	store Store
	gen   Generator
	guard inflight.Guard
	cfg   model.Config
	now   func() time.Time
}

// NewService creates a conversation service.
func NewService(s Store, g Generator, guard inflight.Guard, cfg model.Config) *Service {
	return &Service{store: s, gen: g, guard: guard, cfg: cfg, now: time.Now}
}

func (s *Service) retryPolicy() upstream.Policy {
	return upstream.Policy{Retries: s.cfg.UpstreamRetries, Delay: s.cfg.UpstreamRetryDelay}
}

func (s *Service) maxTurns(sc model.Scenario) int {
	if sc.MaxTurns > 0 {
		return sc.MaxTurns
	}
	return s.cfg.DefaultMaxTurns
}

// Start opens a new conversation. When an assignment is given the attempt
// policy must allow another attempt.
func (s *Service) Start(ctx context.Context, req StartRequest) (model.Conversation, error) {
	text := strings.TrimSpace(req.Context)
	if n := utf8.RuneCountInString(text); n < s.cfg.MinContextLength {
		return model.Conversation{}, model.Invalid("context", "must be at least %d characters, got %d", s.cfg.MinContextLength, n)
	}
	if _, err := s.store.GetStudent(ctx, req.StudentID); err != nil {
		return model.Conversation{}, err
	}
	scenario, err := s.store.GetScenario(ctx, req.ScenarioID)
	if err != nil {
		return model.Conversation{}, err
	}
	persona, err := s.store.GetPersona(ctx, scenario.PersonaID)
	if err != nil {
		return model.Conversation{}, err
	}

	now := s.now()
	mode := model.ModePractice
	maxAttempts := 0
	if req.AssignmentID != nil {
		a, err := s.store.GetAssignment(ctx, *req.AssignmentID)
		if err != nil {
			return model.Conversation{}, err
		}
		if a.ScenarioID != scenario.ID {
			return model.Conversation{}, model.Invalid("assignment_id", "assignment %s is for scenario %s, not %s", a.ID, a.ScenarioID, scenario.ID)
		}
		used, err := s.store.CountAttempts(ctx, a.ID, req.StudentID)
		if err != nil {
			return model.Conversation{}, fmt.Errorf("count attempts: %w", err)
		}
		if err := eligibility.Check(a, used, now); err != nil {
			return model.Conversation{}, err
		}
		mode = model.ModeGraded
		maxAttempts = a.MaxAttempts
	}

	conv := model.Conversation{
		ID:           uuid.NewString(),
		StudentID:    req.StudentID,
		ScenarioID:   scenario.ID,
		AssignmentID: req.AssignmentID,
		PersonaName:  persona.Name,
		PersonaTitle: persona.Title,
		Context:      text,
		Mode:         mode,
		Messages:     []model.Message{},
		Status:       model.StatusInProgress,
		StartedAt:    now,
	}
	if conv.AssignmentID != nil {
		// The store re-checks the attempt limit in the same statement as the insert.
		if err := s.store.CreateAttempt(ctx, conv, maxAttempts); err != nil {
			return model.Conversation{}, fmt.Errorf("create attempt: %w", err)
		}
	} else if err := s.store.CreateConversation(ctx, conv); err != nil {
		return model.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	slog.Info("conversation started",
		"conversation_id", conv.ID,
		"student_id", conv.StudentID,
		"scenario_id", conv.ScenarioID,
		"mode", conv.Mode,
	)
	return conv, nil
}

// Send appends a student message and the stakeholder's reply. If the reply
// cannot be generated the student message stays persisted and the
// conversation stays in progress so the student can send again.
func (s *Service) Send(ctx context.Context, id, text string) (SendResult, error) {
	release, err := s.guard.Acquire(ctx, id)
	if err != nil {
		return SendResult{}, err
	}
	defer release()

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return SendResult{}, err
	}
	if conv.Status != model.StatusInProgress {
		return SendResult{}, fmt.Errorf("conversation %s is %s: %w", conv.ID, conv.Status, model.ErrConversationClosed)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return SendResult{}, model.Invalid("content", "message is empty")
	}
	scenario, persona, err := s.scenarioAndPersona(ctx, conv)
	if err != nil {
		return SendResult{}, err
	}

	studentMsg := model.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           model.RoleStudent,
		Content:        text,
		CreatedAt:      s.now(),
	}
	if err := s.store.AppendMessage(ctx, studentMsg); err != nil {
		return SendResult{}, fmt.Errorf("store student message: %w", err)
	}

	turn := Turn{
		Persona:  persona,
		Scenario: scenario,
		Context:  conv.Context,
		Messages: append(conv.Messages, studentMsg),
	}
	reply, err := upstream.Do(ctx, s.retryPolicy(), "persona reply", func(ctx context.Context) (Reply, error) {
		return s.gen.Reply(ctx, turn)
	})
	if err != nil {
		slog.Warn("persona reply failed", "conversation_id", conv.ID, "error", err)
		return SendResult{}, err
	}

	replyMsg := model.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           model.RoleStakeholder,
		Content:        reply.Content,
		CreatedAt:      s.now(),
	}
	turns, err := s.store.AppendReply(ctx, replyMsg)
	if err != nil {
		return SendResult{}, fmt.Errorf("store reply: %w", err)
	}
	return SendResult{
		StudentMessage: studentMsg,
		Reply:          replyMsg,
		TurnCount:      turns,
		Status:         model.StatusInProgress,
		ShouldEnd:      reply.ShouldEnd || turns >= s.maxTurns(scenario),
	}, nil
}

// End completes a conversation, adding a closing message from the
// stakeholder when one can be generated. Ending a completed conversation
// is a no-op that returns the current state.
func (s *Service) End(ctx context.Context, id string) (EndResult, error) {
	release, err := s.guard.Acquire(ctx, id)
	if err != nil {
		return EndResult{}, err
	}
	defer release()

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return EndResult{}, err
	}
	switch conv.Status {
	case model.StatusCompleted:
		return EndResult{Conversation: conv}, nil
	case model.StatusAbandoned:
		return EndResult{}, fmt.Errorf("conversation %s is %s: %w", conv.ID, conv.Status, model.ErrConversationClosed)
	}

	var closing *model.Message
	if content := s.closingLine(ctx, conv); content != "" {
		closing = &model.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Role:           model.RoleStakeholder,
			Content:        content,
			CreatedAt:      s.now(),
		}
	}

	at := s.now()
	if err := s.store.CompleteConversation(ctx, conv.ID, at, closing); err != nil {
		return EndResult{}, fmt.Errorf("complete conversation: %w", err)
	}
	conv.Status = model.StatusCompleted
	conv.CompletedAt = &at
	if closing != nil {
		conv.Messages = append(conv.Messages, *closing)
	}
	slog.Info("conversation completed",
		"conversation_id", conv.ID,
		"turns", conv.TurnCount,
		"closing_message", closing != nil,
	)
	return EndResult{Conversation: conv, FinalMessage: closing}, nil
}

// closingLine asks the stakeholder for a goodbye. Failures are logged and
// yield an empty line; they never block ending the conversation.
func (s *Service) closingLine(ctx context.Context, conv model.Conversation) string {
	scenario, persona, err := s.scenarioAndPersona(ctx, conv)
	if err != nil {
		slog.Warn("closing message skipped", "conversation_id", conv.ID, "error", err)
		return ""
	}
	turn := Turn{Persona: persona, Scenario: scenario, Context: conv.Context, Messages: conv.Messages}
	content, err := upstream.Do(ctx, s.retryPolicy(), "closing message", func(ctx context.Context) (string, error) {
		return s.gen.Closing(ctx, turn)
	})
	if err != nil {
		slog.Warn("closing message skipped", "conversation_id", conv.ID, "error", err)
		return ""
	}
	return strings.TrimSpace(content)
}

// Abandon marks an in-progress conversation abandoned. Terminal
// conversations are returned unchanged.
func (s *Service) Abandon(ctx context.Context, id string) (model.Conversation, error) {
	release, err := s.guard.Acquire(ctx, id)
	if err != nil {
		return model.Conversation{}, err
	}
	defer release()

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return model.Conversation{}, err
	}
	if conv.Status.Terminal() {
		return conv, nil
	}
	if err := s.store.AbandonConversation(ctx, id); err != nil {
		return model.Conversation{}, fmt.Errorf("abandon conversation: %w", err)
	}
	conv.Status = model.StatusAbandoned
	return conv, nil
}

// SweepStale abandons every in-progress conversation idle for longer than
// idle and returns how many were abandoned. Conversations with an operation
// in flight are skipped.
func (s *Service) SweepStale(ctx context.Context, idle time.Duration) (int, error) {
	ids, err := s.store.ListStale(ctx, s.now().Add(-idle))
	if err != nil {
		return 0, fmt.Errorf("list stale conversations: %w", err)
	}
	n := 0
	for _, id := range ids {
		conv, err := s.Abandon(ctx, id)
		if errors.Is(err, model.ErrConcurrentOperation) {
			slog.Debug("stale conversation busy", "conversation_id", id)
			continue
		}
		if err != nil {
			return n, err
		}
		if conv.Status == model.StatusAbandoned {
			n++
		}
	}
	slog.Info("stale conversations swept", "abandoned", n, "idle", idle)
	return n, nil
}

// Get returns a conversation with its messages.
func (s *Service) Get(ctx context.Context, id string) (model.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// List returns a student's conversations, newest first.
func (s *Service) List(ctx context.Context, studentID string) ([]model.Conversation, error) {
	return s.store.ListConversations(ctx, studentID)
}

func (s *Service) scenarioAndPersona(ctx context.Context, conv model.Conversation) (model.Scenario, model.Persona, error) {
	scenario, err := s.store.GetScenario(ctx, conv.ScenarioID)
	if err != nil {
		return model.Scenario{}, model.Persona{}, err
	}
	persona, err := s.store.GetPersona(ctx, scenario.PersonaID)
	if err != nil {
		return model.Scenario{}, model.Persona{}, err
	}
	return scenario, persona, nil
}
