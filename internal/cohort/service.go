package cohort

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/roleplay/internal/eligibility"
	"github.com/pavelanni/roleplay/internal/model"
)

// Store is the persistence the dashboards read from.
type Store interface {
	GetStudent(ctx context.Context, id string) (model.Student, error)
	ListStudents(ctx context.Context) ([]model.Student, error)
	ListAssignments(ctx context.Context) ([]model.Assignment, error)
	// ListConversations returns one student's conversations; an empty
	// studentID returns every conversation.
	ListConversations(ctx context.Context, studentID string) ([]model.Conversation, error)
	ListGrades(ctx context.Context) ([]model.Grade, error)
}

// StudentDashboard is what a student sees on their home page.
type StudentDashboard struct {
	Student     model.Student        `json:"student"`
	Stats       Stats                `json:"stats"`
	Assignments []eligibility.Status `json:"assignments"`
}

// Service loads snapshots from the store and aggregates them.
type Service struct {
	store     Store
	clusterer Clusterer
	cfg       model.Config
	now       func() time.Time
}

// NewService creates a dashboard service. A nil clusterer ranks struggles
// by frequency.
func NewService(s Store, c Clusterer, cfg model.Config) *Service {
	if c == nil {
		c = FrequencyClusterer{}
	}
	return &Service{store: s, clusterer: c, cfg: cfg, now: time.Now}
}

// Snapshot loads the whole cohort concurrently.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.Students, err = s.store.ListStudents(ctx)
		return err
	})
	g.Go(func() (err error) {
		snap.Assignments, err = s.store.ListAssignments(ctx)
		return err
	})
	g.Go(func() (err error) {
		snap.Conversations, err = s.store.ListConversations(ctx, "")
		return err
	})
	g.Go(func() (err error) {
		snap.Grades, err = s.store.ListGrades(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, fmt.Errorf("load cohort snapshot: %w", err)
	}
	return snap, nil
}

// InstructorDashboard aggregates the cohort and ranks common struggles.
func (s *Service) InstructorDashboard(ctx context.Context) (Report, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return Report{}, err
	}
	rep := Aggregate(snap, OptionsFrom(s.cfg, s.now()))
	rep.CommonStruggles = s.struggles(ctx, rep.StruggleInputs)
	return rep, nil
}

// ReviewQueue returns low-confidence AI grades, most uncertain first.
func (s *Service) ReviewQueue(ctx context.Context) ([]ReviewItem, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return Aggregate(snap, OptionsFrom(s.cfg, s.now())).NeedsReview, nil
}

// struggles asks the clusterer for a ranking and falls back to plain
// frequency if it fails.
func (s *Service) struggles(ctx context.Context, inputs []string) []string {
	if len(inputs) == 0 {
		return []string{}
	}
	out, err := s.clusterer.Cluster(ctx, inputs, s.cfg.StruggleLimit)
	if err != nil {
		slog.Warn("struggle clustering failed, using frequency ranking", "error", err)
		out, _ = FrequencyClusterer{}.Cluster(ctx, inputs, s.cfg.StruggleLimit)
	}
	if len(out) > s.cfg.StruggleLimit {
		out = out[:s.cfg.StruggleLimit]
	}
	return out
}

// StudentDashboard builds one student's stats and assignment list.
func (s *Service) StudentDashboard(ctx context.Context, studentID string) (StudentDashboard, error) {
	student, err := s.store.GetStudent(ctx, studentID)
	if err != nil {
		return StudentDashboard{}, err
	}
	var (
		assignments []model.Assignment
		convs       []model.Conversation
		grades      []model.Grade
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		assignments, err = s.store.ListAssignments(gctx)
		return err
	})
	g.Go(func() (err error) {
		convs, err = s.store.ListConversations(gctx, studentID)
		return err
	})
	g.Go(func() (err error) {
		grades, err = s.store.ListGrades(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return StudentDashboard{}, fmt.Errorf("load student dashboard: %w", err)
	}

	byConv := GradesByConversation(grades)
	return StudentDashboard{
		Student:     student,
		Stats:       StudentStats(convs, byConv),
		Assignments: eligibility.ForStudent(activeOnly(assignments), studentID, convs, byConv, s.now()),
	}, nil
}

// GradesByConversation indexes grades by conversation id.
func GradesByConversation(grades []model.Grade) map[string]model.Grade {
	out := make(map[string]model.Grade, len(grades))
	for _, g := range grades {
		out[g.ConversationID] = g
	}
	return out
}

func activeOnly(as []model.Assignment) []model.Assignment {
	out := make([]model.Assignment, 0, len(as))
	for _, a := range as {
		if a.IsActive {
			out = append(out, a)
		}
	}
	return out
}
