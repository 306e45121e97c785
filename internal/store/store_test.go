package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/roleplay/internal/model"
	"github.com/pavelanni/roleplay/internal/rubric"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var (
	ctx = context.Background()
	t0  = time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)
)

// seedCatalog inserts one persona, scenario, student and assignment.
func seedCatalog(t *testing.T, s *Store) model.Assignment {
	t.Helper()
	if err := s.UpsertPersona(ctx, model.Persona{ID: "p1", Name: "Dana Ruiz", Title: "VP Operations", Concerns: []string{"cost"}}); err != nil {
		t.Fatalf("UpsertPersona: %v", err)
	}
	if err := s.UpsertScenario(ctx, model.Scenario{ID: "sc1", Name: "Warehouse delays", PersonaID: "p1", MaxTurns: 10}); err != nil {
		t.Fatalf("UpsertScenario: %v", err)
	}
	if err := s.UpsertStudent(ctx, model.Student{ID: "st1", Name: "Ada", Email: "ada@example.com"}); err != nil {
		t.Fatalf("UpsertStudent: %v", err)
	}
	due := t0.Add(72 * time.Hour)
	a := model.Assignment{ID: "a1", Title: "Delay review", ScenarioID: "sc1", DueDate: &due, MaxAttempts: 2, IsActive: true, CreatedAt: t0}
	if err := s.UpsertAssignment(ctx, a); err != nil {
		t.Fatalf("UpsertAssignment: %v", err)
	}
	return a
}

func newConversation(t *testing.T, s *Store, id string, assignmentID *string, started time.Time) model.Conversation {
	t.Helper()
	c := model.Conversation{
		ID:           id,
		StudentID:    "st1",
		ScenarioID:   "sc1",
		AssignmentID: assignmentID,
		PersonaName:  "Dana Ruiz",
		PersonaTitle: "VP Operations",
		Context:      "Quarterly delay review",
		Mode:         model.ModePractice,
		Status:       model.StatusInProgress,
		StartedAt:    started,
	}
	if assignmentID != nil {
		c.Mode = model.ModeGraded
	}
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return c
}

func msg(conv, id string, role model.Role, at time.Time) model.Message {
	return model.Message{ID: id, ConversationID: conv, Role: role, Content: "text " + id, CreatedAt: at}
}

func TestCatalogCRUD(t *testing.T) {
	s := newTestStore(t)

	count, err := s.CatalogCount(ctx)
	if err != nil {
		t.Fatalf("CatalogCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty catalog, got %d", count)
	}

	a := seedCatalog(t, s)

	p, err := s.GetPersona(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPersona: %v", err)
	}
	if p.Name != "Dana Ruiz" || len(p.Concerns) != 1 || p.RequiredQuestions == nil {
		t.Errorf("unexpected persona: %+v", p)
	}

	sc, err := s.GetScenario(ctx, "sc1")
	if err != nil {
		t.Fatalf("GetScenario: %v", err)
	}
	if sc.MaxTurns != 10 || sc.MaxScores != nil {
		t.Errorf("unexpected scenario: %+v", sc)
	}

	// Upsert replaces.
	sc.MaxScores = map[rubric.Criterion]float64{rubric.BusinessValueArticulation: 30}
	if err := s.UpsertScenario(ctx, sc); err != nil {
		t.Fatalf("UpsertScenario update: %v", err)
	}
	sc, _ = s.GetScenario(ctx, "sc1")
	if sc.RubricMaxScores()[rubric.BusinessValueArticulation] != 30 {
		t.Errorf("expected overridden max score, got %v", sc.MaxScores)
	}

	got, err := s.GetAssignment(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAssignment: %v", err)
	}
	if got.DueDate == nil || !got.DueDate.Equal(*a.DueDate) || !got.IsActive || got.MaxAttempts != 2 {
		t.Errorf("unexpected assignment: %+v", got)
	}

	undated := model.Assignment{ID: "a0", Title: "Open practice", ScenarioID: "sc1", MaxAttempts: 5, CreatedAt: t0}
	if err := s.UpsertAssignment(ctx, undated); err != nil {
		t.Fatalf("UpsertAssignment: %v", err)
	}
	list, err := s.ListAssignments(ctx)
	if err != nil {
		t.Fatalf("ListAssignments: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a1" || list[1].DueDate != nil {
		t.Errorf("expected dated assignment first, got %+v", list)
	}

	students, err := s.ListStudents(ctx)
	if err != nil || len(students) != 1 {
		t.Fatalf("ListStudents: %v, %d", err, len(students))
	}
}

func TestNotFound(t *testing.T) {
	s := newTestStore(t)

	checks := map[string]error{}
	_, checks["persona"] = s.GetPersona(ctx, "x")
	_, checks["scenario"] = s.GetScenario(ctx, "x")
	_, checks["student"] = s.GetStudent(ctx, "x")
	_, checks["assignment"] = s.GetAssignment(ctx, "x")
	_, checks["conversation"] = s.GetConversation(ctx, "x")
	for kind, err := range checks {
		if !errors.Is(err, model.ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", kind, err)
		}
	}

	g, err := s.GetGrade(ctx, "x")
	if err != nil || g != nil {
		t.Errorf("GetGrade on ungraded conversation = %v, %v; want nil, nil", g, err)
	}
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	c := newConversation(t, s, "c1", nil, t0)

	if err := s.AppendMessage(ctx, msg("c1", "m1", model.RoleStudent, t0.Add(time.Minute))); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	turns, err := s.AppendReply(ctx, msg("c1", "m2", model.RoleStakeholder, t0.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("AppendReply: %v", err)
	}
	if turns != 1 {
		t.Errorf("expected turn count 1, got %d", turns)
	}

	got, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[0].ID != "m1" || got.Messages[1].Role != model.RoleStakeholder {
		t.Fatalf("unexpected messages: %+v", got.Messages)
	}
	if got.TurnCount != 1 || got.Status != model.StatusInProgress || got.CompletedAt != nil {
		t.Errorf("unexpected conversation state: %+v", got)
	}

	closing := msg("c1", "m3", model.RoleStakeholder, t0.Add(3*time.Minute))
	at := t0.Add(3 * time.Minute)
	if err := s.CompleteConversation(ctx, c.ID, at, &closing); err != nil {
		t.Fatalf("CompleteConversation: %v", err)
	}
	got, _ = s.GetConversation(ctx, c.ID)
	if got.Status != model.StatusCompleted || got.CompletedAt == nil || !got.CompletedAt.Equal(at) {
		t.Errorf("expected completed at %v, got %+v", at, got)
	}
	if len(got.Messages) != 3 || got.TurnCount != 1 {
		t.Errorf("closing message must not count as a turn: %d messages, %d turns", len(got.Messages), got.TurnCount)
	}

	// Closed conversations reject writes and stay unchanged.
	err = s.AppendMessage(ctx, msg("c1", "m4", model.RoleStudent, t0.Add(4*time.Minute)))
	if !errors.Is(err, model.ErrConversationClosed) {
		t.Errorf("AppendMessage on completed: expected ErrConversationClosed, got %v", err)
	}
	if _, err := s.AppendReply(ctx, msg("c1", "m5", model.RoleStakeholder, t0)); !errors.Is(err, model.ErrConversationClosed) {
		t.Errorf("AppendReply on completed: expected ErrConversationClosed, got %v", err)
	}
	if err := s.AbandonConversation(ctx, c.ID); !errors.Is(err, model.ErrConversationClosed) {
		t.Errorf("AbandonConversation on completed: expected ErrConversationClosed, got %v", err)
	}
	got, _ = s.GetConversation(ctx, c.ID)
	if len(got.Messages) != 3 || got.Status != model.StatusCompleted {
		t.Errorf("closed conversation was mutated: %+v", got)
	}

	if err := s.AppendMessage(ctx, msg("nope", "m6", model.RoleStudent, t0)); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("AppendMessage on missing conversation: expected ErrNotFound, got %v", err)
	}
}

func TestAttemptsAndStale(t *testing.T) {
	s := newTestStore(t)
	a := seedCatalog(t, s)

	newConversation(t, s, "c1", &a.ID, t0)
	newConversation(t, s, "c2", &a.ID, t0.Add(time.Hour))
	newConversation(t, s, "c3", nil, t0.Add(2*time.Hour))
	if err := s.AbandonConversation(ctx, "c1"); err != nil {
		t.Fatalf("AbandonConversation: %v", err)
	}

	n, err := s.CountAttempts(ctx, a.ID, "st1")
	if err != nil {
		t.Fatalf("CountAttempts: %v", err)
	}
	if n != 2 {
		t.Errorf("abandoned attempts still count: expected 2, got %d", n)
	}

	// c2 gets fresh activity and c1 is closed, so only c3 is idle.
	if err := s.AppendMessage(ctx, msg("c2", "m1", model.RoleStudent, t0.Add(5*time.Hour))); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	ids, err := s.ListStale(ctx, t0.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c3" {
		t.Errorf("expected only c3 to be stale, got %v", ids)
	}

	convs, err := s.ListConversations(ctx, "st1")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 3 || convs[0].ID != "c3" {
		t.Fatalf("expected newest first, got %d conversations", len(convs))
	}
	if len(convs[1].Messages) != 1 || convs[1].ID != "c2" {
		t.Errorf("expected c2 to carry its message, got %+v", convs[1])
	}
	all, _ := s.ListConversations(ctx, "")
	if len(all) != 3 {
		t.Errorf("expected 3 conversations overall, got %d", len(all))
	}
}

func testGrade(conv string, score float64) model.Grade {
	conf := 0.6
	g := model.Grade{
		ID:                  "g-" + conv,
		ConversationID:      conv,
		Criteria:            map[rubric.Criterion]model.CriterionScore{},
		Strengths:           []string{"Clear numbers"},
		AreasForImprovement: []string{"Ask about budget"},
		OverallFeedback:     "Good start.",
		GradedBy:            model.GradedByAI,
		AIConfidence:        &conf,
		GradedAt:            t0,
	}
	for _, c := range rubric.Criteria {
		g.Criteria[c] = model.CriterionScore{Criterion: c, Score: score, MaxScore: 10}
		g.TotalScore += score
		g.MaxScore += 10
	}
	return g
}

func TestGradesAndRevisions(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	newConversation(t, s, "c1", nil, t0)

	first := testGrade("c1", 7)
	if err := s.SaveGrade(ctx, first, nil); err != nil {
		t.Fatalf("SaveGrade: %v", err)
	}
	g, err := s.GetGrade(ctx, "c1")
	if err != nil || g == nil {
		t.Fatalf("GetGrade: %v, %v", g, err)
	}
	if g.TotalScore != 42 || g.MaxScore != 60 || len(g.Criteria) != 6 {
		t.Errorf("unexpected grade: %+v", g)
	}
	if g.AIConfidence == nil || *g.AIConfidence != 0.6 || g.GradedBy != model.GradedByAI {
		t.Errorf("unexpected grade provenance: %+v", g)
	}
	if g.Criteria[rubric.AudienceAdaptation].Score != 7 {
		t.Errorf("criteria did not round-trip: %+v", g.Criteria)
	}

	second := first.Clone()
	second.GradedBy = model.GradedByInstructor
	second.InstructorOverride = true
	second.OverrideReason = "Missed the budget discussion"
	second.TotalScore = 46
	if err := s.SaveGrade(ctx, second, &first); err != nil {
		t.Fatalf("SaveGrade with revision: %v", err)
	}
	third := second.Clone()
	third.TotalScore = 40
	if err := s.SaveGrade(ctx, third, &second); err != nil {
		t.Fatalf("SaveGrade with revision: %v", err)
	}

	g, _ = s.GetGrade(ctx, "c1")
	if g.TotalScore != 40 || !g.InstructorOverride || g.GradedBy != model.GradedByInstructor {
		t.Errorf("unexpected current grade: %+v", g)
	}
	grades, err := s.ListGrades(ctx)
	if err != nil || len(grades) != 1 {
		t.Fatalf("expected one current grade per conversation, got %d (%v)", len(grades), err)
	}

	revs, err := s.ListGradeRevisions(ctx, "c1")
	if err != nil {
		t.Fatalf("ListGradeRevisions: %v", err)
	}
	if len(revs) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(revs))
	}
	if revs[0].Revision != 1 || revs[0].Grade.TotalScore != 42 || revs[0].Grade.GradedBy != model.GradedByAI {
		t.Errorf("first revision should hold the AI grade: %+v", revs[0])
	}
	if revs[1].Revision != 2 || revs[1].Grade.TotalScore != 46 {
		t.Errorf("second revision should hold the first override: %+v", revs[1])
	}
}

func TestImportedFileHash(t *testing.T) {
	s := newTestStore(t)

	hash, err := s.GetImportedFileHash(ctx, "/some/path.json")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if hash != "" {
		t.Errorf("expected empty hash, got %q", hash)
	}

	if err := s.SetImportedFileHash(ctx, "/some/path.json", "abc123"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	if err := s.SetImportedFileHash(ctx, "/some/path.json", "def456"); err != nil {
		t.Fatalf("SetImportedFileHash update: %v", err)
	}
	hash, _ = s.GetImportedFileHash(ctx, "/some/path.json")
	if hash != "def456" {
		t.Errorf("expected def456, got %q", hash)
	}
}

func TestExportAll(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	newConversation(t, s, "c1", nil, t0)
	newConversation(t, s, "c2", nil, t0.Add(time.Hour))
	if err := s.CompleteConversation(ctx, "c1", t0.Add(time.Minute), nil); err != nil {
		t.Fatalf("CompleteConversation: %v", err)
	}
	if err := s.SaveGrade(ctx, testGrade("c1", 5), nil); err != nil {
		t.Fatalf("SaveGrade: %v", err)
	}

	out, err := s.ExportAll(ctx)
	if err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	if len(out) != 2 || out[0].ID != "c1" {
		t.Fatalf("expected oldest conversation first, got %d records", len(out))
	}
	if out[0].StudentName != "Ada" || out[0].Grade == nil || out[0].Grade.TotalScore != 30 {
		t.Errorf("unexpected export record: %+v", out[0])
	}
	if out[1].Grade != nil {
		t.Error("ungraded conversation should export without a grade")
	}
}

func TestNewReopensFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roleplay.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	seedCatalog(t, s)
	s.Close()

	// Migrations run again on an existing schema without touching data.
	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetAssignment(ctx, "a1"); err != nil {
		t.Fatalf("GetAssignment after reopen: %v", err)
	}
}

func TestCreateAttemptEnforcesLimit(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "roleplay.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	a := seedCatalog(t, s) // max_attempts = 2

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		refused int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := model.Conversation{
				ID:           fmt.Sprintf("c%02d", i),
				StudentID:    "st1",
				ScenarioID:   "sc1",
				AssignmentID: &a.ID,
				PersonaName:  "Dana Ruiz",
				PersonaTitle: "VP Operations",
				Context:      "Quarterly delay review",
				Mode:         model.ModeGraded,
				Status:       model.StatusInProgress,
				StartedAt:    t0,
			}
			err := s.CreateAttempt(ctx, c, a.MaxAttempts)
			mu.Lock()
			defer mu.Unlock()
			switch reason, ok := model.ReasonOf(err); {
			case err == nil:
				created++
			case ok && reason == model.ReasonMaxAttemptsReached:
				refused++
			default:
				t.Errorf("CreateAttempt: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if created != a.MaxAttempts || refused != workers-a.MaxAttempts {
		t.Fatalf("created=%d refused=%d, want %d and %d", created, refused, a.MaxAttempts, workers-a.MaxAttempts)
	}
	used, err := s.CountAttempts(ctx, a.ID, "st1")
	if err != nil {
		t.Fatalf("CountAttempts: %v", err)
	}
	if used != a.MaxAttempts {
		t.Fatalf("attempts used = %d, want %d", used, a.MaxAttempts)
	}

	practice := model.Conversation{ID: "p1", StudentID: "st1", ScenarioID: "sc1", Status: model.StatusInProgress, StartedAt: t0}
	if err := s.CreateAttempt(ctx, practice, 1); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("CreateAttempt without assignment: got %v, want validation error", err)
	}
}

func TestListSubmissions(t *testing.T) {
	s := newTestStore(t)
	a := seedCatalog(t, s)

	newConversation(t, s, "c1", &a.ID, t0)
	newConversation(t, s, "c2", &a.ID, t0.Add(time.Hour))
	newConversation(t, s, "c3", nil, t0.Add(2*time.Hour))
	if err := s.CompleteConversation(ctx, "c1", t0.Add(30*time.Minute), nil); err != nil {
		t.Fatalf("CompleteConversation: %v", err)
	}
	if err := s.SaveGrade(ctx, testGrade("c1", 8), nil); err != nil {
		t.Fatalf("SaveGrade: %v", err)
	}

	subs, err := s.ListSubmissions(ctx, a.ID)
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("practice conversations are not submissions: expected 2, got %d", len(subs))
	}
	if subs[0].ConversationID != "c2" || subs[0].Score != nil || subs[0].Status != model.StatusInProgress {
		t.Errorf("expected ungraded c2 first, got %+v", subs[0])
	}
	got := subs[1]
	if got.ConversationID != "c1" || got.StudentName != "Ada" || got.Status != model.StatusCompleted {
		t.Errorf("unexpected submission: %+v", got)
	}
	if got.Score == nil || *got.Score != 48 || got.MaxScore == nil || *got.MaxScore != 60 {
		t.Errorf("expected the current grade on c1, got %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(t0.Add(30*time.Minute)) {
		t.Errorf("unexpected completed_at: %v", got.CompletedAt)
	}

	none, err := s.ListSubmissions(ctx, "missing")
	if err != nil || len(none) != 0 {
		t.Errorf("expected no submissions, got %v, %v", none, err)
	}
}
