package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/roleplay/internal/inflight"
	"github.com/pavelanni/roleplay/internal/model"
)

// fakeStore keeps everything in maps. It is enough to drive the state
// machine; the SQLite store has its own tests.
type fakeStore struct {
	mu            sync.Mutex
	students      map[string]model.Student
	scenarios     map[string]model.Scenario
	personas      map[string]model.Persona
	assignments   map[string]model.Assignment
	conversations map[string]*model.Conversation
	writes        int
	// countDelay slows CountAttempts to widen the window between the
	// eligibility check and the insert.
	countDelay time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		students:      map[string]model.Student{"stu-1": {ID: "stu-1", Name: "Ada"}},
		personas:      map[string]model.Persona{"p-1": {ID: "p-1", Name: "Dana Ruiz", Title: "VP Operations"}},
		scenarios:     map[string]model.Scenario{"sc-1": {ID: "sc-1", Name: "Warehouse delays", PersonaID: "p-1", MaxTurns: 3}},
		assignments:   map[string]model.Assignment{},
		conversations: map[string]*model.Conversation{},
	}
}

func (f *fakeStore) GetStudent(_ context.Context, id string) (model.Student, error) {
	if s, ok := f.students[id]; ok {
		return s, nil
	}
	return model.Student{}, model.NotFound("student", id)
}

func (f *fakeStore) GetScenario(_ context.Context, id string) (model.Scenario, error) {
	if s, ok := f.scenarios[id]; ok {
		return s, nil
	}
	return model.Scenario{}, model.NotFound("scenario", id)
}

func (f *fakeStore) GetPersona(_ context.Context, id string) (model.Persona, error) {
	if p, ok := f.personas[id]; ok {
		return p, nil
	}
	return model.Persona{}, model.NotFound("persona", id)
}

func (f *fakeStore) GetAssignment(_ context.Context, id string) (model.Assignment, error) {
	if a, ok := f.assignments[id]; ok {
		return a, nil
	}
	return model.Assignment{}, model.NotFound("assignment", id)
}

func (f *fakeStore) CountAttempts(_ context.Context, assignmentID, studentID string) (int, error) {
	time.Sleep(f.countDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts(assignmentID, studentID), nil
}

func (f *fakeStore) attempts(assignmentID, studentID string) int {
	n := 0
	for _, c := range f.conversations {
		if c.StudentID == studentID && c.AssignmentID != nil && *c.AssignmentID == assignmentID {
			n++
		}
	}
	return n
}

func (f *fakeStore) CreateAttempt(_ context.Context, c model.Conversation, maxAttempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempts(*c.AssignmentID, c.StudentID) >= maxAttempts {
		return &model.EligibilityError{Reason: model.ReasonMaxAttemptsReached}
	}
	f.writes++
	f.conversations[c.ID] = &c
	return nil
}

func (f *fakeStore) CreateConversation(_ context.Context, c model.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.conversations[c.ID] = &c
	return nil
}

func (f *fakeStore) GetConversation(_ context.Context, id string) (model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok {
		return model.Conversation{}, model.NotFound("conversation", id)
	}
	out := *c
	out.Messages = append([]model.Message(nil), c.Messages...)
	return out, nil
}

func (f *fakeStore) ListConversations(_ context.Context, studentID string) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Conversation
	for _, c := range f.conversations {
		if c.StudentID == studentID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (f *fakeStore) AppendMessage(_ context.Context, m model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	c := f.conversations[m.ConversationID]
	c.Messages = append(c.Messages, m)
	return nil
}

func (f *fakeStore) AppendReply(_ context.Context, m model.Message) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	c := f.conversations[m.ConversationID]
	c.Messages = append(c.Messages, m)
	c.TurnCount++
	return c.TurnCount, nil
}

func (f *fakeStore) CompleteConversation(_ context.Context, id string, at time.Time, closing *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	c := f.conversations[id]
	c.Status = model.StatusCompleted
	c.CompletedAt = &at
	if closing != nil {
		c.Messages = append(c.Messages, *closing)
	}
	return nil
}

func (f *fakeStore) AbandonConversation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.conversations[id].Status = model.StatusAbandoned
	return nil
}

func (f *fakeStore) ListStale(_ context.Context, before time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, c := range f.conversations {
		if c.Status == model.StatusInProgress && c.LastActivity().Before(before) {
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type fakeGenerator struct {
	replyErr   error
	closingErr error
	shouldEnd  bool
	replies    int
	closings   int
	// When block is set, Reply signals started and then waits on block.
	started chan struct{}
	block   chan struct{}
}

func (g *fakeGenerator) Reply(_ context.Context, t Turn) (Reply, error) {
	g.replies++
	if g.block != nil {
		close(g.started)
		<-g.block
	}
	if g.replyErr != nil {
		return Reply{}, g.replyErr
	}
	return Reply{Content: t.Persona.Name + " answers", ShouldEnd: g.shouldEnd}, nil
}

func (g *fakeGenerator) Closing(_ context.Context, _ Turn) (string, error) {
	g.closings++
	if g.closingErr != nil {
		return "", g.closingErr
	}
	return "Thanks, let's pick this up next week.", nil
}

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeGenerator) {
	t.Helper()
	st := newFakeStore()
	gen := &fakeGenerator{}
	cfg := model.DefaultConfig()
	cfg.UpstreamRetryDelay = 0
	svc := NewService(st, gen, inflight.NewMemory(), cfg)
	svc.now = func() time.Time { return testNow }
	return svc, st, gen
}

func practice(t *testing.T, svc *Service) model.Conversation {
	t.Helper()
	conv, err := svc.Start(context.Background(), StartRequest{
		StudentID:  "stu-1",
		ScenarioID: "sc-1",
		Context:    "I am the new operations analyst.",
	})
	require.NoError(t, err)
	return conv
}

func TestStart(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	conv := practice(t, svc)
	assert.Equal(t, model.StatusInProgress, conv.Status)
	assert.Equal(t, model.ModePractice, conv.Mode)
	assert.Equal(t, 0, conv.TurnCount)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, "Dana Ruiz", conv.PersonaName)

	tests := []struct {
		name string
		req  StartRequest
		want error
	}{
		{"short context", StartRequest{StudentID: "stu-1", ScenarioID: "sc-1", Context: "   too short "}, model.ErrValidation},
		{"unknown scenario", StartRequest{StudentID: "stu-1", ScenarioID: "nope", Context: "long enough context"}, model.ErrNotFound},
		{"unknown student", StartRequest{StudentID: "ghost", ScenarioID: "sc-1", Context: "long enough context"}, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Start(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// A context of exactly ten runes is accepted, counted in characters.
	_, err := svc.Start(ctx, StartRequest{StudentID: "stu-1", ScenarioID: "sc-1", Context: "привет мир"})
	assert.NoError(t, err)

	other := "a-other"
	st.assignments[other] = model.Assignment{ID: other, ScenarioID: "sc-x", MaxAttempts: 1, IsActive: true}
	_, err = svc.Start(ctx, StartRequest{StudentID: "stu-1", ScenarioID: "sc-1", AssignmentID: &other, Context: "long enough context"})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestStartStopsAtMaxAttempts(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	const n = 3
	id := "a-1"
	st.assignments[id] = model.Assignment{ID: id, ScenarioID: "sc-1", MaxAttempts: n, IsActive: true}

	req := StartRequest{StudentID: "stu-1", ScenarioID: "sc-1", AssignmentID: &id, Context: "Kickoff for the delay review."}
	for i := 0; i < n; i++ {
		conv, err := svc.Start(ctx, req)
		require.NoError(t, err, "attempt %d", i+1)
		assert.Equal(t, model.ModeGraded, conv.Mode)
	}
	for i := 0; i < 3; i++ {
		_, err := svc.Start(ctx, req)
		require.ErrorIs(t, err, model.ErrEligibility)
		reason, ok := model.ReasonOf(err)
		require.True(t, ok)
		assert.Equal(t, model.ReasonMaxAttemptsReached, reason)
	}
}

func TestStartConcurrentAttemptsRespectLimit(t *testing.T) {
	svc, st, _ := newTestService(t)
	st.countDelay = 20 * time.Millisecond
	id := "a-1"
	st.assignments[id] = model.Assignment{ID: id, ScenarioID: "sc-1", MaxAttempts: 1, IsActive: true}
	req := StartRequest{StudentID: "stu-1", ScenarioID: "sc-1", AssignmentID: &id, Context: "Kickoff for the delay review."}

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
		refused int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Start(context.Background(), req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.Is(err, model.ErrEligibility):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	assert.Equal(t, workers-1, refused)
	used, err := st.CountAttempts(context.Background(), id, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 1, used)
}

func TestStartRefusesPastDueAndInactive(t *testing.T) {
	svc, st, _ := newTestService(t)
	due := testNow.Add(-time.Hour)
	st.assignments["late"] = model.Assignment{ID: "late", ScenarioID: "sc-1", MaxAttempts: 2, IsActive: true, DueDate: &due}
	st.assignments["off"] = model.Assignment{ID: "off", ScenarioID: "sc-1", MaxAttempts: 2, IsActive: false}

	for id, want := range map[string]model.Reason{"late": model.ReasonPastDue, "off": model.ReasonInactive} {
		id := id
		_, err := svc.Start(context.Background(), StartRequest{StudentID: "stu-1", ScenarioID: "sc-1", AssignmentID: &id, Context: "long enough context"})
		reason, ok := model.ReasonOf(err)
		require.True(t, ok, id)
		assert.Equal(t, want, reason, id)
	}
}

func TestSend(t *testing.T) {
	svc, st, gen := newTestService(t)
	ctx := context.Background()
	conv := practice(t, svc)

	res, err := svc.Send(ctx, conv.ID, "  What is driving the delays?  ")
	require.NoError(t, err)
	assert.Equal(t, "What is driving the delays?", res.StudentMessage.Content)
	assert.Equal(t, model.RoleStakeholder, res.Reply.Role)
	assert.Equal(t, 1, res.TurnCount)
	assert.Equal(t, model.StatusInProgress, res.Status)
	assert.False(t, res.ShouldEnd)

	_, err = svc.Send(ctx, conv.ID, "And the budget?")
	require.NoError(t, err)
	res, err = svc.Send(ctx, conv.ID, "Who else should I talk to?")
	require.NoError(t, err)
	assert.Equal(t, 3, res.TurnCount)
	assert.True(t, res.ShouldEnd, "max_turns reached")

	got, err := svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 6)
	assert.Equal(t, 3, got.TurnCount)
	assert.Equal(t, 3, gen.replies)

	_, err = svc.Send(ctx, conv.ID, "   ")
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Len(t, st.conversations[conv.ID].Messages, 6)
}

func TestSendAdvisoryShouldEnd(t *testing.T) {
	svc, _, gen := newTestService(t)
	gen.shouldEnd = true
	conv := practice(t, svc)

	res, err := svc.Send(context.Background(), conv.ID, "I think we are done here.")
	require.NoError(t, err)
	assert.True(t, res.ShouldEnd)
	assert.Equal(t, model.StatusInProgress, res.Status, "should_end never transitions state")
}

func TestSendUpstreamFailureKeepsStudentMessage(t *testing.T) {
	svc, st, gen := newTestService(t)
	ctx := context.Background()
	conv := practice(t, svc)
	gen.replyErr = errors.New("model overloaded")

	_, err := svc.Send(ctx, conv.ID, "Can you walk me through the process?")
	require.ErrorIs(t, err, model.ErrUpstreamGeneration)
	assert.Equal(t, 2, gen.replies, "one retry")

	got, err := svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, got.Status)
	assert.Equal(t, 0, got.TurnCount)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, model.RoleStudent, got.Messages[0].Role)

	gen.replyErr = nil
	res, err := svc.Send(ctx, conv.ID, "Can you walk me through the process?")
	require.NoError(t, err)
	assert.Equal(t, 1, res.TurnCount)
	assert.Len(t, st.conversations[conv.ID].Messages, 3)
}

func TestSendOnClosedConversation(t *testing.T) {
	for _, status := range []model.ConversationStatus{model.StatusCompleted, model.StatusAbandoned} {
		t.Run(string(status), func(t *testing.T) {
			svc, st, gen := newTestService(t)
			conv := practice(t, svc)
			st.conversations[conv.ID].Status = status
			before := st.writes

			_, err := svc.Send(context.Background(), conv.ID, "Hello again")
			assert.ErrorIs(t, err, model.ErrConversationClosed)
			assert.Equal(t, before, st.writes, "no mutation")
			assert.Zero(t, gen.replies)
		})
	}
}

func TestSendRejectsConcurrentOperation(t *testing.T) {
	svc, _, gen := newTestService(t)
	ctx := context.Background()
	conv := practice(t, svc)

	gen.started = make(chan struct{})
	gen.block = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := svc.Send(ctx, conv.ID, "First question")
		done <- err
	}()

	select {
	case <-gen.started:
	case <-time.After(time.Second):
		t.Fatal("first send never reached the generator")
	}

	_, err := svc.Send(ctx, conv.ID, "Second question")
	assert.ErrorIs(t, err, model.ErrConcurrentOperation)
	_, err = svc.End(ctx, conv.ID)
	assert.ErrorIs(t, err, model.ErrConcurrentOperation)

	close(gen.block)
	require.NoError(t, <-done)
}

func TestEndIsIdempotent(t *testing.T) {
	svc, _, gen := newTestService(t)
	ctx := context.Background()
	conv := practice(t, svc)
	_, err := svc.Send(ctx, conv.ID, "Quick question")
	require.NoError(t, err)

	first, err := svc.End(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, first.FinalMessage)
	assert.Equal(t, model.StatusCompleted, first.Conversation.Status)
	require.NotNil(t, first.Conversation.CompletedAt)
	assert.Len(t, first.Conversation.Messages, 3)

	second, err := svc.End(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, second.FinalMessage)
	assert.Equal(t, first.Conversation.Status, second.Conversation.Status)
	assert.Equal(t, first.Conversation.CompletedAt, second.Conversation.CompletedAt)
	assert.Len(t, second.Conversation.Messages, 3, "no duplicate closing message")
	assert.Equal(t, 1, gen.closings)
}

func TestEndWithoutClosingMessage(t *testing.T) {
	svc, _, gen := newTestService(t)
	gen.closingErr = errors.New("timeout")
	conv := practice(t, svc)

	res, err := svc.End(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Nil(t, res.FinalMessage)
	assert.Equal(t, model.StatusCompleted, res.Conversation.Status)
}

func TestEndAbandoned(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	conv := practice(t, svc)

	abandoned, err := svc.Abandon(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAbandoned, abandoned.Status)

	_, err = svc.End(ctx, conv.ID)
	assert.ErrorIs(t, err, model.ErrConversationClosed)

	// Abandon never reopens or rewrites a terminal conversation.
	again, err := svc.Abandon(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAbandoned, again.Status)
}

func TestSweepStale(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	old := practice(t, svc)
	done := practice(t, svc)
	_, err := svc.End(ctx, done.ID)
	require.NoError(t, err)

	svc.now = func() time.Time { return testNow.Add(3 * time.Hour) }
	fresh := practice(t, svc)

	n, err := svc.SweepStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for id, want := range map[string]model.ConversationStatus{
		old.ID:   model.StatusAbandoned,
		done.ID:  model.StatusCompleted,
		fresh.ID: model.StatusInProgress,
	} {
		got, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status)
	}
}
