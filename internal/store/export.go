package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/roleplay/internal/model"
)

// ExportAll builds export-ready records for every conversation, oldest first.
func (s *Store) ExportAll(ctx context.Context) ([]model.ConversationExport, error) {
	students, err := s.ListStudents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	names := make(map[string]string, len(students))
	for _, st := range students {
		names[st.ID] = st.Name
	}

	convs, err := s.ListConversations(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	results := make([]model.ConversationExport, 0, len(convs))
	for i := len(convs) - 1; i >= 0; i-- {
		c := convs[i]
		g, err := s.GetGrade(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("get grade for %s: %w", c.ID, err)
		}
		revs, err := s.ListGradeRevisions(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("get revisions for %s: %w", c.ID, err)
		}
		results = append(results, model.ConversationExport{
			Conversation: c,
			StudentName:  names[c.StudentID],
			Grade:        g,
			Revisions:    revs,
		})
	}
	return results, nil
}
