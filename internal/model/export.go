package model

import "time"

// Export is the top-level JSON structure for a results export.
type Export struct {
	ExportedAt    time.Time            `json:"exported_at"`
	PromptVariant string               `json:"prompt_variant"`
	Students      []Student            `json:"students"`
	Conversations []ConversationExport `json:"conversations"`
}

// ConversationExport is one conversation with its current grade and the
// grade states it superseded.
type ConversationExport struct {
	Conversation
	StudentName string          `json:"student_name"`
	Grade       *Grade          `json:"grade,omitempty"`
	Revisions   []GradeRevision `json:"revisions,omitempty"`
}
