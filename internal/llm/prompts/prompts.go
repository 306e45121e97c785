// Package prompts renders the persona, grading and clustering prompts from
// embedded templates.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/roleplay/internal/model"
	"github.com/pavelanni/roleplay/internal/rubric"
)

// FS holds the built-in templates.
//
//go:embed templates/*.txt
var FS embed.FS

var (
	transcriptTagRegex = regexp.MustCompile(`(?i)</?\s*transcript\b[^>]*>`)
	contextTagRegex    = regexp.MustCompile(`(?i)</?\s*student-context\b[^>]*>`)
	notesTagRegex      = regexp.MustCompile(`(?i)</?\s*notes\b[^>]*>`)
)

const maxTextRunes = 10000

// PromptVariant represents a grading prompt variant.
type PromptVariant string

const (
	// PromptStrict reserves high scores for clear, specific evidence.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient favors partial credit for introductory courses.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var descriptions = map[rubric.Criterion]string{
	rubric.BusinessValueArticulation: "explains what the work means for the stakeholder's goals, costs and risks",
	rubric.AudienceAdaptation:        "adjusts vocabulary and level of detail to this stakeholder",
	rubric.HandlingObjections:        "takes pushback seriously and answers it with substance",
	rubric.ClarityAndStructure:       "communicates in a clear, organized way",
	rubric.HonestyAndLimitations:     "is candid about uncertainty, risks and what is not known",
	rubric.ActionableRecommendation:  "ends with a concrete recommendation or next step",
}

var (
	loadOnce       sync.Once
	loadErr        error
	replyTemplate  *template.Template
	closeTemplate  *template.Template
	clusterTmpl    *template.Template
	gradeTemplates map[PromptVariant]*template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// ReplyData holds template data for persona replies and closing lines.
type ReplyData struct {
	Persona  model.Persona
	Scenario model.Scenario
	Context  string
	Turn     int
	MaxTurns int
}

// CriterionData describes one rubric line in a grading prompt.
type CriterionData struct {
	Key         rubric.Criterion
	Label       string
	MaxScore    float64
	Description string
}

// GradeData holds template data for grading prompts.
type GradeData struct {
	PersonaName  string
	PersonaTitle string
	ScenarioName string
	Context      string
	Criteria     []CriterionData
	Transcript   string
}

// ClusterData holds template data for the struggle clustering prompt.
type ClusterData struct {
	Phrases []string
	Limit   int
}

// Load parses the templates under templates/ in fsys.
// It uses sync.Once to ensure templates are loaded only once.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		parse := func(name string) (*template.Template, error) {
			file := "templates/" + name + ".txt"
			content, err := fs.ReadFile(fsys, file)
			if err != nil {
				return nil, fmt.Errorf("read prompt file %s: %w", file, err)
			}
			tmpl, err := template.New(name).Parse(string(content))
			if err != nil {
				return nil, fmt.Errorf("parse prompt template %s: %w", file, err)
			}
			return tmpl, nil
		}

		if replyTemplate, loadErr = parse("persona_reply"); loadErr != nil {
			return
		}
		if closeTemplate, loadErr = parse("persona_closing"); loadErr != nil {
			return
		}
		if clusterTmpl, loadErr = parse("cluster"); loadErr != nil {
			return
		}
		gradeTemplates = make(map[PromptVariant]*template.Template)
		for _, v := range []PromptVariant{PromptStrict, PromptStandard, PromptLenient} {
			tmpl, err := parse("grade_" + string(v))
			if err != nil {
				loadErr = err
				return
			}
			gradeTemplates[v] = tmpl
		}
	})
	return loadErr
}

func ready() error {
	if loadErr != nil {
		return fmt.Errorf("templates load failed: %w", loadErr)
	}
	if replyTemplate == nil {
		return errors.New("templates not initialized: call Load first")
	}
	return nil
}

// BuildReplyPrompt builds the persona system prompt for the next reply.
func BuildReplyPrompt(d ReplyData) (string, error) {
	if err := ready(); err != nil {
		return "", err
	}
	d.Context = sanitize(contextTagRegex, d.Context)
	return execute(replyTemplate, d)
}

// BuildClosingPrompt builds the persona system prompt for a closing line.
func BuildClosingPrompt(d ReplyData) (string, error) {
	if err := ready(); err != nil {
		return "", err
	}
	return execute(closeTemplate, d)
}

// BuildGradePrompt builds a grading prompt using the specified variant.
func BuildGradePrompt(variant PromptVariant, conv model.Conversation, persona model.Persona, scenario model.Scenario, maxScores map[rubric.Criterion]float64) (string, error) {
	if err := ready(); err != nil {
		return "", err
	}
	tmpl, ok := gradeTemplates[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	criteria := make([]CriterionData, 0, len(rubric.Criteria))
	for _, c := range rubric.Criteria {
		criteria = append(criteria, CriterionData{
			Key:         c,
			Label:       c.Label(),
			MaxScore:    maxScores[c],
			Description: descriptions[c],
		})
	}
	return execute(tmpl, GradeData{
		PersonaName:  persona.Name,
		PersonaTitle: persona.Title,
		ScenarioName: scenario.Name,
		Context:      sanitize(contextTagRegex, conv.Context),
		Criteria:     criteria,
		Transcript:   Transcript(conv.Messages, persona.Name),
	})
}

// BuildClusterPrompt builds the prompt that groups improvement notes.
func BuildClusterPrompt(phrases []string, limit int) (string, error) {
	if err := ready(); err != nil {
		return "", err
	}
	clean := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.Join(strings.Fields(notesTagRegex.ReplaceAllString(p, "")), " ")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return execute(clusterTmpl, ClusterData{Phrases: clean, Limit: limit})
}

// Transcript renders messages as speaker-prefixed paragraphs.
func Transcript(messages []model.Message, personaName string) string {
	var sb strings.Builder
	for _, m := range messages {
		speaker := "Student"
		if m.Role == model.RoleStakeholder {
			speaker = personaName
		}
		sb.WriteString(speaker + ": " + m.Content + "\n\n")
	}
	return sanitize(transcriptTagRegex, sb.String())
}

func execute(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitize(tag *regexp.Regexp, text string) string {
	text = tag.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	if text == "" {
		return "[Nothing provided]"
	}

	if utf8.RuneCountInString(text) > maxTextRunes {
		runes := []rune(text)
		runes = runes[:maxTextRunes]
		text = string(runes) + "\n\n[Text truncated due to length]"
	}

	return text
}
