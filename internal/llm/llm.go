// Package llm talks to an OpenAI-compatible chat completion API to play
// personas, grade transcripts and cluster improvement notes.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/roleplay/internal/conversation"
	"github.com/pavelanni/roleplay/internal/grading"
	"github.com/pavelanni/roleplay/internal/llm/prompts"
	"github.com/pavelanni/roleplay/internal/model"
	"github.com/pavelanni/roleplay/internal/rubric"
)

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api      *openai.Client
	model    string
	variant  prompts.PromptVariant
	maxTurns int
}

// New creates a new LLM client. The prompt templates must load.
func New(baseURL, apiKey, modelName string, variant prompts.PromptVariant, defaultMaxTurns int) (*Client, error) {
	if err := prompts.Load(prompts.FS); err != nil {
		return nil, err
	}
	if !prompts.IsValidVariant(string(variant)) {
		return nil, fmt.Errorf("invalid prompt variant %q", variant)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:      openai.NewClientWithConfig(config),
		model:    modelName,
		variant:  variant,
		maxTurns: defaultMaxTurns,
	}, nil
}

// Ping checks that the API is reachable and the model is served.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.GetModel(ctx, c.model); err != nil {
		return fmt.Errorf("LLM model %s: %w", c.model, err)
	}
	return nil
}

type replyResponse struct {
	Reply     string `json:"reply"`
	ShouldEnd bool   `json:"should_end"`
}

// Reply generates the persona's next message.
func (c *Client) Reply(ctx context.Context, t conversation.Turn) (conversation.Reply, error) {
	system, err := prompts.BuildReplyPrompt(c.replyData(t))
	if err != nil {
		return conversation.Reply{}, err
	}
	var out replyResponse
	if err := c.complete(ctx, chatMessages(system, t.Messages), 0.7, &out); err != nil {
		return conversation.Reply{}, fmt.Errorf("persona reply: %w", err)
	}
	out.Reply = strings.TrimSpace(out.Reply)
	if out.Reply == "" {
		return conversation.Reply{}, errors.New("persona reply: empty reply")
	}
	return conversation.Reply{Content: out.Reply, ShouldEnd: out.ShouldEnd}, nil
}

// Closing generates the persona's goodbye line.
func (c *Client) Closing(ctx context.Context, t conversation.Turn) (string, error) {
	system, err := prompts.BuildClosingPrompt(c.replyData(t))
	if err != nil {
		return "", err
	}
	var out replyResponse
	if err := c.complete(ctx, chatMessages(system, t.Messages), 0.7, &out); err != nil {
		return "", fmt.Errorf("closing line: %w", err)
	}
	return strings.TrimSpace(out.Reply), nil
}

func (c *Client) replyData(t conversation.Turn) prompts.ReplyData {
	maxTurns := t.Scenario.MaxTurns
	if maxTurns <= 0 {
		maxTurns = c.maxTurns
	}
	turn := 1
	for _, m := range t.Messages {
		if m.Role == model.RoleStakeholder {
			turn++
		}
	}
	return prompts.ReplyData{
		Persona:  t.Persona,
		Scenario: t.Scenario,
		Context:  t.Context,
		Turn:     turn,
		MaxTurns: maxTurns,
	}
}

// chatMessages maps the transcript onto chat roles: the persona is the
// assistant and the student is the user.
func chatMessages(system string, messages []model.Message) []openai.ChatCompletionMessage {
	out := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
	}
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		if m.Role == model.RoleStakeholder {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

type criterionResponse struct {
	Score    float64 `json:"score"`
	Evidence string  `json:"evidence"`
	Feedback string  `json:"feedback"`
}

type gradeResponse struct {
	CriteriaScores      map[string]criterionResponse `json:"criteria_scores"`
	Strengths           []string                     `json:"strengths"`
	AreasForImprovement []string                     `json:"areas_for_improvement"`
	OverallFeedback     string                       `json:"overall_feedback"`
	Confidence          *float64                     `json:"confidence"`
}

// Grade scores a completed transcript against the rubric. Criterion names
// are passed through unchecked; the grading service validates the set.
func (c *Client) Grade(ctx context.Context, req grading.Request) (grading.AIResult, error) {
	prompt, err := prompts.BuildGradePrompt(c.variant, req.Conversation, req.Persona, req.Scenario, req.MaxScores)
	if err != nil {
		return grading.AIResult{}, err
	}
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: prompt},
	}
	var out gradeResponse
	if err := c.complete(ctx, msgs, 0.1, &out); err != nil {
		return grading.AIResult{}, fmt.Errorf("LLM grading: %w", err)
	}

	res := grading.AIResult{
		Criteria:            make(map[rubric.Criterion]model.CriterionScore, len(out.CriteriaScores)),
		Strengths:           out.Strengths,
		AreasForImprovement: out.AreasForImprovement,
		OverallFeedback:     out.OverallFeedback,
		Confidence:          out.Confidence,
	}
	for name, cs := range out.CriteriaScores {
		crit := rubric.Criterion(name)
		res.Criteria[crit] = model.CriterionScore{
			Criterion: crit,
			Score:     cs.Score,
			MaxScore:  req.MaxScores[crit],
			Evidence:  cs.Evidence,
			Feedback:  cs.Feedback,
		}
	}
	return res, nil
}

type clusterResponse struct {
	Struggles []string `json:"struggles"`
}

// Cluster groups improvement notes into ranked short phrases.
func (c *Client) Cluster(ctx context.Context, phrases []string, limit int) ([]string, error) {
	prompt, err := prompts.BuildClusterPrompt(phrases, limit)
	if err != nil {
		return nil, err
	}
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: prompt},
	}
	var out clusterResponse
	if err := c.complete(ctx, msgs, 0.2, &out); err != nil {
		return nil, fmt.Errorf("LLM clustering: %w", err)
	}
	ranked := make([]string, 0, len(out.Struggles))
	for _, s := range out.Struggles {
		if s = strings.TrimSpace(s); s != "" {
			ranked = append(ranked, s)
		}
	}
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// complete runs one JSON-mode chat completion and decodes the reply into out.
func (c *Client) complete(ctx context.Context, msgs []openai.ChatCompletionMessage, temperature float32, out any) error {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: temperature,
	})
	if err != nil {
		return fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return errors.New("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}
	return nil
}
