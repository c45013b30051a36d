// Package suggest produces LLM tag suggestions for new tasks.
package suggest

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultModel = "claude-3-5-haiku-latest"

// Suggester recommends tags for a task from its title and description.
// Unlike embeddings there is no safe degraded default here, so failures
// surface to the caller.
type Suggester interface {
	SuggestTags(ctx context.Context, title, description string, existing []string) ([]string, error)
}

// Anthropic is a Suggester backed by the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropic creates a Suggester using the given API key. An empty
// model selects a default small model.
func NewAnthropic(apiKey, model string) *Anthropic {
	if model == "" {
		model = defaultModel
	}
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// SuggestTags implements Suggester. Existing workspace tags are offered
// to the model so suggestions reuse the established vocabulary.
func (a *Anthropic) SuggestTags(ctx context.Context, title, description string, existing []string) ([]string, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(title, description, existing))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tag suggestion request failed: %w", err)
	}

	var reply strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}

	tags := ParseTags(reply.String())
	if len(tags) == 0 {
		return nil, fmt.Errorf("tag suggestion returned no tags")
	}
	return tags, nil
}

func buildPrompt(title, description string, existing []string) string {
	existingList := "none"
	if len(existing) > 0 {
		existingList = strings.Join(existing, ", ")
	}
	if description == "" {
		description = "none"
	}

	return fmt.Sprintf(`You are the tag suggestion system for a task management app.

Suggest 3-5 fitting tags for the task below.

Tags already in use: %s

Task title: %s
Task description: %s

Rules:
1. Prefer reusing existing tags when they fit.
2. New tags must be short and unambiguous.
3. Output the tags separated by commas.
4. Output only the tags, nothing else.

Example output: work, meeting, urgent`, existingList, title, description)
}

// ParseTags splits a comma-separated model reply into trimmed, non-empty
// tags.
func ParseTags(reply string) []string {
	parts := strings.Split(strings.TrimSpace(reply), ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
