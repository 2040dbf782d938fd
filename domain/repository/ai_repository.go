package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Songmu/retry"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
)

const (
	defaultSummaryModel    = "gpt-4"
	defaultAzureAPIVersion = "2025-01-01-preview"
)

const summarySystemPrompt = `You write post-incident summaries for on-call reviews.
You receive the incident attributes and its audit timeline, one line per state change.
Answer in plain prose, at most 800 characters: what happened, who was paged on which channels,
which notifications failed, and how the incident ended. Use only facts from the timeline.`

// AIRepository summarizes incident timelines through OpenAI or Azure OpenAI.
type AIRepository struct {
	client *openai.Client
	model  string
	tokens *TokenCalculator
}

// NewAIRepository returns nil, nil when no OpenAI or Azure OpenAI key is configured.
func NewAIRepository() (*AIRepository, error) {
	if os.Getenv("OPENAI_API_KEY") == "" && os.Getenv("AZURE_OPENAI_KEY") == "" {
		return nil, nil
	}
	model := envOr("OPENAI_MODEL", defaultSummaryModel)
	client, err := newOpenAIClient()
	if err != nil {
		return nil, fmt.Errorf("initialize openai client: %w", err)
	}
	tokens, err := NewTokenCalculator(model)
	if err != nil {
		return nil, err
	}
	return &AIRepository{client: client, model: model, tokens: tokens}, nil
}

func newOpenAIClient() (*openai.Client, error) {
	var opts []option.RequestOption
	if endpoint := os.Getenv("AZURE_OPENAI_ENDPOINT"); endpoint != "" {
		key := os.Getenv("AZURE_OPENAI_KEY")
		if key == "" {
			return nil, errors.New("AZURE_OPENAI_KEY is not set")
		}
		opts = append(opts,
			azure.WithEndpoint(endpoint, envOr("AZURE_OPENAI_API_VERSION", defaultAzureAPIVersion)),
			azure.WithAPIKey(key),
		)
	} else {
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, errors.New("OPENAI_API_KEY is not set")
		}
		opts = append(opts, option.WithAPIKey(key))
	}
	c := openai.NewClient(opts...)
	return &c, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// SummarizeIncident summarizes the timeline. A timeline over the token budget is summarized
// in parts and the parts are merged.
func (r *AIRepository) SummarizeIncident(ctx context.Context, description string, timeline []string) (string, error) {
	header := "## Incident\n" + description + "\n\n## Timeline\n"
	chunks := r.tokens.SplitLines(timeline, summarySystemPrompt+header, GetMaxTokens())
	if len(chunks) <= 1 {
		return r.complete(ctx, header+strings.Join(timeline, "\n"))
	}

	parts := make([]string, 0, len(chunks))
	for n, chunk := range chunks {
		s, err := r.complete(ctx, header+strings.Join(chunk, "\n"))
		if err != nil {
			return "", fmt.Errorf("summarize part %d/%d: %w", n+1, len(chunks), err)
		}
		parts = append(parts, s)
	}
	return r.complete(ctx, r.tokens.CreateMergePrompt(parts))
}

func (r *AIRepository) complete(ctx context.Context, prompt string) (string, error) {
	var out string
	err := retry.Retry(3, 3*time.Second, func() error {
		resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: r.model,
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(summarySystemPrompt),
				openai.UserMessage(prompt),
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("openai returned no choices")
		}
		out = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	})
	return out, err
}
