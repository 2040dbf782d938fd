package repository

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

const (
	DefaultMaxTokens = 100000
)

// GetMaxTokens reads MAX_TOKENS, falling back to DefaultMaxTokens.
func GetMaxTokens() int {
	if envMaxTokens := os.Getenv("MAX_TOKENS"); envMaxTokens != "" {
		if maxTokens, err := strconv.Atoi(envMaxTokens); err == nil && maxTokens > 0 {
			return maxTokens
		}
	}
	return DefaultMaxTokens
}

type TokenCalculator struct {
	encoder *tiktoken.Tiktoken
}

func NewTokenCalculator(model string) (*TokenCalculator, error) {
	encoder, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoder, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding for %s: %w", model, err)
		}
	}
	return &TokenCalculator{encoder: encoder}, nil
}

func (tc *TokenCalculator) CountTokens(text string) int {
	if tc == nil || tc.encoder == nil {
		// rough estimate
		return len(text) / 4
	}
	return len(tc.encoder.Encode(text, nil, nil))
}

// SplitLines groups lines into chunks that each fit in maxTokens together with basePrompt.
// A single line larger than the budget gets a chunk of its own.
func (tc *TokenCalculator) SplitLines(lines []string, basePrompt string, maxTokens int) [][]string {
	if len(lines) == 0 {
		return [][]string{}
	}

	var chunks [][]string
	var current []string
	baseTokens := tc.CountTokens(basePrompt)
	currentTokens := baseTokens
	for _, line := range lines {
		lineTokens := tc.CountTokens(line + "\n")
		if currentTokens+lineTokens > maxTokens && len(current) > 0 {
			chunks = append(chunks, current)
			current = []string{line}
			currentTokens = baseTokens + lineTokens
			continue
		}
		current = append(current, line)
		currentTokens += lineTokens
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func (tc *TokenCalculator) CreateMergePrompt(summaries []string) string {
	var builder strings.Builder
	builder.WriteString("The following are partial summaries of one incident. Merge them into a single summary without repeating yourself:\n\n")
	for i, summary := range summaries {
		builder.WriteString(fmt.Sprintf("## Part %d\n%s\n\n", i+1, summary))
	}
	return builder.String()
}
