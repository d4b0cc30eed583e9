package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/ports"
)

const defaultMaxInputLength = 100000

// Summarizer turns a content item's raw text into a short digest through
// the text-generation collaborator.
type Summarizer struct {
	generator ports.TextGenerator
	logger    *slog.Logger
	maxInput  int
}

var _ ports.Summarizer = (*Summarizer)(nil)

// NewSummarizer wires the collaborator; maxInput caps how much raw content
// goes into the prompt.
func NewSummarizer(generator ports.TextGenerator, maxInput int, logger *slog.Logger) *Summarizer {
	if maxInput <= 0 {
		maxInput = defaultMaxInputLength
	}
	return &Summarizer{generator: generator, logger: logger, maxInput: maxInput}
}

// Summarize produces a 2-4 paragraph digest of the item.
func (s *Summarizer) Summarize(ctx context.Context, item domain.ContentItem, sourceType domain.SourceType) (string, error) {
	content := strings.TrimSpace(item.RawContent)
	if content == "" {
		return "", fmt.Errorf("cannot summarize empty content for %s", item.ExternalID)
	}

	if len(content) > s.maxInput {
		s.warn("content truncated for summarization",
			"original_length", len(content), "truncated_length", s.maxInput)
		content = content[:s.maxInput]
	}

	prompt := buildSummaryPrompt(content, item.Title, item.Author, sourceType)

	s.debug("requesting summary", "title", item.Title)
	summary, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("summarize %s: %w", item.ExternalID, err)
	}

	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("empty summary for %s", item.ExternalID)
	}

	s.info("summary generated", "title", item.Title, "summary_length", len(summary))
	return summary, nil
}

func buildSummaryPrompt(content, title, author string, sourceType domain.SourceType) string {
	sourceContext := "article"
	switch sourceType {
	case domain.SourceTypeFeed, domain.SourceTypeBlog:
		sourceContext = "blog post"
	}

	authorInfo := ""
	if author != "" {
		authorInfo = " by " + author
	}

	return fmt.Sprintf(`Summarize the following %s%s titled %q.

Provide a concise summary (2-4 paragraphs) that captures:
- The main topic and key points
- Any important insights or conclusions
- Why this might be interesting or relevant

Write in a clear, engaging style suitable for a chat message. Do not use headers or bullet points.

Content:
%s

Summary:`, sourceContext, authorInfo, title, content)
}

func (s *Summarizer) debug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *Summarizer) info(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Summarizer) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
