package memory

import (
	"context"
	"strings"
)

// Summarizer condenses text chunks into a single summary. Deployments plug in
// a model-backed implementation; when none is configured, or the configured
// one fails, the coordinator falls back to truncation.
type Summarizer interface {
	Summarize(ctx context.Context, chunks []string) (string, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, chunks []string) (string, error)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, chunks []string) (string, error) {
	return f(ctx, chunks)
}

// splitChunks cuts text into chunks of at most maxSize characters, breaking
// on word boundaries. A single word longer than maxSize becomes its own
// oversized chunk rather than being split mid-word.
func splitChunks(text string, maxSize int) []string {
	if maxSize <= 0 || len(text) <= maxSize {
		return []string{text}
	}

	words := strings.Fields(text)
	chunks := make([]string, 0, len(text)/maxSize+1)

	var b strings.Builder
	for _, word := range words {
		if b.Len() > 0 && b.Len()+1+len(word) > maxSize {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(word)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	if len(chunks) == 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

// truncateSummary is the degraded summarization path: the first maxLen
// characters of the text with an ellipsis marker.
func truncateSummary(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}
