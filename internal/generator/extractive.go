package generator

import (
	"context"
	"strings"
)

// maxAnswerChars caps extractive answers; the cut prefers a sentence
// boundary so answers don't end mid-thought.
const maxAnswerChars = 600

// noInfoAnswer is returned when retrieval produced nothing usable.
const noInfoAnswer = "I don't have information about that in my knowledge base. " +
	"Please contact our support team for assistance."

// Extractive answers by quoting the most relevant retrieved passage:
// the document sharing the most significant words with the query, falling
// back to the top-ranked one. Fully deterministic, no external calls.
type Extractive struct{}

// NewExtractive creates the extractive generator.
func NewExtractive() *Extractive { return &Extractive{} }

// Generate picks the best passage and trims it to answer length.
func (Extractive) Generate(ctx context.Context, query string, docs []string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(docs) == 0 {
		return Result{Text: noInfoAnswer, ConfidenceHint: 0.1}, nil
	}

	queryWords := significantWords(query)
	best := 0
	bestOverlap := -1
	for i, doc := range docs {
		overlap := 0
		for w := range significantWords(doc) {
			if queryWords[w] {
				overlap++
			}
		}
		// Strict improvement only: ties keep the earlier (higher-ranked) doc.
		if overlap > bestOverlap {
			best = i
			bestOverlap = overlap
		}
	}

	return Result{Text: truncateAtSentence(docs[best], maxAnswerChars)}, nil
}

// significantWords lowercases the text and keeps words longer than
// three characters, stripped of surrounding punctuation.
func significantWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, "?!.,;:\"'()")
		if len(w) > 3 {
			words[w] = true
		}
	}
	return words
}

// truncateAtSentence cuts text to at most max bytes, preferring the
// last sentence end before the limit, then the last word break.
func truncateAtSentence(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if idx := strings.LastIndex(cut, ". "); idx > 0 {
		return cut[:idx+1]
	}
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "..."
}
