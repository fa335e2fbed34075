// Package retrieval finds knowledge-base passages relevant to a query.
package retrieval

import "context"

// DefaultTopK is how many passages a search returns when the caller
// does not say.
const DefaultTopK = 3

// Document is one retrieved passage with its relevance score in [0,1].
type Document struct {
	Content  string  `json:"content"`
	Source   string  `json:"source"`
	Category string  `json:"category,omitempty"`
	Score    float64 `json:"score"`
}

// Retriever finds passages relevant to a query. An empty result is a
// valid low-confidence outcome, not an error.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]Document, error)
}

// CategorySearcher is an optional interface for retrievers that can
// prioritize one document category. The answer workflow uses it to bias
// retrieval by classified intent; retrievers without it get the plain
// Search call.
type CategorySearcher interface {
	SearchCategory(ctx context.Context, query string, topK int, category string) ([]Document, error)
}

// Sources extracts the distinct source names of the documents, in
// retrieval order.
func Sources(docs []Document) []string {
	seen := make(map[string]bool, len(docs))
	var out []string
	for _, d := range docs {
		if d.Source == "" || seen[d.Source] {
			continue
		}
		seen[d.Source] = true
		out = append(out, d.Source)
	}
	return out
}

// Contents extracts the document texts in retrieval order.
func Contents(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Content
	}
	return out
}
