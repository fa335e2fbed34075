// Package generator produces answer text from a query and retrieved
// knowledge-base passages. Two implementations ship: a deterministic
// extractive generator that needs no external service, and a remote
// client for any OpenAI-compatible chat completion API.
package generator

import "context"

// Result is a generated answer. ConfidenceHint is optional ([0,1], zero
// means unset); the workflow blends it with its own transparent scoring.
type Result struct {
	Text           string
	ConfidenceHint float64
}

// Generator produces an answer from the query and the retrieved
// document contents, in retrieval order.
type Generator interface {
	Generate(ctx context.Context, query string, docs []string) (Result, error)
}
