// Package workflow runs the answer state machine for one query:
// classify intent, retrieve supporting passages, generate an answer,
// then decide whether the result stands on its own or needs a human.
package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/deskd/deskd/internal/generator"
	"github.com/deskd/deskd/internal/intent"
	"github.com/deskd/deskd/internal/retrieval"
)

const (
	// DefaultEscalationThreshold is the confidence below which answers
	// are flagged for human review.
	DefaultEscalationThreshold = 0.4

	// DefaultCacheConfidence is the minimum confidence for an answer to
	// be marked worth caching.
	DefaultCacheConfidence = 0.6
)

// scopeGuidance answers queries that have no topical overlap with the
// knowledge base. Retrieval and generation are skipped for these.
const scopeGuidance = "I'm a customer support assistant and can only help with questions related to our service. " +
	"This query appears to be outside my area of expertise. " +
	"Please ask questions about:\n" +
	"- Account management and login issues\n" +
	"- Billing, payments, and subscriptions\n" +
	"- Technical problems and troubleshooting\n" +
	"- Product features and how to use them\n" +
	"- Data privacy and security\n" +
	"- Contacting our support team\n\n" +
	"How can I help you with your account or our services today?"

// degradedAnswer stands in when the retriever or generator fails.
const degradedAnswer = "I'm having trouble answering right now. " +
	"Please try again in a moment or contact our support team for help."

// Outcome is the decision the engine hands back: the answer plus the
// instructions the caller acts on. Side effects (caching, memory
// appends) belong to the caller; the engine only decides.
type Outcome struct {
	Answer         string
	Intent         intent.Intent
	Confidence     float64
	ShouldEscalate bool
	Cacheable      bool
	Documents      []retrieval.Document
	RetrievalMs    int64
	GenerationMs   int64
}

// Engine wires the classifier to the retriever and generator
// capabilities and applies the escalation policy.
type Engine struct {
	classifier          *intent.Classifier
	retriever           retrieval.Retriever
	generator           generator.Generator
	topK                int
	escalationThreshold float64
	cacheConfidence     float64
}

// NewEngine creates an engine. topK, escalationThreshold and
// cacheConfidence fall back to defaults when <= 0.
func NewEngine(
	classifier *intent.Classifier,
	retriever retrieval.Retriever,
	gen generator.Generator,
	topK int,
	escalationThreshold float64,
	cacheConfidence float64,
) *Engine {
	if topK <= 0 {
		topK = retrieval.DefaultTopK
	}
	if escalationThreshold <= 0 {
		escalationThreshold = DefaultEscalationThreshold
	}
	if cacheConfidence <= 0 {
		cacheConfidence = DefaultCacheConfidence
	}
	return &Engine{
		classifier:          classifier,
		retriever:           retriever,
		generator:           gen,
		topK:                topK,
		escalationThreshold: escalationThreshold,
		cacheConfidence:     cacheConfidence,
	}
}

// Run executes the state machine for one query. query is what the user
// typed; prompt is what the retriever and generator see (the caller
// passes a contextualized version for follow-ups, empty means the query
// itself). topK overrides the engine default when > 0. The returned
// error is non-nil only when ctx is done; capability failures degrade
// into an escalated apology instead.
func (e *Engine) Run(ctx context.Context, query, prompt string, topK int) (Outcome, error) {
	if prompt == "" {
		prompt = query
	}
	if topK <= 0 {
		topK = e.topK
	}

	// 1. Classify. Intent comes from the user's own words, never the
	// injected context, so urgency cannot leak from prior turns.
	detected := e.classifier.Classify(query)
	urgent := detected == intent.Urgent

	// 2. Relevance gate: skip retrieval and generation entirely when
	// the query has no overlap with the knowledge base topics. Urgent
	// queries bypass the gate; a demand for a human is always in scope.
	if !urgent && !e.classifier.InScope(prompt) {
		return Outcome{
			Answer:         scopeGuidance,
			Intent:         intent.General,
			ShouldEscalate: true,
		}, nil
	}

	// 3. Retrieve, biased toward the intent's document category.
	retrievalStart := time.Now()
	docs, err := e.search(ctx, prompt, detected, topK)
	retrievalMs := time.Since(retrievalStart).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		slog.Warn("workflow: retrieval failed", "error", err)
		return degraded(detected, retrievalMs, 0), nil
	}

	// 4. Generate.
	generationStart := time.Now()
	res, err := e.generator.Generate(ctx, prompt, retrieval.Contents(docs))
	generationMs := time.Since(generationStart).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		slog.Warn("workflow: generation failed", "error", err)
		out := degraded(detected, retrievalMs, generationMs)
		out.Documents = docs
		return out, nil
	}

	// 5. Decide.
	confidence := scoreConfidence(res.Text, docs)
	if res.ConfidenceHint > confidence {
		confidence = res.ConfidenceHint
	}
	escalate := confidence < e.escalationThreshold || urgent

	slog.Debug("workflow complete",
		"intent", detected,
		"confidence", confidence,
		"escalate", escalate,
		"documents", len(docs),
	)

	return Outcome{
		Answer:         res.Text,
		Intent:         detected,
		Confidence:     confidence,
		ShouldEscalate: escalate,
		Cacheable:      confidence >= e.cacheConfidence && !escalate,
		Documents:      docs,
		RetrievalMs:    retrievalMs,
		GenerationMs:   generationMs,
	}, nil
}

// search applies the intent's category bias when the retriever
// supports it.
func (e *Engine) search(ctx context.Context, prompt string, detected intent.Intent, topK int) ([]retrieval.Document, error) {
	if category := categoryFor(detected); category != "" {
		if cs, ok := e.retriever.(retrieval.CategorySearcher); ok {
			return cs.SearchCategory(ctx, prompt, topK, category)
		}
	}
	return e.retriever.Search(ctx, prompt, topK)
}

func categoryFor(detected intent.Intent) string {
	switch detected {
	case intent.Technical:
		return "technical"
	case intent.Billing:
		return "billing"
	}
	return ""
}

func degraded(detected intent.Intent, retrievalMs, generationMs int64) Outcome {
	return Outcome{
		Answer:         degradedAnswer,
		Intent:         detected,
		ShouldEscalate: true,
		RetrievalMs:    retrievalMs,
		GenerationMs:   generationMs,
	}
}
