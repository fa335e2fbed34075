// Package pipeline sequences one support request end to end: cache
// lookup, session resolution, follow-up context injection, the answer
// workflow, cache admission, and the memory append. It also fronts the
// feedback and analytics operations for the transport layers.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/deskd/deskd/internal/cache"
	"github.com/deskd/deskd/internal/conversation"
	"github.com/deskd/deskd/internal/feedback"
	"github.com/deskd/deskd/internal/retrieval"
	"github.com/deskd/deskd/internal/workflow"
)

// ErrEmptyQuery rejects requests whose query is blank.
var ErrEmptyQuery = errors.New("query must not be empty")

// DefaultContextWindow is how many trailing session messages are
// rendered into the prompt for a follow-up question.
const DefaultContextWindow = 3

// Request is one incoming support question.
type Request struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	TopK      int    `json:"top_k,omitempty"`
}

// Metrics reports where a request spent its time.
type Metrics struct {
	RetrievalMs  int64 `json:"retrieval_ms"`
	GenerationMs int64 `json:"generation_ms"`
	TotalMs      int64 `json:"total_ms"`
	NumDocuments int   `json:"num_documents"`
}

// Response is the answer plus everything a caller needs to render it:
// confidence, the escalation flag, the session it belongs to, and the
// supporting documents. Cached responses carry sources but no document
// contents.
type Response struct {
	Answer            string               `json:"answer"`
	Confidence        float64              `json:"confidence"`
	ShouldEscalate    bool                 `json:"should_escalate"`
	Cached            bool                 `json:"cached"`
	SessionID         string               `json:"session_id"`
	ConversationTurns int                  `json:"conversation_turns"`
	Documents         []retrieval.Document `json:"documents,omitempty"`
	Sources           []string             `json:"sources,omitempty"`
	Metrics           Metrics              `json:"metrics"`
}

// Analytics bundles the feedback aggregates with the cache counters.
type Analytics struct {
	Feedback feedback.Analytics `json:"feedback"`
	Cache    cache.Stats        `json:"cache"`
}

// Orchestrator owns the per-request control flow. The cache, memory and
// collector are process-wide shared state; the engine is stateless.
type Orchestrator struct {
	cache         *cache.Cache
	memory        *conversation.Memory
	collector     *feedback.Collector
	engine        *workflow.Engine
	contextWindow int
}

// NewOrchestrator wires the pipeline. contextWindow bounds how many
// trailing messages feed a follow-up prompt; <= 0 uses the session's
// full bounded window.
func NewOrchestrator(
	c *cache.Cache,
	memory *conversation.Memory,
	collector *feedback.Collector,
	engine *workflow.Engine,
	contextWindow int,
) *Orchestrator {
	return &Orchestrator{
		cache:         c,
		memory:        memory,
		collector:     collector,
		engine:        engine,
		contextWindow: contextWindow,
	}
}

// Process answers one request. Exactly one user+assistant pair is
// appended to the session, on the cached and computed paths alike. A
// cancelled context produces no side effects at all.
func (o *Orchestrator) Process(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return Response{}, ErrEmptyQuery
	}

	start := time.Now()

	// 1. Cache first: a hit skips the workflow entirely.
	if entry, ok := o.cache.Lookup(req.Query); ok {
		sessionID := o.memory.GetOrCreate(req.SessionID)
		o.memory.Append(sessionID, conversation.RoleUser, req.Query)
		o.memory.Append(sessionID, conversation.RoleAssistant, entry.Answer)

		slog.Debug("cache hit", "session_id", sessionID)
		return Response{
			Answer:            entry.Answer,
			Confidence:        entry.Confidence,
			Cached:            true,
			SessionID:         sessionID,
			ConversationTurns: o.memory.Turns(sessionID),
			Sources:           entry.Sources,
			Metrics: Metrics{
				TotalMs:      time.Since(start).Milliseconds(),
				NumDocuments: len(entry.Sources),
			},
		}, nil
	}

	// 2. Resolve the session and build the follow-up prompt from prior
	// turns. Context assembly happens here, not in the memory.
	sessionID := o.memory.GetOrCreate(req.SessionID)
	prompt := ""
	if o.memory.IsFollowUp(sessionID, req.Query) {
		if rendered := o.renderContext(sessionID); rendered != "" {
			prompt = "Context:\n" + rendered + "\n\nCurrent question: " + req.Query
			slog.Debug("follow-up detected", "session_id", sessionID)
		}
	}

	// 3. Run the workflow. An error here means cancellation: return it
	// with no admission and no append.
	outcome, err := o.engine.Run(ctx, req.Query, prompt, req.TopK)
	if err != nil {
		return Response{}, err
	}

	// 4. Admit per the engine's instruction. Contextualized answers
	// depend on this session's history and are never shared via cache.
	sources := retrieval.Sources(outcome.Documents)
	if outcome.Cacheable && prompt == "" {
		o.cache.Admit(req.Query, outcome.Answer, outcome.Confidence, outcome.ShouldEscalate, sources)
	}

	// 5. Record the turn.
	o.memory.Append(sessionID, conversation.RoleUser, req.Query)
	o.memory.Append(sessionID, conversation.RoleAssistant, outcome.Answer)

	return Response{
		Answer:            outcome.Answer,
		Confidence:        outcome.Confidence,
		ShouldEscalate:    outcome.ShouldEscalate,
		SessionID:         sessionID,
		ConversationTurns: o.memory.Turns(sessionID),
		Documents:         outcome.Documents,
		Sources:           sources,
		Metrics: Metrics{
			RetrievalMs:  outcome.RetrievalMs,
			GenerationMs: outcome.GenerationMs,
			TotalMs:      time.Since(start).Milliseconds(),
			NumDocuments: len(outcome.Documents),
		},
	}, nil
}

// renderContext lays prior turns out as labeled lines, oldest first.
func (o *Orchestrator) renderContext(sessionID string) string {
	var msgs []conversation.Message
	if o.contextWindow > 0 {
		msgs = o.memory.RecentHistory(sessionID, o.contextWindow)
	} else {
		msgs, _ = o.memory.History(sessionID)
	}
	if len(msgs) == 0 {
		return ""
	}

	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		label := "User"
		if msg.Role == conversation.RoleAssistant {
			label = "Assistant"
		}
		lines = append(lines, label+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}

// SubmitFeedback records a rating for an answer shown earlier.
func (o *Orchestrator) SubmitFeedback(query, answer string, rating int, comment, sessionID string) error {
	return o.collector.Record(query, answer, rating, comment, sessionID)
}

// FeedbackAnalytics returns the feedback aggregates alone.
func (o *Orchestrator) FeedbackAnalytics() feedback.Analytics {
	return o.collector.Analytics()
}

// Suggestions returns the advisory improvement notes derived from the
// feedback log.
func (o *Orchestrator) Suggestions() []string {
	return o.collector.Suggestions()
}

// Analytics returns the combined feedback and cache aggregates.
func (o *Orchestrator) Analytics() Analytics {
	return Analytics{
		Feedback: o.collector.Analytics(),
		Cache:    o.cache.Stats(),
	}
}

// CacheStats returns the cache counters alone.
func (o *Orchestrator) CacheStats() cache.Stats {
	return o.cache.Stats()
}

// SessionHistory returns the session's messages, oldest first, and
// whether the session exists.
func (o *Orchestrator) SessionHistory(sessionID string) ([]conversation.Message, bool) {
	return o.memory.History(sessionID)
}

// ExportSession returns the full session record.
func (o *Orchestrator) ExportSession(sessionID string) (conversation.Export, bool) {
	return o.memory.Export(sessionID)
}

// ClearSession drops a session; false when it never existed.
func (o *Orchestrator) ClearSession(sessionID string) bool {
	return o.memory.Clear(sessionID)
}

// ClearCache empties the cache and reports how many entries were
// dropped. Hit and miss counters survive.
func (o *Orchestrator) ClearCache() int {
	return o.cache.Clear()
}

// InvalidateCache drops the entry for one query; false when it was not
// cached.
func (o *Orchestrator) InvalidateCache(query string) bool {
	return o.cache.Invalidate(query)
}

// InvalidateCachePattern drops every entry whose normalized query
// contains the substring. Used after knowledge-base updates.
func (o *Orchestrator) InvalidateCachePattern(pattern string) int {
	return o.cache.InvalidatePattern(pattern)
}
