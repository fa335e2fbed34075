package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deskd/deskd/internal/cache"
	"github.com/deskd/deskd/internal/conversation"
	"github.com/deskd/deskd/internal/feedback"
	"github.com/deskd/deskd/internal/generator"
	"github.com/deskd/deskd/internal/intent"
	"github.com/deskd/deskd/internal/retrieval"
	"github.com/deskd/deskd/internal/workflow"
)

type fakeRetriever struct {
	docs      []retrieval.Document
	err       error
	calls     int
	lastQuery string
	lastTopK  int
}

func (f *fakeRetriever) Search(ctx context.Context, query string, topK int) ([]retrieval.Document, error) {
	f.calls++
	f.lastQuery = query
	f.lastTopK = topK
	if f.err != nil {
		return nil, f.err
	}
	return f.docs, nil
}

type fakeGenerator struct {
	result generator.Result
	err    error
	calls  int
}

func (f *fakeGenerator) Generate(ctx context.Context, query string, docs []string) (generator.Result, error) {
	f.calls++
	if f.err != nil {
		return generator.Result{}, f.err
	}
	return f.result, nil
}

// confidentAnswer scores well above the cache bar: long, cited, and
// free of uncertainty wording.
var confidentAnswer = strings.Repeat("Open account settings and use the reset link. ", 5) +
	"Based on the account guide, the link expires after one hour."

type testEnv struct {
	orch      *Orchestrator
	cache     *cache.Cache
	memory    *conversation.Memory
	collector *feedback.Collector
	ret       *fakeRetriever
	gen       *fakeGenerator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	collector, err := feedback.NewCollector(filepath.Join(t.TempDir(), "feedback.jsonl"))
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	env := &testEnv{
		cache:     cache.New(100, time.Hour, 0),
		memory:    conversation.NewMemory(10),
		collector: collector,
		ret: &fakeRetriever{docs: []retrieval.Document{
			{Content: "Reset instructions live under account settings.", Source: "accounts.md", Score: 0.9},
			{Content: "Reset links expire after one hour.", Source: "accounts.md", Score: 0.9},
		}},
		gen: &fakeGenerator{result: generator.Result{Text: confidentAnswer}},
	}
	engine := workflow.NewEngine(intent.NewClassifier(), env.ret, env.gen, 3, 0, 0)
	env.orch = NewOrchestrator(env.cache, env.memory, env.collector, engine, DefaultContextWindow)
	return env
}

func TestProcessEmptyQuery(t *testing.T) {
	env := newTestEnv(t)

	for _, q := range []string{"", "   ", "\n\t"} {
		if _, err := env.orch.Process(context.Background(), Request{Query: q}); !errors.Is(err, ErrEmptyQuery) {
			t.Errorf("Process(%q) err = %v, want ErrEmptyQuery", q, err)
		}
	}
}

func TestProcessComputesThenCaches(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.orch.Process(context.Background(), Request{Query: "How do I reset my password?"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if first.Cached {
		t.Error("first call Cached = true, want false")
	}
	if first.Answer != confidentAnswer {
		t.Errorf("first Answer = %q", first.Answer)
	}
	if first.ShouldEscalate {
		t.Error("first ShouldEscalate = true, want false")
	}
	if first.ConversationTurns != 2 {
		t.Errorf("first ConversationTurns = %d, want 2", first.ConversationTurns)
	}
	if len(first.Documents) != 2 || first.Metrics.NumDocuments != 2 {
		t.Errorf("documents = %d metric = %d, want 2", len(first.Documents), first.Metrics.NumDocuments)
	}

	second, err := env.orch.Process(context.Background(), Request{Query: "How do I reset my password?"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !second.Cached {
		t.Error("second call Cached = false, want true")
	}
	if second.Answer != first.Answer {
		t.Errorf("second Answer = %q, want the cached text", second.Answer)
	}
	if second.SessionID == first.SessionID {
		t.Error("unset session ids resolved to the same session")
	}
	if env.gen.calls != 1 {
		t.Errorf("generator calls = %d, want 1", env.gen.calls)
	}
	if len(second.Sources) == 0 {
		t.Error("cached response lost its sources")
	}
}

func TestProcessNormalizedKeySharing(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.orch.Process(context.Background(), Request{Query: "How do I reset my password?"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	res, err := env.orch.Process(context.Background(), Request{Query: "  how do i RESET my password  "})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.Cached {
		t.Error("case/whitespace variant missed the cache")
	}
}

func TestProcessAppendsOnePairPerRequest(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.orch.Process(context.Background(), Request{Query: "How do I reset my password?", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", res.SessionID)
	}

	msgs, ok := env.memory.History("s1")
	if !ok {
		t.Fatal("session s1 missing")
	}
	if len(msgs) != 2 {
		t.Fatalf("history = %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != conversation.RoleUser || msgs[0].Content != "How do I reset my password?" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != conversation.RoleAssistant || msgs[1].Content != confidentAnswer {
		t.Errorf("second message role = %q", msgs[1].Role)
	}
}

func TestProcessCacheHitStillAppendsPair(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.orch.Process(context.Background(), Request{Query: "How do I reset my password?", SessionID: "s1"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	res, err := env.orch.Process(context.Background(), Request{Query: "How do I reset my password?", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if !res.Cached {
		t.Fatal("second call Cached = false, want true")
	}
	if res.ConversationTurns != 4 {
		t.Errorf("ConversationTurns = %d, want 4", res.ConversationTurns)
	}
	msgs, _ := env.memory.History("s1")
	if len(msgs) != 4 {
		t.Fatalf("history = %d messages, want 4", len(msgs))
	}
	if msgs[2].Role != conversation.RoleUser || msgs[3].Role != conversation.RoleAssistant {
		t.Errorf("cache hit appended roles %q, %q", msgs[2].Role, msgs[3].Role)
	}
}

func TestProcessFollowUpInjectsContext(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.orch.Process(context.Background(), Request{Query: "How do I reset my password?", SessionID: "s1"}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if _, err := env.orch.Process(context.Background(), Request{Query: "what about my email", SessionID: "s1"}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	prompt := env.ret.lastQuery
	if !strings.HasPrefix(prompt, "Context:\n") {
		t.Fatalf("prompt = %q, want contextualized", prompt)
	}
	if !strings.Contains(prompt, "User: How do I reset my password?") {
		t.Errorf("prompt missing prior user turn: %q", prompt)
	}
	if !strings.Contains(prompt, "Assistant: ") {
		t.Errorf("prompt missing prior assistant turn: %q", prompt)
	}
	if !strings.HasSuffix(prompt, "\n\nCurrent question: what about my email") {
		t.Errorf("prompt missing current question: %q", prompt)
	}

	// Context-dependent answers are not shareable: only the first
	// admission lands in the cache.
	if size := env.cache.Stats().Size; size != 1 {
		t.Errorf("cache size = %d, want 1", size)
	}
}

func TestProcessFreshSessionNotFollowUp(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.orch.Process(context.Background(), Request{Query: "what about my email", SessionID: "fresh"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if strings.HasPrefix(env.ret.lastQuery, "Context:") {
		t.Errorf("fresh session got context injection: %q", env.ret.lastQuery)
	}
}

func TestProcessOutOfScopeNeverCached(t *testing.T) {
	env := newTestEnv(t)

	for i := range 2 {
		res, err := env.orch.Process(context.Background(), Request{Query: "What's the weather today?"})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if res.Cached {
			t.Errorf("call %d Cached = true, want false", i+1)
		}
		if res.Confidence != 0 || !res.ShouldEscalate {
			t.Errorf("call %d confidence = %v escalate = %v", i+1, res.Confidence, res.ShouldEscalate)
		}
	}
	if size := env.cache.Stats().Size; size != 0 {
		t.Errorf("cache size = %d, want 0", size)
	}
	if env.ret.calls != 0 {
		t.Errorf("retriever calls = %d, want 0", env.ret.calls)
	}
}

func TestProcessLowConfidenceNotCached(t *testing.T) {
	env := newTestEnv(t)
	env.gen.result = generator.Result{Text: "I don't know."}
	env.ret.docs = []retrieval.Document{{Content: "passage", Source: "kb.md", Score: 0.2}}

	for i := range 2 {
		res, err := env.orch.Process(context.Background(), Request{Query: "How do I reset my password?"})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if res.Cached {
			t.Errorf("call %d Cached = true, want false", i+1)
		}
		if !res.ShouldEscalate {
			t.Errorf("call %d ShouldEscalate = false, want true", i+1)
		}
	}
	if env.gen.calls != 2 {
		t.Errorf("generator calls = %d, want 2 (nothing was cached)", env.gen.calls)
	}
}

func TestProcessDegradedOnRetrieverFailure(t *testing.T) {
	env := newTestEnv(t)
	env.ret.err = errors.New("index offline")

	res, err := env.orch.Process(context.Background(), Request{Query: "How do I reset my password?", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if !res.ShouldEscalate || res.Confidence != 0 {
		t.Errorf("escalate = %v confidence = %v, want true and 0", res.ShouldEscalate, res.Confidence)
	}
	if res.Cached {
		t.Error("degraded answer marked cached")
	}
	if size := env.cache.Stats().Size; size != 0 {
		t.Errorf("cache size = %d, want 0", size)
	}
	// The user still saw an answer, so the turn is recorded.
	if msgs, _ := env.memory.History("s1"); len(msgs) != 2 {
		t.Errorf("history = %d messages, want 2", len(msgs))
	}
}

func TestProcessCancelledNoSideEffects(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env.ret.err = ctx.Err()

	if _, err := env.orch.Process(ctx, Request{Query: "How do I reset my password?", SessionID: "s1"}); err == nil {
		t.Fatal("expected error for cancelled context")
	}

	if msgs, _ := env.memory.History("s1"); len(msgs) != 0 {
		t.Errorf("history = %d messages, want 0", len(msgs))
	}
	if size := env.cache.Stats().Size; size != 0 {
		t.Errorf("cache size = %d, want 0", size)
	}
}

func TestProcessTopKOverride(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.orch.Process(context.Background(), Request{Query: "How do I reset my password?", TopK: 7}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if env.ret.lastTopK != 7 {
		t.Errorf("topK = %d, want 7", env.ret.lastTopK)
	}

	env.cache.Clear()
	if _, err := env.orch.Process(context.Background(), Request{Query: "How do I configure the api?"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if env.ret.lastTopK != 3 {
		t.Errorf("default topK = %d, want 3", env.ret.lastTopK)
	}
}

func TestSubmitFeedbackAndAnalytics(t *testing.T) {
	env := newTestEnv(t)

	if err := env.orch.SubmitFeedback("q", "a", 5, "great", "s1"); err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	var vErr *feedback.ValidationError
	if err := env.orch.SubmitFeedback("q", "a", 0, "", ""); !errors.As(err, &vErr) {
		t.Errorf("rating 0 err = %v, want ValidationError", err)
	}

	got := env.orch.Analytics()
	if got.Feedback.TotalFeedback != 1 {
		t.Errorf("TotalFeedback = %d, want 1", got.Feedback.TotalFeedback)
	}
	if got.Feedback.RatingDistribution[5] != 1 {
		t.Errorf("RatingDistribution[5] = %d, want 1", got.Feedback.RatingDistribution[5])
	}
	if got.Cache.MaxSize != 100 {
		t.Errorf("Cache.MaxSize = %d, want 100", got.Cache.MaxSize)
	}
}

func TestSessionBoundaryOps(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.orch.Process(context.Background(), Request{Query: "How do I reset my password?", SessionID: "s1"}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if msgs, ok := env.orch.SessionHistory("s1"); !ok || len(msgs) != 2 {
		t.Errorf("SessionHistory = %d messages ok=%v, want 2 true", len(msgs), ok)
	}
	if _, ok := env.orch.SessionHistory("ghost"); ok {
		t.Error("SessionHistory(ghost) ok = true, want false")
	}

	if export, ok := env.orch.ExportSession("s1"); !ok || export.SessionID != "s1" {
		t.Errorf("ExportSession = %+v ok=%v", export, ok)
	}

	if !env.orch.ClearSession("s1") {
		t.Error("ClearSession(s1) = false, want true")
	}
	if env.orch.ClearSession("s1") {
		t.Error("ClearSession(s1) twice = true, want false")
	}

	if removed := env.orch.ClearCache(); removed != 1 {
		t.Errorf("ClearCache = %d, want 1", removed)
	}
}
