// Package intent classifies support queries into routing intents and
// screens out questions the knowledge base cannot speak to. Pure
// keyword matching over configurable vocabularies: deterministic,
// allocation-light, and swappable for a model-based classifier without
// changing the workflow shape.
package intent

import "strings"

// Intent is the routing category assigned to a query.
type Intent string

const (
	General   Intent = "general"
	Technical Intent = "technical"
	Billing   Intent = "billing"
	Urgent    Intent = "urgent"
)

// Rule binds one intent to the keywords that select it. Single words
// match whole words; multi-word entries match as phrases.
type Rule struct {
	Intent   Intent
	Keywords []string
}

// defaultRules are evaluated in order; the first match wins. Urgent
// comes first so escalation cues beat topical matches ("a complaint
// about my invoice" is urgent, not billing).
func defaultRules() []Rule {
	return []Rule{
		{Intent: Urgent, Keywords: []string{
			"urgent", "manager", "supervisor", "complaint", "legal", "lawsuit",
			"escalate", "speak to a human", "speak to human", "talk to a person",
		}},
		{Intent: Billing, Keywords: []string{
			"billing", "invoice", "payment", "charge", "charged", "refund",
			"subscription", "price", "pricing", "cost", "plan", "upgrade", "downgrade",
		}},
		{Intent: Technical, Keywords: []string{
			"error", "bug", "crash", "broken", "fail", "failing", "install",
			"setup", "configure", "api", "integration", "sync", "password",
			"login", "reset", "export", "import",
		}},
	}
}

// Classifier maps queries to intents.
type Classifier struct {
	rules []Rule
	scope scopeVocabulary
}

// NewClassifier creates a classifier with the built-in support-desk
// vocabularies.
func NewClassifier() *Classifier {
	return &Classifier{rules: defaultRules(), scope: defaultScope()}
}

// NewClassifierWithRules creates a classifier with custom routing
// rules, keeping the built-in scope vocabulary. Rules are evaluated in
// the given order.
func NewClassifierWithRules(rules []Rule) *Classifier {
	return &Classifier{rules: rules, scope: defaultScope()}
}

// Classify returns the intent of the query: the first rule with a
// keyword match, or General.
func (c *Classifier) Classify(query string) Intent {
	q, words := tokenize(query)
	for _, rule := range c.rules {
		for _, kw := range rule.Keywords {
			if matchKeyword(q, words, kw) {
				return rule.Intent
			}
		}
	}
	return General
}

// IsUrgent reports whether the query contains an escalation cue.
// Urgency pins escalation regardless of answer confidence.
func (c *Classifier) IsUrgent(query string) bool {
	return c.Classify(query) == Urgent
}

// tokenize lowercases the query and splits it into punctuation-trimmed
// words for whole-word matching.
func tokenize(query string) (string, map[string]bool) {
	q := strings.ToLower(query)
	words := make(map[string]bool)
	for _, w := range strings.Fields(q) {
		words[strings.Trim(w, "?!.,;:\"'()")] = true
	}
	return q, words
}

// matchKeyword matches single words on word boundaries and phrases as
// substrings.
func matchKeyword(query string, words map[string]bool, kw string) bool {
	if strings.Contains(kw, " ") {
		return strings.Contains(query, kw)
	}
	return words[kw]
}
