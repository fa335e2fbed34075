package intent

import "strings"

// scopeVocabulary describes what the knowledge base can speak to:
// topical keywords grouped by area, question phrasings that signal a
// support request, and indicators of clearly unrelated smalltalk.
type scopeVocabulary struct {
	topics           map[string][]string
	questionPatterns []string
	outOfScope       []string
}

func defaultScope() scopeVocabulary {
	return scopeVocabulary{
		topics: map[string][]string{
			"account": {
				"account", "password", "login", "email", "signin", "username",
				"profile", "settings", "reset",
			},
			"billing": {
				"billing", "invoice", "payment", "charge", "refund",
				"subscription", "price", "cost", "plan", "upgrade",
			},
			"technical": {
				"error", "bug", "crash", "install", "setup", "configure",
				"api", "integration", "sync", "export", "import", "update",
			},
			"features": {
				"feature", "use", "work", "create", "add", "delete", "share",
				"collaborate", "dashboard", "report", "notification",
			},
			"data": {
				"data", "privacy", "security", "backup", "gdpr", "encryption",
				"storage",
			},
			"contact": {
				"support", "help", "contact", "team", "human", "agent",
			},
		},
		questionPatterns: []string{
			"how do i", "how can i", "how to", "what is", "what are",
			"where is", "where can", "when", "why", "can i", "is there",
			"does", "do you",
		},
		outOfScope: []string{
			"weather", "joke", "recipe", "movie", "song", "music", "sports",
			"game", "lottery", "horoscope", "restaurant", "stock market",
			"politics", "celebrity",
		},
	}
}

// InScope reports whether the query plausibly concerns the product the
// knowledge base covers. A query qualifies with two topical keywords,
// or one keyword phrased as a question. An out-of-scope indicator
// always wins.
func (c *Classifier) InScope(query string) bool {
	q, words := tokenize(query)

	for _, ind := range c.scope.outOfScope {
		if matchKeyword(q, words, ind) {
			return false
		}
	}

	matched := 0
	for _, kws := range c.scope.topics {
		for _, kw := range kws {
			if matchKeyword(q, words, kw) {
				matched++
			}
		}
	}
	if matched >= 2 {
		return true
	}
	if matched >= 1 {
		for _, p := range c.scope.questionPatterns {
			if strings.Contains(q, p) {
				return true
			}
		}
	}
	return false
}
