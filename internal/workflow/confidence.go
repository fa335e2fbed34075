package workflow

import (
	"strings"

	"github.com/deskd/deskd/internal/retrieval"
)

// uncertaintyPhrases mark answers that admit not knowing.
var uncertaintyPhrases = []string{
	"i don't have",
	"i don't know",
	"no information",
	"cannot find",
	"not sure",
}

// citationPhrases mark answers grounded in the retrieved passages.
var citationPhrases = []string{
	"based on",
	"according to",
}

// scoreConfidence derives a reproducible confidence score from the
// answer text and the retrieval scores behind it. Baseline 0.5;
// uncertainty wording subtracts 0.3, substantial length adds 0.2,
// citations add 0.1. The result is averaged with the mean retrieval
// score, so an answer with no supporting documents can never score
// high. Clamped to [0,1].
func scoreConfidence(answer string, docs []retrieval.Document) float64 {
	lower := strings.ToLower(answer)

	score := 0.5
	for _, p := range uncertaintyPhrases {
		if strings.Contains(lower, p) {
			score -= 0.3
			break
		}
	}
	if len(answer) > 200 {
		score += 0.2
	}
	for _, p := range citationPhrases {
		if strings.Contains(lower, p) {
			score += 0.1
			break
		}
	}

	score = (score + meanScore(docs)) / 2

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func meanScore(docs []retrieval.Document) float64 {
	if len(docs) == 0 {
		return 0
	}
	var sum float64
	for _, d := range docs {
		sum += d.Score
	}
	return sum / float64(len(docs))
}
