// Package feedback records user ratings of answers in an append-only
// JSONL log and derives aggregate quality analytics from it. The log is
// the only durable state the daemon owns besides the knowledge base:
// one JSON record per line, human-inspectable, tolerant of partial or
// corrupt lines on read.
package feedback

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Rating bounds. Out-of-range ratings are rejected, never clamped.
const (
	MinRating = 1
	MaxRating = 5
)

// ValidationError reports input rejected at the boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Record is one piece of feedback. Append-only: never mutated or
// deleted by the running process.
type Record struct {
	Query     string    `json:"query"`
	Answer    string    `json:"answer"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Collector appends feedback records to a JSONL file. Writes are
// line-atomic under the collector's mutex so concurrent submitters
// cannot interleave partial records.
type Collector struct {
	mu   sync.Mutex
	path string
}

// NewCollector creates a collector writing to the given file path,
// creating parent directories as needed. The file itself is created on
// first record.
func NewCollector(path string) (*Collector, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating feedback directory: %w", err)
		}
	}
	return &Collector{path: path}, nil
}

// Path returns the log file location.
func (c *Collector) Path() string { return c.path }

// Record validates and appends one feedback record. A rating outside
// [1,5] fails with *ValidationError and writes nothing; an unwritable
// log surfaces as an error here and nowhere else.
func (c *Collector) Record(query, answer string, rating int, comment, sessionID string) error {
	if rating < MinRating || rating > MaxRating {
		return &ValidationError{
			Field:  "rating",
			Reason: fmt.Sprintf("must be between %d and %d, got %d", MinRating, MaxRating, rating),
		}
	}

	rec := Record{
		Query:     query,
		Answer:    answer,
		Rating:    rating,
		Comment:   comment,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling feedback record: %w", err)
	}
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening feedback log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending feedback record: %w", err)
	}
	return nil
}

// Analytics aggregates the collected feedback.
type Analytics struct {
	TotalFeedback      int         `json:"total_feedback"`
	AverageRating      float64     `json:"average_rating"`
	RatingDistribution map[int]int `json:"rating_distribution"`
	PositiveRate       float64     `json:"positive_rate"`
	NegativeRate       float64     `json:"negative_rate"`
	WithCommentsCount  int         `json:"with_comments_count"`
	SkippedRecords     int         `json:"skipped_records"`
}

// Analytics reads the whole log and aggregates it. A missing log is an
// empty result; malformed lines are skipped and counted, never fatal.
func (c *Collector) Analytics() Analytics {
	records, skipped := c.readAll()

	a := Analytics{
		RatingDistribution: map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
		SkippedRecords:     skipped,
	}
	if len(records) == 0 {
		return a
	}

	var sum, positive, negative int
	for _, r := range records {
		a.RatingDistribution[r.Rating]++
		sum += r.Rating
		if r.Rating >= 4 {
			positive++
		}
		if r.Rating <= 2 {
			negative++
		}
		if strings.TrimSpace(r.Comment) != "" {
			a.WithCommentsCount++
		}
	}
	n := len(records)
	a.TotalFeedback = n
	a.AverageRating = round2(float64(sum) / float64(n))
	a.PositiveRate = round2(float64(positive) / float64(n) * 100)
	a.NegativeRate = round2(float64(negative) / float64(n) * 100)
	return a
}

// Suggestion thresholds. Advisory only; the generated text is for
// operators, not for callers to parse.
const (
	lowAverageRating  = 3.5
	highNegativeRate  = 30.0
	goodAverageRating = 4.0
	goodPositiveRate  = 70.0
	minSampleSize     = 10
)

// Suggestions derives operator-facing improvement hints from the log.
// Deterministic for identical records.
func (c *Collector) Suggestions() []string {
	records, _ := c.readAll()
	a := c.Analytics()

	var out []string
	if a.TotalFeedback == 0 {
		return []string{"No feedback collected yet. Encourage users to rate answers."}
	}

	if a.AverageRating < lowAverageRating {
		out = append(out, fmt.Sprintf(
			"Average rating is low (%.2f). Review knowledge base coverage for frequently asked topics.",
			a.AverageRating))
	}
	if a.NegativeRate > highNegativeRate {
		out = append(out, fmt.Sprintf(
			"%.0f%% of feedback is negative. Review low-rated answers for accuracy and completeness.",
			a.NegativeRate))
	}
	if terms := commonLowRatedTerms(records, 3); len(terms) > 0 {
		out = append(out, fmt.Sprintf(
			"Low-rated queries frequently mention: %s. Consider expanding documentation on these topics.",
			strings.Join(terms, ", ")))
	}
	if a.TotalFeedback < minSampleSize {
		out = append(out, fmt.Sprintf(
			"Only %d feedback records collected. Gather more before drawing conclusions.",
			a.TotalFeedback))
	}
	if a.AverageRating >= goodAverageRating && a.PositiveRate >= goodPositiveRate {
		out = append(out, "Answer quality is performing well. Keep the knowledge base up to date.")
	}
	if len(out) == 0 {
		out = append(out, "Feedback levels are moderate. Monitor low-rated queries for emerging gaps.")
	}
	return out
}

// LowRated returns the records with rating at or below the given
// ceiling, oldest first.
func (c *Collector) LowRated(maxRating int) []Record {
	records, _ := c.readAll()
	var out []Record
	for _, r := range records {
		if r.Rating <= maxRating {
			out = append(out, r)
		}
	}
	return out
}

// readAll parses the log, skipping malformed lines. The read path takes
// the same mutex as the write path so a record mid-append is never seen
// half-written.
func (c *Collector) readAll() ([]Record, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.Open(c.path)
	if err != nil {
		return nil, 0
	}
	defer f.Close()

	var (
		records []Record
		skipped int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil || r.Rating < MinRating || r.Rating > MaxRating {
			skipped++
			continue
		}
		records = append(records, r)
	}
	return records, skipped
}

// commonLowRatedTerms extracts words (longer than 3 characters,
// appearing at least twice) from the queries of low-rated records.
// Returns the top n by frequency, ties alphabetical.
func commonLowRatedTerms(records []Record, n int) []string {
	counts := make(map[string]int)
	for _, r := range records {
		if r.Rating > 2 {
			continue
		}
		for _, w := range strings.Fields(strings.ToLower(r.Query)) {
			w = strings.Trim(w, "?!.,;:\"'")
			if len(w) > 3 {
				counts[w]++
			}
		}
	}

	var terms []string
	for w, cnt := range counts {
		if cnt >= 2 {
			terms = append(terms, w)
		}
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
