package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
)

// Searcher is a lexical Retriever over the ingested knowledge base,
// backed by the SQLite FTS5 index the storage migrations create. BM25
// ranks are folded into a [0,1] relevance score.
type Searcher struct {
	db *sql.DB
}

// NewSearcher wraps an existing *sql.DB for full-text search. The
// chunks_fts table must already exist (created via migrations).
func NewSearcher(db *sql.DB) *Searcher {
	return &Searcher{db: db}
}

// Search returns the topK best-matching passages for the query.
func (s *Searcher) Search(ctx context.Context, query string, topK int) ([]Document, error) {
	return s.SearchCategory(ctx, query, topK, "")
}

// SearchCategory behaves like Search but ranks passages of the given
// category ahead of the rest. An empty category means no bias.
func (s *Searcher) SearchCategory(ctx context.Context, query string, topK int, category string) ([]Document, error) {
	match := prepareMatchQuery(query)
	if match == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	q := `SELECT content, source, category, bm25(chunks_fts) AS rank
		FROM chunks_fts WHERE chunks_fts MATCH ?`
	args := []interface{}{match}
	if category != "" {
		q += ` ORDER BY (category = ?) DESC, rank ASC LIMIT ?`
		args = append(args, category, topK)
	} else {
		q += ` ORDER BY rank ASC LIMIT ?`
		args = append(args, topK)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("searching knowledge base: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var rank float64
		if err := rows.Scan(&d.Content, &d.Source, &d.Category, &rank); err != nil {
			return nil, err
		}
		d.Score = normalizeRank(rank)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// normalizeRank maps a BM25 rank (numerically smaller = better, at or
// below zero) onto (0,1), larger = better.
func normalizeRank(rank float64) float64 {
	abs := math.Abs(rank)
	return abs / (abs + 1)
}

// prepareMatchQuery turns free text into a safe FTS5 MATCH expression:
// each term quoted (with embedded quotes doubled) and OR-joined, so
// user punctuation can never produce a syntax error.
func prepareMatchQuery(raw string) string {
	var terms []string
	for _, f := range strings.Fields(raw) {
		f = strings.Trim(f, "?!.,;:()[]{}*^-")
		f = strings.ReplaceAll(f, `"`, `""`)
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}
