package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document is an ingested knowledge-base source.
type Document struct {
	ID        string
	Title     string
	Source    string
	Category  string
	CreatedAt time.Time
}

// Chunk is one retrievable passage of a document. Chunks are what the
// full-text index serves; documents group them for listing and removal.
type Chunk struct {
	ID         string
	DocumentID string
	Seq        int
	Content    string
	Category   string
}

// Job is one queued ingestion task.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
