// Package ingest turns raw knowledge-base sources (text, files, URLs,
// whole directories) into searchable document chunks. Work arrives
// through the SQLite job queue and is processed by a single polling
// worker.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/deskd/deskd/internal/storage"
)

// JobType is the queue type tag for document ingestion jobs.
const JobType = "ingest_document"

// Source types accepted in a job payload.
const (
	SourceText = "text"
	SourceFile = "file"
	SourceURL  = "url"
	SourceDir  = "dir"
)

const maxURLFetchSize = 5 << 20 // 5MB

// Payload describes one ingestion request. Source is a path, URL or
// label depending on SourceType; Content carries inline text for
// SourceText.
type Payload struct {
	SourceType string `json:"source_type"`
	Source     string `json:"source"`
	Title      string `json:"title,omitempty"`
	Category   string `json:"category,omitempty"`
	Content    string `json:"content,omitempty"`
}

// JobStore abstracts the queue and document operations the worker needs.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	SaveDocument(doc storage.Document, chunks []storage.Chunk) error
}

// Worker processes ingestion jobs from the SQLite job queue.
type Worker struct {
	store      JobStore
	httpClient *http.Client
	poll       time.Duration
	logger     *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to
// 500ms.
func NewWorker(store JobStore, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		poll:       pollInterval,
		logger:     slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single ingestion job. Returns true if
// a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	if p.SourceType == SourceDir {
		return w.ingestDirectory(ctx, p)
	}
	return w.ingestOne(ctx, p)
}

// ingestOne resolves, extracts, chunks and stores a single source.
func (w *Worker) ingestOne(ctx context.Context, p Payload) error {
	data, err := w.resolve(ctx, p)
	if err != nil {
		return err
	}

	text, err := ExtractText(p.Source, data)
	if err != nil {
		return fmt.Errorf("extracting %s: %w", p.Source, err)
	}

	pieces := SplitChunks(text, DefaultChunkSize, DefaultChunkOverlap)
	if len(pieces) == 0 {
		return fmt.Errorf("source %s produced no text", p.Source)
	}

	doc := storage.Document{
		ID:        uuid.NewString(),
		Title:     titleFor(p),
		Source:    p.Source,
		Category:  p.Category,
		CreatedAt: time.Now().UTC(),
	}
	chunks := make([]storage.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = storage.Chunk{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			Seq:        i,
			Content:    piece,
			Category:   p.Category,
		}
	}

	if err := w.store.SaveDocument(doc, chunks); err != nil {
		return fmt.Errorf("saving document: %w", err)
	}

	w.logger.Info("document ingested",
		"document_id", doc.ID,
		"source", p.Source,
		"chunks", len(chunks),
	)
	return nil
}

// ingestDirectory fans out over the ingestible files under the payload
// source. One failed file fails the whole job; retries are idempotent
// only in the sense that re-ingesting adds fresh documents.
func (w *Worker) ingestDirectory(ctx context.Context, p Payload) error {
	files, err := listIngestible(p.Source)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no ingestible files under %s", p.Source)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency; SQLite writes serialize anyway.
	for _, path := range files {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			return w.ingestOne(gCtx, Payload{
				SourceType: SourceFile,
				Source:     path,
				Category:   p.Category,
			})
		})
	}
	return g.Wait()
}

// listIngestible walks dir and returns the supported files in sorted
// order.
func listIngestible(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".md", ".txt", ".html", ".htm", ".pdf":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	return files, nil
}

func (w *Worker) resolve(ctx context.Context, p Payload) ([]byte, error) {
	switch p.SourceType {
	case SourceText:
		return []byte(p.Content), nil
	case SourceFile:
		data, err := os.ReadFile(p.Source)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p.Source, err)
		}
		return data, nil
	case SourceURL:
		return w.fetchURL(ctx, p.Source)
	}
	return nil, fmt.Errorf("unknown source type %q", p.SourceType)
}

func (w *Worker) fetchURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url %s: %w", url, err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("url %s returned status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return data, nil
}

func titleFor(p Payload) string {
	if p.Title != "" {
		return p.Title
	}
	switch p.SourceType {
	case SourceFile:
		return filepath.Base(p.Source)
	case SourceURL:
		return p.Source
	}
	return "untitled"
}
