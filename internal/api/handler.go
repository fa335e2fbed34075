// Package api exposes the support pipeline over HTTP and MCP. The REST
// surface serves queries, feedback, analytics, session management and
// knowledge-base ingestion; the MCP server mirrors the same operations
// as tools for agent clients.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/deskd/deskd/internal/feedback"
	"github.com/deskd/deskd/internal/ingest"
	"github.com/deskd/deskd/internal/pipeline"
	"github.com/deskd/deskd/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds what the handlers need.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Store        *storage.Store
}

// NewHandler returns the REST API router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/query", handleQuery(deps))
	r.Post("/feedback", handleFeedback(deps))
	r.Get("/analytics", handleAnalytics(deps))
	r.Get("/suggestions", handleSuggestions(deps))
	r.Get("/sessions/{sessionID}/history", handleSessionHistory(deps))
	r.Get("/sessions/{sessionID}/export", handleSessionExport(deps))
	r.Delete("/sessions/{sessionID}", handleClearSession(deps))
	r.Post("/cache/clear", handleClearCache(deps))
	r.Post("/cache/invalidate", handleInvalidateCache(deps))
	r.Post("/ingest", handleIngest(deps))
	r.Get("/ingest/{jobID}", handleIngestStatus(deps))
	r.Get("/documents", handleListDocuments(deps))
	r.Delete("/documents/{id}", handleDeleteDocument(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req pipeline.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		resp, err := deps.Orchestrator.Process(r.Context(), req)
		if errors.Is(err, pipeline.ErrEmptyQuery) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "processing query: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// FeedbackRequest is the POST /feedback body.
type FeedbackRequest struct {
	Query     string `json:"query"`
	Answer    string `json:"answer"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req FeedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		err := deps.Orchestrator.SubmitFeedback(req.Query, req.Answer, req.Rating, req.Comment, req.SessionID)
		var verr *feedback.ValidationError
		if errors.As(err, &verr) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", verr)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "recording feedback: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"status": "recorded"})
	}
}

func handleAnalytics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deps.Orchestrator.Analytics())
	}
}

func handleSuggestions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		suggestions := deps.Orchestrator.Suggestions()
		if suggestions == nil {
			suggestions = []string{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]string{"suggestions": suggestions})
	}
}

func handleSessionHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")

		messages, ok := deps.Orchestrator.SessionHistory(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"session_id": id,
			"turns":      len(messages),
			"messages":   messages,
		})
	}
}

func handleSessionExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")

		export, ok := deps.Orchestrator.ExportSession(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(export)
	}
}

func handleClearSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")

		if !deps.Orchestrator.ClearSession(id) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
	}
}

func handleClearCache(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cleared := deps.Orchestrator.ClearCache()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"cleared": cleared})
	}
}

// InvalidateRequest names either one exact query or a substring pattern.
type InvalidateRequest struct {
	Query   string `json:"query,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

func handleInvalidateCache(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req InvalidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		var invalidated int
		switch {
		case req.Query != "":
			if deps.Orchestrator.InvalidateCache(req.Query) {
				invalidated = 1
			}
		case req.Pattern != "":
			invalidated = deps.Orchestrator.InvalidateCachePattern(req.Pattern)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "one of query or pattern is required")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"invalidated": invalidated})
	}
}

// IngestRequest is the POST /ingest body. It mirrors the ingestion job
// payload: source_type selects how source/content are interpreted.
type IngestRequest struct {
	SourceType string `json:"source_type"`
	Source     string `json:"source"`
	Title      string `json:"title,omitempty"`
	Category   string `json:"category,omitempty"`
	Content    string `json:"content,omitempty"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.SourceType == "" {
			req.SourceType = ingest.SourceText
		}
		switch req.SourceType {
		case ingest.SourceText:
			if req.Content == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required for text sources")
				return
			}
		case ingest.SourceFile, ingest.SourceURL, ingest.SourceDir:
			if req.Source == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "source is required for %s sources", req.SourceType)
				return
			}
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown source type %q", req.SourceType)
			return
		}

		payload, err := json.Marshal(ingest.Payload{
			SourceType: req.SourceType,
			Source:     req.Source,
			Title:      req.Title,
			Category:   req.Category,
			Content:    req.Content,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create job payload: %v", err)
			return
		}

		job := storage.Job{
			ID:          uuid.NewString(),
			Type:        ingest.JobType,
			PayloadJSON: string(payload),
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"job_id": job.ID,
			"status": "queued",
		})
	}
}

type jobStatusResponse struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func handleIngestStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobID")

		job, err := deps.Store.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jobStatusResponse{
			ID:          job.ID,
			Type:        job.Type,
			Status:      job.Status,
			Attempts:    job.Attempts,
			MaxAttempts: job.MaxAttempts,
			LastError:   job.LastError,
			CreatedAt:   job.CreatedAt.Format(time.RFC3339),
			UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
		})
	}
}

type documentResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Source    string `json:"source"`
	Category  string `json:"category,omitempty"`
	CreatedAt string `json:"created_at"`
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		docs, err := deps.Store.ListDocuments(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		out := make([]documentResponse, len(docs))
		for i, d := range docs {
			out[i] = documentResponse{
				ID:        d.ID,
				Title:     d.Title,
				Source:    d.Source,
				Category:  d.Category,
				CreatedAt: d.CreatedAt.Format(time.RFC3339),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
