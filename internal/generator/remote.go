package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

const systemPrompt = "You are a customer support assistant. Answer using only the provided " +
	"knowledge base context. If the context does not cover the question, say so plainly " +
	"instead of guessing."

// Remote generates answers through an OpenAI-compatible chat completion
// API. Rate-limited requests retry with exponential backoff.
type Remote struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewRemote creates a remote generator for the given model.
func NewRemote(apiKey, model string) *Remote {
	return &Remote{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// NewRemoteWithBaseURL creates a remote generator pointing at a custom
// base URL (self-hosted gateways, tests).
func NewRemoteWithBaseURL(apiKey, model, baseURL string) *Remote {
	r := NewRemote(apiKey, model)
	r.baseURL = strings.TrimRight(baseURL, "/")
	return r
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

// Generate sends the query and context to the chat API and returns the
// completion text. Errors (timeouts, bad status, empty completions) are
// returned for the workflow to recover from.
func (r *Remote) Generate(ctx context.Context, query string, docs []string) (Result, error) {
	body, err := json.Marshal(chatRequest{
		Model: r.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(query, docs)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		text, err := r.doChat(ctx, body)
		if err == nil {
			return Result{Text: text}, nil
		}

		if !isRateLimit(err) {
			return Result{}, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return Result{}, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (r *Remote) doChat(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("empty completion")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// buildPrompt lays out the retrieved passages ahead of the question so
// the model answers from them.
func buildPrompt(query string, docs []string) string {
	if len(docs) == 0 {
		return "Question: " + query
	}
	var b strings.Builder
	b.WriteString("Context:\n")
	for i, doc := range docs {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, doc)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	return b.String()
}
