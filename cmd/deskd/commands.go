package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/deskd/deskd/internal/config"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a support question",
	Long: `Ask a support question against the knowledge base.

Examples:
  deskd ask "How do I reset my password?"
  deskd ask --session billing-chat "What about annual plans?"
  deskd ask --json "How do refunds work?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		session, _ := cmd.Flags().GetString("session")
		topK, _ := cmd.Flags().GetInt("top-k")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"query": query}
		if session != "" {
			req["session_id"] = session
		}
		if topK > 0 {
			req["top_k"] = topK
		}

		resp, err := client.post(cmd.Context(), "/query", req)
		if err != nil {
			return err
		}

		if asJSON {
			var raw any
			if err := decodeJSON(resp, &raw); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(raw)
		}

		var result struct {
			Answer            string   `json:"answer"`
			Confidence        float64  `json:"confidence"`
			ShouldEscalate    bool     `json:"should_escalate"`
			Cached            bool     `json:"cached"`
			SessionID         string   `json:"session_id"`
			ConversationTurns int      `json:"conversation_turns"`
			Sources           []string `json:"sources"`
			Metrics           struct {
				TotalMs int64 `json:"total_ms"`
			} `json:"metrics"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Answer)
		fmt.Println()

		cachedNote := ""
		if result.Cached {
			cachedNote = " (cached)"
		}
		printStatus("Confidence", "%.2f%s", result.Confidence, cachedNote)
		if len(result.Sources) > 0 {
			printStatus("Sources", "%s", strings.Join(result.Sources, ", "))
		}
		printStatus("Session", "%s (%d turns, %dms)", result.SessionID, result.ConversationTurns, result.Metrics.TotalMs)
		if result.ShouldEscalate {
			printWarning("Low confidence answer. Consider contacting a human agent.")
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("session", "", "session ID to continue a conversation")
	askCmd.Flags().Int("top-k", 0, "number of passages to retrieve")
	askCmd.Flags().Bool("json", false, "print the raw JSON response")
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Rate an answer",
	Long: `Rate an answer from 1 (poor) to 5 (excellent).

Example:
  deskd feedback --query "reset password" --answer "Use the reset link" --rating 5 --comment "worked"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		query, _ := cmd.Flags().GetString("query")
		answer, _ := cmd.Flags().GetString("answer")
		rating, _ := cmd.Flags().GetInt("rating")
		comment, _ := cmd.Flags().GetString("comment")
		session, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"query":  query,
			"answer": answer,
			"rating": rating,
		}
		if comment != "" {
			req["comment"] = comment
		}
		if session != "" {
			req["session_id"] = session
		}

		resp, err := client.post(cmd.Context(), "/feedback", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Feedback recorded")
		return nil
	},
}

func init() {
	feedbackCmd.Flags().String("query", "", "the question that was asked")
	feedbackCmd.Flags().String("answer", "", "the answer being rated")
	feedbackCmd.Flags().Int("rating", 0, "rating from 1 to 5")
	feedbackCmd.Flags().String("comment", "", "optional comment")
	feedbackCmd.Flags().String("session", "", "session the answer belonged to")
	feedbackCmd.MarkFlagRequired("query")
	feedbackCmd.MarkFlagRequired("answer")
	feedbackCmd.MarkFlagRequired("rating")
}

// --- analytics ---

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Show feedback and cache analytics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/analytics")
		if err != nil {
			return err
		}

		var analytics any
		if err := decodeJSON(resp, &analytics); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(analytics)
	},
}

var suggestionsCmd = &cobra.Command{
	Use:   "suggestions",
	Short: "Show improvement suggestions derived from feedback",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/suggestions")
		if err != nil {
			return err
		}

		var result struct {
			Suggestions []string `json:"suggestions"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Suggestions) == 0 {
			fmt.Println("No suggestions. Either feedback is positive or there is not enough of it yet.")
			return nil
		}

		for _, s := range result.Suggestions {
			fmt.Printf("- %s\n", s)
		}
		return nil
	},
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage conversation sessions",
}

var sessionsHistoryCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show the conversation history of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sessions/"+url.PathEscape(args[0])+"/history")
		if err != nil {
			return err
		}

		var history struct {
			SessionID string `json:"session_id"`
			Turns     int    `json:"turns"`
			Messages  []struct {
				Role      string `json:"role"`
				Content   string `json:"content"`
				Timestamp string `json:"timestamp"`
			} `json:"messages"`
		}
		if err := decodeJSON(resp, &history); err != nil {
			return err
		}

		for _, m := range history.Messages {
			fmt.Printf("%s %s\n", colorize(colorBold, m.Role+":"), m.Content)
		}
		return nil
	},
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sessions/"+url.PathEscape(args[0])+"/export")
		if err != nil {
			return err
		}

		var export any
		if err := decodeJSON(resp, &export); err != nil {
			return err
		}

		writer := os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}

		enc := json.NewEncoder(writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(export); err != nil {
			return err
		}

		if output != "" {
			printSuccess("Session exported to %s", output)
		}
		return nil
	},
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear <session-id>",
	Short: "Forget a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/sessions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cleared session %s", args[0])
		return nil
	},
}

func init() {
	sessionsExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	sessionsCmd.AddCommand(sessionsHistoryCmd)
	sessionsCmd.AddCommand(sessionsExportCmd)
	sessionsCmd.AddCommand(sessionsClearCmd)
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the query cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop all cached answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/cache/clear", nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cleared %d cached answers", result["cleared"])
		return nil
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Drop cached answers for a query or a pattern",
	Long: `Drop cached answers after the underlying knowledge changes.

Examples:
  deskd cache invalidate --query "How do I reset my password?"
  deskd cache invalidate --pattern password`,
	RunE: func(cmd *cobra.Command, args []string) error {
		query, _ := cmd.Flags().GetString("query")
		pattern, _ := cmd.Flags().GetString("pattern")

		if query == "" && pattern == "" {
			return fmt.Errorf("one of --query or --pattern is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{}
		if query != "" {
			req["query"] = query
		} else {
			req["pattern"] = pattern
		}

		resp, err := client.post(cmd.Context(), "/cache/invalidate", req)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Invalidated %d cached answers", result["invalidated"])
		return nil
	},
}

func init() {
	cacheInvalidateCmd.Flags().String("query", "", "exact query to invalidate")
	cacheInvalidateCmd.Flags().String("pattern", "", "substring of normalized queries to invalidate")
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Add documents to the knowledge base",
	Long: `Add documents to the knowledge base.

Examples:
  deskd ingest --text "Refunds are issued within 5 business days" --title "Refunds" --category billing
  deskd ingest --file ./faq.md --category docs
  deskd ingest --url https://example.com/help/billing
  deskd ingest --dir ./help-center --category docs --wait`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		urlArg, _ := cmd.Flags().GetString("url")
		dir, _ := cmd.Flags().GetString("dir")
		title, _ := cmd.Flags().GetString("title")
		category, _ := cmd.Flags().GetString("category")
		wait, _ := cmd.Flags().GetBool("wait")

		count := 0
		for _, v := range []string{text, file, urlArg, dir} {
			if v != "" {
				count++
			}
		}
		if count != 1 {
			return fmt.Errorf("exactly one of --text, --file, --url, or --dir is required")
		}

		req := map[string]any{}
		if title != "" {
			req["title"] = title
		}
		if category != "" {
			req["category"] = category
		}

		switch {
		case text != "":
			req["source_type"] = "text"
			req["content"] = text
			req["source"] = "cli"
		case file != "":
			// The daemon resolves the path, so it must be absolute.
			abs, err := filepath.Abs(file)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
			req["source_type"] = "file"
			req["source"] = abs
		case urlArg != "":
			req["source_type"] = "url"
			req["source"] = urlArg
		case dir != "":
			abs, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
			req["source_type"] = "dir"
			req["source"] = abs
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/ingest", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued ingestion job %s", result["job_id"])

		if !wait {
			return nil
		}

		printStep("Waiting for job %s...", result["job_id"])
		status, err := waitForJob(cmd.Context(), client, result["job_id"], 500*time.Millisecond)
		if err != nil {
			return err
		}
		if status.Status == "failed" {
			return fmt.Errorf("ingestion failed: %s", status.LastError)
		}
		printSuccess("Ingestion complete")
		return nil
	},
}

type jobStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
}

// waitForJob polls the job until it reaches a terminal state.
func waitForJob(ctx context.Context, client *apiClient, jobID string, interval time.Duration) (jobStatus, error) {
	for {
		resp, err := client.get(ctx, "/ingest/"+url.PathEscape(jobID))
		if err != nil {
			return jobStatus{}, err
		}

		var status jobStatus
		if err := decodeJSON(resp, &status); err != nil {
			return jobStatus{}, err
		}
		if status.Status == "completed" || status.Status == "failed" {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return jobStatus{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("dir", "", "directory of documents to ingest")
	ingestCmd.Flags().String("title", "", "title for the document")
	ingestCmd.Flags().String("category", "", "category tag, e.g. billing or technical")
	ingestCmd.Flags().Bool("wait", false, "wait for the ingestion job to finish")
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List or remove knowledge base documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/documents?limit=%d", limit))
		if err != nil {
			return err
		}

		var docs []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Source    string `json:"source"`
			Category  string `json:"category"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}

		for _, d := range docs {
			title := d.Title
			if len(title) > 60 {
				title = title[:60] + "..."
			}
			line := fmt.Sprintf("%s  %s  %s",
				colorize(colorCyan, d.ID[:8]),
				d.CreatedAt,
				title,
			)
			if d.Category != "" {
				line += fmt.Sprintf("  [%s]", d.Category)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var documentsRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	documentsListCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsRemoveCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
