package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/deskd/deskd/internal/api"
	"github.com/deskd/deskd/internal/cache"
	"github.com/deskd/deskd/internal/config"
	"github.com/deskd/deskd/internal/conversation"
	"github.com/deskd/deskd/internal/feedback"
	"github.com/deskd/deskd/internal/generator"
	"github.com/deskd/deskd/internal/ingest"
	"github.com/deskd/deskd/internal/intent"
	"github.com/deskd/deskd/internal/pipeline"
	"github.com/deskd/deskd/internal/retrieval"
	"github.com/deskd/deskd/internal/storage"
	"github.com/deskd/deskd/internal/workflow"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the deskd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running deskd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show deskd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "deskd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "deskd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("deskd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("deskd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the answer pipeline: retrieval, generation, classification.
	searcher := retrieval.NewSearcher(store.DB())

	var gen generator.Generator
	switch cfg.Generator.Mode {
	case config.GeneratorRemote:
		if cfg.Generator.BaseURL != "" {
			gen = generator.NewRemoteWithBaseURL(cfg.Generator.APIKey, cfg.Generator.Model, cfg.Generator.BaseURL)
		} else {
			gen = generator.NewRemote(cfg.Generator.APIKey, cfg.Generator.Model)
		}
		slog.Info("using remote generator", "model", cfg.Generator.Model)
	default:
		gen = generator.NewExtractive()
		slog.Info("using extractive generator")
	}

	engine := workflow.NewEngine(
		intent.NewClassifier(),
		searcher,
		gen,
		cfg.Workflow.TopK,
		cfg.Workflow.EscalationThreshold,
		cfg.Cache.MinConfidence,
	)

	queryCache := cache.New(
		cfg.Cache.MaxSize,
		time.Duration(cfg.Cache.TTLMinutes)*time.Minute,
		cfg.Cache.MinConfidence,
	)
	memory := conversation.NewMemory(cfg.Memory.MaxMessages)

	feedbackPath := cfg.Feedback.Path
	if feedbackPath == "" {
		feedbackPath = filepath.Join(cfg.Storage.DataDir, "feedback.jsonl")
	}
	collector, err := feedback.NewCollector(feedbackPath)
	if err != nil {
		return fmt.Errorf("opening feedback log: %w", err)
	}

	orch := pipeline.NewOrchestrator(queryCache, memory, collector, engine, cfg.Memory.ContextWindow)
	deps := api.Deps{Orchestrator: orch, Store: store}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
	}

	// Start ingest worker.
	worker := ingest.NewWorker(store, 500*time.Millisecond)
	go worker.Run(ctx)

	// Sweep idle sessions when configured.
	if cfg.Memory.IdleMinutes > 0 {
		idle := time.Duration(cfg.Memory.IdleMinutes) * time.Minute
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := memory.EvictIdle(idle); n > 0 {
						slog.Info("evicted idle sessions", "count", n)
					}
				}
			}
		}()
	}

	// Build and start MCP server (streamable HTTP on its own port).
	mcpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MCPPort)
	mcpSrv := server.NewStreamableHTTPServer(api.NewMCPServer(deps))
	go func() {
		slog.Info("MCP server listening", "addr", mcpAddr)
		if err := mcpSrv.Start(mcpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("MCP server error", "error", err)
		}
	}()

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "deskd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mcpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("MCP server shutdown", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("deskd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop deskd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to deskd (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Generator", "%s", cfg.Generator.Mode)
	if cfg.Generator.Mode == config.GeneratorRemote {
		printStatus("Model", "%s", cfg.Generator.Model)
	}

	// Show documents and analytics counters if the server is running.
	if running {
		docsResp, err := client.Get(serverURL + "/documents?limit=100")
		if err == nil {
			var docs []json.RawMessage
			if json.NewDecoder(docsResp.Body).Decode(&docs) == nil {
				printStatus("Documents", "%s", countLabel(len(docs), 100))
			}
			docsResp.Body.Close()
		}

		analyticsResp, err := client.Get(serverURL + "/analytics")
		if err == nil {
			var analytics struct {
				Feedback struct {
					TotalFeedback int `json:"total_feedback"`
				} `json:"feedback"`
				Cache struct {
					Size           int     `json:"size"`
					HitRatePercent float64 `json:"hit_rate_percent"`
				} `json:"cache"`
			}
			if json.NewDecoder(analyticsResp.Body).Decode(&analytics) == nil {
				printStatus("Cache", "%d entries, %.1f%% hit rate", analytics.Cache.Size, analytics.Cache.HitRatePercent)
				printStatus("Feedback", "%d records", analytics.Feedback.TotalFeedback)
			}
			analyticsResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
