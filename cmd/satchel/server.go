package main

import (
	"context"
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

	"github.com/satchel-dev/satchel/internal/api"
	"github.com/satchel-dev/satchel/internal/config"
	"github.com/satchel-dev/satchel/internal/events"
	"github.com/satchel-dev/satchel/internal/inference"
	"github.com/satchel-dev/satchel/internal/ollama"
	"github.com/satchel-dev/satchel/internal/retrieval"
	"github.com/satchel-dev/satchel/internal/storage"
	"github.com/satchel-dev/satchel/internal/syncer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the satchel daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running satchel daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show satchel system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "satchel.pid")
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
	fmt.Fprintf(os.Stderr, "satchel version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.GetAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to double-start: probe the port, then stake the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("satchel is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("satchel is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check Ollama readiness and pull missing models.
	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, ollamaClient, cfg.Ollama.Model, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// The local-files provider has no sign-in flow, so its connection
	// row is seeded here instead of by an OAuth callback.
	if _, err := store.EnsureLocalConnection(string(syncer.CapLocalFiles)); err != nil {
		return fmt.Errorf("seeding local connection: %w", err)
	}

	// Retrieval stack: embeddings, vector store, reindexer.
	embedder := retrieval.NewEmbedder(ollamaClient, cfg.Ollama.EmbedModel)
	vectorStore := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(embedder, vectorStore)
	indexer := retrieval.NewIndexer(store, vectorStore, embedder)

	bus := events.NewBus()

	// Sync stack: one service, a provider per capability.
	gate := syncer.NewTokenGate(
		syncer.OAuthApp{ClientID: cfg.Google.ClientID, ClientSecret: cfg.Google.ClientSecret},
		syncer.OAuthApp{ClientID: cfg.Microsoft.ClientID, ClientSecret: cfg.Microsoft.ClientSecret},
	)
	syncSvc := syncer.NewService(syncer.NewGuard(), store, gate, bus, indexer)

	window := syncer.WindowFromDays(cfg.Sync.CalendarLookbackDays, cfg.Sync.CalendarLookaheadDays)
	mailLookback := time.Duration(cfg.Sync.CalendarLookbackDays) * 24 * time.Hour
	syncSvc.RegisterFactory(syncer.CapGoogleCalendar, func(conn storage.Connection) syncer.Provider {
		return syncer.NewGoogleCalendarProvider(conn.Email, window)
	})
	syncSvc.RegisterFactory(syncer.CapGmail, func(conn storage.Connection) syncer.Provider {
		return syncer.NewGmailProvider(conn.Email, mailLookback)
	})
	syncSvc.RegisterFactory(syncer.CapGoogleDrive, func(conn storage.Connection) syncer.Provider {
		return syncer.NewDriveProvider(conn.Email)
	})
	syncSvc.RegisterFactory(syncer.CapMicrosoftCalendar, func(conn storage.Connection) syncer.Provider {
		return syncer.NewMicrosoftCalendarProvider(conn.Email, window)
	})
	syncSvc.RegisterFactory(syncer.CapMicrosoftOutlook, func(conn storage.Connection) syncer.Provider {
		return syncer.NewMicrosoftOutlookProvider(conn.Email, mailLookback)
	})
	syncSvc.RegisterProvider(syncer.NewLocalFilesProvider(cfg.Sync.LocalRoot))

	// Inference stack: session pool, abort registry, streaming controller.
	runtime := inference.NewOllamaRuntime(ollamaClient, cfg.Ollama.Model)
	pool := inference.NewPool(cfg.Inference.SessionCap)
	registry := inference.NewRegistry()
	controller := inference.NewController(runtime, pool, registry, cfg.Inference.MaxTokens)

	handler := api.NewHandler(api.Deps{
		Store:      store,
		Sync:       syncSvc,
		Controller: controller,
		Registry:   registry,
		Retriever:  retriever,
		Bus:        bus,
		Token:      apiToken,
		TopK:       cfg.Retrieval.TopK,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Watch the local-files root so edits trigger a sync without polling.
	watcher := syncer.NewWatcher(cfg.Sync.LocalRoot, syncSvc, slog.Default())
	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("file watcher stopped", "error", err)
		}
	}()

	// MCP server over stdio, for editor and agent integrations.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:     store,
		Sync:      syncSvc,
		Registry:  registry,
		Retriever: retriever,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "satchel listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// In-flight completions are abandoned on shutdown; the abort registry
	// makes that immediate instead of waiting out a generation.
	registry.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
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
		printError("satchel is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop satchel (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to satchel (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
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

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Model", "%s", cfg.Ollama.Model)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)

	// Per-capability sync state when the daemon is up.
	if running {
		if apiClient, err := newAPIClient(); err == nil {
			for _, c := range syncer.Capabilities {
				statusResp, err := apiClient.get(context.Background(), "/sync/"+string(c))
				if err != nil {
					break
				}
				var st struct {
					IsSyncing bool `json:"is_syncing"`
				}
				if decodeJSON(statusResp, &st) == nil && st.IsSyncing {
					printStatus("Syncing", "%s", c)
				}
			}
		}
	}

	printStatus("Local root", "%s", cfg.Sync.LocalRoot)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
