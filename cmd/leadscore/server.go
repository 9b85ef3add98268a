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

	"github.com/leadscore/leadscore/internal/api"
	"github.com/leadscore/leadscore/internal/config"
	"github.com/leadscore/leadscore/internal/engine"
	"github.com/leadscore/leadscore/internal/ingest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scoring server (foreground)",
	Long: `Run the HTTP API on 127.0.0.1, the background job worker and, unless
--no-mcp is given, an MCP server on stdin/stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noMCP, _ := cmd.Flags().GetBool("no-mcp")
		return runServer(!noMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("no-mcp", false, "do not serve MCP on stdio")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running leadscore server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show leadscore server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

// pidFile records the PID of a running `leadscore serve` in the data dir.
type pidFile string

func pidFileIn(dataDir string) pidFile {
	return pidFile(filepath.Join(dataDir, "leadscore.pid"))
}

func (p pidFile) write() error {
	if err := os.MkdirAll(filepath.Dir(string(p)), 0o755); err != nil {
		return err
	}
	return os.WriteFile(string(p), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func (p pidFile) read() (int, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func (p pidFile) remove() { os.Remove(string(p)) }

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "leadscore version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireServer(); err != nil {
		return err
	}

	pid := pidFileIn(cfg.Storage.DataDir)
	if err := ensureNotRunning(cfg.Server.Port, pid); err != nil {
		return err
	}
	if err := pid.write(); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer pid.remove()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// An unreachable backend degrades results; it does not stop the server.
	if a.engine != nil {
		if err := engine.EnsureReady(ctx, a.engine, cfg.Analyzer.Model, os.Stderr); err != nil {
			slog.Warn("analysis backend not ready, leads will be scored without analysis", "backend", cfg.Analyzer.Backend, "error", err)
		}
	}

	deps := api.Deps{
		Store:       a.store,
		Pipeline:    a.pipeline,
		Composer:    a.composer,
		ModelsDir:   cfg.Scoring.ModelsDir,
		ActiveModel: a.scorer.Version(),
		Token:       cfg.Server.APIToken,
	}
	slog.Info("scoring model loaded", "model_version", deps.ActiveModel)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if n, err := a.store.RequeueRunningJobs(ctx); err != nil {
		return err
	} else if n > 0 {
		slog.Info("requeued jobs interrupted by a previous shutdown", "count", n)
	}
	worker := ingest.NewWorker(a.store, a.pipeline, 500*time.Millisecond)
	go worker.Run(ctx)

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "leadscore listening on %s\n", addr)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ensureNotRunning fails when something already answers /health on port.
func ensureNotRunning(port int, pid pidFile) error {
	hc := &http.Client{Timeout: 2 * time.Second}
	resp, err := hc.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return nil
	}
	resp.Body.Close()
	if n, err := pid.read(); err == nil {
		return fmt.Errorf("server already running (PID %d)", n)
	}
	return fmt.Errorf("port %d is already serving /health", port)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pf := pidFileIn(cfg.Storage.DataDir)
	pid, err := pf.read()
	if err != nil {
		return fmt.Errorf("leadscore is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		// Stale file from a crashed server.
		pf.remove()
		return fmt.Errorf("could not stop leadscore (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to leadscore (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Analyzer", "%s", cfg.Analyzer.Backend)

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	var models struct {
		Active string `json:"active"`
	}
	if client.getJSON(ctx, "/models", &models) == nil {
		printStatus("Model", "%s", models.Active)
	}

	var leads struct {
		Total int `json:"total"`
	}
	if client.getJSON(ctx, "/leads?limit=1", &leads) == nil {
		printStatus("Leads", "%d", leads.Total)
	}
	return nil
}
