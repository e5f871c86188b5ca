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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/gencore/internal/api"
	"github.com/kalambet/gencore/internal/config"
	"github.com/kalambet/gencore/internal/ollama"
	"github.com/kalambet/gencore/internal/provider"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gencore gateway (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gencore gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway, Ollama and provider status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "gencore.pid")
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

// newGatewayHandler mounts the OpenAI-compatible API behind bearer auth.
func newGatewayHandler(g api.Generator, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(api.BearerAuth(token, "/health"))
	r.Mount("/", api.NewOpenAIHandler(g))
	return r
}

// warmLocal prepares Ollama for enabled local providers. Failure is not
// fatal: the orchestrator falls back to other providers.
func warmLocal(ctx context.Context, cfg config.Config, descs []provider.Descriptor) {
	var models []string
	for _, d := range descs {
		if d.Enabled && d.Kind == provider.KindLocal && d.Model != "" && (d.BaseURL == "" || d.BaseURL == cfg.Ollama.BaseURL) {
			models = append(models, d.Model)
		}
	}
	if len(models) == 0 {
		return
	}
	if err := ollama.EnsureReady(ctx, ollama.New(cfg.Ollama.BaseURL), os.Stderr, models...); err != nil {
		slog.Warn("local provider not ready, requests will fall back", "error", err)
	}
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "gencore version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("gencore is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("gencore is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStack(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: shutting down: %v\n", err)
		}
	}()
	st.start(ctx, true)

	warmLocal(ctx, cfg, st.orch.Providers())

	if cfg.Server.APIToken == "" {
		slog.Warn("server.api_token not set, the gateway accepts unauthenticated requests")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: newGatewayHandler(st.orch, cfg.Server.APIToken),
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(st.orch, version))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "gencore listening on %s\n", addr)
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

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("gencore is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop gencore (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to gencore (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Gateway", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Gateway", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Gateway", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if ollama.New(cfg.Ollama.BaseURL).IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}

	if cfg.Remote.APIKey != "" {
		printStatus("Remote", "%s (key configured)", cfg.Remote.BaseURL)
	} else {
		printStatus("Remote", "%s (no API key)", cfg.Remote.BaseURL)
	}

	if cfg.Nostr.RedisURL != "" {
		printStatus("Relays", "redis bus %s", cfg.Nostr.RedisURL)
	} else {
		printStatus("Relays", "%s", strings.Join(cfg.Nostr.Relays, ", "))
	}

	if providers, err := config.LoadProviders(cfg, nil); err == nil {
		printStatus("Providers", "%d configured", len(providers.List()))
	} else {
		printStatus("Providers", "invalid: %v", err)
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
