package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/shubhhh19/memory-mesh/internal/api"
	"github.com/shubhhh19/memory-mesh/internal/config"
	"github.com/shubhhh19/memory-mesh/internal/logger"
	"github.com/shubhhh19/memory-mesh/internal/memory"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		return showStatus(cmd.Context(), c)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func runServer(withMCP bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(cfg.Log, os.Stderr)
	slog.SetDefault(log)
	log.Info("starting memorymesh", "version", version, "backend", cfg.Storage.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := memory.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("closing memory service", "error", err)
		}
	}()
	svc.Start(ctx)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Memory:      svc,
			Token:       cfg.Server.Token,
			ServiceName: cfg.Log.Service,
			Logger:      log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Server.Token == "" {
		log.Warn("bearer authentication disabled, set MEMORYMESH_API_TOKEN to enable it")
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(api.MCPDeps{Memory: svc, Version: version}))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("MCP stdio server error", "error", err)
			}
		}()
		log.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func showStatus(ctx context.Context, c *apiClient) error {
	resp, err := c.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	defer resp.Body.Close()

	// /health answers 503 with a full body when the database is down.
	var h memory.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}

	printStatus("Server", "%s at %s", h.Status, c.baseURL)
	printStatus("Database", "%s (%.1f ms)", h.Database, h.DatabaseLatency)
	printStatus("Provider", "%s", h.Provider)
	if h.FallbackProvider != "" {
		printStatus("Fallback", "%s", h.FallbackProvider)
	}
	printStatus("Breaker", "%s", h.BreakerState)
	printStatus("Queue depth", "%d", h.QueueDepth)
	printStatus("Uptime", "%s", (time.Duration(h.UptimeSeconds) * time.Second).String())
	return nil
}
