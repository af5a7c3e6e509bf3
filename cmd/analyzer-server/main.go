package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apresai/domain-analyzer/internal/config"
	"github.com/apresai/domain-analyzer/internal/mcpserver"
	"github.com/apresai/domain-analyzer/internal/observability"
)

// AgentCore sends SIGKILL about 10s after SIGTERM.
const shutdownGrace = 8 * time.Second

func main() {
	logger := observability.NewLogger(config.LogConfig{Level: os.Getenv("LOG_LEVEL")}, os.Stdout)

	logger.Info("Domain analyzer MCP server starting...")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := mcpserver.DefaultConfig()

	tp, err := observability.InitTracer(ctx, "analyzer-mcp", cfg.Version, os.Getenv("ANALYZER_ENV"))
	if err != nil {
		logger.Warn("Failed to init tracer, continuing without tracing", "error", err)
	} else {
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Error("Tracer shutdown error", "error", err)
			}
		}()
	}

	srv, err := mcpserver.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutdown signal received, waiting for active analyses...")
		done := make(chan struct{})
		go func() {
			srv.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			logger.Warn("Active analyses did not finish before the grace period")
		}
		if tp != nil {
			tp.Shutdown(context.Background())
		}
		logger.Info("Shutdown complete")
		os.Exit(0)
	}()

	if err := srv.Start(); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
