package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mirage-mcp-server/internal/browser"
	mcpserver "mirage-mcp-server/internal/mcp"
)

var (
	ssePort       int
	selectOnStart string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server that drives Chrome with interception",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&ssePort, "sse-port", 0, "Serve MCP over SSE on this port instead of stdio")
	serveCmd.Flags().StringVar(&selectOnStart, "select", "", "Configuration to select at startup")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if ssePort != 0 {
		cfg.MCP.SSEPort = ssePort
	}

	// stdout carries the protocol in stdio mode
	logger, err := newLogger(cfg.Server, cfg.MCP.SSEPort == 0)
	if err != nil {
		return err
	}
	if wsDir != "" {
		logger.Info("workspace", zap.String("dir", wsDir))
	}

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.preselect(ctx, selectOnStart); err != nil {
		return errors.Wrap(err, "select configuration")
	}

	sessions := browser.NewSessionManager(cfg.Browser, rt.engine, rt.facts, logger)
	if cfg.Browser.AutoStart {
		if err := sessions.Start(ctx); err != nil {
			return errors.Wrap(err, "start browser")
		}
	} else {
		logger.Info("browser auto-start disabled; use launch-browser")
	}
	defer func() {
		if err := sessions.Shutdown(context.Background()); err != nil {
			logger.Warn("browser shutdown", zap.Error(err))
		}
	}()

	server, err := mcpserver.NewServer(cfg, mcpserver.Deps{
		Sessions: sessions,
		Engine:   rt.engine,
		Store:    rt.store,
		Facts:    rt.facts,
		Logger:   logger.Named("mcp"),
	})
	if err != nil {
		return errors.Wrap(err, "init MCP server")
	}

	if cfg.MCP.SSEPort > 0 {
		logger.Info("starting MCP SSE server", zap.Int("port", cfg.MCP.SSEPort))
		err = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		logger.Info("starting MCP stdio server")
		err = server.Start(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "server exited")
	}
	return nil
}
