package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"mirage-mcp-server/internal/browser"
	"mirage-mcp-server/internal/config"
	"mirage-mcp-server/internal/engine"
	"mirage-mcp-server/internal/mangle"
	"mirage-mcp-server/internal/store"
)

// Deps are the runtime pieces the operator tools act on. Any of them may be nil; tools that
// need a missing dependency report an error instead of being hidden.
type Deps struct {
	Sessions *browser.SessionManager
	Engine   *engine.Engine
	Store    store.Store
	Facts    *mangle.Engine
	Logger   *zap.Logger
}

// Server wires the MCP runtime to the browser sessions, the interception engine, and the
// lifecycle fact store.
type Server struct {
	cfg       config.Config
	deps      Deps
	logger    *zap.Logger
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the mirage MCP server and registers all tools.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start launches the stdio server.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("SSE server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly (used by tests).
func (s *Server) ExecuteTool(name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, errors.Newf("tool not found: %s", name)
	}
	return tool.Execute(context.Background(), args)
}

func (s *Server) registerAllTools() {
	d := s.deps

	// Browser
	s.registerTool(&LaunchBrowserTool{sessions: d.Sessions})
	s.registerTool(&ShutdownBrowserTool{sessions: d.Sessions})
	s.registerTool(&ListSessionsTool{sessions: d.Sessions})
	s.registerTool(&OpenDashboardTool{sessions: d.Sessions})
	s.registerTool(&AttachSessionTool{sessions: d.Sessions})
	s.registerTool(&ReloadDashboardTool{sessions: d.Sessions})
	s.registerTool(&SetInterceptTool{sessions: d.Sessions})
	s.registerTool(&CloseSessionTool{sessions: d.Sessions})
	s.registerTool(&ScreenshotTool{sessions: d.Sessions})

	// Interception engine
	s.registerTool(&ListConfigurationsTool{store: d.Store})
	s.registerTool(&SelectConfigurationTool{engine: d.Engine, store: d.Store})
	s.registerTool(&ActiveDashboardTool{engine: d.Engine})
	s.registerTool(&GetDrillStateTool{engine: d.Engine})
	s.registerTool(&ResetInterceptTool{engine: d.Engine})
	s.registerTool(&DecodeSchemaTool{})
	s.registerTool(&ReadTracesTool{engine: d.Engine})

	// Lifecycle facts
	s.registerTool(&ReadLifecycleTool{facts: d.Facts})
	s.registerTool(&AwaitLifecycleTool{facts: d.Facts})
	s.registerTool(&AddLifecycleRuleTool{facts: d.Facts})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			s.logger.Debug("tool failed", zap.String("tool", tool.Name()), zap.Error(err))
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
