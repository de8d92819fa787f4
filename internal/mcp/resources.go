package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"

	"mirage-mcp-server/internal/mangle"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"mirage://about",
			"Mirage About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info and the usual demo workflow."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"mirage://session/{sessionId}/facts{?predicate,limit}",
			"Session Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Navigation and identity facts for one browser session or engine session."),
		),
		s.handleScopedFactsResource("sessionId"),
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"mirage://dashboard/{dashboardId}/facts{?predicate,limit}",
			"Dashboard Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Widget seeding and drill level facts for one stored dashboard."),
		),
		s.handleScopedFactsResource("dashboardId"),
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"workflow": []string{
			"launch-browser",
			"list-configurations, select-configuration",
			"open-dashboard",
			"active-dashboard, get-drill-state, read-traces",
		},
		"notes": []string{
			"Resources are read-only; use tools for actions.",
			"Lifecycle facts are keyed by session id or dashboard id in their first argument.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}

	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

// handleScopedFactsResource serves facts whose first argument equals the URI variable param.
func (s *Server) handleScopedFactsResource(param string) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if s.deps.Facts == nil {
			return nil, errNoFacts
		}

		scope := argString(request.Params.Arguments[param])
		if scope == "" {
			return nil, errors.Newf("missing %s", param)
		}
		predicate := argString(request.Params.Arguments["predicate"])
		limit := asInt(request.Params.Arguments["limit"])
		if limit <= 0 {
			limit = 25
		}
		if limit > 500 {
			limit = 500
		}

		facts := selectRecentFacts(s.deps.Facts, scope, predicate, limit)

		payload := map[string]interface{}{
			"scope":     scope,
			"predicate": predicate,
			"limit":     limit,
			"count":     len(facts),
			"facts":     facts,
		}
		text, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      request.Params.URI,
				MIMEType: resourceMIMEJSON,
				Text:     string(text),
			},
		}, nil
	}
}

func selectRecentFacts(engine *mangle.Engine, scope, predicate string, limit int) []mangle.Fact {
	if engine == nil || scope == "" || limit <= 0 {
		return []mangle.Fact{}
	}

	var source []mangle.Fact
	if predicate != "" {
		source = engine.FactsByPredicate(predicate)
	} else {
		source = engine.Facts()
	}

	out := make([]mangle.Fact, 0, min(limit, len(source)))
	for i := len(source) - 1; i >= 0 && len(out) < limit; i-- {
		f := source[i]
		if predicate != "" && f.Predicate != predicate {
			continue
		}
		if len(f.Args) == 0 {
			continue
		}
		if fmt.Sprintf("%v", f.Args[0]) != scope {
			continue
		}
		out = append(out, f)
	}

	// Reverse to return chronological order (oldest -> newest).
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
