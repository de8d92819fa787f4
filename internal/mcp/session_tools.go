package mcp

import (
	"context"
	"encoding/base64"

	"github.com/cockroachdb/errors"

	"mirage-mcp-server/internal/browser"
)

var errNoBrowser = errors.New("browser session manager unavailable")

func emptySchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func sessionIDSchema(extra map[string]interface{}) map[string]interface{} {
	props := map[string]interface{}{
		"session_id": map[string]interface{}{
			"type":        "string",
			"description": "Session ID returned by open-dashboard or list-sessions",
		},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   []string{"session_id"},
	}
}

func requireSessionID(args map[string]interface{}) (string, error) {
	id := getStringArg(args, "session_id")
	if id == "" {
		return "", errors.New("session_id is required")
	}
	return id, nil
}

// LaunchBrowserTool starts Chrome using the configured launch command or debugger URL.
type LaunchBrowserTool struct {
	sessions *browser.SessionManager
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Start (or attach to) the Chrome instance used for demos.

CALL THIS FIRST before opening a dashboard.

WHAT IT DOES:
- Launches Chrome with DevTools Protocol enabled, or connects to browser.debugger_url
- Idempotent: safe to call if already running

TYPICAL WORKFLOW:
1. launch-browser        -> Start Chrome
2. select-configuration  -> Pick the demo data set
3. open-dashboard        -> Open the analytics page with interception on

Returns: {status: "started"|"already_connected", control_url}`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} { return emptySchema() }
func (t *LaunchBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, errNoBrowser
	}
	if t.sessions.IsConnected() {
		return map[string]interface{}{
			"status":      "already_connected",
			"control_url": t.sessions.ControlURL(),
		}, nil
	}

	if err := t.sessions.Start(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      "started",
		"control_url": t.sessions.ControlURL(),
	}, nil
}

// ShutdownBrowserTool stops the managed Chrome instance and clears sessions.
type ShutdownBrowserTool struct {
	sessions *browser.SessionManager
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Stop Chrome and close every session.

Lifecycle facts and the selected configuration survive; use reset-intercept to clear
per-page-load state.`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} { return emptySchema() }
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, errNoBrowser
	}
	if err := t.sessions.Shutdown(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "stopped"}, nil
}

type ListSessionsTool struct {
	sessions *browser.SessionManager
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List browser sessions with their URL and whether interception is on.

Returns: Array of {id, url, title, status, intercept} for each session.`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} { return emptySchema() }
func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, errNoBrowser
	}
	return map[string]interface{}{"sessions": t.sessions.List()}, nil
}

// OpenDashboardTool opens a new tab with the request tap installed before the first navigation.
type OpenDashboardTool struct {
	sessions *browser.SessionManager
}

func (t *OpenDashboardTool) Name() string { return "open-dashboard" }
func (t *OpenDashboardTool) Description() string {
	return `Open an analytics dashboard URL in a new tab with interception enabled.

PREREQUISITE: launch-browser, and usually select-configuration so the page matches a
stored dashboard.

The tap is installed before navigation, so bootstrap, definition and pivot calls of the
first page load are all rewritten.

Returns: {session: {id, url, title, intercept}}`
}
func (t *OpenDashboardTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Dashboard URL to open",
			},
		},
		"required": []string{"url"},
	}
}
func (t *OpenDashboardTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, errNoBrowser
	}
	url := getStringArg(args, "url")
	if url == "" {
		return nil, errors.New("url is required")
	}

	sess, err := t.sessions.CreateSession(ctx, url)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session": sess}, nil
}

type AttachSessionTool struct {
	sessions *browser.SessionManager
}

func (t *AttachSessionTool) Name() string { return "attach-session" }
func (t *AttachSessionTool) Description() string {
	return `Attach to an existing Chrome tab by its CDP TargetID and intercept it from now on.

Requests already in flight are not rewritten; reload-dashboard afterwards for a clean
page load.`
}
func (t *AttachSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"target_id": map[string]interface{}{
				"type":        "string",
				"description": "CDP TargetID to attach",
			},
		},
		"required": []string{"target_id"},
	}
}
func (t *AttachSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, errNoBrowser
	}
	targetID := getStringArg(args, "target_id")
	if targetID == "" {
		return nil, errors.New("target_id is required")
	}

	sess, err := t.sessions.Attach(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"session": sess}, nil
}

type ReloadDashboardTool struct {
	sessions *browser.SessionManager
}

func (t *ReloadDashboardTool) Name() string { return "reload-dashboard" }
func (t *ReloadDashboardTool) Description() string {
	return `Reload a session's page. This starts a new page load: identity, query descriptors and
collected live data are cleared, saved drill levels are restored from the store.`
}
func (t *ReloadDashboardTool) InputSchema() map[string]interface{} { return sessionIDSchema(nil) }
func (t *ReloadDashboardTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, errNoBrowser
	}
	id, err := requireSessionID(args)
	if err != nil {
		return nil, err
	}
	if err := t.sessions.Reload(ctx, id); err != nil {
		return nil, err
	}
	sess, _ := t.sessions.GetSession(id)
	return map[string]interface{}{"session": sess}, nil
}

type SetInterceptTool struct {
	sessions *browser.SessionManager
}

func (t *SetInterceptTool) Name() string { return "set-intercept" }
func (t *SetInterceptTool) Description() string {
	return `Turn request interception on or off for one session. With interception off the
dashboard shows the real backend data.`
}
func (t *SetInterceptTool) InputSchema() map[string]interface{} {
	return sessionIDSchema(map[string]interface{}{
		"enabled": map[string]interface{}{
			"type":        "boolean",
			"description": "true installs the tap, false removes it (default true)",
		},
	})
}
func (t *SetInterceptTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, errNoBrowser
	}
	id, err := requireSessionID(args)
	if err != nil {
		return nil, err
	}
	on := getBoolArg(args, "enabled", true)
	if err := t.sessions.SetIntercept(id, on); err != nil {
		return nil, err
	}
	return map[string]interface{}{"session_id": id, "intercept": on}, nil
}

type CloseSessionTool struct {
	sessions *browser.SessionManager
}

func (t *CloseSessionTool) Name() string { return "close-session" }
func (t *CloseSessionTool) Description() string {
	return "Close a session's tab and remove its tap."
}
func (t *CloseSessionTool) InputSchema() map[string]interface{} { return sessionIDSchema(nil) }
func (t *CloseSessionTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, errNoBrowser
	}
	id, err := requireSessionID(args)
	if err != nil {
		return nil, err
	}
	if err := t.sessions.Close(id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"session_id": id, "status": "closed"}, nil
}

// ScreenshotTool captures the rendered dashboard so the operator can check the synthetic data.
type ScreenshotTool struct {
	sessions *browser.SessionManager
}

func (t *ScreenshotTool) Name() string { return "screenshot" }
func (t *ScreenshotTool) Description() string {
	return `Capture a PNG of the session's viewport.

Returns: {session_id, format: "png", bytes, data} where data is base64.`
}
func (t *ScreenshotTool) InputSchema() map[string]interface{} { return sessionIDSchema(nil) }
func (t *ScreenshotTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, errNoBrowser
	}
	id, err := requireSessionID(args)
	if err != nil {
		return nil, err
	}
	png, err := t.sessions.Screenshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"session_id": id,
		"format":     "png",
		"bytes":      len(png),
		"data":       base64.StdEncoding.EncodeToString(png),
	}, nil
}
