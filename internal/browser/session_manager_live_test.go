package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"mirage-mcp-server/internal/config"
	"mirage-mcp-server/internal/engine"
	"mirage-mcp-server/internal/schema"
	"mirage-mcp-server/internal/store"
)

const dashboardPage = `<!doctype html>
<html><body><script>
(async () => {
  await fetch('/api/v1/session/bootstrap').then(r => r.json());
  const r = await fetch('/api/v1/reports/pivot', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({widgetId: 'w-trend', visualizationKind: 'line', schema: %q}),
  });
  const j = await r.json();
  window.__columns = j.data.columns.length;
  window.__status = j.status;
})();
</script></body></html>`

// TestLiveDashboardIntercepted launches Chrome, opens a dashboard page served locally and
// checks that the page's own pivot fetch sees the synthetic payload.
func TestLiveDashboardIntercepted(t *testing.T) {
	if os.Getenv("SKIP_LIVE_TESTS") != "" {
		t.Skip("Skipping live browser tests (SKIP_LIVE_TESTS set)")
	}
	bin, found := launcher.LookPath()
	if !found {
		t.Skip("Chrome not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	encoded, err := schema.Encode(&schema.QuerySchema{
		Measures:          []schema.Measure{{Aggregator: "SUM", DataField: "ticket_count", DisplayName: "Tickets"}},
		RowHierarchies:    []schema.Hierarchy{schema.AllHierarchy()},
		ColumnHierarchies: []schema.Hierarchy{{Dimension: "created_time", DisplayName: "Created", Type: "time", Granularity: "day"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dash/ops":
			w.Header().Set("Content-Type", "text/html")
			_, _ = fmt.Fprintf(w, dashboardPage, encoded)
		case "/api/v1/session/bootstrap":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"user":{"id":"u1"}}`)
		case "/api/v1/reports/pivot":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"status":"ok","data":{"columns":[],"rows":[]}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer backend.Close()

	fs := store.NewFileStore(filepath.Join(t.TempDir(), "store.yaml"))
	if err := fs.PutConfiguration(ctx, store.Configuration{ID: "c1", DashboardIDs: []string{"d1"}}); err != nil {
		t.Fatal(err)
	}
	// httptest listens on 127.0.0.1, whose first label is "127".
	if err := fs.SaveDashboard(ctx, &store.DashboardRecord{ID: "d1", Subdomain: "127", Path: "/dash/ops"}); err != nil {
		t.Fatal(err)
	}

	eng := engine.New(engine.Options{})
	if _, err := eng.Select(ctx, fs, "c1"); err != nil {
		t.Fatal(err)
	}

	headless := true
	manager := NewSessionManager(config.BrowserConfig{Launch: []string{bin}, Headless: &headless}, eng, nil, nil)
	if err := manager.Start(ctx); err != nil {
		t.Skipf("Browser start failed: %v", err)
	}
	defer func() { _ = manager.Shutdown(context.Background()) }()

	sess, err := manager.CreateSession(ctx, backend.URL+"/dash/ops")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if !sess.Intercept {
		t.Fatal("expected the page tap to be installed")
	}

	page, _ := manager.Page(sess.ID)
	if err := page.Timeout(20 * time.Second).Wait(rod.Eval(`() => window.__columns !== undefined`)); err != nil {
		t.Fatalf("page never received the pivot: %v", err)
	}
	cols, err := page.Eval(`() => window.__columns`)
	if err != nil {
		t.Fatal(err)
	}
	if n := cols.Value.Int(); n != 14 {
		t.Errorf("expected 14 synthetic columns, got %d", n)
	}
	status, err := page.Eval(`() => window.__status`)
	if err != nil {
		t.Fatal(err)
	}
	if status.Value.Str() != "ok" {
		t.Errorf("envelope lost: %q", status.Value.Str())
	}
}
