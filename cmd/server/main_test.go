package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mirage-mcp-server/internal/config"
	"mirage-mcp-server/internal/recorder"
	"mirage-mcp-server/internal/schema"
	"mirage-mcp-server/internal/store"
	"mirage-mcp-server/internal/synth"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	cfg.Store.Path = filepath.Join(dir, "store.yaml")
	cfg.Lifecycle.SchemaPath = "../../schemas/lifecycle.mg"
	cfg.Recorder.Dir = filepath.Join(dir, "traces")
	cfg.Synth.Seed = 7
	return cfg
}

func trendSchema(t *testing.T) string {
	t.Helper()
	encoded, err := schema.Encode(&schema.QuerySchema{
		Measures:          []schema.Measure{{Aggregator: "SUM", DataField: "ticket_count", DisplayName: "Tickets"}},
		RowHierarchies:    []schema.Hierarchy{schema.AllHierarchy()},
		ColumnHierarchies: []schema.Hierarchy{{Dimension: "created_time", DisplayName: "Created", Type: "time", Granularity: "day"}},
	})
	require.NoError(t, err)
	return encoded
}

func TestProxyRewritesPivotThroughUpstream(t *testing.T) {
	ctx := context.Background()

	var upstreamReferer string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/session/bootstrap":
			upstreamReferer = r.Header.Get("Referer")
			_, _ = io.WriteString(w, `{"user":{"id":"u1"}}`)
		case "/api/v1/reports/pivot":
			_, _ = io.WriteString(w, `{"status":"ok","data":{"columns":[],"rows":[]}}`)
		case "/api/v1/users/me":
			_, _ = io.WriteString(w, `{"name":"real"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer backend.Close()
	upstream, err := url.Parse(backend.URL)
	require.NoError(t, err)

	cfg := testConfig(t)
	fs := store.NewFileStore(cfg.Store.Path)
	require.NoError(t, fs.PutConfiguration(ctx, store.Configuration{ID: "cfg-demo", DashboardIDs: []string{"d-ops"}}))
	// httptest listens on 127.0.0.1, whose first label is "127"
	require.NoError(t, fs.SaveDashboard(ctx, &store.DashboardRecord{ID: "d-ops", Subdomain: "127", Path: "/dash/ops"}))

	rt, err := buildRuntime(cfg, zap.NewNop())
	require.NoError(t, err)
	defer rt.close()
	require.NoError(t, rt.preselect(ctx, "cfg-demo"))

	socketUpstream, err := socketOrigin("", upstream)
	require.NoError(t, err)
	handler, err := newProxyHandler(rt.engine, upstream, socketUpstream, zap.NewNop())
	require.NoError(t, err)
	proxy := httptest.NewServer(handler)
	defer proxy.Close()

	referer := proxy.URL + "/dash/ops"
	do := func(method, path string, body []byte) []byte {
		req, err := http.NewRequest(method, proxy.URL+path, bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Referer", referer)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		out, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return out
	}

	do(http.MethodGet, "/api/v1/session/bootstrap", nil)
	assert.Equal(t, backend.URL+"/dash/ops", upstreamReferer, "referer names the real dashboard host")

	body, err := json.Marshal(map[string]any{
		"widgetId":          "w-trend",
		"visualizationKind": "line",
		"schema":            trendSchema(t),
	})
	require.NoError(t, err)
	raw := do(http.MethodPost, "/api/v1/reports/pivot", body)

	var env struct {
		Status string         `json:"status"`
		Data   *synth.Payload `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "ok", env.Status)
	require.NotNil(t, env.Data)
	assert.Len(t, env.Data.Columns, 14)
	assert.Len(t, env.Data.Rows, 1)

	assert.JSONEq(t, `{"name":"real"}`, string(do(http.MethodGet, "/api/v1/users/me", nil)), "unrelated calls pass through")

	var rewritten int
	for _, ev := range rt.engine.Recorder().Recent(0) {
		if ev.Outcome == recorder.OutcomeRewritten {
			rewritten++
		}
	}
	assert.GreaterOrEqual(t, rewritten, 1, "the pivot is traced as rewritten")
}

func TestProxyPlainRequestsUnderSocketPathPassThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "plain:"+r.URL.Path)
	}))
	defer backend.Close()
	upstream, _ := url.Parse(backend.URL)

	rt, err := buildRuntime(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer rt.close()

	socketUpstream, _ := socketOrigin("", upstream)
	handler, err := newProxyHandler(rt.engine, upstream, socketUpstream, zap.NewNop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/info", nil))
	assert.Equal(t, "plain:/ws/info", rec.Body.String())
}

func TestSocketOrigin(t *testing.T) {
	up, _ := url.Parse("https://acme.analytics.example.com/base?x=1")
	got, err := socketOrigin("", up)
	require.NoError(t, err)
	assert.Equal(t, "wss://acme.analytics.example.com", got.String())

	plain, _ := url.Parse("http://127.0.0.1:9000")
	got, err = socketOrigin("", plain)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9000", got.String())

	got, err = socketOrigin("wss://live.example.com", up)
	require.NoError(t, err)
	assert.Equal(t, "live.example.com", got.Host)

	_, err = socketOrigin("not a url", up)
	assert.Error(t, err)
}

func TestDecodeSchema(t *testing.T) {
	attr, err := schema.EncodeAttribute(schema.Hierarchy{Dimension: "agent", DisplayName: "Agent"})
	require.NoError(t, err)
	interactions, err := json.Marshal([]map[string]any{{"type": schema.InteractionDrillIn, "attributes": []string{attr}}})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, decodeSchema(&out, trendSchema(t), string(interactions)))

	var q schema.QuerySchema
	require.NoError(t, json.Unmarshal(out.Bytes(), &q))
	assert.True(t, q.IsDrillIn)
	require.Len(t, q.RowHierarchies, 1)
	assert.Equal(t, "agent", q.RowHierarchies[0].Dimension)
	assert.Equal(t, "day", q.ColumnHierarchies[0].Granularity)

	assert.Error(t, decodeSchema(&out, "%%%", ""))
	assert.Error(t, decodeSchema(&out, trendSchema(t), "{not json"))
}

func TestNewStoreAndLogger(t *testing.T) {
	st, err := newStore(config.StoreConfig{Kind: "file", Path: filepath.Join(t.TempDir(), "s.yaml")})
	require.NoError(t, err)
	assert.IsType(t, &store.FileStore{}, st)

	st, err = newStore(config.StoreConfig{Kind: "remote", URL: "https://store.example.com", Timeout: "2s"})
	require.NoError(t, err)
	assert.IsType(t, &store.RemoteStore{}, st)

	_, err = newStore(config.StoreConfig{Kind: "remote"})
	assert.Error(t, err)

	logFile := filepath.Join(t.TempDir(), "mirage.log")
	logger, err := newLogger(config.ServerConfig{Name: "mirage", LogFile: logFile, LogLevel: "debug"}, true)
	require.NoError(t, err)
	logger.Info("hello")
	_ = logger.Sync()
	assert.FileExists(t, logFile)

	_, err = newLogger(config.ServerConfig{Name: "mirage", LogLevel: "shouting"}, false)
	assert.Error(t, err)
}
