package tap

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func pathIs(p string) Matcher {
	return func(u *url.URL) bool { return u.Path == p }
}

func backend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gzip":
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Content-Encoding", "gzip")
			zw := gzip.NewWriter(w)
			zw.Write([]byte(`{"data":{"v":1}}`))
			zw.Close()
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			w.Write(body)
		default:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("X-Real", "yes")
			w.Write([]byte("real \x00 bytes\n"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func client(tr http.RoundTripper) *http.Client {
	return &http.Client{Transport: tr}
}

func TestTransportUnrelatedURLIsByteIdentical(t *testing.T) {
	srv := backend(t)
	direct, err := http.Get(srv.URL + "/plain")
	require.NoError(t, err)
	want, _ := io.ReadAll(direct.Body)
	direct.Body.Close()

	tr := NewTransport(nil, zap.NewNop())
	called := false
	tr.Intercept(pathIs("/echo"), func(ctx context.Context, c *Call, r *Response) (*Response, error) {
		called = true
		return &Response{StatusCode: 200, Header: http.Header{}, Body: []byte("fake")}, nil
	})
	require.NoError(t, tr.Install())

	resp, err := client(tr).Get(srv.URL + "/plain")
	require.NoError(t, err)
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.False(t, called)
	assert.Equal(t, want, got)
	assert.Equal(t, "yes", resp.Header.Get("X-Real"))
}

func TestTransportRewritesMatchingCall(t *testing.T) {
	srv := backend(t)
	tr := NewTransport(nil, zap.NewNop())

	var seen *Call
	tr.Intercept(pathIs("/echo"), func(ctx context.Context, c *Call, r *Response) (*Response, error) {
		seen = c
		assert.Equal(t, `{"a":1}`, string(r.Body), "transform sees the real response")
		return &Response{StatusCode: http.StatusAccepted, Header: r.Header.Clone(), Body: []byte(`{"a":2}`)}, nil
	})
	require.NoError(t, tr.Install())

	resp, err := client(tr).Post(srv.URL+"/echo", "application/json", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, `{"a":2}`, string(body))
	require.NotNil(t, seen)
	assert.Equal(t, map[string]any{"a": float64(1)}, seen.Parsed)
	assert.Equal(t, http.MethodPost, seen.Method)
}

func TestTransportDecodesGzip(t *testing.T) {
	srv := backend(t)
	tr := NewTransport(nil, zap.NewNop())
	tr.Intercept(pathIs("/gzip"), func(ctx context.Context, c *Call, r *Response) (*Response, error) {
		assert.Equal(t, `{"data":{"v":1}}`, string(r.Body))
		assert.Empty(t, r.Header.Get("Content-Encoding"))
		return &Response{StatusCode: 200, Header: r.Header, Body: []byte(`{"data":{"v":2}}`)}, nil
	})
	require.NoError(t, tr.Install())

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/gzip", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := client(tr).Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, `{"data":{"v":2}}`, string(body))
}

func TestTransportFailuresFallBack(t *testing.T) {
	srv := backend(t)
	for name, fn := range map[string]Transform{
		"error": func(context.Context, *Call, *Response) (*Response, error) {
			return nil, errors.New("boom")
		},
		"panic": func(context.Context, *Call, *Response) (*Response, error) {
			panic("boom")
		},
		"unchanged": func(_ context.Context, _ *Call, r *Response) (*Response, error) {
			return r, nil
		},
	} {
		t.Run(name, func(t *testing.T) {
			tr := NewTransport(nil, zap.NewNop())
			tr.Intercept(nil, fn)
			require.NoError(t, tr.Install())

			resp, err := client(tr).Post(srv.URL+"/echo", "application/json", strings.NewReader(`{"ok":true}`))
			require.NoError(t, err)
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			assert.Equal(t, `{"ok":true}`, string(body))
		})
	}
}

func TestTransportUninstallIsInert(t *testing.T) {
	srv := backend(t)
	tr := NewTransport(nil, zap.NewNop())
	calls := 0
	tr.Intercept(nil, func(_ context.Context, _ *Call, r *Response) (*Response, error) {
		calls++
		return r, nil
	})

	get := func() {
		resp, err := client(tr).Get(srv.URL + "/plain")
		require.NoError(t, err)
		resp.Body.Close()
	}

	get()
	assert.Equal(t, 0, calls, "not installed yet")
	require.NoError(t, tr.Install())
	get()
	assert.Equal(t, 1, calls)
	require.NoError(t, tr.Uninstall())
	get()
	assert.Equal(t, 1, calls, "uninstalled taps stay inert")
}

func TestFirstMatchingTransformWins(t *testing.T) {
	var c chain[string]
	c.add(pathIs("/a"), "first")
	c.add(nil, "catch-all")
	c.add(pathIs("/a"), "shadowed")

	got, ok := c.find(&url.URL{Path: "/a"})
	assert.True(t, ok)
	assert.Equal(t, "first", got)
	got, _ = c.find(&url.URL{Path: "/b"})
	assert.Equal(t, "catch-all", got)
}

func TestNormalizeURL(t *testing.T) {
	origin, _ := url.Parse("https://acme.example.com/dashboards/ops")

	u, err := NormalizeURL(origin, "/api/v1/reports/pivot?x=1")
	require.NoError(t, err)
	assert.Equal(t, "https://acme.example.com/api/v1/reports/pivot?x=1", u.String())

	u, err = NormalizeURL(origin, "//cdn.example.com/a.js")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.js", u.String())

	u, err = NormalizeURL(origin, "https://other.example.com/x")
	require.NoError(t, err)
	assert.Equal(t, "other.example.com", u.Host)

	_, err = NormalizeURL(origin, "http://[::1")
	assert.Error(t, err)
}

func TestParseRequestBody(t *testing.T) {
	assert.Nil(t, ParseRequestBody(http.MethodGet, "application/json", []byte(`{"a":1}`)))
	assert.Nil(t, ParseRequestBody(http.MethodPost, "application/json", nil))
	assert.Nil(t, ParseRequestBody(http.MethodPost, "application/json", []byte(`{broken`)))

	assert.Equal(t, map[string]any{"a": float64(1)},
		ParseRequestBody(http.MethodPost, "application/json; charset=utf-8", []byte(`{"a":1}`)))

	assert.Equal(t, map[string]any{"a": "1", "b": []string{"x", "y"}},
		ParseRequestBody(http.MethodPut, "application/x-www-form-urlencoded", []byte("a=1&b=x&b=y")))

	assert.Equal(t, "plain words", ParseRequestBody(http.MethodPost, "text/plain", []byte("plain words")))
	assert.Equal(t, "no type", ParseRequestBody(http.MethodPost, "", []byte("no type")))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("widgetId", "w1")
	fw, _ := mw.CreateFormFile("upload", "report.csv")
	fw.Write([]byte("a,b"))
	mw.Close()
	got := ParseRequestBody(http.MethodPost, mw.FormDataContentType(), buf.Bytes())
	assert.Equal(t, map[string]any{"widgetId": "w1", "upload": "report.csv"}, got)

	assert.Nil(t, ParseRequestBody(http.MethodPost, "multipart/form-data; boundary=zzz", []byte("garbage")))
}

func TestMessageClone(t *testing.T) {
	m := &Message{Data: []byte("a"), Ports: []string{"p"}, Origin: "https://x"}
	c := m.Clone()
	c.Data[0] = 'b'
	c.Ports[0] = "q"
	assert.Equal(t, "a", string(m.Data))
	assert.Equal(t, "p", m.Ports[0])
	assert.Equal(t, m.Origin, c.Origin)
}
