package tap

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Transport is the request-function tap: an http.RoundTripper that lets the real call
// proceed and offers matching responses to the registered transforms.
type Transport struct {
	// Base performs the real call; http.DefaultTransport when nil.
	Base http.RoundTripper
	// Origin resolves relative request URLs.
	Origin *url.URL

	logger     *zap.Logger
	transforms chain[Transform]
	installed  atomic.Bool
}

var _ Tap = (*Transport)(nil)

func NewTransport(base http.RoundTripper, logger *zap.Logger) *Transport {
	return &Transport{Base: base, logger: orNop(logger).Named("tap.transport")}
}

func (t *Transport) Install() error {
	t.installed.Store(true)
	return nil
}

func (t *Transport) Uninstall() error {
	t.installed.Store(false)
	return nil
}

func (t *Transport) Intercept(m Matcher, fn Transform) {
	t.transforms.add(m, fn)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base()
	if !t.installed.Load() {
		return base.RoundTrip(req)
	}
	u, err := NormalizeURL(t.Origin, req.URL.String())
	if err != nil {
		return base.RoundTrip(req)
	}
	fn, ok := t.transforms.find(u)
	if !ok {
		return base.RoundTrip(req)
	}

	var body []byte
	out := req
	if req.Body != nil && req.Body != http.NoBody {
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, errors.Wrap(err, "read request body")
		}
		out = req.Clone(req.Context())
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	resp, err := base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))

	plain, decoded, ok := decodeBody(resp.Header, raw)
	if !ok {
		t.logger.Debug("unreadable content encoding, passing through",
			zap.Stringer("url", u), zap.String("encoding", resp.Header.Get("Content-Encoding")))
		return resp, nil
	}
	header := resp.Header.Clone()
	if decoded {
		header.Del("Content-Encoding")
		header.Del("Content-Length")
	}

	call := newCall(req.Method, u, req.Header, body)
	orig := &Response{StatusCode: resp.StatusCode, Header: header, Body: plain}
	next := run[Response](req.Context(), "transport", t.logger, call, orig, fn)
	if next == orig {
		return resp, nil
	}

	resp.StatusCode = next.StatusCode
	resp.Status = fmt.Sprintf("%d %s", next.StatusCode, http.StatusText(next.StatusCode))
	resp.Header = next.Header.Clone()
	resp.Header.Set("Content-Length", strconv.Itoa(len(next.Body)))
	resp.Body = io.NopCloser(bytes.NewReader(next.Body))
	resp.ContentLength = int64(len(next.Body))
	resp.TransferEncoding = nil
	resp.Uncompressed = false
	return resp, nil
}
