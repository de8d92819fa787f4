// Package tap splices into the network primitives an analytics page uses and offers every
// matching call to a transform before the page observes the response.
package tap

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Tap is implemented by every interceptor variant. Install starts intercepting, Uninstall
// restores plain pass-through and the tap stays inert until Install is called again.
type Tap interface {
	Install() error
	Uninstall() error
	Intercept(m Matcher, fn Transform)
}

// Matcher selects the calls a transform is offered.
type Matcher func(*url.URL) bool

// Call is an observed outbound request.
type Call struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	// Parsed is the extracted request body, nil when absent or unparsable.
	Parsed any
}

func newCall(method string, u *url.URL, h http.Header, body []byte) *Call {
	if h == nil {
		h = http.Header{}
	}
	return &Call{
		Method: method,
		URL:    u,
		Header: h.Clone(),
		Body:   body,
		Parsed: ParseRequestBody(method, h.Get("Content-Type"), body),
	}
}

// Response is the real response as the page would see it, with the body already decoded.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Message is one inbound socket frame together with its event envelope.
type Message struct {
	Type        int       `json:"type"`
	Data        []byte    `json:"data"`
	Origin      string    `json:"origin"`
	LastEventID string    `json:"lastEventId"`
	Ports       []string  `json:"ports,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// Clone copies the message so a transform can patch it without touching the original.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Data = append([]byte(nil), m.Data...)
	out.Ports = append([]string(nil), m.Ports...)
	return &out
}

// Transform returns the response the page should observe. Returning resp itself (or nil)
// leaves the call untouched; a returned error falls back to resp.
type Transform func(ctx context.Context, call *Call, resp *Response) (*Response, error)

// MessageTransform is the socket equivalent of Transform.
type MessageTransform func(ctx context.Context, call *Call, msg *Message) (*Message, error)

const (
	outcomePassthrough = "passthrough"
	outcomeRewritten   = "rewritten"
	outcomeError       = "error"
)

var callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mirage",
	Name:      "tap_calls_total",
	Help:      "Intercepted calls by tap and outcome.",
}, []string{"tap", "outcome"})

type entry[F any] struct {
	match Matcher
	fn    F
}

// chain holds transforms in registration order; the first match wins.
type chain[F any] struct {
	mu      sync.RWMutex
	entries []entry[F]
}

func (c *chain[F]) add(m Matcher, fn F) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry[F]{match: m, fn: fn})
}

func (c *chain[F]) find(u *url.URL) (F, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.match == nil || e.match(u) {
			return e.fn, true
		}
	}
	var zero F
	return zero, false
}

// run invokes fn and never lets its failure reach the page: errors and panics are logged and
// the original value is returned.
func run[T any](ctx context.Context, tap string, logger *zap.Logger, call *Call, orig *T,
	fn func(context.Context, *Call, *T) (*T, error)) (out *T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("transform panicked",
				zap.String("tap", tap),
				zap.Stringer("url", call.URL),
				zap.String("panic", fmt.Sprint(r)))
			callsTotal.WithLabelValues(tap, outcomeError).Inc()
			out = orig
		}
	}()

	next, err := fn(ctx, call, orig)
	switch {
	case err != nil:
		logger.Warn("transform failed, passing original through",
			zap.String("tap", tap),
			zap.Stringer("url", call.URL),
			zap.Error(err))
		callsTotal.WithLabelValues(tap, outcomeError).Inc()
		return orig
	case next == nil || next == orig:
		callsTotal.WithLabelValues(tap, outcomePassthrough).Inc()
		return orig
	default:
		callsTotal.WithLabelValues(tap, outcomeRewritten).Inc()
		return next
	}
}

func orNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
