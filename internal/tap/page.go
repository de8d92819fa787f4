package tap

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// PageTap is the request-object tap: it hijacks a live Chrome page's fetches through the
// DevTools Fetch domain. Only URLs passing the condition target have their response body
// loaded; everything else continues untouched inside the browser.
type PageTap struct {
	page   *rod.Page
	client *http.Client
	logger *zap.Logger

	transforms chain[Transform]

	mu        sync.Mutex
	condition Matcher
	router    *rod.HijackRouter
}

var _ Tap = (*PageTap)(nil)

func NewPageTap(page *rod.Page, logger *zap.Logger) *PageTap {
	return &PageTap{
		page:   page,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: orNop(logger).Named("tap.page"),
	}
}

// SetConditionTarget restricts monitoring to URLs passing fn. A nil fn monitors every URL
// that some transform matches.
func (p *PageTap) SetConditionTarget(fn Matcher) {
	p.mu.Lock()
	p.condition = fn
	p.mu.Unlock()
}

func (p *PageTap) Intercept(m Matcher, fn Transform) {
	p.transforms.add(m, fn)
}

func (p *PageTap) Install() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.router != nil {
		return nil
	}
	router := p.page.HijackRequests()
	if err := router.Add("*", "", p.handle); err != nil {
		return errors.Wrap(err, "add hijack route")
	}
	go router.Run()
	p.router = router
	return nil
}

func (p *PageTap) Uninstall() error {
	p.mu.Lock()
	router := p.router
	p.router = nil
	p.mu.Unlock()
	if router == nil {
		return nil
	}
	return errors.Wrap(router.Stop(), "stop hijack router")
}

func (p *PageTap) monitored(call *rod.Hijack) (Transform, bool) {
	u := call.Request.URL()
	p.mu.Lock()
	cond := p.condition
	p.mu.Unlock()
	if cond != nil && !cond(u) {
		return nil, false
	}
	return p.transforms.find(u)
}

func (p *PageTap) handle(h *rod.Hijack) {
	fn, ok := p.monitored(h)
	if !ok {
		h.ContinueRequest(&proto.FetchContinueRequest{})
		return
	}

	if err := h.LoadResponse(p.client, true); err != nil {
		p.logger.Warn("load response failed, continuing in browser",
			zap.Stringer("url", h.Request.URL()), zap.Error(err))
		h.ContinueRequest(&proto.FetchContinueRequest{})
		return
	}

	payload := h.Response.Payload()
	header := h.Response.Headers().Clone()
	plain, decoded, ok := decodeBody(header, payload.Body)
	if !ok {
		return
	}
	if decoded {
		header.Del("Content-Encoding")
		header.Del("Content-Length")
	}

	call := newCall(h.Request.Method(), h.Request.URL(), h.Request.Req().Header, []byte(h.Request.Body()))
	orig := &Response{StatusCode: payload.ResponseCode, Header: header, Body: plain}
	next := run[Response](context.Background(), "page", p.logger, call, orig, fn)
	if next == orig {
		return
	}

	payload.ResponseCode = next.StatusCode
	payload.ResponseHeaders = headerEntries(next.Header)
	h.Response.SetBody(next.Body)
}

func headerEntries(h http.Header) []*proto.FetchHeaderEntry {
	out := make([]*proto.FetchHeaderEntry, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, &proto.FetchHeaderEntry{Name: name, Value: v})
		}
	}
	return out
}
