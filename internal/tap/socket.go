package tap

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SocketTap is the duplex-socket tap. It relays a page's websocket to the upstream socket,
// forwards page frames verbatim and offers every inbound frame to the transforms. The
// handshake itself is never transformed.
type SocketTap struct {
	upstream *url.URL
	dialer   *websocket.Dialer
	logger   *zap.Logger

	transforms chain[MessageTransform]
	installed  atomic.Bool
	events     atomic.Int64
}

var (
	_ Tap          = (*SocketTap)(nil)
	_ http.Handler = (*SocketTap)(nil)
)

// NewSocketTap relays to upstream, a ws:// or wss:// origin.
func NewSocketTap(upstream *url.URL, logger *zap.Logger) *SocketTap {
	return &SocketTap{
		upstream: upstream,
		dialer:   &websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger:   orNop(logger).Named("tap.socket"),
	}
}

func (s *SocketTap) Install() error {
	s.installed.Store(true)
	return nil
}

func (s *SocketTap) Uninstall() error {
	s.installed.Store(false)
	return nil
}

// Intercept adapts a response transform to socket frames: the frame data is offered as the
// response body and a rewritten body replaces the frame data only.
func (s *SocketTap) Intercept(m Matcher, fn Transform) {
	s.InterceptMessages(m, func(ctx context.Context, call *Call, msg *Message) (*Message, error) {
		orig := &Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: msg.Data}
		out, err := fn(ctx, call, orig)
		if err != nil || out == nil || out == orig {
			return msg, err
		}
		next := msg.Clone()
		next.Data = out.Body
		return next, nil
	})
}

func (s *SocketTap) InterceptMessages(m Matcher, fn MessageTransform) {
	s.transforms.add(m, fn)
}

func (s *SocketTap) target(r *http.Request) *url.URL {
	u := *s.upstream
	u.Path = r.URL.Path
	u.RawQuery = r.URL.RawQuery
	return &u
}

func (s *SocketTap) origin() string {
	o := url.URL{Scheme: "https", Host: s.upstream.Host}
	if s.upstream.Scheme == "ws" {
		o.Scheme = "http"
	}
	return o.String()
}

func (s *SocketTap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := s.target(r)

	header := http.Header{}
	for _, name := range []string{"Cookie", "Authorization", "User-Agent"} {
		if v := r.Header.Get(name); v != "" {
			header.Set(name, v)
		}
	}
	header.Set("Origin", s.origin())
	dialer := *s.dialer
	dialer.Subprotocols = websocket.Subprotocols(r)

	up, _, err := dialer.DialContext(r.Context(), target.String(), header)
	if err != nil {
		s.logger.Warn("dial upstream socket", zap.Stringer("url", target), zap.Error(err))
		http.Error(w, "upstream socket unavailable", http.StatusBadGateway)
		return
	}
	defer up.Close()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	if p := up.Subprotocol(); p != "" {
		upgrader.Subprotocols = []string{p}
	}
	page, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade page socket", zap.Error(err))
		return
	}
	defer page.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	done := make(chan struct{}, 2)
	go func() {
		relay(page, up)
		done <- struct{}{}
	}()
	go func() {
		s.inbound(ctx, target, up, page)
		done <- struct{}{}
	}()
	<-done
}

// relay copies frames from src to dst verbatim until either side closes.
func relay(src, dst *websocket.Conn) {
	for {
		typ, data, err := src.ReadMessage()
		if err != nil {
			forwardClose(dst, err)
			return
		}
		if err := dst.WriteMessage(typ, data); err != nil {
			return
		}
	}
}

func (s *SocketTap) inbound(ctx context.Context, target *url.URL, up, page *websocket.Conn) {
	call := newCall("MESSAGE", target, nil, nil)
	origin := s.origin()
	for {
		typ, data, err := up.ReadMessage()
		if err != nil {
			forwardClose(page, err)
			return
		}
		msg := &Message{
			Type:        typ,
			Data:        data,
			Origin:      origin,
			LastEventID: strconv.FormatInt(s.events.Add(1), 10),
			ReceivedAt:  time.Now(),
		}
		out := s.deliver(ctx, call, msg)
		if err := page.WriteMessage(out.Type, out.Data); err != nil {
			return
		}
	}
}

// Deliver offers msg to the first matching transform. It is what the relay does for every
// inbound frame and is exported for embedding the tap in other relays.
func (s *SocketTap) Deliver(ctx context.Context, call *Call, msg *Message) *Message {
	return s.deliver(ctx, call, msg)
}

func (s *SocketTap) deliver(ctx context.Context, call *Call, msg *Message) *Message {
	if !s.installed.Load() {
		return msg
	}
	fn, ok := s.transforms.find(call.URL)
	if !ok {
		return msg
	}
	return run[Message](ctx, "socket", s.logger, call, msg, fn)
}

func forwardClose(dst *websocket.Conn, err error) {
	code, text := websocket.CloseNormalClosure, ""
	if ce, ok := err.(*websocket.CloseError); ok {
		code, text = ce.Code, ce.Text
	}
	if code == websocket.CloseNoStatusReceived || code == websocket.CloseAbnormalClosure {
		code = websocket.CloseNormalClosure
	}
	_ = dst.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
