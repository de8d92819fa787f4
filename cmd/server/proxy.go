package main

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mirage-mcp-server/internal/engine"
	"mirage-mcp-server/internal/tap"
)

var proxySelect string

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run a reverse proxy in front of the analytics backend that rewrites report calls",
	Long: `proxy forwards every request to proxy.upstream. Report calls are answered with
synthetic data, websocket traffic under /ws/ is relayed with live-stream frames rewritten,
and Prometheus metrics are served on proxy.metrics_listen.`,
	RunE: runProxy,
}

func init() {
	proxyCmd.Flags().StringVar(&proxySelect, "select", "", "Configuration to select at startup")
}

func runProxy(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, _, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	logger, err := newLogger(cfg.Server, false)
	if err != nil {
		return err
	}

	upstream, err := url.Parse(cfg.Proxy.Upstream)
	if err != nil || upstream.Host == "" {
		return errors.Newf("proxy.upstream must be an absolute URL, got %q", cfg.Proxy.Upstream)
	}
	socketUpstream, err := socketOrigin(cfg.Proxy.SocketUpstream, upstream)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()
	if err := rt.preselect(ctx, proxySelect); err != nil {
		return errors.Wrap(err, "select configuration")
	}

	handler, err := newProxyHandler(rt.engine, upstream, socketUpstream, logger)
	if err != nil {
		return err
	}

	metrics := http.NewServeMux()
	metrics.Handle("/metrics", promhttp.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listen(gctx, &http.Server{Addr: cfg.Proxy.Listen, Handler: handler}, logger.Named("proxy"))
	})
	if cfg.Proxy.MetricsListen != "" {
		g.Go(func() error {
			return listen(gctx, &http.Server{Addr: cfg.Proxy.MetricsListen, Handler: metrics}, logger.Named("metrics"))
		})
	}
	logger.Info("proxy started",
		zap.String("listen", cfg.Proxy.Listen),
		zap.Stringer("upstream", upstream),
		zap.Stringer("socket_upstream", socketUpstream))
	return g.Wait()
}

// newProxyHandler wires the request tap into a reverse proxy and the socket tap into the
// websocket relay.
func newProxyHandler(eng *engine.Engine, upstream, socketUpstream *url.URL, logger *zap.Logger) (http.Handler, error) {
	transport := tap.NewTransport(http.DefaultTransport, logger)
	transport.Origin = upstream
	if err := eng.Install(transport); err != nil {
		return nil, errors.Wrap(err, "install request tap")
	}
	socket := tap.NewSocketTap(socketUpstream, logger)
	if err := eng.Install(socket); err != nil {
		return nil, errors.Wrap(err, "install socket tap")
	}

	rp := httputil.NewSingleHostReverseProxy(upstream)
	direct := rp.Director
	rp.Director = func(r *http.Request) {
		direct(r)
		r.Host = upstream.Host
		// identity is derived from the page URL, which must name the real dashboard host
		if ref, err := url.Parse(r.Header.Get("Referer")); err == nil && ref.Host != "" {
			ref.Scheme = upstream.Scheme
			ref.Host = upstream.Host
			r.Header.Set("Referer", ref.String())
		}
	}
	rp.Transport = transport
	rp.ErrorLog = zap.NewStdLog(logger.Named("reverse"))

	mux := http.NewServeMux()
	mux.Handle("/ws/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			socket.ServeHTTP(w, r)
			return
		}
		rp.ServeHTTP(w, r)
	}))
	mux.Handle("/", rp)
	return mux, nil
}

// socketOrigin returns the configured socket origin, or the upstream with its scheme
// switched to ws/wss.
func socketOrigin(raw string, upstream *url.URL) (*url.URL, error) {
	if raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, errors.Newf("proxy.socket_upstream must be an absolute URL, got %q", raw)
		}
		return u, nil
	}
	u := *upstream
	u.Path = ""
	u.RawQuery = ""
	switch upstream.Scheme {
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	return &u, nil
}

// listen serves srv until ctx ends, then shuts it down gracefully.
func listen(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", zap.String("addr", srv.Addr))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return errors.Wrapf(err, "listen on %s", srv.Addr)
	}
}
