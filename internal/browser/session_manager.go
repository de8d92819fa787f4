// Package browser drives the Chrome instance the demo runs in. Every page it opens gets a
// request tap wired to the interception engine, and top-frame navigations start a new page
// load on the engine.
package browser

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mirage-mcp-server/internal/config"
	"mirage-mcp-server/internal/mangle"
	"mirage-mcp-server/internal/routes"
	"mirage-mcp-server/internal/session"
	"mirage-mcp-server/internal/tap"
)

// identityGrace is how long a loaded page may wait for the bootstrap call before its URL
// alone is taken as the identity.
var identityGrace = 2 * time.Second

// Session describes the public metadata for a tracked browser context.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	Intercept  bool      `json:"intercept"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta Session
	page *rod.Page
	tap  *tap.PageTap
	stop context.CancelFunc
}

// Interceptor is the part of the engine a browser page needs. *engine.Engine satisfies it.
type Interceptor interface {
	Install(t tap.Tap) error
	Reset()
	Session() *session.Session
}

// FactSink receives navigation facts.
type FactSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// SessionManager owns the detached Chrome instance and tracks active sessions.
type SessionManager struct {
	cfg         config.BrowserConfig
	interceptor Interceptor
	facts       FactSink
	logger      *zap.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	sessions   map[string]*sessionRecord
	controlURL string
}

// NewSessionManager wires pages to interceptor. facts may be nil.
func NewSessionManager(cfg config.BrowserConfig, interceptor Interceptor, facts FactSink, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		cfg:         cfg,
		interceptor: interceptor,
		facts:       facts,
		logger:      logger.Named("browser"),
		sessions:    make(map[string]*sessionRecord),
	}
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (m *SessionManager) Start(ctx context.Context) error {
	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.logger.Warn("stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		m.mu.Lock()
		m.sessions = make(map[string]*sessionRecord)
		m.mu.Unlock()
	}

	if err := m.loadSessions(); err != nil {
		return errors.Wrap(err, "load sessions")
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
		for _, rawFlag := range m.cfg.Launch[1:] {
			name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		u, err := launch.Launch()
		if err != nil {
			// Let Rod pick the port and defaults.
			alt, altErr := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless()).Launch()
			if altErr != nil {
				return errors.Wrapf(err, "launch chrome (fallback: %v)", altErr)
			}
			u = alt
		}
		controlURL = u
	}
	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return errors.Wrap(err, "connect to chrome")
	}

	m.mu.Lock()
	m.browser = browser
	m.controlURL = controlURL
	m.mu.Unlock()
	m.logger.Info("browser connected", zap.String("control_url", controlURL))
	return nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown removes every tap, closes tracked pages and the underlying browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.sessions {
		rec.close()
		delete(m.sessions, id)
	}

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	m.logger.Info("browser shutdown complete")
	return err
}

func (r *sessionRecord) close() {
	if r.stop != nil {
		r.stop()
	}
	if r.tap != nil {
		_ = r.tap.Uninstall()
	}
	if r.page != nil {
		_ = r.page.Close()
	}
}

// List returns lightweight metadata for all known sessions.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec.meta)
	}
	return out
}

// CreateSession opens a new page in an incognito context, installs the request tap and
// then navigates, so the very first fetches of the dashboard are already intercepted.
func (m *SessionManager) CreateSession(ctx context.Context, rawURL string) (*Session, error) {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, errors.New("browser not connected")
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, errors.Wrap(err, "incognito context")
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, errors.Wrap(err, "create page")
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		m.logger.Warn("set viewport", zap.Error(err))
	}

	meta, err := m.track(ctx, page, "active")
	if err != nil {
		_ = page.Close()
		return nil, err
	}
	if rawURL != "" {
		if err := m.Navigate(ctx, meta.ID, rawURL); err != nil {
			m.logger.Warn("initial navigation", zap.String("url", rawURL), zap.Error(err))
		}
	}
	out, _ := m.GetSession(meta.ID)
	return &out, nil
}

// Attach binds to an existing target by TargetID and intercepts it from now on.
func (m *SessionManager) Attach(ctx context.Context, targetID string) (*Session, error) {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, errors.New("browser not connected")
	}

	page, err := browser.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, errors.Wrapf(err, "attach to target %s", targetID)
	}
	meta, err := m.track(ctx, page, "attached")
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (m *SessionManager) track(ctx context.Context, page *rod.Page, status string) (Session, error) {
	now := time.Now()
	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   string(page.TargetID),
		Status:     status,
		CreatedAt:  now,
		LastActive: now,
	}

	rec := &sessionRecord{meta: meta, page: page}
	if m.interceptor != nil {
		pt := tap.NewPageTap(page, m.logger)
		pt.SetConditionTarget(tap.Matcher(routes.Matcher()))
		if err := m.interceptor.Install(pt); err != nil {
			return Session{}, errors.Wrap(err, "install page tap")
		}
		rec.tap = pt
		rec.meta.Intercept = true
		meta.Intercept = true
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rec.stop = cancel

	m.mu.Lock()
	m.sessions[meta.ID] = rec
	m.mu.Unlock()

	m.startEventStream(streamCtx, meta.ID, page)
	if err := m.persistSessions(); err != nil {
		m.logger.Warn("persist sessions", zap.Error(err))
	}
	return meta, nil
}

// Navigate loads rawURL in the session's page and waits for the load event.
func (m *SessionManager) Navigate(ctx context.Context, sessionID, rawURL string) error {
	page, ok := m.Page(sessionID)
	if !ok || page == nil {
		return errors.Newf("unknown session: %s", sessionID)
	}
	p := page.Context(ctx).Timeout(m.cfg.NavigationTimeout())
	if err := p.Navigate(rawURL); err != nil {
		return errors.Wrapf(err, "navigate to %s", rawURL)
	}
	if err := p.WaitLoad(); err != nil {
		return errors.Wrap(err, "wait for load")
	}
	return nil
}

// Reload reloads the session's page, which starts a fresh page load on the engine.
func (m *SessionManager) Reload(ctx context.Context, sessionID string) error {
	page, ok := m.Page(sessionID)
	if !ok || page == nil {
		return errors.Newf("unknown session: %s", sessionID)
	}
	p := page.Context(ctx).Timeout(m.cfg.NavigationTimeout())
	if err := p.Reload(); err != nil {
		return errors.Wrap(err, "reload")
	}
	return errors.Wrap(p.WaitLoad(), "wait for load")
}

// SetIntercept installs or removes the session's request tap.
func (m *SessionManager) SetIntercept(sessionID string, on bool) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok || rec.tap == nil {
		return errors.Newf("no tap for session: %s", sessionID)
	}
	var err error
	if on {
		err = rec.tap.Install()
	} else {
		err = rec.tap.Uninstall()
	}
	if err != nil {
		return err
	}
	m.UpdateMetadata(sessionID, func(s Session) Session {
		s.Intercept = on
		return s
	})
	return nil
}

// Close removes the tap of one session and closes its page.
func (m *SessionManager) Close(sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return errors.Newf("unknown session: %s", sessionID)
	}
	rec.close()
	return m.persistSessions()
}

// Page returns the underlying Rod page for a session when present.
func (m *SessionManager) Page(sessionID string) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return rec.page, true
}

// UpdateMetadata lets callers refresh metadata after navigation.
func (m *SessionManager) UpdateMetadata(sessionID string, updater func(Session) Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.meta = updater(rec.meta)
}

func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// Screenshot captures the visible viewport as PNG.
func (m *SessionManager) Screenshot(ctx context.Context, sessionID string) ([]byte, error) {
	page, ok := m.Page(sessionID)
	if !ok || page == nil {
		return nil, errors.Newf("unknown session: %s", sessionID)
	}
	data, err := page.Context(ctx).Screenshot(false, nil)
	return data, errors.Wrap(err, "screenshot")
}

// startEventStream follows top-frame navigations and load events of page until ctx ends.
func (m *SessionManager) startEventStream(ctx context.Context, sessionID string, page *rod.Page) {
	go page.Context(ctx).EachEvent(
		func(ev *proto.PageFrameNavigated) {
			if ev.Frame == nil || ev.Frame.ParentID != "" {
				return
			}
			m.onNavigate(ctx, sessionID, ev.Frame.URL)
		},
		func(ev *proto.PageLoadEventFired) {
			go m.onLoad(ctx, sessionID)
		},
	)()
}

// onNavigate starts a new page load: every waiter of the previous one is released and the
// engine forgets per-load state before the new document issues its first request.
func (m *SessionManager) onNavigate(ctx context.Context, sessionID, rawURL string) {
	now := time.Now()
	if m.interceptor != nil {
		m.interceptor.Reset()
		if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
			m.interceptor.Session().SetPageURL(u)
		}
	}
	m.UpdateMetadata(sessionID, func(s Session) Session {
		s.URL = rawURL
		s.LastActive = now
		return s
	})
	m.logger.Debug("top frame navigated", zap.String("session", sessionID), zap.String("url", rawURL))

	if m.facts == nil {
		return
	}
	facts := []mangle.Fact{
		{Predicate: "page_navigated", Args: []interface{}{sessionID, rawURL, now.UnixMilli()}, Timestamp: now},
		{Predicate: "current_url", Args: []interface{}{sessionID, rawURL}, Timestamp: now},
	}
	if err := m.facts.AddFacts(ctx, facts); err != nil {
		m.logger.Warn("navigation facts", zap.String("session", sessionID), zap.Error(err))
	}
}

// onLoad falls back to the page URL as identity when no bootstrap call resolved it.
func (m *SessionManager) onLoad(ctx context.Context, sessionID string) {
	if m.interceptor == nil {
		return
	}
	sess := m.interceptor.Session()
	gen := sess.Generation()
	timer := time.NewTimer(identityGrace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if sess.Generation() != gen {
		return
	}
	if _, ok := sess.Identity(); ok {
		return
	}
	if sess.ResolveIdentity(session.IdentityFromURL(sess.PageURL())) {
		m.logger.Info("identity resolved from page url", zap.String("session", sessionID))
	}
}

// persistSessions writes session metadata to disk for continuity across restarts.
func (m *SessionManager) persistSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	m.mu.RLock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		sessions = append(sessions, rec.meta)
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.SessionStore), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.cfg.SessionStore, data, 0o644)
}

// loadSessions loads persisted metadata (does not auto-attach to pages).
func (m *SessionManager) loadSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	data, err := os.ReadFile(m.cfg.SessionStore)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var sessions []Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		// A caller can use attach to bind a detached session to a live target again.
		s.Status = "detached"
		s.Intercept = false
		m.sessions[s.ID] = &sessionRecord{meta: s}
	}
	return nil
}
