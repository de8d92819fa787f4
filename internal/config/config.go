package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level mirage config.
	WorkspaceDirName = ".mirage"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// Environment variables that override file configuration. Secrets belong here, not in YAML.
const (
	EnvUpstream    = "MIRAGE_UPSTREAM"
	EnvStoreURL    = "MIRAGE_STORE_URL"
	EnvStoreToken  = "MIRAGE_STORE_TOKEN"
	EnvDebuggerURL = "MIRAGE_DEBUGGER_URL"
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the mirage server and proxy.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Browser   BrowserConfig   `yaml:"browser"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	MCP       MCPConfig       `yaml:"mcp"`
	Synth     SynthConfig     `yaml:"synth"`
	Store     StoreConfig     `yaml:"store"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Recorder  RecorderConfig  `yaml:"recorder"`
}

type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome in detached mode (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the server launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: false, demos are watched).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Optional path to persist session metadata between server restarts.
	SessionStore string `yaml:"session_store"`
	// Viewport width for new sessions (default: 1920).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new sessions (default: 1080).
	ViewportHeight int `yaml:"viewport_height"`
}

// ProxyConfig configures the reverse-proxy deployment (mirage proxy).
type ProxyConfig struct {
	Listen string `yaml:"listen"`
	// Upstream is the real analytics backend origin (e.g., https://acme.analytics.example.com).
	Upstream string `yaml:"upstream"`
	// SocketUpstream overrides the websocket origin; derived from Upstream when empty.
	SocketUpstream string `yaml:"socket_upstream"`
	MetricsListen  string `yaml:"metrics_listen"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// SynthConfig holds the value-generation defaults applied to freshly created widgets and drill levels.
type SynthConfig struct {
	Seed          int64   `yaml:"seed"`
	DefaultMin    float64 `yaml:"default_min"`
	DefaultMax    float64 `yaml:"default_max"`
	DefaultPreset string  `yaml:"default_preset"`
}

// StoreConfig selects where configurations and dashboard records live.
type StoreConfig struct {
	// Kind is "file" or "remote".
	Kind  string `yaml:"kind"`
	Path  string `yaml:"path"`
	URL   string `yaml:"url"`
	Token string `yaml:"-"`
	// WritesPerSecond bounds pushes to the remote store.
	WritesPerSecond float64 `yaml:"writes_per_second"`
	Timeout         string  `yaml:"timeout"`
}

// LifecycleConfig controls the embedded Mangle fact store for lifecycle notifications.
type LifecycleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

type RecorderConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
}

// DefaultConfig provides reasonable defaults for local demos.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "mirage-mcp",
			Version:  "0.3.0",
			LogFile:  "mirage.log",
			LogLevel: "info",
		},
		Browser: BrowserConfig{
			AutoStart:                false,
			DefaultNavigationTimeout: "15s",
			SessionStore:             "sessions.json",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Proxy: ProxyConfig{
			Listen:        ":8088",
			MetricsListen: ":9108",
		},
		Synth: SynthConfig{
			Seed:          0,
			DefaultMin:    10,
			DefaultMax:    500,
			DefaultPreset: "random",
		},
		Store: StoreConfig{
			Kind:            "file",
			Path:            "data/configurations.yaml",
			WritesPerSecond: 5,
			Timeout:         "10s",
		},
		Lifecycle: LifecycleConfig{
			Enable:          true,
			SchemaPath:      "schemas/lifecycle.mg",
			FactBufferLimit: 4096,
		},
		Recorder: RecorderConfig{
			Enable: true,
			Dir:    "data/traces",
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .mirage/config.yaml file.
// Returns the workspace root directory (parent of .mirage/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .mirage/config.yaml <- explicit --config <- environment
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	envFile := ""
	if wsDir != "" {
		envFile = filepath.Join(wsDir, WorkspaceDirName, ".env")
	}
	if err := ApplyEnv(&cfg, envFile); err != nil {
		return cfg, wsDir, err
	}

	return cfg, wsDir, cfg.Validate()
}

// ApplyEnv loads an optional .env file (missing files are ignored) and overlays
// MIRAGE_* variables onto cfg. Variables already set in the process win over the file.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("loading env file %s: %w", envFile, err)
			}
		}
	}

	if v := strings.TrimSpace(os.Getenv(EnvUpstream)); v != "" {
		cfg.Proxy.Upstream = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStoreURL)); v != "" {
		cfg.Store.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStoreToken)); v != "" {
		cfg.Store.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDebuggerURL)); v != "" {
		cfg.Browser.DebuggerURL = v
	}
	return nil
}

// InitWorkspace creates a .mirage/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "schemas"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# mirage project-level configuration
# Values here override defaults but are overridden by --config and MIRAGE_* variables.

# proxy:
#   listen: ":8088"
#   upstream: "https://acme.analytics.example.com"

# store:
#   kind: file
#   path: ".mirage/data/configurations.yaml"

# synth:
#   default_min: 10
#   default_max: 500
#   default_preset: linear
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (traces, sessions, tokens) - do not version control\ndata/\n.env\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Browser.SessionStore = resolve(cfg.Browser.SessionStore)
	cfg.Lifecycle.SchemaPath = resolve(cfg.Lifecycle.SchemaPath)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	if cfg.Store.Kind != "remote" {
		cfg.Store.Path = resolve(cfg.Store.Path)
	}
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	switch c.Store.Kind {
	case "file":
		if c.Store.Path == "" {
			return errors.New("store.path is required for the file store")
		}
	case "remote":
		if c.Store.URL == "" {
			return errors.New("store.url is required for the remote store")
		}
	default:
		return fmt.Errorf("store.kind must be file or remote, got %q", c.Store.Kind)
	}
	if c.Synth.DefaultMax < c.Synth.DefaultMin {
		return errors.New("synth.default_max must not be below synth.default_min")
	}
	return nil
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	if b.DefaultNavigationTimeout == "" {
		return 15 * time.Second
	}
	d, err := time.ParseDuration(b.DefaultNavigationTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// IsHeadless returns whether Chrome should run in headless mode (default: false).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return false
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// GetTimeout returns the parsed remote store timeout with a sane default.
func (s StoreConfig) GetTimeout() time.Duration {
	if s.Timeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// SocketOrigin returns the websocket upstream, deriving ws(s):// from the HTTP upstream.
func (p ProxyConfig) SocketOrigin() string {
	if p.SocketUpstream != "" {
		return p.SocketUpstream
	}
	switch {
	case strings.HasPrefix(p.Upstream, "https://"):
		return "wss://" + strings.TrimPrefix(p.Upstream, "https://")
	case strings.HasPrefix(p.Upstream, "http://"):
		return "ws://" + strings.TrimPrefix(p.Upstream, "http://")
	}
	return p.Upstream
}
