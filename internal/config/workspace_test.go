package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeWorkspace(t *testing.T, root, content string) {
	t.Helper()
	wsDir := filepath.Join(root, WorkspaceDirName)
	if err := os.MkdirAll(wsDir, 0755); err != nil {
		t.Fatalf("failed to create workspace dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wsDir, WorkspaceConfigFile), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write workspace config: %v", err)
	}
}

func TestDiscoverWorkspace_WalkUp(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, "server:\n  name: test\n")

	nested := filepath.Join(tmpDir, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("failed to create nested dirs: %v", err)
	}

	result, err := DiscoverWorkspace(nested)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != tmpDir {
		t.Errorf("expected %q, got %q", tmpDir, result)
	}
}

func TestDiscoverWorkspace_NotFound(t *testing.T) {
	result, err := DiscoverWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "" {
		t.Errorf("expected empty string, got %q", result)
	}
}

func TestLoadWithWorkspace_WorkspaceOverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, `
synth:
  default_preset: spike
store:
  path: data/demo.yaml
`)

	cfg, resultDir, err := LoadWithWorkspace("", WorkspaceOptions{ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resultDir != tmpDir {
		t.Errorf("expected workspace dir %q, got %q", tmpDir, resultDir)
	}
	if cfg.Synth.DefaultPreset != "spike" {
		t.Errorf("expected preset from workspace, got %q", cfg.Synth.DefaultPreset)
	}
	if want := filepath.Join(tmpDir, "data", "demo.yaml"); cfg.Store.Path != want {
		t.Errorf("expected store path %q, got %q", want, cfg.Store.Path)
	}
	if cfg.Server.Name != "mirage-mcp" {
		t.Errorf("expected default server name, got %q", cfg.Server.Name)
	}
}

func TestLoadWithWorkspace_ExplicitOverridesWorkspace(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, "proxy:\n  upstream: https://ws.example.com\n")

	explicitPath := filepath.Join(tmpDir, "explicit.yaml")
	if err := os.WriteFile(explicitPath, []byte("proxy:\n  upstream: https://explicit.example.com\n"), 0644); err != nil {
		t.Fatalf("failed to write explicit config: %v", err)
	}
	os.Unsetenv(EnvUpstream)

	cfg, _, err := LoadWithWorkspace(explicitPath, WorkspaceOptions{ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Proxy.Upstream != "https://explicit.example.com" {
		t.Errorf("expected explicit upstream to win, got %q", cfg.Proxy.Upstream)
	}
}

func TestLoadWithWorkspace_Disabled(t *testing.T) {
	tmpDir := t.TempDir()
	writeWorkspace(t, tmpDir, "synth:\n  default_preset: flat\n")

	cfg, resultDir, err := LoadWithWorkspace("", WorkspaceOptions{Disable: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resultDir != "" {
		t.Errorf("expected empty workspace dir with Disable, got %q", resultDir)
	}
	if cfg.Synth.DefaultPreset != "random" {
		t.Errorf("expected default preset when workspace disabled, got %q", cfg.Synth.DefaultPreset)
	}
}

func TestResolveWorkspacePaths(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := Config{
		Server:    ServerConfig{LogFile: "mirage.log"},
		Lifecycle: LifecycleConfig{SchemaPath: filepath.Join("schemas", "lifecycle.mg")},
		Recorder:  RecorderConfig{Dir: "/var/mirage/traces"},
		Store:     StoreConfig{Kind: "file", Path: "data/c.yaml"},
	}

	resolved := resolveWorkspacePaths(cfg, tmpDir)

	if want := filepath.Join(tmpDir, "mirage.log"); resolved.Server.LogFile != want {
		t.Errorf("expected log file %q, got %q", want, resolved.Server.LogFile)
	}
	if want := filepath.Join(tmpDir, "schemas", "lifecycle.mg"); resolved.Lifecycle.SchemaPath != want {
		t.Errorf("expected schema path %q, got %q", want, resolved.Lifecycle.SchemaPath)
	}
	if resolved.Recorder.Dir != "/var/mirage/traces" {
		t.Errorf("absolute recorder dir should be untouched, got %q", resolved.Recorder.Dir)
	}
}

func TestInitWorkspace(t *testing.T) {
	tmpDir := t.TempDir()

	if err := InitWorkspace(tmpDir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, p := range []string{"schemas", "data"} {
		if info, err := os.Stat(filepath.Join(tmpDir, WorkspaceDirName, p)); err != nil || !info.IsDir() {
			t.Errorf("expected directory %q: %v", p, err)
		}
	}
	if data, err := os.ReadFile(filepath.Join(tmpDir, WorkspaceDirName, ".gitignore")); err != nil || len(data) == 0 {
		t.Errorf("expected non-empty .gitignore: %v", err)
	}

	if err := InitWorkspace(tmpDir); err == nil {
		t.Error("expected error when workspace already exists")
	}
}
