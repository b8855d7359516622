package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestra.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address: %q", cfg.Server.Address)
	}
	if cfg.Auth.Mode != "disabled" {
		t.Fatalf("unexpected auth mode: %q", cfg.Auth.Mode)
	}
	if cfg.ContextStore.Driver != "memory" || cfg.WorkflowStore.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("unexpected drivers: %q/%q/%q", cfg.ContextStore.Driver, cfg.WorkflowStore.Driver, cfg.Queue.Driver)
	}
	if cfg.WorkflowStore.MaxRetries != 3 {
		t.Fatalf("unexpected max retries: %d", cfg.WorkflowStore.MaxRetries)
	}
	if cfg.Queue.Buffer != 1024 || cfg.Queue.Workers != 4 {
		t.Fatalf("unexpected queue defaults: %d/%d", cfg.Queue.Buffer, cfg.Queue.Workers)
	}
	if cfg.Engine.MaxParallel != 4 || cfg.Engine.ChainVisibility != "visible" {
		t.Fatalf("unexpected engine defaults: %d/%q", cfg.Engine.MaxParallel, cfg.Engine.ChainVisibility)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("unexpected data dir: %q", cfg.Runtime.DataDir)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestra.json")
	raw := `{
  "logging": {
    "output_paths": ["stdout", "logs/orchestra.log"],
    "audit": {"enabled": true, "path": "logs/audit.log"}
  },
  "plugins": {"enabled": true, "config": "plugins.yaml"},
  "seeds": {"library": "seeds.json"},
  "runtime": {"data_dir": "/var/lib/orchestra"}
}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Logging.OutputPaths[0] != "stdout" {
		t.Fatalf("stdout 不应被改写: %q", cfg.Logging.OutputPaths[0])
	}
	if cfg.Logging.OutputPaths[1] != filepath.Join(dir, "logs", "orchestra.log") {
		t.Fatalf("unexpected log path: %q", cfg.Logging.OutputPaths[1])
	}
	if cfg.Logging.Audit.Path != filepath.Join(dir, "logs", "audit.log") {
		t.Fatalf("unexpected audit path: %q", cfg.Logging.Audit.Path)
	}
	if cfg.Plugins.Config != filepath.Join(dir, "plugins.yaml") {
		t.Fatalf("unexpected plugin config path: %q", cfg.Plugins.Config)
	}
	if cfg.Seeds.Library != filepath.Join(dir, "seeds.json") {
		t.Fatalf("unexpected seed library path: %q", cfg.Seeds.Library)
	}
	if cfg.Runtime.DataDir != "/var/lib/orchestra" {
		t.Fatalf("绝对路径不应被改写: %q", cfg.Runtime.DataDir)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
