package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.DataDir != dir {
		t.Errorf("expected storage data dir %q, got %q", dir, cfg.Storage.DataDir)
	}
	if cfg.Scheduler.MaxConcurrency != 4 {
		t.Errorf("expected default concurrency 4, got %d", cfg.Scheduler.MaxConcurrency)
	}
	if cfg.GapFill.LookbackBlocks != 600_000 {
		t.Errorf("expected default lookback 600000, got %d", cfg.GapFill.LookbackBlocks)
	}

	if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
		t.Fatalf("expected config file to be written on first load: %v", err)
	}
}

func TestLoadReadsBackSavedOverrides(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}
	cfg.RPC.Endpoint = "https://custom-archival-node.example"
	cfg.Scheduler.MaxConcurrency = 8
	cfg.Dashboard.ListenAddr = "127.0.0.1:8090"
	if err := cfg.Save(Path(dir)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if reloaded.RPC.Endpoint != "https://custom-archival-node.example" {
		t.Errorf("expected overridden endpoint to round-trip, got %q", reloaded.RPC.Endpoint)
	}
	if reloaded.Scheduler.MaxConcurrency != 8 {
		t.Errorf("expected overridden concurrency to round-trip, got %d", reloaded.Scheduler.MaxConcurrency)
	}
	if reloaded.Dashboard.ListenAddr != "127.0.0.1:8090" {
		t.Errorf("expected overridden dashboard listen addr to round-trip, got %q", reloaded.Dashboard.ListenAddr)
	}
}

func TestLoadLeavesDashboardDisabledByDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dashboard.ListenAddr != "" {
		t.Errorf("expected the dashboard event feed disabled by default, got listen addr %q", cfg.Dashboard.ListenAddr)
	}
}

func TestLoadPreservesUnsetFieldsAsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte("rpc:\n  endpoint: https://partial.example\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RPC.Endpoint != "https://partial.example" {
		t.Errorf("expected the one set field to be honored, got %q", cfg.RPC.Endpoint)
	}
	if cfg.Scheduler.PeriodicInterval != 5*time.Minute {
		t.Errorf("expected the unset scheduler fields to keep their defaults, got %v", cfg.Scheduler.PeriodicInterval)
	}
}

func TestExpandPathExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available in this environment")
	}
	got := ExpandPath("~/ledgerd")
	want := filepath.Join(home, "ledgerd")
	if got != want {
		t.Errorf("ExpandPath(~/ledgerd) = %q, want %q", got, want)
	}
}

func TestExpandPathLeavesAbsolutePathsUnchanged(t *testing.T) {
	if got := ExpandPath("/var/lib/ledgerd"); got != "/var/lib/ledgerd" {
		t.Errorf("ExpandPath should not touch an already-absolute path, got %q", got)
	}
}
