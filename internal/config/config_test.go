package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithNoFileOrFlags(t *testing.T) {
	cfg, err := Load("", Flags{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":11211" {
		t.Errorf("Listen = %q, want :11211", cfg.Listen)
	}
	if cfg.MemoryBudgetRaw != 64*1024*1024 {
		t.Errorf("MemoryBudgetRaw = %d, want 64mb", cfg.MemoryBudgetRaw)
	}
	if cfg.IOArenaCapRaw != 8*1024*1024 {
		t.Errorf("IOArenaCapRaw = %d, want 8mb", cfg.IOArenaCapRaw)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging defaults = %+v", cfg.Logging)
	}
	if cfg.Cluster.Enabled {
		t.Errorf("cluster should default to disabled")
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cachecored.yaml")
	body := "listen: \":9000\"\nmemory_budget: \"128mb\"\ncluster:\n  enabled: true\n  peers: [\"10.0.0.1:11211\"]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path, Flags{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.MemoryBudgetRaw != 128*1024*1024 {
		t.Errorf("MemoryBudgetRaw = %d", cfg.MemoryBudgetRaw)
	}
	if !cfg.Cluster.Enabled || len(cfg.Cluster.Peers) != 1 || cfg.Cluster.Peers[0] != "10.0.0.1:11211" {
		t.Errorf("Cluster = %+v", cfg.Cluster)
	}
}

func TestFlagsOverrideYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cachecored.yaml")
	if err := os.WriteFile(path, []byte("listen: \":9000\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path, Flags{Listen: ":7000", ClusterEnabled: true, ClusterPeers: "a:1,b:2"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":7000" {
		t.Errorf("Listen = %q, want flag override", cfg.Listen)
	}
	if !cfg.Cluster.Enabled || len(cfg.Cluster.Peers) != 2 {
		t.Errorf("Cluster = %+v", cfg.Cluster)
	}
}

func TestClusterEnabledRequiresPeers(t *testing.T) {
	if _, err := Load("", Flags{ClusterEnabled: true}); err == nil {
		t.Fatal("expected validation error for cluster enabled with no peers")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"1b":   1,
		"10kb": 10 * 1024,
		"4mb":  4 * 1024 * 1024,
		"2gb":  2 * 1024 * 1024 * 1024,
		"512":  512,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}

	if _, err := ParseByteSize("not-a-size"); err == nil {
		t.Error("expected error for malformed size")
	}
}

func TestChunkPoolPagesAndConnArenaPages(t *testing.T) {
	cfg, err := Load("", Flags{MemoryBudget: "16mb", IOArenaCap: "4096"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.ChunkPoolPages(); got != 4096 {
		t.Errorf("ChunkPoolPages() = %d, want 4096", got)
	}
	if got := cfg.ConnArenaPages(); got != 1 {
		t.Errorf("ConnArenaPages() = %d, want 1", got)
	}
}
