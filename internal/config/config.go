// Package config loads cachecored's configuration: an optional YAML file
// merged with CLI flags, in the teacher's Raw-field idiom (human-readable
// strings like "256mb" parsed once at load time into a Raw byte count, so
// the rest of the server never re-parses a size string).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nishisan-dev/cachecored/internal/arena"
	"github.com/nishisan-dev/cachecored/internal/chunkpool"
)

// Config is cachecored's full configuration (spec.md §6 CLI surface,
// supplemented with the ambient logging/admin sections SPEC_FULL.md §2
// adds on top of it).
type Config struct {
	Listen string `yaml:"listen"` // default ":11211"

	// MemoryBudget is the chunk allocator's total size, e.g. "256mb".
	MemoryBudget    string `yaml:"memory_budget"`
	MemoryBudgetRaw int64  `yaml:"-"`

	// IOArenaCap bounds how much memory a single connection's read arena
	// may hold, e.g. "8mb".
	IOArenaCap    string `yaml:"io_arena_cap"`
	IOArenaCapRaw int64  `yaml:"-"`

	ScriptsDir         string `yaml:"scripts_dir"`
	VirtualKeysEnabled bool   `yaml:"virtual_keys_enabled"`

	Cluster ClusterConfig `yaml:"cluster"`
	Logging LoggingInfo   `yaml:"logging"`
	Admin   AdminConfig   `yaml:"admin"`
}

// ClusterConfig configures the peer-fetch client of spec.md §4.9.
type ClusterConfig struct {
	Enabled bool     `yaml:"enabled"`
	Peers   []string `yaml:"peers"` // "host:port" entries this node may fetch from
}

// LoggingInfo mirrors the teacher's logging section.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|text
	File   string `yaml:"file"`   // optional extra log destination
}

// AdminConfig configures the optional loopback HTTP surface
// (internal/adminhttp): /stats and /healthz.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // default "127.0.0.1:11212"
}

// Load reads path if non-empty, merges CLI overrides on top, then
// validates and fills in defaults. Flags with their zero value never
// override a YAML-provided setting.
func Load(path string, flags Flags) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	flags.applyTo(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Flags holds CLI overrides layered on top of an optional YAML file,
// matching spec.md §6's CLI surface one field at a time.
type Flags struct {
	Listen             string
	MemoryBudget       string
	ScriptsDir         string
	VirtualKeysEnabled bool
	ClusterEnabled     bool
	ClusterPeers       string // comma-separated
	IOArenaCap         string
	LogLevel           string
}

func (f Flags) applyTo(cfg *Config) {
	if f.Listen != "" {
		cfg.Listen = f.Listen
	}
	if f.MemoryBudget != "" {
		cfg.MemoryBudget = f.MemoryBudget
	}
	if f.ScriptsDir != "" {
		cfg.ScriptsDir = f.ScriptsDir
	}
	if f.VirtualKeysEnabled {
		cfg.VirtualKeysEnabled = true
	}
	if f.ClusterEnabled {
		cfg.Cluster.Enabled = true
	}
	if f.ClusterPeers != "" {
		cfg.Cluster.Peers = splitAndTrim(f.ClusterPeers)
	}
	if f.IOArenaCap != "" {
		cfg.IOArenaCap = f.IOArenaCap
	}
	if f.LogLevel != "" {
		cfg.Logging.Level = f.LogLevel
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Listen == "" {
		c.Listen = ":11211"
	}

	if c.MemoryBudget == "" {
		c.MemoryBudget = "64mb"
	}
	budget, err := ParseByteSize(c.MemoryBudget)
	if err != nil {
		return fmt.Errorf("memory_budget: %w", err)
	}
	if budget <= 0 {
		return fmt.Errorf("memory_budget must be > 0, got %s", c.MemoryBudget)
	}
	c.MemoryBudgetRaw = budget

	if c.IOArenaCap == "" {
		c.IOArenaCap = "8mb"
	}
	ioCap, err := ParseByteSize(c.IOArenaCap)
	if err != nil {
		return fmt.Errorf("io_arena_cap: %w", err)
	}
	if ioCap <= 0 {
		return fmt.Errorf("io_arena_cap must be > 0, got %s", c.IOArenaCap)
	}
	c.IOArenaCapRaw = ioCap

	if c.Cluster.Enabled && len(c.Cluster.Peers) == 0 {
		return fmt.Errorf("cluster.enabled requires at least one entry in cluster.peers")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Admin.Enabled && c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:11212"
	}

	return nil
}

// ChunkPoolPages converts MemoryBudgetRaw into the page count
// chunkpool.NewPool expects.
func (c *Config) ChunkPoolPages() uint32 {
	pages := c.MemoryBudgetRaw / chunkpool.PageSize
	if pages < 1 {
		pages = 1
	}
	return uint32(pages)
}

// ConnArenaPages converts IOArenaCapRaw into the page count
// netio.Config.ConnArenaPages expects. Uses the same 4 KiB page size as
// the chunk allocator since internal/arena shares that constant.
func (c *Config) ConnArenaPages() int {
	pages := c.IOArenaCapRaw / arena.PageSize
	if pages < 1 {
		pages = 1
	}
	return int(pages)
}

// ParseByteSize converts human-readable sizes like "256mb" or "1gb" into
// bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
