// Package main is the cachecored process entrypoint: flag parsing, optional
// YAML config merge, signal handling and wiring of every subsystem
// (chunkpool, cluster client, runtime, core, netio, housekeeping, and the
// optional admin HTTP surface). Mirrors the teacher's
// cmd/nbackup-server/main.go shape: flags → config.Load → logger →
// signal-driven context cancellation → Run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/cachecored/internal/adminhttp"
	"github.com/nishisan-dev/cachecored/internal/arena"
	"github.com/nishisan-dev/cachecored/internal/chunkpool"
	"github.com/nishisan-dev/cachecored/internal/cluster"
	"github.com/nishisan-dev/cachecored/internal/config"
	"github.com/nishisan-dev/cachecored/internal/core"
	"github.com/nishisan-dev/cachecored/internal/housekeeping"
	"github.com/nishisan-dev/cachecored/internal/logging"
	"github.com/nishisan-dev/cachecored/internal/netio"
	"github.com/nishisan-dev/cachecored/internal/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	listen := flag.String("listen", "", "client-facing listen address, e.g. :11211")
	memoryBudget := flag.String("memory-budget", "", "chunk allocator size, e.g. 256mb")
	scriptsDir := flag.String("scripts-dir", "", "directory of virtual-key scripts")
	virtualKeys := flag.Bool("virtual-keys", false, "enable virtual-key scripting")
	clusterEnabled := flag.Bool("cluster", false, "enable the cluster client")
	clusterPeers := flag.String("cluster-peers", "", "comma-separated host:port peer list")
	ioArenaCap := flag.String("io-arena-cap", "", "per-connection read arena cap, e.g. 8mb")
	logLevel := flag.String("log-level", "", "debug|info|warn|error")
	flag.Parse()

	cfg, err := config.Load(*configPath, config.Flags{
		Listen:             *listen,
		MemoryBudget:       *memoryBudget,
		ScriptsDir:         *scriptsDir,
		VirtualKeysEnabled: *virtualKeys,
		ClusterEnabled:     *clusterEnabled,
		ClusterPeers:       *clusterPeers,
		IOArenaCap:         *ioArenaCap,
		LogLevel:           *logLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool := chunkpool.NewPool(cfg.ChunkPoolPages(), logger)

	// A cluster.Client is always constructed: even with cluster mode
	// disabled it simply never receives a Get call, keeping the wiring
	// uniform with the enabled path.
	clusterClient := cluster.NewClient(nil, 2*time.Second, logger)
	defer clusterClient.Close()
	if cfg.Cluster.Enabled {
		logger.Info("cluster client enabled", "peers", cfg.Cluster.Peers)
	}

	// The virtual-key scripting runtime is an external collaborator per
	// spec.md §6 Runtime boundary; no script engine is wired into this
	// build, so the server always runs the base wire protocol directly.
	if cfg.VirtualKeysEnabled {
		logger.Warn("virtual_keys_enabled is set but no scripting runtime is wired into this build; serving the base protocol directly", "scripts_dir", cfg.ScriptsDir)
	}
	rt := runtime.NewDirectRuntime()

	clock := func() int64 { return time.Now().Unix() }
	c := core.New(pool, clusterClient, rt, clock, logger)
	go c.Run(ctx)

	hk, err := housekeeping.New(c, logger)
	if err != nil {
		return fmt.Errorf("building housekeeper: %w", err)
	}
	hk.Start()
	defer hk.Stop(context.Background())

	if cfg.Admin.Enabled {
		go func() {
			router := adminhttp.NewRouter(c, hk)
			if err := adminhttp.Serve(ctx, cfg.Admin.Listen, router, logger); err != nil {
				logger.Error("adminhttp server error", "error", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	defer ln.Close()

	srv := netio.NewServer(c, arena.NewPageCache(64), netio.Config{
		ConnArenaPages:     cfg.ConnArenaPages(),
		ReadBytesPerSecond: int(cfg.IOArenaCapRaw),
	}, logger)

	logger.Info("cachecored listening", "address", cfg.Listen, "memory_budget", cfg.MemoryBudget)
	return srv.Run(ctx, ln)
}
