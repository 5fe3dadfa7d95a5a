// Package housekeeping drives spec.md §5's single maintenance timer: a
// 1-second sweep that reaps expired entries and lets the chunk allocator
// coalesce free space, plus host memory sampling for internal/adminhttp's
// /stats endpoint (the wire `stats` command does not report it).
// Grounded on the teacher's internal/agent.Scheduler (robfig/cron job
// registration) and internal/agent.SystemMonitor (gopsutil sampling on a
// ticker), collapsed into a single cron-scheduled job since spec.md names
// only one timer rather than the teacher's per-backup-entry schedule.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nishisan-dev/cachecored/internal/core"
)

// tickSchedule is spec.md §5's "1-second housekeeping timer".
const tickSchedule = "@every 1s"

// MemoryStats is the host memory snapshot exposed through
// internal/adminhttp's /stats endpoint.
type MemoryStats struct {
	UsedPercent float64
	UsedBytes   uint64
	TotalBytes  uint64
}

// Housekeeper owns the cron job and the latest memory sample.
type Housekeeper struct {
	core *core.Core
	cron *cron.Cron
	log  *slog.Logger

	mu  sync.RWMutex
	mem MemoryStats
}

// New builds a Housekeeper with its single cron entry registered but not
// yet started.
func New(c *core.Core, log *slog.Logger) (*Housekeeper, error) {
	if log == nil {
		log = slog.Default()
	}
	h := &Housekeeper{
		core: c,
		log:  log,
		cron: cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(log.Handler(), slog.LevelDebug)))),
	}
	if _, err := h.cron.AddFunc(tickSchedule, h.tick); err != nil {
		return nil, fmt.Errorf("registering housekeeping tick: %w", err)
	}
	return h, nil
}

// Start begins the cron schedule. It also runs one sample immediately so
// MemoryStats has a value before the first tick fires.
func (h *Housekeeper) Start() {
	h.sampleMemory()
	h.log.Info("housekeeping started", "schedule", tickSchedule)
	h.cron.Start()
}

// Stop stops the schedule, waiting up to ctx's deadline for any
// in-progress tick to finish.
func (h *Housekeeper) Stop(ctx context.Context) {
	stopCtx := h.cron.Stop()
	select {
	case <-stopCtx.Done():
		h.log.Info("housekeeping stopped")
	case <-ctx.Done():
		h.log.Warn("housekeeping stop timed out")
	}
}

// MemoryStats returns the most recent host memory sample.
func (h *Housekeeper) MemoryStats() MemoryStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mem
}

func (h *Housekeeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 900*time.Millisecond)
	defer cancel()
	h.core.RunHousekeeping(ctx)
	h.sampleMemory()
}

func (h *Housekeeper) sampleMemory() {
	v, err := mem.VirtualMemory()
	if err != nil {
		h.log.Debug("housekeeping: failed to sample host memory", "error", err)
		return
	}
	h.mu.Lock()
	h.mem = MemoryStats{UsedPercent: v.UsedPercent, UsedBytes: v.Used, TotalBytes: v.Total}
	h.mu.Unlock()
}
