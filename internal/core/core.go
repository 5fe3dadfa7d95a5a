// Package core implements the single-threaded, cooperative command loop
// spec.md §5 requires: one goroutine — the core goroutine — owns the cache
// map and chunk allocator exclusively, serializing every mutation through a
// single channel so no lock or atomic is needed inside the map or allocator
// (spec.md §5 Scheduling model).
//
// Connection goroutines (internal/netio) are I/O-only
// front ends: they parse a command, call Submit, and block on its result.
// This is the idiomatic-Go realization of spec.md §4.8's single reactor
// thread, grounded in the teacher's handler-per-goroutine shape
// (github.com/nishisan-dev/n-backup's internal/server.Handler) but with
// shared mutable state funneled onto one dedicated goroutine instead of
// guarded by a mutex, matching spec.md §9's encouragement to avoid raw
// socket multiplexing while preserving the single-writer invariant.
package core

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nishisan-dev/cachecored/internal/cache"
	"github.com/nishisan-dev/cachecored/internal/chunkpool"
	"github.com/nishisan-dev/cachecored/internal/cluster"
	"github.com/nishisan-dev/cachecored/internal/protocol"
	"github.com/nishisan-dev/cachecored/internal/runtime"
	"github.com/nishisan-dev/cachecored/internal/stream"
)

// admissionMaxBudget is the eviction ceiling spec.md §4.6 names: the
// retry loop doubles its LRU-eviction ask until it would exceed this.
const admissionMaxBudget = 2 * 1024 * 1024

type job struct {
	cmd    *protocol.Command
	writer runtime.Writer
	result chan<- jobResult
}

type jobResult struct {
	outcome runtime.Outcome
	err     error
}

// Core is the command loop's shared state plus its single inbound queue.
// Every field below is touched only from the goroutine running Run, except
// through the channel-mediated Submit/ClusterGet paths.
type Core struct {
	cacheMap *cache.Map
	pool     *chunkpool.Pool
	cluster  *cluster.Client
	runtime  runtime.Runtime
	clock    func() int64
	log      *slog.Logger

	casCounter uint64

	jobs    chan job
	results chan func()
}

// New builds a Core. clock supplies the "monotonic clock sample" spec.md §6
// references when turning a relative exptime into an absolute expiry; in
// production this is time.Now().Unix (spec.md SPEC_FULL §4 Open Question
// decisions: expiry clock = time.Now().Unix()).
func New(pool *chunkpool.Pool, cl *cluster.Client, rt runtime.Runtime, clock func() int64, log *slog.Logger) *Core {
	if log == nil {
		log = slog.Default()
	}
	c := &Core{
		pool:    pool,
		cluster: cl,
		runtime: rt,
		clock:   clock,
		log:     log,
		jobs:    make(chan job, 256),
		results: make(chan func(), 256),
	}
	c.cacheMap = cache.NewMap(clock)
	return c
}

// Run is the core goroutine: it drains jobs (parsed commands from any
// connection) and results (cluster-fetch deliveries routed back onto this
// goroutine) from two channels, serializing every access to cacheMap and
// pool. It returns when ctx is canceled.
func (c *Core) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.jobs:
			outcome, err := c.runtime.Handle(ctx, j.cmd, c, j.writer)
			j.result <- jobResult{outcome: outcome, err: err}
		case fn := <-c.results:
			fn()
		}
	}
}

// Submit hands a fully-parsed command to the core goroutine and blocks
// until it has been handled, returning the Runtime's Outcome. Safe to call
// concurrently from many connection goroutines.
func (c *Core) Submit(ctx context.Context, cmd *protocol.Command, w runtime.Writer) (runtime.Outcome, error) {
	resultCh := make(chan jobResult, 1)
	select {
	case c.jobs <- job{cmd: cmd, writer: w, result: resultCh}:
	case <-ctx.Done():
		return runtime.OutcomeDone, ctx.Err()
	}
	select {
	case r := <-resultCh:
		return r.outcome, r.err
	case <-ctx.Done():
		return runtime.OutcomeDone, ctx.Err()
	}
}

// GlobalHashMap implements runtime.Capabilities.
func (c *Core) GlobalHashMap() *cache.Map { return c.cacheMap }

// Pool implements runtime.Capabilities.
func (c *Core) Pool() *chunkpool.Pool { return c.pool }

// Now implements runtime.Capabilities.
func (c *Core) Now() int64 { return c.clock() }

// ClusterPeers reports every cluster peer address dispatched to so far, for
// internal/adminhttp's /stats surface. Safe to call from any goroutine:
// cluster.Client guards its own peer map.
func (c *Core) ClusterPeers() []string { return c.cluster.PeerAddrs() }

// NextCAS implements runtime.Capabilities. No atomic is required: it is
// only ever called from the core goroutine (spec.md §5).
func (c *Core) NextCAS() uint64 {
	c.casCounter++
	return c.casCounter
}

// ClusterGet implements runtime.Capabilities by delegating to the shared
// cluster.Client. The delivery callback is bounced back onto the core
// goroutine via c.results so it observes and mutates cacheMap/pool under
// the same single-writer discipline as everything else (spec.md §5
// Suspension points: the runtime reassembles fetches before resuming).
func (c *Core) ClusterGet(ctx context.Context, peer string, key []byte, deliver func(runtime.ClusterResult)) error {
	return c.cluster.Get(ctx, peer, key, func(r cluster.Result) {
		cr := runtime.ClusterResult{Peer: peer, Key: r.Key, Found: r.Found, Value: r.Value, Err: r.Err}
		var err error
		if r.Err != nil {
			err = r.Err
		}
		c.results <- func() {
			if err != nil {
				c.log.Warn("core: cluster fetch failed", "peer", peer, "error", err)
			}
			deliver(cr)
		}
	})
}

// CreateCacheItemFromCommand implements runtime.Capabilities (spec.md §4.6
// Cache-item admission): clone the command body into chunk memory; on
// allocator exhaustion, evict from the LRU tail 2x the estimated size,
// retry, and keep doubling the eviction budget until it would exceed
// admissionMaxBudget.
func (c *Core) CreateCacheItemFromCommand(cmd *protocol.Command) (*cache.Item, error) {
	data, err := cmd.Data.Clone(c.pool)
	if err == nil {
		return c.newItem(cmd, data), nil
	}
	if !errors.Is(err, chunkpool.ErrOutOfMemory) {
		return nil, err
	}

	est := uint64(cmd.Bytes + len(cmd.Key))
	if est == 0 {
		est = 1
	}
	for budget := 2 * est; budget <= admissionMaxBudget; budget *= 2 {
		c.cacheMap.DeleteLRU(budget)
		data, err = cmd.Data.Clone(c.pool)
		if err == nil {
			return c.newItem(cmd, data), nil
		}
		if !errors.Is(err, chunkpool.ErrOutOfMemory) {
			return nil, err
		}
	}
	return nil, runtime.ErrOutOfMemory
}

func (c *Core) newItem(cmd *protocol.Command, data *stream.Stream) *cache.Item {
	expiry := cache.NeverExpires
	if cmd.Exptime != 0 {
		expiry = c.Now() + cmd.Exptime
	}
	return cache.NewItem(cmd.Key, cmd.Flags, expiry, 0, data)
}

// RunHousekeeping performs one pass of the 1-second maintenance sweep
// (spec.md §5 Timeouts; SPEC_FULL §2.10): reap expired entries and let the
// chunk allocator coalesce free space. Called by internal/housekeeping's
// scheduler from outside the core goroutine, so the work itself is bounced
// onto it via c.results like ClusterGet's delivery, preserving the
// single-writer invariant; RunHousekeeping blocks until that pass runs.
func (c *Core) RunHousekeeping(ctx context.Context) {
	done := make(chan struct{})
	pass := func() {
		freed := c.cacheMap.DeleteExpired()
		if freed > 0 {
			c.log.Debug("core: expiry sweep reclaimed bytes", "bytes", freed)
		}
		c.pool.GC()
		close(done)
	}
	select {
	case c.results <- pass:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}
