// Package adminhttp is the disabled-by-default loopback HTTP surface
// SPEC_FULL.md §2.11 adds on top of the wire protocol: /stats and
// /healthz as JSON. Routed with gorilla/mux (github.com/SnellerInc/sneller's
// elasticproxy/cmd/proxy wires routes the same way: mux.NewRouter then
// HandleFunc per path with .Methods), trimmed from the teacher's
// observability.NewRouter shape to the two endpoints cachecored needs.
package adminhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nishisan-dev/cachecored/internal/cache"
	"github.com/nishisan-dev/cachecored/internal/chunkpool"
	"github.com/nishisan-dev/cachecored/internal/housekeeping"
)

// StatsSource supplies the live counters /stats reports. core.Core
// implements the cache/pool accessors; *housekeeping.Housekeeper supplies
// the memory sample.
type StatsSource interface {
	GlobalHashMap() *cache.Map
	Pool() *chunkpool.Pool
	ClusterPeers() []string
}

type statsResponse struct {
	Items          uint32                   `json:"items"`
	PoolTotalBytes uint64                   `json:"pool_total_bytes"`
	PoolFreeBytes  uint64                   `json:"pool_free_bytes"`
	PoolUsedBytes  uint64                   `json:"pool_used_bytes"`
	ClusterPeers   []string                 `json:"cluster_peers"`
	Host           housekeeping.MemoryStats `json:"host_memory"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// NewRouter builds the admin HTTP handler.
func NewRouter(source StatsSource, hk *housekeeping.Housekeeper) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/stats", makeStatsHandler(source, hk)).Methods(http.MethodGet)
	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func makeStatsHandler(source StatsSource, hk *housekeeping.Housekeeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mapStats := source.GlobalHashMap().Stats()
		poolStats := source.Pool().Stats()
		resp := statsResponse{
			Items:          mapStats.Count,
			PoolTotalBytes: poolStats.TotalBytes,
			PoolFreeBytes:  poolStats.FreeBytes,
			PoolUsedBytes:  poolStats.UsedBytes,
			ClusterPeers:   source.ClusterPeers(),
		}
		if hk != nil {
			resp.Host = hk.MemoryStats()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs an http.Server on listen until ctx is canceled, then shuts it
// down gracefully. Modeled on the teacher's startWebUI goroutine shape.
func Serve(ctx context.Context, listen string, handler http.Handler, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	srv := &http.Server{
		Addr:         listen,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("adminhttp: listening", "address", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
