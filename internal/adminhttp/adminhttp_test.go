package adminhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nishisan-dev/cachecored/internal/cache"
	"github.com/nishisan-dev/cachecored/internal/chunkpool"
)

type fakeSource struct {
	m     *cache.Map
	pool  *chunkpool.Pool
	peers []string
}

func (f *fakeSource) GlobalHashMap() *cache.Map { return f.m }
func (f *fakeSource) Pool() *chunkpool.Pool     { return f.pool }
func (f *fakeSource) ClusterPeers() []string    { return f.peers }

func newFakeSource() *fakeSource {
	return &fakeSource{m: cache.NewMap(func() int64 { return 0 }), pool: chunkpool.NewPool(4, nil)}
}

func TestHealthzReportsOK(t *testing.T) {
	router := NewRouter(newFakeSource(), nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status field = %q", resp.Status)
	}
}

func TestStatsReportsPoolAndMapOccupancy(t *testing.T) {
	src := newFakeSource()
	item := cache.NewItem([]byte("k"), 0, cache.NeverExpires, 0, nil)
	src.m.Put(item)

	router := NewRouter(src, nil)
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Items != 1 {
		t.Fatalf("Items = %d, want 1", resp.Items)
	}
	if resp.PoolTotalBytes == 0 {
		t.Fatalf("PoolTotalBytes = 0")
	}
}

func TestStatsReportsClusterPeers(t *testing.T) {
	src := newFakeSource()
	src.peers = []string{"10.0.0.2:11211", "10.0.0.1:11211"}

	router := NewRouter(src, nil)
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.ClusterPeers) != 2 {
		t.Fatalf("ClusterPeers = %v, want 2 entries", resp.ClusterPeers)
	}
}
