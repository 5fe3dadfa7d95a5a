package clustertest

import (
	"testing"

	"github.com/bradfitz/gomemcache/memcache"
)

// TestFakePeerWireCompatibleWithGomemcache drives FakePeer with a real,
// independently implemented memcached client rather than cachecored's own
// cluster client, confirming the shared request parser produces wire
// output a third-party implementation actually accepts.
func TestFakePeerWireCompatibleWithGomemcache(t *testing.T) {
	peer, err := NewFakePeer()
	if err != nil {
		t.Fatalf("NewFakePeer: %v", err)
	}
	defer peer.Close()

	client := memcache.New(peer.Addr())

	if err := client.Set(&memcache.Item{Key: "greeting", Value: []byte("hello"), Flags: 3}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	item, err := client.Get("greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(item.Value) != "hello" || item.Flags != 3 {
		t.Fatalf("item = %+v", item)
	}

	if _, err := client.Get("missing"); err != memcache.ErrCacheMiss {
		t.Fatalf("Get(missing) err = %v, want ErrCacheMiss", err)
	}

	if err := client.Delete("greeting"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := client.Get("greeting"); err != memcache.ErrCacheMiss {
		t.Fatalf("Get after delete err = %v, want ErrCacheMiss", err)
	}
}
