// Package cache implements the extensible linear hash map, expiry min-heap,
// LRU list and the cache item it indexes (spec.md §3 Cache item, §4.5).
//
// Grounded on iamrohit/cacheismo's src/hashmap/hashmap.c (Litwin's linear
// hashing, the intrusive min-heap) and src/cache/cacheitem.c (item fields
// and refcounting). Entries are plain Go struct pointers rather than the
// source's hashEntry_t; per spec.md §9 Design Notes each entry still
// records its own bucket/heap/LRU membership instead of relying on
// intrusive pointers shared with unrelated subsystems.
package cache

import "github.com/nishisan-dev/cachecored/internal/stream"

// NeverExpires is the sentinel expiry value meaning "never expires".
const NeverExpires int64 = 0

// Item is a record pinned in chunk-allocator memory: a key, flags, a CAS
// token, an absolute expiry time, and a persistent data stream holding the
// value (spec.md §3 Cache item).
type Item struct {
	key     []byte
	flags   uint32
	expiry  int64
	cas     uint64
	data    *stream.Stream
	refcount int
}

// NewItem constructs an item with refcount 1. data must be a persistent
// stream (the product of stream.Clone); the item takes ownership of it.
func NewItem(key []byte, flags uint32, expiry int64, cas uint64, data *stream.Stream) *Item {
	k := make([]byte, len(key))
	copy(k, key)
	return &Item{key: k, flags: flags, expiry: expiry, cas: cas, data: data, refcount: 1}
}

// Key returns the item's key.
func (it *Item) Key() []byte { return it.key }

// Flags returns the item's opaque flags.
func (it *Item) Flags() uint32 { return it.flags }

// Expiry returns the item's absolute expiry time (0 == never).
func (it *Item) Expiry() int64 { return it.expiry }

// SetExpiry overwrites the item's absolute expiry time.
func (it *Item) SetExpiry(expiry int64) { it.expiry = expiry }

// CAS returns the item's CAS token.
func (it *Item) CAS() uint64 { return it.cas }

// SetCAS overwrites the item's CAS token; set/add/replace/cas use it to
// stamp a freshly admitted item with the next token.
func (it *Item) SetCAS(cas uint64) { it.cas = cas }

// Data returns the item's persistent value stream.
func (it *Item) Data() *stream.Stream { return it.data }

// DataLen returns the value's byte length.
func (it *Item) DataLen() int { return it.data.Size() }

// TotalSize approximates the item's resident footprint for LRU accounting:
// key bytes plus value bytes. It intentionally ignores bucket/heap/LRU
// bookkeeping overhead, matching the source's getTotalSize() callback.
func (it *Item) TotalSize() int { return len(it.key) + it.data.Size() }

// Retain bumps the item's refcount and returns it for chaining.
func (it *Item) Retain() *Item {
	it.refcount++
	return it
}

// Release decrements the refcount, releasing the underlying data stream
// once it reaches zero. The map's own reference is released exactly once,
// when the entry is removed from the table.
func (it *Item) Release() {
	it.refcount--
	if it.refcount <= 0 {
		it.data.Release()
	}
}

// Refcount reports the current refcount, for tests and invariant checks.
func (it *Item) Refcount() int { return it.refcount }
