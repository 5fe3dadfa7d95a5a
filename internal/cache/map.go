package cache

import (
	"bytes"

	"golang.org/x/exp/slices"
)

// entry links a stored Item into the bucket chain, the LRU list and the
// expiry heap simultaneously (spec.md §3 Hash map entry).
type entry struct {
	item *Item
	hash uint32

	bucketNext *entry

	lruPrev *entry
	lruNext *entry

	heapIndex int
}

const (
	initialSizeBits  = 16
	initialSize      = 1 << initialSizeBits
	initialMaxSplitB = 3
	initialMaxSplit  = (1 << initialMaxSplitB) / 2
)

// Map is the extensible linear hash map augmented with an expiry min-heap
// and a global LRU list (spec.md §4.5).
type Map struct {
	buckets    []*entry
	count      uint32
	maskedBits uint32
	splitAt    uint32
	maxSplit   uint32

	heap *expiryHeap

	lruHead *entry
	lruTail *entry

	now func() int64
}

// NewMap creates an empty map. now supplies the clock used to compare
// against item expiry (tests may inject a deterministic clock).
func NewMap(now func() int64) *Map {
	return &Map{
		buckets:    make([]*entry, initialSize),
		maxSplit:   initialMaxSplit,
		maskedBits: initialMaxSplitB - 1,
		heap:       newExpiryHeap(),
		now:        now,
	}
}

// Count returns the number of live entries.
func (m *Map) Count() uint32 { return m.count }

func mask(bits uint32) uint32 { return (1 << bits) - 1 }

// bucketOffset implements Litwin's linear-hashing bucket selection
// (spec.md §4.5 Bucket selection; grounded on hashmap.c bucketOffset()).
func (m *Map) bucketOffset(hash uint32) uint32 {
	offset := mask(m.maskedBits) & hash
	if m.splitAt != 0 && offset < m.splitAt {
		offset = mask(m.maskedBits+1) & hash
	}
	return offset
}

// splitBucket rehashes the chain at splitAt into the wider mask, moving
// entries that now belong to the new sibling bucket.
func (m *Map) splitBucket() {
	fromOffset := m.splitAt
	toOffset := m.splitAt + m.maxSplit
	for len(m.buckets) <= int(toOffset) {
		m.buckets = append(m.buckets, nil)
	}

	var prev *entry
	cur := m.buckets[fromOffset]
	for cur != nil {
		next := cur.bucketNext
		if cur.hash&mask(m.maskedBits+1) == toOffset {
			cur.bucketNext = m.buckets[toOffset]
			m.buckets[toOffset] = cur
			if prev != nil {
				prev.bucketNext = next
			} else {
				m.buckets[fromOffset] = next
			}
		} else {
			prev = cur
		}
		cur = next
	}
	m.splitAt++
}

// maybeGrow performs the post-insert split/double bookkeeping described in
// spec.md §4.5 (grounded on hashmap.c hashMapPutElement's tail).
func (m *Map) maybeGrow() {
	if m.count > m.maxSplit {
		m.splitBucket()
	}
	if m.splitAt == m.maxSplit {
		m.splitAt = 0
		m.maskedBits++
		m.maxSplit *= 2
	}
}

func keysEqual(a []byte, b []byte) bool { return bytes.Equal(a, b) }

func (m *Map) removeFromLRU(e *entry) {
	if e.lruPrev != nil {
		e.lruPrev.lruNext = e.lruNext
	} else {
		m.lruHead = e.lruNext
	}
	if e.lruNext != nil {
		e.lruNext.lruPrev = e.lruPrev
	} else {
		m.lruTail = e.lruPrev
	}
	e.lruPrev = nil
	e.lruNext = nil
}

func (m *Map) pushLRUHead(e *entry) {
	e.lruNext = m.lruHead
	e.lruPrev = nil
	if m.lruHead != nil {
		m.lruHead.lruPrev = e
	} else {
		m.lruTail = e
	}
	m.lruHead = e
}

// Put inserts item, computing its hash, linking it into its bucket, the
// LRU head and (unless it never expires) the expiry heap.
func (m *Map) Put(item *Item) {
	h := jenkinsHash(item.Key(), jenkinsSeed)
	bucket := m.bucketOffset(h)

	e := &entry{item: item, hash: h}
	e.bucketNext = m.buckets[bucket]
	m.buckets[bucket] = e
	m.count++

	if item.Expiry() != NeverExpires {
		m.heap.Insert(e)
	}
	m.pushLRUHead(e)

	m.maybeGrow()
}

func (m *Map) find(key []byte) (bucket uint32, prev, cur *entry, hash uint32) {
	hash = jenkinsHash(key, jenkinsSeed)
	bucket = m.bucketOffset(hash)
	cur = m.buckets[bucket]
	for cur != nil {
		if cur.hash == hash && len(cur.item.Key()) == len(key) && keysEqual(cur.item.Key(), key) {
			return
		}
		prev = cur
		cur = cur.bucketNext
	}
	return
}

func (m *Map) unlinkBucket(bucket uint32, prev, cur *entry) {
	if prev != nil {
		prev.bucketNext = cur.bucketNext
	} else {
		m.buckets[bucket] = cur.bucketNext
	}
	cur.bucketNext = nil
}

func (m *Map) removeEntry(bucket uint32, prev, cur *entry) {
	m.unlinkBucket(bucket, prev, cur)
	m.heap.Delete(cur)
	m.removeFromLRU(cur)
	m.count--
	cur.item.Release()
}

// Get looks up key, promoting it to the LRU head and bumping its refcount
// on a live hit. Expired entries are evicted in place and reported as a
// miss (spec.md §4.5 get).
func (m *Map) Get(key []byte) (*Item, bool) {
	bucket, prev, cur, _ := m.find(key)
	if cur == nil {
		return nil, false
	}
	if cur.item.Expiry() == NeverExpires || m.now() < cur.item.Expiry() {
		cur.item.Retain()
		m.removeFromLRU(cur)
		m.pushLRUHead(cur)
		return cur.item, true
	}
	m.removeEntry(bucket, prev, cur)
	return nil, false
}

// Peek looks up key without mutating LRU order or bumping the refcount —
// used by incr/decr/append-style in-place updates that will immediately
// replace the entry's item.
func (m *Map) Peek(key []byte) (*Item, bool) {
	_, _, cur, _ := m.find(key)
	if cur == nil {
		return nil, false
	}
	if cur.item.Expiry() != NeverExpires && m.now() >= cur.item.Expiry() {
		return nil, false
	}
	return cur.item, true
}

// Delete removes key unconditionally (expired or not). Returns true if an
// entry was present.
func (m *Map) Delete(key []byte) bool {
	bucket, prev, cur, _ := m.find(key)
	if cur == nil {
		return false
	}
	m.removeEntry(bucket, prev, cur)
	return true
}

// DeleteExpired repeatedly pops the expiry heap while the minimum is <=
// now, releasing each. Returns the sum of TotalSize() over evicted items.
func (m *Map) DeleteExpired() uint64 {
	var freed uint64
	now := m.now()
	for {
		root := m.heap.PopExpired(now)
		if root == nil {
			break
		}
		freed += uint64(root.item.TotalSize())
		bucket, prev, cur, _ := m.find(root.item.Key())
		m.removeFromLRU(root)
		m.count--
		if cur != nil {
			m.unlinkBucket(bucket, prev, cur)
		}
		root.item.Release()
	}
	return freed
}

// DeleteLRU walks from the LRU tail releasing entries until accumulated
// size meets or exceeds requiredBytes. Returns bytes freed.
func (m *Map) DeleteLRU(requiredBytes uint64) uint64 {
	var freed uint64
	for freed < requiredBytes && m.lruTail != nil {
		tail := m.lruTail
		freed += uint64(tail.item.TotalSize())
		bucket, prev, cur, _ := m.find(tail.item.Key())
		if cur == nil {
			m.removeFromLRU(tail)
			continue
		}
		m.removeEntry(bucket, prev, cur)
	}
	return freed
}

// Stats is a point-in-time snapshot of map occupancy for the wire `stats`
// command.
type Stats struct {
	Count uint32
}

// Stats returns a snapshot of map occupancy.
func (m *Map) Stats() Stats {
	return Stats{Count: m.count}
}

// FlushAll lowers every live entry's expiry to at most before, inserting
// previously-never-expiring entries into the heap as needed. Entries are
// not removed immediately — the normal expiry sweep and lazy-get paths
// reap them, matching cacheismo's flush_all (spec.md SPEC_FULL §2.5).
func (m *Map) FlushAll(before int64) {
	for _, head := range m.buckets {
		for cur := head; cur != nil; cur = cur.bucketNext {
			if cur.item.Expiry() != NeverExpires && cur.item.Expiry() <= before {
				continue
			}
			cur.item.SetExpiry(before)
			if cur.heapIndex == 0 {
				m.heap.Insert(cur)
			} else {
				m.heap.Fix(cur)
			}
		}
	}
}

// PrefixMatch scans every bucket collecting keys whose bytes begin with
// prefix, returning each matching key as a fresh copy in sorted order.
// Bucket order reflects hash placement, not insertion order, so virtual-key
// scripts that list a namespace need a stable, reproducible result.
func (m *Map) PrefixMatch(prefix []byte) [][]byte {
	var out [][]byte
	for _, head := range m.buckets {
		for cur := head; cur != nil; cur = cur.bucketNext {
			key := cur.item.Key()
			if len(key) >= len(prefix) && bytes.Equal(key[:len(prefix)], prefix) {
				k := make([]byte, len(key))
				copy(k, key)
				out = append(out, k)
			}
		}
	}
	slices.SortFunc(out, func(a, b []byte) bool { return bytes.Compare(a, b) < 0 })
	return out
}
