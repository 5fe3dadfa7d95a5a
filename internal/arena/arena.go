// Package arena implements the request-lifetime bump allocator: a linked
// list of 4KB pages backing small allocations, a side list for oversized
// buffers, and a process-wide free-page cache so short-lived arenas (one
// per connection, one per script invocation) reuse pages instead of
// returning them to the runtime allocator.
//
// Grounded on iamrohit/cacheismo's src/common/arena.c, translated per
// spec.md §9 Design Notes: pages are addressed as slice-backed Go values
// rather than raw pointers, and the source's embedded back-pointer header
// becomes an explicit Block handle returned alongside the data slice.
package arena

import "sync"

// PageSize is the size of one default-list page.
const PageSize = 4096

// alignment is the bump cursor's granularity.
const alignment = 8

func alignUp(n int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

// page is one 4KB bump-allocation page.
type page struct {
	buf      [PageSize]byte
	used     int
	refcount int
	prev     *page
	next     *page
}

func (p *page) reset() {
	p.used = 0
	p.refcount = 0
	p.prev = nil
	p.next = nil
}

// Block is the handle returned by Alloc. It identifies the owning page (or
// oversized slot) so Free can locate it in O(1) — the Go equivalent of the
// source's 8-byte back-pointer header embedded before each allocation.
type Block struct {
	data      []byte
	owner     *page           // nil for an oversized block
	oversized *oversizedBlock // nil for a default-page block
}

// Data returns the block's user-visible bytes.
func (b *Block) Data() []byte { return b.data }

// oversizedBlock is a single dedicated allocation larger than one page.
type oversizedBlock struct {
	buf        []byte
	prev, next *oversizedBlock
}

// PageCache is a process-wide pool of idle default-list pages, shared by
// every Arena so short-lived arenas don't churn the runtime allocator.
type PageCache struct {
	mu       sync.Mutex
	free     []*page
	capacity int
}

// NewPageCache creates a cache holding up to capacity idle pages.
func NewPageCache(capacity int) *PageCache {
	return &PageCache{capacity: capacity}
}

func (c *PageCache) get() *page {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.free)
	if n == 0 {
		return &page{}
	}
	p := c.free[n-1]
	c.free = c.free[:n-1]
	return p
}

func (c *PageCache) put(p *page) {
	p.reset()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.free) >= c.capacity {
		return
	}
	c.free = append(c.free, p)
}

// Len reports the number of idle pages currently cached (test/metrics use).
func (c *PageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.free)
}

// Arena is a per-connection (or per-script-invocation) bump allocator.
// Not safe for concurrent use: each arena belongs to exactly one loop
// thread or one connection context, per spec.md §5.
type Arena struct {
	cache         *PageCache
	head          *page
	oversizedHead *oversizedBlock
	pageCount     int
}

// New creates an arena drawing default pages from cache.
func New(cache *PageCache) *Arena {
	return &Arena{cache: cache}
}

// Alloc reserves size bytes, rounded up to 8-byte alignment, and returns a
// Block. Allocations larger than one page route to the oversized list; all
// others bump the head page's cursor, prepending a fresh page when the
// current head lacks room.
func (a *Arena) Alloc(size int) *Block {
	aligned := alignUp(size)
	if aligned > PageSize {
		blk := &oversizedBlock{buf: make([]byte, size), next: a.oversizedHead}
		if a.oversizedHead != nil {
			a.oversizedHead.prev = blk
		}
		a.oversizedHead = blk
		return &Block{data: blk.buf, oversized: blk}
	}

	if a.head == nil || a.head.used+aligned > PageSize {
		p := a.cache.get()
		p.prev = nil
		p.next = a.head
		if a.head != nil {
			a.head.prev = p
		}
		a.head = p
		a.pageCount++
	}

	p := a.head
	start := p.used
	p.used += aligned
	p.refcount++
	return &Block{data: p.buf[start : start+size : start+size], owner: p}
}

// Realloc allocates a new block of newSize, copies min(len(old), newSize)
// bytes from old's data, frees old, and returns the new block.
func (a *Arena) Realloc(old *Block, newSize int) *Block {
	n := a.Alloc(newSize)
	copy(n.data, old.data)
	a.Free(old)
	return n
}

// Free decrements the owning page's refcount. When a non-head page drops
// to zero it is unlinked and returned to the cache; when the head page
// drops to zero its cursor resets in place so the very next allocation
// reuses it without a round trip through the cache (spec.md §4.2 Free).
// Freeing an oversized block unlinks and discards it immediately.
func (a *Arena) Free(b *Block) {
	if b.oversized != nil {
		blk := b.oversized
		if blk.prev != nil {
			blk.prev.next = blk.next
		} else {
			a.oversizedHead = blk.next
		}
		if blk.next != nil {
			blk.next.prev = blk.prev
		}
		b.oversized = nil
		b.data = nil
		return
	}

	p := b.owner
	if p == nil {
		return
	}
	p.refcount--
	if p.refcount > 0 {
		return
	}
	if p == a.head {
		p.used = 0
		return
	}
	if p.prev != nil {
		p.prev.next = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	}
	a.pageCount--
	a.cache.put(p)
	b.owner = nil
	b.data = nil
}

// PageCount reports how many default pages this arena currently holds.
func (a *Arena) PageCount() int { return a.pageCount }

// Destroy returns every tracked default page to the shared cache and
// drops every oversized buffer. The arena must not be used afterward.
func (a *Arena) Destroy() {
	for p := a.head; p != nil; {
		next := p.next
		a.cache.put(p)
		p = next
	}
	a.head = nil
	a.oversizedHead = nil
	a.pageCount = 0
}
