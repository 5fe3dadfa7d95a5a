// Package chunkpool implements the slab-paged chunk allocator: a single
// contiguous, page-aligned region partitioned into 256 size classes with
// buddy-style split/merge and a periodic, bounded coalescing GC pass.
//
// It is grounded on iamrohit/cacheismo's src/chunkpool/chunkpool.c. Per the
// transformation's ownership discipline (spec.md §9 Design Notes), the
// region is a single owned []byte addressed by 32-bit byte offsets rather
// than raw pointers, and free-list links are offset pairs stored inline in
// the region itself — the same "offset, not pointer" layout the C source
// uses (slabFreeEntry_t.nextOffset/prevOffset), just expressed as indices
// into a Go slice instead of pointer arithmetic.
package chunkpool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nishisan-dev/cachecored/internal/skiplist"
)

const (
	// PageSize is the fixed page granularity of the region.
	PageSize = 4096
	// headerSize is the permanent 4-byte per-chunk header (class id + in-use
	// flag); it is always present, in use or free.
	headerSize = 4
	// NumClasses is the number of size classes, 0..255.
	NumClasses = 256
	// MaxClass is the largest class index; its total size fills one page.
	MaxClass = NumClasses - 1

	// gcPagesPerPass bounds one GC invocation to an 8MB sliding window.
	gcPagesPerPass = (8 * 1024 * 1024) / PageSize
	// slabUseHigh/slabUseLow gate opportunistic buddy coalescing on Free so
	// a class is only swept while it holds a wasteful amount of free bytes.
	slabUseHigh = 64 * 1024
	slabUseLow  = 16 * 1024
	// freeCoalesceAttempts bounds Free's opportunistic merge work.
	freeCoalesceAttempts = 16
)

// Errors returned at the chunk allocator boundary (spec.md §7).
var (
	ErrTooLarge     = errors.New("chunkpool: requested size exceeds the maximum class")
	ErrInvalidSize  = errors.New("chunkpool: requested size must be > 0")
	ErrOutOfMemory  = errors.New("chunkpool: out of memory")
	ErrInvalidChunk = errors.New("chunkpool: ref does not address a live chunk")
)

// classTotalBytes returns the total on-wire size (header + user bytes) of
// size class c: a multiple of 16 bytes, as spec.md §4.1 requires.
func classTotalBytes(c int) int { return (c + 1) * 16 }

// ClassUserBytes returns the user-visible capacity of size class c.
func ClassUserBytes(c int) int { return classTotalBytes(c) - headerSize }

// MaxUserBytes is the largest single allocation the pool can satisfy.
const MaxUserBytes = MaxClass*16 + 16 - headerSize

// classFor returns the smallest class whose user capacity is >= size.
func classFor(size uint32) (int, bool) {
	needed := int(size) + headerSize
	c := (needed + 15) / 16
	c--
	if c < 0 {
		c = 0
	}
	if c > MaxClass {
		return 0, false
	}
	return c, true
}

type classState struct {
	head      uint32 // byte offset of the free-list head, 0 = empty
	freeCount uint32
}

// Ref addresses a chunk by the byte offset of its header within the pool's
// region. The zero Ref never denotes a live chunk (page 0 is reserved, as
// in the source, precisely so offset 0 can serve as a nil sentinel).
type Ref uint32

// Pool is the slab-paged chunk allocator.
type Pool struct {
	region  []byte
	classes [NumClasses]classState
	index   *skiplist.List // classes with a non-empty free list

	pageCount   uint32 // usable pages, excludes the reserved page 0
	gcPageIndex uint32

	freeBytes  uint64
	freeChunks uint64

	logger *slog.Logger
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	TotalBytes  uint64
	FreeBytes   uint64
	FreeChunks  uint64
	UsedBytes   uint64
	MaxUserSize int
}

// NewPool reserves a region of usablePages+1 pages (page 0 is never handed
// out) and seeds the maximum size class with every usable page.
func NewPool(usablePages uint32, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	totalPages := usablePages + 1
	p := &Pool{
		region:    make([]byte, uint64(totalPages)*PageSize),
		index:     skiplist.New(),
		pageCount: usablePages,
	}
	p.logger = logger
	p.gcPageIndex = 1

	// Thread every usable page (1..totalPages-1) into the max class's free
	// list, largest-size-fills-a-page as spec.md §4.1 requires.
	var prev uint32
	for page := uint32(1); page < totalPages; page++ {
		bo := page * PageSize
		p.writeHeader(int(bo), MaxClass, false)
		p.writeLinks(int(bo), 0, prev)
		if prev != 0 {
			p.writeLinks(int(prev), bo, p.readPrev(int(prev)))
		}
		prev = bo
	}
	if usablePages > 0 {
		p.classes[MaxClass].head = PageSize
		p.classes[MaxClass].freeCount = usablePages
		p.index.Insert(MaxClass)
		p.freeBytes = uint64(usablePages) * PageSize
		p.freeChunks = uint64(usablePages)
	}

	logger.Info("chunkpool initialized", "pages", usablePages, "bytes", p.freeBytes)
	return p
}

// --- inline header/link codec -------------------------------------------

func (p *Pool) writeHeader(bo int, class int, inUse bool) {
	p.region[bo] = byte(class)
	if inUse {
		p.region[bo+1] = 1
	} else {
		p.region[bo+1] = 0
	}
	p.region[bo+2] = 0
	p.region[bo+3] = 0
}

func (p *Pool) readHeader(bo int) (class int, inUse bool) {
	return int(p.region[bo]), p.region[bo+1] != 0
}

func (p *Pool) writeLinks(bo int, next, prev uint32) {
	binary.LittleEndian.PutUint32(p.region[bo+4:bo+8], next)
	binary.LittleEndian.PutUint32(p.region[bo+8:bo+12], prev)
}

func (p *Pool) readLinks(bo int) (next, prev uint32) {
	return binary.LittleEndian.Uint32(p.region[bo+4 : bo+8]), binary.LittleEndian.Uint32(p.region[bo+8 : bo+12])
}

func (p *Pool) readNext(bo int) uint32 { n, _ := p.readLinks(bo); return n }
func (p *Pool) readPrev(bo int) uint32 { _, v := p.readLinks(bo); return v }

func (p *Pool) setNext(bo int, next uint32) { binary.LittleEndian.PutUint32(p.region[bo+4:bo+8], next) }
func (p *Pool) setPrev(bo int, prev uint32) { binary.LittleEndian.PutUint32(p.region[bo+8:bo+12], prev) }

// --- free-list maintenance ------------------------------------------------

func (p *Pool) pushFree(bo uint32, class int) {
	oldHead := p.classes[class].head
	p.writeHeader(int(bo), class, false)
	p.writeLinks(int(bo), oldHead, 0)
	if oldHead != 0 {
		p.setPrev(int(oldHead), bo)
	}
	p.classes[class].head = bo
	if p.classes[class].freeCount == 0 {
		p.index.Insert(uint32(class))
	}
	p.classes[class].freeCount++
	p.freeBytes += uint64(classTotalBytes(class))
	p.freeChunks++
}

func (p *Pool) unlinkFree(bo uint32, class int) {
	next, prev := p.readLinks(int(bo))
	if prev != 0 {
		p.setNext(int(prev), next)
	} else {
		p.classes[class].head = next
	}
	if next != 0 {
		p.setPrev(int(next), prev)
	}
	p.classes[class].freeCount--
	if p.classes[class].freeCount == 0 {
		p.index.Delete(uint32(class))
	}
	p.freeBytes -= uint64(classTotalBytes(class))
	p.freeChunks--
}

// popFree unlinks and returns the head of class's free list, or ok=false.
func (p *Pool) popFree(class int) (uint32, bool) {
	head := p.classes[class].head
	if head == 0 {
		return 0, false
	}
	p.unlinkFree(head, class)
	return head, true
}

// allocFromBigSlab finds the smallest non-empty class strictly larger than
// class, takes one chunk from it, and returns the trailing slice of that
// chunk to the class it no longer fits (spec.md §4.1 Allocation).
func (p *Pool) allocFromBigSlab(class int) (uint32, bool) {
	bigClass, ok := p.index.Next(uint32(class))
	if !ok {
		return 0, false
	}
	bo, ok := p.popFree(int(bigClass))
	if !ok {
		return 0, false
	}
	leftoverClass := int(bigClass) - (class + 1)
	leftoverBO := bo + uint32(classTotalBytes(class))
	p.pushFree(leftoverBO, leftoverClass)
	p.writeHeader(int(bo), class, true)
	return bo, true
}

// --- allocation -------------------------------------------------------

// Alloc reserves size bytes, returning a Ref addressing the chunk's header.
// On success the returned bytes are zeroed. Alloc fails with ErrTooLarge
// when size exceeds MaxUserBytes, and with ErrOutOfMemory when not even a
// single GC pass can free a suitable chunk — the retry guard is reset on
// every call so the single documented retry (spec.md §9 Open Questions) is
// always available, unlike the C source's unreachable-after-first-use guard.
func (p *Pool) Alloc(size uint32) (Ref, error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}
	class, ok := classFor(size)
	if !ok {
		return 0, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, MaxUserBytes)
	}

	bo, ok := p.popFree(class)
	if !ok {
		bo, ok = p.allocFromBigSlab(class)
	}
	if !ok {
		p.GC()
		bo, ok = p.popFree(class)
		if !ok {
			bo, ok = p.allocFromBigSlab(class)
		}
	}
	if !ok {
		return 0, fmt.Errorf("%w: class %d (%d bytes)", ErrOutOfMemory, class, size)
	}

	p.writeHeader(int(bo), class, true)
	data := p.Data(Ref(bo))
	for i := range data {
		data[i] = 0
	}
	return Ref(bo), nil
}

// Data returns the user-visible bytes backing ref. The slice aliases the
// pool's region and must not be retained past the corresponding Free.
func (p *Pool) Data(ref Ref) []byte {
	bo := int(ref)
	class, _ := p.readHeader(bo)
	start := bo + headerSize
	return p.region[start : start+ClassUserBytes(class)]
}

// ClassOf reports the size class backing ref.
func (p *Pool) ClassOf(ref Ref) int {
	c, _ := p.readHeader(int(ref))
	return c
}

// Free returns ref's chunk to its class free list, then opportunistically
// attempts bounded buddy coalescing (spec.md §4.1 Free).
func (p *Pool) Free(ref Ref) {
	bo := uint32(ref)
	class, inUse := p.readHeader(int(bo))
	if !inUse {
		return
	}
	p.pushFree(bo, class)
	p.opportunisticCoalesce(class)
}

func (p *Pool) opportunisticCoalesce(class int) {
	if class == MaxClass {
		return
	}
	attempts := freeCoalesceAttempts
	for attempts > 0 {
		st := p.classes[class]
		if uint64(st.freeCount)*uint64(classTotalBytes(class)) < slabUseHigh {
			return
		}
		if uint64(st.freeCount)*uint64(classTotalBytes(class)) <= slabUseLow {
			return
		}
		cur := st.head
		merged := false
		for cur != 0 && attempts > 0 {
			attempts--
			if newClass, ok := p.tryMergeBuddy(cur, class); ok {
				_ = newClass
				merged = true
				break
			}
			cur = p.readNext(int(cur))
		}
		if !merged {
			return
		}
	}
}

// tryMergeBuddy merges the free chunk at bo (size class) with its physical
// right neighbour if that neighbour is free and the merge does not cross a
// page boundary. On success it returns the new (larger) class.
func (p *Pool) tryMergeBuddy(bo uint32, class int) (int, bool) {
	buddyBO := bo + uint32(classTotalBytes(class))
	if int(buddyBO)%PageSize == 0 || int(buddyBO) >= len(p.region) {
		return 0, false
	}
	buddyClass, buddyInUse := p.readHeader(int(buddyBO))
	if buddyInUse {
		return 0, false
	}

	p.unlinkFree(buddyBO, buddyClass)
	p.unlinkFree(bo, class)
	newClass := class + buddyClass + 1
	p.pushFree(bo, newClass)
	return newClass, true
}

// GC processes one sliding window of pages, merging adjacent free chunks
// within each page (spec.md §4.1 GC). It is a no-op unless free memory
// exceeds 1/8 of the region and the average free-chunk size has fallen
// below 256 bytes — the fragmentation signal spec.md names.
func (p *Pool) GC() {
	if p.pageCount == 0 {
		return
	}
	totalBytes := uint64(p.pageCount) * PageSize
	if p.freeBytes <= totalBytes/8 {
		return
	}
	if p.freeChunks == 0 || p.freeBytes/p.freeChunks >= PageSize/16 {
		return
	}

	start := p.gcPageIndex
	end := start + gcPagesPerPass
	if end > p.pageCount+1 {
		end = p.pageCount + 1
	}
	mergedBefore := p.freeChunks
	for page := start; page < end; page++ {
		p.mergePage(page)
	}
	if end >= p.pageCount+1 {
		p.gcPageIndex = 1
	} else {
		p.gcPageIndex = end
	}
	p.logger.Debug("chunkpool gc pass", "pages_merged", end-start, "chunks_merged", mergedBefore-p.freeChunks)
}

func (p *Pool) mergePage(page uint32) {
	pageStart := int(page) * PageSize
	offset := 0
	for offset < PageSize {
		bo := pageStart + offset
		class, inUse := p.readHeader(bo)
		if !inUse {
			if newClass, ok := p.tryMergeBuddy(uint32(bo), class); ok {
				class = newClass
				continue
			}
		}
		offset += classTotalBytes(class)
	}
}

// Stats returns a snapshot of pool occupancy for the wire `stats` command.
func (p *Pool) Stats() Stats {
	total := uint64(p.pageCount) * PageSize
	return Stats{
		TotalBytes:  total,
		FreeBytes:   p.freeBytes,
		FreeChunks:  p.freeChunks,
		UsedBytes:   total - p.freeBytes,
		MaxUserSize: MaxUserBytes,
	}
}
