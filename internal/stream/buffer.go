// Package stream implements the refcounted scatter/gather data stream used
// end-to-end from socket reads to socket writes and as cache-value storage
// (spec.md §3 Data stream, §4.3).
//
// Grounded on iamrohit/cacheismo's src/common/pdstream.c. Per spec.md §9
// Design Notes, a buffer's allocator identity is part of its contract, so
// Buffer is an allocator-tagged handle ({arena, block} or {pool, ref})
// with explicit Retain/Release rather than a shared-ownership type that
// hides which allocator owns the memory.
package stream

import (
	"fmt"

	"github.com/nishisan-dev/cachecored/internal/arena"
	"github.com/nishisan-dev/cachecored/internal/chunkpool"
)

// Kind identifies a buffer's owning allocator.
type Kind int

const (
	KindArena Kind = iota
	KindChunk
	// KindMem wraps a plain heap slice, used for the bytes a compressed
	// persistent stream decompresses into (SPEC_FULL.md §1 domain stack:
	// zstd-backed Clone). It owns no allocator slot, so Release is a no-op
	// beyond dropping the reference.
	KindMem
)

// Buffer is an immutable-length, refcounted block of memory. It is the
// unit of sharing between data streams: multiple streams may hold the
// same Buffer at different (offset, length) windows, each Retain bumping
// the shared refcount.
type Buffer struct {
	kind Kind
	refs int

	arenaOwner *arena.Arena
	arenaBlock *arena.Block

	chunkPool *chunkpool.Pool
	chunkRef  chunkpool.Ref

	data []byte
}

// NewArenaBuffer wraps an arena-allocated block with refcount 0. The first
// Stream.Append of the buffer takes the first reference, so the block goes
// back to the arena once every stream holding it has released it.
func NewArenaBuffer(owner *arena.Arena, block *arena.Block) *Buffer {
	return &Buffer{kind: KindArena, refs: 0, arenaOwner: owner, arenaBlock: block, data: block.Data()}
}

// NewChunkBuffer wraps a chunk-allocator-backed segment with refcount 1.
func NewChunkBuffer(pool *chunkpool.Pool, ref chunkpool.Ref) *Buffer {
	return &Buffer{kind: KindChunk, refs: 1, chunkPool: pool, chunkRef: ref, data: pool.Data(ref)}
}

// NewMemBuffer wraps a plain heap slice with refcount 1. data is retained
// as-is, not copied; callers must not mutate it afterward.
func NewMemBuffer(data []byte) *Buffer {
	return &Buffer{kind: KindMem, refs: 1, data: data}
}

// Kind reports the buffer's owning allocator.
func (b *Buffer) Kind() Kind { return b.kind }

// Bytes returns the buffer's full backing capacity. Callers window into it
// with a segment's (offset, length).
func (b *Buffer) Bytes() []byte { return b.data }

// Retain increments the refcount and returns b for chaining.
func (b *Buffer) Retain() *Buffer {
	b.refs++
	return b
}

// Release decrements the refcount, returning the buffer to its owning
// allocator when it reaches zero (spec.md §3 Byte segment invariant).
func (b *Buffer) Release() {
	b.refs--
	if b.refs > 0 {
		return
	}
	if b.refs < 0 {
		panic(fmt.Sprintf("stream: buffer released with refcount %d", b.refs))
	}
	switch b.kind {
	case KindArena:
		b.arenaOwner.Free(b.arenaBlock)
	case KindChunk:
		b.chunkPool.Free(b.chunkRef)
	case KindMem:
		// nothing to return; the slice is reclaimed by the garbage collector.
	}
	b.data = nil
}

// Refcount reports the current refcount, for tests and invariant checks.
func (b *Buffer) Refcount() int { return b.refs }
