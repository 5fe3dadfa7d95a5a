package stream

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/nishisan-dev/cachecored/internal/arena"
	"github.com/nishisan-dev/cachecored/internal/chunkpool"
)

func newTestArena() (*arena.Arena, *arena.PageCache) {
	cache := arena.NewPageCache(8)
	return arena.New(cache), cache
}

func arenaBuf(t *testing.T, a *arena.Arena, s string) *Buffer {
	t.Helper()
	block := a.Alloc(len(s))
	copy(block.Data(), s)
	return NewArenaBuffer(a, block)
}

func TestAppendAndBytes(t *testing.T) {
	a, _ := newTestArena()
	s := New()

	b1 := arenaBuf(t, a, "hello ")
	b2 := arenaBuf(t, a, "world")
	if err := s.Append(b1, 0, 6); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(b2, 0, 5); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if s.Size() != 11 {
		t.Fatalf("Size() = %d, want 11", s.Size())
	}
	if string(s.Bytes()) != "hello world" {
		t.Fatalf("Bytes() = %q", s.Bytes())
	}
	s.Release()
}

func TestTruncateFromStart(t *testing.T) {
	a, _ := newTestArena()
	s := New()
	b1 := arenaBuf(t, a, "abcde")
	b2 := arenaBuf(t, a, "fghij")
	_ = s.Append(b1, 0, 5)
	_ = s.Append(b2, 0, 5)

	s.TruncateFromStart(3)
	if string(s.Bytes()) != "defghij" {
		t.Fatalf("after truncate(3) = %q", s.Bytes())
	}
	s.TruncateFromStart(5)
	if string(s.Bytes()) != "hij" {
		t.Fatalf("after truncate(5) = %q", s.Bytes())
	}
	s.Release()
}

func TestTruncateFromEnd(t *testing.T) {
	a, _ := newTestArena()
	s := New()
	b1 := arenaBuf(t, a, "abcde")
	b2 := arenaBuf(t, a, "fghij")
	_ = s.Append(b1, 0, 5)
	_ = s.Append(b2, 0, 5)

	s.TruncateFromEnd(3)
	if string(s.Bytes()) != "abcdefg" {
		t.Fatalf("after truncate-end(3) = %q", s.Bytes())
	}
	s.Release()
}

func TestSubstreamSharesBuffersAndBumpsRefcount(t *testing.T) {
	a, _ := newTestArena()
	s := New()
	b1 := arenaBuf(t, a, "abcdefghij")
	_ = s.Append(b1, 0, 10)

	sub, err := s.Substream(2, 5)
	if err != nil {
		t.Fatalf("Substream: %v", err)
	}
	if string(sub.Bytes()) != "cdefg" {
		t.Fatalf("Substream bytes = %q", sub.Bytes())
	}
	if b1.Refcount() != 2 {
		t.Fatalf("Refcount after Substream = %d, want 2", b1.Refcount())
	}

	sub.Release()
	if b1.Refcount() != 1 {
		t.Fatalf("Refcount after sub.Release = %d, want 1", b1.Refcount())
	}
	s.Release()
}

func TestSubstreamFullRangeIsByteEqual(t *testing.T) {
	a, _ := newTestArena()
	s := New()
	b1 := arenaBuf(t, a, "the quick brown fox")
	_ = s.Append(b1, 0, 19)

	sub, err := s.Substream(0, s.Size())
	if err != nil {
		t.Fatalf("Substream: %v", err)
	}
	if !bytes.Equal(sub.Bytes(), s.Bytes()) {
		t.Fatalf("Substream(0, size) != original: %q vs %q", sub.Bytes(), s.Bytes())
	}
	sub.Release()
	s.Release()
}

func TestCloneProducesPersistentByteEqualStream(t *testing.T) {
	a, _ := newTestArena()
	pool := chunkpool.NewPool(4, nil)
	s := New()
	b1 := arenaBuf(t, a, "persist me across allocators")
	_ = s.Append(b1, 0, len("persist me across allocators"))

	cloned, err := s.Clone(pool)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if !cloned.IsPersistent() {
		t.Fatalf("cloned stream should be persistent")
	}
	if !bytes.Equal(cloned.Bytes(), s.Bytes()) {
		t.Fatalf("Clone not byte-equal: %q vs %q", cloned.Bytes(), s.Bytes())
	}
	if err := cloned.Append(b1, 0, 1); err != ErrPersistent {
		t.Fatalf("Append on persistent stream err = %v, want ErrPersistent", err)
	}

	cloned.Release()
	s.Release()
}

func TestCloneLargeStreamSpansMultipleChunks(t *testing.T) {
	a, _ := newTestArena()
	pool := chunkpool.NewPool(8, nil)
	s := New()
	// The payload is smaller than compressThreshold, so Clone takes the
	// plain multi-chunk path; its random bytes would not compress anyway.
	payload := make([]byte, chunkpool.MaxUserBytes+500)
	rand.New(rand.NewSource(1)).Read(payload)
	block := a.Alloc(len(payload))
	copy(block.Data(), payload)
	buf := NewArenaBuffer(a, block)
	_ = s.Append(buf, 0, len(payload))

	cloned, err := s.Clone(pool)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if !bytes.Equal(cloned.Bytes(), payload) {
		t.Fatalf("Clone of large stream not byte-equal")
	}
	cloned.Release()
	s.Release()
}

func TestFindEndOfLine(t *testing.T) {
	a, _ := newTestArena()

	mk := func(s string) *Stream {
		st := New()
		buf := arenaBuf(t, a, s)
		_ = st.Append(buf, 0, len(s))
		return st
	}

	st := mk("get foo\r\nextra")
	offset, status := st.FindEndOfLine()
	if status != LineFound || offset != 8 {
		t.Fatalf("FindEndOfLine() = (%d, %v), want (8, LineFound)", offset, status)
	}
	st.Release()

	st2 := mk("no terminator yet")
	_, status2 := st2.FindEndOfLine()
	if status2 != LineNeedMore {
		t.Fatalf("FindEndOfLine() status = %v, want LineNeedMore", status2)
	}
	st2.Release()

	st3 := mk("bad\nline")
	offset3, status3 := st3.FindEndOfLine()
	if status3 != LineBareLF || offset3 != 3 {
		t.Fatalf("FindEndOfLine() = (%d, %v), want (3, LineBareLF)", offset3, status3)
	}
	st3.Release()
}

func TestFindEndOfLineAcrossSegmentBoundary(t *testing.T) {
	a, _ := newTestArena()
	st := New()
	b1 := arenaBuf(t, a, "part1\r")
	b2 := arenaBuf(t, a, "\npart2")
	_ = st.Append(b1, 0, 6)
	_ = st.Append(b2, 0, 6)

	offset, status := st.FindEndOfLine()
	if status != LineFound || offset != 6 {
		t.Fatalf("FindEndOfLine() across segments = (%d, %v), want (6, LineFound)", offset, status)
	}
	st.Release()
}

func TestAppendStreamRetainsEverySegment(t *testing.T) {
	a, _ := newTestArena()
	dst := New()
	src := New()
	b1 := arenaBuf(t, a, "aaa")
	b2 := arenaBuf(t, a, "bbb")
	_ = src.Append(b1, 0, 3)
	_ = src.Append(b2, 0, 3)

	if err := dst.AppendStream(src); err != nil {
		t.Fatalf("AppendStream: %v", err)
	}
	if string(dst.Bytes()) != "aaabbb" {
		t.Fatalf("dst.Bytes() = %q", dst.Bytes())
	}
	if b1.Refcount() != 2 || b2.Refcount() != 2 {
		t.Fatalf("expected refcounts bumped to 2, got %d and %d", b1.Refcount(), b2.Refcount())
	}

	dst.Release()
	src.Release()
}

func TestCloneCompressesLargeRepetitiveValueTransparently(t *testing.T) {
	a, _ := newTestArena()
	pool := chunkpool.NewPool(8, nil)
	s := New()
	payload := bytes.Repeat([]byte("the quick brown fox "), 1000)
	block := a.Alloc(len(payload))
	copy(block.Data(), payload)
	buf := NewArenaBuffer(a, block)
	_ = s.Append(buf, 0, len(payload))

	cloned, err := s.Clone(pool)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if !bytes.Equal(cloned.Bytes(), payload) {
		t.Fatalf("compressed clone not byte-equal to source")
	}
	if cloned.Size() != len(payload) {
		t.Fatalf("Size() = %d, want %d", cloned.Size(), len(payload))
	}

	cloned.Release()
	s.Release()
}

func TestCompressedStreamSurvivesAppendStreamAndSubstream(t *testing.T) {
	a, _ := newTestArena()
	pool := chunkpool.NewPool(8, nil)
	src := New()
	payload := bytes.Repeat([]byte("abcdefgh"), 2000)
	block := a.Alloc(len(payload))
	copy(block.Data(), payload)
	buf := NewArenaBuffer(a, block)
	_ = src.Append(buf, 0, len(payload))

	cloned, err := src.Clone(pool)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	sub, err := cloned.Substream(10, 20)
	if err != nil {
		t.Fatalf("Substream: %v", err)
	}
	if !bytes.Equal(sub.Bytes(), payload[10:30]) {
		t.Fatalf("Substream on compressed source = %q, want %q", sub.Bytes(), payload[10:30])
	}

	dst := New()
	if err := dst.AppendStream(cloned); err != nil {
		t.Fatalf("AppendStream: %v", err)
	}
	if !bytes.Equal(dst.Bytes(), payload) {
		t.Fatalf("AppendStream from compressed source not byte-equal")
	}

	sub.Release()
	dst.Release()
	cloned.Release()
	src.Release()
}
