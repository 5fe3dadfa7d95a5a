package stream

import (
	"errors"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/nishisan-dev/cachecored/internal/chunkpool"
)

// ErrPersistent is returned by Append on a persistent (clone-only) stream.
var ErrPersistent = errors.New("stream: cannot append to a persistent stream")

// compressThreshold is the value size (SPEC_FULL.md §1 domain stack) above
// which Clone tries zstd before falling back to the plain chunk-packed
// encoding. Chosen well above typical small cache values so the common case
// never pays an encode.
const compressThreshold = 8192

var (
	zstdEncoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
)

// sharedEncoder and sharedDecoder are safe for concurrent use (zstd.Encoder
// and zstd.Decoder document concurrency-safe EncodeAll/DecodeAll), so one
// pair is reused by every Clone/decompress across all connections.
func sharedEncoder() *zstd.Encoder {
	zstdEncoderOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEncoder
}

func sharedDecoder() *zstd.Decoder {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, _ = zstd.NewReader(nil)
	})
	return zstdDecoder
}

// segment is one (buffer, offset, length) triple.
type segment struct {
	buf    *Buffer
	offset int
	length int
}

// Stream is an ordered sequence of refcounted byte segments presented as a
// contiguous logical byte stream (spec.md §3, §4.3).
//
// An ephemeral stream holds arena-backed segments and is used for I/O
// buffering; a persistent stream holds chunk-allocator-backed segments and
// is used for cache values. Only Clone produces a persistent stream.
//
// A persistent stream may additionally be compressed: its logical bytes
// live behind a single zstd frame in compressedSeg rather than in segments.
// Every read path funnels through ensureDecompressed first, so compression
// is invisible outside this package.
type Stream struct {
	segments   []segment
	size       int
	persistent bool

	compressed    bool
	compressedSeg *segment
}

// New creates an empty ephemeral stream.
func New() *Stream {
	return &Stream{}
}

// Size returns the stream's total byte length.
func (s *Stream) Size() int { return s.size }

// IsPersistent reports whether s was produced by Clone.
func (s *Stream) IsPersistent() bool { return s.persistent }

// Append retains buf and appends a segment windowing it at [offset,
// offset+length). Fails with ErrPersistent on a clone-only stream.
func (s *Stream) Append(buf *Buffer, offset, length int) error {
	if s.persistent {
		return ErrPersistent
	}
	if length == 0 {
		return nil
	}
	buf.Retain()
	s.segments = append(s.segments, segment{buf: buf, offset: offset, length: length})
	s.size += length
	return nil
}

// AppendStream appends every segment of other onto s, retaining each
// buffer. The operation is atomic: snapshot-and-restore means a mid-way
// failure (there is none today, since Retain cannot fail) leaves s
// unchanged rather than partially extended.
func (s *Stream) AppendStream(other *Stream) error {
	if s.persistent {
		return ErrPersistent
	}
	other.ensureDecompressed()
	savedLen := len(s.segments)
	savedSize := s.size
	for _, seg := range other.segments {
		if err := s.Append(seg.buf, seg.offset, seg.length); err != nil {
			s.rollback(savedLen, savedSize)
			return err
		}
	}
	return nil
}

func (s *Stream) rollback(toLen, toSize int) {
	for i := toLen; i < len(s.segments); i++ {
		s.segments[i].buf.Release()
	}
	s.segments = s.segments[:toLen]
	s.size = toSize
}

// TruncateFromStart drops leading bytes until the stream's size equals
// s.Size()-n, releasing any segment fully consumed.
func (s *Stream) TruncateFromStart(n int) {
	if n <= 0 {
		return
	}
	s.ensureDecompressed()
	if n > s.size {
		n = s.size
	}
	remaining := n
	i := 0
	for remaining > 0 && i < len(s.segments) {
		seg := &s.segments[i]
		if seg.length <= remaining {
			remaining -= seg.length
			seg.buf.Release()
			i++
			continue
		}
		seg.offset += remaining
		seg.length -= remaining
		remaining = 0
	}
	s.segments = s.segments[i:]
	s.size -= n
}

// TruncateFromEnd drops trailing bytes until the stream's size equals
// s.Size()-n, releasing any segment fully consumed.
func (s *Stream) TruncateFromEnd(n int) {
	if n <= 0 {
		return
	}
	s.ensureDecompressed()
	if n > s.size {
		n = s.size
	}
	remaining := n
	end := len(s.segments)
	for remaining > 0 && end > 0 {
		seg := &s.segments[end-1]
		if seg.length <= remaining {
			remaining -= seg.length
			seg.buf.Release()
			end--
			continue
		}
		seg.length -= remaining
		remaining = 0
	}
	s.segments = s.segments[:end]
	s.size -= n
}

// Substream produces a new stream sharing buffers with s over [offset,
// offset+length), bumping refcounts on every buffer it touches.
func (s *Stream) Substream(offset, length int) (*Stream, error) {
	if offset < 0 || length < 0 || offset+length > s.size {
		return nil, errors.New("stream: substream range out of bounds")
	}
	s.ensureDecompressed()
	out := &Stream{persistent: s.persistent}
	remainingSkip := offset
	remainingTake := length
	for _, seg := range s.segments {
		if remainingTake == 0 {
			break
		}
		if remainingSkip >= seg.length {
			remainingSkip -= seg.length
			continue
		}
		segOffset := seg.offset + remainingSkip
		segAvail := seg.length - remainingSkip
		remainingSkip = 0
		take := segAvail
		if take > remainingTake {
			take = remainingTake
		}
		seg.buf.Retain()
		out.segments = append(out.segments, segment{buf: seg.buf, offset: segOffset, length: take})
		out.size += take
		remainingTake -= take
	}
	return out, nil
}

// Clone copies every byte of s into newly allocated chunk-allocator
// segments, packing as densely as the allocator's largest available class
// permits, and returns a persistent stream over them.
//
// Values at or above compressThreshold are first tried as a single zstd
// frame (SPEC_FULL.md §1 domain stack); if the frame doesn't fit in one
// chunk allocation or doesn't actually shrink the value, Clone falls back
// to the plain packing below.
func (s *Stream) Clone(pool *chunkpool.Pool) (*Stream, error) {
	s.ensureDecompressed()
	if s.size >= compressThreshold {
		if out, err := s.cloneCompressed(pool); err == nil {
			return out, nil
		}
	}
	return s.clonePlain(pool)
}

func (s *Stream) clonePlain(pool *chunkpool.Pool) (*Stream, error) {
	out := &Stream{persistent: true}
	remaining := s.size
	var cursorSeg int
	var cursorOff int
	for remaining > 0 {
		want := remaining
		if want > chunkpool.MaxUserBytes {
			want = chunkpool.MaxUserBytes
		}
		ref, err := pool.Alloc(uint32(want))
		if err != nil {
			out.Release()
			return nil, err
		}
		dst := pool.Data(ref)[:want]
		n := copyFrom(s, &cursorSeg, &cursorOff, dst)
		if n != want {
			pool.Free(ref)
			out.Release()
			return nil, errors.New("stream: clone short copy")
		}
		buf := NewChunkBuffer(pool, ref)
		out.segments = append(out.segments, segment{buf: buf, offset: 0, length: want})
		out.size += want
		remaining -= want
	}
	return out, nil
}

// cloneCompressed tries to pack s's bytes into a single zstd-compressed
// chunk allocation. It fails (falling back to clonePlain) when the
// compressed frame doesn't beat the raw size or doesn't fit one
// allocation — compression here is an optimization, never load-bearing.
func (s *Stream) cloneCompressed(pool *chunkpool.Pool) (*Stream, error) {
	raw := s.Bytes()
	frame := sharedEncoder().EncodeAll(raw, make([]byte, 0, len(raw)/2))
	if len(frame) >= len(raw) || len(frame) > chunkpool.MaxUserBytes {
		return nil, errCompressionSkipped
	}
	ref, err := pool.Alloc(uint32(len(frame)))
	if err != nil {
		return nil, err
	}
	copy(pool.Data(ref)[:len(frame)], frame)
	buf := NewChunkBuffer(pool, ref)
	seg := segment{buf: buf, offset: 0, length: len(frame)}
	return &Stream{persistent: true, compressed: true, compressedSeg: &seg, size: len(raw)}, nil
}

var errCompressionSkipped = errors.New("stream: compressed frame not worth keeping")

// ensureDecompressed materializes a compressed stream's logical bytes into
// a plain KindMem segment, making every other method oblivious to whether
// Clone took the compressed path. Decompression failure means the stored
// frame is corrupt, which should never happen for bytes this package wrote
// itself, so it panics rather than surfacing a recoverable error through
// every read method's signature.
func (s *Stream) ensureDecompressed() {
	if !s.compressed {
		return
	}
	frame := s.compressedSeg.buf.Bytes()[s.compressedSeg.offset : s.compressedSeg.offset+s.compressedSeg.length]
	raw, err := sharedDecoder().DecodeAll(frame, make([]byte, 0, s.size))
	if err != nil {
		panic("stream: corrupt compressed segment: " + err.Error())
	}
	s.compressedSeg.buf.Release()
	s.compressedSeg = nil
	s.segments = []segment{{buf: NewMemBuffer(raw), offset: 0, length: len(raw)}}
	s.compressed = false
}

// FromBytes packs data directly into newly allocated persistent (chunk
// allocator) segments, the same packing Clone uses, without requiring an
// intermediate ephemeral stream. Used by in-place rewrites (incr/decr)
// that only ever hold the new value as a plain byte slice.
func FromBytes(pool *chunkpool.Pool, data []byte) (*Stream, error) {
	out := &Stream{persistent: true}
	remaining := len(data)
	off := 0
	for remaining > 0 {
		want := remaining
		if want > chunkpool.MaxUserBytes {
			want = chunkpool.MaxUserBytes
		}
		ref, err := pool.Alloc(uint32(want))
		if err != nil {
			out.Release()
			return nil, err
		}
		copy(pool.Data(ref)[:want], data[off:off+want])
		buf := NewChunkBuffer(pool, ref)
		out.segments = append(out.segments, segment{buf: buf, offset: 0, length: want})
		out.size += want
		off += want
		remaining -= want
	}
	return out, nil
}

// copyFrom copies into dst starting at (s.segments[*segIdx], *segOff),
// advancing both cursors, and returns the number of bytes copied.
func copyFrom(s *Stream, segIdx *int, segOff *int, dst []byte) int {
	copied := 0
	for copied < len(dst) && *segIdx < len(s.segments) {
		seg := s.segments[*segIdx]
		avail := seg.length - *segOff
		src := seg.buf.Bytes()[seg.offset+*segOff : seg.offset+seg.length]
		n := copy(dst[copied:], src[:min(avail, len(dst)-copied)])
		copied += n
		*segOff += n
		if *segOff == seg.length {
			*segIdx++
			*segOff = 0
		}
	}
	return copied
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Release drops s's reference to every segment it holds. The stream must
// not be used afterward.
func (s *Stream) Release() {
	if s.compressed {
		s.compressedSeg.buf.Release()
		s.compressedSeg = nil
		s.compressed = false
	}
	for _, seg := range s.segments {
		seg.buf.Release()
	}
	s.segments = nil
	s.size = 0
}

// Bytes materializes the full logical contents of s into a fresh slice.
// Intended for tests, small responses, and key/argument extraction — not
// the hot path for large values.
func (s *Stream) Bytes() []byte {
	s.ensureDecompressed()
	out := make([]byte, s.size)
	off := 0
	for _, seg := range s.segments {
		n := copy(out[off:], seg.buf.Bytes()[seg.offset:seg.offset+seg.length])
		off += n
	}
	return out
}

// LineStatus reports the outcome of FindEndOfLine.
type LineStatus int

const (
	// LineNeedMore means no terminator has appeared yet.
	LineNeedMore LineStatus = iota
	// LineFound means a well-formed CRLF terminator was found; Offset is
	// the index of the '\n'.
	LineFound
	// LineBareLF means a '\n' appeared without an immediately preceding
	// '\r'; Offset is the index of that '\n'.
	LineBareLF
)

// FindEndOfLine scans s for the first line terminator, per spec.md §4.3:
// a '\r' immediately followed by '\n' is a well-formed terminator; a bare
// '\n' (no preceding '\r') is reported distinctly so the parser can treat
// it as malformed input rather than silently accepting it.
func (s *Stream) FindEndOfLine() (offset int, status LineStatus) {
	s.ensureDecompressed()
	prevCR := false
	idx := 0
	for _, seg := range s.segments {
		data := seg.buf.Bytes()[seg.offset : seg.offset+seg.length]
		for _, c := range data {
			if c == '\n' {
				if prevCR {
					return idx, LineFound
				}
				return idx, LineBareLF
			}
			prevCR = c == '\r'
			idx++
		}
	}
	return 0, LineNeedMore
}
