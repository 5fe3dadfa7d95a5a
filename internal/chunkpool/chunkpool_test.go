package chunkpool

import (
	"errors"
	"math/rand"
	"testing"
)

func TestClassSizing(t *testing.T) {
	if got := ClassUserBytes(0); got != 12 {
		t.Errorf("ClassUserBytes(0) = %d, want 12", got)
	}
	if got := ClassUserBytes(MaxClass); got != 4092 {
		t.Errorf("ClassUserBytes(255) = %d, want 4092", got)
	}
	if MaxUserBytes != 4092 {
		t.Errorf("MaxUserBytes = %d, want 4092", MaxUserBytes)
	}

	cases := []struct {
		size uint32
		want int
	}{
		{1, 0},
		{12, 0},
		{13, 1},
		{28, 1},
		{29, 2},
		{4092, MaxClass},
	}
	for _, c := range cases {
		got, ok := classFor(c.size)
		if !ok {
			t.Fatalf("classFor(%d): not ok", c.size)
		}
		if got != c.want {
			t.Errorf("classFor(%d) = %d, want %d", c.size, got, c.want)
		}
		if ClassUserBytes(got) < int(c.size) {
			t.Errorf("classFor(%d) = %d which only holds %d bytes", c.size, got, ClassUserBytes(got))
		}
	}

	if _, ok := classFor(MaxUserBytes + 1); ok {
		t.Errorf("classFor(MaxUserBytes+1) should not be satisfiable")
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	p := NewPool(4, nil)

	ref, err := p.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	data := p.Data(ref)
	if len(data) < 100 {
		t.Fatalf("Data() len = %d, want >= 100", len(data))
	}
	for _, b := range data {
		if b != 0 {
			t.Fatalf("Alloc did not zero returned bytes")
		}
	}
	copy(data, []byte("hello"))

	p.Free(ref)

	stats := p.Stats()
	if stats.UsedBytes != 0 {
		t.Errorf("UsedBytes after Free = %d, want 0", stats.UsedBytes)
	}
}

func TestAllocTooLarge(t *testing.T) {
	p := NewPool(1, nil)
	_, err := p.Alloc(MaxUserBytes + 1)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Alloc(too large) err = %v, want ErrTooLarge", err)
	}
}

func TestAllocExhaustion(t *testing.T) {
	p := NewPool(1, nil)
	var refs []Ref
	for {
		ref, err := p.Alloc(4000)
		if err != nil {
			if !errors.Is(err, ErrOutOfMemory) {
				t.Fatalf("Alloc err = %v, want ErrOutOfMemory", err)
			}
			break
		}
		refs = append(refs, ref)
		if len(refs) > 10 {
			t.Fatalf("allocator did not exhaust as expected")
		}
	}
	if len(refs) == 0 {
		t.Fatalf("expected at least one successful allocation")
	}

	for _, ref := range refs {
		p.Free(ref)
	}
	if _, err := p.Alloc(4000); err != nil {
		t.Fatalf("Alloc after freeing everything: %v", err)
	}
}

func TestSplitAndMergeRecoversCapacity(t *testing.T) {
	p := NewPool(1, nil)
	before := p.Stats().FreeBytes

	// Fragment the page into many small chunks, then free them all. With
	// the page now fully free but chopped into many tiny chunks, GC's
	// fragmentation gate (small average free-chunk size) should trip and
	// the buddy-merge sweep should recombine the page.
	var refs []Ref
	for {
		ref, err := p.Alloc(12)
		if err != nil {
			break
		}
		refs = append(refs, ref)
	}
	if len(refs) < 32 {
		t.Fatalf("expected to fragment the page into many chunks, got %d", len(refs))
	}
	for _, ref := range refs {
		p.Free(ref)
	}

	p.GC()

	if _, err := p.Alloc(MaxUserBytes); err != nil {
		t.Fatalf("Alloc(MaxUserBytes) after GC merge: %v (GC failed to recombine the page)", err)
	}

	after := p.Stats().FreeBytes
	if after > before {
		t.Errorf("FreeBytes after alloc = %d, want <= %d", after, before)
	}
}

func TestRandomizedAllocFreeNeverCorrupts(t *testing.T) {
	p := NewPool(16, nil)
	rng := rand.New(rand.NewSource(7))

	type live struct {
		ref  Ref
		size uint32
		tag  byte
	}
	var held []live

	for i := 0; i < 5000; i++ {
		if len(held) > 0 && rng.Intn(3) == 0 {
			idx := rng.Intn(len(held))
			item := held[idx]
			data := p.Data(item.ref)
			for _, b := range data[:item.size] {
				if b != item.tag {
					t.Fatalf("corrupted chunk: want %d got %d", item.tag, b)
				}
			}
			p.Free(item.ref)
			held[idx] = held[len(held)-1]
			held = held[:len(held)-1]
			continue
		}

		size := uint32(1 + rng.Intn(500))
		ref, err := p.Alloc(size)
		if err != nil {
			continue
		}
		tag := byte(rng.Intn(256))
		data := p.Data(ref)
		for j := uint32(0); j < size; j++ {
			data[j] = tag
		}
		held = append(held, live{ref: ref, size: size, tag: tag})

		if i%500 == 0 {
			p.GC()
		}
	}

	for _, item := range held {
		p.Free(item.ref)
	}
}
