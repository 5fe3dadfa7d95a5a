package cache

// expiryHeap is a 1-indexed binary min-heap of *entry keyed by absolute
// expiry time. Each entry records its own heap index so deletion never
// needs a search (spec.md §4.5 Expiry heap).
type expiryHeap struct {
	slots []*entry // slots[0] is unused; real entries start at index 1
}

func newExpiryHeap() *expiryHeap {
	return &expiryHeap{slots: make([]*entry, 1, 64)}
}

func (h *expiryHeap) Len() int { return len(h.slots) - 1 }

func (h *expiryHeap) swap(i, j int) {
	h.slots[i], h.slots[j] = h.slots[j], h.slots[i]
	h.slots[i].heapIndex = i
	h.slots[j].heapIndex = j
}

func (h *expiryHeap) less(i, j int) bool {
	return h.slots[i].item.Expiry() < h.slots[j].item.Expiry()
}

func (h *expiryHeap) fixUp(k int) {
	for k > 1 {
		parent := k / 2
		if !h.less(k, parent) {
			break
		}
		h.swap(k, parent)
		k = parent
	}
}

func (h *expiryHeap) fixDown(k int) {
	n := h.Len()
	for {
		child := k * 2
		if child > n {
			break
		}
		if child < n && h.less(child+1, child) {
			child++
		}
		if !h.less(child, k) {
			break
		}
		h.swap(k, child)
		k = child
	}
}

// Insert adds e to the heap. e's expiry must already be zero ("never") or
// a concrete absolute time; the skip for NeverExpires entries is the
// caller's responsibility (spec.md §4.5 put).
func (h *expiryHeap) Insert(e *entry) {
	h.slots = append(h.slots, e)
	e.heapIndex = h.Len()
	h.fixUp(e.heapIndex)
}

// Delete removes e from the heap. A no-op if e is not currently in it.
func (h *expiryHeap) Delete(e *entry) {
	if e.heapIndex == 0 {
		return
	}
	idx := e.heapIndex
	last := h.Len()
	h.slots[idx] = h.slots[last]
	h.slots[last] = nil
	h.slots = h.slots[:last]
	e.heapIndex = 0
	if idx <= h.Len() {
		h.slots[idx].heapIndex = idx
		h.fixDown(idx)
		h.fixUp(idx)
	}
}

// Fix restores heap order for e after its key (item expiry) has changed in
// place, used by flush_all's "lower the expiry" rewrite.
func (h *expiryHeap) Fix(e *entry) {
	if e.heapIndex == 0 {
		return
	}
	h.fixDown(e.heapIndex)
	h.fixUp(e.heapIndex)
}

// PopExpired pops and returns the root if its expiry is <= now, or nil if
// the heap is empty or the root hasn't expired yet.
func (h *expiryHeap) PopExpired(now int64) *entry {
	if h.Len() == 0 {
		return nil
	}
	root := h.slots[1]
	if root.item.Expiry() == NeverExpires || root.item.Expiry() > now {
		return nil
	}
	h.Delete(root)
	return root
}
