// Package skiplist implements an ordered set of uint32 values with
// probabilistic skip-list links, used to index the chunk allocator's size
// classes.
//
// The structure mirrors iamrohit/cacheismo's src/common/skiplist.c: up to
// eight forward-link levels per node, a level-0 doubly-traversed search that
// narrows per level, and a node freelist so insert/delete in the allocator's
// hot path never calls into the runtime allocator.
package skiplist

import (
	"encoding/binary"

	"github.com/dchest/siphash"
)

const maxLevel = 8

type node struct {
	value uint32
	next  []*node // len == level+1
}

// List is an ordered set of uint32 values. It is not safe for concurrent
// use; callers (the chunk allocator) serialize access themselves.
type List struct {
	head    *node
	level   int
	free    *node
	count   int
	k0, k1  uint64
	counter uint64
}

// New creates an empty skip list.
func New() *List {
	l := &List{
		head: &node{next: make([]*node, maxLevel+1)},
		// Fixed seed: the level distribution only needs to avoid worst-case
		// pathological insert orders, not cryptographic unpredictability.
		k0: 0x9e3779b97f4a7c15,
		k1: 0xbf58476d1ce4e5b9,
	}
	return l
}

// Len reports the number of distinct values currently in the list.
func (l *List) Len() int { return l.count }

// nextRandomLevel draws a level in [0, maxLevel] with P(level >= n+1 | level
// >= n) = 1/2, using siphash over a monotonic counter as the bit source
// instead of math/rand so the allocator has no shared global RNG state.
func (l *List) nextRandomLevel() int {
	level := 0
	for level < maxLevel {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], l.counter)
		l.counter++
		h := siphash.Hash(l.k0, l.k1, buf[:])
		if h&1 == 0 {
			break
		}
		level++
	}
	return level
}

func (l *List) allocNode(value uint32, level int) *node {
	if l.free != nil {
		n := l.free
		l.free = l.free.next[0]
		n.value = value
		if cap(n.next) < level+1 {
			n.next = make([]*node, level+1)
		} else {
			n.next = n.next[:level+1]
			for i := range n.next {
				n.next[i] = nil
			}
		}
		return n
	}
	return &node{value: value, next: make([]*node, level+1)}
}

// Insert adds value to the set. A no-op if value is already present.
func (l *List) Insert(value uint32) {
	var update [maxLevel + 1]*node
	cur := l.head
	for i := l.level; i >= 0; i-- {
		for cur.next[i] != nil && cur.next[i].value < value {
			cur = cur.next[i]
		}
		update[i] = cur
	}
	cur = cur.next[0]
	if cur != nil && cur.value == value {
		return
	}

	newLevel := l.nextRandomLevel()
	if newLevel > l.level {
		for i := l.level + 1; i <= newLevel; i++ {
			update[i] = l.head
		}
		l.level = newLevel
	}

	n := l.allocNode(value, newLevel)
	for i := 0; i <= newLevel; i++ {
		n.next[i] = update[i].next[i]
		update[i].next[i] = n
	}
	l.count++
}

// Delete removes value from the set. A no-op if value is absent.
func (l *List) Delete(value uint32) {
	var update [maxLevel + 1]*node
	cur := l.head
	for i := l.level; i >= 0; i-- {
		for cur.next[i] != nil && cur.next[i].value < value {
			cur = cur.next[i]
		}
		update[i] = cur
	}
	cur = cur.next[0]
	if cur == nil || cur.value != value {
		return
	}

	for i := 0; i <= l.level; i++ {
		if update[i].next[i] != cur {
			break
		}
		update[i].next[i] = cur.next[i]
	}

	// Return the node to the freelist; reuse next[0] as the link field.
	freed := cur
	freed.next = freed.next[:1]
	freed.next[0] = l.free
	l.free = freed
	l.count--

	for l.level > 0 && l.head.next[l.level] == nil {
		l.level--
	}
}

// Contains reports whether value is present in the set.
func (l *List) Contains(value uint32) bool {
	cur := l.head
	for i := l.level; i >= 0; i-- {
		for cur.next[i] != nil && cur.next[i].value < value {
			cur = cur.next[i]
		}
	}
	cur = cur.next[0]
	return cur != nil && cur.value == value
}

// Next returns the smallest value strictly greater than value, and true if
// one exists.
func (l *List) Next(value uint32) (uint32, bool) {
	cur := l.head
	for i := l.level; i >= 0; i-- {
		for cur.next[i] != nil && cur.next[i].value <= value {
			cur = cur.next[i]
		}
	}
	cur = cur.next[0]
	if cur != nil {
		return cur.value, true
	}
	return 0, false
}

// Prev returns the largest value strictly less than value, and true if one
// exists.
func (l *List) Prev(value uint32) (uint32, bool) {
	cur := l.head
	for i := l.level; i >= 0; i-- {
		for cur.next[i] != nil && cur.next[i].value < value {
			cur = cur.next[i]
		}
	}
	if cur != l.head && cur.value < value {
		return cur.value, true
	}
	return 0, false
}
