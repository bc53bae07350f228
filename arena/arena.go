// Package arena implements the guest-side separate-address-space allocator
// (spec §4.3), ported from libriscv's native_heap.hpp. Chunk metadata lives
// host-side in a non-relocating slab (a slice that never shrinks, indices
// instead of pointers) so that a free-slot stack can hand out stable chunk
// indices the way the original hands out stable ArenaChunk* pointers.
package arena

const minAlloc = 8
const wordAlign = 8

// chunk mirrors libriscv's ArenaChunk: next/prev are slab indices, -1 means
// nil. data is a guest address.
type chunk struct {
	next, prev int
	size       uint64
	free       bool
	data       uint64
}

const nilChunk = -1

// Arena is the guest heap allocator (spec §3, §4.3).
type Arena struct {
	base, end uint64
	chunks    []chunk
	freeSlots []int
	baseChunk int
}

// New constructs an Arena spanning [base, end).
func New(base, end uint64) *Arena {
	a := &Arena{base: base, end: end}
	a.chunks = append(a.chunks, chunk{next: nilChunk, prev: nilChunk, size: end - base, free: true, data: base})
	a.baseChunk = 0
	return a
}

func wordAlignSize(size uint64) uint64 {
	return (size + (wordAlign - 1)) &^ (wordAlign - 1)
}

// newChunk allocates a chunk slot, reusing a freed one when available so
// that chunk indices (the Go analogue of libriscv's stable ArenaChunk*) stay
// stable across the arena's lifetime.
func (a *Arena) newChunk(c chunk) int {
	if len(a.freeSlots) == 0 {
		a.chunks = append(a.chunks, c)
		return len(a.chunks) - 1
	}
	idx := a.freeSlots[len(a.freeSlots)-1]
	a.freeSlots = a.freeSlots[:len(a.freeSlots)-1]
	a.chunks[idx] = c
	return idx
}

func (a *Arena) freeChunk(idx int) {
	a.freeSlots = append(a.freeSlots, idx)
}

func (a *Arena) at(idx int) *chunk {
	if idx == nilChunk {
		return nil
	}
	return &a.chunks[idx]
}

// findFree scans from the base chunk for the first free chunk of size >= n.
func (a *Arena) findFree(n uint64) int {
	idx := a.baseChunk
	for idx != nilChunk {
		c := a.at(idx)
		if c.free && c.size >= n {
			return idx
		}
		idx = c.next
	}
	return nilChunk
}

// findExact scans for the non-free chunk whose data equals ptr.
func (a *Arena) findExact(ptr uint64) int {
	idx := a.baseChunk
	for idx != nilChunk {
		c := a.at(idx)
		if !c.free && c.data == ptr {
			return idx
		}
		idx = c.next
	}
	return nilChunk
}

// splitNext splits idx in place: the left part (idx itself) becomes size n,
// the remainder becomes a new free chunk inserted after it.
func (a *Arena) splitNext(idx int, n uint64) {
	c := a.at(idx)
	newIdx := a.newChunk(chunk{
		next: c.next,
		prev: idx,
		size: c.size - n,
		free: true,
		data: c.data + n,
	})
	c = a.at(idx) // re-fetch: newChunk may have grown the slice and invalidated c
	if c.next != nilChunk {
		a.at(c.next).prev = newIdx
	}
	c.next = newIdx
	c.size = n
}

// mergeNext merges idx's forward neighbor into idx and frees the neighbor's
// slot.
func (a *Arena) mergeNext(idx int) {
	c := a.at(idx)
	nextIdx := c.next
	next := a.at(nextIdx)
	c.size += next.size
	c.next = next.next
	if c.next != nilChunk {
		a.at(c.next).prev = idx
	}
	a.freeChunk(nextIdx)
}

// Malloc returns 0 on failure (spec §4.3).
func (a *Arena) Malloc(size uint64) uint64 {
	length := wordAlignSize(size)
	if length < minAlloc {
		length = minAlloc
	}
	idx := a.findFree(length)
	if idx == nilChunk {
		return 0
	}
	c := a.at(idx)
	if c.size > length {
		a.splitNext(idx, length)
		c = a.at(idx)
	}
	c.free = false
	return c.data
}

// Size returns the chunk size for ptr, or 0 if unknown or free (unless
// allowFree is set, mirroring libriscv's Arena::size(ptr, allow_free)).
func (a *Arena) Size(ptr uint64, allowFree bool) uint64 {
	idx := a.baseChunk
	for idx != nilChunk {
		c := a.at(idx)
		if c.data == ptr {
			if c.free && !allowFree {
				return 0
			}
			return c.size
		}
		idx = c.next
	}
	return 0
}

// Free marks the allocated chunk that starts at ptr free and coalesces with
// any free neighbors. Returns 0 on success, -1 if ptr is not the start of a
// live allocation (spec §4.3).
func (a *Arena) Free(ptr uint64) int {
	idx := a.findExact(ptr)
	if idx == nilChunk {
		return -1
	}
	c := a.at(idx)
	c.free = true
	if c.next != nilChunk && a.at(c.next).free {
		a.mergeNext(idx)
	}
	c = a.at(idx)
	if c.prev != nilChunk && a.at(c.prev).free {
		prev := c.prev
		a.mergeNext(prev)
		idx = prev
	}
	return 0
}

// BytesFree sums the size of every free chunk.
func (a *Arena) BytesFree() uint64 {
	var sum uint64
	idx := a.baseChunk
	for idx != nilChunk {
		c := a.at(idx)
		if c.free {
			sum += c.size
		}
		idx = c.next
	}
	return sum
}

// BytesUsed sums the size of every non-free chunk.
func (a *Arena) BytesUsed() uint64 {
	var sum uint64
	idx := a.baseChunk
	for idx != nilChunk {
		c := a.at(idx)
		if !c.free {
			sum += c.size
		}
		idx = c.next
	}
	return sum
}

// ChunksUsed returns the number of live chunk slots (free or not), mirroring
// libriscv's Arena::chunks_used.
func (a *Arena) ChunksUsed() int {
	return len(a.chunks) - len(a.freeSlots)
}

// Transfer deep-copies the chunk topology into dest (used by fork, spec
// §4.3).
func (a *Arena) Transfer(dest *Arena) {
	dest.base, dest.end = a.base, a.end
	dest.chunks = nil
	dest.freeSlots = nil
	idx := a.baseChunk
	prevIdx := nilChunk
	for idx != nilChunk {
		c := *a.at(idx)
		newIdx := len(dest.chunks)
		c.prev = prevIdx
		dest.chunks = append(dest.chunks, c)
		if prevIdx != nilChunk {
			dest.chunks[prevIdx].next = newIdx
		} else {
			dest.baseChunk = newIdx
		}
		prevIdx = newIdx
		idx = a.at(idx).next
	}
	if len(dest.chunks) > 0 {
		dest.chunks[len(dest.chunks)-1].next = nilChunk
	} else {
		dest.baseChunk = nilChunk
	}
}
