package mmu

// pageCache is the single-entry (pageno, *Page) lookaside used by Memory's
// read/write fast paths (spec §4.1). A hit returns in O(1); any operation
// that rearranges pages must call invalidate, since the cache holds a
// borrowed pointer.
type pageCache struct {
	valid  bool
	pageno uint64
	page   *Page
}

func (c *pageCache) lookup(pageno uint64) *Page {
	if c.valid && c.pageno == pageno {
		return c.page
	}
	return nil
}

func (c *pageCache) fill(pageno uint64, page *Page) {
	c.valid = true
	c.pageno = pageno
	c.page = page
}

func (c *pageCache) invalidate() {
	c.valid = false
	c.page = nil
}

// Invalidator is implemented by anything holding a per-CPU cache of borrowed
// *Page pointers (the execution cache in cpu.CPU). Memory.InvalidateCache
// calls InvalidateExecCache on every registered observer in addition to clearing its
// own caches (spec §4.1, invariant 3).
type Invalidator interface {
	InvalidateExecCache()
}
