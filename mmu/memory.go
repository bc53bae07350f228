// Package mmu implements the paged guest address space: page and attribute
// records, copy-on-write promotion, lookaside caches, shared read-only
// segments, and non-owned host-backed memory (spec §3, §4.1).
package mmu

import (
	"github.com/pkg/errors"

	"github.com/Mutzi100/libriscv/fault"
)

// PageFaultHandler is invoked when a write or create touches an unmapped
// page; it must return a Page to install there (spec §6).
type PageFaultHandler func(m *Memory, pageno uint64) (*Page, error)

// PageWriteHandler promotes a CoW page to owned, writable backing. The
// default implementation allocates owned backing copying the current
// contents and clears CoW (spec §4.1).
type PageWriteHandler func(m *Memory, pageno uint64, page *Page) (*Page, error)

// PageReadForeignHandler is consulted before falling back to the zero page
// on an unmapped read; it may return any page with at least read permission
// (spec §4.1, "ordering/tie-breaks").
type PageReadForeignHandler func(m *Memory, pageno uint64) (*Page, bool)

// Memory is one guest address space (spec §3).
type Memory struct {
	width uint
	mask  uint64

	pages   map[uint64]*Page
	ropages map[uint64]*Page

	rdCache pageCache
	wrCache pageCache

	pageFaultHandler       PageFaultHandler
	pageWriteHandler       PageWriteHandler
	pageReadForeignHandler PageReadForeignHandler

	// RodataSegmentIsShared mirrors RISCV_RODATA_SEGMENT_IS_SHARED: when
	// true, a write to a ropages entry is always a protection fault instead
	// of being promoted, because the backing may be shared across Machines.
	RodataSegmentIsShared bool

	memoryMax uint64
	observers []Invalidator

	pagesAllocated int
}

// Config configures a freshly constructed Memory (spec §6, memory_max).
type Config struct {
	Width                 uint
	MemoryMax             uint64
	RodataSegmentIsShared bool
	PageFaultHandler       PageFaultHandler
	PageWriteHandler       PageWriteHandler
	PageReadForeignHandler PageReadForeignHandler
}

const defaultMemoryMax = 16 * 1024 * 1024 // 16 MiB (spec §6 default)

// New constructs an empty Memory. Untouched addresses resolve to ZeroPage
// until written or explicitly mapped.
func New(cfg Config) *Memory {
	width := cfg.Width
	if width == 0 {
		width = 64
	}
	var mask uint64
	if width >= 64 {
		mask = ^uint64(0)
	} else {
		mask = (uint64(1) << width) - 1
	}
	memMax := cfg.MemoryMax
	if memMax == 0 {
		memMax = defaultMemoryMax
	}
	m := &Memory{
		width:                  width,
		mask:                   mask,
		pages:                  make(map[uint64]*Page),
		ropages:                make(map[uint64]*Page),
		pageWriteHandler:       defaultPageWriteHandler,
		pageFaultHandler:       cfg.PageFaultHandler,
		pageReadForeignHandler: cfg.PageReadForeignHandler,
		RodataSegmentIsShared:  cfg.RodataSegmentIsShared,
		memoryMax:              memMax,
	}
	if cfg.PageWriteHandler != nil {
		m.pageWriteHandler = cfg.PageWriteHandler
	}
	return m
}

// MemoryMax returns the configured upper bound on committed guest memory.
func (m *Memory) MemoryMax() uint64 { return m.memoryMax }

// Mask returns the address mask for this Memory's configured width.
func (m *Memory) Mask() uint64 { return m.mask }

// Width returns the configured address width in bits.
func (m *Memory) Width() uint { return m.width }

// RegisterObserver attaches an Invalidator (typically a CPU's exec cache)
// so that InvalidateCache reaches it too (spec §4.1 invariant 3).
func (m *Memory) RegisterObserver(o Invalidator) {
	m.observers = append(m.observers, o)
}

// InvalidateCache clears rd_cache, wr_cache, and every registered observer's
// exec cache (spec §4.1).
func (m *Memory) InvalidateCache() {
	m.rdCache.invalidate()
	m.wrCache.invalidate()
	for _, o := range m.observers {
		o.InvalidateExecCache()
	}
}

func inRange(addr, max uint64) bool { return addr < max }

// GetPageno looks up a page by number without faulting (spec §4.1). Unmapped
// addresses resolve to ZeroPage by identity, after first consulting the
// foreign-read hook if one is installed.
func (m *Memory) GetPageno(pageno uint64) *Page {
	if p, ok := m.pages[pageno]; ok {
		return p
	}
	if m.pageReadForeignHandler != nil {
		if p, ok := m.pageReadForeignHandler(m, pageno); ok {
			return p
		}
	}
	if p, ok := m.ropages[pageno]; ok {
		return p
	}
	return ZeroPage
}

// ReadPage returns the page containing addr with read permission, or a
// ProtectionFault if the page isn't readable (spec §4.1).
func (m *Memory) ReadPage(addr uint64) (*Page, error) {
	addr &= m.mask
	if addr >= m.memoryMax {
		return nil, fault.NewAddr(fault.ProtectionFault, 0, addr)
	}
	pageno := PageNo(addr)
	if p := m.rdCache.lookup(pageno); p != nil {
		return p, nil
	}
	p := m.GetPageno(pageno)
	if !p.Attr.Read {
		return nil, fault.NewAddr(fault.ProtectionFault, 0, addr)
	}
	m.rdCache.fill(pageno, p)
	return p, nil
}

// WritePage returns an owned, writable page for addr, materializing CoW if
// necessary (spec §4.1).
func (m *Memory) WritePage(addr uint64) (*Page, error) {
	addr &= m.mask
	if addr >= m.memoryMax {
		return nil, fault.NewAddr(fault.ProtectionFault, 0, addr)
	}
	pageno := PageNo(addr)
	if p := m.wrCache.lookup(pageno); p != nil {
		return p, nil
	}
	p, err := m.createPage(pageno)
	if err != nil {
		return nil, err
	}
	if !p.Attr.Write {
		return nil, fault.NewAddr(fault.ProtectionFault, 0, addr)
	}
	m.wrCache.fill(pageno, p)
	m.rdCache.invalidate()
	return p, nil
}

// CreatePage returns an owned page for pageno, promoting CoW via the page
// write handler. It is the public half of the internal createPage used by
// WritePage and MemcpyUnsafe (spec §4.1).
func (m *Memory) CreatePage(pageno uint64) (*Page, error) {
	return m.createPage(pageno)
}

func (m *Memory) createPage(pageno uint64) (*Page, error) {
	// create_page prefers the existing mapped page over ropages
	if p, ok := m.pages[pageno]; ok {
		if p.Attr.CoW {
			return m.promote(pageno, p)
		}
		return p, nil
	}
	if ro, ok := m.ropages[pageno]; ok {
		if m.RodataSegmentIsShared {
			return nil, fault.NewAddr(fault.ProtectionFault, 0, pageno<<PageShift)
		}
		return m.promote(pageno, ro)
	}
	base := m.GetPageno(pageno)
	if base != ZeroPage && base != GuardPage && !base.IsSentinel() {
		// a foreign-read-supplied page: treat like any other existing page
		if base.Attr.CoW {
			return m.promote(pageno, base)
		}
		return base, nil
	}
	if base == GuardPage {
		return nil, fault.NewAddr(fault.ProtectionFault, 0, pageno<<PageShift)
	}
	if m.pageFaultHandler != nil {
		p, err := m.pageFaultHandler(m, pageno)
		if err != nil {
			return nil, err
		}
		m.pages[pageno] = p
		m.InvalidateCache()
		return p, nil
	}
	// default: promote the zero page to a fresh owned, writable page
	return m.promote(pageno, ZeroPage)
}

// promote materializes page (CoW or the zero page) into an owned writable
// copy at pageno, via the installed page-write handler (spec §4.1).
func (m *Memory) promote(pageno uint64, page *Page) (*Page, error) {
	if !page.Attr.Write && !page.Attr.CoW {
		return nil, fault.NewAddr(fault.ProtectionFault, 0, pageno<<PageShift)
	}
	np, err := m.pageWriteHandler(m, pageno, page)
	if err != nil {
		return nil, err
	}
	m.pages[pageno] = np
	m.InvalidateCache()
	return np, nil
}

// defaultPageWriteHandler allocates owned backing copying the current
// contents and clears CoW (spec §4.1).
func defaultPageWriteHandler(m *Memory, pageno uint64, page *Page) (*Page, error) {
	attr := page.Attr
	attr.CoW = false
	attr.NonOwning = false
	attr.Read = true
	attr.Write = true
	np, err := newOwnedPageCopying(attr, page)
	if err != nil {
		return nil, errors.Wrap(err, "allocating CoW backing")
	}
	return np, nil
}

// FreePages releases pages in [addr, addr+len) (spec §4.1). Sentinel pages
// are never freed.
func (m *Memory) FreePages(addr, length uint64) {
	addr &= m.mask
	start := PageNo(addr)
	end := PageNo(addr + length + PageSize - 1)
	for pn := start; pn < end; pn++ {
		if p, ok := m.pages[pn]; ok {
			p.free()
			delete(m.pages, pn)
			m.pagesAllocated--
		}
	}
	m.InvalidateCache()
}

// InstallSharedPage inserts an external page as non-owning at pageno. It
// only replaces a sentinel slot; a real page already present is a fatal
// precondition violation per the spec's resolved Open Question (§9): the
// source's "overwrite on emplace failure" behavior is rejected here in
// favor of an explicit precondition.
func (m *Memory) InstallSharedPage(pageno uint64, page *Page) error {
	if existing, ok := m.pages[pageno]; ok {
		if existing != ZeroPage && existing != GuardPage {
			return errors.Errorf("install_shared_page: pageno %#x already mapped", pageno)
		}
	}
	if page.Attr.RequiresBacking() && !page.HasData() {
		return errors.Errorf("install_shared_page: RWX page with no backing")
	}
	shared := *page
	shared.Attr.NonOwning = true
	m.pages[pageno] = &shared
	m.InvalidateCache()
	return nil
}

// InsertNonOwnedMemory maps a host-provided range as non-owning. addr and
// len must be page-aligned; violating that is a fatal precondition error
// per spec §4.1.
func (m *Memory) InsertNonOwnedMemory(addr uint64, host []byte, attr PageAttributes) error {
	addr &= m.mask
	length := uint64(len(host))
	if addr&pageMask != 0 || length&pageMask != 0 {
		return errors.Errorf("insert_non_owned_memory: addr %#x / len %#x not page-aligned", addr, length)
	}
	start := PageNo(addr)
	n := length / PageSize
	for i := uint64(0); i < n; i++ {
		pageno := start + i
		data := host[i*PageSize : (i+1)*PageSize]
		m.pages[pageno] = newNonOwnedPage(attr, data)
	}
	m.InvalidateCache()
	return nil
}

// InstallRopage inserts a shared read-only page into ropages (used by the
// loader for .text/.rodata segment sharing, spec §4.1 "sharing policy").
func (m *Memory) InstallRopage(pageno uint64, page *Page) {
	m.ropages[pageno] = page
	m.InvalidateCache()
}

// SetPageAttr sets attributes over [addr, addr+len). Passing AttrDefault only
// materializes non-CoW pages rather than stamping a fixed permission set
// (spec §4.1, and the libriscv "default" semantics ported in SPEC_FULL.md).
func (m *Memory) SetPageAttr(addr, length uint64, attr PageAttributes) error {
	addr &= m.mask
	start := PageNo(addr)
	end := PageNo(addr + length + PageSize - 1)
	useDefault := attr.isDefault()
	for pn := start; pn < end; pn++ {
		p, ok := m.pages[pn]
		if !ok {
			if useDefault {
				continue
			}
			np, err := newOwnedPage(attr)
			if err != nil {
				return err
			}
			m.pages[pn] = np
			continue
		}
		if useDefault {
			if p.Attr.CoW {
				if _, err := m.promote(pn, p); err != nil {
					return err
				}
			}
			continue
		}
		p.Attr = attr
	}
	m.InvalidateCache()
	return nil
}

// MemcpyUnsafe is a bulk write honoring page boundaries and materializing
// pages via CreatePage. Per the Open Question resolved in spec §9, a target
// page that CreatePage returns without data (i.e. one that still fails
// HasData after materialization) is treated as a protection fault.
func (m *Memory) MemcpyUnsafe(dst uint64, src []byte) error {
	dst &= m.mask
	for len(src) > 0 {
		pageno := PageNo(dst)
		off := PageOff(dst)
		p, err := m.createPage(pageno)
		if err != nil {
			return err
		}
		if !p.HasData() {
			return fault.NewAddr(fault.ProtectionFault, 0, dst)
		}
		n := copy(p.Bytes()[off:], src)
		dst += uint64(n)
		src = src[n:]
	}
	m.InvalidateCache()
	return nil
}

// ReadAt reads len(p) bytes starting at addr, crossing page boundaries as
// needed, enforcing read permission page by page.
func (m *Memory) ReadAt(addr uint64, p []byte) error {
	addr &= m.mask
	for len(p) > 0 {
		page, err := m.ReadPage(addr)
		if err != nil {
			return err
		}
		off := PageOff(addr)
		n := copy(p, page.Bytes()[off:])
		if n == 0 {
			n = len(p)
		}
		addr += uint64(n)
		p = p[n:]
	}
	return nil
}

// WriteAt writes p into guest memory starting at addr, crossing page
// boundaries and materializing/promoting pages as needed.
func (m *Memory) WriteAt(addr uint64, p []byte) error {
	addr &= m.mask
	for len(p) > 0 {
		page, err := m.WritePage(addr)
		if err != nil {
			return err
		}
		off := PageOff(addr)
		n := copy(page.Bytes()[off:], p)
		addr += uint64(n)
		p = p[n:]
	}
	return nil
}

// IsExecutable reports whether addr currently resolves to an executable
// page, ported from libriscv's Memory::is_executable (SPEC_FULL.md).
func (m *Memory) IsExecutable(addr uint64) bool {
	p := m.GetPageno(PageNo(addr & m.mask))
	return p.Attr.Exec
}

// PagesActive returns the number of pages currently present in the owned
// page map (diagnostic helper, mirrors libriscv's pages_active()).
func (m *Memory) PagesActive() int { return len(m.pages) }

// RangePages calls fn once per entry in the owned page map, in unspecified
// order (spec §4.2 "Serialization": the list of owned pages with their
// attributes).
func (m *Memory) RangePages(fn func(pageno uint64, p *Page)) {
	for pn, p := range m.pages {
		fn(pn, p)
	}
}

// SetPage installs p directly at pageno, bypassing fault handlers. Used only
// by deserialization to reconstruct a saved page map.
func (m *Memory) SetPage(pageno uint64, p *Page) {
	m.pages[pageno] = p
	m.InvalidateCache()
}
