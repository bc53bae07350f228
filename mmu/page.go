package mmu

import (
	"golang.org/x/sys/unix"
)

const (
	PageSize  = 4096
	PageShift = 12
	pageMask  = PageSize - 1
)

// PageNo returns the page number an address belongs to.
func PageNo(addr uint64) uint64 { return addr >> PageShift }

// PageOff returns the offset of an address within its page.
func PageOff(addr uint64) uint64 { return addr & pageMask }

// PageAttributes is the small permission/kind record attached to every Page
// (spec §3). TrapHandler is stored with the attributes, but Memory has no
// memory-traps setting and does not call it on any access.
type PageAttributes struct {
	Read       bool
	Write      bool
	Exec       bool
	CoW        bool
	NonOwning  bool
	TrapHandler func(m *Memory, addr uint64, write bool) error
}

// AttrDefault is the libriscv "use whatever's already there" sentinel value
// accepted by Memory.SetPageAttr: it only materializes non-CoW pages rather
// than stamping a fixed permission set over the range (memory.hpp's
// default_page_write semantics, ported per SPEC_FULL.md).
var AttrDefault = PageAttributes{}

func (a PageAttributes) isDefault() bool {
	return !a.Read && !a.Write && !a.Exec && !a.CoW && !a.NonOwning && a.TrapHandler == nil
}

// RequiresBacking reports whether a page with attributes a must carry data:
// any of {read,write,exec} implies backing must exist (invariant in spec §3).
func (a PageAttributes) RequiresBacking() bool {
	return a.Read || a.Write || a.Exec
}

// PageData is the 4096-byte backing store for one Page. Owned data is backed
// by an anonymous mmap (golang.org/x/sys/unix) rather than a plain Go slice,
// so large address spaces don't pressure the GC the way a slice-per-page
// scheme would (see SPEC_FULL.md's domain-stack note). Non-owned data wraps
// host-provided memory and is never mmap'd or freed by PageData itself.
type PageData struct {
	bytes []byte
	owned bool
}

func newOwnedPageData() (*PageData, error) {
	b, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return &PageData{bytes: b, owned: true}, nil
}

func newOwnedPageDataFrom(src []byte) (*PageData, error) {
	d, err := newOwnedPageData()
	if err != nil {
		return nil, err
	}
	copy(d.bytes, src)
	return d, nil
}

func wrapNonOwned(b []byte) *PageData {
	return &PageData{bytes: b, owned: false}
}

func (d *PageData) Bytes() []byte { return d.bytes }

func (d *PageData) free() {
	if d != nil && d.owned {
		unix.Munmap(d.bytes)
		d.bytes = nil
	}
}

// sentinelKind identifies one of the two process-wide singleton pages so
// serialization can reference them by identity rather than content (spec
// §4.5).
type sentinelKind int

const (
	notSentinel sentinelKind = iota
	sentinelZero
	sentinelGuard
)

// Page is a (PageAttributes, PageData) pair (spec §3). Pages are always
// referenced by pointer so the lookaside caches and CPU exec caches hold
// borrowed pointers whose identity is meaningful, and so sentinel comparison
// is a pointer equality check.
type Page struct {
	Attr     PageAttributes
	data     *PageData
	sentinel sentinelKind
}

// HasData reports whether the page carries backing bytes.
func (p *Page) HasData() bool { return p.data != nil }

// Bytes returns the page's backing bytes, or nil if it has none.
func (p *Page) Bytes() []byte {
	if p.data == nil {
		return nil
	}
	return p.data.Bytes()
}

// IsSentinel reports whether p is one of the two process-wide singletons.
func (p *Page) IsSentinel() bool { return p.sentinel != notSentinel }

var zeroPageData = &PageData{bytes: make([]byte, PageSize), owned: false}

// ZeroPage is the process-wide, immutable, all-zero CoW sentinel. Fresh
// untouched addresses resolve to it (spec §3, §4.5).
var ZeroPage = &Page{
	Attr:     PageAttributes{Read: true, CoW: true},
	data:     zeroPageData,
	sentinel: sentinelZero,
}

// GuardPage is the process-wide, backing-less sentinel with no permissions.
// Any access to it is a protection fault before reaching a handler.
var GuardPage = &Page{
	Attr:     PageAttributes{NonOwning: true},
	data:     nil,
	sentinel: sentinelGuard,
}

func newOwnedPage(attr PageAttributes) (*Page, error) {
	d, err := newOwnedPageData()
	if err != nil {
		return nil, err
	}
	return &Page{Attr: attr, data: d}, nil
}

func newOwnedPageCopying(attr PageAttributes, src *Page) (*Page, error) {
	var d *PageData
	var err error
	if src != nil && src.HasData() {
		d, err = newOwnedPageDataFrom(src.Bytes())
	} else {
		d, err = newOwnedPageData()
	}
	if err != nil {
		return nil, err
	}
	return &Page{Attr: attr, data: d}, nil
}

func newNonOwnedPage(attr PageAttributes, host []byte) *Page {
	attr.NonOwning = true
	return &Page{Attr: attr, data: wrapNonOwned(host)}
}

// NewPage constructs an owned page with attr and a copy of data as its
// 4096-byte backing. Used by deserialization to reconstruct a saved page.
func NewPage(attr PageAttributes, data []byte) (*Page, error) {
	d, err := newOwnedPageDataFrom(data)
	if err != nil {
		return nil, err
	}
	return &Page{Attr: attr, data: d}, nil
}

// NewCoWPage constructs a not-yet-materialized CoW page sharing the
// immutable zero backing, the same construction as ZeroPage but with
// caller-supplied attributes. Used to restore a saved CoW page without
// allocating backing it doesn't need yet.
func NewCoWPage(attr PageAttributes) *Page {
	return &Page{Attr: attr, data: zeroPageData}
}

func (p *Page) free() {
	if p == nil || p.IsSentinel() || p.Attr.NonOwning {
		return
	}
	p.data.free()
}
