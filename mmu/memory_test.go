package mmu

import (
	"bytes"
	"testing"

	"github.com/Mutzi100/libriscv/fault"
)

func TestUnmappedResolvesToZeroPageByIdentity(t *testing.T) {
	m := New(Config{Width: 64, MemoryMax: 0x100000})
	p := m.GetPageno(8)
	if p != ZeroPage {
		t.Fatalf("expected ZeroPage identity, got %p", p)
	}
}

func TestWriteToNeverMappedAddressMaterializes(t *testing.T) {
	m := New(Config{Width: 64, MemoryMax: 0x100000})
	if p := m.GetPageno(PageNo(0x8000)); p != ZeroPage {
		t.Fatalf("expected ZeroPage before write")
	}
	if err := m.WriteAt(0x8000, []byte{0x42}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	page, err := m.ReadPage(0x8000)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if page.Attr.CoW {
		t.Fatal("page should no longer be CoW after write")
	}
	if page.Bytes()[0] != 0x42 {
		t.Fatalf("expected byte 0x42, got %#x", page.Bytes()[0])
	}
	for i := 1; i < PageSize; i++ {
		if page.Bytes()[i] != 0 {
			t.Fatalf("expected zero elsewhere, got %#x at %d", page.Bytes()[i], i)
		}
	}
}

func TestNonOwnedReadOnlyRangeFaultsOnWrite(t *testing.T) {
	m := New(Config{Width: 64, MemoryMax: 0x100000})
	host := make([]byte, PageSize)
	copy(host, []byte{1, 2, 3, 4})
	if err := m.InsertNonOwnedMemory(0x4000, host, PageAttributes{Read: true}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	buf := make([]byte, 4)
	if err := m.ReadAt(0x4000, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(buf, []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected read: %v", buf)
	}
	err := m.WriteAt(0x4000, []byte{9})
	if err == nil {
		t.Fatal("expected protection fault on write to read-only non-owned range")
	}
	if !fault.IsKind(err, fault.ProtectionFault) {
		t.Fatalf("expected ProtectionFault, got %v", err)
	}
}

func TestCacheInvalidatedAfterPageReplace(t *testing.T) {
	m := New(Config{Width: 64, MemoryMax: 0x100000})
	if err := m.WriteAt(0x8000, []byte{1}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := m.ReadPage(0x8000); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	m.FreePages(0x8000, PageSize)
	p := m.GetPageno(PageNo(0x8000))
	if p != ZeroPage {
		t.Fatalf("expected page to revert to ZeroPage after free")
	}
	// cache must not still hold the freed page
	cached := m.rdCache.lookup(PageNo(0x8000))
	if cached != nil {
		t.Fatalf("expected invalidated cache, found stale entry %p", cached)
	}
}

func TestRodataSharedSegmentFaultsOnWrite(t *testing.T) {
	m := New(Config{Width: 64, MemoryMax: 0x100000, RodataSegmentIsShared: true})
	ro, err := newOwnedPage(PageAttributes{Read: true})
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	m.InstallRopage(PageNo(0x5000), ro)
	if _, err := m.ReadPage(0x5000); err != nil {
		t.Fatalf("read of shared rodata should succeed: %v", err)
	}
	if _, err := m.WritePage(0x5000); err == nil {
		t.Fatal("expected write to shared rodata page to fault")
	}
}

func TestInstallSharedPageRejectsExistingMapping(t *testing.T) {
	m := New(Config{Width: 64, MemoryMax: 0x100000})
	if err := m.WriteAt(0x9000, []byte{1}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	shared, err := newOwnedPage(PageAttributes{Read: true})
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	if err := m.InstallSharedPage(PageNo(0x9000), shared); err == nil {
		t.Fatal("expected install_shared_page to reject an already-mapped pageno")
	}
}

func TestGuardPageFaults(t *testing.T) {
	m := New(Config{Width: 64, MemoryMax: 0x100000})
	m.pages[PageNo(0x3000)] = GuardPage
	if _, err := m.ReadPage(0x3000); err == nil {
		t.Fatal("expected guard page read to fault")
	}
	if _, err := m.WritePage(0x3000); err == nil {
		t.Fatal("expected guard page write to fault")
	}
}

func TestOutOfRangeFaults(t *testing.T) {
	m := New(Config{Width: 64, MemoryMax: 0x1000})
	if _, err := m.ReadPage(0x2000); err == nil {
		t.Fatal("expected out-of-range read to fault")
	}
}

func TestMemcpyUnsafeCrossesPageBoundary(t *testing.T) {
	m := New(Config{Width: 64, MemoryMax: 0x100000})
	data := bytes.Repeat([]byte{0xAB}, PageSize+16)
	if err := m.MemcpyUnsafe(0x1000, data); err != nil {
		t.Fatalf("memcpy failed: %v", err)
	}
	buf := make([]byte, len(data))
	if err := m.ReadAt(0x1000, buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatal("memcpy_unsafe did not honor page boundaries correctly")
	}
}
