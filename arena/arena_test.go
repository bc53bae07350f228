package arena

import "testing"

func TestMallocFreeRoundTrip(t *testing.T) {
	base, end := uint64(0x10000000), uint64(0x10100000)
	a := New(base, end)

	p1 := a.Malloc(100)
	if p1 == 0 {
		t.Fatal("malloc(100) failed")
	}
	p2 := a.Malloc(200)
	if p2 == 0 || p2 <= p1 {
		t.Fatalf("malloc(200) should return an address greater than p1, got p1=%#x p2=%#x", p1, p2)
	}
	if got := a.Free(p1); got != 0 {
		t.Fatalf("free(p1) = %d, want 0", got)
	}
	if got := a.Free(p2); got != 0 {
		t.Fatalf("free(p2) = %d, want 0", got)
	}
	if used := a.BytesUsed(); used != 0 {
		t.Fatalf("bytes_used = %d, want 0", used)
	}
	if n := a.ChunksUsed(); n != 1 {
		t.Fatalf("chunks_used = %d, want 1", n)
	}
	if got := a.BytesFree(); got != end-base {
		t.Fatalf("bytes_free = %d, want %d", got, end-base)
	}
}

func TestBytesUsedPlusFreeIsConstant(t *testing.T) {
	base, end := uint64(0x1000), uint64(0x11000)
	a := New(base, end)
	var ptrs []uint64
	sizes := []uint64{16, 32, 9, 500, 64, 1}
	for _, s := range sizes {
		p := a.Malloc(s)
		if p == 0 {
			t.Fatalf("malloc(%d) failed", s)
		}
		ptrs = append(ptrs, p)
		if a.BytesUsed()+a.BytesFree() != end-base {
			t.Fatalf("invariant broken after malloc(%d)", s)
		}
	}
	for i, p := range ptrs {
		if got := a.Free(p); got != 0 {
			t.Fatalf("free(ptrs[%d]) = %d, want 0", i, got)
		}
		if a.BytesUsed()+a.BytesFree() != end-base {
			t.Fatalf("invariant broken after free index %d", i)
		}
	}
}

func TestFreeUnknownPointerFails(t *testing.T) {
	a := New(0x1000, 0x2000)
	if got := a.Free(0x1234); got != -1 {
		t.Fatalf("free(unknown) = %d, want -1", got)
	}
}

func TestNoAdjacentFreeChunksAfterFree(t *testing.T) {
	a := New(0x1000, 0x5000)
	p1 := a.Malloc(64)
	p2 := a.Malloc(64)
	p3 := a.Malloc(64)
	a.Free(p2)
	// p1 and p3 are still allocated, so the freed p2 chunk has no free
	// neighbor to merge with and stays findable at its own address.
	if a.Size(p2, true) == 0 {
		t.Fatal("expected freed chunk to still be found by Size with allowFree")
	}
	a.Free(p1)
	a.Free(p3)
	if a.BytesUsed() != 0 {
		t.Fatalf("expected all memory freed, bytes_used=%d", a.BytesUsed())
	}
	// every free chunk must have coalesced into the single base chunk
	if n := a.ChunksUsed(); n != 1 {
		t.Fatalf("chunks_used = %d, want 1 (adjacent free chunks left unmerged)", n)
	}
}

func TestMinimumAllocationAndAlignment(t *testing.T) {
	a := New(0x1000, 0x2000)
	p := a.Malloc(1)
	if p == 0 {
		t.Fatal("malloc(1) failed")
	}
	if got := a.Size(p, false); got != minAlloc {
		t.Fatalf("size = %d, want minimum allocation %d", got, minAlloc)
	}
}

func TestMallocExhaustion(t *testing.T) {
	a := New(0x1000, 0x1000+64)
	p1 := a.Malloc(64)
	if p1 == 0 {
		t.Fatal("expected first allocation to succeed")
	}
	if p2 := a.Malloc(8); p2 != 0 {
		t.Fatalf("expected malloc to fail when arena is exhausted, got %#x", p2)
	}
}

func TestTransferDuplicatesTopology(t *testing.T) {
	src := New(0x2000, 0x3000)
	p1 := src.Malloc(64)
	p2 := src.Malloc(128)
	src.Free(p1)

	var dst Arena
	src.Transfer(&dst)

	if got := dst.Size(p2, false); got != 128 {
		t.Fatalf("transferred arena lost allocation, size(p2)=%d", got)
	}
	if got := dst.Size(p1, true); got == 0 {
		t.Fatal("transferred arena should still have the free chunk for p1")
	}
	if dst.BytesUsed()+dst.BytesFree() != 0x1000 {
		t.Fatalf("transferred arena invariant broken: used=%d free=%d", dst.BytesUsed(), dst.BytesFree())
	}
}
