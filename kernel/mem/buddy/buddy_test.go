package buddy

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/haoud/kiwi/kernel"
	"github.com/haoud/kiwi/kernel/hal/multiboot"
	"github.com/haoud/kiwi/kernel/mem"
	"github.com/haoud/kiwi/kernel/mem/boot"
	"github.com/haoud/kiwi/kernel/mem/page"
)

func buildMmap(entries [][3]uint64) []byte {
	const recordSize = 20
	buf := make([]byte, 0, len(entries)*(4+recordSize))
	for _, e := range entries {
		rec := make([]byte, 4+recordSize)
		binary.LittleEndian.PutUint32(rec[0:4], recordSize)
		binary.LittleEndian.PutUint64(rec[4:12], e[0])
		binary.LittleEndian.PutUint64(rec[12:20], e[1])
		binary.LittleEndian.PutUint32(rec[20:24], uint32(e[2]))
		buf = append(buf, rec...)
	}
	return buf
}

// setupArena builds a page table and a freshly seeded buddy allocator over
// a single contiguous AVAILABLE region of size bytes, with a one-page
// "kernel image" at the front. Callers get a deterministic frame layout to
// assert against.
func setupArena(t *testing.T, size int) {
	t.Helper()

	backing := make([]byte, size)
	mem.SetDirectMap(backing)

	raw := buildMmap([][3]uint64{{0x0, uint64(size), uint64(multiboot.MemAvailable)}})
	info := &multiboot.Info{
		Flags:      multiboot.FlagMemMap,
		MmapAddr:   uintptr(unsafe.Pointer(&raw[0])),
		MmapLength: uint32(len(raw)),
	}

	page.Setup(info, boot.KernelImage{Base: 0, End: 0x1000})
	Setup()

	t.Cleanup(func() {
		mem.SetDirectMap(nil)
		freeLists = [mem.MaxOrder + 1]uintptr{}
		buddyInitialized = false
	})
}

// With a 64-page (256 KiB) arena and a one-page kernel image at PFN 0, the
// page array itself (one page, carved from the very front of the remaining
// AVAILABLE region) lands at PFN 1. Frames 2..63 are free and, scanned
// ascending, coalesce deterministically into five blocks: order 1 at PFN 2,
// order 2 at PFN 4, order 3 at PFN 8, order 4 at PFN 16, order 5 at PFN 32.
const arenaSize = 64 * 0x1000

func paddrOf(t *testing.T, vaddr uintptr) uintptr {
	t.Helper()
	return mem.VaddrToPaddr(vaddr)
}

func TestSetupCoalescesIntoExpectedBlocks(t *testing.T) {
	setupArena(t, arenaSize)

	cases := []struct {
		order   mem.PageOrder
		wantPFN uint32
	}{
		{5, 32},
		{4, 16},
		{3, 8},
		{2, 4},
		{1, 2},
	}

	for _, c := range cases {
		ptr := Alloc(c.order)
		if ptr == 0 {
			t.Fatalf("order %d: expected a successful allocation", c.order)
		}
		gotPFN := mem.PFN(paddrOf(t, ptr))
		if gotPFN != c.wantPFN {
			t.Fatalf("order %d: expected PFN %d, got %d", c.order, c.wantPFN, gotPFN)
		}
	}

	// Every free frame should now be exhausted: the five blocks above sum
	// to 62 frames, exactly the free count Setup produced.
	if Alloc(0) != 0 {
		t.Fatal("expected the allocator to be fully exhausted")
	}
}

func TestFreeRecombinesSplitBlocks(t *testing.T) {
	setupArena(t, arenaSize)

	// Splitting order 1 (PFN 2-3) down to order 0 should hand back PFN 2
	// and leave PFN 3 as a standalone order-0 free block.
	a := Alloc(0)
	if got := mem.PFN(paddrOf(t, a)); got != 2 {
		t.Fatalf("expected split to return PFN 2, got %d", got)
	}

	b := Alloc(0)
	if got := mem.PFN(paddrOf(t, b)); got != 3 {
		t.Fatalf("expected the other half at PFN 3, got %d", got)
	}

	Free(a, 0)
	Free(b, 0)

	// Freeing both halves back should coalesce them into order 1 again.
	c := Alloc(1)
	if got := mem.PFN(paddrOf(t, c)); got != 2 {
		t.Fatalf("expected recombined order-1 block at PFN 2, got %d", got)
	}
}

func TestFreeNullIsNoop(t *testing.T) {
	setupArena(t, arenaSize)
	Free(0, 3) // must not panic
}

func TestFreePanicsOnMisalignedPointer(t *testing.T) {
	setupArena(t, arenaSize)
	defer func() { panicFn = kernel.Panic }()

	ptr := Alloc(0)
	var panicked bool
	panicFn = func(e interface{}) { panicked = true }

	Free(ptr+1, 0)
	if !panicked {
		t.Fatal("expected Free to panic on a misaligned pointer")
	}
}

func TestFreePanicsOnDoubleFree(t *testing.T) {
	setupArena(t, arenaSize)
	defer func() { panicFn = kernel.Panic }()

	ptr := Alloc(0)
	Free(ptr, 0)

	var panicked bool
	panicFn = func(e interface{}) { panicked = true }

	Free(ptr, 0)
	if !panicked {
		t.Fatal("expected a second Free of the same block to panic")
	}
}

func TestAllocPanicsOnOrderTooLarge(t *testing.T) {
	setupArena(t, arenaSize)
	defer func() { panicFn = kernel.Panic }()

	var panicked bool
	panicFn = func(e interface{}) { panicked = true }

	Alloc(mem.MaxOrder + 1)
	if !panicked {
		t.Fatal("expected Alloc to panic for an order beyond mem.MaxOrder")
	}
}

func TestAllocExactAndFreeExactRoundtrip(t *testing.T) {
	setupArena(t, arenaSize)

	ptr := AllocExact(3)
	if ptr == 0 {
		t.Fatal("expected AllocExact(3) to succeed")
	}

	// The leftover page from rounding 3 up to order 2 (4 pages) should
	// already be back on the free list.
	leftover := Alloc(0)
	if leftover == 0 {
		t.Fatal("expected the trailing page from AllocExact to be free")
	}
	Free(leftover, 0)

	FreeExact(ptr, 3)

	// The full region should be available again as a single order-2 block.
	again := AllocExact(3)
	if again == 0 {
		t.Fatal("expected AllocExact to succeed again after FreeExact")
	}
}

func TestAllocExactSinglePage(t *testing.T) {
	setupArena(t, arenaSize)
	ptr := AllocExact(1)
	if ptr == 0 {
		t.Fatal("expected AllocExact(1) to succeed")
	}
}

func TestBuddyPFNMatchesBuddyAddress(t *testing.T) {
	for order := mem.PageOrder(0); order < 4; order++ {
		for pfn := uint32(0); pfn < 16; pfn++ {
			addr := uintptr(pfn) << mem.PageShift
			wantAddr := buddyAddress(addr, order)
			gotAddr := uintptr(buddyPFN(pfn, order)) << mem.PageShift
			if gotAddr != wantAddr {
				t.Fatalf("order %d pfn %d: buddyPFN disagrees with buddyAddress: 0x%x != 0x%x", order, pfn, gotAddr, wantAddr)
			}
		}
	}
}
