package boot

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/haoud/kiwi/kernel"
	"github.com/haoud/kiwi/kernel/hal/multiboot"
	"github.com/haoud/kiwi/kernel/mem"
)

// buildMmap encodes a sequence of (base, length, type) triples into the
// packed Multiboot 1 on-the-wire memory map format.
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

func infoFor(raw []byte) *multiboot.Info {
	return &multiboot.Info{
		Flags:      multiboot.FlagMemMap,
		MmapAddr:   uintptr(unsafe.Pointer(&raw[0])),
		MmapLength: uint32(len(raw)),
	}
}

func entries(info *multiboot.Info) []multiboot.Entry {
	var got []multiboot.Entry
	multiboot.VisitMemRegions(info, func(e *multiboot.Entry) bool {
		got = append(got, *e)
		return true
	})
	return got
}

func TestSanitizeMemoryMap(t *testing.T) {
	raw := buildMmap([][3]uint64{
		{0x100000, 0x100000, uint64(multiboot.MemAvailable)}, // kernel lands here
		{0x200000, 0x100000, uint64(multiboot.MemAvailable)},
	})
	info := infoFor(raw)

	SanitizeMemoryMap(info, KernelImage{Base: 0x100000, End: 0x140000})

	got := entries(info)
	if got[0].Base != 0x140000 || got[0].Length != 0x100000-0x40000 {
		t.Fatalf("expected kernel image excised from entry 0, got %+v", got[0])
	}
}

func TestSanitizeMemoryMapPanicsWithoutKernelRegion(t *testing.T) {
	defer func() { panicFn = kernel.Panic }()

	raw := buildMmap([][3]uint64{{0x200000, 0x100000, uint64(multiboot.MemAvailable)}})
	info := infoFor(raw)

	var panicked bool
	panicFn = func(e interface{}) { panicked = true }

	SanitizeMemoryMap(info, KernelImage{Base: 0x100000, End: 0x140000})
	if !panicked {
		t.Fatal("expected SanitizeMemoryMap to panic when the kernel image region is not found")
	}
}

func TestSanitizeMemoryMapPanicsWithoutMemMapFlag(t *testing.T) {
	defer func() { panicFn = kernel.Panic }()

	var panicked bool
	panicFn = func(e interface{}) { panicked = true }

	SanitizeMemoryMap(&multiboot.Info{}, KernelImage{Base: 0x100000, End: 0x140000})
	if !panicked {
		t.Fatal("expected SanitizeMemoryMap to panic without FlagMemMap set")
	}
}

func TestLastUsableAddress(t *testing.T) {
	raw := buildMmap([][3]uint64{
		{0x0, 0xA0000, uint64(multiboot.MemAvailable)},
		{0xA0000, 0x60000, uint64(multiboot.MemReserved)},
		{0x100000, 0x7F00000, uint64(multiboot.MemAvailable)},
	})
	info := infoFor(raw)

	got := LastUsableAddress(info)
	want := uintptr(0x100000 + 0x7F00000 - 1)
	if got != want {
		t.Fatalf("expected last usable address 0x%x, got 0x%x", want, got)
	}
}

func TestLastUsableAddressPanicsWithoutAvailableRegions(t *testing.T) {
	defer func() { panicFn = kernel.Panic }()

	raw := buildMmap([][3]uint64{{0x0, 0x1000, uint64(multiboot.MemReserved)}})
	info := infoFor(raw)

	var panicked bool
	panicFn = func(e interface{}) { panicked = true }

	LastUsableAddress(info)
	if !panicked {
		t.Fatal("expected LastUsableAddress to panic without any available regions")
	}
}

func TestAlloc(t *testing.T) {
	defer mem.SetDirectMap(nil)

	backing := make([]byte, 0x300000)
	mem.SetDirectMap(backing)

	raw := buildMmap([][3]uint64{
		{0x100000, 0x1000, uint64(multiboot.MemAvailable)},
		{0x200000, 0x10000, uint64(multiboot.MemAvailable)},
	})
	info := infoFor(raw)

	v := Alloc(info, mem.Size(64))
	if v != mem.PaddrToVaddr(0x100000) {
		t.Fatalf("expected allocation from the first fitting entry at 0x100000, got 0x%x", mem.VaddrToPaddr(v))
	}

	got := entries(info)
	if got[0].Base != 0x100000+64 || got[0].Length != 0x1000-64 {
		t.Fatalf("expected entry 0 shrunk by the allocation, got %+v", got[0])
	}

	// A second, larger allocation no longer fits in the now-shrunk first
	// entry and should come from the second one instead.
	v2 := Alloc(info, mem.Size(0x2000))
	if v2 != mem.PaddrToVaddr(0x200000) {
		t.Fatalf("expected second allocation from entry 1 at 0x200000, got 0x%x", mem.VaddrToPaddr(v2))
	}
}

func TestAllocAligns(t *testing.T) {
	defer mem.SetDirectMap(nil)

	backing := make([]byte, 0x300000)
	mem.SetDirectMap(backing)

	raw := buildMmap([][3]uint64{{0x100001, 0x1000, uint64(multiboot.MemAvailable)}})
	info := infoFor(raw)

	v := Alloc(info, mem.Size(16))
	paddr := mem.VaddrToPaddr(v)
	if paddr%bumpAllocAlign != 0 {
		t.Fatalf("expected allocation aligned to %d, got 0x%x", bumpAllocAlign, paddr)
	}
}

func TestAllocPanicsWhenNothingFits(t *testing.T) {
	defer mem.SetDirectMap(nil)
	defer func() { panicFn = kernel.Panic }()

	backing := make([]byte, 0x1000)
	mem.SetDirectMap(backing)

	raw := buildMmap([][3]uint64{{0x0, 0x100, uint64(multiboot.MemAvailable)}})
	info := infoFor(raw)

	var panicked bool
	panicFn = func(e interface{}) { panicked = true }

	Alloc(info, mem.Size(0x200))
	if !panicked {
		t.Fatal("expected Alloc to panic when no entry is large enough")
	}
}
