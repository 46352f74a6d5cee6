// Package page implements the page frame descriptor table: one Descriptor
// per 4 KiB physical frame, indexed by page frame number (PFN). Every other
// layer of the memory core (buddy, slub) consults this table to learn what a
// given frame currently is before touching it.
package page

import (
	"reflect"
	"unsafe"

	"github.com/haoud/kiwi/kernel"
	"github.com/haoud/kiwi/kernel/hal/multiboot"
	"github.com/haoud/kiwi/kernel/mem"
	"github.com/haoud/kiwi/kernel/mem/boot"
)

// Flags describes what a frame currently is and how it is being used. The
// low bits are mutually exclusive type bits; exactly one is set on every
// frame once Setup has run. BUDDY and Locked are additive, orthogonal to the
// type.
type Flags uint16

const (
	// Free marks a frame not currently in use by anything.
	Free Flags = 1 << iota
	// Kernel marks a frame holding kernel code, data, or a kernel
	// allocation (the page array itself, a slab, ...).
	Kernel
	// Reserved marks a frame the kernel must never hand out: the BIOS/VGA
	// window, PFN 0, or anything the bootloader marked non-available.
	Reserved
	// Poisoned is the fail-safe default every frame starts in before
	// Setup classifies it. Frames the memory map does not report as
	// available or reserved (ACPI, NVS, bad RAM, or not listed at all)
	// remain Poisoned after Setup returns.
	Poisoned

	// Buddy marks a frame currently tracked by the buddy allocator: either
	// free and on a free list, or the head of an allocated block.
	Buddy Flags = 1 << (iota + 4)
	// Locked marks a frame that must not be relocated or reclaimed.
	Locked
)

// typeMask isolates the mutually-exclusive type bits from the additive ones.
const typeMask = Free | Kernel | Reserved | Poisoned

// Descriptor is the per-frame metadata record.
type Descriptor struct {
	Flags Flags
	// Order is meaningful only on the head frame of a buddy block; tail
	// frames always carry 0.
	Order mem.PageOrder
	// Count is a reference count.
	Count uint16
}

// Compatibility thresholds, in bytes.
const (
	biosLimit    = 1 * mem.Mb
	isaLimit     = 1 * mem.Mb
	lowmemLimit  = 512 * mem.Mb
	biosWindowLo = 0xA0000
	biosWindowHi = 0x100000
)

var (
	errNoMemMap    = &kernel.Error{Module: "page", Message: "bootloader did not provide a memory map"}
	errInvalidType = &kernel.Error{Module: "page", Message: "invalid page type transition"}

	// panicFn is mocked by tests and is automatically inlined by the
	// compiler in a real build.
	panicFn = kernel.Panic
)

// table holds one Descriptor per physical frame, indexed by PFN. It is
// allocated by Setup out of boot memory and never freed.
var table []Descriptor

// Per-type frame counters, maintained by ChangeType.
var (
	freeCount     uint32
	kernelCount   uint32
	reservedCount uint32
	poisonedCount uint32
)

// Counts returns the current {free, kernel, reserved, poisoned} frame
// counters maintained by ChangeType.
func Counts() (free, kernelN, reserved, poisoned uint32) {
	return freeCount, kernelCount, reservedCount, poisonedCount
}

// Setup builds the page frame table from the bootloader-supplied memory map
// and the kernel's own load image, and classifies every frame. It must run
// exactly once, after boot.SanitizeMemoryMap-style bookkeeping is otherwise
// ready, and before the buddy allocator is populated.
func Setup(info *multiboot.Info, image boot.KernelImage) {
	if info.Flags&multiboot.FlagMemMap == 0 {
		panicFn(errNoMemMap)
		return
	}

	boot.SanitizeMemoryMap(info, image)

	lastAddr := boot.LastUsableAddress(info)
	pgCount := mem.PFN(mem.AlignUp(lastAddr, uintptr(mem.PageSize)))

	descriptorSize := unsafe.Sizeof(Descriptor{})
	tableSize := mem.Size(pgCount) * mem.Size(descriptorSize)
	tableVaddr := boot.Alloc(info, tableSize)
	mem.Memset(tableVaddr, 0, tableSize)

	table = *(*[]Descriptor)(unsafe.Pointer(&reflect.SliceHeader{
		Data: tableVaddr,
		Len:  int(pgCount),
		Cap:  int(pgCount),
	}))
	for i := range table {
		table[i] = Descriptor{Flags: Poisoned}
	}
	freeCount, kernelCount, reservedCount, poisonedCount = 0, 0, 0, pgCount

	multiboot.VisitMemRegions(info, func(entry *multiboot.Entry) bool {
		var t Flags
		switch entry.Type {
		case multiboot.MemAvailable:
			t = Free
		case multiboot.MemReserved:
			t = Reserved
		default:
			return true
		}

		start := mem.PFN(uintptr(entry.Base))
		end := mem.PFN(mem.AlignUp(uintptr(entry.End()), uintptr(mem.PageSize)))
		for pfn := start; pfn < end && pfn < pgCount; pfn++ {
			setInitialType(pfn, t)
		}
		return true
	})

	// PFN 0 is always reserved: a null physical address must never be
	// handed out as valid memory.
	setInitialType(0, Reserved)

	// The BIOS/VGA window is never usable RAM regardless of what the
	// memory map claims.
	for pfn := mem.PFN(biosWindowLo); pfn < mem.PFN(biosWindowHi) && pfn < pgCount; pfn++ {
		setInitialType(pfn, Reserved)
	}

	markKernel(mem.PFN(image.Base), image.Size())
	markKernel(mem.PFN(mem.VaddrToPaddr(tableVaddr)), uintptr(tableSize))
}

// setInitialType forces pfn's type during Setup's classification walk,
// without going through ChangeType's invalid-transition panics (every frame
// starts Poisoned, so any type is a valid first assignment). It is also used
// to reclassify a frame the mmap walk already typed (PFN 0, the BIOS/VGA
// window), so it must adjust counters from the frame's actual previous type
// rather than assuming Poisoned.
func setInitialType(pfn uint32, t Flags) {
	d := &table[pfn]
	prev := d.Flags & typeMask
	d.Flags = (d.Flags &^ typeMask) | t
	adjustCounters(prev, t)
}

// markKernel marks the frames spanning size bytes from pfn as Kernel with a
// reference count of 1, used for the kernel image and the page array itself.
func markKernel(pfn uint32, size uintptr) {
	pages := mem.Size(size).Pages()
	for i := uint32(0); i < pages; i++ {
		d := &table[pfn+i]
		prev := d.Flags & typeMask
		d.Flags = (d.Flags &^ typeMask) | Kernel
		d.Count = 1
		adjustCounters(prev, Kernel)
	}
}

func adjustCounters(from, to Flags) {
	switch from {
	case Free:
		freeCount--
	case Kernel:
		kernelCount--
	case Reserved:
		reservedCount--
	case Poisoned:
		poisonedCount--
	}
	switch to {
	case Free:
		freeCount++
	case Kernel:
		kernelCount++
	case Reserved:
		reservedCount++
	case Poisoned:
		poisonedCount++
	}
}

// Info returns the descriptor covering paddr, or nil if paddr's PFN is out
// of range of the table built by Setup.
func Info(paddr uintptr) *Descriptor {
	return PFNInfo(mem.PFN(paddr))
}

// PFNInfo returns the descriptor for pfn, or nil if pfn is out of range.
func PFNInfo(pfn uint32) *Descriptor {
	if int(pfn) >= len(table) {
		return nil
	}
	return &table[pfn]
}

// PFN returns the page frame number for a physical address.
func PFN(paddr uintptr) uint32 {
	return mem.PFN(paddr)
}

// BIOSCompatible reports whether paddr falls below the 1 MiB line some
// legacy BIOS-facing DMA buffers must stay under.
func BIOSCompatible(paddr uintptr) bool {
	return paddr < uintptr(biosLimit)
}

// ISACompatible reports whether paddr falls below the 1 MiB ISA DMA line.
func ISACompatible(paddr uintptr) bool {
	return paddr < uintptr(isaLimit)
}

// LowmemCompatible reports whether paddr falls below the 512 MiB line some
// older peripherals requiring low memory need.
func LowmemCompatible(paddr uintptr) bool {
	return paddr < uintptr(lowmemLimit)
}

// ChangeType transitions d to the new type t, maintaining the four global
// per-type counters. It panics if t is not exactly one type bit.
func ChangeType(d *Descriptor, t Flags) {
	if t&typeMask == 0 || t&^typeMask != 0 || t&(t-1) != 0 {
		panicFn(errInvalidType)
		return
	}
	prev := d.Flags & typeMask
	d.Flags = (d.Flags &^ typeMask) | t
	adjustCounters(prev, t)
}
