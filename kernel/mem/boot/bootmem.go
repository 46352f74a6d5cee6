// Package boot implements the rudimentary bump allocator used to bootstrap
// the kernel before the page frame table, buddy allocator and slub allocator
// exist. It works directly against the bootloader-supplied memory map: there
// is no heap yet, so every helper here either succeeds or calls panicFn.
package boot

import (
	"github.com/haoud/kiwi/kernel"
	"github.com/haoud/kiwi/kernel/hal/multiboot"
	"github.com/haoud/kiwi/kernel/mem"
)

var (
	errNoMemMap        = &kernel.Error{Module: "boot", Message: "bootloader did not provide a memory map"}
	errKernelNotFound  = &kernel.Error{Module: "boot", Message: "kernel image not found at the start of a free region"}
	errNoLastAddress   = &kernel.Error{Module: "boot", Message: "no available memory regions in the memory map"}
	errBumpAllocFailed = &kernel.Error{Module: "boot", Message: "no memory region large enough for boot allocation"}

	// panicFn is mocked by tests and is automatically inlined by the
	// compiler in a real build.
	panicFn = kernel.Panic
)

// KernelPBase is the well-known physical load address of the kernel image.
// The bootloader places the kernel at the start of the first free region at
// this address without marking the region used, which is why
// SanitizeMemoryMap must locate it by address rather than by type.
const KernelPBase uintptr = 0x100000

// KernelImage describes the physical range occupied by the loaded kernel
// image, used to excise it from the free regions the memory map reports.
type KernelImage struct {
	// Base is the kernel's load physical address (KERNEL_PBASE).
	Base uintptr
	// End is the first physical address past the loaded image, derived
	// from the linker-provided __end symbol. It need not be page-aligned:
	// Size rounds it up to a page.
	End uintptr
}

// Size returns the page-aligned size of the kernel image.
func (k KernelImage) Size() uintptr {
	return mem.AlignUp(k.End, uintptr(mem.PageSize)) - k.Base
}

// SanitizeMemoryMap excises the loaded kernel image from the memory map.
// The bootloader does not mark this range as used, so without this step the
// bump allocator below would happily hand out pages that hold kernel code
// and data. The kernel is assumed to be the first thing loaded into the
// first available region starting at image.Base; if no such region exists,
// SanitizeMemoryMap panics; there is no safe way to continue booting without
// knowing which memory the running kernel actually occupies.
func SanitizeMemoryMap(info *multiboot.Info, image KernelImage) {
	if info.Flags&multiboot.FlagMemMap == 0 {
		panicFn(errNoMemMap)
		return
	}

	found := false
	size := image.Size()
	multiboot.VisitMemRegionPtrs(info, func(ptr uintptr, entry *multiboot.Entry) bool {
		if entry.Type == multiboot.MemAvailable && entry.Base == uint64(image.Base) {
			multiboot.PutMemRegion(ptr, entry.Base+uint64(size), entry.Length-uint64(size), entry.Type)
			found = true
			return false
		}
		return true
	})

	if !found {
		panicFn(errKernelNotFound)
	}
}

// LastUsableAddress scans the memory map for the highest base+len-1 among
// AVAILABLE entries. The page frame table is sized from this bound, so that
// it covers every frame the system might ever hand out.
func LastUsableAddress(info *multiboot.Info) uintptr {
	var last uint64
	found := false
	multiboot.VisitMemRegions(info, func(entry *multiboot.Entry) bool {
		if entry.Type == multiboot.MemAvailable && entry.End() > 0 {
			if end := entry.End() - 1; end > last || !found {
				last = end
				found = true
			}
		}
		return true
	})

	if !found {
		panicFn(errNoLastAddress)
		return 0
	}
	return uintptr(last)
}

// bumpAllocAlign is the alignment boot allocations are carved to.
const bumpAllocAlign = 16

// Alloc carves size bytes out of the first AVAILABLE memory map entry large
// enough to hold them, 16-byte aligning the carved region's base, and
// shrinking the entry in place. The carved region never starts inside PFN 0,
// which page.Setup keeps Reserved as the null trap. It returns a kernel-virtual pointer to the
// carved region. Alloc panics if no entry is large enough: at this point in
// boot there is no fallback allocator to retry with.
func Alloc(info *multiboot.Info, size mem.Size) uintptr {
	var (
		foundPtr    uintptr
		foundEntry  multiboot.Entry
		alignedBase uintptr
		found       bool
	)

	multiboot.VisitMemRegionPtrs(info, func(ptr uintptr, entry *multiboot.Entry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}
		base := mem.AlignUp(uintptr(entry.Base), bumpAllocAlign)
		if base < uintptr(mem.PageSize) {
			base = uintptr(mem.PageSize)
		}
		misalign := uint64(base) - entry.Base
		if entry.Length < uint64(size)+misalign {
			return true
		}
		foundPtr, foundEntry, alignedBase, found = ptr, *entry, base, true
		return false
	})

	if !found {
		panicFn(errBumpAllocFailed)
		return 0
	}

	misalign := uint64(alignedBase) - foundEntry.Base

	multiboot.PutMemRegion(foundPtr, uint64(alignedBase)+uint64(size), foundEntry.Length-uint64(size)-misalign, foundEntry.Type)

	return mem.PaddrToVaddr(alignedBase)
}
