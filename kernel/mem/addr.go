package mem

import (
	"reflect"
	"unsafe"

	"github.com/haoud/kiwi/kernel"
)

const (
	// KernelVBase is the fixed offset of the kernel's higher-half direct
	// map: for every usable physical address p, p+KernelVBase is a valid
	// kernel virtual address.
	KernelVBase uintptr = 0xC0000000

	// KernelMaxPage bounds how much physical memory the direct map
	// covers (1 GiB). PaddrToVaddr panics for addresses at or beyond it.
	KernelMaxPage uintptr = 0x40000000
)

var (
	errAddrOutOfRange = &kernel.Error{Module: "mem", Message: "physical address exceeds the direct-mapped range"}
	errNoDirectMap    = &kernel.Error{Module: "mem", Message: "direct map is not installed"}

	// panicFn is mocked by tests and is automatically inlined by the
	// compiler in a real build.
	panicFn = kernel.Panic
)

// directMap backs every address below KernelMaxPage. Real hardware backs
// this range with physical RAM accessed through the kernel's page tables;
// this build backs it with a plain Go byte slice so the allocators above it
// can run, and be tested, on the host. SetDirectMap installs it once during
// boot, before page.Setup runs.
var directMap []byte

// SetDirectMap installs the backing store used by PaddrToVaddr and
// VaddrToPaddr. backing must be at least as large as the highest physical
// address the memory map reports as usable.
func SetDirectMap(backing []byte) {
	directMap = backing
}

// PaddrToVaddr converts a physical address into its kernel-virtual direct-map
// address. It panics if paddr falls outside the direct-mapped range or the
// direct map has not been installed yet.
func PaddrToVaddr(paddr uintptr) uintptr {
	if paddr >= KernelMaxPage {
		panicFn(errAddrOutOfRange)
		return 0
	}
	if directMap == nil || int(paddr) >= len(directMap) {
		panicFn(errNoDirectMap)
		return 0
	}
	return uintptr(unsafe.Pointer(&directMap[paddr]))
}

// VaddrToPaddr converts a kernel-virtual direct-map address back into the
// physical address it represents. It panics if vaddr does not fall inside
// the installed direct map.
func VaddrToPaddr(vaddr uintptr) uintptr {
	if directMap == nil {
		panicFn(errNoDirectMap)
		return 0
	}
	base := uintptr(unsafe.Pointer(&directMap[0]))
	if vaddr < base || vaddr >= base+uintptr(len(directMap)) {
		panicFn(errAddrOutOfRange)
		return 0
	}
	return vaddr - base
}

// Memset sets size bytes starting at addr to value. The implementation
// doubles the filled region on each pass instead of looping byte by byte.
// addr and size need no particular alignment.
func Memset(addr uintptr, value byte, size Size) {
	if size == 0 {
		return
	}

	target := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))

	target[0] = value
	for index := Size(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}
