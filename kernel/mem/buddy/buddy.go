// Package buddy implements the binary buddy allocator that hands out
// power-of-two runs of physical pages. It sits directly on top of the page
// frame table: every allocation and free updates the descriptors there, and
// free block headers are written into the managed memory itself rather than
// tracked out of band.
package buddy

import (
	"unsafe"

	"github.com/haoud/kiwi/kernel"
	"github.com/haoud/kiwi/kernel/kfmt/early"
	"github.com/haoud/kiwi/kernel/mem"
	"github.com/haoud/kiwi/kernel/mem/page"
)

var (
	errOrderTooLarge = &kernel.Error{Module: "buddy", Message: "requested order exceeds mem.MaxOrder"}
	errMisaligned    = &kernel.Error{Module: "buddy", Message: "freed block is not page-frame aligned"}
	errDoubleFree    = &kernel.Error{Module: "buddy", Message: "double free of a buddy block"}
	errFreeReserved  = &kernel.Error{Module: "buddy", Message: "attempt to free a reserved or poisoned frame"}
	errCorruptBuddy  = &kernel.Error{Module: "buddy", Message: "buddy block has an invalid order"}

	// panicFn is mocked by tests and is automatically inlined by the
	// compiler in a real build.
	panicFn = kernel.Panic
)

// node is the intrusive doubly-linked list header written into the first
// bytes of a free block. It exists only while the block is free; the moment
// it is allocated its bytes belong entirely to the caller.
type node struct {
	prev uintptr
	next uintptr
}

// freeLists holds one list head per order, 0..mem.MaxOrder. freeLists[k] is
// zero (the null vaddr) when order k has no free blocks.
var freeLists [mem.MaxOrder + 1]uintptr

// buddyInitialized is false during Setup's seeding pass, during which
// freeing an already-FREE frame is tolerated (that is how the free lists get
// populated in the first place); after Setup returns it is true, and the
// same situation is a double free.
var buddyInitialized bool

func nodeAt(vaddr uintptr) *node {
	return (*node)(unsafe.Pointer(vaddr))
}

func listPush(order mem.PageOrder, vaddr uintptr) {
	n := nodeAt(vaddr)
	n.prev = 0
	n.next = freeLists[order]
	if freeLists[order] != 0 {
		nodeAt(freeLists[order]).prev = vaddr
	}
	freeLists[order] = vaddr
}

func listRemove(order mem.PageOrder, vaddr uintptr) {
	n := nodeAt(vaddr)
	if n.prev != 0 {
		nodeAt(n.prev).next = n.next
	} else {
		freeLists[order] = n.next
	}
	if n.next != 0 {
		nodeAt(n.next).prev = n.prev
	}
}

func listPop(order mem.PageOrder) uintptr {
	vaddr := freeLists[order]
	if vaddr != 0 {
		listRemove(order, vaddr)
	}
	return vaddr
}

// buddyAddress returns the address of the buddy of the order-k block based
// at v: flipping the bit that distinguishes the two halves of their shared
// parent block.
func buddyAddress(v uintptr, order mem.PageOrder) uintptr {
	return v ^ (1 << (uintptr(order) + mem.PageShift))
}

// buddyPFN returns the PFN of the buddy of the order-k block based at pfn.
// Operating on the PFN rather than the address lets the caller consult
// page.PFNInfo directly, which reports a buddy past the end of physical
// memory as nil instead of requiring an address translation that could
// panic on an out-of-range address.
func buddyPFN(pfn uint32, order mem.PageOrder) uint32 {
	return pfn ^ (uint32(1) << order)
}

// Setup empties the free lists, then populates them from the page frame
// table built by page.Setup. Every FREE frame is handed to Free at order 0,
// which naturally coalesces adjacent free frames into larger blocks as it
// goes.
func Setup() {
	buddyInitialized = false
	freeLists = [mem.MaxOrder + 1]uintptr{}

	pfn := uint32(0)
	for {
		d := page.PFNInfo(pfn)
		if d == nil {
			break
		}
		if d.Flags&page.Free != 0 {
			d.Flags |= page.Buddy
			Free(mem.PaddrToVaddr(uintptr(pfn)<<mem.PageShift), 0)
		}
		pfn++
	}
	buddyInitialized = true
}

// Free returns an order-k block to the allocator. ptr must be the vaddr
// previously returned by Alloc(order) (or, during Setup, the vaddr of a
// frame the page table already marked FREE). A NULL ptr is a no-op.
func Free(ptr uintptr, order mem.PageOrder) {
	if ptr == 0 {
		return
	}

	paddr := mem.VaddrToPaddr(ptr)
	if paddr&uintptr(mem.PageSize-1) != 0 {
		panicFn(errMisaligned)
		return
	}

	basePFN := mem.PFN(paddr)
	count := uint32(1) << order

	for i := uint32(0); i < count; i++ {
		d := page.PFNInfo(basePFN + i)
		if d == nil {
			panicFn(errCorruptBuddy)
			return
		}
		if d.Flags&(page.Reserved|page.Poisoned) != 0 {
			panicFn(errFreeReserved)
			return
		}
		if buddyInitialized && d.Flags&page.Free != 0 {
			panicFn(errDoubleFree)
			return
		}
		d.Flags = (d.Flags &^ page.Kernel) | page.Free
		d.Order = 0
	}

	head := page.PFNInfo(basePFN)
	head.Order = order

	curPFN := basePFN
	curOrder := order
	for curOrder < mem.MaxOrder {
		bPFN := buddyPFN(curPFN, curOrder)
		buddyDesc := page.PFNInfo(bPFN)
		if buddyDesc == nil {
			break
		}
		if buddyDesc.Flags&(page.Free|page.Buddy) != page.Free|page.Buddy {
			break
		}
		if buddyDesc.Order != curOrder {
			break
		}

		buddyVaddr := mem.PaddrToVaddr(uintptr(bPFN) << mem.PageShift)
		listRemove(curOrder, buddyVaddr)

		curDesc := page.PFNInfo(curPFN)
		if bPFN < curPFN {
			curDesc.Order = 0
			curPFN = bPFN
		} else {
			buddyDesc.Order = 0
		}
		curOrder++
		page.PFNInfo(curPFN).Order = curOrder
	}

	listPush(curOrder, mem.PaddrToVaddr(uintptr(curPFN)<<mem.PageShift))
}

// Alloc returns a newly allocated block of 2^order contiguous pages, or 0 if
// none is available. It panics if order exceeds mem.MaxOrder.
func Alloc(order mem.PageOrder) uintptr {
	if order > mem.MaxOrder {
		panicFn(errOrderTooLarge)
		return 0
	}

	k := order
	for ; k <= mem.MaxOrder; k++ {
		if freeLists[k] != 0 {
			break
		}
	}
	if k > mem.MaxOrder {
		early.Printf("buddy: out of memory for order %d\n", uint8(order))
		return 0
	}

	block := listPop(k)
	basePFN := mem.PFN(mem.VaddrToPaddr(block))

	for j := k; j > order; j-- {
		upperPFN := buddyPFN(basePFN, j-1)
		upperDesc := page.PFNInfo(upperPFN)
		upperDesc.Order = j - 1
		upperDesc.Flags |= page.Free | page.Buddy
		listPush(j-1, mem.PaddrToVaddr(uintptr(upperPFN)<<mem.PageShift))
	}

	count := uint32(1) << order
	for i := uint32(0); i < count; i++ {
		d := page.PFNInfo(basePFN + i)
		d.Flags &^= page.Free
		d.Order = 0
	}

	return block
}

// AllocExact allocates the smallest power-of-two block that covers at least
// pfnCount pages, then frees the unused trailing pages one page at a time
// back to the allocator so they remain available to other callers.
func AllocExact(pfnCount uint32) uintptr {
	order := exactOrder(pfnCount)

	block := Alloc(order)
	if block == 0 {
		return 0
	}

	total := uint32(1) << order
	for i := pfnCount; i < total; i++ {
		Free(block+uintptr(i)<<mem.PageShift, 0)
	}
	return block
}

// exactOrder returns the smallest order k such that 1<<k >= pfnCount.
func exactOrder(pfnCount uint32) mem.PageOrder {
	order := mem.PageOrder(0)
	for uint32(1)<<order < pfnCount {
		order++
	}
	return order
}

// FreeExact returns a region previously obtained from AllocExact, whose
// trailing pages beyond pfnCount have already been broken apart by
// AllocExact itself. It frees the largest order-aligned prefix, then the
// remaining pages one at a time.
func FreeExact(ptr uintptr, pfnCount uint32) {
	if ptr == 0 {
		return
	}

	remaining := pfnCount
	cur := ptr
	order := mem.PageOrder(0)
	for (uint32(1)<<(order+1)) <= remaining && order < mem.MaxOrder {
		order++
	}
	for remaining > 0 {
		Free(cur, order)
		step := uint32(1) << order
		cur += uintptr(step) << mem.PageShift
		remaining -= step
		order = 0
	}
}
