// Package kmain wires the physical memory management core's layers into the
// single boot-time sequence the rest of the kernel depends on. Its Kmain is
// called by the module's package main entry point, which the assembly entry
// stub jumps to once the GDT and a minimal stack are in place; it never
// returns.
package kmain

import (
	"unsafe"

	"github.com/haoud/kiwi/kernel"
	"github.com/haoud/kiwi/kernel/hal/multiboot"
	"github.com/haoud/kiwi/kernel/kfmt/early"
	"github.com/haoud/kiwi/kernel/mem"
	"github.com/haoud/kiwi/kernel/mem/boot"
	"github.com/haoud/kiwi/kernel/mem/buddy"
	"github.com/haoud/kiwi/kernel/mem/malloc"
	"github.com/haoud/kiwi/kernel/mem/page"
	"github.com/haoud/kiwi/kernel/mem/slub"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "kmain returned"}

// Kmain brings up the page frame table, the buddy allocator, the slub
// allocator and the size-bucketed general allocator, in that order: each
// layer's Setup depends on every layer before it having already run. infoPtr
// is the physical address of the bootloader's multiboot info structure;
// kernelEnd is the linker-provided address of the first byte past the
// loaded kernel image (the __end symbol).
//
// Kmain never returns. Once every Setup call has run it calls kernel.Panic
// with errKmainReturned, which halts the CPU: this core installs nothing to
// run after the allocators are up.
//
//go:noinline
func Kmain(infoPtr uintptr, kernelEnd uintptr) {
	info := (*multiboot.Info)(unsafe.Pointer(infoPtr))
	info.Relocate(mem.KernelVBase)

	image := boot.KernelImage{Base: boot.KernelPBase, End: kernelEnd}

	early.Printf("kiwi: bringing up the physical memory core\n")
	page.Setup(info, image)
	buddy.Setup()
	slub.Setup()
	malloc.Setup()
	early.Printf("kiwi: physical memory core ready\n")

	for {
		kernel.Panic(errKmainReturned)
	}
}

