package main

import "github.com/haoud/kiwi/kernel/kmain"

// multibootInfoPtr and kernelEndPtr are populated by the assembly entry stub
// before it jumps here; they are declared as package globals rather than
// passed as literals so the compiler cannot constant-fold the call below and
// prune kmain.Kmain out of the final image.
var (
	multibootInfoPtr uintptr
	kernelEndPtr     uintptr
)

// main is the only Go symbol visible to the rt0 assembly that sets up the
// GDT and a minimal stack before handing control to Go code. It never
// returns; if kmain.Kmain ever does, the rt0 stub halts the CPU.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelEndPtr)
}
