// Package cpu abstracts the handful of CPU primitives that the memory
// management core treats as external contracts: on real hardware these would
// be implemented in assembly (cli/hlt loops, TLB shootdowns); this build
// provides the single-CPU, non-returning behaviour the core actually relies
// on so the rest of the tree stays portable and testable on the host.
package cpu

// Halt stops instruction execution on the current CPU and never returns. On
// real hardware this disables interrupts and spins on hlt; tests substitute
// a function that records the call instead of blocking forever.
func Halt() {
	select {}
}
