package kernel

import (
	"github.com/haoud/kiwi/kernel/cpu"
	"github.com/haoud/kiwi/kernel/kfmt/early"
)

var (
	// haltFn is mocked by tests and is automatically inlined by the
	// compiler in a real build.
	haltFn = cpu.Halt

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// Panic prints the supplied error to the console and halts the CPU. Calls to
// Panic never return. Every contract violation detected by the page, buddy
// and slub layers (double free, misaligned free, destroying a non-empty
// cache, ...) is funnelled through here: the kernel cannot safely continue
// once the physical memory core's own invariants break.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	early.Printf("\n-----------------------------------\n")
	if err != nil {
		early.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	early.Printf("*** kiwi: memory core panic, system halted ***")
	early.Printf("\n-----------------------------------\n")

	haltFn()
}
