// Package kernel holds the types and routines shared by every layer of the
// physical memory management core: the error type used in place of the
// standard library's error (which would require a working allocator) and the
// panic path that the rest of the core calls into when an invariant breaks.
package kernel

// Error describes a kernel error. All kernel errors are defined as global
// variables that are pointers to this structure. This requirement stems from
// the fact that the Go allocator is not available to us this early in boot,
// so we cannot rely on errors.New or fmt.Errorf to build one on demand.
type Error struct {
	// Module is the subsystem where the error occurred.
	Module string

	// Message is the human readable error text.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Module + ": " + e.Message
}
