// Package malloc implements the general-purpose, size-bucketed allocator
// that sits on top of slub: nine caches at fixed object sizes back Alloc and
// Free the way a hosted libc's malloc/free would, except every allocation is
// capped at one page since the core has no mechanism to span an object
// across several slub objects.
package malloc

import (
	"github.com/haoud/kiwi/kernel"
	"github.com/haoud/kiwi/kernel/kfmt/early"
	"github.com/haoud/kiwi/kernel/mem"
	"github.com/haoud/kiwi/kernel/mem/slub"
)

var (
	errSetupFailed = &kernel.Error{Module: "malloc", Message: "could not create a general-purpose cache"}

	// panicFn is mocked by tests and is automatically inlined by the
	// compiler in a real build.
	panicFn = kernel.Panic
)

// bucketSizes lists the object size of each general-purpose cache, smallest
// first. Alloc returns an object from the first bucket at least as large as
// the request.
var bucketSizes = [...]mem.Size{16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

// buckets holds the slub cache backing each entry in bucketSizes, in the
// same order. It is populated once by Setup.
var buckets [len(bucketSizes)]*slub.Cache

// Setup creates the nine general-purpose slub caches. It must run exactly
// once, after slub.Setup, before the first call to Alloc or Free.
func Setup() {
	for i, size := range bucketSizes {
		cache := slub.CreateCache("malloc", size, 0, 0, slub.Flag(0))
		if cache == nil {
			panicFn(errSetupFailed)
			return
		}
		buckets[i] = cache
	}
}

// Alloc returns a newly allocated object of at least size bytes, 8-byte
// aligned, drawn from the smallest bucket that fits it. It returns 0 and
// warns if size exceeds the largest bucket (4096, one page): the general
// allocator never spans more than one slub object.
func Alloc(size mem.Size) uintptr {
	for i, bucketSize := range bucketSizes {
		if size <= bucketSize {
			return slub.Alloc(buckets[i])
		}
	}

	early.Printf("malloc: alloc() does not support allocations larger than a page\n")
	return 0
}

// Free returns ptr, previously obtained from Alloc, to its owning cache. A
// NULL ptr is a no-op. Which bucket owns ptr is not tracked anywhere, so
// every bucket is offered the pointer in turn; slub.Free silently ignores an
// object that does not belong to the cache it was called on, so only the
// bucket that actually owns ptr does anything. This is O(len(bucketSizes))
// per call; see the package-level open question in the design notes for why
// this is a deliberate, inherited tradeoff rather than an oversight.
func Free(ptr uintptr) {
	if ptr == 0 {
		return
	}

	for _, cache := range buckets {
		slub.Free(cache, ptr)
	}
}
