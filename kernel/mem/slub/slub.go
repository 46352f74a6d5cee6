// Package slub implements a fixed-size object pool allocator (a slab
// allocator) layered on top of the buddy allocator. A Cache hands out
// objects of one size out of Slabs, contiguous buddy-allocated regions
// sliced into equal-size slots; free slots are tracked with an intrusive
// list written into the slots' own bytes, exactly like the buddy allocator's
// free blocks.
//
// Cache and Slab descriptors are themselves slub objects: two self-hosted
// caches, cacheOfCaches and cacheOfSlabs, supply every Cache and Slab
// struct this package hands out, including the descriptors of every slab
// the two caches add for themselves after boot. Their own Cache structs
// and first slabs are static globals instead. Setup breaks the
// resulting bootstrap cycle by statically embedding each cache's first slab
// as global data, so the very first descriptor never needs an allocation.
package slub

import (
	"unsafe"

	"github.com/haoud/kiwi/kernel"
	"github.com/haoud/kiwi/kernel/kfmt/early"
	"github.com/haoud/kiwi/kernel/mem"
	"github.com/haoud/kiwi/kernel/mem/buddy"
)

// minAlign is the floor every obj_size and obj_align is clamped up to.
const minAlign = 8

// defaultSlabOrder is the buddy order a newly created slab's backing region
// is carved from: 2^2 pages, 16 KiB.
const defaultSlabOrder = 2

// Flag holds cache-level behavior bits.
type Flag uint8

const (
	// Sticky marks a cache that should never be destroyed: DestroyCache
	// refuses any cache with this flag set. Neither of the two bootstrap
	// caches can be returned to their own pools, so DestroyCache also
	// refuses them by identity, regardless of this flag.
	Sticky Flag = 1 << iota
	// Debug enables the diagnostic logging Free's silent-tolerance path
	// emits when an object matches no known slab.
	Debug
)

var (
	errMaxObjOverflow = &kernel.Error{Module: "slub", Message: "slab would hold more than 65535 objects"}
	errBootstrapSlab  = &kernel.Error{Module: "slub", Message: "buddy allocator could not satisfy a bootstrap slab"}

	// panicFn is mocked by tests and is automatically inlined by the
	// compiler in a real build.
	panicFn = kernel.Panic
)

// freeNode is the intrusive free-object list header, written into the first
// bytes of a free object.
type freeNode struct {
	next uintptr
}

func freeNodeAt(vaddr uintptr) *freeNode {
	return (*freeNode)(unsafe.Pointer(vaddr))
}

// Slab describes one contiguous buddy-allocated region sliced into
// equal-size objects for its owning Cache.
type Slab struct {
	Base        uintptr
	Size        mem.Size
	MaxObjects  uint16
	FreeObjects uint16
	Cache       *Cache
	pfnCount    uint32
	freeList    uintptr

	prev, next *Slab
}

// list identifies which of a cache's three slab lists a Slab belongs to.
type list uint8

const (
	listFree list = iota
	listPartial
	listFull
)

// Cache is a named pool of fixed-size objects.
type Cache struct {
	Name       string
	ObjSize    mem.Size
	ObjAlign   uintptr
	MinFree    uint16
	SlabOrder  mem.PageOrder
	ObjPerSlab uint16
	Flags      Flag

	free, partial, full *Slab
	freeObjects          uint16

	// growing guards against unbounded recursion when this cache is
	// cacheOfSlabs and AddSlab needs a Slab descriptor for itself: the
	// nested Alloc(cacheOfSlabs) call that fetches it must not itself
	// re-trigger the min_free watermark check below, since it would
	// observe the same not-yet-decremented free count forever.
	growing bool
}

// cacheOfCaches and cacheOfSlabs are the two self-hosted meta-caches: every
// Cache and Slab descriptor in the system is an object drawn from one of
// these two pools, except the two Cache structs below and their statically
// embedded first slabs.
var (
	cacheOfCaches Cache
	cacheOfSlabs  Cache

	// bootSlabForCaches and bootSlabForSlabs are the statically embedded
	// first slabs of cacheOfCaches and cacheOfSlabs respectively. They
	// exist so the very first Cache/Slab descriptor never needs to be
	// allocated from a cache that does not have any slabs yet.
	bootSlabForCaches Slab
	bootSlabForSlabs  Slab
)

// Setup bootstraps the two self-hosted meta-caches. It must run exactly
// once, after the buddy allocator is populated, before any other cache is
// created.
func Setup() {
	NewCache(&cacheOfCaches, "cache-of-caches", mem.Size(unsafe.Sizeof(Cache{})), minAlign, 1, Sticky)
	NewCache(&cacheOfSlabs, "cache-of-slabs", mem.Size(unsafe.Sizeof(Slab{})), minAlign, 1, Sticky)

	bootstrapSlab(&cacheOfCaches, &bootSlabForCaches)
	bootstrapSlab(&cacheOfSlabs, &bootSlabForSlabs)
}

// bootstrapSlab buddy-allocates a slab region for cache and installs slab
// (a statically embedded descriptor, not drawn from any pool) as its first
// slab. Used only for the two meta-caches at boot, before cacheOfSlabs has
// anything to hand out.
func bootstrapSlab(cache *Cache, slab *Slab) {
	pfnCount := uint32(1) << cache.SlabOrder
	size := mem.PageSize * mem.Size(pfnCount)

	base := buddy.Alloc(cache.SlabOrder)
	if base == 0 {
		panicFn(errBootstrapSlab)
		return
	}

	NewSlab(slab, cache, base, size, pfnCount)
	cache.freeObjects += slab.FreeObjects
	listPush(&cache.free, slab)
}

// NewCache initializes cache in place with the given parameters. objSize
// and objAlign are clamped up to minAlign. The object count per slab is
// derived from a defaultSlabOrder-sized region; cache starts with no slabs
// attached to any list.
func NewCache(cache *Cache, name string, objSize mem.Size, objAlign uintptr, minFree uint16, flags Flag) {
	if objSize < minAlign {
		objSize = minAlign
	}
	if objAlign < minAlign {
		objAlign = minAlign
	}

	slabSize := mem.PageSize * mem.Size(uint32(1)<<defaultSlabOrder)
	objPerSlab := uint16(slabSize / objSize)

	*cache = Cache{
		Name:       name,
		ObjSize:    objSize,
		ObjAlign:   objAlign,
		MinFree:    minFree,
		SlabOrder:  defaultSlabOrder,
		ObjPerSlab: objPerSlab,
		Flags:      flags,
	}
}

// CreateCache allocates a Cache descriptor from cacheOfCaches and
// initializes it via NewCache. This is the entry point ordinary callers
// (such as the size-bucketed general allocator) use; the two meta-caches
// themselves are set up directly by Setup instead, since cacheOfCaches does
// not exist yet when cacheOfCaches itself is created.
func CreateCache(name string, objSize mem.Size, objAlign uintptr, minFree uint16, flags Flag) *Cache {
	obj := Alloc(&cacheOfCaches)
	if obj == 0 {
		return nil
	}
	cache := (*Cache)(unsafe.Pointer(obj))
	NewCache(cache, name, objSize, objAlign, minFree, flags)
	return cache
}

// NewSlab populates slab in place to describe the region [base, base+size),
// carving it into objects for cache and building its free-object list. It
// does not attach slab to any of cache's lists; callers do that.
func NewSlab(slab *Slab, cache *Cache, base uintptr, size mem.Size, pfnCount uint32) {
	maxObjects := uint32(size / cache.ObjSize)
	if maxObjects > 0xFFFF {
		panicFn(errMaxObjOverflow)
		return
	}

	*slab = Slab{
		Base:       base,
		Size:       size,
		MaxObjects: uint16(maxObjects),
		Cache:      cache,
		pfnCount:   pfnCount,
	}

	var head uintptr
	for i := maxObjects; i > 0; i-- {
		objAddr := mem.AlignUp(base+uintptr(i-1)*uintptr(cache.ObjSize), cache.ObjAlign)
		freeNodeAt(objAddr).next = head
		head = objAddr
	}
	slab.freeList = head
	slab.FreeObjects = uint16(maxObjects)
}

func listPush(headRef **Slab, slab *Slab) {
	slab.prev = nil
	slab.next = *headRef
	if *headRef != nil {
		(*headRef).prev = slab
	}
	*headRef = slab
}

func listUnlink(headRef **Slab, slab *Slab) {
	if slab.prev != nil {
		slab.prev.next = slab.next
	} else {
		*headRef = slab.next
	}
	if slab.next != nil {
		slab.next.prev = slab.prev
	}
	slab.prev, slab.next = nil, nil
}

func (c *Cache) headRef(l list) **Slab {
	switch l {
	case listFree:
		return &c.free
	case listPartial:
		return &c.partial
	default:
		return &c.full
	}
}

func (c *Cache) move(slab *Slab, from, to list) {
	listUnlink(c.headRef(from), slab)
	listPush(c.headRef(to), slab)
}

// AddSlab allocates a new buddy region of cache.SlabOrder pages, obtains a
// Slab descriptor for it from cacheOfSlabs (or, for the two meta-caches'
// own growth, recursively from cacheOfSlabs itself), and appends it to
// cache's free list. It returns false without panicking if the buddy
// allocator or cacheOfSlabs cannot satisfy the request: running out of
// memory is recoverable for a cache, not fatal.
func AddSlab(cache *Cache) bool {
	pfnCount := uint32(1) << cache.SlabOrder
	size := mem.PageSize * mem.Size(pfnCount)

	base := buddy.Alloc(cache.SlabOrder)
	if base == 0 {
		early.Printf("slub: %s: out of memory adding a slab\n", cache.Name)
		return false
	}

	cache.growing = true
	descObj := Alloc(&cacheOfSlabs)
	cache.growing = false

	if descObj == 0 {
		buddy.FreeExact(base, pfnCount)
		early.Printf("slub: %s: out of slab descriptors\n", cache.Name)
		return false
	}

	slab := (*Slab)(unsafe.Pointer(descObj))
	NewSlab(slab, cache, base, size, pfnCount)
	cache.freeObjects += slab.FreeObjects
	listPush(&cache.free, slab)
	return true
}

// Alloc returns a new object from cache, or 0 if the system is out of
// memory. The free/partial pool selection and the min_free watermark check
// happen before the object is popped: growing the cache first (rather than
// after noticing it is empty) is what lets cacheOfSlabs hand out the
// descriptor a brand new slab needs without ever reaching zero free
// objects while doing so.
func Alloc(cache *Cache) uintptr {
	if cache.partial == nil && cache.free == nil {
		if !AddSlab(cache) {
			return 0
		}
	}

	if !cache.growing && cache.freeObjects <= cache.MinFree {
		AddSlab(cache)
	}

	var slab *Slab
	var from list
	if cache.partial != nil {
		slab, from = cache.partial, listPartial
	} else {
		slab, from = cache.free, listFree
	}
	if slab == nil {
		return 0
	}

	obj := slab.freeList
	slab.freeList = freeNodeAt(obj).next
	slab.FreeObjects--
	cache.freeObjects--

	if slab.FreeObjects == 0 {
		cache.move(slab, from, listFull)
	} else if from == listFree {
		cache.move(slab, listFree, listPartial)
	}

	return obj
}

// Free returns obj, previously allocated from cache, back to its slab. It
// walks the partial then full lists to find the slab containing obj. If obj
// matches no known slab, Free silently does nothing (optionally logging
// when cache.Flags has Debug set): the size-bucketed general allocator's
// free implementation blindly tries every cache, relying on this tolerance.
func Free(cache *Cache, obj uintptr) {
	slab, from := findSlab(cache, obj)
	if slab == nil {
		if cache.Flags&Debug != 0 {
			early.Printf("slub: %s: free of 0x%x matched no slab\n", cache.Name, obj)
		}
		return
	}

	freeNodeAt(obj).next = slab.freeList
	slab.freeList = obj
	slab.FreeObjects++
	cache.freeObjects++

	if slab.FreeObjects == slab.MaxObjects {
		cache.move(slab, from, listFree)
	} else if from == listFull {
		cache.move(slab, listFull, listPartial)
	}
}

func findSlab(cache *Cache, obj uintptr) (*Slab, list) {
	for slab := cache.partial; slab != nil; slab = slab.next {
		if obj >= slab.Base && obj < slab.Base+uintptr(slab.Size) {
			return slab, listPartial
		}
	}
	for slab := cache.full; slab != nil; slab = slab.next {
		if obj >= slab.Base && obj < slab.Base+uintptr(slab.Size) {
			return slab, listFull
		}
	}
	return nil, 0
}

// DestroyCache releases cache's slabs back to the buddy allocator and its
// Slab descriptors back to cacheOfSlabs, then returns the Cache descriptor
// itself to cacheOfCaches. It refuses (logging a warning and returning
// false) if cache still has slabs on its partial or full list, if cache has
// the Sticky flag, or if cache is one of the two self-hosted meta-caches.
func DestroyCache(cache *Cache) bool {
	if cache == &cacheOfCaches || cache == &cacheOfSlabs {
		early.Printf("slub: refusing to destroy a self-hosted meta-cache\n")
		return false
	}
	if cache.Flags&Sticky != 0 {
		early.Printf("slub: %s: refusing to destroy a sticky cache\n", cache.Name)
		return false
	}
	if cache.partial != nil || cache.full != nil {
		early.Printf("slub: %s: refusing to destroy a non-empty cache\n", cache.Name)
		return false
	}

	for slab := cache.free; slab != nil; {
		next := slab.next
		buddy.FreeExact(slab.Base, slab.pfnCount)
		Free(&cacheOfSlabs, uintptr(unsafe.Pointer(slab)))
		slab = next
	}
	cache.free = nil
	cache.freeObjects = 0

	Free(&cacheOfCaches, uintptr(unsafe.Pointer(cache)))
	return true
}
