// Package multiboot decodes the Multiboot 1 information structure handed to
// the kernel by the bootloader. It is the sole external contract the memory
// management core relies on for discovering how much RAM exists and which
// ranges of it are usable.
package multiboot

import (
	"encoding/binary"
	"reflect"
	"unsafe"
)

// InfoFlag identifies which optional fields of Info are valid.
type InfoFlag uint32

// The subset of Multiboot 1 info flags the core cares about. Bit positions
// match the Multiboot specification.
const (
	FlagMemory    InfoFlag = 1 << 0 // mem_lower / mem_upper are valid
	FlagBootDev   InfoFlag = 1 << 1
	FlagCmdLine   InfoFlag = 1 << 2
	FlagMods      InfoFlag = 1 << 3
	FlagAoutSyms  InfoFlag = 1 << 4
	FlagElfShdr   InfoFlag = 1 << 5
	FlagMemMap    InfoFlag = 1 << 6 // mmap_addr / mmap_length are valid
	FlagDriveInfo InfoFlag = 1 << 7
)

// EntryType classifies a single memory map entry.
type EntryType uint32

// Entry types as defined by the Multiboot 1 specification.
const (
	MemAvailable EntryType = 1
	MemReserved  EntryType = 2
	MemACPI      EntryType = 3
	MemNVS       EntryType = 4
	MemBadRAM    EntryType = 5
)

// String returns a human readable name for the entry type, used by boot-time
// diagnostics.
func (t EntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemACPI:
		return "acpi reclaimable"
	case MemNVS:
		return "nvs"
	case MemBadRAM:
		return "bad ram"
	default:
		return "unknown"
	}
}

// Info mirrors the fixed-size prefix of the Multiboot 1 information
// structure. Only the fields the core consumes are modelled; the rest of the
// structure (command line, module list, ELF section headers, ...) belongs to
// drivers outside this core's scope.
type Info struct {
	Flags       InfoFlag
	MemLower    uint32
	MemUpper    uint32
	BootDevice  uint32
	CmdLine     uint32
	ModsCount   uint32
	ModsAddr    uint32
	_syms       [4]uint32
	MmapLength  uint32
	// MmapAddr is stored as a native pointer-sized value rather than the
	// raw uint32 the bootloader places on the wire: by the time kernel
	// code reads this field it has already been relocated (see Relocate)
	// into a dereferenceable kernel-virtual address.
	MmapAddr    uintptr
	DriveLength uint32
	DriveAddr   uint32
}

// The on-the-wire layout of one memory map record is packed, little-endian,
// and NOT naturally aligned: a leading 32-bit size field (which does not
// include itself) immediately followed by a 64-bit base at byte offset 4, a
// 64-bit length at offset 12, and a 32-bit type at offset 20, for a total
// record length of 24 bytes including the leading size. Entries are chained
// by ptr = ptr + size + sizeof(size), since Size may vary between records.
//
// A Go struct overlaid directly onto this layout would misdecode it: the
// compiler naturally aligns a uint64 field following a uint32 one to an
// 8-byte boundary, which would place Base at offset 8 instead of 4 (and
// pad the struct's total size past 24 bytes). Every field is therefore read
// and written at its packed byte offset instead of through a struct cast.
const (
	rawEntrySizeOff   = 0
	rawEntryBaseOff   = 4
	rawEntryLengthOff = 12
	rawEntryTypeOff   = 20
	rawEntryLen       = 24
)

// rawEntryBytes returns a byte view of the 24-byte record at ptr.
func rawEntryBytes(ptr uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: ptr,
		Len:  rawEntryLen,
		Cap:  rawEntryLen,
	}))
}

// readRawEntry decodes the size, base, length and type of the record at ptr.
func readRawEntry(ptr uintptr) (size uint32, base uint64, length uint64, typ EntryType) {
	b := rawEntryBytes(ptr)
	size = binary.LittleEndian.Uint32(b[rawEntrySizeOff:])
	base = binary.LittleEndian.Uint64(b[rawEntryBaseOff:])
	length = binary.LittleEndian.Uint64(b[rawEntryLengthOff:])
	typ = EntryType(binary.LittleEndian.Uint32(b[rawEntryTypeOff:]))
	return
}

// writeRawEntry overwrites the base, length and type of the record at ptr,
// leaving its size field (and therefore the chain to the next record)
// untouched.
func writeRawEntry(ptr uintptr, base, length uint64, typ EntryType) {
	b := rawEntryBytes(ptr)
	binary.LittleEndian.PutUint64(b[rawEntryBaseOff:], base)
	binary.LittleEndian.PutUint64(b[rawEntryLengthOff:], length)
	binary.LittleEndian.PutUint32(b[rawEntryTypeOff:], uint32(typ))
}

// Entry is a decoded, fixed-size view of one memory map record.
type Entry struct {
	Base   uint64
	Length uint64
	Type   EntryType
}

// End returns the first address past this entry.
func (e Entry) End() uint64 {
	return e.Base + e.Length
}

// Relocate re-bases MmapAddr by adding the kernel's virtual base offset, as
// required before the memory map can be walked from kernel code: the
// bootloader reports mmap_addr as a physical address.
func (info *Info) Relocate(kernelVBase uintptr) {
	info.MmapAddr += kernelVBase
}

// Visitor is invoked once per memory map entry by VisitMemRegions. Returning
// false stops the scan early.
type Visitor func(entry *Entry) bool

// VisitMemRegions walks every entry in the memory map referenced by info,
// invoking visitor for each one. It is a no-op if FlagMemMap is not set.
func VisitMemRegions(info *Info, visitor Visitor) {
	if info.Flags&FlagMemMap == 0 {
		return
	}

	ptr := info.MmapAddr
	end := ptr + uintptr(info.MmapLength)

	for ptr < end {
		size, base, length, typ := readRawEntry(ptr)

		entry := Entry{Base: base, Length: length, Type: typ}
		if entry.Type < MemAvailable || entry.Type > MemBadRAM {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}

		ptr += uintptr(size) + unsafe.Sizeof(size)
	}
}

// PutMemRegion overwrites the memory map entry at ptr with base/length/typ.
// It is used by the boot memory sanitizer to shrink the entry that overlaps
// the loaded kernel image in place, without reshuffling the rest of the map.
func PutMemRegion(ptr uintptr, base, length uint64, typ EntryType) {
	writeRawEntry(ptr, base, length, typ)
}

// PtrVisitor is invoked once per memory map entry by VisitMemRegionPtrs. It
// is like Visitor but also receives the address of the raw entry, so
// in-place mutation (via PutMemRegion) is possible while scanning.
type PtrVisitor func(ptr uintptr, entry *Entry) bool

// VisitMemRegionPtrs walks the memory map like VisitMemRegions but exposes
// each entry's address so callers can rewrite it in place.
func VisitMemRegionPtrs(info *Info, visitor PtrVisitor) {
	if info.Flags&FlagMemMap == 0 {
		return
	}

	ptr := info.MmapAddr
	end := ptr + uintptr(info.MmapLength)

	for ptr < end {
		size, base, length, typ := readRawEntry(ptr)

		entry := Entry{Base: base, Length: length, Type: typ}
		if entry.Type < MemAvailable || entry.Type > MemBadRAM {
			entry.Type = MemReserved
		}

		if !visitor(ptr, &entry) {
			return
		}

		ptr += uintptr(size) + unsafe.Sizeof(size)
	}
}
