// Package vma provides the virtual memory area bookkeeping of an address
// space: an interval tree of mapped areas and a tree of free gaps.
package vma

import "strings"

// Flags describes the access permissions of an area.
type Flags uint8

const (
	// FlagRead allows loads from the area.
	FlagRead Flags = 1 << iota

	// FlagWrite allows stores to the area.
	FlagWrite

	// FlagExec allows instruction fetches from the area.
	FlagExec

	// FlagUser makes the area accessible to application threads and not
	// only to the kernel.
	FlagUser
)

// String implements fmt.Stringer.
func (f Flags) String() string {
	var sb strings.Builder
	for _, bit := range []struct {
		flag Flags
		on   byte
	}{{FlagRead, 'r'}, {FlagWrite, 'w'}, {FlagExec, 'x'}, {FlagUser, 'u'}} {
		if f&bit.flag != 0 {
			sb.WriteByte(bit.on)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// BackingKind identifies where the contents of an area come from.
type BackingKind uint8

const (
	// Anonymous areas are zero-filled on first touch.
	Anonymous BackingKind = iota

	// File areas are initialized from an in-memory image such as a
	// compiled module or an initrd file.
	File

	// Guard areas are never backed; any access faults.
	Guard
)

// String implements fmt.Stringer.
func (k BackingKind) String() string {
	switch k {
	case Anonymous:
		return "anon"
	case File:
		return "file"
	case Guard:
		return "guard"
	default:
		return "unknown"
	}
}

// Image is a named read-only blob that can back file areas.
type Image struct {
	Name string
	Data []byte
}

// Backing describes the source of an area's contents.
type Backing struct {
	Kind BackingKind

	// Image and Offset locate the contents of a File area; Offset is the
	// image offset that corresponds to the area base.
	Image  *Image
	Offset uintptr
}

// Area is a virtual memory area [Base, Base+Len).
type Area struct {
	Base    uintptr
	Len     uintptr
	Flags   Flags
	Backing Backing
}

// End returns the first address past the area.
func (a *Area) End() uintptr { return a.Base + a.Len }

// Contains returns true if addr lies inside the area.
func (a *Area) Contains(addr uintptr) bool {
	return addr >= a.Base && addr < a.End()
}

// Overlaps returns true if the area intersects [start, end).
func (a *Area) Overlaps(start, end uintptr) bool {
	return a.Base < end && start < a.End()
}

// CanMerge returns true if next starts where a ends and both areas have the
// same permissions and a compatible backing.
func (a *Area) CanMerge(next *Area) bool {
	if a.End() != next.Base || a.Flags != next.Flags || a.Backing.Kind != next.Backing.Kind {
		return false
	}
	if a.Backing.Kind == File {
		return a.Backing.Image == next.Backing.Image && a.Backing.Offset+a.Len == next.Backing.Offset
	}
	return true
}

// Slice returns a copy of the area restricted to [start, end). The range is
// clamped to the area bounds.
func (a *Area) Slice(start, end uintptr) *Area {
	if start < a.Base {
		start = a.Base
	}
	if end > a.End() {
		end = a.End()
	}

	out := *a
	out.Base, out.Len = start, end-start
	if out.Backing.Kind == File {
		out.Backing.Offset += start - a.Base
	}
	return &out
}

// FileOffset returns the image offset backing addr and true if addr is backed
// by image data.
func (a *Area) FileOffset(addr uintptr) (uintptr, bool) {
	if a.Backing.Kind != File || a.Backing.Image == nil {
		return 0, false
	}
	off := a.Backing.Offset + (addr - a.Base)
	return off, off < uintptr(len(a.Backing.Image.Data))
}
