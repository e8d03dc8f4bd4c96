package functional

import (
	"errors"
	"fmt"
	"sort"
)

// Errors reported by the allocator.
var (
	ErrOutOfMemory  = errors.New("out of memory")
	ErrNotAllocated = errors.New("address is not allocated")
)

type region struct {
	start, size uint64
}

func (r region) end() uint64 {
	return r.start + r.size
}

// An Allocator hands out aligned, non-overlapping ranges of an address space
// with a first-fit policy.
type Allocator struct {
	align uint64
	free  []region
	live  map[uint64]uint64
	inUse uint64
}

// NewAllocator creates an allocator over [base, base+size). The base is
// rounded up to the alignment, and address zero is never handed out.
func NewAllocator(base, size, align uint64) *Allocator {
	if align == 0 || align&(align-1) != 0 {
		panic("alignment must be a power of two")
	}

	start := roundUp(max(base, 1), align)
	if start >= base+size {
		panic("address space too small for the alignment")
	}

	return &Allocator{
		align: align,
		free:  []region{{start: start, size: base + size - start}},
		live:  make(map[uint64]uint64),
	}
}

// Alloc reserves size bytes and returns the start address.
func (a *Allocator) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-byte allocation", ErrOutOfMemory)
	}

	rounded := roundUp(size, a.align)

	for i, r := range a.free {
		if r.size < rounded {
			continue
		}

		addr := r.start
		if r.size == rounded {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = region{start: r.start + rounded, size: r.size - rounded}
		}

		a.live[addr] = rounded
		a.inUse += rounded

		return addr, nil
	}

	return 0, fmt.Errorf("%w: %d bytes requested, %d in use",
		ErrOutOfMemory, size, a.inUse)
}

// Free releases the allocation that starts at addr.
func (a *Allocator) Free(addr uint64) error {
	size, found := a.live[addr]
	if !found {
		return fmt.Errorf("%w: 0x%x", ErrNotAllocated, addr)
	}

	delete(a.live, addr)
	a.inUse -= size
	a.insertFree(region{start: addr, size: size})

	return nil
}

func (a *Allocator) insertFree(r region) {
	i := sort.Search(len(a.free), func(i int) bool {
		return a.free[i].start > r.start
	})

	a.free = append(a.free, region{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = r

	if i+1 < len(a.free) && a.free[i].end() == a.free[i+1].start {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}

	if i > 0 && a.free[i-1].end() == a.free[i].start {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// Contains tells if [addr, addr+size) lies inside one live allocation.
func (a *Allocator) Contains(addr, size uint64) bool {
	for start, length := range a.live {
		if addr >= start && addr+size <= start+length {
			return true
		}
	}

	return false
}

// InUse returns the number of allocated bytes, alignment padding included.
func (a *Allocator) InUse() uint64 {
	return a.inUse
}

// NumAllocations returns the number of live allocations.
func (a *Allocator) NumAllocations() int {
	return len(a.live)
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
