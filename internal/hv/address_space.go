package hv

import (
	"fmt"
	"slices"
	"sync"

	"golang.org/x/exp/constraints"
)

// AddressSpace hands out guest-physical regions from a fixed window. A VM
// uses one to place device MMIO above RAM; the bridge device uses one to
// place shared-memory mappings inside its window. Released regions go on a
// free list and are reused for later requests of the same size.
type AddressSpace struct {
	mu sync.Mutex

	base uint64
	size uint64

	// next is the bump pointer for regions with no reusable free block.
	next uint64

	// free maps a region size to released bases of that exact size.
	free map[uint64][]uint64

	allocations []MMIOAllocation
}

const defaultAlignment = 0x1000

// NewAddressSpace creates an allocator over [base, base+size).
func NewAddressSpace(base, size uint64) *AddressSpace {
	return &AddressSpace{
		base: base,
		size: size,
		next: alignUp(base, defaultAlignment),
		free: make(map[uint64][]uint64),
	}
}

// Allocate places a region of at least req.Size bytes, aligned to
// req.Alignment (4KB when zero).
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: zero-size allocation for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = defaultAlignment
	}
	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	size := alignUp(req.Size, alignment)

	base, ok := a.takeFree(size, alignment)
	if !ok {
		base = alignUp(a.next, alignment)
		if base+size > a.base+a.size {
			return MMIOAllocation{}, fmt.Errorf(
				"address_space: window [0x%x-0x%x) exhausted allocating 0x%x bytes for %s",
				a.base, a.base+a.size, size, req.Name)
		}
		a.next = base + size
	}

	alloc := MMIOAllocation{Name: req.Name, Base: base, Size: size}
	a.allocations = append(a.allocations, alloc)
	return alloc, nil
}

// takeFree pops a released block of the exact size whose base satisfies the
// alignment. Caller holds a.mu.
func (a *AddressSpace) takeFree(size, alignment uint64) (uint64, bool) {
	bases := a.free[size]
	for i, base := range bases {
		if base%alignment == 0 {
			a.free[size] = slices.Delete(bases, i, i+1)
			return base, true
		}
	}
	return 0, false
}

// Release returns an allocated region to the free list.
func (a *AddressSpace) Release(base uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, alloc := range a.allocations {
		if alloc.Base == base {
			a.allocations = slices.Delete(a.allocations, i, i+1)
			a.free[alloc.Size] = append(a.free[alloc.Size], base)
			return nil
		}
	}
	return fmt.Errorf("address_space: release of unallocated base 0x%x", base)
}

// Allocations returns a copy of the live allocations in base order.
func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.allocations))
	copy(result, a.allocations)
	slices.SortFunc(result, func(x, y MMIOAllocation) int {
		switch {
		case x.Base < y.Base:
			return -1
		case x.Base > y.Base:
			return 1
		default:
			return 0
		}
	})
	return result
}

// Base returns the start of the window.
func (a *AddressSpace) Base() uint64 { return a.base }

// Size returns the window size.
func (a *AddressSpace) Size() uint64 { return a.size }

// End returns the first address after the window.
func (a *AddressSpace) End() uint64 { return a.base + a.size }

// alignUp rounds value up to a multiple of align. Alignments are powers
// of two; zero means no alignment.
func alignUp[T constraints.Integer](value, align T) T {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
