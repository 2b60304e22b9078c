package hv

import (
	"strings"
	"testing"
)

func TestAddressSpaceAllocate(t *testing.T) {
	as := NewAddressSpace(0x4000_0000, 0x1000_0000)

	a, err := as.Allocate(MMIOAllocationRequest{Name: "a", Size: 0x200})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a.Base != 0x4000_0000 || a.Size != 0x1000 {
		t.Errorf("first allocation: got base=0x%x size=0x%x, want base=0x40000000 size=0x1000", a.Base, a.Size)
	}

	b, err := as.Allocate(MMIOAllocationRequest{Name: "b", Size: 0x1000})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if b.Base != 0x4000_1000 {
		t.Errorf("second allocation: got base=0x%x, want 0x40001000", b.Base)
	}
}

func TestAddressSpaceAlignment(t *testing.T) {
	as := NewAddressSpace(0x4000_0000, 0x1000_0000)

	if _, err := as.Allocate(MMIOAllocationRequest{Name: "pad", Size: 0x1000}); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	big, err := as.Allocate(MMIOAllocationRequest{Name: "big", Size: 0x4000, Alignment: 0x10000})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if big.Base%0x10000 != 0 {
		t.Errorf("aligned allocation: base 0x%x not 0x10000-aligned", big.Base)
	}
	if big.Size != 0x10000 {
		t.Errorf("aligned allocation: size 0x%x, want rounded to 0x10000", big.Size)
	}
}

func TestAddressSpaceErrors(t *testing.T) {
	as := NewAddressSpace(0x4000_0000, 0x2000)

	if _, err := as.Allocate(MMIOAllocationRequest{Name: "zero"}); err == nil {
		t.Error("zero-size allocation: want error")
	}
	if _, err := as.Allocate(MMIOAllocationRequest{Name: "odd", Size: 0x1000, Alignment: 0x300}); err == nil {
		t.Error("non-power-of-two alignment: want error")
	}

	if _, err := as.Allocate(MMIOAllocationRequest{Name: "fits", Size: 0x2000}); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	_, err := as.Allocate(MMIOAllocationRequest{Name: "overflow", Size: 0x1000})
	if err == nil || !strings.Contains(err.Error(), "exhausted") {
		t.Errorf("exhausted window: got %v", err)
	}

	if err := as.Release(0xdead_0000); err == nil {
		t.Error("release of unknown base: want error")
	}
}

func TestAddressSpaceReleaseReuse(t *testing.T) {
	as := NewAddressSpace(0x4000_0000, 0x4000)

	a, _ := as.Allocate(MMIOAllocationRequest{Name: "a", Size: 0x1000})
	b, _ := as.Allocate(MMIOAllocationRequest{Name: "b", Size: 0x1000})
	c, _ := as.Allocate(MMIOAllocationRequest{Name: "c", Size: 0x2000})
	if c.Base+c.Size != as.End() {
		t.Fatalf("window not full: c ends at 0x%x, window at 0x%x", c.Base+c.Size, as.End())
	}

	// The window is exhausted; freeing b must make its exact slot reusable.
	if err := as.Release(b.Base); err != nil {
		t.Fatalf("Release: %v", err)
	}
	d, err := as.Allocate(MMIOAllocationRequest{Name: "d", Size: 0x1000})
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if d.Base != b.Base {
		t.Errorf("reused allocation: got base 0x%x, want 0x%x", d.Base, b.Base)
	}

	allocs := as.Allocations()
	if len(allocs) != 3 {
		t.Fatalf("allocations: got %d, want 3", len(allocs))
	}
	if allocs[0].Base != a.Base || allocs[1].Base != d.Base || allocs[2].Base != c.Base {
		t.Errorf("allocations not in base order: %+v", allocs)
	}
}

func TestAddressSpaceReleasedAlignmentMismatch(t *testing.T) {
	as := NewAddressSpace(0x4000_1000, 0x10_0000)

	a, _ := as.Allocate(MMIOAllocationRequest{Name: "a", Size: 0x10000})
	if err := as.Release(a.Base); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// The free block at 0x40001000 cannot satisfy 0x10000 alignment, so a
	// fresh region is carved instead.
	b, err := as.Allocate(MMIOAllocationRequest{Name: "b", Size: 0x10000, Alignment: 0x10000})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if b.Base == a.Base {
		t.Errorf("misaligned free block reused at 0x%x", b.Base)
	}
	if b.Base%0x10000 != 0 {
		t.Errorf("allocation base 0x%x not aligned", b.Base)
	}
}
