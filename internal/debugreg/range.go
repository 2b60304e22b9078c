package debugreg

import "fmt"

// AddressRange is a half-open range [Begin, End) of guest or process
// addresses. The zero value is the empty range at address zero.
type AddressRange struct {
	Begin uint64
	End   uint64
}

func NewAddressRange(begin, end uint64) AddressRange {
	if end < begin {
		panic(fmt.Sprintf("debugreg: invalid range [%#x, %#x)", begin, end))
	}

	return AddressRange{Begin: begin, End: end}
}

func (r AddressRange) Size() uint64 { return r.End - r.Begin }

func (r AddressRange) Empty() bool { return r.End == r.Begin }

// Contains reports whether addr falls inside the range.
func (r AddressRange) Contains(addr uint64) bool {
	return addr >= r.Begin && addr < r.End
}

// ContainsRange reports whether other lies entirely inside r. The empty
// range is contained by everything.
func (r AddressRange) ContainsRange(other AddressRange) bool {
	if other.Empty() {
		return true
	}

	return other.Begin >= r.Begin && other.End <= r.End
}

// Overlaps reports whether the two ranges share at least one address.
func (r AddressRange) Overlaps(other AddressRange) bool {
	return r.Begin < other.End && other.Begin < r.End
}

// Union returns the smallest range covering both inputs. An empty input
// contributes nothing.
func (r AddressRange) Union(other AddressRange) AddressRange {
	if r.Empty() {
		return other
	}
	if other.Empty() {
		return r
	}

	out := r
	if other.Begin < out.Begin {
		out.Begin = other.Begin
	}
	if other.End > out.End {
		out.End = other.End
	}

	return out
}

// Compare orders ranges by begin address, then by end address. It returns
// -1, 0 or +1 and is suitable for slices.SortFunc; ranges compare equal
// only when identical.
func (r AddressRange) Compare(other AddressRange) int {
	switch {
	case r.Begin < other.Begin:
		return -1
	case r.Begin > other.Begin:
		return 1
	case r.End < other.End:
		return -1
	case r.End > other.End:
		return 1
	}

	return 0
}

// Before orders ranges by begin address, then by size.
func (r AddressRange) Before(other AddressRange) bool {
	if r.Begin != other.Begin {
		return r.Begin < other.Begin
	}

	return r.Size() < other.Size()
}

func (r AddressRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Begin, r.End)
}
