package debugreg

import "golang.org/x/exp/constraints"

// maxWatchpointBytes is the widest span a single hardware watchpoint can
// cover on the architectures supported here.
const maxWatchpointBytes = 8

func alignUp[T constraints.Integer](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

func alignDown[T constraints.Integer](v, align T) T {
	return v &^ (align - 1)
}

// AlignRange widens r to the smallest naturally aligned power-of-two range
// (1, 2, 4 or 8 bytes) that still covers it. Hardware watchpoints can only
// watch such ranges. It returns false when no 8-byte-or-smaller aligned
// range covers r, or when r is empty.
func AlignRange(r AddressRange) (AddressRange, bool) {
	n := r.Size()
	if n == 0 || n > maxWatchpointBytes {
		return AddressRange{}, false
	}

	size := uint64(1)
	for size < n {
		size <<= 1
	}

	// Aligning the begin address down can leave the tail of r uncovered,
	// in which case the next size up may still work: [0x1001, 0x1003) does
	// not fit a 2-byte watchpoint at 0x1000 but fits a 4-byte one.
	for ; size <= maxWatchpointBytes; size <<= 1 {
		begin := alignDown(r.Begin, size)
		if begin+size >= r.End {
			return AddressRange{Begin: begin, End: begin + size}, true
		}
	}

	return AddressRange{}, false
}
