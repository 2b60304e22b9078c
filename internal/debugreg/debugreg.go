// Package debugreg computes hardware debug register contents for amd64 and
// arm64 debuggees. Callers hand it the saved register state of a stopped
// thread; it finds a free slot, encodes the watchpoint or breakpoint into
// the architectural bit layout and hands the state back to be reinstalled.
package debugreg

// BreakType classifies what a debug register slot should trap on.
type BreakType int

const (
	BreakTypeSoftware BreakType = iota
	BreakTypeExecute
	BreakTypeRead
	BreakTypeWrite
	BreakTypeReadWrite
)

func (t BreakType) String() string {
	switch t {
	case BreakTypeSoftware:
		return "software"
	case BreakTypeExecute:
		return "execute"
	case BreakTypeRead:
		return "read"
	case BreakTypeWrite:
		return "write"
	case BreakTypeReadWrite:
		return "read-write"
	default:
		return "unknown"
	}
}

// IsWatchpoint reports whether t can be encoded as a data watchpoint.
// Read-only watchpoints are not supported on either architecture.
func (t BreakType) IsWatchpoint() bool {
	return t == BreakTypeWrite || t == BreakTypeReadWrite
}

// WatchpointInfo describes an installed watchpoint: the aligned range the
// hardware actually watches and the slot it occupies.
type WatchpointInfo struct {
	Range AddressRange
	Slot  int
}

// rangeDistance is the distance from addr to the nearest byte r covers,
// zero when addr is inside r. Used to attribute an imprecise fault address
// to the closest installed watchpoint.
func rangeDistance(r AddressRange, addr uint64) uint64 {
	if r.Contains(addr) {
		return 0
	}
	if addr < r.Begin {
		return r.Begin - addr
	}

	return addr - (r.End - 1)
}
