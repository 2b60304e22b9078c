package debugreg

import (
	"fmt"
	"strings"
)

// AMD64SlotCount is the number of debug address registers (DR0-DR3).
// Breakpoints and watchpoints share them.
const AMD64SlotCount = 4

// DR7 layout per slot n: L(n) at bit 2n enables the slot, R/W(n) at bits
// 17+4n:16+4n selects the trap condition and LEN(n) at bits 19+4n:18+4n
// the watched width.
const (
	dr7RWExecute   = 0b00
	dr7RWWrite     = 0b01
	dr7RWReadWrite = 0b11
)

func dr7Enable(slot int) uint64 { return 1 << (2 * uint(slot)) }
func dr7RWShift(slot int) uint  { return 16 + 4*uint(slot) }
func dr7LenShift(slot int) uint { return 18 + 4*uint(slot) }

// dr7LenCode maps a watched byte count to its LEN encoding. The table is
// fixed by the hardware and not monotonic: 8-byte ranges encode below
// 4-byte ones.
func dr7LenCode(size uint64) (uint64, bool) {
	switch size {
	case 1:
		return 0b00, true
	case 2:
		return 0b01, true
	case 8:
		return 0b10, true
	case 4:
		return 0b11, true
	}

	return 0, false
}

func dr7CodeLen(code uint64) uint64 {
	switch code & 0b11 {
	case 0b00:
		return 1
	case 0b01:
		return 2
	case 0b10:
		return 8
	default:
		return 4
	}
}

// AMD64DebugRegs mirrors the debug register file of a stopped amd64
// thread. The zero value has every slot disabled.
type AMD64DebugRegs struct {
	DR  [AMD64SlotCount]uint64
	DR6 uint64
	DR7 uint64
}

func (r *AMD64DebugRegs) enabled(slot int) bool {
	return r.DR7&dr7Enable(slot) != 0
}

func (r *AMD64DebugRegs) rwBits(slot int) uint64 {
	return (r.DR7 >> dr7RWShift(slot)) & 0b11
}

func (r *AMD64DebugRegs) lenBits(slot int) uint64 {
	return (r.DR7 >> dr7LenShift(slot)) & 0b11
}

func (r *AMD64DebugRegs) setSlot(slot int, addr, rw, lenCode uint64) {
	r.DR[slot] = addr
	r.DR7 &^= (0b11 << dr7RWShift(slot)) | (0b11 << dr7LenShift(slot))
	r.DR7 |= rw<<dr7RWShift(slot) | lenCode<<dr7LenShift(slot) | dr7Enable(slot)
}

func (r *AMD64DebugRegs) clearSlot(slot int) {
	r.DR[slot] = 0
	r.DR7 &^= dr7Enable(slot) | 0b11<<dr7RWShift(slot) | 0b11<<dr7LenShift(slot)
}

// watchRange decodes the range slot watches. Only meaningful for enabled
// non-execute slots.
func (r *AMD64DebugRegs) watchRange(slot int) AddressRange {
	length := dr7CodeLen(r.lenBits(slot))

	return AddressRange{Begin: r.DR[slot], End: r.DR[slot] + length}
}

func (r *AMD64DebugRegs) isWatchpoint(slot int) bool {
	return r.enabled(slot) && r.rwBits(slot) != dr7RWExecute
}

func clampSlots(slotCount, max int) int {
	if slotCount > max {
		return max
	}

	return slotCount
}

// SetWatchpoint installs a watchpoint for rng into a free slot, widening
// the range as AlignRange requires. slotCount limits how many slots are
// considered; passing AMD64SlotCount uses all four. It fails when the type
// is not watchpoint-capable, the range cannot be aligned, an identical
// watchpoint already exists or no slot is free.
func (r *AMD64DebugRegs) SetWatchpoint(kind BreakType, rng AddressRange, slotCount int) (WatchpointInfo, bool) {
	if !kind.IsWatchpoint() {
		return WatchpointInfo{}, false
	}

	aligned, ok := AlignRange(rng)
	if !ok {
		return WatchpointInfo{}, false
	}

	lenCode, ok := dr7LenCode(aligned.Size())
	if !ok {
		return WatchpointInfo{}, false
	}

	n := clampSlots(slotCount, AMD64SlotCount)
	for slot := 0; slot < n; slot++ {
		if r.DR[slot] == aligned.Begin && dr7CodeLen(r.lenBits(slot)) == aligned.Size() {
			return WatchpointInfo{}, false
		}
	}

	rw := uint64(dr7RWWrite)
	if kind == BreakTypeReadWrite {
		rw = dr7RWReadWrite
	}

	for slot := 0; slot < n; slot++ {
		if r.DR[slot] != 0 {
			continue
		}

		r.setSlot(slot, aligned.Begin, rw, lenCode)

		return WatchpointInfo{Range: aligned, Slot: slot}, true
	}

	return WatchpointInfo{}, false
}

// RemoveWatchpoint clears the slot watching rng. The slot must hold the
// aligned begin address and a decoded length equal to rng's size, so
// callers normally pass the range SetWatchpoint returned.
func (r *AMD64DebugRegs) RemoveWatchpoint(rng AddressRange, slotCount int) bool {
	aligned, ok := AlignRange(rng)
	if !ok {
		return false
	}

	n := clampSlots(slotCount, AMD64SlotCount)
	for slot := 0; slot < n; slot++ {
		if !r.isWatchpoint(slot) {
			continue
		}
		if r.DR[slot] != aligned.Begin || dr7CodeLen(r.lenBits(slot)) != rng.Size() {
			continue
		}

		r.clearSlot(slot)

		return true
	}

	return false
}

// DecodeHitWatchpoint attributes a data-breakpoint fault address to an
// installed watchpoint. A slot whose range contains the address wins;
// otherwise the nearest enabled slot is reported, since the fault address
// may point past the watched range for wide accesses.
func (r *AMD64DebugRegs) DecodeHitWatchpoint(faultAddr uint64) (WatchpointInfo, bool) {
	found := false
	var nearest WatchpointInfo
	var nearestDist uint64

	for slot := 0; slot < AMD64SlotCount; slot++ {
		if !r.isWatchpoint(slot) {
			continue
		}

		rng := r.watchRange(slot)
		if rng.Contains(faultAddr) {
			return WatchpointInfo{Range: rng, Slot: slot}, true
		}

		dist := rangeDistance(rng, faultAddr)
		if !found || dist < nearestDist {
			found = true
			nearest = WatchpointInfo{Range: rng, Slot: slot}
			nearestDist = dist
		}
	}

	return nearest, found
}

// SetHWBreakpoint installs an execute breakpoint at addr. Installing the
// same address twice is a no-op success.
func (r *AMD64DebugRegs) SetHWBreakpoint(addr uint64) bool {
	for slot := 0; slot < AMD64SlotCount; slot++ {
		if r.DR[slot] == addr {
			return true
		}
	}

	for slot := 0; slot < AMD64SlotCount; slot++ {
		if r.enabled(slot) {
			continue
		}

		r.setSlot(slot, addr, dr7RWExecute, 0)

		return true
	}

	return false
}

// RemoveHWBreakpoint clears the slot holding addr, whether or not it is
// still enabled.
func (r *AMD64DebugRegs) RemoveHWBreakpoint(addr uint64) bool {
	for slot := 0; slot < AMD64SlotCount; slot++ {
		if r.DR[slot] != addr {
			continue
		}

		r.clearSlot(slot)

		return true
	}

	return false
}

func (r *AMD64DebugRegs) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dr6=%#x dr7=%#x", r.DR6, r.DR7)

	for slot := 0; slot < AMD64SlotCount; slot++ {
		if !r.enabled(slot) {
			continue
		}

		kind := "execute"
		switch r.rwBits(slot) {
		case dr7RWWrite:
			kind = "write"
		case dr7RWReadWrite:
			kind = "read-write"
		}
		fmt.Fprintf(&b, "\n  dr%d: addr=%#x type=%s len=%d",
			slot, r.DR[slot], kind, dr7CodeLen(r.lenBits(slot)))
	}

	return b.String()
}
