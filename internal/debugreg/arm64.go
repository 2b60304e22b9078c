package debugreg

import (
	"fmt"
	"math/bits"
	"strings"
)

// ARM64MaxSlots is the architectural ceiling on hardware breakpoint and
// watchpoint slots. The count actually present is probed from ID_AA64DFR0
// at attach time and passed to the watchpoint operations.
const ARM64MaxSlots = 16

// watchWindowBytes is the span one DBGWVR base covers; the BAS field
// selects bytes within it.
const watchWindowBytes = 8

// DBGWCR fields: E at bit 0, PAC at bits 2:1, LSC at bits 4:3 and the
// byte address select at bits 12:5. DBGBCR shares E and the privilege
// field (called PMC there) and keeps its own 4-bit BAS at bits 8:5.
const (
	dbgwcrEnable   = 1 << 0
	dbgwcrPACShift = 1
	dbgwcrLSCShift = 3
	dbgwcrBASShift = 5
	dbgwcrBASMask  = 0xff

	wcrPACUser      = 0b10 // match unprivileged (EL0) accesses only
	wcrLSCLoad      = 0b01
	wcrLSCStore     = 0b10
	wcrLSCLoadStore = 0b11

	dbgbcrEnable   = 1 << 0
	dbgbcrPMCShift = 1
	dbgbcrBASShift = 5
	bcrBASAny      = 0b1111 // A64 instructions match all four bytes
)

// ARM64BreakReg is one hardware breakpoint slot.
type ARM64BreakReg struct {
	DBGBCR uint32
	DBGBVR uint64
}

// ARM64WatchReg is one hardware watchpoint slot.
type ARM64WatchReg struct {
	DBGWCR uint32
	DBGWVR uint64
}

// ARM64DebugRegs mirrors the debug register state of a stopped arm64
// thread, including the syndrome and fault address of the last debug
// exception. The zero value has every slot disabled.
type ARM64DebugRegs struct {
	HWBPs [ARM64MaxSlots]ARM64BreakReg
	HWWPs [ARM64MaxSlots]ARM64WatchReg
	ESR   uint32
	FAR   uint64
}

// decode recovers the watched range from a slot's base register and byte
// select. It returns false for an empty byte select. A byte select whose
// population count the hardware cannot produce means the state was
// corrupted somewhere above us, so it panics.
func (w ARM64WatchReg) decode() (AddressRange, bool) {
	bas := (w.DBGWCR >> dbgwcrBASShift) & dbgwcrBASMask

	n := bits.OnesCount32(bas)
	switch n {
	case 0:
		return AddressRange{}, false
	case 1, 2, 4, 8:
	default:
		panic(fmt.Sprintf("debugreg: corrupt DBGWCR byte select %#x", bas))
	}

	begin := w.DBGWVR + uint64(bits.TrailingZeros32(bas))

	return AddressRange{Begin: begin, End: begin + uint64(n)}, true
}

// SetWatchpoint installs a watchpoint for rng into a free slot, widening
// the range as AlignRange requires. The base register holds the 8-byte
// window containing the range; the byte select picks the watched bytes
// within it. slotCount is the probed hardware watchpoint count.
func (r *ARM64DebugRegs) SetWatchpoint(kind BreakType, rng AddressRange, slotCount int) (WatchpointInfo, bool) {
	if !kind.IsWatchpoint() {
		return WatchpointInfo{}, false
	}

	aligned, ok := AlignRange(rng)
	if !ok {
		return WatchpointInfo{}, false
	}

	base := alignDown(aligned.Begin, uint64(watchWindowBytes))
	bas := uint32((1<<aligned.Size())-1) << (aligned.Begin - base)

	n := clampSlots(slotCount, ARM64MaxSlots)
	for slot := 0; slot < n; slot++ {
		got, ok := r.HWWPs[slot].decode()
		if ok && got == aligned {
			return WatchpointInfo{}, false
		}
	}

	lsc := uint32(wcrLSCStore)
	if kind == BreakTypeReadWrite {
		lsc = wcrLSCLoadStore
	}

	for slot := 0; slot < n; slot++ {
		if r.HWWPs[slot].DBGWVR != 0 {
			continue
		}

		r.HWWPs[slot] = ARM64WatchReg{
			DBGWCR: dbgwcrEnable | wcrPACUser<<dbgwcrPACShift | lsc<<dbgwcrLSCShift | bas<<dbgwcrBASShift,
			DBGWVR: base,
		}

		return WatchpointInfo{Range: aligned, Slot: slot}, true
	}

	return WatchpointInfo{}, false
}

// RemoveWatchpoint clears the slot watching rng. The slot's decoded range
// must begin at the aligned begin address and span rng's size, so callers
// normally pass the range SetWatchpoint returned.
func (r *ARM64DebugRegs) RemoveWatchpoint(rng AddressRange, slotCount int) bool {
	aligned, ok := AlignRange(rng)
	if !ok {
		return false
	}

	n := clampSlots(slotCount, ARM64MaxSlots)
	for slot := 0; slot < n; slot++ {
		if r.HWWPs[slot].DBGWCR&dbgwcrEnable == 0 {
			continue
		}

		got, ok := r.HWWPs[slot].decode()
		if !ok || got.Begin != aligned.Begin || got.Size() != rng.Size() {
			continue
		}

		r.HWWPs[slot] = ARM64WatchReg{}

		return true
	}

	return false
}

// DecodeHitWatchpoint attributes a watchpoint exception's fault address to
// an installed slot. A slot whose range contains the address wins;
// otherwise the nearest enabled slot is reported, since FAR may point
// anywhere within a wide access rather than at the watched byte.
func (r *ARM64DebugRegs) DecodeHitWatchpoint(faultAddr uint64) (WatchpointInfo, bool) {
	found := false
	var nearest WatchpointInfo
	var nearestDist uint64

	for slot := 0; slot < ARM64MaxSlots; slot++ {
		if r.HWWPs[slot].DBGWCR&dbgwcrEnable == 0 {
			continue
		}

		rng, ok := r.HWWPs[slot].decode()
		if !ok {
			continue
		}
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
func (r *ARM64DebugRegs) SetHWBreakpoint(addr uint64) bool {
	for slot := 0; slot < ARM64MaxSlots; slot++ {
		if r.HWBPs[slot].DBGBVR == addr {
			return true
		}
	}

	for slot := 0; slot < ARM64MaxSlots; slot++ {
		if r.HWBPs[slot].DBGBCR&dbgbcrEnable != 0 {
			continue
		}

		r.HWBPs[slot] = ARM64BreakReg{
			DBGBCR: dbgbcrEnable | wcrPACUser<<dbgbcrPMCShift | bcrBASAny<<dbgbcrBASShift,
			DBGBVR: addr,
		}

		return true
	}

	return false
}

// RemoveHWBreakpoint clears the slot holding addr, whether or not it is
// still enabled.
func (r *ARM64DebugRegs) RemoveHWBreakpoint(addr uint64) bool {
	for slot := 0; slot < ARM64MaxSlots; slot++ {
		if r.HWBPs[slot].DBGBVR != addr {
			continue
		}

		r.HWBPs[slot] = ARM64BreakReg{}

		return true
	}

	return false
}

func (r *ARM64DebugRegs) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "esr=%#x far=%#x", r.ESR, r.FAR)

	for slot, bp := range r.HWBPs {
		if bp.DBGBCR&dbgbcrEnable == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n  bp%d: addr=%#x", slot, bp.DBGBVR)
	}

	for slot, wp := range r.HWWPs {
		if wp.DBGWCR&dbgwcrEnable == 0 {
			continue
		}

		kind := "write"
		if (wp.DBGWCR>>dbgwcrLSCShift)&0b11 == wcrLSCLoadStore {
			kind = "read-write"
		}

		rng, ok := wp.decode()
		if !ok {
			fmt.Fprintf(&b, "\n  wp%d: base=%#x type=%s (no bytes selected)", slot, wp.DBGWVR, kind)
			continue
		}
		fmt.Fprintf(&b, "\n  wp%d: %s type=%s", slot, rng, kind)
	}

	return b.String()
}
