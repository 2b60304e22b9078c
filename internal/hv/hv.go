package hv

import (
	"errors"
	"io"

	"github.com/tinyrange/vbridge/internal/timeslice"
)

var ErrVMHalted = errors.New("virtual machine halted")

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// ExitContext carries per-exit state while a device handles a guest access.
type ExitContext interface {
	// SetExitTimeslice attributes the time spent in this exit to the
	// given slice kind.
	SetExitTimeslice(id timeslice.TimesliceID)
}

type Device interface {
	Init(vm VirtualMachine) error
}

// DeviceTemplate builds a device wired to a VM: MMIO window allocated,
// IRQ line encoded for the VM's architecture.
type DeviceTemplate interface {
	Create(vm VirtualMachine) (Device, error)
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

func (r MMIORegion) Contains(addr uint64) bool {
	return addr >= r.Address && addr < r.Address+r.Size
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

// DeviceSnapshot is an opaque gob-encodable device state record.
type DeviceSnapshot any

// DeviceSnapshotter is implemented by devices whose state can be captured
// and restored.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}

// VirtualMachine is the host-side handle for one guest. ReadAt and WriteAt
// address guest physical memory directly; the RAM window they cover is
// described by MemoryBase and MemorySize.
type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	Architecture() CpuArchitecture

	MemorySize() uint64
	MemoryBase() uint64

	SetIRQ(line uint32, level bool) error
	GetIRQ(line uint32) bool

	AllocateMMIO(req MMIOAllocationRequest) (MMIOAllocation, error)

	AddDevice(dev Device) error
	AddDeviceFromTemplate(template DeviceTemplate) (Device, error)
}

// EncodeIRQLineForArch returns the hypervisor-specific IRQ line encoding.
// On arm64 the SPI type lives in the high bits; on other architectures the
// line is returned unchanged.
func EncodeIRQLineForArch(arch CpuArchitecture, irqLine uint32) uint32 {
	if arch != ArchitectureARM64 {
		return irqLine
	}
	const (
		armIRQTypeShift = 24
		armIRQTypeSPI   = 1
	)
	return (armIRQTypeSPI << armIRQTypeShift) | (irqLine & 0xFFFF)
}

// DecodeIRQLine strips the architecture encoding back off a line value.
func DecodeIRQLine(arch CpuArchitecture, encoded uint32) uint32 {
	if arch != ArchitectureARM64 {
		return encoded
	}
	return encoded & 0xFFFF
}
