package virtio

import (
	"fmt"

	"github.com/tinyrange/vbridge/internal/fdt"
	"github.com/tinyrange/vbridge/internal/hv"
	"github.com/tinyrange/vbridge/internal/timeslice"
)

// MMIODeviceConfig holds the static identity of one virtio MMIO device
// type: where it sits by default, what it claims to be, and how many
// queues it exposes.
type MMIODeviceConfig struct {
	DefaultMMIOBase   uint64
	DefaultMMIOSize   uint64
	DefaultIRQLine    uint32
	ArmDefaultIRQLine uint32

	DeviceID uint32
	VendorID uint32
	Version  uint32

	QueueCount   int
	QueueMaxSize uint16

	// FeatureBits are 64-bit feature words; word n covers virtio feature
	// bits 64n..64n+63.
	FeatureBits []uint64

	DeviceName string

	TimesliceRead  timeslice.TimesliceID
	TimesliceWrite timeslice.TimesliceID
}

// VirtioMMIODevice is implemented by device templates that can describe
// their default placement to a guest.
type VirtioMMIODevice interface {
	GetLinuxCommandLineParam() string
	DeviceTreeNodes() []fdt.Node
}

// AllocatedVirtioMMIODevice is implemented by created devices whose final
// placement came from the VM's MMIO allocator.
type AllocatedVirtioMMIODevice interface {
	Arch() hv.CpuArchitecture
	AllocatedMMIOBase() uint64
	AllocatedMMIOSize() uint64
	AllocatedIRQLine() uint32
}

// GetAllocatedLinuxCommandLineParam renders the kernel parameter that
// points the guest at a created device.
func GetAllocatedLinuxCommandLineParam(dev AllocatedVirtioMMIODevice) string {
	rawIRQ := hv.DecodeIRQLine(dev.Arch(), dev.AllocatedIRQLine())
	return fmt.Sprintf("virtio_mmio.device=4k@0x%x:%d", dev.AllocatedMMIOBase(), rawIRQ)
}

// GetAllocatedDeviceTreeNode renders the device tree node for a created
// device.
func GetAllocatedDeviceTreeNode(dev AllocatedVirtioMMIODevice) fdt.Node {
	rawIRQ := hv.DecodeIRQLine(dev.Arch(), dev.AllocatedIRQLine())
	return fdt.Node{
		Name: fmt.Sprintf("virtio@%x", dev.AllocatedMMIOBase()),
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{"virtio,mmio"}},
			"reg":        {U64: []uint64{dev.AllocatedMMIOBase(), dev.AllocatedMMIOSize()}},
			"interrupts": {U32: []uint32{0, rawIRQ, 4}},
			"status":     {Strings: []string{"okay"}},
		},
	}
}

// MMIODeviceTemplateBase carries the common template fields for virtio
// MMIO devices. Zero values fall back to the config defaults.
type MMIODeviceTemplateBase struct {
	Arch    hv.CpuArchitecture
	IRQLine uint32
	Config  *MMIODeviceConfig
}

func (t MMIODeviceTemplateBase) ArchOrDefault(vm hv.VirtualMachine) hv.CpuArchitecture {
	if t.Arch != "" {
		return t.Arch
	}
	if vm != nil {
		return vm.Architecture()
	}
	return hv.ArchitectureX86_64
}

func (t MMIODeviceTemplateBase) IRQLineForArch(arch hv.CpuArchitecture) uint32 {
	if t.IRQLine != 0 {
		return t.IRQLine
	}
	if arch == hv.ArchitectureARM64 && t.Config.ArmDefaultIRQLine != 0 {
		return t.Config.ArmDefaultIRQLine
	}
	return t.Config.DefaultIRQLine
}

// GetLinuxCommandLineParam implements VirtioMMIODevice using the config
// defaults. Devices placed by the MMIO allocator should be described with
// GetAllocatedLinuxCommandLineParam instead.
func (t MMIODeviceTemplateBase) GetLinuxCommandLineParam() string {
	irqLine := t.IRQLineForArch(t.Arch)
	return fmt.Sprintf("virtio_mmio.device=4k@0x%x:%d", t.Config.DefaultMMIOBase, irqLine)
}

// DeviceTreeNodes implements VirtioMMIODevice.
func (t MMIODeviceTemplateBase) DeviceTreeNodes() []fdt.Node {
	irqLine := t.IRQLineForArch(t.Arch)
	return []fdt.Node{{
		Name: fmt.Sprintf("virtio@%x", t.Config.DefaultMMIOBase),
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{"virtio,mmio"}},
			"reg":        {U64: []uint64{t.Config.DefaultMMIOBase, t.Config.DefaultMMIOSize}},
			"interrupts": {U32: []uint32{0, irqLine, 4}},
			"status":     {Strings: []string{"okay"}},
		},
	}}
}

// MMIODeviceBase is the embeddable transport half of a virtio MMIO
// device. The embedding device supplies the deviceHandler.
type MMIODeviceBase struct {
	dev     device
	base    uint64
	size    uint64
	irqLine uint32
	arch    hv.CpuArchitecture
	config  *MMIODeviceConfig
}

func NewMMIODeviceBase(base, size uint64, irqLine uint32, config *MMIODeviceConfig) MMIODeviceBase {
	return MMIODeviceBase{
		base:    base,
		size:    size,
		irqLine: irqLine,
		config:  config,
	}
}

func (b *MMIODeviceBase) deviceName() string {
	if b.config != nil && b.config.DeviceName != "" {
		return b.config.DeviceName
	}
	return "virtio-mmio"
}

// InitBase creates the transport against a virtual machine. Call once,
// from the device's Init.
func (b *MMIODeviceBase) InitBase(vm hv.VirtualMachine, handler deviceHandler) error {
	if vm == nil {
		return fmt.Errorf("%s: virtual machine is nil", b.deviceName())
	}

	b.arch = vm.Architecture()
	b.dev = newMMIODevice(vm, b.base, b.size, b.irqLine, handler, b.config)
	return nil
}

// Device returns the transport, or nil before InitBase.
func (b *MMIODeviceBase) Device() device {
	return b.dev
}

func (b *MMIODeviceBase) RequireDevice() (device, error) {
	if b.dev == nil {
		return nil, fmt.Errorf("%s: device not initialized", b.deviceName())
	}
	return b.dev, nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (b *MMIODeviceBase) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: b.base, Size: b.size}}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (b *MMIODeviceBase) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if b.config != nil && b.config.TimesliceRead != 0 {
		ctx.SetExitTimeslice(b.config.TimesliceRead)
	}

	dev, err := b.RequireDevice()
	if err != nil {
		return err
	}
	return dev.readMMIO(ctx, addr, data)
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (b *MMIODeviceBase) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if b.config != nil && b.config.TimesliceWrite != 0 {
		ctx.SetExitTimeslice(b.config.TimesliceWrite)
	}

	dev, err := b.RequireDevice()
	if err != nil {
		return err
	}
	return dev.writeMMIO(ctx, addr, data)
}

// NumQueues implements deviceHandler.
func (b *MMIODeviceBase) NumQueues() int {
	if b.config == nil {
		return 0
	}
	return b.config.QueueCount
}

// QueueMaxSize implements deviceHandler.
func (b *MMIODeviceBase) QueueMaxSize(queue int) uint16 {
	if b.config == nil {
		return 0
	}
	return b.config.QueueMaxSize
}

func (b *MMIODeviceBase) Arch() hv.CpuArchitecture { return b.arch }
func (b *MMIODeviceBase) Base() uint64             { return b.base }
func (b *MMIODeviceBase) Size() uint64             { return b.size }
func (b *MMIODeviceBase) IRQLine() uint32          { return b.irqLine }

// AllocatedMMIOBase implements AllocatedVirtioMMIODevice.
func (b *MMIODeviceBase) AllocatedMMIOBase() uint64 { return b.base }

// AllocatedMMIOSize implements AllocatedVirtioMMIODevice.
func (b *MMIODeviceBase) AllocatedMMIOSize() uint64 { return b.size }

// AllocatedIRQLine implements AllocatedVirtioMMIODevice.
func (b *MMIODeviceBase) AllocatedIRQLine() uint32 { return b.irqLine }

// RestoreBase rewrites the identity fields from a snapshot.
func (b *MMIODeviceBase) RestoreBase(arch hv.CpuArchitecture, base, size uint64, irqLine uint32) {
	b.arch = arch
	b.base = base
	b.size = size
	b.irqLine = irqLine
}

// SyncToTransport pushes restored identity down into the live transport.
func (b *MMIODeviceBase) SyncToTransport() {
	if mmio, ok := b.dev.(*mmioDevice); ok {
		mmio.base = b.base
		mmio.size = b.size
		mmio.irqLine = b.irqLine
	}
}

// Stoppable is implemented by devices that hold host resources needing
// explicit teardown before the VM goes away.
type Stoppable interface {
	Stop() error
}
