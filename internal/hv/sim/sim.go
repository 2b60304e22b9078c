// Package sim implements hv.VirtualMachine in process, backed by plain
// memory. Devices attach to it exactly as they would to a hardware
// accelerated machine; the caller plays the guest CPU, with MMIORead and
// MMIOWrite standing in for vmexits.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/vbridge/internal/hv"
	"github.com/tinyrange/vbridge/internal/timeslice"
)

var (
	sliceGuest = timeslice.RegisterKind("sim-guest", 0)
	sliceMMIO  = timeslice.RegisterKind("sim-mmio", 0)
)

const (
	defaultMMIOBase = 0xd0000000
	defaultMMIOSize = 0x01000000
)

// Config describes the machine to build. MemorySize is required; every
// other field has a usable default.
type Config struct {
	Architecture hv.CpuArchitecture

	MemoryBase uint64
	MemorySize uint64

	// MMIO window handed to AllocateMMIO. Zero size selects the defaults.
	MMIOBase uint64
	MMIOSize uint64
}

// VM is an in-process virtual machine. MMIO dispatch models a single
// vCPU: MMIORead and MMIOWrite must not be called concurrently.
type VM struct {
	mu sync.Mutex

	arch    hv.CpuArchitecture
	memBase uint64
	memory  []byte

	irqs map[uint32]bool
	mmio *hv.AddressSpace

	devices  []hv.Device
	mmioDevs []hv.MemoryMappedIODevice

	recorder *timeslice.Recorder
	closed   bool
}

func New(config Config) (*VM, error) {
	if config.MemorySize == 0 {
		return nil, fmt.Errorf("sim: memory size is required")
	}

	arch := config.Architecture
	if arch == "" {
		arch = hv.ArchitectureX86_64
	}

	mmioBase := config.MMIOBase
	mmioSize := config.MMIOSize
	if mmioSize == 0 {
		mmioBase = defaultMMIOBase
		mmioSize = defaultMMIOSize
	}

	return &VM{
		arch:     arch,
		memBase:  config.MemoryBase,
		memory:   make([]byte, config.MemorySize),
		irqs:     make(map[uint32]bool),
		mmio:     hv.NewAddressSpace(mmioBase, mmioSize),
		recorder: timeslice.NewRecorder(),
	}, nil
}

// ReadAt implements io.ReaderAt over guest physical memory.
func (vm *VM) ReadAt(p []byte, off int64) (int, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	start, err := vm.memOffset(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, vm.memory[start:]), nil
}

// WriteAt implements io.WriterAt over guest physical memory.
func (vm *VM) WriteAt(p []byte, off int64) (int, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	start, err := vm.memOffset(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(vm.memory[start:], p), nil
}

// memOffset translates a guest physical address into an index into the
// backing slice. Caller holds vm.mu.
func (vm *VM) memOffset(off int64, length int) (uint64, error) {
	if off < 0 || uint64(off) < vm.memBase {
		return 0, fmt.Errorf("sim: address %#x below memory base %#x", off, vm.memBase)
	}
	start := uint64(off) - vm.memBase
	if start+uint64(length) > uint64(len(vm.memory)) {
		return 0, fmt.Errorf("sim: access [%#x, %#x) outside memory", off, uint64(off)+uint64(length))
	}
	return start, nil
}

func (vm *VM) Architecture() hv.CpuArchitecture { return vm.arch }
func (vm *VM) MemorySize() uint64               { return uint64(len(vm.memory)) }
func (vm *VM) MemoryBase() uint64               { return vm.memBase }

func (vm *VM) SetIRQ(line uint32, level bool) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.irqs[line] = level
	return nil
}

func (vm *VM) GetIRQ(line uint32) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.irqs[line]
}

func (vm *VM) AllocateMMIO(req hv.MMIOAllocationRequest) (hv.MMIOAllocation, error) {
	return vm.mmio.Allocate(req)
}

// MMIOAllocations returns the live MMIO window allocations in base order.
func (vm *VM) MMIOAllocations() []hv.MMIOAllocation {
	return vm.mmio.Allocations()
}

func (vm *VM) AddDevice(dev hv.Device) error {
	if err := dev.Init(vm); err != nil {
		return err
	}
	vm.register(dev)
	return nil
}

// AddDeviceFromTemplate creates a device from the template. Create wires
// the device to the VM itself, so no second Init happens here.
func (vm *VM) AddDeviceFromTemplate(template hv.DeviceTemplate) (hv.Device, error) {
	dev, err := template.Create(vm)
	if err != nil {
		return nil, err
	}
	vm.register(dev)
	return dev, nil
}

func (vm *VM) register(dev hv.Device) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	vm.devices = append(vm.devices, dev)
	if mmio, ok := dev.(hv.MemoryMappedIODevice); ok {
		vm.mmioDevs = append(vm.mmioDevs, mmio)
	}
}

// Devices returns the attached devices in attach order.
func (vm *VM) Devices() []hv.Device {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]hv.Device(nil), vm.devices...)
}

// exitContext collects the timeslice attribution a device sets while
// handling one access.
type exitContext struct {
	slice timeslice.TimesliceID
}

func (c *exitContext) SetExitTimeslice(id timeslice.TimesliceID) { c.slice = id }

func (vm *VM) mmioDeviceAt(addr uint64) (hv.MemoryMappedIODevice, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return nil, fmt.Errorf("sim: %w", hv.ErrVMHalted)
	}
	for _, dev := range vm.mmioDevs {
		for _, region := range dev.MMIORegions() {
			if region.Contains(addr) {
				return dev, nil
			}
		}
	}
	return nil, fmt.Errorf("sim: no device at address %#x", addr)
}

// MMIORead dispatches a guest read to the device owning addr. Time since
// the previous dispatch is attributed to the guest, the dispatch itself
// to the slice the device names.
func (vm *VM) MMIORead(addr uint64, data []byte) error {
	dev, err := vm.mmioDeviceAt(addr)
	if err != nil {
		return err
	}

	vm.recorder.Record(sliceGuest)
	ctx := &exitContext{}
	err = dev.ReadMMIO(ctx, addr, data)
	vm.recordExit(ctx)
	return err
}

// MMIOWrite dispatches a guest write to the device owning addr.
func (vm *VM) MMIOWrite(addr uint64, data []byte) error {
	dev, err := vm.mmioDeviceAt(addr)
	if err != nil {
		return err
	}

	vm.recorder.Record(sliceGuest)
	ctx := &exitContext{}
	err = dev.WriteMMIO(ctx, addr, data)
	vm.recordExit(ctx)
	return err
}

func (vm *VM) recordExit(ctx *exitContext) {
	slice := ctx.slice
	if slice == timeslice.InvalidTimesliceID {
		slice = sliceMMIO
	}
	vm.recorder.Record(slice)
}

// Close stops every device that holds host resources. Safe to call more
// than once.
func (vm *VM) Close() error {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return nil
	}
	vm.closed = true
	devices := vm.devices
	vm.mu.Unlock()

	var errs []error
	for _, dev := range devices {
		if s, ok := dev.(interface{ Stop() error }); ok {
			if err := s.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

var _ hv.VirtualMachine = (*VM)(nil)
