package sim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/vbridge/internal/hv"
	"github.com/tinyrange/vbridge/internal/timeslice"
)

var slicePing = timeslice.RegisterKind("sim-ping", 0)

// pingDevice is a one-register device: writes latch a value, reads return
// it. Reads attribute their exit to slicePing, writes leave attribution
// to the dispatcher.
type pingDevice struct {
	base, size uint64
	slice      timeslice.TimesliceID

	inited  int
	stopped int
	last    uint32
}

func (d *pingDevice) Init(vm hv.VirtualMachine) error {
	d.inited++
	return nil
}

func (d *pingDevice) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: d.base, Size: d.size}}
}

func (d *pingDevice) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if d.slice != timeslice.InvalidTimesliceID {
		ctx.SetExitTimeslice(d.slice)
	}
	binary.LittleEndian.PutUint32(data, d.last)
	return nil
}

func (d *pingDevice) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	d.last = binary.LittleEndian.Uint32(data)
	return nil
}

func (d *pingDevice) Stop() error {
	d.stopped++
	return nil
}

type pingTemplate struct {
	slice timeslice.TimesliceID
}

func (t pingTemplate) Create(vm hv.VirtualMachine) (hv.Device, error) {
	alloc, err := vm.AllocateMMIO(hv.MMIOAllocationRequest{Name: "ping", Size: 0x1000})
	if err != nil {
		return nil, err
	}
	dev := &pingDevice{base: alloc.Base, size: alloc.Size, slice: t.slice}
	if err := dev.Init(vm); err != nil {
		return nil, err
	}
	return dev, nil
}

func TestNewRequiresMemory(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("New with zero memory size: wanted error, got nil")
	}
}

func TestDefaults(t *testing.T) {
	vm, err := New(Config{MemorySize: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer vm.Close()

	if got := vm.Architecture(); got != hv.ArchitectureX86_64 {
		t.Errorf("Architecture = %q, want %q", got, hv.ArchitectureX86_64)
	}
	if got := vm.MemoryBase(); got != 0 {
		t.Errorf("MemoryBase = %#x, want 0", got)
	}
	if got := vm.MemorySize(); got != 1<<20 {
		t.Errorf("MemorySize = %#x, want %#x", got, 1<<20)
	}
}

func TestMemoryAccess(t *testing.T) {
	const base = 0x40000000
	vm, err := New(Config{MemoryBase: base, MemorySize: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer vm.Close()

	want := []byte("guest data")
	if _, err := vm.WriteAt(want, base+0x100); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := vm.ReadAt(got, base+0x100); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadAt = %q, want %q", got, want)
	}

	if _, err := vm.ReadAt(got, base-0x10); err == nil {
		t.Errorf("ReadAt below memory base: wanted error, got nil")
	}
	if _, err := vm.WriteAt(want, base+(1<<20)-4); err == nil {
		t.Errorf("WriteAt past end of memory: wanted error, got nil")
	}
	if _, err := vm.ReadAt(got, -1); err == nil {
		t.Errorf("ReadAt with negative offset: wanted error, got nil")
	}
}

func TestMMIORouting(t *testing.T) {
	vm, err := New(Config{MemorySize: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer vm.Close()

	devA, err := vm.AddDeviceFromTemplate(pingTemplate{})
	if err != nil {
		t.Fatalf("AddDeviceFromTemplate: %v", err)
	}
	if _, err := vm.AddDeviceFromTemplate(pingTemplate{}); err != nil {
		t.Fatalf("AddDeviceFromTemplate: %v", err)
	}
	if got := len(vm.Devices()); got != 2 {
		t.Fatalf("len(Devices) = %d, want 2", got)
	}

	ping := devA.(*pingDevice)
	if ping.inited != 1 {
		t.Errorf("device inited %d times, want 1", ping.inited)
	}

	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], 0xdeadbeef)
	if err := vm.MMIOWrite(ping.base, word[:]); err != nil {
		t.Fatalf("MMIOWrite: %v", err)
	}
	if err := vm.MMIORead(ping.base, word[:]); err != nil {
		t.Fatalf("MMIORead: %v", err)
	}
	if got := binary.LittleEndian.Uint32(word[:]); got != 0xdeadbeef {
		t.Errorf("read back %#x, want 0xdeadbeef", got)
	}

	err = vm.MMIORead(0x1000, word[:])
	if err == nil || !strings.Contains(err.Error(), "no device") {
		t.Errorf("MMIORead of unmapped address: got %v", err)
	}

	allocs := vm.MMIOAllocations()
	if len(allocs) != 2 {
		t.Fatalf("len(MMIOAllocations) = %d, want 2", len(allocs))
	}
	if allocs[0].Name != "ping" || allocs[0].Base != ping.base {
		t.Errorf("allocation[0] = %+v, want ping at %#x", allocs[0], ping.base)
	}
}

func TestIRQLines(t *testing.T) {
	vm, err := New(Config{MemorySize: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer vm.Close()

	if vm.GetIRQ(9) {
		t.Errorf("GetIRQ(9) high before SetIRQ")
	}
	if err := vm.SetIRQ(9, true); err != nil {
		t.Fatalf("SetIRQ: %v", err)
	}
	if !vm.GetIRQ(9) {
		t.Errorf("GetIRQ(9) low after SetIRQ high")
	}
	if err := vm.SetIRQ(9, false); err != nil {
		t.Fatalf("SetIRQ: %v", err)
	}
	if vm.GetIRQ(9) {
		t.Errorf("GetIRQ(9) high after SetIRQ low")
	}
}

func TestCloseStopsDevices(t *testing.T) {
	vm, err := New(Config{MemorySize: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dev, err := vm.AddDeviceFromTemplate(pingTemplate{})
	if err != nil {
		t.Fatalf("AddDeviceFromTemplate: %v", err)
	}

	if err := vm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := dev.(*pingDevice).stopped; got != 1 {
		t.Errorf("device stopped %d times, want 1", got)
	}

	// Close again is a no-op.
	if err := vm.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := dev.(*pingDevice).stopped; got != 1 {
		t.Errorf("device stopped %d times after double close, want 1", got)
	}

	var word [4]byte
	if err := vm.MMIORead(dev.(*pingDevice).base, word[:]); !errors.Is(err, hv.ErrVMHalted) {
		t.Errorf("MMIORead after close = %v, want ErrVMHalted", err)
	}
}

func TestTimesliceAttribution(t *testing.T) {
	var buf bytes.Buffer
	closer, err := timeslice.StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	vm, err := New(Config{MemorySize: 1 << 20})
	if err != nil {
		closer.Close()
		t.Fatalf("New: %v", err)
	}

	dev, err := vm.AddDeviceFromTemplate(pingTemplate{slice: slicePing})
	if err != nil {
		closer.Close()
		t.Fatalf("AddDeviceFromTemplate: %v", err)
	}
	ping := dev.(*pingDevice)

	var word [4]byte
	if err := vm.MMIOWrite(ping.base, word[:]); err != nil {
		closer.Close()
		t.Fatalf("MMIOWrite: %v", err)
	}
	if err := vm.MMIORead(ping.base, word[:]); err != nil {
		closer.Close()
		t.Fatalf("MMIORead: %v", err)
	}
	vm.Close()

	if err := closer.Close(); err != nil {
		t.Fatalf("stop recording: %v", err)
	}

	seen := map[string]bool{}
	err = timeslice.ReadAllRecords(&buf, func(name string, flags timeslice.SliceFlags, _ time.Duration) error {
		seen[name] = true
		return nil
	})
	if err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}

	// The write takes the dispatcher fallback, the read names its own kind,
	// and both charge the time before them to the guest.
	for _, name := range []string{"sim-guest", "sim-mmio", "sim-ping"} {
		if !seen[name] {
			t.Errorf("no records for slice %q (saw %v)", name, seen)
		}
	}
}
