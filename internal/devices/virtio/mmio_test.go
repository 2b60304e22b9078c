package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/vbridge/internal/hv"
)

// fakeHandler is a minimal deviceHandler for transport-level tests.
type fakeHandler struct {
	queues   int
	maxSize  uint16
	resets   int
	notifies []int
	config   [8]byte
}

func (h *fakeHandler) NumQueues() int                { return h.queues }
func (h *fakeHandler) QueueMaxSize(queue int) uint16 { return h.maxSize }
func (h *fakeHandler) OnReset(dev device)            { h.resets++ }

func (h *fakeHandler) OnQueueNotify(ctx hv.ExitContext, dev device, queue int) error {
	h.notifies = append(h.notifies, queue)
	return nil
}

func (h *fakeHandler) ReadConfig(ctx hv.ExitContext, dev device, offset uint64) (uint32, bool, error) {
	return ReadConfigWindow(offset, h.config[:])
}

func (h *fakeHandler) WriteConfig(ctx hv.ExitContext, dev device, offset uint64, value uint32) (bool, error) {
	return WriteConfigNoop(offset)
}

var _ deviceHandler = (*fakeHandler)(nil)

func devRead32(t *testing.T, dev *mmioDevice, offset uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if err := dev.readMMIO(&testExitContext{}, dev.base+offset, buf[:]); err != nil {
		t.Fatalf("read register %#x: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func devWrite32(t *testing.T, dev *mmioDevice, offset uint64, value uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := dev.writeMMIO(&testExitContext{}, dev.base+offset, buf[:]); err != nil {
		t.Fatalf("write register %#x = %#x: %v", offset, value, err)
	}
}

func TestMMIORegisterIdentity(t *testing.T) {
	handler := &fakeHandler{queues: 2, maxSize: 256}
	_, dev := newBareDevice(handler)

	if got := devRead32(t, dev, VIRTIO_MMIO_MAGIC_VALUE); got != virtioMagicValue {
		t.Errorf("magic = %#x, want %#x", got, uint32(virtioMagicValue))
	}
	if got := devRead32(t, dev, VIRTIO_MMIO_VERSION); got != 2 {
		t.Errorf("version = %d, want 2", got)
	}
	if got := devRead32(t, dev, VIRTIO_MMIO_DEVICE_ID); got != 0x42 {
		t.Errorf("device id = %#x, want 0x42", got)
	}
	if got := devRead32(t, dev, VIRTIO_MMIO_VENDOR_ID); got != 0x1234 {
		t.Errorf("vendor id = %#x, want 0x1234", got)
	}
}

func TestMMIOFeatureNegotiation(t *testing.T) {
	handler := &fakeHandler{queues: 1, maxSize: 8}
	_, dev := newBareDevice(handler)

	devWrite32(t, dev, VIRTIO_MMIO_DEVICE_FEATURES_SEL, 0)
	low := devRead32(t, dev, VIRTIO_MMIO_DEVICE_FEATURES)
	devWrite32(t, dev, VIRTIO_MMIO_DEVICE_FEATURES_SEL, 1)
	high := devRead32(t, dev, VIRTIO_MMIO_DEVICE_FEATURES)

	want := virtioFeatureVersion1 | uint64(1)<<virtioRingFeatureEventIdxBit
	if got := uint64(high)<<32 | uint64(low); got != want {
		t.Fatalf("device features = %#x, want %#x", got, want)
	}
	if dev.eventIdxEnabled() {
		t.Fatalf("event idx enabled before negotiation")
	}

	devWrite32(t, dev, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
	devWrite32(t, dev, VIRTIO_MMIO_DRIVER_FEATURES, low)
	devWrite32(t, dev, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 1)
	devWrite32(t, dev, VIRTIO_MMIO_DRIVER_FEATURES, high)

	if !dev.eventIdxEnabled() {
		t.Errorf("event idx not enabled after negotiation")
	}
	if len(dev.driverFeatures) == 0 || dev.driverFeatures[0] != want {
		t.Errorf("driver features = %#x, want %#x", dev.driverFeatures, want)
	}

	// Accepting features bumps the generation and raises a config change.
	if got := devRead32(t, dev, VIRTIO_MMIO_CONFIG_GENERATION); got == 0 {
		t.Errorf("config generation unchanged after feature writes")
	}
	if pending := devRead32(t, dev, VIRTIO_MMIO_INTERRUPT_STATUS); pending&VIRTIO_MMIO_INT_CONFIG == 0 {
		t.Errorf("interrupt status = %#x, want the config bit", pending)
	}
}

func TestMMIOQueueProgramming(t *testing.T) {
	handler := &fakeHandler{queues: 2, maxSize: 64}
	_, dev := newBareDevice(handler)

	devWrite32(t, dev, VIRTIO_MMIO_QUEUE_SEL, 1)
	if got := devRead32(t, dev, VIRTIO_MMIO_QUEUE_NUM_MAX); got != 64 {
		t.Fatalf("queue num max = %d, want 64", got)
	}

	devWrite32(t, dev, VIRTIO_MMIO_QUEUE_NUM, 16)
	devWrite32(t, dev, VIRTIO_MMIO_QUEUE_DESC_LOW, 0x1000)
	devWrite32(t, dev, VIRTIO_MMIO_QUEUE_DESC_HIGH, 0x1)
	devWrite32(t, dev, VIRTIO_MMIO_QUEUE_AVAIL_LOW, 0x2000)
	devWrite32(t, dev, VIRTIO_MMIO_QUEUE_AVAIL_HIGH, 0)
	devWrite32(t, dev, VIRTIO_MMIO_QUEUE_USED_LOW, 0x3000)
	devWrite32(t, dev, VIRTIO_MMIO_QUEUE_USED_HIGH, 0)
	devWrite32(t, dev, VIRTIO_MMIO_QUEUE_READY, 1)

	q := dev.queue(1)
	if q.size != 16 || !q.ready {
		t.Errorf("queue = size %d ready %v, want 16 true", q.size, q.ready)
	}
	if q.descAddr != 0x100001000 || q.availAddr != 0x2000 || q.usedAddr != 0x3000 {
		t.Errorf("queue addresses = %#x %#x %#x", q.descAddr, q.availAddr, q.usedAddr)
	}
	if got := devRead32(t, dev, VIRTIO_MMIO_QUEUE_READY); got != 1 {
		t.Errorf("queue ready reads %d", got)
	}

	// Oversized and zero sizes are ignored.
	devWrite32(t, dev, VIRTIO_MMIO_QUEUE_NUM, 128)
	if q.size != 16 {
		t.Errorf("oversized queue size accepted: %d", q.size)
	}
	devWrite32(t, dev, VIRTIO_MMIO_QUEUE_NUM, 0)
	if q.size != 16 {
		t.Errorf("zero queue size accepted: %d", q.size)
	}

	// Reset deconfigures the queue but keeps its size limit.
	devWrite32(t, dev, VIRTIO_MMIO_STATUS, 0)
	if handler.resets != 1 {
		t.Errorf("handler resets = %d, want 1", handler.resets)
	}
	if q.ready || q.size != 0 {
		t.Errorf("queue survived reset: size %d ready %v", q.size, q.ready)
	}
	if q.maxSize != 64 {
		t.Errorf("queue max size lost on reset: %d", q.maxSize)
	}
}

func TestMMIOQueueNotifyRoutesToHandler(t *testing.T) {
	handler := &fakeHandler{queues: 2, maxSize: 8}
	_, dev := newBareDevice(handler)

	devWrite32(t, dev, VIRTIO_MMIO_QUEUE_NOTIFY, 1)
	devWrite32(t, dev, VIRTIO_MMIO_QUEUE_NOTIFY, 0)
	if len(handler.notifies) != 2 || handler.notifies[0] != 1 || handler.notifies[1] != 0 {
		t.Errorf("notifies = %v, want [1 0]", handler.notifies)
	}
}

func TestMMIOInterruptAck(t *testing.T) {
	handler := &fakeHandler{queues: 1, maxSize: 8}
	vm, dev := newBareDevice(handler)

	if err := dev.raiseInterrupt(VIRTIO_MMIO_INT_VRING); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if err := dev.raiseInterrupt(VIRTIO_MMIO_INT_CONFIG); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if !vm.GetIRQ(12) {
		t.Fatalf("irq line low after raise")
	}
	if got := devRead32(t, dev, VIRTIO_MMIO_INTERRUPT_STATUS); got != VIRTIO_MMIO_INT_VRING|VIRTIO_MMIO_INT_CONFIG {
		t.Fatalf("interrupt status = %#x", got)
	}

	// A partial ack keeps the line high.
	devWrite32(t, dev, VIRTIO_MMIO_INTERRUPT_ACK, VIRTIO_MMIO_INT_VRING)
	if !vm.GetIRQ(12) {
		t.Errorf("line dropped with the config interrupt still pending")
	}
	devWrite32(t, dev, VIRTIO_MMIO_INTERRUPT_ACK, VIRTIO_MMIO_INT_CONFIG)
	if vm.GetIRQ(12) {
		t.Errorf("line high after a full ack")
	}
	if got := devRead32(t, dev, VIRTIO_MMIO_INTERRUPT_STATUS); got != 0 {
		t.Errorf("interrupt status = %#x after ack", got)
	}
}

func TestMMIOSHMRegisters(t *testing.T) {
	handler := &fakeHandler{queues: 1, maxSize: 8}
	_, dev := newBareDevice(handler)
	dev.addSharedMemoryRegion(0x100000000, 0x40000000)

	devWrite32(t, dev, VIRTIO_MMIO_SHM_SEL, 0)
	if got := devRead32(t, dev, VIRTIO_MMIO_SHM_BASE_LOW); got != 0 {
		t.Errorf("base low = %#x", got)
	}
	if got := devRead32(t, dev, VIRTIO_MMIO_SHM_BASE_HIGH); got != 1 {
		t.Errorf("base high = %#x", got)
	}
	if got := devRead32(t, dev, VIRTIO_MMIO_SHM_LEN_LOW); got != 0x40000000 {
		t.Errorf("len low = %#x", got)
	}
	if got := devRead32(t, dev, VIRTIO_MMIO_SHM_LEN_HIGH); got != 0 {
		t.Errorf("len high = %#x", got)
	}

	// A selector with no region behind it reads back all ones.
	devWrite32(t, dev, VIRTIO_MMIO_SHM_SEL, 3)
	for _, reg := range []uint64{VIRTIO_MMIO_SHM_LEN_LOW, VIRTIO_MMIO_SHM_LEN_HIGH, VIRTIO_MMIO_SHM_BASE_LOW, VIRTIO_MMIO_SHM_BASE_HIGH} {
		if got := devRead32(t, dev, reg); got != 0xFFFFFFFF {
			t.Errorf("register %#x = %#x for a missing region, want all ones", reg, got)
		}
	}
}

func TestMMIOLegacyPFNIgnored(t *testing.T) {
	handler := &fakeHandler{queues: 1, maxSize: 8}
	_, dev := newBareDevice(handler)

	devWrite32(t, dev, VIRTIO_MMIO_QUEUE_SEL, 0)
	devWrite32(t, dev, VIRTIO_MMIO_QUEUE_PFN, 0x12345)
	q := dev.queue(0)
	if q.ready || q.descAddr != 0 {
		t.Errorf("legacy PFN write configured the queue")
	}
}

func TestMMIOConfigSpace(t *testing.T) {
	handler := &fakeHandler{queues: 1, maxSize: 8}
	copy(handler.config[:], []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04})
	_, dev := newBareDevice(handler)

	if got := devRead32(t, dev, VIRTIO_MMIO_CONFIG); got != 0xefbeadde {
		t.Errorf("config word 0 = %#x", got)
	}
	if got := devRead32(t, dev, VIRTIO_MMIO_CONFIG+4); got != 0x04030201 {
		t.Errorf("config word 1 = %#x", got)
	}
	// Past the end reads as zero.
	if got := devRead32(t, dev, VIRTIO_MMIO_CONFIG+8); got != 0 {
		t.Errorf("config word 2 = %#x, want 0", got)
	}

	// Narrow reads work at any byte offset.
	var one [1]byte
	if err := dev.readMMIO(&testExitContext{}, dev.base+VIRTIO_MMIO_CONFIG+3, one[:]); err != nil {
		t.Fatalf("single byte read: %v", err)
	}
	if one[0] != 0xef {
		t.Errorf("config byte 3 = %#x, want 0xef", one[0])
	}
}

func TestMMIOBoundsChecked(t *testing.T) {
	handler := &fakeHandler{queues: 1, maxSize: 8}
	_, dev := newBareDevice(handler)

	var buf [4]byte
	if err := dev.readMMIO(&testExitContext{}, dev.base-4, buf[:]); err == nil {
		t.Errorf("read below the window succeeded")
	}
	if err := dev.readMMIO(&testExitContext{}, dev.base+dev.size, buf[:]); err == nil {
		t.Errorf("read past the window succeeded")
	}
	if err := dev.writeMMIO(&testExitContext{}, dev.base+dev.size-2, buf[:]); err == nil {
		t.Errorf("write straddling the window end succeeded")
	}
}

func TestMMIOTimesliceAttribution(t *testing.T) {
	_, bridge, _, _ := newTestBridge(t, nil)
	base := bridge.AllocatedMMIOBase()

	ctx := &testExitContext{}
	var buf [4]byte
	if err := bridge.ReadMMIO(ctx, base+VIRTIO_MMIO_MAGIC_VALUE, buf[:]); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(ctx.slices) != 1 || ctx.slices[0] != bridgeTimesliceRead {
		t.Errorf("read timeslices = %v, want [%v]", ctx.slices, bridgeTimesliceRead)
	}

	ctx = &testExitContext{}
	if err := bridge.WriteMMIO(ctx, base+VIRTIO_MMIO_SHM_SEL, buf[:]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(ctx.slices) != 1 || ctx.slices[0] != bridgeTimesliceWrite {
		t.Errorf("write timeslices = %v, want [%v]", ctx.slices, bridgeTimesliceWrite)
	}
}
