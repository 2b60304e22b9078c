package virtio

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func newBareDevice(handler deviceHandler) (*testVM, *mmioDevice) {
	vm := newTestVM()
	dev := newMMIODevice(vm, 0xd0000000, 0x200, 12, handler, &MMIODeviceConfig{
		DeviceID:    0x42,
		VendorID:    0x1234,
		Version:     2,
		FeatureBits: []uint64{virtioFeatureVersion1 | 1<<virtioRingFeatureEventIdxBit},
	})
	return vm, dev
}

// programQueue wires a queue straight to a test ring, skipping the MMIO
// handshake.
func programQueue(dev *mmioDevice, index int, ring *testRing) *queue {
	q := dev.queue(index)
	q.size = ring.size
	q.ready = true
	q.descAddr = ring.descTable
	q.availAddr = ring.availRing
	q.usedAddr = ring.usedRing
	return q
}

func TestProcessQueueNotifications(t *testing.T) {
	handler := &fakeHandler{queues: 1, maxSize: 8}
	vm, dev := newBareDevice(handler)
	ring := newTestRing(vm, 0)
	q := programQueue(dev, 0, ring)

	ring.writeDescriptor(t, 0, ring.stage(t, []byte("abc")), 3, 0, 0)
	ring.writeDescriptor(t, 1, ring.stage(t, []byte("defg")), 4, 0, 0)
	ring.post(t, 0)
	ring.post(t, 1)

	var heads []uint16
	processor := func(dev device, q *queue, head uint16) (uint32, error) {
		heads = append(heads, head)
		return uint32(head) + 10, nil
	}

	processed, err := ProcessQueueNotifications(dev, q, processor)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !processed {
		t.Fatalf("processed = false, want true")
	}
	if len(heads) != 2 || heads[0] != 0 || heads[1] != 1 {
		t.Errorf("heads = %v, want [0 1]", heads)
	}
	if got := ring.usedIdx(t); got != 2 {
		t.Errorf("used index = %d, want 2", got)
	}
	if head, written := ring.usedEntry(t, 0); head != 0 || written != 10 {
		t.Errorf("used[0] = (%d, %d), want (0, 10)", head, written)
	}
	if head, written := ring.usedEntry(t, 1); head != 1 || written != 11 {
		t.Errorf("used[1] = (%d, %d), want (1, 11)", head, written)
	}

	processed, err = ProcessQueueNotifications(dev, q, processor)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if processed {
		t.Errorf("processed = true on an idle queue")
	}
}

func TestProcessQueueProcessorErrorLeavesEntry(t *testing.T) {
	handler := &fakeHandler{queues: 1, maxSize: 8}
	vm, dev := newBareDevice(handler)
	ring := newTestRing(vm, 0)
	q := programQueue(dev, 0, ring)

	ring.writeDescriptor(t, 0, ring.stage(t, []byte("abc")), 3, 0, 0)
	ring.post(t, 0)

	boom := errors.New("boom")
	_, err := ProcessQueueNotifications(dev, q, func(device, *queue, uint16) (uint32, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if got := ring.usedIdx(t); got != 0 {
		t.Fatalf("used index = %d after failed processing, want 0", got)
	}

	// The entry is still pending for a retry.
	processed, err := ProcessQueueNotifications(dev, q, func(device, *queue, uint16) (uint32, error) {
		return 0, nil
	})
	if err != nil || !processed {
		t.Fatalf("retry: processed=%v err=%v", processed, err)
	}
	if got := ring.usedIdx(t); got != 1 {
		t.Errorf("used index = %d, want 1", got)
	}
}

func TestProcessQueueNotReady(t *testing.T) {
	handler := &fakeHandler{queues: 1, maxSize: 8}
	_, dev := newBareDevice(handler)

	processed, err := ProcessQueueNotifications(dev, dev.queue(0), func(device, *queue, uint16) (uint32, error) {
		t.Fatal("processor called on an unready queue")
		return 0, nil
	})
	if processed || err != nil {
		t.Fatalf("got processed=%v err=%v, want a no-op", processed, err)
	}
	if QueueReady(dev.queue(0)) {
		t.Errorf("fresh queue reports ready")
	}
	if QueueReady(nil) {
		t.Errorf("nil queue reports ready")
	}
}

func TestFillDescriptorChain(t *testing.T) {
	handler := &fakeHandler{queues: 1, maxSize: 8}
	vm, dev := newBareDevice(handler)
	ring := newTestRing(vm, 0)
	q := programQueue(dev, 0, ring)

	first := ring.reserve(t, 8)
	second := ring.reserve(t, 8)
	ring.writeDescriptor(t, 0, first, 8, virtqDescFWrite|virtqDescFNext, 1)
	ring.writeDescriptor(t, 1, second, 8, virtqDescFWrite, 0)

	payload := []byte("0123456789ab")
	written, consumed, err := FillDescriptorChain(dev, q, 0, payload)
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if written != 12 || consumed != 2 {
		t.Fatalf("written=%d consumed=%d, want 12 and 2", written, consumed)
	}
	if got := ring.readBuffer(t, first, 8); string(got) != "01234567" {
		t.Errorf("first descriptor = %q", got)
	}
	if got := ring.readBuffer(t, second, 4); string(got) != "89ab" {
		t.Errorf("second descriptor = %q", got)
	}

	// Short data stops before the chain ends.
	written, consumed, err = FillDescriptorChain(dev, q, 0, []byte("xy"))
	if err != nil || written != 2 || consumed != 1 {
		t.Fatalf("short fill: written=%d consumed=%d err=%v", written, consumed, err)
	}

	// A read-only descriptor poisons the chain.
	ring.writeDescriptor(t, 1, second, 8, 0, 0)
	_, _, err = FillDescriptorChain(dev, q, 0, payload)
	if err == nil || !strings.Contains(err.Error(), "read-only") {
		t.Fatalf("err = %v, want a read-only complaint", err)
	}
}

func TestWritableChainCapacity(t *testing.T) {
	handler := &fakeHandler{queues: 1, maxSize: 8}
	vm, dev := newBareDevice(handler)
	ring := newTestRing(vm, 0)
	q := programQueue(dev, 0, ring)

	ring.writeDescriptor(t, 0, 0, 64, virtqDescFWrite|virtqDescFNext, 1)
	ring.writeDescriptor(t, 1, 0, 36, virtqDescFWrite, 0)

	got, err := WritableChainCapacity(dev, q, 0)
	if err != nil {
		t.Fatalf("capacity: %v", err)
	}
	if got != 100 {
		t.Errorf("capacity = %d, want 100", got)
	}

	ring.writeDescriptor(t, 1, 0, 36, 0, 0)
	if _, err := WritableChainCapacity(dev, q, 0); err == nil {
		t.Errorf("read-only descriptor accepted in a writable chain")
	}
}

func TestShouldRaiseInterrupt(t *testing.T) {
	handler := &fakeHandler{queues: 1, maxSize: 8}
	vm, dev := newBareDevice(handler)
	ring := newTestRing(vm, 0)
	q := programQueue(dev, 0, ring)

	if ShouldRaiseInterrupt(dev, q, false) {
		t.Errorf("interrupt requested with nothing processed")
	}
	if !ShouldRaiseInterrupt(dev, q, true) {
		t.Errorf("interrupt suppressed with flags clear")
	}

	ring.setAvailFlags(t, 1)
	if ShouldRaiseInterrupt(dev, q, true) {
		t.Errorf("interrupt requested despite the suppression flag")
	}

	// An unreadable avail ring fails open.
	q.availAddr = testMemorySize + 0x1000
	if !ShouldRaiseInterrupt(dev, q, true) {
		t.Errorf("interrupt suppressed when the avail ring is unreadable")
	}
}

func TestRecordUsedElementWraps(t *testing.T) {
	handler := &fakeHandler{queues: 1, maxSize: 4}
	vm, dev := newBareDevice(handler)
	ring := newTestRing(vm, 0)
	ring.size = 4
	q := programQueue(dev, 0, ring)

	for i := 0; i < 6; i++ {
		if err := dev.recordUsedElement(q, uint16(i), uint32(i)*100); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	if got := ring.usedIdx(t); got != 6 {
		t.Errorf("used index = %d, want 6", got)
	}
	// Entries 4 and 5 wrapped over slots 0 and 1.
	if head, written := ring.usedEntry(t, 4); head != 4 || written != 400 {
		t.Errorf("used[4] = (%d, %d), want (4, 400)", head, written)
	}
	if head, written := ring.usedEntry(t, 5); head != 5 || written != 500 {
		t.Errorf("used[5] = (%d, %d), want (5, 500)", head, written)
	}
	if head, _ := ring.usedEntry(t, 2); head != 2 {
		t.Errorf("used[2] head = %d, want 2", head)
	}
}

func TestSetAvailEvent(t *testing.T) {
	handler := &fakeHandler{queues: 1, maxSize: 8}
	vm, dev := newBareDevice(handler)
	ring := newTestRing(vm, 0)
	q := programQueue(dev, 0, ring)

	// Without the negotiated feature the write is skipped.
	if err := dev.setAvailEvent(q, 7); err != nil {
		t.Fatalf("set avail event: %v", err)
	}
	eventAddr := ring.usedRing + 4 + uint64(ring.size)*8
	var buf [2]byte
	if _, err := vm.ReadAt(buf[:], int64(eventAddr)); err != nil {
		t.Fatalf("read avail event: %v", err)
	}
	if got := binary.LittleEndian.Uint16(buf[:]); got != 0 {
		t.Errorf("avail event written without negotiation: %d", got)
	}

	dev.driverFeatures = []uint64{1 << virtioRingFeatureEventIdxBit}
	if err := dev.setAvailEvent(q, 7); err != nil {
		t.Fatalf("set avail event: %v", err)
	}
	if _, err := vm.ReadAt(buf[:], int64(eventAddr)); err != nil {
		t.Fatalf("read avail event: %v", err)
	}
	if got := binary.LittleEndian.Uint16(buf[:]); got != 7 {
		t.Errorf("avail event = %d, want 7", got)
	}
}

func TestGuestMemoryBounds(t *testing.T) {
	handler := &fakeHandler{queues: 1, maxSize: 8}
	_, dev := newBareDevice(handler)

	if _, err := dev.readGuest(testMemorySize, 16); err == nil {
		t.Errorf("read past the end of guest memory succeeded")
	}
	if _, err := dev.readGuest(0xFFFFFFFFFFFFFFF0, 0x20); err == nil {
		t.Errorf("overflowing read succeeded")
	}
	if err := dev.writeGuest(testMemorySize-4, make([]byte, 8)); err == nil {
		t.Errorf("write across the end of guest memory succeeded")
	}
	if data, err := dev.readGuest(0x1000, 4); err != nil || len(data) != 4 {
		t.Errorf("in-range read failed: %v", err)
	}
}
