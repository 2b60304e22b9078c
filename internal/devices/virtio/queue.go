package virtio

import (
	"encoding/binary"
	"fmt"
)

// queue is the device-side view of one virtqueue using the split ring
// layout. All ring structures live in guest memory and are little-endian.
type queue struct {
	size         uint16
	maxSize      uint16
	ready        bool
	descAddr     uint64
	availAddr    uint64
	usedAddr     uint64
	lastAvailIdx uint16
	usedIdx      uint16
}

func (q *queue) reset() {
	q.size = 0
	q.ready = false
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

func ensureQueueReady(q *queue) error {
	if q == nil {
		return fmt.Errorf("queue does not exist")
	}
	if !q.ready || q.size == 0 {
		return fmt.Errorf("queue is not ready")
	}
	return nil
}

// virtqDescriptor is the 16-byte descriptor table entry.
type virtqDescriptor struct {
	addr   uint64
	length uint32
	flags  uint16
	next   uint16
}

// QueueSnapshot holds the serializable state of a single virtqueue.
type QueueSnapshot struct {
	Size         uint16
	MaxSize      uint16
	Ready        bool
	DescAddr     uint64
	AvailAddr    uint64
	UsedAddr     uint64
	LastAvailIdx uint16
	UsedIdx      uint16
}

func (q *queue) captureSnapshot() QueueSnapshot {
	return QueueSnapshot{
		Size:         q.size,
		MaxSize:      q.maxSize,
		Ready:        q.ready,
		DescAddr:     q.descAddr,
		AvailAddr:    q.availAddr,
		UsedAddr:     q.usedAddr,
		LastAvailIdx: q.lastAvailIdx,
		UsedIdx:      q.usedIdx,
	}
}

func (q *queue) restoreSnapshot(snap QueueSnapshot) {
	q.size = snap.Size
	q.maxSize = snap.MaxSize
	q.ready = snap.Ready
	q.descAddr = snap.DescAddr
	q.availAddr = snap.AvailAddr
	q.usedAddr = snap.UsedAddr
	q.lastAvailIdx = snap.LastAvailIdx
	q.usedIdx = snap.UsedIdx
}

// readAvailState returns the driver's avail ring flags and index.
func (d *mmioDevice) readAvailState(q *queue) (uint16, uint16, error) {
	if err := ensureQueueReady(q); err != nil {
		return 0, 0, err
	}

	var header [4]byte
	if err := d.readGuestInto(q.availAddr, header[:]); err != nil {
		return 0, 0, fmt.Errorf("read avail header: %w", err)
	}

	flags := binary.LittleEndian.Uint16(header[0:2])
	idx := binary.LittleEndian.Uint16(header[2:4])
	return flags, idx, nil
}

// readAvailEntry returns the descriptor head stored at a ring slot.
func (d *mmioDevice) readAvailEntry(q *queue, ringIndex uint16) (uint16, error) {
	if err := ensureQueueReady(q); err != nil {
		return 0, err
	}
	if ringIndex >= q.size {
		return 0, fmt.Errorf("avail ring index %d out of range (size %d)", ringIndex, q.size)
	}

	var entry [2]byte
	addr := q.availAddr + 4 + uint64(ringIndex)*2
	if err := d.readGuestInto(addr, entry[:]); err != nil {
		return 0, fmt.Errorf("read avail entry: %w", err)
	}

	return binary.LittleEndian.Uint16(entry[:]), nil
}

func (d *mmioDevice) readDescriptor(q *queue, index uint16) (virtqDescriptor, error) {
	if err := ensureQueueReady(q); err != nil {
		return virtqDescriptor{}, err
	}
	if index >= q.size {
		return virtqDescriptor{}, fmt.Errorf("descriptor index %d out of range (size %d)", index, q.size)
	}

	var raw [16]byte
	addr := q.descAddr + uint64(index)*16
	if err := d.readGuestInto(addr, raw[:]); err != nil {
		return virtqDescriptor{}, fmt.Errorf("read descriptor %d: %w", index, err)
	}

	return virtqDescriptor{
		addr:   binary.LittleEndian.Uint64(raw[0:8]),
		length: binary.LittleEndian.Uint32(raw[8:12]),
		flags:  binary.LittleEndian.Uint16(raw[12:14]),
		next:   binary.LittleEndian.Uint16(raw[14:16]),
	}, nil
}

// recordUsedElement publishes a completed chain to the used ring and
// advances the used index.
func (d *mmioDevice) recordUsedElement(q *queue, head uint16, length uint32) error {
	if err := ensureQueueReady(q); err != nil {
		return err
	}

	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)

	slot := q.usedAddr + 4 + uint64(q.usedIdx%q.size)*8
	if err := d.writeGuest(slot, elem[:]); err != nil {
		return fmt.Errorf("write used element: %w", err)
	}

	q.usedIdx++
	if err := d.writeGuestUint16(q.usedAddr+2, q.usedIdx); err != nil {
		return fmt.Errorf("write used index: %w", err)
	}
	return nil
}

// setAvailEvent publishes the avail index the device will process next.
// Only meaningful once the driver negotiated VIRTIO_F_EVENT_IDX; a no-op
// otherwise. The field sits directly after the used ring entries.
func (d *mmioDevice) setAvailEvent(q *queue, value uint16) error {
	if err := ensureQueueReady(q); err != nil {
		return err
	}
	if !d.eventIdxEnabled() {
		return nil
	}

	addr := q.usedAddr + 4 + uint64(q.size)*8
	return d.writeGuestUint16(addr, value)
}

// guestOffset validates a guest-physical range against the RAM window and
// returns the ReaderAt offset for it.
func (d *mmioDevice) guestOffset(addr uint64, length int) (int64, error) {
	if d.vm == nil {
		return 0, fmt.Errorf("no virtual machine attached")
	}
	if length < 0 {
		return 0, fmt.Errorf("negative guest range length %d", length)
	}

	base := d.vm.MemoryBase()
	end := addr + uint64(length)
	if end < addr || addr < base || end > base+d.vm.MemorySize() {
		return 0, fmt.Errorf("guest range %#x+%#x outside memory", addr, length)
	}
	return int64(addr), nil
}

func (d *mmioDevice) readGuestInto(addr uint64, buf []byte) error {
	off, err := d.guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	_, err = d.vm.ReadAt(buf, off)
	return err
}

func (d *mmioDevice) readGuest(addr uint64, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	if err := d.readGuestInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *mmioDevice) writeGuest(addr uint64, data []byte) error {
	off, err := d.guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	_, err = d.vm.WriteAt(data, off)
	return err
}

func (d *mmioDevice) writeGuestUint16(addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return d.writeGuest(addr, buf[:])
}
