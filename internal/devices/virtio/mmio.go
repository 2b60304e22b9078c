package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/vbridge/internal/hv"
)

// Register offsets for the modern (version 2) virtio MMIO transport.
const (
	VIRTIO_MMIO_MAGIC_VALUE         = 0x000 // R: always "virt"
	VIRTIO_MMIO_VERSION             = 0x004 // R: device version
	VIRTIO_MMIO_DEVICE_ID           = 0x008 // R: device type
	VIRTIO_MMIO_VENDOR_ID           = 0x00c // R: vendor id
	VIRTIO_MMIO_DEVICE_FEATURES     = 0x010 // R: feature word selected by DEVICE_FEATURES_SEL
	VIRTIO_MMIO_DEVICE_FEATURES_SEL = 0x014 // W: device feature word selector
	VIRTIO_MMIO_DRIVER_FEATURES     = 0x020 // W: feature word selected by DRIVER_FEATURES_SEL
	VIRTIO_MMIO_DRIVER_FEATURES_SEL = 0x024 // W: driver feature word selector
	VIRTIO_MMIO_QUEUE_SEL           = 0x030 // W: queue selector
	VIRTIO_MMIO_QUEUE_NUM_MAX       = 0x034 // R: maximum size of selected queue
	VIRTIO_MMIO_QUEUE_NUM           = 0x038 // W: size of selected queue
	VIRTIO_MMIO_QUEUE_PFN           = 0x040 // legacy only, unsupported
	VIRTIO_MMIO_QUEUE_READY         = 0x044 // RW: selected queue ready bit
	VIRTIO_MMIO_QUEUE_NOTIFY        = 0x050 // W: queue notification
	VIRTIO_MMIO_INTERRUPT_STATUS    = 0x060 // R: pending interrupt bits
	VIRTIO_MMIO_INTERRUPT_ACK       = 0x064 // W: interrupt acknowledgement
	VIRTIO_MMIO_STATUS              = 0x070 // RW: device status, 0 resets
	VIRTIO_MMIO_QUEUE_DESC_LOW      = 0x080 // W: descriptor table address
	VIRTIO_MMIO_QUEUE_DESC_HIGH     = 0x084
	VIRTIO_MMIO_QUEUE_AVAIL_LOW     = 0x090 // W: avail ring address
	VIRTIO_MMIO_QUEUE_AVAIL_HIGH    = 0x094
	VIRTIO_MMIO_QUEUE_USED_LOW      = 0x0a0 // W: used ring address
	VIRTIO_MMIO_QUEUE_USED_HIGH     = 0x0a4
	VIRTIO_MMIO_SHM_SEL             = 0x0ac // W: shared memory region selector
	VIRTIO_MMIO_SHM_LEN_LOW         = 0x0b0 // R: length of selected region
	VIRTIO_MMIO_SHM_LEN_HIGH        = 0x0b4
	VIRTIO_MMIO_SHM_BASE_LOW        = 0x0b8 // R: base of selected region
	VIRTIO_MMIO_SHM_BASE_HIGH       = 0x0bc
	VIRTIO_MMIO_CONFIG_GENERATION   = 0x0fc // R: config atomicity counter
	VIRTIO_MMIO_CONFIG              = 0x100 // RW: device-specific config space
)

const (
	VIRTIO_MMIO_INT_VRING  = 0x1 // used ring update
	VIRTIO_MMIO_INT_CONFIG = 0x2 // config space change

	virtioMagicValue = 0x74726976 // "virt"

	// VIRTIO_F_VERSION_1, bit 32.
	virtioFeatureVersion1 = uint64(1) << 32
	// VIRTIO_RING_F_EVENT_IDX, bit 29.
	virtioRingFeatureEventIdxBit = 29

	virtqDescFNext  = 1
	virtqDescFWrite = 2
)

// device is the transport surface a deviceHandler drives: queue state,
// ring accessors, interrupts, and raw guest memory.
type device interface {
	queue(index int) *queue
	readAvailState(q *queue) (flags uint16, idx uint16, err error)
	readAvailEntry(q *queue, ringIndex uint16) (uint16, error)
	readDescriptor(q *queue, index uint16) (virtqDescriptor, error)
	recordUsedElement(q *queue, head uint16, length uint32) error
	setAvailEvent(q *queue, value uint16) error
	raiseInterrupt(flags uint32) error
	readGuest(addr uint64, length uint32) ([]byte, error)
	writeGuest(addr uint64, data []byte) error
	eventIdxEnabled() bool
	readMMIO(ctx hv.ExitContext, addr uint64, data []byte) error
	writeMMIO(ctx hv.ExitContext, addr uint64, data []byte) error
}

// deviceHandler is the device-type specific logic layered on the generic
// MMIO transport.
type deviceHandler interface {
	NumQueues() int
	QueueMaxSize(queue int) uint16
	OnReset(dev device)
	OnQueueNotify(ctx hv.ExitContext, dev device, queue int) error
	ReadConfig(ctx hv.ExitContext, dev device, offset uint64) (value uint32, handled bool, err error)
	WriteConfig(ctx hv.ExitContext, dev device, offset uint64, value uint32) (handled bool, err error)
}

// SharedMemoryRegion is one shared memory window advertised through the
// VIRTIO_MMIO_SHM registers.
type SharedMemoryRegion struct {
	Base uint64
	Size uint64
}

type mmioDevice struct {
	vm hv.VirtualMachine

	base    uint64
	size    uint64
	irqLine uint32
	irqHigh atomic.Bool

	deviceID uint32
	vendorID uint32
	version  uint32

	handler deviceHandler

	deviceFeatureSel      uint32
	driverFeatureSel      uint32
	defaultDeviceFeatures []uint64
	driverFeatures        []uint64

	queueSel         uint32
	deviceStatus     uint32
	interruptStatus  atomic.Uint32
	configGeneration uint32

	shmSel     uint32
	shmRegions []SharedMemoryRegion

	queues []queue
}

func newMMIODevice(vm hv.VirtualMachine, base, size uint64, irqLine uint32, handler deviceHandler, config *MMIODeviceConfig) *mmioDevice {
	d := &mmioDevice{
		vm:                    vm,
		base:                  base,
		size:                  size,
		irqLine:               irqLine,
		deviceID:              config.DeviceID,
		vendorID:              config.VendorID,
		version:               config.Version,
		handler:               handler,
		defaultDeviceFeatures: config.FeatureBits,
	}

	d.queues = make([]queue, handler.NumQueues())
	for i := range d.queues {
		d.queues[i].maxSize = handler.QueueMaxSize(i)
	}

	return d
}

func (d *mmioDevice) queue(index int) *queue {
	if index < 0 || index >= len(d.queues) {
		return nil
	}
	return &d.queues[index]
}

func (d *mmioDevice) currentQueue() *queue {
	return d.queue(int(d.queueSel))
}

func (d *mmioDevice) addSharedMemoryRegion(base, size uint64) {
	d.shmRegions = append(d.shmRegions, SharedMemoryRegion{Base: base, Size: size})
}

func (d *mmioDevice) selectedSHMRegion() (SharedMemoryRegion, bool) {
	if uint64(d.shmSel) >= uint64(len(d.shmRegions)) {
		return SharedMemoryRegion{}, false
	}
	return d.shmRegions[d.shmSel], true
}

func (d *mmioDevice) checkMMIOBounds(addr uint64, length int) (uint64, error) {
	if addr < d.base || addr+uint64(length) > d.base+d.size {
		return 0, fmt.Errorf("virtio-mmio: access %#x+%d outside device window", addr, length)
	}
	return addr - d.base, nil
}

func (d *mmioDevice) readMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	offset, err := d.checkMMIOBounds(addr, len(data))
	if err != nil {
		return err
	}

	value, err := d.readRegister(ctx, offset)
	if err != nil {
		return err
	}

	storeLittleEndian(data, uint64(value))
	return nil
}

func (d *mmioDevice) writeMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	offset, err := d.checkMMIOBounds(addr, len(data))
	if err != nil {
		return err
	}

	return d.writeRegister(ctx, offset, uint32(littleEndianValue(data)))
}

func (d *mmioDevice) readRegister(ctx hv.ExitContext, offset uint64) (uint32, error) {
	switch offset {
	case VIRTIO_MMIO_MAGIC_VALUE:
		return virtioMagicValue, nil
	case VIRTIO_MMIO_VERSION:
		return d.version, nil
	case VIRTIO_MMIO_DEVICE_ID:
		return d.deviceID, nil
	case VIRTIO_MMIO_VENDOR_ID:
		return d.vendorID, nil
	case VIRTIO_MMIO_DEVICE_FEATURES:
		word := int(d.deviceFeatureSel / 2)
		shift := (d.deviceFeatureSel % 2) * 32
		if word < len(d.defaultDeviceFeatures) {
			return uint32(d.defaultDeviceFeatures[word] >> shift), nil
		}
		return 0, nil
	case VIRTIO_MMIO_QUEUE_NUM_MAX:
		if q := d.currentQueue(); q != nil {
			return uint32(q.maxSize), nil
		}
		return 0, nil
	case VIRTIO_MMIO_QUEUE_READY:
		if q := d.currentQueue(); q != nil && q.ready {
			return 1, nil
		}
		return 0, nil
	case VIRTIO_MMIO_INTERRUPT_STATUS:
		return d.interruptStatus.Load(), nil
	case VIRTIO_MMIO_STATUS:
		return d.deviceStatus, nil
	case VIRTIO_MMIO_SHM_LEN_LOW:
		if region, ok := d.selectedSHMRegion(); ok {
			return uint32(region.Size), nil
		}
		return 0xFFFFFFFF, nil
	case VIRTIO_MMIO_SHM_LEN_HIGH:
		if region, ok := d.selectedSHMRegion(); ok {
			return uint32(region.Size >> 32), nil
		}
		return 0xFFFFFFFF, nil
	case VIRTIO_MMIO_SHM_BASE_LOW:
		if region, ok := d.selectedSHMRegion(); ok {
			return uint32(region.Base), nil
		}
		return 0xFFFFFFFF, nil
	case VIRTIO_MMIO_SHM_BASE_HIGH:
		if region, ok := d.selectedSHMRegion(); ok {
			return uint32(region.Base >> 32), nil
		}
		return 0xFFFFFFFF, nil
	case VIRTIO_MMIO_CONFIG_GENERATION:
		return d.configGeneration, nil
	default:
		if d.handler != nil {
			value, handled, err := d.handler.ReadConfig(ctx, d, offset)
			if handled {
				return value, err
			}
		}
		slog.Warn("virtio-mmio: unhandled register read", "offset", fmt.Sprintf("%#x", offset))
		return 0, nil
	}
}

func (d *mmioDevice) writeRegister(ctx hv.ExitContext, offset uint64, value uint32) error {
	switch offset {
	case VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		d.deviceFeatureSel = value
	case VIRTIO_MMIO_DRIVER_FEATURES:
		word := int(d.driverFeatureSel / 2)
		shift := (d.driverFeatureSel % 2) * 32
		for word >= len(d.driverFeatures) {
			d.driverFeatures = append(d.driverFeatures, 0)
		}
		updated := d.driverFeatures[word]&^(uint64(0xFFFFFFFF)<<shift) | uint64(value)<<shift
		if updated != d.driverFeatures[word] {
			d.driverFeatures[word] = updated
			d.configGeneration++
			d.raiseInterrupt(VIRTIO_MMIO_INT_CONFIG)
		}
	case VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		d.driverFeatureSel = value
	case VIRTIO_MMIO_QUEUE_SEL:
		d.queueSel = value
	case VIRTIO_MMIO_QUEUE_NUM:
		q := d.currentQueue()
		if q == nil {
			slog.Error("virtio-mmio: QUEUE_NUM write with no queue selected", "queueSel", d.queueSel)
			return nil
		}
		if value == 0 || value > uint32(q.maxSize) {
			slog.Error("virtio-mmio: driver requested invalid queue size", "requested", value, "max", q.maxSize)
			return nil
		}
		q.size = uint16(value)
	case VIRTIO_MMIO_QUEUE_PFN:
		slog.Warn("virtio-mmio: linux attempted legacy PFN write - we are modern only!")
	case VIRTIO_MMIO_QUEUE_READY:
		q := d.currentQueue()
		if q == nil {
			slog.Error("virtio-mmio: QUEUE_READY write with no queue selected", "queueSel", d.queueSel)
			return nil
		}
		q.ready = value == 1
	case VIRTIO_MMIO_QUEUE_NOTIFY:
		if d.handler != nil {
			return d.handler.OnQueueNotify(ctx, d, int(value))
		}
	case VIRTIO_MMIO_INTERRUPT_ACK:
		for {
			current := d.interruptStatus.Load()
			if d.interruptStatus.CompareAndSwap(current, current&^value) {
				break
			}
		}
		d.updateInterruptLine()
	case VIRTIO_MMIO_STATUS:
		if value == 0 {
			d.reset()
		} else {
			d.deviceStatus = value
		}
	case VIRTIO_MMIO_QUEUE_DESC_LOW:
		if q := d.currentQueue(); q != nil {
			q.descAddr = q.descAddr&^0xFFFFFFFF | uint64(value)
		}
	case VIRTIO_MMIO_QUEUE_DESC_HIGH:
		if q := d.currentQueue(); q != nil {
			q.descAddr = q.descAddr&0xFFFFFFFF | uint64(value)<<32
		}
	case VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		if q := d.currentQueue(); q != nil {
			q.availAddr = q.availAddr&^0xFFFFFFFF | uint64(value)
		}
	case VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		if q := d.currentQueue(); q != nil {
			q.availAddr = q.availAddr&0xFFFFFFFF | uint64(value)<<32
		}
	case VIRTIO_MMIO_QUEUE_USED_LOW:
		if q := d.currentQueue(); q != nil {
			q.usedAddr = q.usedAddr&^0xFFFFFFFF | uint64(value)
		}
	case VIRTIO_MMIO_QUEUE_USED_HIGH:
		if q := d.currentQueue(); q != nil {
			q.usedAddr = q.usedAddr&0xFFFFFFFF | uint64(value)<<32
		}
	case VIRTIO_MMIO_SHM_SEL:
		d.shmSel = value
	default:
		if d.handler != nil {
			handled, err := d.handler.WriteConfig(ctx, d, offset, value)
			if handled {
				if offset >= VIRTIO_MMIO_CONFIG {
					d.configGeneration++
					d.raiseInterrupt(VIRTIO_MMIO_INT_CONFIG)
				}
				return err
			}
		}
		slog.Warn("virtio-mmio: unhandled register write",
			"offset", fmt.Sprintf("%#x", offset),
			"value", fmt.Sprintf("%#x", value))
	}

	return nil
}

// reset returns the transport to its power-on state. Queue max sizes
// survive; everything the driver negotiated does not.
func (d *mmioDevice) reset() {
	d.deviceFeatureSel = 0
	d.driverFeatureSel = 0
	d.driverFeatures = nil
	d.queueSel = 0
	d.deviceStatus = 0
	d.interruptStatus.Store(0)
	d.configGeneration = 0
	d.shmSel = 0

	for i := range d.queues {
		d.queues[i].reset()
	}

	d.updateInterruptLine()

	if d.handler != nil {
		d.handler.OnReset(d)
	}
}

func (d *mmioDevice) raiseInterrupt(flags uint32) error {
	d.interruptStatus.Or(flags)
	d.updateInterruptLine()
	return nil
}

// updateInterruptLine pushes the pending-interrupt state to the IRQ line,
// skipping the hypervisor call when the level is unchanged.
func (d *mmioDevice) updateInterruptLine() {
	high := d.interruptStatus.Load() != 0
	if d.irqHigh.Swap(high) == high {
		return
	}
	if d.vm == nil {
		return
	}
	if err := d.vm.SetIRQ(d.irqLine, high); err != nil {
		slog.Error("virtio-mmio: set IRQ line", "line", d.irqLine, "high", high, "err", err)
	}
}

func (d *mmioDevice) driverFeatureEnabled(word int, mask uint64) bool {
	if word >= len(d.driverFeatures) {
		return false
	}
	return d.driverFeatures[word]&mask != 0
}

func (d *mmioDevice) eventIdxEnabled() bool {
	return d.driverFeatureEnabled(0, 1<<virtioRingFeatureEventIdxBit)
}

// MMIODeviceSnapshot holds the transport-level register state of a virtio
// MMIO device.
type MMIODeviceSnapshot struct {
	DeviceFeatureSel uint32
	DriverFeatureSel uint32
	DeviceFeatures   []uint64
	DriverFeatures   []uint64
	QueueSel         uint32
	DeviceStatus     uint32
	InterruptStatus  uint32
	ConfigGeneration uint32
	Queues           []QueueSnapshot
}

func (d *mmioDevice) CaptureMMIOSnapshot() MMIODeviceSnapshot {
	snap := MMIODeviceSnapshot{
		DeviceFeatureSel: d.deviceFeatureSel,
		DriverFeatureSel: d.driverFeatureSel,
		DeviceFeatures:   append([]uint64(nil), d.defaultDeviceFeatures...),
		DriverFeatures:   append([]uint64(nil), d.driverFeatures...),
		QueueSel:         d.queueSel,
		DeviceStatus:     d.deviceStatus,
		InterruptStatus:  d.interruptStatus.Load(),
		ConfigGeneration: d.configGeneration,
	}
	for i := range d.queues {
		snap.Queues = append(snap.Queues, d.queues[i].captureSnapshot())
	}
	return snap
}

func (d *mmioDevice) RestoreMMIOSnapshot(snap MMIODeviceSnapshot) error {
	if len(snap.Queues) != len(d.queues) {
		return fmt.Errorf("virtio-mmio: snapshot has %d queues, device has %d", len(snap.Queues), len(d.queues))
	}
	if len(snap.DeviceFeatures) != len(d.defaultDeviceFeatures) {
		return fmt.Errorf("virtio-mmio: snapshot has %d feature words, device has %d", len(snap.DeviceFeatures), len(d.defaultDeviceFeatures))
	}

	d.deviceFeatureSel = snap.DeviceFeatureSel
	d.driverFeatureSel = snap.DriverFeatureSel
	d.driverFeatures = append([]uint64(nil), snap.DriverFeatures...)
	d.queueSel = snap.QueueSel
	d.deviceStatus = snap.DeviceStatus
	d.interruptStatus.Store(snap.InterruptStatus)
	d.configGeneration = snap.ConfigGeneration

	for i := range d.queues {
		d.queues[i].restoreSnapshot(snap.Queues[i])
	}

	d.updateInterruptLine()
	return nil
}

func littleEndianValue(data []byte) uint64 {
	switch len(data) {
	case 1:
		return uint64(data[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(data))
	case 4:
		return uint64(binary.LittleEndian.Uint32(data))
	case 8:
		return binary.LittleEndian.Uint64(data)
	default:
		panic(fmt.Sprintf("unsupported MMIO access width %d", len(data)))
	}
}

func storeLittleEndian(data []byte, value uint64) {
	switch len(data) {
	case 1:
		data[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(data, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(data, value)
	default:
		panic(fmt.Sprintf("unsupported MMIO access width %d", len(data)))
	}
}
