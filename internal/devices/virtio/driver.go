package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Device status bits, in negotiation order.
const (
	virtioStatusAcknowledge = 0x1
	virtioStatusDriver      = 0x2
	virtioStatusDriverOK    = 0x4
	virtioStatusFeaturesOK  = 0x8
)

const (
	driverQueueSize   = 64
	driverCommandMax  = 4096
	driverResponseMax = 256
)

// Driver-visible bridge command failures, mapped from response types.
var (
	ErrBridgeFailed         = errors.New("virtio: bridge command failed")
	ErrBridgeNoMemory       = errors.New("virtio: bridge out of memory")
	ErrBridgeInvalidID      = errors.New("virtio: invalid resource id")
	ErrBridgeInvalidCommand = errors.New("virtio: invalid bridge command")
)

func bridgeStatusError(typ uint32) error {
	switch typ {
	case BRIDGE_RESP_OK, BRIDGE_RESP_RESOURCE_NEW:
		return nil
	case BRIDGE_RESP_ERR:
		return ErrBridgeFailed
	case BRIDGE_RESP_NO_MEMORY:
		return ErrBridgeNoMemory
	case BRIDGE_RESP_INVALID_ID:
		return ErrBridgeInvalidID
	case BRIDGE_RESP_INVALID_CMD:
		return ErrBridgeInvalidCommand
	default:
		return fmt.Errorf("virtio: unexpected response %s", bridgeTypeString(typ))
	}
}

// GuestBus is the machine as a guest driver sees it: RAM plus the device
// register window.
type GuestBus interface {
	io.ReaderAt
	io.WriterAt

	MMIORead(addr uint64, data []byte) error
	MMIOWrite(addr uint64, data []byte) error
	GetIRQ(line uint32) bool
}

// ResourceInfo describes one bridge resource as reported to the guest.
// Base is the guest-physical mapping, zero for unmapped resources.
type ResourceInfo struct {
	ID    uint32
	Flags uint32
	Base  uint64
	Size  uint64
}

// InboundMessage is one delivered frame from the in queue: either a
// channel hangup or a message with its transferred resources.
type InboundMessage struct {
	SourceID uint32
	Hangup   bool

	Resources      []ResourceInfo
	TransferredIDs []uint32
	Payload        []byte
}

type driverQueue struct {
	index int
	size  uint16

	desc  uint64
	avail uint64
	used  uint64

	availIdx uint16
	lastUsed uint16
}

// BridgeDriver drives a bridge device the way a guest kernel driver
// would: it negotiates the transport, keeps the virtqueues in guest
// memory, and turns bridge commands into Go calls. Not safe for
// concurrent use.
type BridgeDriver struct {
	bus     GuestBus
	base    uint64
	irqLine uint32

	arenaNext uint64
	arenaEnd  uint64

	out driverQueue
	in  driverQueue

	reqAddr  uint64
	respAddr uint64

	recvAddrs    []uint64
	recvBufBytes uint32
	postedRecv   int
	consumedRecv int

	vendor     uint32
	windowBase uint64
	windowSize uint64
}

// NewBridgeDriver prepares a driver for a created bridge device. Ring and
// buffer memory is carved from [arenaBase, arenaBase+arenaSize) of guest
// RAM, which must not overlap anything else the caller uses.
func NewBridgeDriver(bus GuestBus, dev AllocatedVirtioMMIODevice, arenaBase, arenaSize uint64) *BridgeDriver {
	return &BridgeDriver{
		bus:       bus,
		base:      dev.AllocatedMMIOBase(),
		irqLine:   dev.AllocatedIRQLine(),
		arenaNext: arenaBase,
		arenaEnd:  arenaBase + arenaSize,
	}
}

func (d *BridgeDriver) read32(offset uint64) (uint32, error) {
	var b [4]byte
	if err := d.bus.MMIORead(d.base+offset, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (d *BridgeDriver) write32(offset uint64, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return d.bus.MMIOWrite(d.base+offset, b[:])
}

// Probe checks the transport identity registers.
func (d *BridgeDriver) Probe() error {
	magic, err := d.read32(VIRTIO_MMIO_MAGIC_VALUE)
	if err != nil {
		return err
	}
	if magic != virtioMagicValue {
		return fmt.Errorf("virtio: bad magic %#x", magic)
	}

	version, err := d.read32(VIRTIO_MMIO_VERSION)
	if err != nil {
		return err
	}
	if version != bridgeVersion {
		return fmt.Errorf("virtio: unsupported device version %d", version)
	}

	deviceID, err := d.read32(VIRTIO_MMIO_DEVICE_ID)
	if err != nil {
		return err
	}
	if deviceID != bridgeDeviceID {
		return fmt.Errorf("virtio: device id %d is not a bridge", deviceID)
	}

	d.vendor, err = d.read32(VIRTIO_MMIO_VENDOR_ID)
	return err
}

// Vendor returns the vendor id latched by Probe.
func (d *BridgeDriver) Vendor() uint32 { return d.vendor }

// IRQLine returns the encoded interrupt line the device signals on.
func (d *BridgeDriver) IRQLine() uint32 { return d.irqLine }

// WindowBase returns the guest shared-memory window base read from config
// space during Initialize.
func (d *BridgeDriver) WindowBase() uint64 { return d.windowBase }

// WindowSize returns the guest shared-memory window size.
func (d *BridgeDriver) WindowSize() uint64 { return d.windowSize }

func (d *BridgeDriver) alloc(size, align uint64) (uint64, error) {
	base := (d.arenaNext + align - 1) &^ (align - 1)
	if base+size > d.arenaEnd {
		return 0, fmt.Errorf("virtio: guest arena exhausted at %#x", d.arenaNext)
	}
	d.arenaNext = base + size
	return base, nil
}

func (d *BridgeDriver) zeroGuest(addr, size uint64) error {
	_, err := d.bus.WriteAt(make([]byte, size), int64(addr))
	return err
}

// Initialize resets the device, negotiates VERSION_1, reads the guest
// window from config space, and brings both queues up. recvBufBytes sizes
// the receive buffers later posted with PostReceiveBuffer; zero selects
// 4096.
func (d *BridgeDriver) Initialize(recvBufBytes uint32) error {
	if recvBufBytes == 0 {
		recvBufBytes = 4096
	}

	if err := d.write32(VIRTIO_MMIO_STATUS, 0); err != nil {
		return err
	}
	if err := d.write32(VIRTIO_MMIO_STATUS, virtioStatusAcknowledge); err != nil {
		return err
	}
	if err := d.write32(VIRTIO_MMIO_STATUS, virtioStatusAcknowledge|virtioStatusDriver); err != nil {
		return err
	}

	if err := d.negotiateFeatures(); err != nil {
		return err
	}
	if err := d.readWindowConfig(); err != nil {
		return err
	}

	in, err := d.setupQueue(bridgeQueueIn)
	if err != nil {
		return fmt.Errorf("virtio: set up in queue: %w", err)
	}
	out, err := d.setupQueue(bridgeQueueOut)
	if err != nil {
		return fmt.Errorf("virtio: set up out queue: %w", err)
	}
	d.in, d.out = in, out

	if d.reqAddr, err = d.alloc(driverCommandMax, 16); err != nil {
		return err
	}
	if d.respAddr, err = d.alloc(driverResponseMax, 16); err != nil {
		return err
	}

	d.recvBufBytes = recvBufBytes
	d.recvAddrs = make([]uint64, d.in.size)
	for i := range d.recvAddrs {
		if d.recvAddrs[i], err = d.alloc(uint64(recvBufBytes), 16); err != nil {
			return err
		}
	}
	d.postedRecv, d.consumedRecv = 0, 0

	// The feature writes raised a config change interrupt; quiet the line
	// before going live.
	if err := d.ackInterrupt(); err != nil {
		return err
	}

	return d.write32(VIRTIO_MMIO_STATUS,
		virtioStatusAcknowledge|virtioStatusDriver|virtioStatusFeaturesOK|virtioStatusDriverOK)
}

func (d *BridgeDriver) negotiateFeatures() error {
	var words [2]uint32
	for i := range words {
		if err := d.write32(VIRTIO_MMIO_DEVICE_FEATURES_SEL, uint32(i)); err != nil {
			return err
		}
		word, err := d.read32(VIRTIO_MMIO_DEVICE_FEATURES)
		if err != nil {
			return err
		}
		words[i] = word
	}

	offered := uint64(words[1])<<32 | uint64(words[0])
	if offered&virtioFeatureVersion1 == 0 {
		return fmt.Errorf("virtio: device does not offer VERSION_1")
	}

	// Accept VERSION_1 alone; the rings then run without event suppression.
	accepted := virtioFeatureVersion1
	if err := d.write32(VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0); err != nil {
		return err
	}
	if err := d.write32(VIRTIO_MMIO_DRIVER_FEATURES, uint32(accepted)); err != nil {
		return err
	}
	if err := d.write32(VIRTIO_MMIO_DRIVER_FEATURES_SEL, 1); err != nil {
		return err
	}
	if err := d.write32(VIRTIO_MMIO_DRIVER_FEATURES, uint32(accepted>>32)); err != nil {
		return err
	}

	if err := d.write32(VIRTIO_MMIO_STATUS,
		virtioStatusAcknowledge|virtioStatusDriver|virtioStatusFeaturesOK); err != nil {
		return err
	}
	status, err := d.read32(VIRTIO_MMIO_STATUS)
	if err != nil {
		return err
	}
	if status&virtioStatusFeaturesOK == 0 {
		return fmt.Errorf("virtio: device rejected the feature selection")
	}
	return nil
}

func (d *BridgeDriver) readWindowConfig() error {
	for attempt := 0; attempt < 8; attempt++ {
		before, err := d.read32(VIRTIO_MMIO_CONFIG_GENERATION)
		if err != nil {
			return err
		}

		var words [4]uint32
		for i := range words {
			if words[i], err = d.read32(VIRTIO_MMIO_CONFIG + uint64(i)*4); err != nil {
				return err
			}
		}

		after, err := d.read32(VIRTIO_MMIO_CONFIG_GENERATION)
		if err != nil {
			return err
		}
		if before == after {
			d.windowBase = uint64(words[1])<<32 | uint64(words[0])
			d.windowSize = uint64(words[3])<<32 | uint64(words[2])
			return nil
		}
	}
	return fmt.Errorf("virtio: config space kept changing")
}

func (d *BridgeDriver) setupQueue(index int) (driverQueue, error) {
	if err := d.write32(VIRTIO_MMIO_QUEUE_SEL, uint32(index)); err != nil {
		return driverQueue{}, err
	}
	max, err := d.read32(VIRTIO_MMIO_QUEUE_NUM_MAX)
	if err != nil {
		return driverQueue{}, err
	}
	if max == 0 {
		return driverQueue{}, fmt.Errorf("queue %d does not exist", index)
	}
	size := uint16(driverQueueSize)
	if uint32(size) > max {
		size = uint16(max)
	}

	q := driverQueue{index: index, size: size}
	if q.desc, err = d.alloc(16*uint64(size), 16); err != nil {
		return driverQueue{}, err
	}
	if q.avail, err = d.alloc(6+2*uint64(size), 2); err != nil {
		return driverQueue{}, err
	}
	if q.used, err = d.alloc(6+8*uint64(size), 4); err != nil {
		return driverQueue{}, err
	}
	for _, region := range []struct{ addr, size uint64 }{
		{q.desc, 16 * uint64(size)},
		{q.avail, 6 + 2*uint64(size)},
		{q.used, 6 + 8*uint64(size)},
	} {
		if err := d.zeroGuest(region.addr, region.size); err != nil {
			return driverQueue{}, err
		}
	}

	if err := d.write32(VIRTIO_MMIO_QUEUE_NUM, uint32(size)); err != nil {
		return driverQueue{}, err
	}
	for _, reg := range []struct {
		offset uint64
		value  uint32
	}{
		{VIRTIO_MMIO_QUEUE_DESC_LOW, uint32(q.desc)},
		{VIRTIO_MMIO_QUEUE_DESC_HIGH, uint32(q.desc >> 32)},
		{VIRTIO_MMIO_QUEUE_AVAIL_LOW, uint32(q.avail)},
		{VIRTIO_MMIO_QUEUE_AVAIL_HIGH, uint32(q.avail >> 32)},
		{VIRTIO_MMIO_QUEUE_USED_LOW, uint32(q.used)},
		{VIRTIO_MMIO_QUEUE_USED_HIGH, uint32(q.used >> 32)},
	} {
		if err := d.write32(reg.offset, reg.value); err != nil {
			return driverQueue{}, err
		}
	}
	if err := d.write32(VIRTIO_MMIO_QUEUE_READY, 1); err != nil {
		return driverQueue{}, err
	}
	return q, nil
}

func (d *BridgeDriver) writeDescriptor(q *driverQueue, index uint16, addr uint64, length uint32, flags, next uint16) error {
	var desc [16]byte
	binary.LittleEndian.PutUint64(desc[0:8], addr)
	binary.LittleEndian.PutUint32(desc[8:12], length)
	binary.LittleEndian.PutUint16(desc[12:14], flags)
	binary.LittleEndian.PutUint16(desc[14:16], next)
	_, err := d.bus.WriteAt(desc[:], int64(q.desc+uint64(index)*16))
	return err
}

// publish places head in the avail ring and then advances the published
// index, in that order.
func (d *BridgeDriver) publish(q *driverQueue, head uint16) error {
	var entry [2]byte
	binary.LittleEndian.PutUint16(entry[:], head)
	if _, err := d.bus.WriteAt(entry[:], int64(q.avail+4+uint64(q.availIdx%q.size)*2)); err != nil {
		return err
	}
	q.availIdx++
	binary.LittleEndian.PutUint16(entry[:], q.availIdx)
	_, err := d.bus.WriteAt(entry[:], int64(q.avail+2))
	return err
}

func (d *BridgeDriver) usedIdx(q *driverQueue) (uint16, error) {
	var b [2]byte
	if _, err := d.bus.ReadAt(b[:], int64(q.used+2)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (d *BridgeDriver) usedEntry(q *driverQueue, idx uint16) (head, written uint32, err error) {
	var b [8]byte
	if _, err := d.bus.ReadAt(b[:], int64(q.used+4+uint64(idx%q.size)*8)); err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8]), nil
}

// ackInterrupt acknowledges every pending interrupt cause. Config change
// interrupts need no handling beyond the ack; the window never moves
// after initialization.
func (d *BridgeDriver) ackInterrupt() error {
	status, err := d.read32(VIRTIO_MMIO_INTERRUPT_STATUS)
	if err != nil {
		return err
	}
	if status == 0 {
		return nil
	}
	return d.write32(VIRTIO_MMIO_INTERRUPT_ACK, status)
}

// command submits one request on the out queue and returns the response
// bytes. The device processes commands during the notify write, so the
// used ring has advanced by the time the kick returns.
func (d *BridgeDriver) command(req []byte) ([]byte, error) {
	if len(req) > driverCommandMax {
		return nil, fmt.Errorf("virtio: command of %d bytes exceeds the request buffer", len(req))
	}
	if _, err := d.bus.WriteAt(req, int64(d.reqAddr)); err != nil {
		return nil, err
	}

	q := &d.out
	if err := d.writeDescriptor(q, 0, d.reqAddr, uint32(len(req)), virtqDescFNext, 1); err != nil {
		return nil, err
	}
	if err := d.writeDescriptor(q, 1, d.respAddr, driverResponseMax, virtqDescFWrite, 0); err != nil {
		return nil, err
	}

	before, err := d.usedIdx(q)
	if err != nil {
		return nil, err
	}
	if err := d.publish(q, 0); err != nil {
		return nil, err
	}
	if err := d.write32(VIRTIO_MMIO_QUEUE_NOTIFY, uint32(q.index)); err != nil {
		return nil, err
	}

	after, err := d.usedIdx(q)
	if err != nil {
		return nil, err
	}
	if after == before {
		return nil, fmt.Errorf("virtio: device did not consume the command")
	}
	q.lastUsed = after

	_, written, err := d.usedEntry(q, after-1)
	if err != nil {
		return nil, err
	}
	if err := d.ackInterrupt(); err != nil {
		return nil, err
	}
	if written < bridgeHdrSize || written > driverResponseMax {
		return nil, fmt.Errorf("virtio: response of %d bytes", written)
	}

	resp := make([]byte, written)
	if _, err := d.bus.ReadAt(resp, int64(d.respAddr)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (d *BridgeDriver) createResource(cmd, id, size uint32) (ResourceInfo, error) {
	req := make([]byte, bridgeNewReqSize)
	putBridgeHeader(req, bridgeHeader{Type: cmd})
	binary.LittleEndian.PutUint32(req[8:12], id)
	binary.LittleEndian.PutUint32(req[12:16], size)

	resp, err := d.command(req)
	if err != nil {
		return ResourceInfo{}, err
	}
	hdr, err := parseBridgeHeader(resp)
	if err != nil {
		return ResourceInfo{}, err
	}
	if hdr.Type != BRIDGE_RESP_RESOURCE_NEW {
		if err := bridgeStatusError(hdr.Type); err != nil {
			return ResourceInfo{}, err
		}
		return ResourceInfo{}, fmt.Errorf("virtio: unexpected response %s", bridgeTypeString(hdr.Type))
	}

	rec, err := parseResourceRecord(resp)
	if err != nil {
		return ResourceInfo{}, err
	}
	return ResourceInfo{ID: rec.ID, Flags: rec.Flags, Base: rec.PFN << 12, Size: rec.Size}, nil
}

// CreateMemory allocates host shared memory mapped into the guest window.
func (d *BridgeDriver) CreateMemory(id, size uint32) (ResourceInfo, error) {
	return d.createResource(BRIDGE_CMD_NEW, id, size)
}

// CreateChannel opens a channel whose peer end goes to the host side.
func (d *BridgeDriver) CreateChannel(id uint32) (ResourceInfo, error) {
	return d.createResource(BRIDGE_CMD_NEW_CTX, id, 0)
}

// CreatePipe creates a byte pipe resource.
func (d *BridgeDriver) CreatePipe(id uint32) (ResourceInfo, error) {
	return d.createResource(BRIDGE_CMD_NEW_PIPE, id, 0)
}

// CreateDmabuf asks for a dma-buf. Bridges without dma-buf support answer
// with ErrBridgeInvalidCommand.
func (d *BridgeDriver) CreateDmabuf(id, size uint32) (ResourceInfo, error) {
	return d.createResource(BRIDGE_CMD_NEW_DMABUF, id, size)
}

func (d *BridgeDriver) idCommand(cmd, id uint32) error {
	req := make([]byte, bridgeIDMsgSize)
	putBridgeHeader(req, bridgeHeader{Type: cmd})
	binary.LittleEndian.PutUint32(req[8:12], id)

	resp, err := d.command(req)
	if err != nil {
		return err
	}
	hdr, err := parseBridgeHeader(resp)
	if err != nil {
		return err
	}
	if err := bridgeStatusError(hdr.Type); err != nil {
		return err
	}
	if hdr.Type != BRIDGE_RESP_OK {
		return fmt.Errorf("virtio: unexpected response %s", bridgeTypeString(hdr.Type))
	}
	return nil
}

// CloseResource destroys a resource by id.
func (d *BridgeDriver) CloseResource(id uint32) error {
	return d.idCommand(BRIDGE_CMD_CLOSE, id)
}

// SyncDmabuf flushes a dma-buf; on this bridge it is a validity check.
func (d *BridgeDriver) SyncDmabuf(id uint32) error {
	return d.idCommand(BRIDGE_CMD_DMABUF_SYNC, id)
}

// Send transmits payload over channel id along with the listed resources.
// Ownership of attached resources moves to the receiver.
func (d *BridgeDriver) Send(id uint32, attach []uint32, payload []byte) error {
	req := make([]byte, bridgeSendFixedSize+len(attach)*4+len(payload))
	putBridgeHeader(req, bridgeHeader{Type: BRIDGE_CMD_SEND})
	binary.LittleEndian.PutUint32(req[8:12], id)
	binary.LittleEndian.PutUint32(req[12:16], uint32(len(attach)))
	for i, a := range attach {
		binary.LittleEndian.PutUint32(req[bridgeSendFixedSize+i*4:], a)
	}
	copy(req[bridgeSendFixedSize+len(attach)*4:], payload)

	resp, err := d.command(req)
	if err != nil {
		return err
	}
	hdr, err := parseBridgeHeader(resp)
	if err != nil {
		return err
	}
	if err := bridgeStatusError(hdr.Type); err != nil {
		return err
	}
	if hdr.Type != BRIDGE_RESP_OK {
		return fmt.Errorf("virtio: unexpected response %s", bridgeTypeString(hdr.Type))
	}
	return nil
}

// PostReceiveBuffer hands the device one buffer for inbound frames. At
// most one buffer per in-queue slot can be outstanding.
func (d *BridgeDriver) PostReceiveBuffer() error {
	q := &d.in
	if d.postedRecv-d.consumedRecv >= len(d.recvAddrs) {
		return fmt.Errorf("virtio: all %d receive buffers are posted", len(d.recvAddrs))
	}
	slot := uint16(d.postedRecv % len(d.recvAddrs))
	if err := d.writeDescriptor(q, slot, d.recvAddrs[slot], d.recvBufBytes, virtqDescFWrite, 0); err != nil {
		return err
	}
	if err := d.publish(q, slot); err != nil {
		return err
	}
	d.postedRecv++
	return d.write32(VIRTIO_MMIO_QUEUE_NOTIFY, uint32(q.index))
}

// PollInbound returns the next delivered frame, or nil when none is
// pending. Buffers the device consumed without filling are skipped.
func (d *BridgeDriver) PollInbound() (*InboundMessage, error) {
	q := &d.in
	for {
		idx, err := d.usedIdx(q)
		if err != nil {
			return nil, err
		}
		if idx == q.lastUsed {
			// The raise for an already-consumed entry can land after its
			// ack; clear stragglers so the line does not stay latched.
			if err := d.ackInterrupt(); err != nil {
				return nil, err
			}
			return nil, nil
		}

		head, written, err := d.usedEntry(q, q.lastUsed)
		if err != nil {
			return nil, err
		}
		q.lastUsed++
		d.consumedRecv++

		if err := d.ackInterrupt(); err != nil {
			return nil, err
		}
		if written == 0 {
			continue
		}
		if head >= uint32(len(d.recvAddrs)) {
			return nil, fmt.Errorf("virtio: used entry names unknown buffer %d", head)
		}
		if written > d.recvBufBytes {
			return nil, fmt.Errorf("virtio: frame of %d bytes exceeds the receive buffer", written)
		}

		frame := make([]byte, written)
		if _, err := d.bus.ReadAt(frame, int64(d.recvAddrs[head])); err != nil {
			return nil, err
		}
		return parseInboundFrame(frame)
	}
}

func parseInboundFrame(frame []byte) (*InboundMessage, error) {
	hdr, err := parseBridgeHeader(frame)
	if err != nil {
		return nil, err
	}
	if hdr.Type == BRIDGE_CMD_HUP {
		id, err := parseIDRequest(frame)
		if err != nil {
			return nil, err
		}
		return &InboundMessage{SourceID: id, Hangup: true}, nil
	}

	var resources []ResourceInfo
	rest := frame
	for {
		hdr, err := parseBridgeHeader(rest)
		if err != nil {
			return nil, err
		}
		if hdr.Type != BRIDGE_RESP_RESOURCE_NEW {
			break
		}
		rec, err := parseResourceRecord(rest)
		if err != nil {
			return nil, err
		}
		resources = append(resources, ResourceInfo{ID: rec.ID, Flags: rec.Flags, Base: rec.PFN << 12, Size: rec.Size})
		rest = rest[bridgeNewRecordSize:]
	}

	hdr, err = parseBridgeHeader(rest)
	if err != nil {
		return nil, err
	}
	if hdr.Type != BRIDGE_CMD_RECV {
		return nil, fmt.Errorf("virtio: unexpected frame type %s", bridgeTypeString(hdr.Type))
	}

	// The RECV tail shares the SEND wire shape.
	srcID, ids, payload, err := parseSendRequest(rest)
	if err != nil {
		return nil, err
	}
	if len(ids) != len(resources) {
		return nil, fmt.Errorf("virtio: frame carries %d records for %d ids", len(resources), len(ids))
	}
	return &InboundMessage{
		SourceID:       srcID,
		Resources:      resources,
		TransferredIDs: ids,
		Payload:        payload,
	}, nil
}
